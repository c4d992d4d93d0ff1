// Package character models combatants in a boss battle and decodes them from
// ledger records.
//
// Every combatant (the player's own entity, the boss, and other holders) is
// the same value type. Ledger records are untrusted input: numbers arrive as
// wide unsigned integers and are normalized here, and hp is clamped into
// [0, MaxHP] before anything downstream sees it.
package character
