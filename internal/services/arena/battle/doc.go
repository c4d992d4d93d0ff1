// Package battle owns the client-side view of a boss battle.
//
// Machine is the single owner of battle state. Two paths mutate it: the
// player's own attack (RequestAction, which waits on the ledger) and push
// events from the ledger (ApplyRemoteEvent). Both paths write absolute hp
// values taken from the ledger, never deltas, so a duplicate or late signal
// for the same attack converges to the same state instead of subtracting
// twice.
//
// Phase tracks the local attack: Idle -> Submitting -> Confirmed -> Idle after
// the hit window, or Submitting -> Failed -> Idle. Outcome becomes Victory the
// first time the boss reaches zero hp on either path and stays there until
// Reset.
package battle
