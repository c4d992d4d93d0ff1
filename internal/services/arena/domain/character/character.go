package character

import "strconv"

// Character is a combatant snapshot.
type Character struct {
	// ID is the holder index (token id) that identifies the entity on the ledger.
	ID int64 `json:"id"`
	// Name is the display label.
	Name string `json:"name"`
	// ImageRef is an opaque content locator for the portrait.
	ImageRef string `json:"image_ref"`
	// HP is always within [0, MaxHP].
	HP int64 `json:"hp"`
	// MaxHP is always positive.
	MaxHP int64 `json:"max_hp"`
	// AttackDamage is never negative.
	AttackDamage int64 `json:"attack_damage"`
}

// Defeated reports whether the character has no hp left. A defeated entity
// stays defeated for the rest of the battle.
func (c Character) Defeated() bool {
	return c.HP == 0
}

// WithHP returns a copy with hp clamped into [0, MaxHP].
func (c Character) WithHP(hp int64) Character {
	c.HP = ClampHP(hp, c.MaxHP)
	return c
}

// Label identifies the character in logs.
func (c Character) Label() string {
	if c.Name == "" {
		return "#" + strconv.FormatInt(c.ID, 10)
	}
	return c.Name + "#" + strconv.FormatInt(c.ID, 10)
}

// ClampHP bounds hp to [0, maxHP].
func ClampHP(hp, maxHP int64) int64 {
	if hp < 0 {
		return 0
	}
	if maxHP > 0 && hp > maxHP {
		return maxHP
	}
	return hp
}
