package character

import (
	stderrors "errors"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	apperrors "github.com/louisbranch/bossarena/internal/platform/errors"
)

// RawRecord is a character record in ledger-native encoding.
type RawRecord struct {
	Name         string
	ImageRef     string
	HP           *big.Int
	MaxHP        *big.Int
	AttackDamage *big.Int
}

// Decode converts a ledger record into a Character.
//
// The returned character is always usable. When the record violates an
// invariant the offending fields are clamped and a CORRUPT_RECORD error
// describing every violation is returned alongside the clamped value.
func Decode(id int64, raw RawRecord) (Character, error) {
	var issues []string

	maxHP, ok := Amount(raw.MaxHP)
	if !ok {
		issues = append(issues, "max_hp is not a 63-bit unsigned integer")
	}
	hp, ok := Amount(raw.HP)
	if !ok {
		issues = append(issues, "hp is not a 63-bit unsigned integer")
	}
	damage, ok := Amount(raw.AttackDamage)
	if !ok {
		issues = append(issues, "attack_damage is not a 63-bit unsigned integer")
	}

	if maxHP <= 0 {
		issues = append(issues, "max_hp must be positive")
		maxHP = max(hp, 1)
	}
	if hp > maxHP {
		issues = append(issues, "hp "+strconv.FormatInt(hp, 10)+" above max_hp "+strconv.FormatInt(maxHP, 10))
		hp = maxHP
	}

	c := Character{
		ID:           id,
		Name:         strings.TrimSpace(raw.Name),
		ImageRef:     strings.TrimSpace(raw.ImageRef),
		HP:           hp,
		MaxHP:        maxHP,
		AttackDamage: damage,
	}
	if len(issues) == 0 {
		return c, nil
	}
	return c, apperrors.WithMetadata(apperrors.CodeCorruptRecord, "corrupt character record "+c.Label(), map[string]string{
		"id":     strconv.FormatInt(id, 10),
		"issues": strings.Join(issues, "; "),
	})
}

// DecodeRoster decodes the ledger's entity enumeration. The position of a
// record is its holder index; selfIndex is skipped and the remaining order is
// preserved. Corrupt records are clamped and reported through the joined
// error.
func DecodeRoster(records []RawRecord, selfIndex int64) ([]Character, error) {
	others := make([]Character, 0, len(records))
	var errs []error
	for i, raw := range records {
		id := int64(i)
		if id == selfIndex {
			continue
		}
		c, err := Decode(id, raw)
		if err != nil {
			errs = append(errs, err)
		}
		others = append(others, c)
	}
	return others, stderrors.Join(errs...)
}

// Amount normalizes a ledger uint256 into an int64. Nil decodes to zero.
// Negative values decode to zero and values beyond int64 saturate; both
// report ok == false.
func Amount(v *big.Int) (int64, bool) {
	if v == nil {
		return 0, true
	}
	if v.Sign() < 0 {
		return 0, false
	}
	u, overflow := uint256.FromBig(v)
	if overflow || !u.IsUint64() || u.Uint64() > math.MaxInt64 {
		return math.MaxInt64, false
	}
	return int64(u.Uint64()), true
}
