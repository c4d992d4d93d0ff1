package battle

import (
	"github.com/louisbranch/bossarena/internal/services/arena/domain/character"
	"github.com/louisbranch/bossarena/internal/services/arena/ledger"
)

// EventKind names the remote events the machine accepts.
type EventKind string

const (
	// KindActionOutcome reports the hp of the boss and of the attacker after
	// an attack by any participant.
	KindActionOutcome EventKind = "action_outcome"
	// KindRosterChanged reports a participant that joined or changed.
	KindRosterChanged EventKind = "roster_changed"
)

// Event is a normalized remote event.
type Event struct {
	Kind EventKind

	// KindActionOutcome fields. Hp values are absolute. Position is zero
	// when the emission point is unknown.
	ActorID  int64
	BossHP   int64
	ActorHP  int64
	Position ledger.Position

	// KindRosterChanged field.
	Character character.Character
}

// ActionOutcome builds a KindActionOutcome event.
func ActionOutcome(actorID, bossHP, actorHP int64) Event {
	return Event{Kind: KindActionOutcome, ActorID: actorID, BossHP: bossHP, ActorHP: actorHP}
}

// At returns a copy of e tagged with its ledger position.
func (e Event) At(pos ledger.Position) Event {
	e.Position = pos
	return e
}

// RosterChanged builds a KindRosterChanged event.
func RosterChanged(c character.Character) Event {
	return Event{Kind: KindRosterChanged, Character: c}
}
