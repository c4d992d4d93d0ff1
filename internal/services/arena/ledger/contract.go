package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/louisbranch/bossarena/internal/services/arena/domain/character"
)

// EventName identifies a push event emitted by the contract.
type EventName string

const (
	// EventActionOutcome is emitted after every attack with the boss and
	// attacker hp that resulted from it.
	EventActionOutcome EventName = "AttackComplete"
	// EventRosterChanged is emitted when a new holder joins the battle.
	EventRosterChanged EventName = "CharacterNFTMinted"
)

// ActionHandle identifies a dispatched action that can be awaited.
type ActionHandle struct {
	// ID is the provider's identifier for the action (a transaction hash).
	ID          string
	SubmittedAt time.Time
}

// Position orders emissions on the ledger. The zero Position is unknown.
type Position struct {
	Block uint64
	Index uint
}

// IsZero reports whether the position is unknown.
func (p Position) IsZero() bool {
	return p == Position{}
}

// After reports whether p was emitted after o.
func (p Position) After(o Position) bool {
	if p.Block != o.Block {
		return p.Block > o.Block
	}
	return p.Index > o.Index
}

// ActionOutcome carries the absolute hp values produced by one attack.
type ActionOutcome struct {
	Actor    string
	BossHP   *big.Int
	ActorHP  *big.Int
	Position Position
}

// Receipt is returned once an action has been included by the ledger.
type Receipt struct {
	ActionID    string
	BlockNumber uint64
	// Outcome is decoded from the receipt's own logs when present.
	Outcome *ActionOutcome
}

// RawEvent is a push event in ledger-native encoding.
type RawEvent struct {
	Name EventName
	// Key is unique per emission (transaction hash and log index) and is
	// stable across redeliveries of the same emission.
	Key      string
	Position Position
	// Actor is the account that caused the event.
	Actor string
	// BossHP and ActorHP are set for EventActionOutcome.
	BossHP  *big.Int
	ActorHP *big.Int
	// TokenID is set for EventRosterChanged.
	TokenID *big.Int
	// Removed marks an emission retracted by a chain reorganization.
	Removed bool
}

// Stream is a live event feed returned by Contract.Watch.
type Stream interface {
	// Unsubscribe stops delivery and closes Err.
	Unsubscribe()
	// Err delivers at most one error if the feed fails.
	Err() <-chan error
}

// Contract is the raw call surface of the battle contract.
//
// Implementations report a missing entity with an errors.CodeNotFound error,
// a signer refusal with errors.CodeSubmissionRejected and a reverted action
// with errors.CodeActionReverted. Any other error is treated as the provider
// being unreachable.
type Contract interface {
	GetEntity(ctx context.Context, account string) (character.RawRecord, error)
	GetBigBoss(ctx context.Context) (character.RawRecord, error)
	GetAllEntities(ctx context.Context) ([]character.RawRecord, error)
	GetHolderIndex(ctx context.Context, account string) (int64, error)
	SubmitAction(ctx context.Context) (ActionHandle, error)
	AwaitReceipt(ctx context.Context, handle ActionHandle) (Receipt, error)
	Watch(ctx context.Context, name EventName, sink chan<- RawEvent) (Stream, error)
}
