package battle

import (
	"context"
	"time"

	"github.com/louisbranch/bossarena/internal/services/arena/domain/character"
	"github.com/louisbranch/bossarena/internal/services/arena/ledger"
)

// Ledger is the subset of ledger.Client the machine drives.
type Ledger interface {
	SubmitAction(ctx context.Context) (ledger.ActionHandle, error)
	AwaitConfirmation(ctx context.Context, handle ledger.ActionHandle) (ledger.Receipt, error)
	FetchBoss(ctx context.Context) (character.Character, error)
	FetchRoster(ctx context.Context) ([]character.RawRecord, error)
}

// Timer is a scheduled callback that can be stopped.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(d time.Duration, f func()) Timer

// AfterFunc implements Scheduler.
func (fn SchedulerFunc) AfterFunc(d time.Duration, f func()) Timer {
	return fn(d, f)
}

// WallClock schedules on real timers.
var WallClock Scheduler = SchedulerFunc(func(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
})

// ActionStatus is a lifecycle step recorded in the action journal.
type ActionStatus string

const (
	ActionSubmitted ActionStatus = "submitted"
	ActionConfirmed ActionStatus = "confirmed"
	ActionFailed    ActionStatus = "failed"
)

// ActionRecord is one journal line for a local attack.
type ActionRecord struct {
	ActionID    string
	HolderIndex int64
	Status      ActionStatus
	BossHP      int64
	SelfHP      int64
	ErrorCode   string
	RecordedAt  time.Time
}

// Journal stores the lifecycle of local attacks for later inspection. It is
// an audit trail and is never read back into battle state.
type Journal interface {
	RecordAction(ctx context.Context, record ActionRecord) error
}
