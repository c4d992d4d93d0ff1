// Package journal defines the audit trail of local attacks.
package journal

import (
	"context"

	"github.com/louisbranch/bossarena/internal/services/arena/battle"
)

// DefaultListLimit caps ListActions when no limit is given.
const DefaultListLimit = 50

// Store records action lifecycle lines and lists the most recent ones.
type Store interface {
	battle.Journal
	// ListActions returns up to limit records, newest first.
	ListActions(ctx context.Context, limit int) ([]battle.ActionRecord, error)
	Close() error
}
