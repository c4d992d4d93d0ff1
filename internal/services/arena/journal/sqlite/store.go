package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/bossarena/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/bossarena/internal/services/arena/battle"
	"github.com/louisbranch/bossarena/internal/services/arena/journal"
	"github.com/louisbranch/bossarena/internal/services/arena/journal/sqlite/migrations"
	_ "modernc.org/sqlite"
)

const (
	timeFormat = time.RFC3339Nano
	memoryPath = ":memory:"
)

// Store is a SQLite-backed action journal.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the journal at path. The path ":memory:" opens a private
// in-memory journal.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := memoryPath
	if path != memoryPath {
		dsn = filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps an in-memory database shared and serializes
	// writers on disk.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := store.runMigrations(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) runMigrations(ctx context.Context) error {
	return sqlitemigrate.Apply(ctx, s.sqlDB, migrations.FS, ".")
}

// RecordAction appends one lifecycle line.
func (s *Store) RecordAction(ctx context.Context, record battle.ActionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(string(record.Status)) == "" {
		return fmt.Errorf("action status is required")
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO action_journal (action_id, holder_index, status, boss_hp, self_hp, error_code, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ActionID,
		record.HolderIndex,
		string(record.Status),
		record.BossHP,
		record.SelfHP,
		record.ErrorCode,
		record.RecordedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("insert action record: %w", err)
	}
	return nil
}

// ListActions returns up to limit records, newest first.
func (s *Store) ListActions(ctx context.Context, limit int) ([]battle.ActionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = journal.DefaultListLimit
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT action_id, holder_index, status, boss_hp, self_hp, error_code, recorded_at
FROM action_journal
ORDER BY seq DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list action records: %w", err)
	}
	defer rows.Close()

	var records []battle.ActionRecord
	for rows.Next() {
		var (
			record     battle.ActionRecord
			status     string
			recordedAt string
		)
		if err := rows.Scan(&record.ActionID, &record.HolderIndex, &status, &record.BossHP, &record.SelfHP, &record.ErrorCode, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan action record: %w", err)
		}
		record.Status = battle.ActionStatus(status)
		record.RecordedAt, err = time.Parse(timeFormat, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action records: %w", err)
	}
	return records, nil
}

var _ journal.Store = (*Store)(nil)
