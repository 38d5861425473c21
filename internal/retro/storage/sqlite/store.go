// Package sqlite implements the durable snapshot store for retro sessions.
//
// It is the concrete side of the external-collaborator boundary: the room
// actor publishes snapshots here asynchronously and reads one back only
// when a session id is first brought into memory.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/retroloop/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/retroloop/internal/retro/domain"
	"github.com/louisbranch/retroloop/internal/retro/storage"
	"github.com/louisbranch/retroloop/internal/retro/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides a SQLite-backed implementation of the storage contracts.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}

	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
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

// SaveRetroSnapshot upserts the session row and replaces its vote rows in
// one transaction so a reader never observes a half-applied snapshot.
func (s *Store) SaveRetroSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	retroID := strings.TrimSpace(snapshot.ID)
	if retroID == "" {
		return fmt.Errorf("retro id is required")
	}
	createdAt := snapshot.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO retros (retro_id, phase, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (retro_id) DO UPDATE SET
		     phase = excluded.phase,
		     updated_at = excluded.updated_at`,
		retroID,
		string(snapshot.Phase),
		toMillis(createdAt),
		toMillis(time.Now().UTC()),
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("save retro row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM retro_votes WHERE retro_id = ?`, retroID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear vote rows: %w", err)
	}
	for participantID, groups := range snapshot.Votes {
		for groupID, count := range groups {
			if count <= 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO retro_votes (retro_id, participant_id, group_id, count) VALUES (?, ?, ?, ?)`,
				retroID, participantID, groupID, count,
			); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("save vote row: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadRetroSnapshot returns the durable copy of the session.
// Returns storage.ErrNotFound if no snapshot exists.
func (s *Store) LoadRetroSnapshot(ctx context.Context, retroID string) (domain.Snapshot, error) {
	retroID = strings.TrimSpace(retroID)
	if retroID == "" {
		return domain.Snapshot{}, fmt.Errorf("retro id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT phase, created_at FROM retros WHERE retro_id = ?`, retroID)

	var phase string
	var createdAtMillis int64
	err := row.Scan(&phase, &createdAtMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("load retro row: %w", err)
	}

	snapshot := domain.Snapshot{
		ID:        retroID,
		Phase:     domain.Phase(phase),
		Votes:     make(map[string]map[string]int),
		CreatedAt: fromMillis(createdAtMillis),
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT participant_id, group_id, count FROM retro_votes WHERE retro_id = ?`, retroID)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("load vote rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var participantID, groupID string
		var count int
		if err := rows.Scan(&participantID, &groupID, &count); err != nil {
			return domain.Snapshot{}, fmt.Errorf("scan vote row: %w", err)
		}
		if snapshot.Votes[participantID] == nil {
			snapshot.Votes[participantID] = make(map[string]int)
		}
		snapshot.Votes[participantID][groupID] = count
	}
	if err := rows.Err(); err != nil {
		return domain.Snapshot{}, fmt.Errorf("iterate vote rows: %w", err)
	}
	// Only vote rows are stored; totals are derived on load.
	snapshot.GroupTotals = domain.RestoreLedger(snapshot.Votes).GroupTotals()
	return snapshot, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(millis int64) time.Time {
	return time.UnixMilli(millis).UTC()
}

var _ storage.Store = (*Store)(nil)
