// Package storage defines the durable-store contracts for retro sessions.
//
// The coordination core treats durable storage as an external collaborator:
// snapshots are written asynchronously after accepted mutations and read
// only when a session is first brought back into memory.
package storage

import (
	"context"
	"errors"

	"github.com/louisbranch/retroloop/internal/retro/domain"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists session snapshots.
type Store interface {
	// SaveRetroSnapshot upserts the durable copy of a session.
	SaveRetroSnapshot(ctx context.Context, snapshot domain.Snapshot) error
	// LoadRetroSnapshot returns the durable copy of a session, or
	// ErrNotFound when none has been written.
	LoadRetroSnapshot(ctx context.Context, retroID string) (domain.Snapshot, error)
}
