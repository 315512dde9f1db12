package storage

import (
	"context"
	"time"
)

// Backend persists counter snapshots so a restarted instance can resume with
// warm counters. Implementations must be safe for concurrent use.
type Backend interface {
	// SaveEntries upserts the given entries in one transaction.
	SaveEntries(ctx context.Context, entries []*EntryState) error

	// LoadEntries returns every persisted entry of a dimension.
	// Returns an empty slice if none exist.
	LoadEntries(ctx context.Context, dimension string) ([]*EntryState, error)

	// Delete removes one entry. No-op if it doesn't exist.
	Delete(ctx context.Context, dimension string, key string) error

	// Cleanup removes entries last seen before olderThan and returns how
	// many were deleted.
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases any resources held by the backend.
	Close() error
}

// EntryState is the serializable form of a KeyStore entry.
type EntryState struct {
	// Dimension is the limiting dimension (ip, user, tool).
	Dimension string

	// Key is the entry key within the dimension.
	Key string

	// Samples are the retained event timestamps in unix nanoseconds, oldest
	// first.
	Samples []int64

	FirstSeen    time.Time
	LastSeen     time.Time
	TotalCount   int64
	BlockedCount int64
}
