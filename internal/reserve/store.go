package reserve

import (
	"context"
	"time"
)

// Store persists identifier records. Implementations must make every method
// a single indivisible operation on the backing store; the allocator never
// locks anything itself.
type Store interface {
	// InsertMany inserts records, silently skipping ids that already exist.
	// It returns how many were actually inserted.
	InsertMany(ctx context.Context, records []Record) (int, error)

	// CompareAndSet applies next to id only if its current status is expected,
	// and reports whether it did. A missing id reports false.
	CompareAndSet(ctx context.Context, id string, expected Status, next Update) (bool, error)

	// Count returns the number of records in status.
	Count(ctx context.Context, status Status) (int, error)

	// Find returns up to limit records in status, in no guaranteed order.
	Find(ctx context.Context, status Status, limit int) ([]Record, error)

	// Get returns the record for id or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// Existing reports which of ids are present, in any status.
	Existing(ctx context.Context, ids []string) (map[string]bool, error)

	// ReleaseExpired moves every Reserved record with ReservedAt before
	// cutoff back to Available, clearing ReservedAt. Each row is a conditional
	// update, so a record confirmed concurrently stays Used.
	ReleaseExpired(ctx context.Context, cutoff time.Time) (int, error)
}
