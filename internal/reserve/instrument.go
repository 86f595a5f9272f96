package reserve

import (
	"context"
	"errors"
	"time"

	"backfeed.org/internal/obs"
)

// Instrument wraps s so every call is timed in the idpool_store_op_duration_seconds histogram.
func Instrument(s Store) Store {
	if _, ok := s.(instrumented); ok {
		return s
	}
	return instrumented{next: s}
}

type instrumented struct {
	next Store
}

func (i instrumented) InsertMany(ctx context.Context, records []Record) (n int, err error) {
	defer func(start time.Time) { obs.ObserveStoreOp("insert_many", start, err) }(time.Now())
	return i.next.InsertMany(ctx, records)
}

func (i instrumented) CompareAndSet(ctx context.Context, id string, expected Status, next Update) (ok bool, err error) {
	defer func(start time.Time) { obs.ObserveStoreOp("compare_and_set", start, err) }(time.Now())
	return i.next.CompareAndSet(ctx, id, expected, next)
}

func (i instrumented) Count(ctx context.Context, status Status) (n int, err error) {
	defer func(start time.Time) { obs.ObserveStoreOp("count", start, err) }(time.Now())
	return i.next.Count(ctx, status)
}

func (i instrumented) Find(ctx context.Context, status Status, limit int) (res []Record, err error) {
	defer func(start time.Time) { obs.ObserveStoreOp("find", start, err) }(time.Now())
	return i.next.Find(ctx, status, limit)
}

func (i instrumented) Get(ctx context.Context, id string) (rec Record, err error) {
	defer func(start time.Time) {
		// a miss is an answer, not a failure
		if errors.Is(err, ErrNotFound) {
			obs.ObserveStoreOp("get", start, nil)
			return
		}
		obs.ObserveStoreOp("get", start, err)
	}(time.Now())
	return i.next.Get(ctx, id)
}

func (i instrumented) Existing(ctx context.Context, ids []string) (m map[string]bool, err error) {
	defer func(start time.Time) { obs.ObserveStoreOp("existing", start, err) }(time.Now())
	return i.next.Existing(ctx, ids)
}

func (i instrumented) ReleaseExpired(ctx context.Context, cutoff time.Time) (n int, err error) {
	defer func(start time.Time) { obs.ObserveStoreOp("release_expired", start, err) }(time.Now())
	return i.next.ReleaseExpired(ctx, cutoff)
}
