// Package ids mints the identifiers the pool needs for itself: operation ids
// tying together the log and audit lines of one call, and dense 53-bit
// numeric ids.
package ids

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// opSource keeps ULID entropy monotonic within a millisecond, so op ids
// minted by one process sort in issue order.
type opSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func (s *opSource) next(at time.Time) ulid.ULID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), s.entropy)
}

var ops = &opSource{
	entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
}

// NewOpID returns a sortable id for one allocator call or CLI invocation.
func NewOpID() string {
	return ops.next(time.Now()).String()
}
