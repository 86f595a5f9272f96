package ids

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Bit layout, most significant first:
//
//	[41 bits ms since epoch][5 bits shard][5 bits worker][2 bits sequence]
//
// 41+5+5+2 = 53, so every id is exactly representable as an IEEE-754 double.
const (
	sequenceBits  = 2
	workerBits    = 5
	shardBits     = 5
	timestampBits = 41

	workerShift    = sequenceBits
	shardShift     = sequenceBits + workerBits
	timestampShift = sequenceBits + workerBits + shardBits

	sequenceMask  = 1<<sequenceBits - 1
	maxWorker     = 1<<workerBits - 1
	maxShard      = 1<<shardBits - 1
	timestampMask = 1<<timestampBits - 1

	// MaxSafeInteger is 2^53-1, the largest id Next can return.
	MaxSafeInteger int64 = 1<<53 - 1
)

// DefaultEpoch is the zero point of the timestamp field.
var DefaultEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

var (
	ErrClockRegression = errors.New("clock moved backwards")
	ErrFieldRange      = errors.New("shard and worker must be in [0,31]")
)

// ClockRegressionError reports a clock reading older than the last id issued.
type ClockRegressionError struct {
	LastMs int64
	NowMs  int64
}

func (e *ClockRegressionError) Error() string {
	return fmt.Sprintf("clock moved backwards: now=%dms last=%dms (%dms behind)", e.NowMs, e.LastMs, e.LastMs-e.NowMs)
}

func (e *ClockRegressionError) Is(target error) bool { return target == ErrClockRegression }

// Monotonic produces time-ordered numeric ids. Next is serialized by an
// internal mutex, so one instance may be shared between goroutines.
type Monotonic struct {
	mu       sync.Mutex
	shard    int64
	worker   int64
	epoch    time.Time
	now      func() time.Time
	sleep    func(time.Duration)
	lastMs   int64
	sequence int64
}

// MonotonicOption configures a Monotonic.
type MonotonicOption func(*Monotonic)

// WithEpoch moves the zero point of the timestamp field.
func WithEpoch(epoch time.Time) MonotonicOption {
	return func(m *Monotonic) {
		if !epoch.IsZero() {
			m.epoch = epoch
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MonotonicOption {
	return func(m *Monotonic) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonotonic returns a generator for one shard/worker pair.
func NewMonotonic(shardID, workerID uint8, opts ...MonotonicOption) (*Monotonic, error) {
	if shardID > maxShard || workerID > maxWorker {
		return nil, fmt.Errorf("%w: shard=%d worker=%d", ErrFieldRange, shardID, workerID)
	}
	m := &Monotonic{
		shard:  int64(shardID),
		worker: int64(workerID),
		epoch:  DefaultEpoch,
		now:    time.Now,
		sleep:  time.Sleep,
		lastMs: -1,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Monotonic) currentMs() int64 {
	return m.now().Sub(m.epoch).Milliseconds() & timestampMask
}

// Next returns the next id. A clock reading older than the last issued
// millisecond fails with *ClockRegressionError and leaves the state untouched.
// When the four ids of a millisecond are spent, Next sleeps until the clock ticks.
func (m *Monotonic) Next() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.currentMs()
	if ts < m.lastMs {
		return 0, &ClockRegressionError{LastMs: m.lastMs, NowMs: ts}
	}

	seq := int64(0)
	if ts == m.lastMs {
		seq = (m.sequence + 1) & sequenceMask
		if seq == 0 {
			var err error
			if ts, err = m.waitNextMs(m.lastMs); err != nil {
				return 0, err
			}
		}
	}

	m.lastMs = ts
	m.sequence = seq
	return ts<<timestampShift | m.shard<<shardShift | m.worker<<workerShift | seq, nil
}

func (m *Monotonic) waitNextMs(last int64) (int64, error) {
	for {
		ts := m.currentMs()
		if ts > last {
			return ts, nil
		}
		if ts < last {
			return 0, &ClockRegressionError{LastMs: last, NowMs: ts}
		}
		m.sleep(time.Millisecond / 8)
	}
}

// Parts is a decoded numeric id.
type Parts struct {
	Timestamp time.Time
	Shard     int
	Worker    int
	Sequence  int
}

// Decompose splits an id minted by this generator (or one sharing its epoch).
func (m *Monotonic) Decompose(id int64) Parts {
	ms := id >> timestampShift & timestampMask
	return Parts{
		Timestamp: m.epoch.Add(time.Duration(ms) * time.Millisecond),
		Shard:     int(id >> shardShift & maxShard),
		Worker:    int(id >> workerShift & maxWorker),
		Sequence:  int(id & sequenceMask),
	}
}
