package reserve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// seqSource mints pool-00001, pool-00002, ... and never repeats itself.
type seqSource struct {
	mu   sync.Mutex
	next int
}

func (s *seqSource) Candidates(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, 2*n)
	for i := 0; i < 2*n; i++ {
		s.next++
		out = append(out, fmt.Sprintf("pool-%05d", s.next))
	}
	return out
}

// fixedSource always proposes the same candidates.
type fixedSource []string

func (f fixedSource) Candidates(int) []string { return f }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestAllocator(s Store, gen CandidateSource, opts ...Option) *Allocator {
	opts = append([]Option{WithLogger(zerolog.New(io.Discard))}, opts...)
	return NewAllocator(s, gen, opts...)
}

func seedAvailable(t *testing.T, s Store, ids ...string) {
	t.Helper()
	if _, err := s.InsertMany(context.Background(), available(ids)); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func mustCount(t *testing.T, s Store, st Status) int {
	t.Helper()
	n, err := s.Count(context.Background(), st)
	if err != nil {
		t.Fatalf("count %s: %v", st, err)
	}
	return n
}

func TestGetIDsReservesDistinctIDs(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	a := newTestAllocator(s, &seqSource{}, WithLowWaterMark(10))
	if _, err := a.InitializeReserve(ctx, 10); err != nil {
		t.Fatal(err)
	}
	got, err := a.GetIDs(ctx, 4, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d ids, want 4", len(got))
	}
	seen := map[string]bool{}
	for _, id := range got {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
		rec, err := s.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != StatusReserved || rec.ReservedAt == nil {
			t.Fatalf("%s not reserved: %+v", id, rec)
		}
	}
	if n := mustCount(t, s, StatusAvailable); n < 10 {
		t.Fatalf("pool fell below low-water mark: %d", n)
	}
}

func TestConcurrentAllocatorsNeverShareAnID(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	gen := &seqSource{}
	allocators := []*Allocator{
		newTestAllocator(s, gen, WithLowWaterMark(8)),
		newTestAllocator(s, gen, WithLowWaterMark(8)),
	}
	if _, err := allocators[0].InitializeReserve(ctx, 8); err != nil {
		t.Fatal(err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := allocators[i%2]
			var got []string
			if i%3 == 0 {
				id, err := a.GetID(ctx)
				if err != nil {
					t.Errorf("GetID: %v", err)
					return
				}
				got = []string{id}
			} else {
				ids, err := a.GetIDs(ctx, 3, "")
				if err != nil {
					t.Errorf("GetIDs: %v", err)
					return
				}
				if len(ids) != 3 {
					t.Errorf("GetIDs returned %d ids, want 3", len(ids))
				}
				got = ids
			}
			mu.Lock()
			for _, id := range got {
				seen[id]++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("id %s handed out %d times", id, n)
		}
	}
	if len(seen) == 0 {
		t.Fatal("nothing was handed out")
	}
	taken := mustCount(t, s, StatusReserved) + mustCount(t, s, StatusUsed)
	if taken != len(seen) {
		t.Fatalf("store holds %d taken ids, callers received %d", taken, len(seen))
	}
}

// slowStore stretches every CompareAndSet so callers overlap on the same rows.
type slowStore struct {
	Store
	delay time.Duration
}

func (s slowStore) CompareAndSet(ctx context.Context, id string, from Status, to Update) (bool, error) {
	time.Sleep(s.delay)
	return s.Store.CompareAndSet(ctx, id, from, to)
}

func TestContendedAllocationDrawsFromWholePool(t *testing.T) {
	ctx := context.Background()
	mem := NewInMemory()
	pool := make([]string, 5000)
	for i := range pool {
		pool[i] = fmt.Sprintf("seed-%05d", i)
	}
	seedAvailable(t, mem, pool...)
	s := slowStore{Store: mem, delay: 200 * time.Microsecond}
	a := newTestAllocator(s, fixedSource(nil), WithLowWaterMark(0))

	var (
		mu     sync.Mutex
		seen   = map[string]int{}
		wg     sync.WaitGroup
		failed int
		short  int
	)
	for i := 0; i < 400; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var got []string
			var err error
			if i%2 == 0 {
				var id string
				if id, err = a.GetID(ctx); err == nil {
					got = []string{id}
				}
			} else {
				got, err = a.GetIDs(ctx, 3, "")
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				return
			}
			if i%2 == 1 && len(got) != 3 {
				short++
			}
			for _, id := range got {
				seen[id]++
			}
		}(i)
	}
	wg.Wait()

	if failed != 0 || short != 0 {
		t.Fatalf("failed=%d short=%d with %d ids still available", failed, short, mustCount(t, mem, StatusAvailable))
	}
	if len(seen) != 200+200*3 {
		t.Fatalf("handed out %d ids, want %d", len(seen), 800)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("id %s handed out %d times", id, n)
		}
	}
	if n := mustCount(t, mem, StatusAvailable); n != 5000-800 {
		t.Fatalf("available=%d, want %d", n, 5000-800)
	}
}

func TestScanWindowGrowth(t *testing.T) {
	cases := []struct{ base, widen, want int }{
		{16, 0, 16},
		{16, 3, 128},
		{16, 20, maxScanWindow},
		{4000, 5, 4000},
	}
	for _, c := range cases {
		if got := scanWindow(c.base, c.widen); got != c.want {
			t.Fatalf("scanWindow(%d, %d) = %d, want %d", c.base, c.widen, got, c.want)
		}
	}
}

func TestMarkIDAsUsedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	a := newTestAllocator(s, &seqSource{}, WithLowWaterMark(0))
	seedAvailable(t, s, "mark-twice")
	got, err := a.GetIDs(ctx, 1, "mark-twice")
	if err != nil || len(got) != 1 {
		t.Fatalf("GetIDs: %v %v", got, err)
	}

	ok, err := a.MarkIDAsUsed(ctx, "mark-twice")
	if err != nil || !ok {
		t.Fatalf("first confirm: ok=%v err=%v", ok, err)
	}
	ok, err = a.MarkIDAsUsed(ctx, "mark-twice")
	if err != nil || ok {
		t.Fatalf("second confirm: ok=%v err=%v", ok, err)
	}
	rec, _ := s.Get(ctx, "mark-twice")
	if rec.Status != StatusUsed || rec.ReservedAt != nil {
		t.Fatalf("unexpected record %+v", rec)
	}
	if ok, err := a.MarkIDAsUsed(ctx, "never-seen"); err != nil || ok {
		t.Fatalf("unknown id: ok=%v err=%v", ok, err)
	}
}

func TestMarkIDAsUsedAcceptsAvailable(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	a := newTestAllocator(s, &seqSource{}, WithLowWaterMark(0))
	seedAvailable(t, s, "straight-used")
	ok, err := a.MarkIDAsUsed(ctx, "straight-used")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	clk := newClock()
	lease := 15 * time.Minute
	a := newTestAllocator(s, &seqSource{}, WithLowWaterMark(0), WithLeaseTimeout(lease), WithClock(clk.Now))
	seedAvailable(t, s, "leased-id")

	got, err := a.GetIDs(ctx, 1, "")
	if err != nil || len(got) != 1 || got[0] != "leased-id" {
		t.Fatalf("GetIDs: %v %v", got, err)
	}

	clk.Advance(lease - time.Millisecond)
	ok, err := a.IsIDAvailable(ctx, "leased-id", false)
	if err != nil || ok {
		t.Fatalf("before expiry: ok=%v err=%v", ok, err)
	}
	ok, err = a.IsIDAvailable(ctx, "leased-id", true)
	if err != nil || !ok {
		t.Fatalf("before expiry with reserved: ok=%v err=%v", ok, err)
	}

	clk.Advance(2 * time.Millisecond)
	ok, err = a.IsIDAvailable(ctx, "leased-id", false)
	if err != nil || !ok {
		t.Fatalf("after expiry: ok=%v err=%v", ok, err)
	}
	rec, _ := s.Get(ctx, "leased-id")
	if rec.Status != StatusAvailable || rec.ReservedAt != nil {
		t.Fatalf("expired lease not released: %+v", rec)
	}
}

func TestConfirmAfterExpiryStillSucceeds(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	clk := newClock()
	a := newTestAllocator(s, &seqSource{}, WithLowWaterMark(0), WithLeaseTimeout(time.Minute), WithClock(clk.Now))
	seedAvailable(t, s, "late-confirm")
	if _, err := a.GetIDs(ctx, 1, ""); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Minute)
	ok, err := a.MarkIDAsUsed(ctx, "late-confirm")
	if err != nil || !ok {
		t.Fatalf("late confirm: ok=%v err=%v", ok, err)
	}
}

func TestCleanupExpiredReservationsCounts(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	clk := newClock()
	a := newTestAllocator(s, &seqSource{}, WithLowWaterMark(0), WithLeaseTimeout(time.Minute), WithClock(clk.Now))
	seedAvailable(t, s, "sweep-one", "sweep-two", "sweep-three")
	if _, err := a.GetIDs(ctx, 2, ""); err != nil {
		t.Fatal(err)
	}
	if n, err := a.CleanupExpiredReservations(ctx); err != nil || n != 0 {
		t.Fatalf("early sweep released %d err=%v", n, err)
	}
	clk.Advance(time.Minute + time.Second)
	if n, err := a.CleanupExpiredReservations(ctx); err != nil || n != 2 {
		t.Fatalf("sweep released %d err=%v, want 2", n, err)
	}
	if n := mustCount(t, s, StatusAvailable); n != 3 {
		t.Fatalf("available=%d, want 3", n)
	}
}

func TestAddCustomIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	a := newTestAllocator(s, &seqSource{}, WithLowWaterMark(0))
	if err := a.AddCustomID(ctx, "custom-slug"); err != nil {
		t.Fatal(err)
	}
	for _, includeReserved := range []bool{false, true} {
		ok, err := a.IsIDAvailable(ctx, "custom-slug", includeReserved)
		if err != nil || ok {
			t.Fatalf("includeReserved=%v: ok=%v err=%v", includeReserved, ok, err)
		}
	}

	seedAvailable(t, s, "pooled-slug")
	if err := a.AddCustomID(ctx, "pooled-slug"); err != nil {
		t.Fatal(err)
	}
	rec, _ := s.Get(ctx, "pooled-slug")
	if rec.Status != StatusUsed {
		t.Fatalf("existing id not converged to used: %+v", rec)
	}

	if err := a.AddCustomID(ctx, "custom-slug"); err != nil {
		t.Fatalf("re-adding used id: %v", err)
	}
	if err := a.AddCustomID(ctx, ""); !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("empty custom id: %v", err)
	}
}

func TestIsIDAvailableFormatAndUnknown(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(NewInMemory(), &seqSource{}, WithLowWaterMark(0))
	for _, bad := range []string{"ab", "bad_id!"} {
		if _, err := a.IsIDAvailable(ctx, bad, false); !errors.Is(err, ErrInvalidFormat) {
			t.Fatalf("%q: expected ErrInvalidFormat, got %v", bad, err)
		}
	}
	ok, err := a.IsIDAvailable(ctx, "happy-fox-17", false)
	if err != nil || !ok {
		t.Fatalf("unknown well-formed id: ok=%v err=%v", ok, err)
	}
}

func TestGetIDsReplenishesToLowWaterMark(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	a := newTestAllocator(s, &seqSource{}, WithLowWaterMark(10))
	seedAvailable(t, s, "seed-one", "seed-two", "seed-three")
	got, err := a.GetIDs(ctx, 1, "")
	if err != nil || len(got) != 1 {
		t.Fatalf("GetIDs: %v %v", got, err)
	}
	if n := mustCount(t, s, StatusAvailable); n < 10 {
		t.Fatalf("available=%d after replenish, want >= 10", n)
	}
}

func TestGetIDsRefillsWithinCall(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	a := newTestAllocator(s, &seqSource{}, WithLowWaterMark(0))
	seedAvailable(t, s, "only-one", "only-two")
	got, err := a.GetIDs(ctx, 5, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d ids, want 5", len(got))
	}
	if n := mustCount(t, s, StatusReserved); n != len(got) {
		t.Fatalf("reserved=%d, returned=%d", n, len(got))
	}
}

func TestGetIDsPartialWhenGenerationExhausted(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	a := newTestAllocator(s, fixedSource(nil), WithLowWaterMark(0))
	seedAvailable(t, s, "last-one", "last-two")
	got, err := a.GetIDs(ctx, 5, "")
	if err != nil {
		t.Fatalf("partial allocation should not fail: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %v, want the 2 pooled ids", got)
	}
	if n := mustCount(t, s, StatusReserved); n != 2 {
		t.Fatalf("reserved=%d, want 2", n)
	}
}

func TestGetIDsPreferred(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	a := newTestAllocator(s, &seqSource{}, WithLowWaterMark(0))
	seedAvailable(t, s, "happy-fox-17", "pool-other", "pool-third")

	got, err := a.GetIDs(ctx, 2, "happy-fox-17")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "happy-fox-17" || got[1] == "happy-fox-17" {
		t.Fatalf("preferred id not first or duplicated: %v", got)
	}

	// now reserved by someone else: ignored, not an error
	got, err = a.GetIDs(ctx, 1, "happy-fox-17")
	if err != nil || len(got) != 1 || got[0] == "happy-fox-17" {
		t.Fatalf("taken preferred id: %v %v", got, err)
	}
}

func TestGetIDsPreferredUnknownIsAdded(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	a := newTestAllocator(s, &seqSource{}, WithLowWaterMark(0))
	got, err := a.GetIDs(ctx, 1, "brand-new-slug")
	if err != nil || len(got) != 1 || got[0] != "brand-new-slug" {
		t.Fatalf("GetIDs: %v %v", got, err)
	}
	rec, err := s.Get(ctx, "brand-new-slug")
	if err != nil || rec.Status != StatusReserved {
		t.Fatalf("record %+v err=%v", rec, err)
	}
}

func TestGetIDsPreferredUsedOrMalformedIgnored(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	a := newTestAllocator(s, &seqSource{}, WithLowWaterMark(0))
	if err := a.AddCustomID(ctx, "taken-slug"); err != nil {
		t.Fatal(err)
	}
	seedAvailable(t, s, "free-one", "free-two", "free-three")
	for _, pref := range []string{"taken-slug", "bad!"} {
		got, err := a.GetIDs(ctx, 1, pref)
		if err != nil || len(got) != 1 || got[0] == pref {
			t.Fatalf("preferred %q: %v %v", pref, got, err)
		}
	}
	if _, err := s.Get(ctx, "bad!"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("malformed preference was stored: %v", err)
	}
}

func TestGetIDsNonPositiveCount(t *testing.T) {
	a := newTestAllocator(NewInMemory(), &seqSource{})
	got, err := a.GetIDs(context.Background(), 0, "")
	if err != nil || len(got) != 0 {
		t.Fatalf("GetIDs(0)=%v err=%v", got, err)
	}
}

func TestGetIDGoesStraightToUsed(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	a := newTestAllocator(s, &seqSource{}, WithLowWaterMark(0))
	seedAvailable(t, s, "fast-path")
	id, err := a.GetID(ctx)
	if err != nil || id != "fast-path" {
		t.Fatalf("GetID=%q err=%v", id, err)
	}
	rec, _ := s.Get(ctx, id)
	if rec.Status != StatusUsed || rec.ReservedAt != nil {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestGetIDMintsWhenEmpty(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	a := newTestAllocator(s, &seqSource{}, WithLowWaterMark(0))
	id, err := a.GetID(ctx)
	if err != nil || id == "" {
		t.Fatalf("GetID=%q err=%v", id, err)
	}
}

func TestGetIDNoAvailableIdentifiers(t *testing.T) {
	a := newTestAllocator(NewInMemory(), fixedSource(nil))
	if _, err := a.GetID(context.Background()); !errors.Is(err, ErrNoAvailableIdentifiers) {
		t.Fatalf("expected ErrNoAvailableIdentifiers, got %v", err)
	}
}

func TestGenerateNewIDs(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	a := newTestAllocator(s, fixedSource{"gen-one", "gen-two", "gen-three", "bad", "gen-one"}, WithGenerationAttempts(2))
	seedAvailable(t, s, "gen-two")

	got, err := a.GenerateNewIDs(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(got) != "[gen-one gen-three]" {
		t.Fatalf("got %v", got)
	}

	seedAvailable(t, s, "gen-one", "gen-three")
	if _, err := a.GenerateNewIDs(ctx, 1); !errors.Is(err, ErrGenerationExhausted) {
		t.Fatalf("expected ErrGenerationExhausted, got %v", err)
	}
}

func TestInitializeWithWords(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	a := newTestAllocator(s, &seqSource{}, WithLowWaterMark(5))
	n, err := a.InitializeWithWords(ctx, []string{"word-one", "word-two", "no", "bad word", "word-one"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("inserted=%d, want 2", n)
	}
	if got := mustCount(t, s, StatusAvailable); got != 5 {
		t.Fatalf("available=%d, want 5 after top-up", got)
	}
}

func TestReplenishLimiter(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	deny := rate.NewLimiter(0, 0)
	a := newTestAllocator(s, &seqSource{}, WithLowWaterMark(10), WithReplenishLimiter(deny))

	seedAvailable(t, s, "limit-one")
	if n, err := a.ReplenishIfNeeded(ctx); err != nil || n != 0 {
		t.Fatalf("throttled replenish minted %d err=%v", n, err)
	}

	// GetID drains the pool; its trailing top-up must bypass the limiter.
	if _, err := a.GetID(ctx); err != nil {
		t.Fatal(err)
	}
	if n := mustCount(t, s, StatusAvailable); n != 10 {
		t.Fatalf("available=%d, want 10", n)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	a := newTestAllocator(s, &seqSource{}, WithLowWaterMark(0))
	seedAvailable(t, s, "stat-one", "stat-two", "stat-three")
	if _, err := a.GetIDs(ctx, 1, "stat-one"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.MarkIDAsUsed(ctx, "stat-two"); err != nil {
		t.Fatal(err)
	}
	st, err := a.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st != (Stats{Available: 1, Reserved: 1, Used: 1}) {
		t.Fatalf("stats=%+v", st)
	}
}

type failingStore struct {
	Store
	err error
}

func (f failingStore) Find(context.Context, Status, int) ([]Record, error) { return nil, f.err }

func TestStoreErrorsPropagate(t *testing.T) {
	boom := errors.New("connection reset")
	a := newTestAllocator(failingStore{Store: NewInMemory(), err: boom}, &seqSource{}, WithLowWaterMark(0))
	if _, err := a.GetIDs(context.Background(), 2, ""); !errors.Is(err, boom) {
		t.Fatalf("GetIDs err=%v", err)
	}
	if _, err := a.GetID(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("GetID err=%v", err)
	}
}

func TestOptionsIgnoreInvalidValues(t *testing.T) {
	a := newTestAllocator(NewInMemory(), &seqSource{}, WithLowWaterMark(-1), WithLeaseTimeout(0), WithGenerationAttempts(0), WithClock(nil))
	if a.LowWaterMark() != DefaultLowWaterMark || a.LeaseTimeout() != DefaultLeaseTimeout || a.attempts != DefaultGenerationAttempts || a.now == nil {
		t.Fatalf("defaults overridden: %+v", a)
	}
}
