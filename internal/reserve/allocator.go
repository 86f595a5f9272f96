package reserve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"backfeed.org/internal/audit"
	"backfeed.org/internal/ids"
	"backfeed.org/internal/obs"
)

const (
	DefaultLowWaterMark       = 1000
	DefaultLeaseTimeout       = 15 * time.Minute
	DefaultGenerationAttempts = 5

	// maxAllocRounds bounds how often one call may top the pool up.
	maxAllocRounds = 3
	// maxContendedScans bounds rescans after losing every race in a full window.
	maxContendedScans = 64
	// singleScanWindow is how many Available records GetID tries on its first scan.
	singleScanWindow = 16
	// maxScanWindow caps the growth of a contended scan window.
	maxScanWindow = 1024
)

// CandidateSource proposes fresh identifiers. *wordpair.Generator satisfies it.
type CandidateSource interface {
	Candidates(n int) []string
}

// Allocator hands out identifiers from the pool in store. It keeps no
// mutable state between calls; concurrent callers, in this process or
// others, are arbitrated by Store.CompareAndSet alone.
type Allocator struct {
	store    Store
	gen      CandidateSource
	lowWater int
	lease    time.Duration
	attempts int
	limiter  *rate.Limiter
	now      func() time.Time
	log      zerolog.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLowWaterMark sets the Available count below which the pool is topped up.
func WithLowWaterMark(n int) Option {
	return func(a *Allocator) {
		if n >= 0 {
			a.lowWater = n
		}
	}
}

// WithLeaseTimeout sets how long a reservation holds before it may be swept.
func WithLeaseTimeout(d time.Duration) Option {
	return func(a *Allocator) {
		if d > 0 {
			a.lease = d
		}
	}
}

// WithGenerationAttempts bounds the candidate rounds of GenerateNewIDs.
func WithGenerationAttempts(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.attempts = n
		}
	}
}

// WithReplenishLimiter throttles opportunistic top-ups. When the limiter
// denies a token the top-up is skipped, unless the pool is empty.
func WithReplenishLimiter(l *rate.Limiter) Option {
	return func(a *Allocator) { a.limiter = l }
}

// WithClock replaces time.Now for reservation stamps and lease expiry.
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger replaces the shared obs logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Allocator) { a.log = l }
}

// NewAllocator builds an allocator over store, minting new ids from gen.
func NewAllocator(store Store, gen CandidateSource, opts ...Option) *Allocator {
	a := &Allocator{
		store:    store,
		gen:      gen,
		lowWater: DefaultLowWaterMark,
		lease:    DefaultLeaseTimeout,
		attempts: DefaultGenerationAttempts,
		now:      time.Now,
		log:      obs.Component("allocator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With().Str("allocator", uuid.NewString()).Logger()
	return a
}

// LowWaterMark returns the configured threshold.
func (a *Allocator) LowWaterMark() int { return a.lowWater }

// LeaseTimeout returns the configured reservation lease.
func (a *Allocator) LeaseTimeout() time.Duration { return a.lease }

// InitializeReserve mints count new ids and inserts them as Available.
// Ids that already exist are skipped; the number inserted is returned.
func (a *Allocator) InitializeReserve(ctx context.Context, count int) (int, error) {
	fresh, err := a.GenerateNewIDs(ctx, count)
	if err != nil {
		return 0, err
	}
	n, err := a.store.InsertMany(ctx, available(fresh))
	if err != nil {
		return 0, err
	}
	a.log.Info().Int("requested", count).Int("inserted", n).Msg("pool initialized")
	return n, nil
}

// InitializeWithWords seeds the pool with caller-chosen ids, skipping badly
// formed ones and ids already present, then tops up to the low-water mark.
func (a *Allocator) InitializeWithWords(ctx context.Context, words []string) (int, error) {
	valid := make([]string, 0, len(words))
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		if err := ValidateFormat(w); err != nil {
			a.log.Debug().Err(err).Msg("seed word skipped")
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		valid = append(valid, w)
	}
	n, err := a.store.InsertMany(ctx, available(valid))
	if err != nil {
		return 0, err
	}
	if _, err := a.ReplenishIfNeeded(ctx); err != nil && !errors.Is(err, ErrGenerationExhausted) {
		return n, err
	}
	return n, nil
}

// GetIDs reserves up to count ids under a lease. A well-formed preferred id
// that is Available (or unknown to the store) is reserved first; an
// unavailable or badly formed preference is ignored. The result may be
// shorter than count when the pool cannot be refilled fast enough; callers
// must check its length.
func (a *Allocator) GetIDs(ctx context.Context, count int, preferred string) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	log := a.log.With().Str("op", ids.NewOpID()).Logger()
	if _, err := a.CleanupExpiredReservations(ctx); err != nil {
		return nil, err
	}

	got := make([]string, 0, count)
	if preferred != "" {
		ok, err := a.reservePreferred(ctx, preferred)
		if err != nil {
			return nil, err
		}
		if ok {
			got = append(got, preferred)
			obs.ObserveAllocated(obs.PathPreferred, 1)
		} else {
			log.Debug().Str("preferred", preferred).Msg("preferred id unavailable")
		}
	}

	batched, refills, widen := 0, 0, 0
	for scan := 0; scan < maxContendedScans && len(got) < count; scan++ {
		window := scanWindow((count-len(got))*2, widen)
		recs, err := a.store.Find(ctx, StatusAvailable, window)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if len(got) == count {
				break
			}
			ok, err := a.store.CompareAndSet(ctx, r.ID, StatusAvailable, Update{Status: StatusReserved, ReservedAt: a.now()})
			if err != nil {
				return nil, err
			}
			if !ok {
				obs.ObserveConflict()
				continue
			}
			got = append(got, r.ID)
			batched++
		}
		if len(got) == count {
			break
		}
		if len(recs) == window {
			// lost races on a full window: the pool is not short, look further
			widen++
			continue
		}
		if refills == maxAllocRounds {
			break
		}
		refills++
		if _, err := a.topUp(ctx, count-len(got)); err != nil {
			if errors.Is(err, ErrGenerationExhausted) {
				log.Warn().Err(err).Int("reserved", len(got)).Int("requested", count).Msg("pool exhausted")
				break
			}
			return nil, err
		}
	}
	obs.ObserveAllocated(obs.PathBatch, batched)

	if _, err := a.ReplenishIfNeeded(ctx); err != nil {
		log.Warn().Err(err).Msg("replenish after allocation failed")
	}
	if len(got) < count {
		log.Warn().Int("reserved", len(got)).Int("requested", count).Msg("partial allocation")
	}
	return got, nil
}

func (a *Allocator) reservePreferred(ctx context.Context, id string) (bool, error) {
	if err := ValidateFormat(id); err != nil {
		return false, nil
	}
	reserve := Update{Status: StatusReserved, ReservedAt: a.now()}
	ok, err := a.store.CompareAndSet(ctx, id, StatusAvailable, reserve)
	if err != nil || ok {
		return ok, err
	}
	// Ids the store has never seen count as available: add it, then race for it.
	if _, err := a.store.InsertMany(ctx, available([]string{id})); err != nil {
		return false, err
	}
	return a.store.CompareAndSet(ctx, id, StatusAvailable, reserve)
}

// GetID takes one Available id straight to Used, skipping the lease.
// It returns ErrNoAvailableIdentifiers only when the pool is still empty
// after an immediate top-up.
func (a *Allocator) GetID(ctx context.Context) (string, error) {
	if _, err := a.CleanupExpiredReservations(ctx); err != nil {
		return "", err
	}
	toppedUp, widen := false, 0
	for scan := 0; scan < maxContendedScans; scan++ {
		id, scanned, err := a.claimUsed(ctx, scanWindow(singleScanWindow, widen))
		if err != nil {
			return "", err
		}
		if id != "" {
			obs.ObserveAllocated(obs.PathSingle, 1)
			if _, err := a.ReplenishIfNeeded(ctx); err != nil {
				a.log.Warn().Err(err).Msg("replenish after allocation failed")
			}
			return id, nil
		}
		if scanned > 0 {
			widen++
			continue
		}
		if toppedUp {
			break
		}
		toppedUp = true
		if _, err := a.topUp(ctx, 1); err != nil && !errors.Is(err, ErrGenerationExhausted) {
			return "", err
		}
	}
	return "", ErrNoAvailableIdentifiers
}

// claimUsed tries to move one of the first window Available records to Used.
// It returns the number of records it raced for when it won none.
func (a *Allocator) claimUsed(ctx context.Context, window int) (string, int, error) {
	recs, err := a.store.Find(ctx, StatusAvailable, window)
	if err != nil {
		return "", 0, err
	}
	for _, r := range recs {
		ok, err := a.store.CompareAndSet(ctx, r.ID, StatusAvailable, Update{Status: StatusUsed})
		if err != nil {
			return "", 0, err
		}
		if ok {
			return r.ID, 0, nil
		}
		obs.ObserveConflict()
	}
	return "", len(recs), nil
}

// scanWindow doubles base once per contended rescan, up to maxScanWindow.
// A base already above the cap is left alone.
func scanWindow(base, widen int) int {
	if base >= maxScanWindow {
		return base
	}
	return min(base<<min(widen, 10), maxScanWindow)
}

// MarkIDAsUsed confirms id. It reports false, without error, when id is
// already Used or unknown.
func (a *Allocator) MarkIDAsUsed(ctx context.Context, id string) (bool, error) {
	if _, err := a.CleanupExpiredReservations(ctx); err != nil {
		return false, err
	}
	used := Update{Status: StatusUsed}
	ok, err := a.store.CompareAndSet(ctx, id, StatusReserved, used)
	if err != nil {
		return false, err
	}
	if !ok {
		if ok, err = a.store.CompareAndSet(ctx, id, StatusAvailable, used); err != nil {
			return false, err
		}
	}
	obs.ObserveConfirmation(ok)
	_ = audit.LogEvent(ctx, "id.confirmed", map[string]any{"id": id, "applied": ok})
	return ok, nil
}

// IsIDAvailable reports whether id could be handed out. Badly formed ids fail
// with a *FormatError. Ids the store does not know are available. Reserved
// ids count only when includeReserved is set; Used ids never do.
func (a *Allocator) IsIDAvailable(ctx context.Context, id string, includeReserved bool) (bool, error) {
	if err := ValidateFormat(id); err != nil {
		return false, err
	}
	if _, err := a.CleanupExpiredReservations(ctx); err != nil {
		return false, err
	}
	rec, err := a.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	switch rec.Status {
	case StatusAvailable:
		return true, nil
	case StatusReserved:
		return includeReserved, nil
	default:
		return false, nil
	}
}

// AddCustomID records a caller-supplied id as Used. Custom ids are opaque and
// skip the format contract; an id already in the pool is converged to Used.
func (a *Allocator) AddCustomID(ctx context.Context, id string) error {
	if id == "" {
		return &FormatError{ID: id, Reason: "must not be empty"}
	}
	n, err := a.store.InsertMany(ctx, []Record{{ID: id, Status: StatusUsed}})
	if err != nil {
		return err
	}
	if n == 1 {
		_ = audit.LogEvent(ctx, "id.custom_added", map[string]any{"id": id})
		return nil
	}
	_, err = a.MarkIDAsUsed(ctx, id)
	return err
}

// CleanupExpiredReservations returns Reserved ids whose lease has run out to
// the pool. Allocation and lookup paths call it first; nothing schedules it.
func (a *Allocator) CleanupExpiredReservations(ctx context.Context) (int, error) {
	n, err := a.store.ReleaseExpired(ctx, a.now().Add(-a.lease))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		obs.ObserveReclaimed(n)
		a.log.Info().Int("released", n).Dur("lease", a.lease).Msg("expired reservations released")
		_ = audit.LogEvent(ctx, "reservations.released", map[string]any{"count": n, "lease": a.lease.String()})
	}
	return n, nil
}

// ReplenishIfNeeded tops the pool up to the low-water mark. Concurrent calls
// may both mint; the mark is a floor, not an exact size.
func (a *Allocator) ReplenishIfNeeded(ctx context.Context) (int, error) {
	availableNow, err := a.store.Count(ctx, StatusAvailable)
	if err != nil {
		return 0, err
	}
	obs.SetAvailable(availableNow)
	if availableNow >= a.lowWater {
		return 0, nil
	}
	if a.limiter != nil && availableNow > 0 && !a.limiter.Allow() {
		return 0, nil
	}
	return a.ReplenishReserve(ctx, a.lowWater-availableNow)
}

// topUp covers an allocation shortfall and restores the low-water mark.
func (a *Allocator) topUp(ctx context.Context, shortfall int) (int, error) {
	availableNow, err := a.store.Count(ctx, StatusAvailable)
	if err != nil {
		return 0, err
	}
	return a.ReplenishReserve(ctx, max(shortfall, a.lowWater-availableNow))
}

// ReplenishReserve mints up to n new ids and inserts them as Available.
func (a *Allocator) ReplenishReserve(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	fresh, err := a.GenerateNewIDs(ctx, n)
	if err != nil {
		return 0, err
	}
	inserted, err := a.store.InsertMany(ctx, available(fresh))
	if err != nil {
		return 0, err
	}
	obs.ObserveReplenished(inserted)
	a.log.Info().Int("requested", n).Int("inserted", inserted).Msg("pool replenished")
	return inserted, nil
}

// GenerateNewIDs returns up to count well-formed candidates that the store
// does not hold yet. It makes at most the configured number of candidate
// rounds and fails with ErrGenerationExhausted only if none was found;
// a short result is logged and returned.
func (a *Allocator) GenerateNewIDs(ctx context.Context, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	picked := make([]string, 0, count)
	seen := make(map[string]struct{}, count*2)
	for attempt := 0; attempt < a.attempts && len(picked) < count; attempt++ {
		var fresh []string
		for _, c := range a.gen.Candidates(count - len(picked)) {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			if ValidateFormat(c) != nil {
				continue
			}
			fresh = append(fresh, c)
		}
		if len(fresh) == 0 {
			continue
		}
		existing, err := a.store.Existing(ctx, fresh)
		if err != nil {
			return nil, err
		}
		for _, c := range fresh {
			if existing[c] {
				continue
			}
			picked = append(picked, c)
			if len(picked) == count {
				break
			}
		}
	}
	if len(picked) == 0 {
		obs.ObserveGenerationExhausted()
		return nil, fmt.Errorf("%w after %d attempts", ErrGenerationExhausted, a.attempts)
	}
	if len(picked) < count {
		a.log.Warn().Int("requested", count).Int("generated", len(picked)).Msg("generated fewer ids than requested")
	}
	return picked, nil
}

// Stats counts the pool by status.
func (a *Allocator) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	if st.Available, err = a.store.Count(ctx, StatusAvailable); err != nil {
		return Stats{}, err
	}
	if st.Reserved, err = a.store.Count(ctx, StatusReserved); err != nil {
		return Stats{}, err
	}
	if st.Used, err = a.store.Count(ctx, StatusUsed); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func available(idList []string) []Record {
	recs := make([]Record, len(idList))
	for i, id := range idList {
		recs[i] = Record{ID: id, Status: StatusAvailable}
	}
	return recs
}
