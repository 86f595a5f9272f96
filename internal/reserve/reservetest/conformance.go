// Package reservetest holds the behaviour every reserve.Store must share.
// Store packages call Run from their own tests.
package reservetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"backfeed.org/internal/reserve"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) reserve.Store

// base is whole seconds so stores with coarse timestamps compare equal.
var base = time.Unix(1_700_000_000, 0).UTC()

// Run exercises the Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s reserve.Store)
	}{
		{"InsertManySkipsDuplicates", testInsertManySkipsDuplicates},
		{"CompareAndSetTransitions", testCompareAndSetTransitions},
		{"CompareAndSetMissing", testCompareAndSetMissing},
		{"CountAndFind", testCountAndFind},
		{"GetNotFound", testGetNotFound},
		{"Existing", testExisting},
		{"ReleaseExpired", testReleaseExpired},
		{"ConcurrentCompareAndSetHasOneWinner", testConcurrentCompareAndSet},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func availableRecords(ids ...string) []reserve.Record {
	recs := make([]reserve.Record, len(ids))
	for i, id := range ids {
		recs[i] = reserve.Record{ID: id, Status: reserve.StatusAvailable}
	}
	return recs
}

func testInsertManySkipsDuplicates(t *testing.T, s reserve.Store) {
	ctx := context.Background()
	n, err := s.InsertMany(ctx, availableRecords("alpha-one", "alpha-two"))
	if err != nil {
		t.Fatalf("InsertMany: %v", err)
	}
	if n != 2 {
		t.Fatalf("inserted=%d, want 2", n)
	}
	n, err = s.InsertMany(ctx, []reserve.Record{
		{ID: "alpha-two", Status: reserve.StatusUsed},
		{ID: "alpha-three", Status: reserve.StatusUsed},
	})
	if err != nil {
		t.Fatalf("InsertMany with duplicate: %v", err)
	}
	if n != 1 {
		t.Fatalf("inserted=%d, want 1", n)
	}
	rec, err := s.Get(ctx, "alpha-two")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != reserve.StatusAvailable {
		t.Fatalf("duplicate insert overwrote status: %s", rec.Status)
	}
	if n, err := s.InsertMany(ctx, nil); err != nil || n != 0 {
		t.Fatalf("empty InsertMany: n=%d err=%v", n, err)
	}
}

func testCompareAndSetTransitions(t *testing.T, s reserve.Store) {
	ctx := context.Background()
	if _, err := s.InsertMany(ctx, availableRecords("bravo-one")); err != nil {
		t.Fatal(err)
	}

	ok, err := s.CompareAndSet(ctx, "bravo-one", reserve.StatusReserved, reserve.Update{Status: reserve.StatusUsed})
	if err != nil || ok {
		t.Fatalf("CAS with wrong expected status applied: ok=%v err=%v", ok, err)
	}

	ok, err = s.CompareAndSet(ctx, "bravo-one", reserve.StatusAvailable, reserve.Update{Status: reserve.StatusReserved, ReservedAt: base})
	if err != nil || !ok {
		t.Fatalf("CAS available->reserved: ok=%v err=%v", ok, err)
	}
	rec, err := s.Get(ctx, "bravo-one")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != reserve.StatusReserved || rec.ReservedAt == nil || !rec.ReservedAt.Equal(base) {
		t.Fatalf("unexpected reserved record %+v", rec)
	}

	ok, err = s.CompareAndSet(ctx, "bravo-one", reserve.StatusReserved, reserve.Update{Status: reserve.StatusUsed, ReservedAt: base})
	if err != nil || !ok {
		t.Fatalf("CAS reserved->used: ok=%v err=%v", ok, err)
	}
	rec, err = s.Get(ctx, "bravo-one")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != reserve.StatusUsed || rec.ReservedAt != nil {
		t.Fatalf("used record should have no reserved_at: %+v", rec)
	}
	if !rec.Valid() {
		t.Fatalf("record invariant broken: %+v", rec)
	}
}

func testCompareAndSetMissing(t *testing.T, s reserve.Store) {
	ok, err := s.CompareAndSet(context.Background(), "no-such-id", reserve.StatusAvailable, reserve.Update{Status: reserve.StatusUsed})
	if err != nil {
		t.Fatalf("CAS on missing id: %v", err)
	}
	if ok {
		t.Fatal("CAS on missing id applied")
	}
}

func testCountAndFind(t *testing.T, s reserve.Store) {
	ctx := context.Background()
	ids := make([]string, 6)
	for i := range ids {
		ids[i] = fmt.Sprintf("charlie-%d", i)
	}
	if _, err := s.InsertMany(ctx, availableRecords(ids...)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertMany(ctx, []reserve.Record{{ID: "charlie-used", Status: reserve.StatusUsed}}); err != nil {
		t.Fatal(err)
	}

	n, err := s.Count(ctx, reserve.StatusAvailable)
	if err != nil || n != 6 {
		t.Fatalf("Count(available)=%d err=%v, want 6", n, err)
	}
	n, err = s.Count(ctx, reserve.StatusUsed)
	if err != nil || n != 1 {
		t.Fatalf("Count(used)=%d err=%v, want 1", n, err)
	}
	n, err = s.Count(ctx, reserve.StatusReserved)
	if err != nil || n != 0 {
		t.Fatalf("Count(reserved)=%d err=%v, want 0", n, err)
	}

	recs, err := s.Find(ctx, reserve.StatusAvailable, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 4 {
		t.Fatalf("Find limit 4 returned %d", len(recs))
	}
	for _, r := range recs {
		if r.Status != reserve.StatusAvailable || r.ReservedAt != nil {
			t.Fatalf("Find returned %+v", r)
		}
	}
	recs, err = s.Find(ctx, reserve.StatusAvailable, 100)
	if err != nil || len(recs) != 6 {
		t.Fatalf("Find all returned %d err=%v", len(recs), err)
	}
	recs, err = s.Find(ctx, reserve.StatusUsed, 10)
	if err != nil || len(recs) != 1 || recs[0].ID != "charlie-used" {
		t.Fatalf("Find(used)=%v err=%v", recs, err)
	}
}

func testGetNotFound(t *testing.T, s reserve.Store) {
	if _, err := s.Get(context.Background(), "delta-missing"); !errors.Is(err, reserve.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testExisting(t *testing.T, s reserve.Store) {
	ctx := context.Background()
	if _, err := s.InsertMany(ctx, availableRecords("echo-one", "echo-two")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Existing(ctx, []string{"echo-one", "echo-three", "echo-two"})
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for k, v := range got {
		if v {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if fmt.Sprint(keys) != "[echo-one echo-two]" {
		t.Fatalf("Existing=%v", keys)
	}
	if got, err := s.Existing(ctx, nil); err != nil || len(got) != 0 {
		t.Fatalf("Existing(nil)=%v err=%v", got, err)
	}
}

func testReleaseExpired(t *testing.T, s reserve.Store) {
	ctx := context.Background()
	if _, err := s.InsertMany(ctx, availableRecords("fox-old", "fox-new", "fox-used")); err != nil {
		t.Fatal(err)
	}
	reserveAt := func(id string, at time.Time) {
		t.Helper()
		ok, err := s.CompareAndSet(ctx, id, reserve.StatusAvailable, reserve.Update{Status: reserve.StatusReserved, ReservedAt: at})
		if err != nil || !ok {
			t.Fatalf("reserve %s: ok=%v err=%v", id, ok, err)
		}
	}
	reserveAt("fox-old", base)
	reserveAt("fox-new", base.Add(10*time.Minute))
	reserveAt("fox-used", base)
	if ok, err := s.CompareAndSet(ctx, "fox-used", reserve.StatusReserved, reserve.Update{Status: reserve.StatusUsed}); err != nil || !ok {
		t.Fatalf("confirm fox-used: ok=%v err=%v", ok, err)
	}

	n, err := s.ReleaseExpired(ctx, base.Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("released=%d, want 1", n)
	}
	want := map[string]reserve.Status{
		"fox-old":  reserve.StatusAvailable,
		"fox-new":  reserve.StatusReserved,
		"fox-used": reserve.StatusUsed,
	}
	for id, st := range want {
		rec, err := s.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != st || !rec.Valid() {
			t.Fatalf("%s: got %+v, want status %s", id, rec, st)
		}
	}
	if n, err := s.ReleaseExpired(ctx, base.Add(5*time.Minute)); err != nil || n != 0 {
		t.Fatalf("second sweep released %d err=%v", n, err)
	}
}

func testConcurrentCompareAndSet(t *testing.T, s reserve.Store) {
	ctx := context.Background()
	if _, err := s.InsertMany(ctx, availableRecords("golf-contended")); err != nil {
		t.Fatal(err)
	}
	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CompareAndSet(ctx, "golf-contended", reserve.StatusAvailable, reserve.Update{Status: reserve.StatusReserved, ReservedAt: base})
			if err != nil {
				t.Errorf("CAS: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("%d callers won the same id", wins.Load())
	}
}
