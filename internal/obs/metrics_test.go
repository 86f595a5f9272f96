package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveAllocatedSkipsZero(t *testing.T) {
	before := testutil.ToFloat64(allocationsTotal.WithLabelValues(PathBatch))
	ObserveAllocated(PathBatch, 0)
	ObserveAllocated(PathBatch, 3)
	after := testutil.ToFloat64(allocationsTotal.WithLabelValues(PathBatch))
	if after-before != 3 {
		t.Fatalf("expected +3 allocations, got %v", after-before)
	}
}

func TestObserveConfirmationLabels(t *testing.T) {
	applied := testutil.ToFloat64(confirmationsTotal.WithLabelValues("applied"))
	noop := testutil.ToFloat64(confirmationsTotal.WithLabelValues("noop"))
	ObserveConfirmation(true)
	ObserveConfirmation(false)
	ObserveConfirmation(false)
	if got := testutil.ToFloat64(confirmationsTotal.WithLabelValues("applied")) - applied; got != 1 {
		t.Fatalf("applied delta=%v, want 1", got)
	}
	if got := testutil.ToFloat64(confirmationsTotal.WithLabelValues("noop")) - noop; got != 2 {
		t.Fatalf("noop delta=%v, want 2", got)
	}
}

func TestObserveStoreOpOutcome(t *testing.T) {
	ObserveStoreOp("get", time.Now(), nil)
	ObserveStoreOp("get", time.Now(), errors.New("boom"))
	if n := testutil.CollectAndCount(storeOpDuration); n < 2 {
		t.Fatalf("expected ok and error series, got %d", n)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
}

func TestComponentLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	defer restore()

	l := Component("allocator")
	l.Info().Int("count", 2).Msg("reserved")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v (%q)", err, buf.String())
	}
	if entry["component"] != "allocator" {
		t.Fatalf("unexpected component: %v", entry["component"])
	}
	if entry["level"] != "info" || entry["message"] != "reserved" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["count"] != float64(2) {
		t.Fatalf("unexpected count: %v", entry["count"])
	}
}
