package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordProvision(t *testing.T) {
	before := testutil.ToFloat64(provisionFailures)
	RecordProvision(time.Second, errors.New("boom"))
	if got := testutil.ToFloat64(provisionFailures); got != before+1 {
		t.Fatalf("expected failures to grow by 1, got %v -> %v", before, got)
	}

	live := testutil.ToFloat64(liveCompute)
	RecordProvision(2*time.Second, nil)
	if got := testutil.ToFloat64(liveCompute); got != live+1 {
		t.Fatalf("expected live compute %v, got %v", live+1, got)
	}
	RecordRelease("reaper")
	if got := testutil.ToFloat64(liveCompute); got != live {
		t.Fatalf("expected live compute back to %v, got %v", live, got)
	}
	if got := testutil.ToFloat64(releases.WithLabelValues("reaper")); got < 1 {
		t.Fatalf("release not counted: %v", got)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	Register()
	Register()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered families")
	}
}
