package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequestUsesStatusCodeLabel(t *testing.T) {
	ObserveRequest("GET", "/v1/purchases/:id", 404, 10*time.Millisecond)
	ObserveRequest("GET", "", 404, time.Millisecond)

	if got := testutil.ToFloat64(RequestCount.WithLabelValues("GET", "/v1/purchases/:id", "404")); got != 1 {
		t.Fatalf("expected 1 request, got %v", got)
	}
	if got := testutil.ToFloat64(RequestCount.WithLabelValues("GET", "unmatched", "404")); got != 1 {
		t.Fatalf("expected unmatched bucket, got %v", got)
	}
}

func TestTrackInFlight(t *testing.T) {
	before := testutil.ToFloat64(RequestsInFlight)
	done := TrackInFlight()
	if got := testutil.ToFloat64(RequestsInFlight); got != before+1 {
		t.Fatalf("expected %v in flight, got %v", before+1, got)
	}
	done()
	if got := testutil.ToFloat64(RequestsInFlight); got != before {
		t.Fatalf("expected %v in flight after done, got %v", before, got)
	}
}
