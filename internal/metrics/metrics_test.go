package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Batch("ok")
	m.Received("poll")
	m.Rejected(1)
	m.Dropped("stale")
	m.Accepted(time.Second)
	m.Published("telegram", time.Second)
	m.PublishFailed("telegram", "auth")
	m.ThreadReset()
	m.Enrichment("ok")
	m.Breaker("open")
	m.Queue(1)
	m.Dedup(1)
	if m.Registry() != nil {
		t.Fatal("nil metrics must not expose a registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.Received("poll")
	m.Received("poll")
	m.Received("poll")
	m.Rejected(2)
	m.Dropped("duplicate")
	m.Dropped("duplicate")
	m.PublishFailed("twitter", "rate_limited")
	m.Breaker("open")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"received", testutil.ToFloat64(m.EventsReceived.WithLabelValues("poll")), 3},
		{"rejected", testutil.ToFloat64(m.EventsRejected), 2},
		{"duplicate", testutil.ToFloat64(m.EventsDropped.WithLabelValues("duplicate")), 2},
		{"failed", testutil.ToFloat64(m.PostsFailed.WithLabelValues("twitter", "rate_limited")), 1},
		{"breaker open", testutil.ToFloat64(m.BreakerState.WithLabelValues("open")), 1},
		{"breaker closed", testutil.ToFloat64(m.BreakerState.WithLabelValues("closed")), 0},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Fatalf("%s: got %v want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.Accepted(2 * time.Second)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), "callbot_events_accepted_total 1") {
		t.Fatalf("missing counter in exposition:\n%s", body)
	}
}
