package pipeline

import (
	"testing"
	"time"

	"callbot/internal/calls"
)

func TestFilterReason(t *testing.T) {
	now := time.Date(2020, 6, 10, 2, 0, 0, 0, time.UTC)
	f := Filter{MaxAge: 30 * time.Minute, CallThreshold: 1}

	tests := []struct {
		name     string
		age      time.Duration
		duration float64
		want     string
	}{
		{"fresh and long", time.Minute, 45, ""},
		{"exactly max age", 1800 * time.Second, 45, ReasonStale},
		{"just under max age", 1799990 * time.Millisecond, 45, ""},
		{"future beyond max age", -31 * time.Minute, 45, ReasonStale},
		{"future inside max age", -time.Minute, 45, ""},
		{"zero duration", time.Minute, 0, ReasonBelowThreshold},
		{"under threshold", time.Minute, 0.99, ReasonBelowThreshold},
		{"at threshold", time.Minute, 1, ""},
		{"stale wins", time.Hour, 0, ReasonStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := calls.Event{ID: "x", Time: now.Add(-tt.age), Duration: tt.duration}
			if got := f.Reason(e, now); got != tt.want {
				t.Fatalf("Reason=%q want %q", got, tt.want)
			}
			if got := f.Keep(e, now); got != (tt.want == "") {
				t.Fatalf("Keep=%v", got)
			}
		})
	}
}

func TestZeroFilterUsesDefaultMaxAge(t *testing.T) {
	now := time.Date(2020, 6, 10, 2, 0, 0, 0, time.UTC)
	var f Filter
	if r := f.Reason(calls.Event{Time: now.Add(-time.Minute), Duration: 0}, now); r != "" {
		t.Fatalf("fresh event dropped: %q", r)
	}
	if r := f.Reason(calls.Event{Time: now.Add(-DefaultMaxAge)}, now); r != ReasonStale {
		t.Fatalf("Reason=%q want stale", r)
	}
}
