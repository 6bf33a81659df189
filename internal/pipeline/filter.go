package pipeline

import (
	"time"

	"callbot/internal/calls"
)

// Drop reasons reported by Filter.Reason.
const (
	ReasonStale          = "stale"
	ReasonBelowThreshold = "below_threshold"
)

// DefaultMaxAge applies when Filter.MaxAge is not positive.
const DefaultMaxAge = 30 * time.Minute

// Filter decides whether an event is recent and long enough to post.
// It is a pure value; the zero value keeps events younger than DefaultMaxAge.
type Filter struct {
	// MaxAge rejects events whose |now - time| is >= MaxAge. Upstream
	// occasionally flushes an hours-old backlog in one burst.
	MaxAge time.Duration
	// CallThreshold rejects events shorter than this many seconds.
	CallThreshold float64
}

// Keep reports whether e should continue down the pipeline.
func (f Filter) Keep(e calls.Event, now time.Time) bool {
	return f.Reason(e, now) == ""
}

// Reason returns why e would be dropped, or "" if it is kept.
func (f Filter) Reason(e calls.Event, now time.Time) string {
	maxAge := f.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if e.Age(now) >= maxAge {
		return ReasonStale
	}
	if e.Duration < f.CallThreshold {
		return ReasonBelowThreshold
	}
	return ""
}
