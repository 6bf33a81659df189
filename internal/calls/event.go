// Package calls holds the radio-call event model and the decoders for the
// OpenMHz feed payloads.
package calls

import "time"

// MaxDuration caps a call length in seconds. Longer values are rejected by
// the decoder.
const MaxDuration = 86400

// Event is one detected radio transmission. Events are immutable values.
type Event struct {
	ID           string
	Time         time.Time
	Duration     float64 // seconds, 0 <= Duration <= MaxDuration
	Participants []string
	Talkgroup    int
	Source       string // adapter that produced the event ("poll", "socket", "file")
}

// Age returns the absolute distance between now and the event time.
func (e Event) Age(now time.Time) time.Duration {
	d := now.Sub(e.Time)
	if d < 0 {
		return -d
	}
	return d
}

// Status tags the outcome of reading a batch from an event source.
type Status int

const (
	StatusOK Status = iota
	StatusMalformed
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMalformed:
		return "malformed"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Rejected describes a single call that failed validation.
type Rejected struct {
	Index int
	ID    string
	Err   error
}

// Batch is the tagged result of one delivery.
//
//   - StatusOK: Events holds every valid call; Rejected lists the siblings that were dropped.
//   - StatusMalformed: the envelope itself could not be read; Err says why.
//   - StatusUnavailable: the source could not be reached; Err says why.
type Batch struct {
	Status   Status
	Events   []Event
	Rejected []Rejected
	Err      error
}

func Unavailable(err error) Batch { return Batch{Status: StatusUnavailable, Err: err} }

func Malformed(err error) Batch { return Batch{Status: StatusMalformed, Err: err} }
