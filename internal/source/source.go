// Package source adapts the OpenMHz feed into call batches.
//
// Two adapters exist: Poller pulls the calls/newer endpoint on a schedule,
// Socket holds a socket.io connection open and receives calls as they are
// published. Both hand every batch to a Sink.
package source

import (
	"context"
	"strconv"
	"strings"

	"callbot/internal/calls"
)

// Sink receives batches in delivery order. Submit may block (backpressure).
type Sink interface {
	Submit(ctx context.Context, b calls.Batch) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, b calls.Batch) error

func (f SinkFunc) Submit(ctx context.Context, b calls.Batch) error { return f(ctx, b) }

// Filter selects which calls the feed returns.
type Filter struct {
	Type  string // "talkgroup" (default) or "group"
	Codes []int  // talkgroup numbers
	Group string // group id when Type is "group"
}

func (f Filter) kind() string {
	if t := strings.ToLower(strings.TrimSpace(f.Type)); t != "" {
		return t
	}
	return "talkgroup"
}

// code is the filter-code query value.
func (f Filter) code() string {
	if f.kind() == "group" {
		return f.Group
	}
	parts := make([]string, len(f.Codes))
	for i, c := range f.Codes {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}

// startCode is the filterCode value of the socket "start" message.
func (f Filter) startCode() any {
	if f.kind() == "group" {
		return f.Group
	}
	if f.Codes == nil {
		return []int{}
	}
	return f.Codes
}
