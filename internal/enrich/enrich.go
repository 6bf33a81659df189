// Package enrich resolves radio participant ids to display names.
//
// Enrichment is best-effort: callers render without names whenever a
// lookup is not StatusOK. Gateways never return errors to the pipeline.
package enrich

import (
	"context"
	"sort"
	"strings"
)

// Info is the display data for one participant.
type Info struct {
	DisplayName string `json:"name" yaml:"name"`
	Badge       string `json:"badge,omitempty" yaml:"badge,omitempty"`
}

// Label is the text rendered for the participant.
func (i Info) Label() string {
	name := strings.TrimSpace(i.DisplayName)
	badge := strings.TrimSpace(i.Badge)
	switch {
	case name == "":
		return ""
	case badge == "":
		return name
	default:
		return name + " [" + badge + "]"
	}
}

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

// Result is the tagged outcome of a lookup. Names may hold fewer entries
// than requested; absent ids have no known name.
type Result struct {
	Status Status
	Names  map[string]Info
	Err    error
}

type Gateway interface {
	Lookup(ctx context.Context, ids []string) Result
}

// Labels returns the labels for ids in order, skipping unknown ids.
func (r Result) Labels(ids []string) []string {
	if r.Status != StatusOK || len(r.Names) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if l := r.Names[id].Label(); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// None never knows any names.
type None struct{}

func (None) Lookup(context.Context, []string) Result { return Result{Status: StatusOK} }

// uniqueSorted drops empty and duplicate ids.
func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
