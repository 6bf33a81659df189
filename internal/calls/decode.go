package calls

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// callSchema is the subset of an OpenMHz call object the pipeline relies on.
const callSchema = `{
  "type": "object",
  "required": ["_id", "time", "len"],
  "properties": {
    "_id": {"type": "string", "minLength": 1},
    "time": {"type": "string", "minLength": 1},
    "len": {"type": "number", "minimum": 0, "maximum": 86400},
    "talkgroupNum": {"type": "integer"},
    "srcList": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "src": {"type": ["integer", "string"]}
        }
      }
    }
  }
}`

var schema = jsonschema.MustCompileString("call.schema.json", callSchema)

var ErrNoCalls = errors.New("payload has no calls array")

type rawCall struct {
	ID        string      `json:"_id"`
	Time      string      `json:"time"`
	Len       float64     `json:"len"`
	Talkgroup int         `json:"talkgroupNum"`
	SrcList   []rawSource `json:"srcList"`
}

type rawSource struct {
	Src json.RawMessage `json:"src"`
}

// DecodeNewer reads a `calls/newer` response body. Invalid calls are reported in
// Batch.Rejected and never affect their siblings.
func DecodeNewer(body []byte, source string) Batch {
	var env struct {
		Calls []json.RawMessage `json:"calls"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return Malformed(fmt.Errorf("decode envelope: %w", err))
	}
	if env.Calls == nil {
		return Malformed(ErrNoCalls)
	}
	b := Batch{Status: StatusOK, Events: make([]Event, 0, len(env.Calls))}
	for i, raw := range env.Calls {
		ev, err := DecodeCall(raw, source)
		if err != nil {
			b.Rejected = append(b.Rejected, Rejected{Index: i, ID: ev.ID, Err: err})
			continue
		}
		b.Events = append(b.Events, ev)
	}
	return b
}

// DecodeCall validates and decodes a single call object. On error the returned
// Event carries the id when one could be read, for logging.
func DecodeCall(raw []byte, source string) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Event{}, fmt.Errorf("decode call: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return Event{ID: peekID(v)}, fmt.Errorf("invalid call: %w", err)
	}
	var rc rawCall
	if err := json.Unmarshal(raw, &rc); err != nil {
		return Event{ID: peekID(v)}, fmt.Errorf("invalid call: %w", err)
	}

	ts, err := ParseTime(rc.Time)
	if err != nil {
		return Event{ID: rc.ID}, err
	}
	if math.IsNaN(rc.Len) || rc.Len < 0 || rc.Len > MaxDuration {
		return Event{ID: rc.ID}, fmt.Errorf("invalid call: duration %v out of range", rc.Len)
	}

	return Event{
		ID:           rc.ID,
		Time:         ts,
		Duration:     rc.Len,
		Participants: participantIDs(rc.SrcList),
		Talkgroup:    rc.Talkgroup,
		Source:       source,
	}, nil
}

// peekID reads the call id from a generic decode, for error reports.
func peekID(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := m["_id"].(string)
	return id
}

// ParseTime accepts RFC 3339 timestamps with or without fractional seconds,
// e.g. "2020-06-10T01:23:45.000Z" or "2020-06-10T01:23:45.000+0000".
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05.000Z0700", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid call time %q", s)
}

// participantIDs returns the unique source ids in first-seen order.
func participantIDs(list []rawSource) []string {
	if len(list) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, s := range list {
		id := sourceID(s.Src)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sourceID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return ""
}
