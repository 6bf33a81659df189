// Package render turns filtered call events into bounded-length post text.
//
// A batch that fits in one post is emitted as-is. Larger batches are packed
// greedily into a thread of chunks: lines are never split, every chunk but
// the last ends with " ...", the first chunk carries the footer, and every
// chunk ends with an "i/n" sequence marker.
package render

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
	"unicode/utf8"

	"callbot/internal/calls"
)

const (
	DefaultMaxLen  = 280
	DefaultPadding = 20
	// MinPadding fits a " 999/999" marker.
	MinPadding = 8

	lineSep      = ", "
	continuation = " ..."
	nameSep      = "; "
	timeLayout   = "3:04:05 PM"
)

// Options configures a Renderer. Zero values take the defaults.
type Options struct {
	Location *time.Location
	Footer   string
	MaxLen   int
	// Padding is reserved for the sequence markers appended after chunking.
	// Values below MinPadding are raised to it.
	Padding int
}

// Check reports whether every post rendered with o stays within MaxLen: the
// longest bare call line must fit a chunk both with and without the footer.
func (o Options) Check() error {
	r := newRenderer(o)
	utc := *r
	utc.loc = time.UTC
	n := runes(utc.Line(longestEvent, nil))
	if r.chunkLen(n, false) > r.Budget() {
		return fmt.Errorf("max_len %d leaves no room for a %d-character call line", r.maxLen, n)
	}
	if r.footer != "" && r.chunkLen(n, true) > r.Budget() {
		return fmt.Errorf("footer of %d characters does not fit in a %d-character post", runes(r.footer), r.maxLen)
	}
	return nil
}

// longestEvent renders to the widest possible bare line.
var longestEvent = calls.Event{
	Duration: calls.MaxDuration - 0.01,
	Time:     time.Date(2000, 1, 1, 12, 59, 59, 0, time.UTC),
}

// Item is one event plus its resolved participant names (may be empty).
type Item struct {
	Event calls.Event
	Names []string
}

// Post is one rendered string. Index is zero-based; Total is 1 for a single post.
type Post struct {
	Text  string
	Index int
	Total int
}

type Renderer struct {
	loc     *time.Location
	footer  string
	maxLen  int
	padding int
}

// New returns a renderer for opts. A footer that fails Check is dropped so no
// post can exceed MaxLen.
func New(opts Options) *Renderer {
	r := newRenderer(opts)
	if r.footer != "" && opts.Check() != nil {
		r.footer = ""
	}
	return r
}

func newRenderer(opts Options) *Renderer {
	r := &Renderer{
		loc:     opts.Location,
		footer:  strings.TrimSpace(opts.Footer),
		maxLen:  opts.MaxLen,
		padding: opts.Padding,
	}
	if r.loc == nil {
		r.loc = time.UTC
	}
	if r.maxLen <= 0 {
		r.maxLen = DefaultMaxLen
	}
	if r.padding <= 0 {
		r.padding = DefaultPadding
	}
	if r.padding < MinPadding {
		r.padding = MinPadding
	}
	return r
}

func (r *Renderer) Footer() string { return r.footer }

// Budget is the length a chunk may reach before its sequence marker.
func (r *Renderer) Budget() int { return r.maxLen - r.padding }

// Line renders the call-description line for one event.
func (r *Renderer) Line(e calls.Event, names []string) string {
	var b strings.Builder
	b.WriteString(seconds(e.Duration))
	b.WriteString(" second encrypted call at ")
	b.WriteString(e.Time.In(r.loc).Format(timeLayout))
	if clean := cleanNames(names); len(clean) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(clean, nameSep))
		b.WriteString(")")
	}
	return b.String()
}

// Lines renders every item. A line whose names alone would push it over the
// chunk budget is rendered without names so lines stay atomic.
func (r *Renderer) Lines(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		line := r.Line(it.Event, it.Names)
		if len(it.Names) > 0 && r.chunkLen(runes(line), true) > r.Budget() {
			line = r.Line(it.Event, nil)
		}
		out = append(out, line)
	}
	return out
}

// Render produces the posts for one batch. It returns nil for an empty batch.
func (r *Renderer) Render(items []Item) []Post {
	lines := r.Lines(items)
	switch len(lines) {
	case 0:
		return nil
	case 1:
		if text := r.single(lines[0]); runes(text) <= r.maxLen {
			return []Post{{Text: text, Total: 1}}
		}
	default:
		if text := r.joined(lines); runes(text) <= r.maxLen {
			return []Post{{Text: text, Total: 1}}
		}
	}
	return r.chunk(lines)
}

func (r *Renderer) single(line string) string {
	if r.footer == "" {
		return line + "."
	}
	return line + ". " + r.footer
}

func (r *Renderer) joined(lines []string) string {
	s := strings.Join(lines, lineSep)
	if r.footer == "" {
		return s
	}
	return s + " " + r.footer
}

// chunkLen is the length of a chunk body of n runes once the continuation
// suffix and, for the first chunk, the footer are added.
func (r *Renderer) chunkLen(n int, first bool) int {
	n += len(continuation)
	if first && r.footer != "" {
		n += 1 + runes(r.footer)
	}
	return n
}

func (r *Renderer) chunk(lines []string) []Post {
	budget := r.Budget()
	var (
		groups [][]string
		cur    []string
		curLen int
	)
	for _, line := range lines {
		n := runes(line)
		next := n
		if len(cur) > 0 {
			next = curLen + len(lineSep) + n
		}
		if len(cur) > 0 && r.chunkLen(next, len(groups) == 0) > budget {
			groups = append(groups, cur)
			cur, curLen = nil, 0
			next = n
		}
		cur = append(cur, line)
		curLen = next
	}
	groups = append(groups, cur)

	total := len(groups)
	posts := make([]Post, 0, total)
	for i, g := range groups {
		var b strings.Builder
		b.WriteString(strings.Join(g, lineSep))
		if i < total-1 {
			b.WriteString(continuation)
		}
		if i == 0 && r.footer != "" {
			b.WriteString(" ")
			b.WriteString(r.footer)
		}
		fmt.Fprintf(&b, " %d/%d", i+1, total)
		posts = append(posts, Post{Text: b.String(), Index: i, Total: total})
	}
	return posts
}

// Texts returns the text of every post in order.
func Texts(posts []Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.Text
	}
	return out
}

// SplitLines recovers the call-description lines from rendered post texts by
// stripping sequence markers, continuation suffixes and the footer.
func SplitLines(texts []string, footer string) []string {
	footer = strings.TrimSpace(footer)
	var out []string
	for _, t := range texts {
		t = stripMarker(t)
		if footer != "" {
			t = strings.TrimSuffix(t, " "+footer)
		}
		t = strings.TrimSuffix(t, continuation)
		t = strings.TrimSuffix(t, ".")
		if t == "" {
			continue
		}
		out = append(out, strings.Split(t, lineSep)...)
	}
	return out
}

func stripMarker(t string) string {
	i := strings.LastIndexByte(t, ' ')
	if i < 0 {
		return t
	}
	num, den, ok := strings.Cut(t[i+1:], "/")
	if !ok {
		return t
	}
	if _, err := strconv.Atoi(num); err != nil {
		return t
	}
	if _, err := strconv.Atoi(den); err != nil {
		return t
	}
	return t[:i]
}

// cleanNames drops empty names and characters that would collide with the
// line and name separators.
func cleanNames(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.NewReplacer(",", "", ";", "", "(", "", ")", "").Replace(n)
		n = strings.TrimSpace(n)
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// seconds formats d with at most two decimals, clamped to [0, MaxDuration].
func seconds(d float64) string {
	if math.IsNaN(d) || d < 0 {
		d = 0
	}
	d = min(math.Round(d*100)/100, calls.MaxDuration)
	return strconv.FormatFloat(d, 'f', -1, 64)
}

func runes(s string) int { return utf8.RuneCountInString(s) }
