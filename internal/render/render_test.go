package render

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"callbot/internal/calls"
)

const footer = "#SeattleProtestComms #ProtestCommsSeattle"

func pacific(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("US/Pacific")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	return loc
}

func newTestRenderer(t *testing.T) *Renderer {
	return New(Options{Location: pacific(t), Footer: footer})
}

func ev(id string, at string, dur float64) calls.Event {
	ts, err := time.Parse(time.RFC3339, at)
	if err != nil {
		panic(err)
	}
	return calls.Event{ID: id, Time: ts, Duration: dur}
}

func TestSingleEvent(t *testing.T) {
	t.Parallel()
	r := newTestRenderer(t)
	posts := r.Render([]Item{{Event: ev("a", "2024-06-01T19:30:05Z", 45)}})
	if len(posts) != 1 {
		t.Fatalf("got %d posts, want 1", len(posts))
	}
	want := "45 second encrypted call at 12:30:05 PM. " + footer
	if posts[0].Text != want {
		t.Fatalf("text = %q, want %q", posts[0].Text, want)
	}
	if !strings.Contains(posts[0].Text, "45 second encrypted call at") {
		t.Fatal("missing call description")
	}
}

func TestLineFormatting(t *testing.T) {
	t.Parallel()
	r := newTestRenderer(t)
	tests := []struct {
		name  string
		event calls.Event
		names []string
		want  string
	}{
		{name: "standard time no leading zero", event: ev("a", "2024-01-15T17:04:05Z", 3), want: "3 second encrypted call at 9:04:05 AM"},
		{name: "midnight", event: ev("b", "2024-01-15T08:05:09Z", 12), want: "12 second encrypted call at 12:05:09 AM"},
		{name: "daylight time", event: ev("c", "2024-07-04T23:59:59Z", 2.5), want: "2.5 second encrypted call at 4:59:59 PM"},
		{name: "offset input", event: ev("d", "2024-07-04T16:00:00-07:00", 7), want: "7 second encrypted call at 4:00:00 PM"},
		{name: "names", event: ev("e", "2024-07-04T23:00:00Z", 4), names: []string{"Alpha", "", "Bravo, Jr"}, want: "4 second encrypted call at 4:00:00 PM (Alpha; Bravo Jr)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Line(tt.event, tt.names); got != tt.want {
				t.Fatalf("Line = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMultipleEventsFitInOnePost(t *testing.T) {
	t.Parallel()
	r := newTestRenderer(t)
	posts := r.Render([]Item{
		{Event: ev("a", "2024-06-01T19:30:05Z", 45)},
		{Event: ev("b", "2024-06-01T19:31:10Z", 6)},
	})
	if len(posts) != 1 {
		t.Fatalf("got %d posts, want 1", len(posts))
	}
	want := "45 second encrypted call at 12:30:05 PM, 6 second encrypted call at 12:31:10 PM " + footer
	if posts[0].Text != want {
		t.Fatalf("text = %q, want %q", posts[0].Text, want)
	}
}

func threeLongItems() []Item {
	names := []string{"Unit 101 Alpha", "Unit 102 Bravo", "Unit 103 Delta"}
	return []Item{
		{Event: ev("a", "2024-06-01T19:30:05Z", 45), Names: names},
		{Event: ev("b", "2024-06-01T19:31:10Z", 45), Names: names},
		{Event: ev("c", "2024-06-01T19:32:15Z", 45), Names: names},
	}
}

func TestThreeEventsSplitIntoTwoChunks(t *testing.T) {
	t.Parallel()
	r := newTestRenderer(t)
	items := threeLongItems()

	lines := r.Lines(items)
	if got := utf8.RuneCountInString(r.joined(lines)); got != 310 {
		t.Fatalf("combined length = %d, want 310", got)
	}

	posts := r.Render(items)
	if len(posts) != 2 {
		t.Fatalf("got %d chunks, want 2: %q", len(posts), Texts(posts))
	}
	first, second := posts[0].Text, posts[1].Text
	if !strings.Contains(first, footer) || !strings.HasSuffix(first, " 1/2") {
		t.Fatalf("first chunk = %q", first)
	}
	if !strings.HasSuffix(first, " ... "+footer+" 1/2") {
		t.Fatalf("first chunk lacks continuation before footer: %q", first)
	}
	if strings.Contains(second, footer) || !strings.HasSuffix(second, "2/2") {
		t.Fatalf("second chunk = %q", second)
	}
	if want := lines[2] + " 2/2"; second != want {
		t.Fatalf("second chunk = %q, want %q", second, want)
	}
	if posts[1].Index != 1 || posts[1].Total != 2 {
		t.Fatalf("index/total = %d/%d", posts[1].Index, posts[1].Total)
	}
}

func TestChunkingInvariants(t *testing.T) {
	t.Parallel()
	r := newTestRenderer(t)
	base := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC) // DST switch day in US/Pacific
	for _, n := range []int{2, 5, 8, 13, 40} {
		t.Run(fmt.Sprintf("%d events", n), func(t *testing.T) {
			items := make([]Item, n)
			for i := range items {
				var names []string
				if i%3 == 0 {
					names = []string{fmt.Sprintf("Dispatcher %d", i), "Sgt Ramos"}
				}
				items[i] = Item{
					Event: calls.Event{ID: fmt.Sprint(i), Time: base.Add(time.Duration(i) * 37 * time.Minute), Duration: float64(i%50) + 0.5},
					Names: names,
				}
			}
			lines := r.Lines(items)
			posts := r.Render(items)
			texts := Texts(posts)

			for i, txt := range texts {
				if l := utf8.RuneCountInString(txt); l > DefaultMaxLen {
					t.Fatalf("post %d has %d chars: %q", i, l, txt)
				}
				if len(texts) > 1 {
					if want := fmt.Sprintf(" %d/%d", i+1, len(texts)); !strings.HasSuffix(txt, want) {
						t.Fatalf("post %d missing marker %q: %q", i, want, txt)
					}
					if (i == 0) != strings.Contains(txt, footer) {
						t.Fatalf("footer placement wrong on post %d: %q", i, txt)
					}
				}
			}
			if got := SplitLines(texts, footer); !reflect.DeepEqual(got, lines) {
				t.Fatalf("round trip mismatch:\n got %q\nwant %q", got, lines)
			}
		})
	}
}

func TestOversizedNamesAreDropped(t *testing.T) {
	t.Parallel()
	r := newTestRenderer(t)
	long := strings.Repeat("Very Long Display Name ", 12)
	posts := r.Render([]Item{{Event: ev("a", "2024-06-01T19:30:05Z", 45), Names: []string{long}}})
	if len(posts) != 1 {
		t.Fatalf("got %d posts, want 1", len(posts))
	}
	if strings.Contains(posts[0].Text, "(") {
		t.Fatalf("names were not dropped: %q", posts[0].Text)
	}
	if utf8.RuneCountInString(posts[0].Text) > DefaultMaxLen {
		t.Fatalf("post too long: %d", utf8.RuneCountInString(posts[0].Text))
	}
}

func TestEmptyBatch(t *testing.T) {
	t.Parallel()
	if posts := newTestRenderer(t).Render(nil); posts != nil {
		t.Fatalf("expected nil, got %v", posts)
	}
}

func TestSplitLinesSinglePost(t *testing.T) {
	t.Parallel()
	got := SplitLines([]string{"45 second encrypted call at 12:30:05 PM. " + footer}, footer)
	want := []string{"45 second encrypted call at 12:30:05 PM"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SplitLines = %q, want %q", got, want)
	}
}

func TestPostsNeverExceedMaxLen(t *testing.T) {
	t.Parallel()
	long := "#" + strings.Repeat("x", 243)
	tests := []struct {
		name  string
		opts  Options
		items []Item
		want  string
	}{
		{
			name: "footer too long is dropped",
			opts: Options{Location: time.UTC, Footer: long},
			items: []Item{
				{Event: ev("a", "2024-06-01T19:30:05Z", 45)},
				{Event: ev("b", "2024-06-01T19:31:05Z", 12)},
			},
			want: "45 second encrypted call at 7:30:05 PM, 12 second encrypted call at 7:31:05 PM",
		},
		{
			name:  "huge duration is clamped",
			opts:  Options{Location: time.UTC, Footer: footer},
			items: []Item{{Event: ev("a", "2024-06-01T19:30:05Z", 1e300)}},
			want:  "86400 second encrypted call at 7:30:05 PM. " + footer,
		},
		{
			name:  "duration is rounded",
			opts:  Options{Location: time.UTC},
			items: []Item{{Event: ev("a", "2024-06-01T19:30:05Z", 1.23456789)}},
			want:  "1.23 second encrypted call at 7:30:05 PM.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			posts := New(tt.opts).Render(tt.items)
			if len(posts) != 1 || posts[0].Text != tt.want {
				t.Fatalf("posts = %q, want [%q]", Texts(posts), tt.want)
			}
			if n := utf8.RuneCountInString(posts[0].Text); n > DefaultMaxLen {
				t.Fatalf("post has %d characters", n)
			}
		})
	}
}

func TestOptionsCheck(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{name: "defaults", opts: Options{Footer: footer}},
		{name: "no footer", opts: Options{}},
		{name: "footer too long", opts: Options{Footer: strings.Repeat("y", 220)}, wantErr: "footer"},
		{name: "max len too small", opts: Options{MaxLen: 40, Padding: 8}, wantErr: "max_len"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Check()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
