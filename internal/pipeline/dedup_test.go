package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"callbot/internal/storage"
	logx "callbot/pkg/logx"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestDedupIdempotentAndExpiry(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2020, 6, 10, 2, 0, 0, 0, time.UTC)}
	d := NewDedup(5*time.Minute, 100).WithClock(clk.now)

	if d.Seen(ctx, "a") {
		t.Fatal("fresh id reported as seen")
	}
	d.Remember("a")
	d.Remember("a")
	if !d.Seen(ctx, "a") || d.Len() != 1 {
		t.Fatalf("Seen=%v Len=%d", d.Seen(ctx, "a"), d.Len())
	}

	clk.advance(5*time.Minute - time.Millisecond)
	if !d.Seen(ctx, "a") {
		t.Fatal("expired too early")
	}
	clk.advance(time.Millisecond)
	if d.Seen(ctx, "a") {
		t.Fatal("still seen after retention")
	}
}

func TestDedupCapacityEvictsSoonestExpiry(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2020, 6, 10, 2, 0, 0, 0, time.UTC)}
	d := NewDedup(5*time.Minute, 2).WithClock(clk.now)

	d.Remember("old")
	clk.advance(time.Minute)
	d.Remember("mid")
	clk.advance(time.Minute)
	d.Remember("new")

	if d.Seen(ctx, "old") {
		t.Fatal("oldest entry should have been evicted")
	}
	if !d.Seen(ctx, "mid") || !d.Seen(ctx, "new") {
		t.Fatal("live entries evicted")
	}
}

func TestDedupPersistsThroughStore(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := NewDedup(5*time.Minute, 100).WithStore(st, logx.Nop())
	go first.Run(ctx)
	first.Remember("call-1")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := st.GetDedup(ctx, dedupKeyPrefix+"call-1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dedup entry never reached the store")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A fresh cache (restart) still recognizes the id.
	second := NewDedup(5*time.Minute, 100).WithStore(st, logx.Nop())
	if !second.Seen(ctx, "call-1") {
		t.Fatal("restarted cache did not consult the store")
	}
	if second.Len() != 1 {
		t.Fatalf("store hit should warm the cache, Len=%d", second.Len())
	}
}
