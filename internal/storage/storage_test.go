package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "callbot/pkg/logx"
)

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, driver := range []string{"file", "sqlite"} {
		st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, driver, "callbot.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%s) error: %v", driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open(none) = %v, %v; want nil, nil", st, err)
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestPostHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	for name, st := range openTestStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			base := time.Date(2020, 6, 10, 12, 0, 0, 0, time.UTC)
			for i, id := range []string{"p1", "p2", "p3"} {
				err := st.AppendPost(ctx, PostRecord{At: base.Add(time.Duration(i) * time.Second), PostID: id, Index: i + 1, Total: 3, Driver: "test", Text: "text " + id})
				if err != nil {
					t.Fatalf("AppendPost error: %v", err)
				}
			}
			got, err := st.RecentPosts(ctx, 2)
			if err != nil {
				t.Fatalf("RecentPosts error: %v", err)
			}
			if len(got) != 2 || got[0].PostID != "p3" || got[1].PostID != "p2" {
				t.Fatalf("RecentPosts = %+v", got)
			}
			if got[0].Total != 3 || got[0].Text != "text p3" {
				t.Fatalf("unexpected record: %+v", got[0])
			}
		})
	}
}

func TestDedupRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range openTestStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			until := time.Now().Add(time.Minute).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "call-1", until); err != nil {
				t.Fatalf("PutDedup error: %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "call-1")
			if err != nil || !ok {
				t.Fatalf("GetDedup = %v, %v, %v", got, ok, err)
			}
			if !got.Equal(until) {
				t.Fatalf("until = %v, want %v", got, until)
			}
			if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
				t.Fatalf("expected miss for unknown key")
			}
		})
	}
}

func TestFileStoreReplaysJournal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	_ = st.PutDedup(ctx, "keep", until)
	_ = st.PutDedup(ctx, "gone", time.Now().Add(-time.Hour))
	_ = st.Close()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer st2.Close()
	if _, ok, _ := st2.GetDedup(ctx, "keep"); !ok {
		t.Fatalf("expected keep to survive reopen")
	}
	if _, ok, _ := st2.GetDedup(ctx, "gone"); ok {
		t.Fatalf("expected expired key to be pruned on reopen")
	}
}
