package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callbot/internal/calls"
	logx "callbot/pkg/logx"
)

type recorder struct {
	mu    sync.Mutex
	ids   []string
	gate  chan struct{}
	entry chan struct{}
}

func (r *recorder) Process(_ context.Context, b calls.Batch) Outcome {
	if r.entry != nil {
		r.entry <- struct{}{}
	}
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	for _, e := range b.Events {
		r.ids = append(r.ids, e.ID)
	}
	r.mu.Unlock()
	return Outcome{}
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func batchOf(id string) calls.Batch {
	return calls.Batch{Status: calls.StatusOK, Events: []calls.Event{{ID: id}}}
}

func TestRunnerPreservesOrderAndDrainsOnStop(t *testing.T) {
	rec := &recorder{}
	r := NewRunner(rec, 8, nil, logx.Nop())
	r.Start(context.Background())

	want := []string{"a", "b", "c", "d"}
	for _, id := range want {
		if err := r.Submit(context.Background(), batchOf(id)); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.Stop(ctx)

	got := rec.seen()
	if len(got) != len(want) {
		t.Fatalf("processed %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %v", got)
		}
	}
	if err := r.Submit(context.Background(), batchOf("late")); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Stop: %v", err)
	}
}

func TestRunnerSubmitBlocksWhenFull(t *testing.T) {
	rec := &recorder{gate: make(chan struct{}), entry: make(chan struct{}, 4)}
	r := NewRunner(rec, 1, nil, logx.Nop())
	r.Start(context.Background())

	if err := r.Submit(context.Background(), batchOf("a")); err != nil {
		t.Fatal(err)
	}
	<-rec.entry // worker holds "a"
	if err := r.Submit(context.Background(), batchOf("b")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Submit(ctx, batchOf("c")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit on full queue: %v", err)
	}

	close(rec.gate)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	r.Stop(stopCtx)
	if got := rec.seen(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("processed %v", got)
	}
}

func TestRunnerSubmitBeforeStart(t *testing.T) {
	r := NewRunner(&recorder{}, 0, nil, logx.Nop())
	if err := r.Submit(context.Background(), batchOf("a")); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v", err)
	}
}
