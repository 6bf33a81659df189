package pipeline

import (
	"context"
	"errors"
	"sync"

	"callbot/internal/calls"
	"callbot/internal/metrics"
	rtsup "callbot/internal/runtime/supervisor"
	logx "callbot/pkg/logx"
)

var ErrStopped = errors.New("pipeline runner stopped")

const defaultQueueSize = 64

// Processor handles one batch. *Pipeline implements it.
type Processor interface {
	Process(ctx context.Context, b calls.Batch) Outcome
}

// Runner is a bounded queue drained by a single worker, so batches are
// processed one at a time in delivery order.
//
// Submit blocks while the queue is full. It is safe for concurrent use.
type Runner struct {
	mu sync.Mutex

	log     logx.Logger
	proc    Processor
	metrics *metrics.Metrics
	size    int

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan calls.Batch
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

func NewRunner(proc Processor, queueSize int, m *metrics.Metrics, log logx.Logger) *Runner {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{proc: proc, size: queueSize, metrics: m, log: log}
}

// Start launches the worker. It is idempotent.
func (r *Runner) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.stopDone != nil {
		done := r.stopDone
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		r.mu.Lock()
	}
	if r.queue != nil {
		r.mu.Unlock()
		return
	}
	r.queue = make(chan calls.Batch, r.size)
	r.accepting = true
	r.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "pipeline"))),
		rtsup.WithCancelOnError(false),
	)
	sup, q := r.sup, r.queue
	r.mu.Unlock()

	sup.GoRestart("worker", func(c context.Context) error {
		r.workerLoop(c, q)
		r.mu.Lock()
		stopping := r.stopDone != nil
		r.mu.Unlock()
		if stopping {
			return context.Canceled
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("pipeline worker exited unexpectedly")
	})
}

// Submit enqueues b, waiting for room while the queue is full.
func (r *Runner) Submit(ctx context.Context, b calls.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	if !r.accepting || r.queue == nil {
		r.mu.Unlock()
		return ErrStopped
	}
	q := r.queue
	r.sendWG.Add(1)
	r.mu.Unlock()
	defer r.sendWG.Done()

	select {
	case q <- b:
		r.metrics.Queue(len(q))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the number of queued batches.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Stop refuses new batches and drains the queue until ctx is done; then the
// worker is cancelled.
func (r *Runner) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	q, sup := r.queue, r.sup
	if q == nil {
		r.mu.Unlock()
		return
	}
	if r.stopDone != nil {
		done := r.stopDone
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	r.stopDone = done
	r.accepting = false
	r.mu.Unlock()

	go func() {
		defer close(done)
		r.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
		sup.Cancel()

		r.mu.Lock()
		r.queue = nil
		r.sup = nil
		r.stopDone = nil
		r.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (r *Runner) workerLoop(ctx context.Context, q <-chan calls.Batch) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-q:
			if !ok {
				return
			}
			r.metrics.Queue(len(q))
			r.proc.Process(ctx, b)
		}
	}
}
