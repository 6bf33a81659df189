package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "callbot/pkg/logx"
)

// Job is one scheduled unit of work. The context is canceled when the
// scheduler stops; a per-run timeout is applied when configured.
type Job func(ctx context.Context) error

// Scheduler triggers jobs on cron or interval schedules.
//
// Runs of the same job never overlap: a tick that fires while the previous
// run is still in flight is skipped.
type Scheduler struct {
	log logx.Logger
	loc *time.Location

	mu     sync.Mutex
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	jobs   []entry
}

type entry struct {
	name    string
	spec    Spec
	timeout time.Duration
	job     Job
	onStart bool
}

// Option configures a single job registration.
type Option func(*entry)

// WithTimeout bounds every run of the job.
func WithTimeout(d time.Duration) Option { return func(e *entry) { e.timeout = d } }

// WithRunOnStart triggers the job once as soon as the scheduler starts.
func WithRunOnStart() Option { return func(e *entry) { e.onStart = true } }

func New(log logx.Logger, loc *time.Location) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{log: log, loc: loc}
}

// Add registers a job. It must be called before Start.
func (s *Scheduler) Add(name string, spec Spec, job Job, opts ...Option) error {
	if job == nil {
		return errors.New("schedule: nil job")
	}
	if _, err := spec.Schedule(); err != nil {
		return err
	}
	e := entry{name: name, spec: spec, job: job}
	for _, o := range opts {
		o(&e)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return errors.New("schedule: already started")
	}
	s.jobs = append(s.jobs, e)
	return nil
}

// Start begins triggering. Jobs run until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	for i := range s.jobs {
		e := s.jobs[i]
		sched, _ := e.spec.Schedule()
		// One wrapped instance so the start-up run and ticks share the skip guard.
		wrapped := cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() { s.run(e) }))
		s.c.Schedule(sched, wrapped)
		if e.onStart {
			go wrapped.Run()
		}
		s.log.Debug("job scheduled", logx.String("job", e.name), logx.String("spec", e.spec.String()))
	}
	s.c.Start()
}

func (s *Scheduler) run(e entry) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	start := time.Now()
	if err := e.job(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("job failed", logx.String("job", e.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Trace("job done", logx.String("job", e.name), logx.Duration("took", time.Since(start)))
}

// Stop stops triggering, cancels in-flight runs and waits for them to return
// or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	cancel()
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
