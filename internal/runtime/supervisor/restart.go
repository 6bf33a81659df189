package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "callbot/pkg/logx"
)

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max    time.Duration
	maxRestarts int // 0: unlimited
	stopOnClean bool
	// a run lasting at least this long resets the backoff
	healthy time.Duration
}

// WithRestartBackoff bounds the exponential delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up, recording a failure, after n consecutive restarts.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.maxRestarts = n }
}

// WithStopOnCleanExit controls whether a nil return ends the loop (default)
// or is treated like a failure and restarted.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnClean = enabled }
}

// GoRestart runs fn until the context is cancelled, restarting it after an
// error or panic. A return of context.Canceled ends the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second, stopOnClean: true, healthy: 30 * time.Second}
	for _, opt := range opts {
		opt(&p)
	}
	p.max = max(p.max, p.min)

	s.Go(name, func(ctx context.Context) error {
		delay := p.min
		for n := 1; ; n++ {
			began := time.Now()
			err := s.call(name, fn)
			switch {
			case ctx.Err() != nil, errors.Is(err, context.Canceled):
				return nil
			case err == nil && p.stopOnClean:
				return nil
			case err == nil:
				err = errors.New("returned without error")
			}

			if time.Since(began) >= p.healthy {
				delay, n = p.min, 1
			}
			if p.maxRestarts > 0 && n > p.maxRestarts {
				s.log.Error("task giving up", logx.String("task", name), logx.Int("restarts", n-1), logx.Err(err))
				return fmt.Errorf("after %d restarts: %w", n-1, err)
			}

			wait := jitter(delay)
			s.log.Warn("task failed; restarting", logx.String("task", name), logx.Duration("backoff", wait), logx.Err(err))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			delay = min(2*delay, p.max)
		}
	})
}

// jitter adds up to 20% to d.
func jitter(d time.Duration) time.Duration {
	if spread := int64(d) / 5; spread > 0 {
		return d + time.Duration(rand.Int64N(spread+1))
	}
	return d
}
