package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"callbot/internal/calls"
	"callbot/internal/schedule"
	logx "callbot/pkg/logx"
)

type PollerConfig struct {
	BaseURL string // e.g. https://api.openmhz.com
	System  string // short name, e.g. kcers1b
	Filter  Filter
	// Lookback widens every window so long calls indexed late are not missed.
	Lookback time.Duration
	// Lag compensates the upstream indexing delay.
	Lag     time.Duration
	Timeout time.Duration
	Client  *http.Client
	Now     func() time.Time
}

// Poller pulls {base}/{system}/calls/newer.
//
// The requested timestamp is now - (lookback + lag), but never earlier than
// the process start while start is the newer of the two, so a restart does
// not re-post the previous lookback window.
type Poller struct {
	cfg  PollerConfig
	http *http.Client
	log  logx.Logger

	mu       sync.Mutex
	started  time.Time
	clamping bool
}

func NewPoller(cfg PollerConfig, log logx.Logger) *Poller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Lag <= 0 {
		cfg.Lag = 45 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{cfg: cfg, http: client, log: log, clamping: true}
}

// Since returns the lagged timestamp for a poll at now. The first call
// records the start time.
func (p *Poller) Since(now time.Time) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started.IsZero() {
		p.started = now
	}
	since := now.Add(-(p.cfg.Lookback + p.cfg.Lag))
	if p.clamping {
		if p.started.After(since) {
			return p.started
		}
		p.clamping = false
	}
	return since
}

// URL builds the request for a window starting at since.
func (p *Poller) URL(since time.Time) string {
	q := url.Values{}
	q.Set("time", strconv.FormatInt(since.UnixMilli(), 10))
	q.Set("filter-type", p.cfg.Filter.kind())
	q.Set("filter-code", p.cfg.Filter.code())
	return fmt.Sprintf("%s/%s/calls/newer?%s", p.cfg.BaseURL, url.PathEscape(p.cfg.System), q.Encode())
}

// FetchSince performs one request. Transport problems yield StatusUnavailable,
// unreadable bodies StatusMalformed.
func (p *Poller) FetchSince(ctx context.Context, since time.Time) calls.Batch {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL(since), nil)
	if err != nil {
		return calls.Unavailable(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.http.Do(req)
	if err != nil {
		return calls.Unavailable(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return calls.Unavailable(fmt.Errorf("calls/newer: status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return calls.Unavailable(err)
	}
	return calls.DecodeNewer(body, "poll")
}

// Poll fetches the window ending now.
func (p *Poller) Poll(ctx context.Context) calls.Batch {
	since := p.Since(p.cfg.Now())
	b := p.FetchSince(ctx, since)
	p.log.Debug("poll done",
		logx.Time("since", since),
		logx.String("status", b.Status.String()),
		logx.Int("calls", len(b.Events)),
		logx.Int("rejected", len(b.Rejected)),
	)
	return b
}

// Schedule registers the poll loop on s. Ticks that fire while a poll and
// its delivery are still running are skipped.
func (p *Poller) Schedule(s *schedule.Scheduler, spec schedule.Spec, sink Sink) error {
	return s.Add("source.poll", spec, func(ctx context.Context) error {
		return sink.Submit(ctx, p.Poll(ctx))
	}, schedule.WithRunOnStart())
}
