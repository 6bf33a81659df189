// Package pipeline turns call batches into published reply chains.
//
// Per batch: drop duplicates, drop stale and short calls, remember the
// rest, resolve participant names (best effort), render, publish.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"callbot/internal/calls"
	"callbot/internal/enrich"
	"callbot/internal/eventbus"
	"callbot/internal/metrics"
	"callbot/internal/publish"
	"callbot/internal/render"
	"callbot/internal/storage"
	logx "callbot/pkg/logx"
)

const ReasonDuplicate = "duplicate"

const defaultEnrichTimeout = 2 * time.Second

// Settings are the hot-reloadable knobs.
type Settings struct {
	Filter         Filter
	Render         render.Options
	Window         time.Duration // reply-chain window
	DryRun         bool
	DedupRetention time.Duration
	EnrichTimeout  time.Duration
}

type Options struct {
	Settings Settings

	Dedup   *Dedup
	Chain   *publish.Chain
	Gateway enrich.Gateway // nil disables enrichment
	Store   storage.Store  // optional post history
	Bus     eventbus.Bus   // optional
	Metrics *metrics.Metrics
	Now     func() time.Time
	Log     logx.Logger
}

// DroppedEvent is the payload of eventbus.TypeEventDropped.
type DroppedEvent struct {
	ID     string
	Reason string
}

// Outcome summarizes one Process call.
type Outcome struct {
	Cycle    string
	Accepted []calls.Event
	Dropped  map[string]int // reason -> count
	Posts    []render.Post
	Result   publish.Result
}

type Pipeline struct {
	mu            sync.RWMutex
	filter        Filter
	renderer      *render.Renderer
	enrichTimeout time.Duration

	dedup   *Dedup
	chain   *publish.Chain
	gateway enrich.Gateway
	store   storage.Store
	bus     eventbus.Bus
	metrics *metrics.Metrics
	now     func() time.Time
	log     logx.Logger
}

func New(opts Options) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Gateway == nil {
		opts.Gateway = enrich.None{}
	}
	if opts.Dedup == nil {
		opts.Dedup = NewDedup(opts.Settings.DedupRetention, 0)
	}
	if opts.Chain == nil {
		opts.Chain = publish.NewChain(nil, publish.Options{DryRun: true, Log: opts.Log})
	}
	p := &Pipeline{
		dedup:   opts.Dedup,
		chain:   opts.Chain,
		gateway: opts.Gateway,
		store:   opts.Store,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		now:     opts.Now,
		log:     opts.Log,
	}
	p.Apply(opts.Settings)
	return p
}

// Apply swaps the hot settings. The thread state and the remembered ids
// survive.
func (p *Pipeline) Apply(s Settings) {
	if s.EnrichTimeout <= 0 {
		s.EnrichTimeout = defaultEnrichTimeout
	}
	r := render.New(s.Render)

	p.mu.Lock()
	p.filter = s.Filter
	p.renderer = r
	p.enrichTimeout = s.EnrichTimeout
	p.mu.Unlock()

	p.chain.Apply(s.Window, s.DryRun)
	if s.DedupRetention > 0 {
		p.dedup.SetRetention(s.DedupRetention)
	}
}

func (p *Pipeline) Dedup() *Dedup { return p.dedup }

func (p *Pipeline) Chain() *publish.Chain { return p.chain }

// Process runs one batch to completion. It is not safe for concurrent use;
// Runner serializes calls.
func (p *Pipeline) Process(ctx context.Context, b calls.Batch) Outcome {
	p.mu.RLock()
	filter, renderer, enrichTimeout := p.filter, p.renderer, p.enrichTimeout
	p.mu.RUnlock()

	out := Outcome{Cycle: uuid.NewString(), Dropped: map[string]int{}}
	log := p.log.With(logx.String("cycle", out.Cycle))

	p.metrics.Batch(b.Status.String())
	p.publishBus(eventbus.TypeBatchReceived, b)
	switch b.Status {
	case calls.StatusUnavailable:
		log.Warn("event source unavailable", logx.Err(b.Err))
		return out
	case calls.StatusMalformed:
		log.Warn("event source returned malformed payload", logx.Err(b.Err))
		return out
	}
	for _, r := range b.Rejected {
		log.Warn("call rejected", logx.Int("index", r.Index), logx.String("id", r.ID), logx.Err(r.Err))
	}
	p.metrics.Rejected(len(b.Rejected))

	now := p.now()
	for _, e := range b.Events {
		p.metrics.Received(e.Source)
		if p.dedup.Seen(ctx, e.ID) {
			p.drop(log, &out, e, ReasonDuplicate)
			continue
		}
		if reason := filter.Reason(e, now); reason != "" {
			p.drop(log, &out, e, reason)
			continue
		}
		p.dedup.Remember(e.ID)
		p.metrics.Accepted(e.Age(now))
		out.Accepted = append(out.Accepted, e)
	}
	p.metrics.Dedup(p.dedup.Len())

	log.Debug("batch filtered",
		logx.Int("calls", len(b.Events)),
		logx.Int("accepted", len(out.Accepted)),
		logx.Int("rejected", len(b.Rejected)),
	)
	if len(out.Accepted) == 0 {
		return out
	}

	items := p.enrich(ctx, log, out.Accepted, enrichTimeout)
	out.Posts = renderer.Render(items)
	out.Result = p.chain.Post(ctx, render.Texts(out.Posts))
	p.record(ctx, log, out)
	return out
}

func (p *Pipeline) drop(log logx.Logger, out *Outcome, e calls.Event, reason string) {
	out.Dropped[reason]++
	p.metrics.Dropped(reason)
	log.Debug("call dropped",
		logx.String("id", e.ID),
		logx.String("reason", reason),
		logx.Float64("duration", e.Duration),
		logx.Time("time", e.Time),
	)
	p.publishBus(eventbus.TypeEventDropped, DroppedEvent{ID: e.ID, Reason: reason})
}

func (p *Pipeline) enrich(ctx context.Context, log logx.Logger, events []calls.Event, timeout time.Duration) []render.Item {
	var ids []string
	for _, e := range events {
		ids = append(ids, e.Participants...)
	}

	var res enrich.Result
	if len(ids) > 0 {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		res = p.gateway.Lookup(cctx, ids)
		cancel()
		p.metrics.Enrichment(res.Status.String())
		if res.Status != enrich.StatusOK {
			log.Debug("enrichment skipped", logx.String("status", res.Status.String()), logx.Err(res.Err))
		}
	}

	items := make([]render.Item, len(events))
	for i, e := range events {
		items[i] = render.Item{Event: e, Names: res.Labels(e.Participants)}
	}
	return items
}

// record pushes the publish result to metrics, the bus and the post history.
func (p *Pipeline) record(ctx context.Context, log logx.Logger, out Outcome) {
	res := out.Result
	driver := p.chain.Driver()
	if res.Reset {
		p.metrics.ThreadReset()
		p.publishBus(eventbus.TypeThreadReset, nil)
	}
	for _, s := range res.Sent {
		p.metrics.Published(driver, s.Took)
		p.publishBus(eventbus.TypePostPublished, s)
		if p.store == nil {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, time.Second)
		err := p.store.AppendPost(sctx, storage.PostRecord{
			At:      s.At,
			PostID:  s.PostID,
			ReplyTo: s.ReplyTo,
			Index:   s.Index + 1,
			Total:   len(out.Posts),
			Driver:  driver,
			Text:    s.Text,
		})
		cancel()
		if err != nil {
			log.Warn("post history write failed", logx.String("post_id", s.PostID), logx.Err(err))
		}
	}
	if res.Err != nil {
		p.metrics.PublishFailed(driver, publish.Kind(res.Err))
		p.publishBus(eventbus.TypePostFailed, res.Err)
		log.Error("publish incomplete",
			logx.Int("sent", len(res.Sent)),
			logx.Int("total", len(out.Posts)),
			logx.Err(res.Err),
		)
	}
}

func (p *Pipeline) publishBus(typ string, data any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: p.now(), Data: data})
}
