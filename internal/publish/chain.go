// Package publish sequences rendered posts into reply chains on a social
// platform.
//
// A Chain owns the thread state: the id and time of the last successful
// post. A new batch replies to that post while it is younger than the
// window; otherwise it starts a fresh thread. Each chunk of a batch replies
// to the chunk before it.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "callbot/pkg/logx"
)

// Publisher is one platform driver.
type Publisher interface {
	// Publish posts text, as a reply to replyTo when it is non-empty, and
	// returns the new post id.
	Publish(ctx context.Context, text, replyTo string) (string, error)
	// Verify checks credentials without posting.
	Verify(ctx context.Context) error
	Name() string
}

// ThreadState is the reply-chain cursor.
type ThreadState struct {
	LastPostID   string
	LastPostTime time.Time
}

func (s ThreadState) Threaded() bool { return s.LastPostID != "" }

// Sent is one successfully published chunk.
type Sent struct {
	Index   int
	PostID  string
	ReplyTo string
	Text    string
	At      time.Time
	Took    time.Duration
}

// Result reports one Post call. Err is nil only if every chunk was published
// (or DryRun is set).
type Result struct {
	Sent   []Sent
	DryRun bool
	Texts  []string // dry run only
	Reset  bool     // the previous thread had expired
	Err    error
}

type Options struct {
	Window     time.Duration // default 5m
	DryRun     bool
	MaxPosts   int           // per RateWindow, default 50
	RateWindow time.Duration // default 15m
	Timeout    time.Duration // per publish call, 0 means none
	Now        func() time.Time
	Log        logx.Logger
}

var ErrNoPublisher = errors.New("publish: no publisher configured")

type Chain struct {
	mu      sync.Mutex
	pub     Publisher
	log     logx.Logger
	now     func() time.Time
	window  time.Duration
	dryRun  bool
	timeout time.Duration
	limiter *rate.Limiter
	state   ThreadState
}

// NewChain returns a chain in the Idle state. pub may be nil only in dry-run mode.
func NewChain(pub Publisher, opts Options) *Chain {
	if opts.Window <= 0 {
		opts.Window = 5 * time.Minute
	}
	if opts.MaxPosts <= 0 {
		opts.MaxPosts = 50
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = 15 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Chain{
		pub:     pub,
		log:     opts.Log,
		now:     opts.Now,
		window:  opts.Window,
		dryRun:  opts.DryRun,
		timeout: opts.Timeout,
		limiter: rate.NewLimiter(rate.Every(opts.RateWindow/time.Duration(opts.MaxPosts)), opts.MaxPosts),
	}
}

// Apply updates the hot-reloadable settings. A chain without a publisher
// stays in dry run.
func (c *Chain) Apply(window time.Duration, dryRun bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if window > 0 {
		c.window = window
	}
	if !dryRun && c.pub == nil {
		c.log.Warn("no publisher configured; staying in dry run")
		dryRun = true
	}
	c.dryRun = dryRun
}

func (c *Chain) DryRun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dryRun
}

// Driver names the platform, "none" without a publisher.
func (c *Chain) Driver() string {
	if c.pub == nil {
		return "none"
	}
	return c.pub.Name()
}

func (c *Chain) State() ThreadState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Post publishes texts as one reply chain. Calls are serialized.
//
// Failures are not retried: the chain stops at the first failed chunk and the
// thread state keeps pointing at the last chunk that made it out.
func (c *Chain) Post(ctx context.Context, texts []string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(texts) == 0 {
		return Result{DryRun: c.dryRun}
	}
	if c.dryRun {
		for i, t := range texts {
			c.log.Info("dry run post", logx.Int("index", i+1), logx.Int("total", len(texts)), logx.String("text", t))
		}
		return Result{DryRun: true, Texts: append([]string(nil), texts...)}
	}
	if c.pub == nil {
		return Result{Err: ErrNoPublisher}
	}

	var res Result
	if c.state.Threaded() && c.now().Sub(c.state.LastPostTime) >= c.window {
		c.log.Debug("thread window expired", logx.String("last_post_id", c.state.LastPostID), logx.Time("last_post_time", c.state.LastPostTime))
		c.state.LastPostID = ""
		res.Reset = true
	}

	replyTo := c.state.LastPostID
	for i, text := range texts {
		if err := c.limiter.Wait(ctx); err != nil {
			res.Err = fmt.Errorf("chunk %d/%d: rate limit wait: %w", i+1, len(texts), err)
			return res
		}
		start := time.Now()
		id, err := c.publish(ctx, text, replyTo)
		took := time.Since(start)
		if err != nil {
			res.Err = fmt.Errorf("chunk %d/%d: %w", i+1, len(texts), err)
			c.log.Warn("publish failed",
				logx.Int("index", i+1),
				logx.Int("total", len(texts)),
				logx.String("reply_to", replyTo),
				logx.String("kind", Kind(err)),
				logx.Err(err),
			)
			return res
		}
		at := c.now()
		c.state = ThreadState{LastPostID: id, LastPostTime: at}
		res.Sent = append(res.Sent, Sent{Index: i, PostID: id, ReplyTo: replyTo, Text: text, At: at, Took: took})
		c.log.Info("posted", logx.String("post_id", id), logx.String("reply_to", replyTo), logx.Int("index", i+1), logx.Int("total", len(texts)))
		replyTo = id
	}
	return res
}

func (c *Chain) publish(ctx context.Context, text, replyTo string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.pub.Publish(ctx, text, replyTo)
}
