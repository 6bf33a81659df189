package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	logx "callbot/pkg/logx"
)

// errMalformed marks responses that arrived but could not be read. They do
// not count against the circuit breaker.
var errMalformed = errors.New("malformed response")

type HTTPConfig struct {
	URL     string
	Timeout time.Duration
	// FailureThreshold consecutive failures open the breaker for OpenDelay.
	FailureThreshold uint
	OpenDelay        time.Duration
	Client           *http.Client
	// OnStateChange observes breaker transitions (metrics).
	OnStateChange func(state string)
}

// HTTP looks names up from a JSON service:
//
//	GET {url}?ids=a,b,c -> {"results": {"a": {"name": "..", "badge": ".."}}}
//
// Repeated transport failures open a circuit breaker; while it is open
// lookups return StatusUnavailable without touching the network.
type HTTP struct {
	base   *url.URL
	client *http.Client
	cb     circuitbreaker.CircuitBreaker[map[string]Info]
	log    logx.Logger
}

func NewHTTP(cfg HTTPConfig, log logx.Logger) (*HTTP, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("enrich: invalid url %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDelay <= 0 {
		cfg.OpenDelay = time.Minute
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	cb := circuitbreaker.NewBuilder[map[string]Info]().
		HandleIf(func(_ map[string]Info, err error) bool {
			return err != nil && !errors.Is(err, errMalformed) && !errors.Is(err, context.Canceled)
		}).
		WithFailureThreshold(cfg.FailureThreshold).
		WithDelay(cfg.OpenDelay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			log.Warn("enrichment breaker state change",
				logx.String("from", stateName(e.OldState)),
				logx.String("to", stateName(e.NewState)),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(stateName(e.NewState))
			}
		}).
		Build()

	return &HTTP{base: u, client: client, cb: cb, log: log}, nil
}

func (h *HTTP) Lookup(ctx context.Context, ids []string) Result {
	ids = uniqueSorted(ids)
	if len(ids) == 0 {
		return Result{Status: StatusOK}
	}
	names, err := failsafe.With[map[string]Info](h.cb).WithContext(ctx).Get(func() (map[string]Info, error) {
		return h.fetch(ctx, ids)
	})
	switch {
	case err == nil:
		return Result{Status: StatusOK, Names: names}
	case errors.Is(err, errMalformed):
		return Result{Status: StatusMalformed, Err: err}
	default:
		return Result{Status: StatusUnavailable, Err: err}
	}
}

// Open reports whether the breaker is currently short-circuiting lookups.
func (h *HTTP) Open() bool { return h.cb.IsOpen() }

func (h *HTTP) fetch(ctx context.Context, ids []string) (map[string]Info, error) {
	u := *h.base
	q := u.Query()
	q.Set("ids", strings.Join(ids, ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("lookup status %d", resp.StatusCode)
	}

	var body struct {
		Results map[string]Info `json:"results"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if body.Results == nil {
		return nil, fmt.Errorf("%w: missing results", errMalformed)
	}
	return body.Results, nil
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}
