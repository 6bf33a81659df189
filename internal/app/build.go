package app

import (
	"fmt"
	"strings"

	"callbot/internal/config"
	"callbot/internal/enrich"
	"callbot/internal/metrics"
	"callbot/internal/observability/httpserver"
	"callbot/internal/pipeline"
	"callbot/internal/publish"
	"callbot/internal/publish/telegram"
	"callbot/internal/publish/twitter"
	"callbot/internal/render"
	"callbot/internal/source"
	logx "callbot/pkg/logx"
)

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// pipelineSettings maps the hot-reloadable part of cfg. cfg must be validated.
func pipelineSettings(cfg *config.Config) (pipeline.Settings, error) {
	p := cfg.Pipeline
	loc, err := p.Location()
	if err != nil {
		return pipeline.Settings{}, fmt.Errorf("pipeline.timezone: %w", err)
	}
	return pipeline.Settings{
		Filter: pipeline.Filter{MaxAge: p.MaxAgeDuration(), CallThreshold: p.Threshold()},
		Render: render.Options{
			Location: loc,
			Footer:   p.Footer(),
			MaxLen:   p.MaxLenOrDefault(),
			Padding:  p.PaddingOrDefault(),
		},
		Window:         p.Window(),
		DryRun:         p.DryRun,
		DedupRetention: p.DedupRetentionFor(cfg.Source.LagDuration()),
		EnrichTimeout:  cfg.Enrichment.TimeoutDuration(),
	}, nil
}

func httpConfig(cfg *config.Config) httpserver.Config {
	m := cfg.Metrics
	return httpserver.Config{
		Enabled:       m.Enabled,
		Addr:          m.AddrOrDefault(),
		Token:         m.Token,
		AllowInsecure: m.AllowInsecure,
		Pprof:         m.Pprof,
	}
}

func sourceFilter(cfg *config.Config) source.Filter {
	s := cfg.Source
	return source.Filter{Type: s.FilterType, Codes: s.FilterCodes, Group: s.FilterGroup}
}

func buildPoller(cfg *config.Config, log logx.Logger) *source.Poller {
	s := cfg.Source
	return source.NewPoller(source.PollerConfig{
		BaseURL:  s.BaseURLOrDefault(),
		System:   s.System,
		Filter:   sourceFilter(cfg),
		Lookback: s.LookbackDuration(),
		Lag:      s.LagDuration(),
		Timeout:  s.TimeoutDuration(),
	}, log)
}

func buildSocket(cfg *config.Config, log logx.Logger) *source.Socket {
	s := cfg.Source
	return source.NewSocket(source.SocketConfig{
		URL:              s.SocketURLOrDefault(),
		System:           s.System,
		Filter:           sourceFilter(cfg),
		HandshakeTimeout: s.TimeoutDuration(),
	}, log)
}

// credentialsSet reports whether the selected driver has everything it needs
// to be constructed.
func credentialsSet(p config.PublisherConfig) bool {
	switch p.DriverOrDefault() {
	case "telegram":
		return strings.TrimSpace(p.Telegram.Token) != "" && p.Telegram.ChatID != 0
	case "twitter":
		t := p.Twitter
		return t.ConsumerKey != "" && t.ConsumerSecret != "" && t.AccessToken != "" && t.AccessSecret != ""
	default:
		return false
	}
}

// buildPublisher returns nil when no driver is selected, or in dry-run mode
// when credentials are missing.
func buildPublisher(cfg *config.Config, log logx.Logger) (publish.Publisher, error) {
	p := cfg.Publisher
	if !credentialsSet(p) {
		if cfg.Pipeline.DryRun || p.DriverOrDefault() == "none" {
			return nil, nil
		}
		return nil, fmt.Errorf("publisher %s: credentials missing", p.DriverOrDefault())
	}
	switch p.DriverOrDefault() {
	case "telegram":
		return telegram.New(telegram.Config{
			Token:    p.Telegram.Token,
			ChatID:   p.Telegram.ChatID,
			ThreadID: p.Telegram.ThreadID,
			Timeout:  p.TimeoutDuration(),
		}, log)
	case "twitter":
		return twitter.New(twitter.Config{
			BaseURL:        p.Twitter.BaseURL,
			ConsumerKey:    p.Twitter.ConsumerKey,
			ConsumerSecret: p.Twitter.ConsumerSecret,
			AccessToken:    p.Twitter.AccessToken,
			AccessSecret:   p.Twitter.AccessSecret,
			Timeout:        p.TimeoutDuration(),
		}, log)
	}
	return nil, fmt.Errorf("unknown publisher.driver: %s", p.Driver)
}

func buildChain(cfg *config.Config, pub publish.Publisher, log logx.Logger) *publish.Chain {
	maxPosts, window := cfg.Publisher.Rate.Limits()
	return publish.NewChain(pub, publish.Options{
		Window:     cfg.Pipeline.Window(),
		DryRun:     cfg.Pipeline.DryRun,
		MaxPosts:   maxPosts,
		RateWindow: window,
		Timeout:    cfg.Publisher.TimeoutDuration(),
		Log:        log,
	})
}

// buildGateway wraps the configured directory in the TTL cache.
func buildGateway(cfg *config.Config, m *metrics.Metrics, log logx.Logger) (enrich.Gateway, error) {
	e := cfg.Enrichment
	var inner enrich.Gateway
	switch e.DriverOrDefault() {
	case "none":
		return enrich.None{}, nil
	case "static":
		st, err := enrich.LoadStatic(e.Path)
		if err != nil {
			return nil, err
		}
		log.Info("enrichment directory loaded", logx.String("path", e.Path), logx.Int("entries", st.Len()))
		inner = st
	case "http":
		h, err := enrich.NewHTTP(enrich.HTTPConfig{
			URL:           e.URL,
			Timeout:       e.TimeoutDuration(),
			OnStateChange: m.Breaker,
		}, log)
		if err != nil {
			return nil, err
		}
		m.Breaker("closed")
		inner = h
	default:
		return nil, fmt.Errorf("unknown enrichment.driver: %s", e.Driver)
	}
	return enrich.NewCached(inner, e.TTLDuration(), e.Entries()), nil
}
