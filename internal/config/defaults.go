package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"callbot/internal/render"
	"callbot/internal/schedule"
)

// Defaults applied when a field is omitted.
const (
	DefaultBaseURL       = "https://api.openmhz.com"
	DefaultSocketURL     = "wss://api.openmhz.com/socket.io/"
	DefaultTimezone      = "US/Pacific"
	DefaultWindowMinutes = 5
	DefaultCallThreshold = 1.0
	DefaultMaxAge        = 30 * time.Minute
	DefaultLookback      = 5 * time.Minute
	DefaultLag           = 45 * time.Second
	DefaultPadding       = 20
	DefaultMaxLen        = 280
	DefaultDedupEntries  = 100
	DefaultQueueSize     = 64
	DefaultMaxPosts      = 50
	DefaultRateWindow    = 15 * time.Minute
	DefaultMetricsAddr   = "127.0.0.1:9464"
	DefaultHashtags      = "#SeattleProtestComms #ProtestCommsSeattle"
)

// Default returns a config that runs the poller against the original feed in dry-run mode.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Source: SourceConfig{
			Mode:        "poll",
			System:      "kcers1b",
			FilterType:  "talkgroup",
			FilterCodes: []int{44912, 45040, 45112, 45072, 45136},
			Schedule:    "30s",
		},
		Pipeline:  PipelineConfig{DryRun: true},
		Publisher: PublisherConfig{Driver: "none"},
	}
}

func (s SourceConfig) ModeOrDefault() string {
	m := strings.ToLower(strings.TrimSpace(s.Mode))
	if m == "" {
		return "poll"
	}
	return m
}

func (s SourceConfig) BaseURLOrDefault() string {
	if u := strings.TrimRight(strings.TrimSpace(s.BaseURL), "/"); u != "" {
		return u
	}
	return DefaultBaseURL
}

func (s SourceConfig) SocketURLOrDefault() string {
	if u := strings.TrimSpace(s.SocketURL); u != "" {
		return u
	}
	return DefaultSocketURL
}

func (s SourceConfig) ScheduleOrDefault() string {
	if v := strings.TrimSpace(s.Schedule); v != "" {
		return v
	}
	return "30s"
}

func (s SourceConfig) LookbackDuration() time.Duration {
	return durationOr(s.Lookback, DefaultLookback)
}

func (s SourceConfig) LagDuration() time.Duration {
	return durationOr(s.Lag, DefaultLag)
}

func (s SourceConfig) TimeoutDuration() time.Duration {
	return durationOr(s.Timeout, 10*time.Second)
}

// Location loads the configured zone; callers should Validate first.
func (p PipelineConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(p.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	return time.LoadLocation(tz)
}

func (p PipelineConfig) Window() time.Duration {
	if p.WindowMinutes <= 0 {
		return DefaultWindowMinutes * time.Minute
	}
	return time.Duration(p.WindowMinutes) * time.Minute
}

func (p PipelineConfig) Threshold() float64 {
	if p.CallThreshold == nil {
		return DefaultCallThreshold
	}
	return *p.CallThreshold
}

func (p PipelineConfig) MaxAgeDuration() time.Duration {
	return durationOr(p.MaxAge, DefaultMaxAge)
}

func (p PipelineConfig) Footer() string {
	if v := strings.TrimSpace(p.Hashtags); v != "" {
		return v
	}
	return DefaultHashtags
}

func (p PipelineConfig) PaddingOrDefault() int {
	if p.Padding <= 0 {
		return DefaultPadding
	}
	return p.Padding
}

func (p PipelineConfig) MaxLenOrDefault() int {
	if p.MaxLen <= 0 {
		return DefaultMaxLen
	}
	return p.MaxLen
}

// DedupRetentionFor returns the dedup retention widened by the source lag.
func (p PipelineConfig) DedupRetentionFor(lag time.Duration) time.Duration {
	return durationOr(p.DedupRetention, 5*time.Minute) + lag
}

func (p PipelineConfig) DedupEntries() int {
	if p.DedupMaxEntries <= 0 {
		return DefaultDedupEntries
	}
	return p.DedupMaxEntries
}

func (p PipelineConfig) QueueSizeOrDefault() int {
	if p.QueueSize <= 0 {
		return DefaultQueueSize
	}
	return p.QueueSize
}

func (p PublisherConfig) DriverOrDefault() string {
	d := strings.ToLower(strings.TrimSpace(p.Driver))
	if d == "" {
		return "none"
	}
	return d
}

func (p PublisherConfig) TimeoutDuration() time.Duration {
	return durationOr(p.Timeout, 15*time.Second)
}

func (r RateConfig) Limits() (int, time.Duration) {
	n := r.MaxPosts
	if n <= 0 {
		n = DefaultMaxPosts
	}
	return n, durationOr(r.Window, DefaultRateWindow)
}

func (e EnrichmentConfig) DriverOrDefault() string {
	d := strings.ToLower(strings.TrimSpace(e.Driver))
	if d == "" {
		return "none"
	}
	return d
}

func (e EnrichmentConfig) TimeoutDuration() time.Duration {
	return durationOr(e.Timeout, 2*time.Second)
}

func (e EnrichmentConfig) TTLDuration() time.Duration {
	return durationOr(e.TTL, 12*time.Hour)
}

func (e EnrichmentConfig) Entries() int {
	if e.MaxEntries <= 0 {
		return 100
	}
	return e.MaxEntries
}

func (m MetricsConfig) AddrOrDefault() string {
	if a := strings.TrimSpace(m.Addr); a != "" {
		return a
	}
	return DefaultMetricsAddr
}

// ParseDuration reads an optional duration key. An empty value yields 0. A
// bare number is taken as seconds, matching the *_S environment overrides.
func ParseDuration(key, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		n, nerr := strconv.ParseFloat(s, 64)
		if nerr != nil || math.IsNaN(n) || math.IsInf(n, 0) || math.Abs(n) > math.MaxInt64/float64(time.Second) {
			return 0, fmt.Errorf("%s: %q is not a duration (want e.g. 45s or 5m)", key, raw)
		}
		d = time.Duration(n * float64(time.Second))
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %q is negative", key, raw)
	}
	return d, nil
}

// durationOr is the accessor form of ParseDuration for validated configs:
// unset, zero or unparsable values fall back to def.
func durationOr(raw string, def time.Duration) time.Duration {
	d, err := ParseDuration("", raw)
	if err != nil || d == 0 {
		return def
	}
	return d
}

// Validate rejects configs that would fail at runtime. It is used at startup
// and before every hot reload commit.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch c.Source.ModeOrDefault() {
	case "poll":
		if _, err := schedule.Parse(c.Source.ScheduleOrDefault()); err != nil {
			errs = append(errs, fmt.Errorf("source.schedule: %w", err))
		}
	case "socket":
	default:
		errs = append(errs, fmt.Errorf("source.mode: unknown mode %q", c.Source.Mode))
	}
	if strings.TrimSpace(c.Source.System) == "" {
		errs = append(errs, errors.New("source.system is required"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Source.FilterType)) {
	case "", "talkgroup":
		if len(c.Source.FilterCodes) == 0 {
			errs = append(errs, errors.New("source.filter_codes is required for talkgroup filter"))
		}
	case "group":
		if strings.TrimSpace(c.Source.FilterGroup) == "" {
			errs = append(errs, errors.New("source.filter_group is required for group filter"))
		}
	default:
		errs = append(errs, fmt.Errorf("source.filter_type: unknown type %q", c.Source.FilterType))
	}
	for path, raw := range map[string]string{
		"source.lookback":          c.Source.Lookback,
		"source.lag":               c.Source.Lag,
		"source.timeout":           c.Source.Timeout,
		"pipeline.max_age":         c.Pipeline.MaxAge,
		"pipeline.dedup_retention": c.Pipeline.DedupRetention,
		"publisher.timeout":        c.Publisher.Timeout,
		"publisher.rate.window":    c.Publisher.Rate.Window,
		"enrichment.timeout":       c.Enrichment.Timeout,
		"enrichment.ttl":           c.Enrichment.TTL,
	} {
		if _, err := ParseDuration(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Storage != nil {
		if _, err := ParseDuration("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := c.Pipeline.Location(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.timezone: %w", err))
	}
	if c.Pipeline.CallThreshold != nil && *c.Pipeline.CallThreshold < 0 {
		errs = append(errs, errors.New("pipeline.call_threshold must be >= 0"))
	}
	if c.Pipeline.Padding < 0 || c.Pipeline.PaddingOrDefault() >= c.Pipeline.MaxLenOrDefault()/2 {
		errs = append(errs, errors.New("pipeline.padding must leave room for at least half a post"))
	} else if c.Pipeline.Padding > 0 && c.Pipeline.Padding < render.MinPadding {
		errs = append(errs, fmt.Errorf("pipeline.padding must be at least %d", render.MinPadding))
	} else if err := (render.Options{
		Footer:  c.Pipeline.Footer(),
		MaxLen:  c.Pipeline.MaxLenOrDefault(),
		Padding: c.Pipeline.PaddingOrDefault(),
	}).Check(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.hashtags: %w", err))
	}

	switch c.Publisher.DriverOrDefault() {
	case "none":
		if !c.Pipeline.DryRun {
			errs = append(errs, errors.New("publisher.driver none requires pipeline.dry_run"))
		}
	case "telegram":
		if !c.Pipeline.DryRun {
			if strings.TrimSpace(c.Publisher.Telegram.Token) == "" {
				errs = append(errs, errors.New("publisher.telegram.token is required"))
			}
			if c.Publisher.Telegram.ChatID == 0 {
				errs = append(errs, errors.New("publisher.telegram.chat_id is required"))
			}
		}
	case "twitter":
		tw := c.Publisher.Twitter
		if !c.Pipeline.DryRun && (tw.ConsumerKey == "" || tw.ConsumerSecret == "" || tw.AccessToken == "" || tw.AccessSecret == "") {
			errs = append(errs, errors.New("publisher.twitter credentials are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("publisher.driver: unknown driver %q", c.Publisher.Driver))
	}

	switch c.Enrichment.DriverOrDefault() {
	case "none":
	case "static":
		if strings.TrimSpace(c.Enrichment.Path) == "" {
			errs = append(errs, errors.New("enrichment.path is required for static driver"))
		}
	case "http":
		if strings.TrimSpace(c.Enrichment.URL) == "" {
			errs = append(errs, errors.New("enrichment.url is required for http driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("enrichment.driver: unknown driver %q", c.Enrichment.Driver))
	}

	if c.Metrics.Enabled {
		host, _, err := net.SplitHostPort(c.Metrics.AddrOrDefault())
		if err != nil {
			errs = append(errs, fmt.Errorf("metrics.addr: %w", err))
		} else if !isLoopback(host) && strings.TrimSpace(c.Metrics.Token) == "" && !c.Metrics.AllowInsecure {
			errs = append(errs, errors.New("metrics.addr is not loopback; set metrics.token or metrics.allow_insecure"))
		}
	}
	return errors.Join(errs...)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
