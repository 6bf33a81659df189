package config

// Config is the root of the config file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "45s", "5m").
// Unknown keys are rejected so typos surface at load/reload time.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Source     SourceConfig     `json:"source"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Publisher  PublisherConfig  `json:"publisher"`
	Enrichment EnrichmentConfig `json:"enrichment,omitempty"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Metrics    MetricsConfig    `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SourceConfig selects and configures the event source adapter.
//
// Mode values:
//   - "poll" (default): periodic GET of {base_url}/{system}/calls/newer
//   - "socket": long-lived socket.io connection to socket_url
type SourceConfig struct {
	Mode    string `json:"mode"`
	BaseURL string `json:"base_url,omitempty"` // default: https://api.openmhz.com
	System  string `json:"system"`             // OpenMHz short name, e.g. "kcers1b"

	FilterType  string `json:"filter_type,omitempty"` // "talkgroup" | "group"
	FilterCodes []int  `json:"filter_codes,omitempty"`
	FilterGroup string `json:"filter_group,omitempty"` // group id when filter_type is "group"

	// Schedule for poll mode: cron ("*/1 * * * *"), duration ("30s") or HH:MM.
	Schedule string `json:"schedule,omitempty"`
	// Lookback widens every poll window; Lag compensates upstream indexing delay.
	Lookback string `json:"lookback,omitempty"` // default: 5m
	Lag      string `json:"lag,omitempty"`      // default: 45s
	Timeout  string `json:"timeout,omitempty"`  // per request, default: 10s

	SocketURL string `json:"socket_url,omitempty"` // default: wss://api.openmhz.com/socket.io/
}

// PipelineConfig holds the hot-reloadable knobs of the event-to-post pipeline.
type PipelineConfig struct {
	Timezone      string   `json:"timezone,omitempty"`       // default: US/Pacific
	WindowMinutes int      `json:"window_minutes,omitempty"` // default: 5
	CallThreshold *float64 `json:"call_threshold,omitempty"` // default: 1
	MaxAge        string   `json:"max_age,omitempty"`        // default: 30m
	DryRun        bool     `json:"dry_run"`

	Hashtags string `json:"hashtags,omitempty"`
	Padding  int    `json:"padding,omitempty"` // default: 20
	MaxLen   int    `json:"max_len,omitempty"` // default: 280

	DedupRetention  string `json:"dedup_retention,omitempty"`   // default: 5m (+ source lag)
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"` // default: 100
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	QueueSize int `json:"queue_size,omitempty"` // default: 64
}

// PublisherConfig selects the platform driver.
//
// Driver values: "telegram", "twitter", "none" (only valid together with dry_run).
type PublisherConfig struct {
	Driver   string         `json:"driver"`
	Rate     RateConfig     `json:"rate,omitempty"`
	Timeout  string         `json:"timeout,omitempty"` // per publish call, default: 15s
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Twitter  TwitterConfig  `json:"twitter,omitempty"`
}

// RateConfig caps posts per rolling window (token bucket). Defaults: 50 per 15m.
type RateConfig struct {
	MaxPosts int    `json:"max_posts,omitempty"`
	Window   string `json:"window,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type TwitterConfig struct {
	BaseURL        string `json:"base_url,omitempty"` // default: https://api.twitter.com
	ConsumerKey    string `json:"consumer_key,omitempty"`
	ConsumerSecret string `json:"consumer_secret,omitempty"`
	AccessToken    string `json:"access_token,omitempty"`
	AccessSecret   string `json:"access_secret,omitempty"`
}

// EnrichmentConfig configures the best-effort participant name lookup.
//
// Driver values: "none" (default), "static" (path to a YAML/JSON id->info file),
// "http" (GET {url}?ids=a,b).
type EnrichmentConfig struct {
	Driver     string `json:"driver,omitempty"`
	Path       string `json:"path,omitempty"`
	URL        string `json:"url,omitempty"`
	Timeout    string `json:"timeout,omitempty"`     // default: 2s
	TTL        string `json:"ttl,omitempty"`         // default: 12h
	MaxEntries int    `json:"max_entries,omitempty"` // default: 100
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/callbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// MetricsConfig controls the optional HTTP server exposing /metrics, /healthz and pprof.
//
// Security note: prefer binding to localhost. A non-loopback address requires
// a token or allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // optional bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
