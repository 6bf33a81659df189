package config

import (
	"context"
	"os"
	"sync"

	logx "callbot/pkg/logx"
)

// ConfigManager holds the committed config and hands new versions to
// subscribers after a successful reload.
type ConfigManager struct {
	path   string
	lookup LookupFunc
	log    logx.Logger

	validator func(ctx context.Context, cfg *Config) error

	mu      sync.RWMutex
	current *Config
	sum     uint64

	// subMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path:   path,
		lookup: os.LookupEnv,
		subs:   make(map[chan *Config]struct{}),
	}
}

// SetEnvLookup replaces the environment source used for overrides (tests).
func (m *ConfigManager) SetEnvLookup(fn LookupFunc) { m.lookup = fn }

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs an extra check run by Watch before a reload commits.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the file and applies environment overrides. It does not
// validate or commit.
func (m *ConfigManager) Parse() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(m.path, data)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, m.lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses, validates and commits the config file.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	sum := fingerprint(cfg)
	m.mu.Lock()
	m.current, m.sum = cfg, sum
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *ConfigManager) unchanged(cfg *Config) bool {
	sum := fingerprint(cfg)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sum != 0 && sum == m.sum
}

// Subscribe returns a channel receiving every committed reload. A slow
// subscriber loses older versions, never the newest.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *ConfigManager) broadcast(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		if offerLatest(ch, cfg) {
			continue
		}
		m.log.Debug("config update dropped for slow subscriber", logx.Int("cap", cap(ch)))
	}
}

// offerLatest delivers v, discarding the oldest queued value if ch is full.
func offerLatest(ch chan *Config, v *Config) bool {
	select {
	case ch <- v:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
		return true
	default:
		return false
	}
}
