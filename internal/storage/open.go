package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "callbot/pkg/logx"
)

// Config selects a driver: "file" (JSON Lines next to Path) or "sqlite"
// (modernc.org/sqlite, no cgo). An empty driver or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// PostRecord is one published post.
type PostRecord struct {
	At      time.Time `json:"at"`
	PostID  string    `json:"post_id"`
	ReplyTo string    `json:"reply_to,omitempty"`
	Index   int       `json:"index"`
	Total   int       `json:"total"`
	Driver  string    `json:"driver"`
	Text    string    `json:"text"`
}

// Store persists post history and, optionally, dedup state.
type Store interface {
	AppendPost(ctx context.Context, p PostRecord) error
	RecentPosts(ctx context.Context, limit int) ([]PostRecord, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open returns (nil, nil) when storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Path = strings.TrimSpace(cfg.Path)
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage %s: path is required", driver)
	}
	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}
