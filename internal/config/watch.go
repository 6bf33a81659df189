package config

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "callbot/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Watch reloads the config whenever its file changes and publishes the new
// version to subscribers. It watches the parent directory so atomic
// rename-style saves are seen. A broken watcher is recreated with backoff.
// Watch returns nil when ctx ends.
func (m *ConfigManager) Watch(ctx context.Context) error {
	r := &reloader{m: m, ctx: ctx}
	defer r.stop()

	backoff := watchBackoffMin
	for ctx.Err() == nil {
		healthy, err := m.watchOnce(ctx, r.trigger)
		if ctx.Err() != nil {
			return nil
		}
		if healthy {
			backoff = watchBackoffMin
		}
		m.log.Warn("config watcher restarting", logx.String("path", m.path), logx.Duration("backoff", backoff), logx.Err(err))
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff = min(2*backoff, watchBackoffMax)
	}
	return nil
}

// watchOnce runs a single fsnotify watcher until it fails or ctx ends.
// healthy reports whether the watcher was established at all.
func (m *ConfigManager) watchOnce(ctx context.Context, changed func()) (healthy bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return false, err
	}
	name := filepath.Base(m.path)
	m.log.Debug("config watcher started", logx.String("path", m.path))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) && !ev.Has(fsnotify.Chmod) {
				changed()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("error channel closed")
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				// events may have been lost
				m.log.Warn("config watch overflow; reloading", logx.Err(werr))
				changed()
				continue
			}
			return true, werr
		}
	}
}

// reloader debounces change notifications into a single reload.
type reloader struct {
	m   *ConfigManager
	ctx context.Context

	mu    sync.Mutex
	timer *time.Timer
}

func (r *reloader) trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(reloadDebounce, r.reload)
}

func (r *reloader) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
}

// reload parses and validates the file and commits it only if every check
// passes; a bad edit leaves the running config untouched.
func (r *reloader) reload() {
	if r.ctx.Err() != nil {
		return
	}
	m := r.m
	log := m.log.With(logx.String("path", m.path))

	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config reload: parse failed", logx.Err(err))
		return
	}
	if m.unchanged(cfg) {
		log.Debug("config reload: content unchanged")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Warn("config reload rejected", logx.Err(err))
		return
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(r.ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config reload rejected", logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.broadcast(cfg)
	log.Info("config reloaded")
}
