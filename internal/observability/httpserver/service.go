// Package httpserver runs the optional ops HTTP endpoint: Prometheus
// metrics, a health check and (opt-in) pprof.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "callbot/internal/runtime/supervisor"
	logx "callbot/pkg/logx"
)

const defaultAddr = "127.0.0.1:9464"

// Config controls the server. A non-loopback Addr needs Token or
// AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return defaultAddr
}

// HealthFunc reports nil while the process is healthy.
type HealthFunc func(ctx context.Context) error

type Service struct {
	log     logx.Logger
	metrics http.Handler
	health  HealthFunc

	mu  sync.Mutex
	cfg Config
	cur *instance
}

// instance is one running server; a config change replaces it whole.
type instance struct {
	cfg Config
	sup *rtsup.Supervisor

	mu sync.Mutex
	ln net.Listener
}

func New(cfg Config, metrics http.Handler, health HealthFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	return &Service{cfg: cfg, metrics: metrics, health: health, log: log}
}

// Addr returns the bound listener address, "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	in := s.cur
	s.mu.Unlock()
	if in == nil {
		return ""
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.ln == nil {
		return ""
	}
	return in.ln.Addr().String()
}

// Start serves the current config if enabled and not already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	s.Reconfigure(ctx, cfg)
}

// Reconfigure starts, stops or restarts the server to match cfg. A change
// that does not affect the listener keeps the running server.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	old := s.cur
	if old != nil && cfg.Enabled && !needsRestart(old.cfg, cfg) {
		s.mu.Unlock()
		return
	}
	s.cur = nil
	s.mu.Unlock()

	if old != nil {
		s.shutdown(ctx, old)
	}
	if !cfg.Enabled {
		return
	}
	if in := s.launch(ctx, cfg); in != nil {
		s.mu.Lock()
		s.cur = in
		s.mu.Unlock()
	}
}

func needsRestart(a, b Config) bool {
	return a.addr() != b.addr() ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.Pprof != b.Pprof ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

// Stop shuts the server down, waiting at most until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	in := s.cur
	s.cur = nil
	s.mu.Unlock()
	if in != nil {
		s.shutdown(ctx, in)
	}
}

func (s *Service) shutdown(ctx context.Context, in *instance) {
	if err := in.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("http server stop incomplete", logx.Err(err))
	}
	s.log.Info("http server stopped", logx.String("addr", in.cfg.addr()))
}

func (s *Service) launch(ctx context.Context, cfg Config) *instance {
	addr := cfg.addr()
	if !IsLoopbackAddr(addr) && cfg.Token == "" {
		if !cfg.AllowInsecure {
			s.log.Error("http server refused: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			return nil
		}
		s.log.Warn("http server exposed without token", logx.String("addr", addr))
	}

	in := &instance{
		cfg: cfg,
		sup: rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log)),
	}
	in.sup.GoRestart("http.serve", func(c context.Context) error {
		return s.serve(c, in)
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return in
}

// serve binds and serves until ctx ends. Bind errors are retried by the
// restart loop.
func (s *Service) serve(ctx context.Context, in *instance) error {
	ln, err := net.Listen("tcp", in.cfg.addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", in.cfg.addr(), err)
	}
	srv := &http.Server{
		Handler:           s.Handler(in.cfg),
		ReadTimeout:       in.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      in.cfg.WriteTimeout,
		IdleTimeout:       in.cfg.IdleTimeout,
	}

	in.mu.Lock()
	in.ln = ln
	in.mu.Unlock()
	defer func() {
		in.mu.Lock()
		in.ln = nil
		in.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.log.Info("http server listening",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", in.cfg.Pprof),
		logx.Bool("token_set", in.cfg.Token != ""),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	return fmt.Errorf("serve: %w", err)
}

// IsLoopbackAddr reports whether host:port binds only a loopback interface.
// An empty host means every interface.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
