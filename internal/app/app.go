package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"callbot/internal/config"
	"callbot/internal/enrich"
	"callbot/internal/eventbus"
	"callbot/internal/metrics"
	"callbot/internal/observability/httpserver"
	"callbot/internal/pipeline"
	"callbot/internal/publish"
	rtsup "callbot/internal/runtime/supervisor"
	"callbot/internal/schedule"
	"callbot/internal/source"
	"callbot/internal/storage"
	logx "callbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics
	http    *httpserver.Service

	publisher publish.Publisher // nil in dry run without credentials
	verified  bool              // publisher passed Verify; guards leaving dry run
	gateway   enrich.Gateway
	pipe      *pipeline.Pipeline
	runner    *pipeline.Runner

	mode       string
	poller     *source.Poller
	socket     *source.Socket
	sched      *schedule.Scheduler
	stopSource context.CancelFunc
}

// NewApp loads the config and builds every component. Nothing touches the
// network until Start.
func NewApp(cfgm *config.ConfigManager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(loggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	m := metrics.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return fail(err)
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fail(err)
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	pub, err := buildPublisher(cfg, log.With(logx.String("comp", "publisher")))
	if err != nil {
		return fail(err)
	}
	gw, err := buildGateway(cfg, m, log.With(logx.String("comp", "enrich")))
	if err != nil {
		return fail(err)
	}
	settings, err := pipelineSettings(cfg)
	if err != nil {
		return fail(err)
	}

	dedup := pipeline.NewDedup(settings.DedupRetention, cfg.Pipeline.DedupEntries())
	if cfg.Pipeline.PersistDedup && store != nil {
		dedup.WithStore(store, log.With(logx.String("comp", "dedup")))
	}
	pipeLog := log.With(logx.String("comp", "pipeline"))
	pipe := pipeline.New(pipeline.Options{
		Settings: settings,
		Dedup:    dedup,
		Chain:    buildChain(cfg, pub, log.With(logx.String("comp", "publish"))),
		Gateway:  gw,
		Store:    store,
		Bus:      bus,
		Metrics:  m,
		Log:      pipeLog,
	})

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		metrics:   m,
		publisher: pub,
		gateway:   gw,
		pipe:      pipe,
		runner:    pipeline.NewRunner(pipe, cfg.Pipeline.QueueSizeOrDefault(), m, pipeLog),
		mode:      cfg.Source.ModeOrDefault(),
	}
	a.http = httpserver.New(httpConfig(cfg), m.Handler(), a.health, log.With(logx.String("comp", "http")))

	srcLog := log.With(logx.String("comp", "source"))
	switch a.mode {
	case "socket":
		a.socket = buildSocket(cfg, srcLog)
	default:
		a.poller = buildPoller(cfg, srcLog)
		loc, _ := cfg.Pipeline.Location()
		a.sched = schedule.New(log.With(logx.String("comp", "scheduler")), loc)
	}
	return a, nil
}

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health(context.Context) error {
	if a.sup == nil {
		return errors.New("not started")
	}
	return a.sup.Err()
}

// Start verifies publisher credentials, then starts the pipeline, the event
// source and the ops server. A credential failure aborts startup.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	if a.publisher != nil && !cfg.Pipeline.DryRun {
		vctx, cancel := context.WithTimeout(ctx, cfg.Publisher.TimeoutDuration())
		err := a.publisher.Verify(vctx)
		cancel()
		if err != nil {
			return fmt.Errorf("publisher %s: verify credentials: %w", a.publisher.Name(), err)
		}
		a.log.Info("publisher verified", logx.String("driver", a.publisher.Name()))
		a.verified = true
	}

	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		_, err := pipelineSettings(c)
		return err
	})

	a.runner.Start(a.sup.Context())
	if a.store != nil && cfg.Pipeline.PersistDedup {
		a.sup.Go0("dedup.persist", a.pipe.Dedup().Run)
	}

	srcCtx, stopSource := context.WithCancel(a.sup.Context())
	a.stopSource = stopSource
	switch {
	case a.socket != nil:
		a.sup.GoRestart("source.socket", func(context.Context) error {
			return a.socket.Run(srcCtx, a.runner)
		}, rtsup.WithRestartBackoff(time.Second, time.Minute), rtsup.WithStopOnCleanExit(true))
	case a.poller != nil:
		spec, err := schedule.Parse(cfg.Source.ScheduleOrDefault())
		if err != nil {
			return err
		}
		if err := a.poller.Schedule(a.sched, spec, a.runner); err != nil {
			return err
		}
		a.sched.Start(srcCtx)
	}

	a.http.Reconfigure(a.sup.Context(), httpConfig(cfg))

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", a.watchdogLoop)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.String("mode", a.mode),
		logx.String("system", cfg.Source.System),
		logx.Bool("dry_run", cfg.Pipeline.DryRun),
		logx.String("publisher", cfg.Publisher.DriverOrDefault()),
	)
	return nil
}

// applyConfig fans a committed config out to the hot-reloadable components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	a.sdNotify(daemon.SdNotifyReloading)
	defer a.sdNotify(daemon.SdNotifyReady)

	a.logs.Apply(loggingConfig(next))

	if settings, err := pipelineSettings(next); err != nil {
		a.log.Warn("invalid pipeline config; keeping previous", logx.Err(err))
	} else {
		if !settings.DryRun && !a.canGoLive(ctx, next) {
			settings.DryRun = true
			restart = append(restart, "pipeline.dry_run")
		}
		a.pipe.Apply(settings)
	}
	a.http.Reconfigure(ctx, httpConfig(next))

	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config reloaded", fields...)
}

// canGoLive verifies the publisher the first time a reload turns dry run off.
// Without a publisher the process must restart with credentials.
func (a *App) canGoLive(ctx context.Context, cfg *config.Config) bool {
	if a.verified {
		return true
	}
	if a.publisher == nil {
		a.log.Warn("dry_run disabled but no publisher was built; staying in dry run")
		return false
	}
	vctx, cancel := context.WithTimeout(ctx, cfg.Publisher.TimeoutDuration())
	defer cancel()
	if err := a.publisher.Verify(vctx); err != nil {
		a.log.Warn("dry_run disabled but publisher verify failed; staying in dry run",
			logx.String("driver", a.publisher.Name()), logx.Err(err))
		return false
	}
	a.log.Info("publisher verified", logx.String("driver", a.publisher.Name()))
	a.verified = true
	return true
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Stop intake first so the runner can drain what is already queued.
	step("source", 2*time.Second, func(c context.Context) error {
		if a.stopSource != nil {
			a.stopSource()
		}
		if a.sched != nil {
			return a.sched.Stop(c)
		}
		return nil
	})
	step("runner", 5*time.Second, func(c context.Context) error { a.runner.Stop(c); return nil })

	a.sup.Cancel()
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
