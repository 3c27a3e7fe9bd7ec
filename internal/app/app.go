// Package app wires the alert engine to its configuration, storage,
// transports and background jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crowdalert/internal/config"
	"crowdalert/internal/dispatch"
	"crowdalert/internal/engine"
	"crowdalert/internal/eventbus"
	"crowdalert/internal/httpapi"
	"crowdalert/internal/ingest"
	"crowdalert/internal/lifecycle"
	"crowdalert/internal/prefs"
	"crowdalert/internal/routing"
	rtsup "crowdalert/internal/runtime/supervisor"
	"crowdalert/internal/storage"
	"crowdalert/internal/transport/telegram"
	logx "crowdalert/pkg/logx"
	"crowdalert/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	prefs  *prefs.Store
	engine *engine.Engine
	disp   *dispatch.Service
	lc     *lifecycle.Service
	http   *httpapi.Server
	kafka  *ingest.KafkaSource
	relay  *telegram.Relay
}

// New loads the config file and builds every component. Nothing runs until
// Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg), nil)
	a := &App{
		cfgm: cfgm,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
	}
	if err := a.build(ctx, cfg, log); err != nil {
		_ = a.closeStore()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	if sc, enabled, _ := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	a.prefs = prefs.Open(ctx, a.store, a.bus, log.With(logx.String("comp", "prefs")))

	dc, _ := mapDispatchConfig(cfg)
	a.disp = dispatch.New(dc, log.With(logx.String("comp", "dispatch")), a.bus)
	cues := dispatch.LogPresenter{Log: log.With(logx.String("comp", "cue"))}
	a.disp.Register("cue", cues,
		routing.PlayCriticalSound, routing.PlayWarningSound, routing.ShowToast, routing.ShowBanner, routing.HubOnly)

	ec, _ := mapEngineConfig(cfg)
	a.engine = engine.New(ec, a.prefs,
		engine.WithDispatcher(a.disp),
		engine.WithBus(a.bus),
		engine.WithLogger(log.With(logx.String("comp", "engine"))),
	)

	lcc, _ := mapLifecycleConfig(cfg)
	a.lc = lifecycle.New(lcc, a.engine, log.With(logx.String("comp", "lifecycle")))

	if tc, banners, _ := mapTelegramConfig(cfg); tc.Enabled {
		relay, err := telegram.New(tc, a.engine, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return err
		}
		a.relay = relay
		if banners {
			a.disp.Register("telegram", relay, routing.ShowBanner)
		}
		a.logs.SetSender(relay)
	}

	if kc, _ := mapKafkaConfig(cfg); kc.Enabled {
		src, err := ingest.NewKafkaSource(kc, a.engine, log.With(logx.String("comp", "kafka")))
		if err != nil {
			return err
		}
		a.kafka = src
	}

	if hc, enabled, _ := mapHTTPConfig(cfg); enabled {
		deps := httpapi.Deps{
			Engine:     a.engine,
			Prefs:      a.prefs,
			Deliveries: a.disp,
			Loops:      a.loops,
			Jobs:       a.lc.Snapshot,
		}
		if a.store != nil {
			deps.Audit = a.store
		}
		srv, err := httpapi.New(hc, deps, log)
		if err != nil {
			return err
		}
		a.http = srv
	}
	return nil
}

// loops collects supervisor snapshots from every running component.
func (a *App) loops() []rtsup.LoopStats {
	var out []rtsup.LoopStats
	for _, s := range []*rtsup.Supervisor{a.sup, a.disp.Supervisor(), a.relaySup(), a.kafkaSup(), a.httpSup()} {
		if s != nil {
			out = append(out, s.Snapshot()...)
		}
	}
	return out
}

func (a *App) relaySup() *rtsup.Supervisor {
	if a.relay == nil {
		return nil
	}
	return a.relay.Supervisor()
}

func (a *App) kafkaSup() *rtsup.Supervisor {
	if a.kafka == nil {
		return nil
	}
	return a.kafka.Supervisor()
}

func (a *App) httpSup() *rtsup.Supervisor {
	if a.http == nil {
		return nil
	}
	return a.http.Supervisor()
}

func (a *App) Engine() *engine.Engine { return a.engine }

// HTTPAddr is the bound control surface address, empty when disabled.
func (a *App) HTTPAddr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the engine loop first and the ingress transports last.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.sup.Go("engine", a.engine.Run)
	if a.disp.Enabled() {
		a.disp.Start(c)
	}
	if err := a.lc.Start(c); err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}
	changes, unsubscribe := a.prefs.Subscribe(4)
	a.sup.Go("lifecycle.follow", func(ctx context.Context) error {
		defer unsubscribe()
		return a.lc.Follow(ctx, changes)
	})

	if a.relay != nil {
		if err := a.relay.Start(c); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
	}
	if a.kafka != nil {
		a.kafka.Start(c)
	}
	if a.http != nil {
		if err := a.http.Start(c); err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(ctx context.Context) error {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(ctx context.Context) error {
		if err := systemd.Watchdog(ctx); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
		return nil
	})

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.String("http", a.HTTPAddr()), logx.Bool("kafka", a.kafka != nil), logx.Bool("telegram", a.relay != nil))
	return nil
}

// reloadLoop applies committed config changes. Restart-only sections are
// reported and left alone.
func (a *App) reloadLoop(ctx context.Context) error {
	sub, unsubscribe := a.cfgm.Subscribe(4)
	defer unsubscribe()
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			change := config.Diff(last, next)
			last = next
			if change.Empty() {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			a.apply(ctx, next, change)
			fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
			a.log.Info("config reloaded", fields...)
			if len(change.Restart) > 0 {
				a.log.Warn("config sections changed that need a restart", logx.Strings("sections", change.Restart))
			}
			_, _ = systemd.Reloaded("config reloaded: " + strings.Join(change.Sections, ","))
		}
	}
}

func (a *App) apply(ctx context.Context, cfg *config.Config, change config.Change) {
	if change.Has("logging") {
		a.logs.Apply(mapLogging(cfg))
	}
	if change.Has("lifecycle") {
		if lcc, err := mapLifecycleConfig(cfg); err != nil {
			a.log.Warn("invalid lifecycle config; keeping previous", logx.Err(err))
		} else if err := a.lc.Apply(lcc); err != nil {
			a.log.Warn("lifecycle apply failed", logx.Err(err))
		}
	}
	if change.Has("dispatch") {
		dc, err := mapDispatchConfig(cfg)
		if err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			wasEnabled := a.disp.Enabled()
			a.disp.Apply(dc)
			switch {
			case wasEnabled && !dc.Enabled:
				a.log.Info("dispatch disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.disp.Stop(stopCtx)
				cancel()
			case !wasEnabled && dc.Enabled:
				a.log.Info("dispatch enabled via config")
				a.disp.Start(ctx)
			}
		}
	}
	if change.Has("kafka") && a.kafka != nil {
		if kc, err := mapKafkaConfig(cfg); err == nil && kc.Enabled {
			a.kafka.Apply(kc)
		}
	}
}

// Stop drains in reverse start order: ingress first, storage and logging
// last. Each step is bounded so one component cannot stall shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 6*time.Second, func(c context.Context) error {
		if a.http == nil {
			return nil
		}
		return a.http.Stop(c)
	})
	step("kafka", 3*time.Second, func(c context.Context) error {
		if a.kafka == nil {
			return nil
		}
		return a.kafka.Stop(c)
	})
	step("telegram", 3*time.Second, func(c context.Context) error {
		if a.relay == nil {
			return nil
		}
		return a.relay.Stop(c)
	})
	step("lifecycle", 2*time.Second, func(context.Context) error { a.lc.Stop(); return nil })

	// The engine, config watcher and followers exit with the app context.
	a.sup.Cancel()
	step("dispatch", 3*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped")
	if err := a.logs.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
