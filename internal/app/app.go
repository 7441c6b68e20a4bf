package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"chatrelay/internal/broadcast"
	"chatrelay/internal/config"
	"chatrelay/internal/conversation"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/inference"
	"chatrelay/internal/observability/health"
	"chatrelay/internal/persona"
	"chatrelay/internal/registry"
	"chatrelay/internal/router"
	rtsup "chatrelay/internal/runtime/supervisor"
	"chatrelay/internal/scheduler"
	"chatrelay/internal/storage"
	"chatrelay/internal/transport"
	"chatrelay/internal/transport/telegram"
	logx "chatrelay/pkg/logx"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

const (
	jobConversationSweep = "conversation.sweep"
	jobRegistryCleanup   = "registry.cleanup"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter

	reg       *registry.Registry
	ai        *inference.Client
	persona   *persona.Persona
	history   *conversation.Store
	orch      *conversation.Orchestrator
	engine    *broadcast.Engine
	broadcast *broadcast.Service
	sched     *scheduler.Service
	router    *router.Router
	health    *health.Service

	// inactiveAfter is read by the registry cleanup job on every run.
	inactiveAfter atomic.Int64

	updates chan transport.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMappings(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfigurationInvalid, err)
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	tcfg, _ := mapTelegramConfig(cfg)
	ad, err := telegram.New(tcfg, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New applies immediately; enabling Telegram delivery before the
	// target is set would warn, so bootstrap with it off.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetTelegramTarget(logTarget(cfg), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, _ := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		log.Info("storage disabled; registry is memory-only")
	}

	reg := registry.New(store,
		registry.WithLogger(log.With(logx.String("comp", "registry"))),
		registry.WithBus(bus))

	aiOpts, _ := mapInferenceOptions(cfg)
	ai, err := inference.NewClient(cfg.Inference.APIKeys, inference.NewGeminiFactory(), aiOpts,
		inference.WithLogger(log.With(logx.String("comp", "inference"))),
		inference.WithBus(bus))
	if err != nil {
		closeQuietly(store)
		_ = logSvc.Close()
		return nil, err
	}

	pcfg, _ := mapPersonaConfig(cfg)
	pers := persona.New(pcfg)

	conv, _ := mapConversationConfig(cfg)
	history := conversation.NewStore(conv.Store)
	orch := conversation.NewOrchestrator(history, ai, pers, persona.Detector{}, conv.Orchestrator,
		conversation.WithLogger(log.With(logx.String("comp", "conversation"))))

	engOpts, svcOpts, _ := mapBroadcastConfig(cfg)
	eng := broadcast.NewEngine(ad, engOpts,
		broadcast.WithEngineLogger(log.With(logx.String("comp", "broadcast.engine"))))
	bsvc := broadcast.NewService(eng, reg, store, svcOpts,
		broadcast.WithLogger(log.With(logx.String("comp", "broadcast"))),
		broadcast.WithBus(bus))

	sched := scheduler.New(scheduler.Config{Timezone: cfg.Persona.Timezone},
		log.With(logx.String("comp", "scheduler")), bus)

	rt := router.New(router.Deps{
		Sender:    ad,
		Responder: orch,
		History:   history,
		Registry:  reg,
		Broadcast: bsvc,
		AI:        ai,
	}, mapRouterOptions(cfg), log.With(logx.String("comp", "router")))

	hcfg, _ := mapHealthConfig(cfg)
	hs := health.New(hcfg, health.Info{
		Service:  "chatrelay",
		Version:  Version,
		BotName:  pers.Name(),
		Owner:    cfg.Persona.OwnerName,
		Features: []string{"conversation", "broadcast", "registry", "key_rotation", "circuit_breaker"},
	}, log.With(logx.String("comp", "health")),
		health.WithProbe("inference", func() (any, bool) {
			st := ai.Stats()
			return st, !st.CircuitOpen
		}),
		health.WithProbe("registry", func() (any, bool) { return reg.Stats(), true }),
		health.WithProbe("conversation", func() (any, bool) { return history.Stats(), true }),
		health.WithProbe("broadcast", func() (any, bool) { return bsvc.Stats(), true }),
	)

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   ad,
		reg:       reg,
		ai:        ai,
		persona:   pers,
		history:   history,
		orch:      orch,
		engine:    eng,
		broadcast: bsvc,
		sched:     sched,
		router:    rt,
		health:    hs,
		updates:   make(chan transport.Update, 256),
	}
	rs, _ := mapRegistryConfig(cfg)
	a.inactiveAfter.Store(int64(rs.InactiveAfter))

	if err := a.schedule(conv.SweepSchedule, rs.CleanupSchedule); err != nil {
		closeQuietly(store)
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// schedule (re)registers the housekeeping jobs. A schedule of "off"
// removes the job.
func (a *App) schedule(sweep, cleanup string) error {
	sweeper := conversation.NewSweeper(a.history, a.log.With(logx.String("comp", "conversation.sweep")), a.bus)
	if _, err := a.sched.AddSchedule(jobConversationSweep, sweep, time.Minute, sweeper.Run); err != nil {
		return fmt.Errorf("conversation.sweep_schedule: %w", err)
	}
	if _, err := a.sched.AddSchedule(jobRegistryCleanup, cleanup, 2*time.Minute, a.cleanupRegistry); err != nil {
		return fmt.Errorf("registry.cleanup_schedule: %w", err)
	}
	return nil
}

func (a *App) cleanupRegistry(ctx context.Context) error {
	n := a.reg.CleanupInactive(ctx, time.Duration(a.inactiveAfter.Load()))
	if n > 0 {
		a.log.Info("inactive chats marked", logx.Int("count", n))
	}
	return ctx.Err()
}

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

func (a *App) Start(ctx context.Context) error {
	if err := a.reg.Load(ctx); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMappings(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())
	a.health.Start(a.sup.Context())

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("router.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.router.UpdateMenu(mctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	})

	// Log events for observability/debug (components can also subscribe themselves).
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

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
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("version", Version),
		logx.String("bot", a.persona.Name()),
		logx.Int("chats", a.reg.Stats().TotalChats))
	return nil
}

// applyConfig fans a committed config out to every component. Mappers were
// already run by the validator, so errors here only mean a race with a
// newer file and the previous settings are kept.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, field := range config.RestartRequired(oldCfg, newCfg) {
		a.log.Warn("config change requires restart", logx.String("field", field))
	}

	// Update the log target first so Apply() doesn't warn when Telegram
	// logging is enabled.
	a.logs.SetTelegramTarget(logTarget(newCfg), newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLoggingConfig(newCfg))

	a.router.Apply(mapRouterOptions(newCfg))

	if opts, err := mapInferenceOptions(newCfg); err != nil {
		a.log.Warn("invalid inference config; keeping previous", logx.Err(err))
	} else {
		a.ai.Apply(opts)
	}
	if pcfg, err := mapPersonaConfig(newCfg); err != nil {
		a.log.Warn("invalid persona config; keeping previous", logx.Err(err))
	} else {
		a.persona.Apply(pcfg)
	}
	a.sched.Apply(scheduler.Config{Timezone: newCfg.Persona.Timezone})

	conv, err := mapConversationConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid conversation config; keeping previous", logx.Err(err))
	} else {
		a.history.Apply(conv.Store)
		a.orch.Apply(conv.Orchestrator)
	}

	if engOpts, svcOpts, err := mapBroadcastConfig(newCfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(engOpts)
		a.broadcast.Apply(svcOpts)
	}

	rs, err := mapRegistryConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid registry config; keeping previous", logx.Err(err))
	} else {
		a.inactiveAfter.Store(int64(rs.InactiveAfter))
	}
	if conv.SweepSchedule != "" && rs.CleanupSchedule != "" {
		if err := a.schedule(conv.SweepSchedule, rs.CleanupSchedule); err != nil {
			a.log.Warn("schedule update failed", logx.Err(err))
		}
	}

	if hcfg, err := mapHealthConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.health.Reconfigure(ctx, hcfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step bounds one shutdown step so a single component can't stall the stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					limit = 0
				} else if rem < limit {
					limit = rem
				}
			}
			if limit > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, limit)
				defer cancel()
			}
		}

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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("health", time.Second, func(c context.Context) error { a.health.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("router", 3*time.Second, func(c context.Context) error {
		if sup := a.router.Supervisor(); sup != nil {
			return sup.Wait(c)
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, dispatcher, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Validate loads and checks the config at path without starting anything.
func Validate(path string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, err
	}
	if err := validateMappings(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfigurationInvalid, err)
	}
	return cfg, nil
}

func closeQuietly(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}
