package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/broadcast"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/config"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/flow"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/ratelimit"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/registry"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/router"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/runtime/supervisor"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/storage"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/transport"
	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/transport/telegram"
	"github.com/samirtelegrambot/Channel-Poster-Bot/pkg/logx"
)

const (
	defaultMaintSpec      = "@every 10m"
	defaultSessionTTL     = 30 * time.Minute
	defaultAuditRetention = 30 * 24 * time.Hour
	defaultStoragePath    = "data/bot"
)

// App owns the full wiring: config, logging, storage, registries, transport
// adapter, flow machine, router and the maintenance cron.
type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store      storage.Store
	principals *registry.Principals
	channels   *registry.Channels
	limiter    *ratelimit.Limiter
	adapter    *telegram.Adapter
	engine     *broadcast.Engine
	machine    *flow.Machine
	rt         *router.Router

	cron       *cron.Cron
	sessionTTL time.Duration
	auditKeep  time.Duration

	updates chan transport.Update
	sup     *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File != "",
			Path:    cfg.Logging.File,
		},
	})
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		updates: make(chan transport.Update, 128),
	}
	if err := a.build(cfg); err != nil {
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	storeCfg := storage.Config{Path: defaultStoragePath}
	if cfg.Storage != nil {
		storeCfg.Driver = cfg.Storage.Driver
		if cfg.Storage.Path != "" {
			storeCfg.Path = cfg.Storage.Path
		}
		bt, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return err
		}
		storeCfg.BusyTimeout = bt
	}
	store, err := storage.Open(storeCfg, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	a.principals = registry.NewPrincipals(cfg.Telegram.OwnerID, store, a.log.With(logx.String("comp", "principals")))
	a.channels = registry.NewChannels(cfg.Limits.MaxChannels, store, a.log.With(logx.String("comp", "channels")))

	rateWindow, err := config.ParseDurationOrDefault("limits.rate_window", cfg.Limits.RateWindow, ratelimit.DefaultWindow)
	if err != nil {
		return err
	}
	a.limiter = ratelimit.New(cfg.Limits.RateMessages, rateWindow)

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, a.log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram adapter: %w", err)
	}
	a.adapter = adapter

	sendTimeout, err := config.ParseDurationOrDefault("broadcast.send_timeout", cfg.Broadcast.SendTimeout, 15*time.Second)
	if err != nil {
		return err
	}
	a.engine = broadcast.NewEngine(broadcast.Config{
		RatePerSec:  cfg.Broadcast.RatePerSec,
		SendTimeout: sendTimeout,
	}, adapter, a.log.With(logx.String("comp", "broadcast")))

	a.machine = flow.NewMachine(a.principals, a.channels, adapter, a.engine, store, a.log.With(logx.String("comp", "flow")))

	handlerTimeout, err := config.ParseDurationOrDefault("telegram.handler_timeout", cfg.Telegram.HandlerTimeout, 2*time.Minute)
	if err != nil {
		return err
	}
	a.rt = router.New(adapter, a.machine, a.principals, a.limiter, handlerTimeout, a.log.With(logx.String("comp", "router")))

	a.sessionTTL = defaultSessionTTL
	a.auditKeep = defaultAuditRetention
	maintSpec := defaultMaintSpec
	if cfg.Maint != nil {
		if cfg.Maint.Spec != "" {
			maintSpec = cfg.Maint.Spec
		}
		a.sessionTTL, err = config.ParseDurationOrDefault("maintenance.session_ttl", cfg.Maint.SessionTTL, defaultSessionTTL)
		if err != nil {
			return err
		}
		a.auditKeep, err = config.ParseDurationOrDefault("maintenance.audit_retention", cfg.Maint.AuditRetention, defaultAuditRetention)
		if err != nil {
			return err
		}
	}

	a.cron = cron.New()
	if _, err := a.cron.AddFunc(maintSpec, a.maintain); err != nil {
		return fmt.Errorf("maintenance.spec: invalid %q: %w", maintSpec, err)
	}
	return nil
}

// maintain is the periodic housekeeping pass: abandoned sessions, idle
// limiter windows and expired audit rows.
func (a *App) maintain() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	swept := a.machine.SweepIdle(a.sessionTTL)
	idle := a.limiter.Sweep()

	pruned, err := a.store.PruneAudit(ctx, time.Now().Add(-a.auditKeep))
	if err != nil {
		a.log.Warn("audit prune failed", logx.Err(err))
	}

	if swept > 0 || idle > 0 || pruned > 0 {
		a.log.Info("maintenance pass",
			logx.Int("sessions_swept", swept),
			logx.Int("limiter_entries", idle),
			logx.Int64("audit_pruned", pruned),
		)
	}
}

// Done is closed when the app's run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
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
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	if err := a.principals.Load(a.sup.Context()); err != nil {
		return fmt.Errorf("load admins: %w", err)
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.rt.DispatchLoop(c, a.updates)
	})

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.cron.Start()

	a.log.Info("app started", logx.Int64("owner_id", a.principals.Owner()))
	return nil
}

// applyConfig applies the hot-reloadable subset of a validated config:
// logging, registration cap and request rate. Token, storage and transport
// changes need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File != "",
			Path:    cfg.Logging.File,
		},
	})

	a.channels.SetMax(cfg.Limits.MaxChannels)

	rateWindow, err := config.ParseDurationOrDefault("limits.rate_window", cfg.Limits.RateWindow, ratelimit.DefaultWindow)
	if err == nil {
		a.limiter.Configure(cfg.Limits.RateMessages, rateWindow)
	}

	a.log.Info("config applied",
		logx.String("log_level", cfg.Logging.Level),
		logx.Int("max_channels", a.channels.Max()),
	)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bounded shutdown steps so one component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("cron", 5*time.Second, func(c context.Context) error {
		stopped := a.cron.Stop()
		select {
		case <-stopped.Done():
		case <-c.Done():
		}
		return nil
	})
	step("adapter", 10*time.Second, a.adapter.Stop)
	step("workers", 10*time.Second, a.sup.Wait)
	step("storage", 5*time.Second, func(context.Context) error {
		return a.store.Close()
	})

	err := a.Err()
	_ = a.logs.Close()
	return err
}
