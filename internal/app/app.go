// Package app assembles the engine: config, logging, storage, transport,
// governor, health tracker, session pool, scheduler and the admin API, with
// one supervisor owning every background loop.
package app

import (
	"context"
	"time"

	"fleetbot/internal/admin"
	"fleetbot/internal/config"
	"fleetbot/internal/engine/governor"
	"fleetbot/internal/engine/health"
	"fleetbot/internal/engine/pool"
	"fleetbot/internal/engine/scheduler"
	"fleetbot/internal/eventbus"
	rtsup "fleetbot/internal/runtime/supervisor"
	"fleetbot/internal/storage"
	"fleetbot/internal/transport/telegram"
	logx "fleetbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	gov     *governor.Governor
	tracker *health.Tracker
	pool    *pool.Pool
	sched   *scheduler.Service
	admin   *admin.Server
}

// storeCredentials resolves account credentials from storage for the pool.
type storeCredentials struct {
	store storage.Store
}

func (c storeCredentials) Credential(ctx context.Context, accountID string) (string, error) {
	a, err := c.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	return a.Credential, nil
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	connector := telegram.NewConnector(tgCfg, log.With(logx.String("comp", "telegram")))

	govCfg, err := mapGovernorConfig(cfg)
	if err != nil {
		return nil, err
	}
	gov := governor.New(govCfg, log.With(logx.String("comp", "governor")))

	healthCfg, err := mapHealthConfig(cfg)
	if err != nil {
		return nil, err
	}
	tracker := health.New(healthCfg, store, bus, log.With(logx.String("comp", "health")))

	// Sustained near-ceiling usage parks the account in cooldown.
	gov.OnNearLimit(tracker.NoteNearLimit)

	poolCfg, err := mapPoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	sessionPool := pool.New(poolCfg, connector, storeCredentials{store: store}, tracker, bus,
		log.With(logx.String("comp", "pool")))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, store, sessionPool, gov, tracker, bus, nil,
		log.With(logx.String("comp", "scheduler")))

	adminSrv := admin.New(mapAdminConfig(cfg), store, sessionPool, gov, tracker, sched,
		log.With(logx.String("comp", "admin")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		gov:     gov,
		tracker: tracker,
		pool:    sessionPool,
		sched:   sched,
		admin:   adminSrv,
	}, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.tracker.Load(a.sup.Context()); err != nil {
		return err
	}

	a.pool.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	restored, err := a.sched.RestoreRunningTasks(a.sup.Context())
	if err != nil {
		return err
	}
	if restored > 0 {
		a.log.Info("resumed persisted tasks", logx.Int("count", restored))
	}

	if err := a.admin.Start(); err != nil {
		return err
	}

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.startReloadLoop()
	a.startEventLoop()

	a.log.Info("fleetbot started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	// Grace period for in-flight dispatches, then hard cancel.
	graceCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	a.sched.Stop(graceCtx)
	a.pool.Stop(graceCtx)
	a.admin.Stop(graceCtx)

	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(graceCtx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("fleetbot stopped")
	_ = a.logs.Close()
	return nil
}

// startReloadLoop applies config changes that can take effect live:
// logging, governor ceilings, pool capacity. Everything else logs a
// restart-required warning.
func (a *App) startReloadLoop() {
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
				// Coalesce bursts: only the latest config matters.
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
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if govCfg, err := mapGovernorConfig(cfg); err == nil {
		a.gov.Apply(govCfg)
	}

	if poolCfg, err := mapPoolConfig(cfg); err == nil && poolCfg.MaxClients > 0 {
		if err := a.pool.SetMaxClients(poolCfg.MaxClients); err != nil {
			a.log.Warn("pool capacity change rejected", logx.Err(err))
		}
	}

	a.log.Info("config applied",
		logx.String("log_level", cfg.Logging.Level),
		logx.Float64("max_per_second", cfg.Governor.MaxPerSecond),
		logx.Int("max_per_day", cfg.Governor.MaxPerDay),
		logx.Int("pool_max_clients", cfg.Pool.MaxClients))
}

// startEventLoop reacts to engine events: banned accounts lose their pooled
// session immediately, and everything is surfaced at debug for tracing.
func (a *App) startEventLoop() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.react", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Topic == eventbus.TopicAccountStatusChanged {
					if sc, ok := e.Data.(health.StatusChange); ok && sc.To == storage.PoolStatusBanned {
						a.pool.Evict(sc.AccountID, "account banned")
					}
				}
				a.log.Debug("event", logx.String("topic", e.Topic), logx.Time("time", e.Time))
			}
		}
	})
}
