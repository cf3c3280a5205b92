package app

import (
	"fmt"
	"strings"
	"time"

	"fleetbot/internal/admin"
	"fleetbot/internal/config"
	"fleetbot/internal/engine/governor"
	"fleetbot/internal/engine/health"
	"fleetbot/internal/engine/pool"
	"fleetbot/internal/engine/scheduler"
	"fleetbot/internal/storage"
	"fleetbot/internal/transport/telegram"
)

// Config section mapping: raw string durations become typed component configs
// here, so a bad value is rejected with its config path before anything runs.

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	ct, err := config.ParseDurationOrDefault("telegram.connect_timeout", cfg.Telegram.ConnectTimeout, 30*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		ConnectTimeout: ct,
		APIURL:         strings.TrimSpace(cfg.Telegram.APIURL),
	}, nil
}

func mapPoolConfig(cfg *config.Config) (pool.Config, error) {
	p := cfg.Pool
	idle, err := config.ParseDurationField("pool.idle_timeout", p.IdleTimeout)
	if err != nil {
		return pool.Config{}, err
	}
	pingIv, err := config.ParseDurationField("pool.ping_interval", p.PingInterval)
	if err != nil {
		return pool.Config{}, err
	}
	pingTo, err := config.ParseDurationField("pool.ping_timeout", p.PingTimeout)
	if err != nil {
		return pool.Config{}, err
	}
	rcBase, err := config.ParseDurationField("pool.reconnect_base", p.ReconnectBase)
	if err != nil {
		return pool.Config{}, err
	}
	rcMax, err := config.ParseDurationField("pool.reconnect_max", p.ReconnectMax)
	if err != nil {
		return pool.Config{}, err
	}
	if p.MaxClients < 0 {
		return pool.Config{}, fmt.Errorf("pool.max_clients must be >= 0")
	}
	return pool.Config{
		MaxClients:           p.MaxClients,
		IdleTimeout:          idle,
		PingInterval:         pingIv,
		PingTimeout:          pingTo,
		ReconnectBase:        rcBase,
		ReconnectMax:         rcMax,
		ReconnectMaxAttempts: p.ReconnectMaxAttempts,
	}, nil
}

func mapGovernorConfig(cfg *config.Config) (governor.Config, error) {
	g := cfg.Governor
	if g.MaxPerSecond < 0 {
		return governor.Config{}, fmt.Errorf("governor.max_per_second must be >= 0")
	}
	if g.MaxPerDay < 0 {
		return governor.Config{}, fmt.Errorf("governor.max_per_day must be >= 0")
	}
	if g.NearLimitRatio < 0 || g.NearLimitRatio >= 1 {
		if g.NearLimitRatio != 0 {
			return governor.Config{}, fmt.Errorf("governor.near_limit_ratio must be in [0, 1)")
		}
	}
	return governor.Config{
		MaxPerSecond:   g.MaxPerSecond,
		MaxPerDay:      g.MaxPerDay,
		NearLimitRatio: g.NearLimitRatio,
	}, nil
}

func mapHealthConfig(cfg *config.Config) (health.Config, error) {
	cw, err := config.ParseDurationField("health.cooldown_window", cfg.Health.CooldownWindow)
	if err != nil {
		return health.Config{}, err
	}
	if cfg.Health.SendFailureThreshold < 0 {
		return health.Config{}, fmt.Errorf("health.send_failure_threshold must be >= 0")
	}
	return health.Config{
		CooldownWindow:       cw,
		SendFailureThreshold: cfg.Health.SendFailureThreshold,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	tick, err := config.ParseDurationField("scheduler.tick_interval", sc.TickInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	minIv, err := config.ParseDurationField("scheduler.min_interval", sc.MinInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	boBase, err := config.ParseDurationField("scheduler.backoff_base", sc.BackoffBase)
	if err != nil {
		return scheduler.Config{}, err
	}
	boMax, err := config.ParseDurationField("scheduler.backoff_max", sc.BackoffMax)
	if err != nil {
		return scheduler.Config{}, err
	}
	dispTo, err := config.ParseDurationField("scheduler.dispatch_timeout", sc.DispatchTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	if sc.JitterFrac < 0 || sc.JitterFrac > 1 {
		return scheduler.Config{}, fmt.Errorf("scheduler.jitter_frac must be in [0, 1]")
	}
	if sc.FailureThreshold < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.failure_threshold must be >= 0")
	}
	return scheduler.Config{
		TickInterval:     tick,
		MinInterval:      minIv,
		JitterFrac:       sc.JitterFrac,
		BackoffBase:      boBase,
		BackoffMax:       boMax,
		FailureThreshold: sc.FailureThreshold,
		DispatchTimeout:  dispTo,
		HistoryLimit:     sc.HistoryLimit,
	}, nil
}

func mapAdminConfig(cfg *config.Config) admin.Config {
	return admin.Config{
		Enabled: cfg.Admin.Enabled,
		Addr:    strings.TrimSpace(cfg.Admin.Addr),
	}
}

// validateConfig runs every section mapper so hot reloads reject bad values
// transactionally.
func validateConfig(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPoolConfig(cfg); err != nil {
		return err
	}
	if _, err := mapGovernorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHealthConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	return nil
}
