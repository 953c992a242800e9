package app

import (
	"strings"
	"time"

	"taskpilot/internal/config"
	"taskpilot/internal/observability/httpd"
	"taskpilot/internal/observability/redismetrics"
	"taskpilot/internal/task/coordinator"
	"taskpilot/internal/task/engine"
	"taskpilot/internal/task/manager"
	"taskpilot/internal/task/registry"
	logx "taskpilot/pkg/logx"
)

// Mappers turn file config into component configs. Config has already been
// through config.Validate, so duration errors here should not occur.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (registry.Config, error) {
	if cfg.Storage == nil {
		return registry.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return registry.Config{}, err
	}
	return registry.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

func mapEngine(cfg *config.Config) (engine.Config, error) {
	timeout, err := config.ParseDurationField("scheduler.execution_timeout", cfg.Scheduler.ExecutionTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	hist := cfg.Scheduler.HistorySize
	if hist == 0 {
		hist = 200
	}
	return engine.Config{Timeout: timeout, HistorySize: hist}, nil
}

// mapManager builds the manager config for agentID. Zero values fall back
// to manager defaults.
func mapManager(cfg *config.Config, agentID string) (manager.Config, error) {
	s := cfg.Scheduler
	interval, err := config.ParseDurationField("scheduler.interval", s.Interval)
	if err != nil {
		return manager.Config{}, err
	}
	ttl, err := config.ParseDurationField("scheduler.metrics_cache_ttl", s.MetricsCacheTTL)
	if err != nil {
		return manager.Config{}, err
	}
	stale, err := config.ParseDurationField("scheduler.stale_running_timeout", s.StaleRunningTimeout)
	if err != nil {
		return manager.Config{}, err
	}
	return manager.Config{
		Interval:            interval,
		MaxConcurrentTasks:  s.MaxConcurrentTasks,
		DefaultPriority:     s.DefaultPriority,
		MinPriority:         s.MinPriority,
		MaxPriority:         s.MaxPriority,
		AutoStart:           s.Enabled,
		MetricsCacheTTL:     ttl,
		StaleRunningTimeout: stale,
		AgentID:             agentID,
	}, nil
}

// mapCoordinator reports whether a shared coordinator is configured.
func mapCoordinator(cfg *config.Config) (coordinator.Config, bool, error) {
	c := cfg.Coordinator
	if c == nil || !c.Enabled {
		return coordinator.Config{}, false, nil
	}
	d, err := config.ParseDurationField("coordinator.interval", c.Interval)
	if err != nil {
		return coordinator.Config{}, false, err
	}
	return coordinator.Config{Interval: d}, true, nil
}

// agentIDs lists the agent scopes that get a manager. The primary scope
// (possibly "") comes first.
func agentIDs(cfg *config.Config) []string {
	out := []string{strings.TrimSpace(cfg.Scheduler.AgentID)}
	if c := cfg.Coordinator; c != nil && c.Enabled {
		for _, a := range c.Agents {
			out = append(out, strings.TrimSpace(a))
		}
	}
	return out
}

func mapHTTP(cfg *config.Config) httpd.Config {
	if cfg.HTTP == nil {
		return httpd.Config{}
	}
	h := cfg.HTTP
	return httpd.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   10 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
}

func mapRedis(cfg *config.Config) (redismetrics.Config, bool) {
	r := cfg.RedisMetrics
	if r == nil || !r.Enabled {
		return redismetrics.Config{}, false
	}
	return redismetrics.Config{
		Addr:     strings.TrimSpace(r.Addr),
		Password: r.Password,
		DB:       r.DB,
		Prefix:   r.Prefix,
	}, true
}

func location(cfg *config.Config) *time.Location {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
