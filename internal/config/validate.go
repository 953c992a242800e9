package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate rejects configs that would fail later at wiring time. Hot reload
// runs it before a new config is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	s := cfg.Scheduler
	dur("scheduler.interval", s.Interval)
	dur("scheduler.metrics_cache_ttl", s.MetricsCacheTTL)
	dur("scheduler.execution_timeout", s.ExecutionTimeout)
	dur("scheduler.stale_running_timeout", s.StaleRunningTimeout)
	if s.MaxConcurrentTasks < 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_concurrent_tasks must be >= 0"))
	}
	if s.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("scheduler.history_size must be >= 0"))
	}
	if s.MinPriority != 0 || s.MaxPriority != 0 {
		if s.MinPriority > s.MaxPriority {
			errs = append(errs, fmt.Errorf("scheduler.min_priority (%d) > scheduler.max_priority (%d)", s.MinPriority, s.MaxPriority))
		} else if s.DefaultPriority != 0 && (s.DefaultPriority < s.MinPriority || s.DefaultPriority > s.MaxPriority) {
			errs = append(errs, fmt.Errorf("scheduler.default_priority %d outside [%d, %d]", s.DefaultPriority, s.MinPriority, s.MaxPriority))
		}
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	if c := cfg.Coordinator; c != nil {
		dur("coordinator.interval", c.Interval)
		seen := map[string]bool{strings.TrimSpace(s.AgentID): true}
		for _, a := range c.Agents {
			a = strings.TrimSpace(a)
			if a == "" {
				errs = append(errs, errors.New("coordinator.agents: empty agent id"))
				continue
			}
			if seen[a] {
				errs = append(errs, fmt.Errorf("coordinator.agents: duplicate agent %q", a))
			}
			seen[a] = true
		}
	}

	if st := cfg.Storage; st != nil {
		dur("storage.busy_timeout", st.BusyTimeout)
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "memory", "mem":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, errors.New("storage.path is required when storage.driver=sqlite"))
			}
		case "postgres", "postgresql", "pg":
			if strings.TrimSpace(st.DSN) == "" {
				errs = append(errs, errors.New("storage.dsn is required when storage.driver=postgres"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown storage.driver: %s", st.Driver))
		}
	}

	if r := cfg.RedisMetrics; r != nil && r.Enabled && strings.TrimSpace(r.Addr) == "" {
		errs = append(errs, errors.New("redis_metrics.addr is required when redis_metrics.enabled"))
	}

	return errors.Join(errs...)
}
