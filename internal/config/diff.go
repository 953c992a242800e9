package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskpilot/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and
// safe structured attrs for logging. Secrets (DSN, tokens, passwords) are
// reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.interval", strings.TrimSpace(s.Interval)),
			logx.Int("scheduler.max_concurrent_tasks", s.MaxConcurrentTasks),
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
			logx.Bool("scheduler.agent_changed", oldCfg.Scheduler.AgentID != s.AgentID),
		)
	}

	oC, nC := deref(oldCfg.Coordinator), deref(newCfg.Coordinator)
	if !reflect.DeepEqual(oC, nC) {
		changed = append(changed, "coordinator")
		attrs = append(attrs,
			logx.Bool("coordinator.enabled", nC.Enabled),
			logx.String("coordinator.interval", strings.TrimSpace(nC.Interval)),
			logx.Int("coordinator.agents", len(nC.Agents)),
		)
	}

	oS, nS := deref(oldCfg.Storage), deref(newCfg.Storage)
	if !reflect.DeepEqual(oS, nS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	oH, nH := deref(oldCfg.HTTP), deref(newCfg.HTTP)
	if !reflect.DeepEqual(oH, nH) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nH.Enabled),
			logx.String("http.addr", strings.TrimSpace(nH.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nH.Token) != ""),
			logx.Bool("http.pprof", nH.Pprof),
		)
	}

	oR, nR := deref(oldCfg.RedisMetrics), deref(newCfg.RedisMetrics)
	if !reflect.DeepEqual(oR, nR) {
		changed = append(changed, "redis_metrics")
		attrs = append(attrs,
			logx.Bool("redis_metrics.enabled", nR.Enabled),
			logx.String("redis_metrics.addr", strings.TrimSpace(nR.Addr)),
			logx.Bool("redis_metrics.password_set", nR.Password != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports whether the change touches settings that are
// only read at startup: the storage backend and the manager topology.
func RequiresRestart(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return false
	}
	if !reflect.DeepEqual(deref(oldCfg.Storage), deref(newCfg.Storage)) {
		return true
	}
	if oldCfg.Scheduler.AgentID != newCfg.Scheduler.AgentID {
		return true
	}
	oC, nC := deref(oldCfg.Coordinator), deref(newCfg.Coordinator)
	return oC.Enabled != nC.Enabled || !reflect.DeepEqual(oC.Agents, nC.Agents)
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
