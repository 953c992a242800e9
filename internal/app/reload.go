package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"taskpilot/internal/config"
	logx "taskpilot/pkg/logx"
)

// reloadLoop applies committed configs until ctx ends. Bursts are coalesced
// so only the newest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			next = cfg
		}
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					next = newer
				}
			default:
				break drain
			}
		}
		a.applyConfig(ctx, last, next)
		last = next
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(sections, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, attrs...)...)

	if config.RequiresRestart(prev, next) {
		a.log.Warn("storage or agent topology changed; restart required for those changes to take effect")
	}
	if slices.Contains(sections, "redis_metrics") {
		a.log.Warn("redis_metrics changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogging(next))

	if ecfg, err := mapEngine(next); err != nil {
		a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
	} else {
		for _, e := range a.engines {
			e.Apply(ecfg)
		}
	}

	// Topology is fixed at startup, so managers keep their agent binding.
	for _, m := range a.managers {
		mcfg, err := mapManager(next, m.AgentID())
		if err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
			break
		}
		m.Apply(mcfg)
	}

	if a.coord != nil {
		if ccfg, ok, err := mapCoordinator(next); err == nil && ok {
			a.coord.SetInterval(ccfg.Interval)
		}
	}

	if prev.Scheduler.Enabled != next.Scheduler.Enabled {
		if next.Scheduler.Enabled {
			a.log.Info("scheduler enabled via config")
			if err := a.startSchedulers(ctx); err != nil {
				a.log.Warn("scheduler start failed", logx.Err(err))
			}
		} else {
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := a.stopSchedulers(stopCtx); err != nil {
				a.log.Warn("scheduler stop failed", logx.Err(err))
			}
			cancel()
		}
	}

	a.http.Reconfigure(ctx, mapHTTP(next))

	a.log.Info("config reloaded", append([]logx.Field{changed}, attrs...)...)
}
