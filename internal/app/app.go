// Package app is the composition root: it turns a config file into a
// running set of registry, executors, managers and observability services.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"taskpilot/internal/config"
	"taskpilot/internal/eventbus"
	"taskpilot/internal/observability/httpd"
	"taskpilot/internal/observability/redismetrics"
	rtsup "taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/task"
	"taskpilot/internal/task/coordinator"
	"taskpilot/internal/task/datetime"
	"taskpilot/internal/task/engine"
	"taskpilot/internal/task/manager"
	"taskpilot/internal/task/registry"
	"taskpilot/internal/task/scheduler"
	logx "taskpilot/pkg/logx"
)

type Option func(*options)

type options struct {
	handler  engine.Handler
	resolver engine.AgentResolver
	noEnv    bool
}

// WithHandler sets the handler that performs tasks. Unscoped tasks go to it
// directly; with WithAgentResolver it is the fallback for unscoped tasks.
func WithHandler(h engine.Handler) Option { return func(o *options) { o.handler = h } }

// WithAgentResolver routes agent-scoped tasks to the agent's ExecuteGoal.
func WithAgentResolver(r engine.AgentResolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithoutEnv ignores TASKPILOT_* overrides.
func WithoutEnv() Option { return func(o *options) { o.noEnv = true } }

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  registry.Registry

	coord    *coordinator.Coordinator
	managers []*manager.Manager
	engines  []*engine.Service

	http *httpd.Service
	rdb  *redis.Client
}

func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	if o.noEnv {
		cfgm.IgnoreEnv()
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.Component("app")
	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}

	rc, err := mapStorage(cfg)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	a.reg, err = registry.Open(ctx, rc, logSvc.Logger())
	if err != nil {
		a.closeEarly()
		return nil, fmt.Errorf("open registry: %w", err)
	}
	log.Info("registry ready", logx.String("driver", rc.Driver))

	var sink manager.CycleSink
	if rcfg, ok := mapRedis(cfg); ok {
		rdb, err := redismetrics.Connect(ctx, rcfg)
		if err != nil {
			// Metrics export is optional; run without it.
			log.Warn("redis metrics disabled", logx.String("addr", rcfg.Addr), logx.Err(err))
		} else {
			a.rdb = rdb
			sink = redismetrics.New(rdb, rcfg.Prefix)
			log.Info("redis metrics enabled", logx.String("addr", rcfg.Addr))
		}
	}

	if ccfg, ok, err := mapCoordinator(cfg); err != nil {
		a.closeEarly()
		return nil, err
	} else if ok {
		a.coord = coordinator.New(ccfg, logSvc.Logger())
	}

	handler := o.handler
	if handler == nil {
		handler = logHandler(logSvc.Logger())
	}
	if o.resolver != nil {
		handler = engine.AgentHandler{Resolver: o.resolver, Fallback: handler}
	}

	ecfg, err := mapEngine(cfg)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	loc := location(cfg)
	for _, agent := range agentIDs(cfg) {
		mcfg, err := mapManager(cfg, agent)
		if err != nil {
			a.closeEarly()
			return nil, err
		}
		elog := logSvc.Logger()
		if agent != "" {
			elog = elog.With(logx.String("agent", agent))
		}
		exec := engine.New(ecfg, handler, elog, a.bus)
		mopts := []manager.Option{
			manager.WithLogger(logSvc.Logger()),
			manager.WithEventBus(a.bus),
			manager.WithSelector(scheduler.New(scheduler.WithLocation(loc), scheduler.WithLogger(logSvc.Logger()))),
			manager.WithTranslator(datetime.New(datetime.WithLocation(loc))),
		}
		if a.coord != nil {
			mopts = append(mopts, manager.WithCoordinator(a.coord))
		}
		if sink != nil {
			mopts = append(mopts, manager.WithCycleSink(sink))
		}
		a.engines = append(a.engines, exec)
		a.managers = append(a.managers, manager.New(mcfg, a.reg, exec, mopts...))
	}

	a.http = httpd.New(mapHTTP(cfg), httpd.Probes{Health: a.health, Metrics: a.metrics}, logSvc.Logger())
	return a, nil
}

// closeEarly releases what New opened before it failed.
func (a *App) closeEarly() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.reg != nil {
		_ = a.reg.Close()
	}
	_ = a.logs.Close()
}

// Manager returns the primary manager (bound to scheduler.agent_id).
func (a *App) Manager() *manager.Manager { return a.managers[0] }

// Managers returns every manager, primary first.
func (a *App) Managers() []*manager.Manager { return a.managers }

// HTTPAddr returns the bound HTTP address, or "" when not serving.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Mapping errors would only surface while applying; reject early.
		if _, err := mapEngine(cfg); err != nil {
			return err
		}
		if _, _, err := mapCoordinator(cfg); err != nil {
			return err
		}
		_, err := mapManager(cfg, "")
		return err
	})

	for _, m := range a.managers {
		n, err := m.ReconcileOrphans(runCtx)
		if err != nil {
			return fmt.Errorf("reconcile orphans: %w", err)
		}
		if n > 0 {
			a.log.Warn("orphaned tasks reconciled", logx.Int("count", n), logx.String("agent", m.AgentID()))
		}
	}

	if a.coord != nil {
		a.coord.Start(runCtx)
	}
	if a.cfgm.Get().Scheduler.Enabled {
		if err := a.startSchedulers(runCtx); err != nil {
			return err
		}
	}
	if a.http.Enabled() {
		a.http.Start(runCtx)
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					// Debug only; cycles fire every few seconds.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Int("managers", len(a.managers)), logx.Bool("coordinator", a.coord != nil))
	return nil
}

func (a *App) startSchedulers(ctx context.Context) error {
	for _, m := range a.managers {
		if err := m.StartScheduler(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) stopSchedulers(ctx context.Context) error {
	var errs []error
	for _, m := range a.managers {
		errs = append(errs, m.StopScheduler(ctx))
	}
	return errors.Join(errs...)
}

func (a *App) health(ctx context.Context) error {
	if err := a.Err(); err != nil {
		return err
	}
	_, err := a.reg.CountTasks(ctx, task.Filter{Statuses: []task.Status{task.StatusRunning}})
	return err
}

// Snapshot is the document served on /metrics.
type Snapshot struct {
	Managers    []manager.Metrics     `json:"managers"`
	Coordinator *coordinator.Snapshot `json:"coordinator,omitempty"`
	Runtime     rtsup.Snapshot        `json:"runtime"`
	EventsLost  uint64                `json:"events_lost"`
}

func (a *App) metrics(ctx context.Context) (any, error) {
	return a.Snapshot(ctx)
}

func (a *App) Snapshot(ctx context.Context) (Snapshot, error) {
	out := Snapshot{EventsLost: eventbus.Dropped(a.bus)}
	for _, m := range a.managers {
		mm, err := m.GetMetrics(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		out.Managers = append(out.Managers, mm)
	}
	if a.coord != nil {
		cs := a.coord.Snapshot()
		out.Coordinator = &cs
	}
	if a.sup != nil {
		out.Runtime = a.sup.Snapshot()
	}
	return out, nil
}

// Stop shuts everything down in dependency order. Each step is bounded so
// one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "schedulers", 5*time.Second, a.stopSchedulers)
	a.step(ctx, "coordinator", 2*time.Second, func(c context.Context) error {
		if a.coord == nil {
			return nil
		}
		return a.coord.Stop(c)
	})
	a.step(ctx, "redis", time.Second, func(context.Context) error {
		if a.rdb == nil {
			return nil
		}
		return a.rdb.Close()
	})
	a.step(ctx, "registry", 2*time.Second, func(context.Context) error { return a.reg.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs fn with an upper bound that never extends the caller's
// deadline. fn must honour its context; a step still running at the
// deadline is logged and abandoned.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, max(limit, 0))
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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Any("err", err), logx.Duration("took", time.Since(start)))
		}()
	}
}
