// Package coordinator drives many scheduler owners from one shared ticker.
//
// Each registered owner (typically one manager per agent) gets
// ExecuteDueTasksForAgent called on every tick. Owners run concurrently and in
// isolation: an error or panic in one never reaches the others, and an owner
// still busy with the previous tick is skipped rather than run twice.
package coordinator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	rtsup "taskpilot/internal/runtime/supervisor"
	logx "taskpilot/pkg/logx"
)

const DefaultInterval = 30 * time.Second

var ErrInvalidOwner = errors.New("coordinator: owner id and handle are required")

// Owner is anything that can run one scheduling cycle for an agent scope.
type Owner interface {
	ExecuteDueTasksForAgent(ctx context.Context, agentID string) error
}

type OwnerFunc func(ctx context.Context, agentID string) error

func (f OwnerFunc) ExecuteDueTasksForAgent(ctx context.Context, agentID string) error {
	return f(ctx, agentID)
}

type Config struct {
	Interval time.Duration
}

type entry struct {
	id    string
	owner Owner
	// busy is shared with any entry this one replaced, so re-registering an
	// owner mid-tick cannot start a second concurrent cycle.
	busy *atomic.Bool

	runs    atomic.Uint64
	skips   atomic.Uint64
	fails   atomic.Uint64
	lastErr atomic.Value // string
}

type Coordinator struct {
	mu       sync.Mutex
	interval time.Duration
	owners   map[string]*entry
	parent   context.Context
	halted   bool
	sup      *rtsup.Supervisor

	reset chan struct{}

	log     logx.Logger
	warn    *logx.Limited
	ticks   atomic.Uint64
	skipped atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	log = log.Component("coordinator")
	return &Coordinator{
		interval: cfg.Interval,
		owners:   map[string]*entry{},
		parent:   context.Background(),
		reset:    make(chan struct{}, 1),
		log:      log,
		warn:     logx.NewLimited(log, 10*time.Second),
	}
}

// Register adds an owner, replacing any owner already registered under the
// same id. The shared ticker starts with the first owner.
func (c *Coordinator) Register(ownerID string, o Owner) error {
	if ownerID == "" || o == nil {
		return ErrInvalidOwner
	}
	c.mu.Lock()
	prev, replaced := c.owners[ownerID]
	e := &entry{id: ownerID, owner: o, busy: new(atomic.Bool)}
	if replaced {
		e.busy = prev.busy
	}
	c.owners[ownerID] = e
	c.ensureLoopLocked()
	n := len(c.owners)
	c.mu.Unlock()

	c.log.Info("owner registered", logx.String("owner", ownerID), logx.Bool("replaced", replaced), logx.Int("owners", n))
	return nil
}

// Unregister removes an owner. The ticker stops when the last owner leaves.
// A tick already running for the owner is not interrupted.
func (c *Coordinator) Unregister(ownerID string) bool {
	c.mu.Lock()
	_, ok := c.owners[ownerID]
	delete(c.owners, ownerID)
	var sup *rtsup.Supervisor
	if len(c.owners) == 0 {
		sup = c.sup
		c.sup = nil
	}
	n := len(c.owners)
	c.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}
	if ok {
		c.log.Info("owner unregistered", logx.String("owner", ownerID), logx.Int("owners", n))
	}
	return ok
}

func (c *Coordinator) Owners() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.owners))
	for id := range c.owners {
		out = append(out, id)
	}
	c.mu.Unlock()
	slices.Sort(out)
	return out
}

// Start binds the ticker to ctx and resumes it after Stop. Registration alone
// also starts the ticker, under context.Background().
func (c *Coordinator) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	c.parent = ctx
	c.halted = false
	c.ensureLoopLocked()
	c.mu.Unlock()
}

// Stop halts the ticker and waits for in-flight ticks, bounded by ctx.
// Owners stay registered; Start resumes ticking.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.halted = true
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Running reports whether the shared ticker is active.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sup != nil
}

func (c *Coordinator) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// SetInterval changes the tick period; a running ticker picks it up at once.
func (c *Coordinator) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	changed := c.interval != d
	c.interval = d
	c.mu.Unlock()
	if !changed {
		return
	}
	select {
	case c.reset <- struct{}{}:
	default:
	}
	c.log.Info("interval changed", logx.Duration("interval", d))
}

func (c *Coordinator) ensureLoopLocked() {
	if c.halted || c.sup != nil || len(c.owners) == 0 {
		return
	}
	sup := rtsup.New(c.parent, rtsup.WithLogger(c.log))
	sup.GoRestart("coordinator.ticker", c.loop, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	c.sup = sup
}

func (c *Coordinator) loop(ctx context.Context) error {
	t := time.NewTicker(c.Interval())
	defer t.Stop()

	var inflight conc.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.reset:
			t.Reset(c.Interval())
		case <-t.C:
			// Ticks run asynchronously so a slow owner never delays the
			// timer; the per-owner busy flag prevents overlap.
			inflight.Go(func() { c.Tick(ctx) })
		}
	}
}

// TickReport summarizes one fanout.
type TickReport struct {
	Ran     int
	Skipped int
	Failed  int
}

// Tick runs one fanout synchronously and waits for every owner.
func (c *Coordinator) Tick(ctx context.Context) TickReport {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.owners))
	for _, e := range c.owners {
		entries = append(entries, e)
	}
	c.mu.Unlock()
	c.ticks.Add(1)

	var (
		wg               conc.WaitGroup
		ran, skip, fails atomic.Int32
	)
	for _, e := range entries {
		if !e.busy.CompareAndSwap(false, true) {
			e.skips.Add(1)
			c.skipped.Add(1)
			skip.Add(1)
			c.log.Debug("owner still busy, tick skipped", logx.String("owner", e.id))
			continue
		}
		wg.Go(func() {
			defer e.busy.Store(false)
			ran.Add(1)
			e.runs.Add(1)
			if err := c.runOwner(ctx, e); err != nil {
				fails.Add(1)
				e.fails.Add(1)
				e.lastErr.Store(err.Error())
				c.warn.Warn("owner cycle failed", logx.String("owner", e.id), logx.Err(err))
			}
		})
	}
	wg.Wait()
	return TickReport{Ran: int(ran.Load()), Skipped: int(skip.Load()), Failed: int(fails.Load())}
}

func (c *Coordinator) runOwner(ctx context.Context, e *entry) (err error) {
	if r := panics.Try(func() { err = e.owner.ExecuteDueTasksForAgent(ctx, e.id) }); r != nil {
		c.log.Error("owner cycle panicked", logx.String("owner", e.id), logx.Any("panic", r.Value), logx.Stack(string(r.Stack)))
		return r.AsError()
	}
	return err
}

type OwnerStats struct {
	ID      string `json:"id"`
	Busy    bool   `json:"busy"`
	Runs    uint64 `json:"runs"`
	Skips   uint64 `json:"skips"`
	Fails   uint64 `json:"fails"`
	LastErr string `json:"last_err,omitempty"`
}

type Snapshot struct {
	Running  bool          `json:"running"`
	Interval time.Duration `json:"interval"`
	Ticks    uint64        `json:"ticks"`
	Skipped  uint64        `json:"skipped"`
	Owners   []OwnerStats  `json:"owners"`
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{Running: c.sup != nil, Interval: c.interval}
	for _, e := range c.owners {
		st := OwnerStats{ID: e.id, Busy: e.busy.Load(), Runs: e.runs.Load(), Skips: e.skips.Load(), Fails: e.fails.Load()}
		if s, ok := e.lastErr.Load().(string); ok {
			st.LastErr = s
		}
		snap.Owners = append(snap.Owners, st)
	}
	c.mu.Unlock()
	snap.Ticks = c.ticks.Load()
	snap.Skipped = c.skipped.Load()
	slices.SortFunc(snap.Owners, func(a, b OwnerStats) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return snap
}
