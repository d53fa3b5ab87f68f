package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/xylex-group/xbp-monitoring/pkg/config"
	"github.com/xylex-group/xbp-monitoring/pkg/store"
)

// Loader produces a validated config from the active source (file or
// remote URL).
type Loader func(ctx context.Context) (*config.Config, error)

// Coordinator owns the active configuration and performs atomic reloads:
// either the new config validates and fully replaces the scheduler set, or
// the previous one keeps running untouched.
type Coordinator struct {
	sched *Scheduler
	store *store.Store
	load  Loader

	reloadMu sync.Mutex // serializes Activate/Reload

	mu     sync.RWMutex // guards active
	active *config.Config
}

// NewCoordinator wires the coordinator over the scheduler and result store.
func NewCoordinator(sched *Scheduler, st *store.Store, load Loader) *Coordinator {
	return &Coordinator{sched: sched, store: st, load: load}
}

// Activate installs the initial configuration and starts its schedulers.
func (c *Coordinator) Activate(cfg *config.Config) {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()
	c.swap(cfg)
}

// Active returns the currently running configuration. Before Activate it
// returns an empty config rather than nil.
func (c *Coordinator) Active() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return &config.Config{}
	}
	return c.active
}

// Reload loads and validates a fresh config, then atomically replaces the
// scheduler set. On a load or validation failure the previous config stays
// active and the error is returned to the caller.
func (c *Coordinator) Reload(ctx context.Context) (*config.Config, error) {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	cfg, err := c.load(ctx)
	if err != nil {
		slog.Error("reload rejected, previous configuration kept", "error", err)
		return nil, err
	}

	c.swap(cfg)
	slog.Info("configuration reloaded", "probes", len(cfg.Probes), "stories", len(cfg.Stories))
	return cfg, nil
}

// swap drains the current schedulers, installs cfg, prunes result slots of
// removed monitors and starts the new scheduler set. Caller holds
// reloadMu.
func (c *Coordinator) swap(cfg *config.Config) {
	c.sched.Stop()

	c.mu.Lock()
	c.active = cfg
	c.mu.Unlock()

	c.store.Retain(monitorKeys(cfg))
	c.sched.Start(cfg)
}

func monitorKeys(cfg *config.Config) map[store.Key]struct{} {
	keys := make(map[store.Key]struct{}, len(cfg.Probes)+len(cfg.Stories))
	for i := range cfg.Probes {
		keys[store.ProbeKey(cfg.Probes[i].Name)] = struct{}{}
	}
	for i := range cfg.Stories {
		keys[store.StoryKey(cfg.Stories[i].Name)] = struct{}{}
	}
	return keys
}
