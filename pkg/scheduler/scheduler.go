// Package scheduler owns the per-monitor execution loops and the reload
// coordinator that swaps them against a fresh configuration.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xylex-group/xbp-monitoring/pkg/config"
	"github.com/xylex-group/xbp-monitoring/pkg/store"
)

// Runner is the slice of the engine the scheduler drives.
type Runner interface {
	RunProbe(ctx context.Context, p config.Probe) store.RunResult
	RunStory(ctx context.Context, s config.Story) store.RunResult
}

// Scheduler spawns one long-running task per monitor. Tasks are
// independent, run in parallel, and exit when cancelled; a cancellation
// observed mid-run lets the current iteration complete first.
type Scheduler struct {
	runner Runner

	mu      sync.Mutex
	cancels map[store.Key]context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an idle scheduler.
func New(r Runner) *Scheduler {
	return &Scheduler{
		runner:  r,
		cancels: make(map[store.Key]context.CancelFunc),
	}
}

// Start spawns a task for every monitor in cfg. Call Stop first when a
// previous config is active.
func (s *Scheduler) Start(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range cfg.Probes {
		p := cfg.Probes[i]
		s.spawn(store.ProbeKey(p.Name), p.Schedule, func(ctx context.Context) {
			s.runner.RunProbe(ctx, p)
		})
	}
	for i := range cfg.Stories {
		st := cfg.Stories[i]
		s.spawn(store.StoryKey(st.Name), st.Schedule, func(ctx context.Context) {
			s.runner.RunStory(ctx, st)
		})
	}
	slog.Info("schedulers started", "probes", len(cfg.Probes), "stories", len(cfg.Stories))
}

// spawn registers the cancel handle and launches the loop. Caller holds mu.
func (s *Scheduler) spawn(key store.Key, sched *config.Schedule, run func(context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[key] = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, key, sched, run)
	}()
}

// loop waits out the initial delay, then runs the monitor once per
// interval. The next tick is anchored on the deadline recorded before the
// run, so a slow run does not drift the cadence by its own duration.
func (s *Scheduler) loop(ctx context.Context, key store.Key, sched *config.Schedule, run func(context.Context)) {
	interval := sched.Interval()

	timer := time.NewTimer(sched.InitialDelay())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	for {
		deadline := time.Now().Add(interval)

		// The in-flight iteration finishes even if the scheduler is
		// cancelled while it runs.
		run(context.WithoutCancel(ctx))

		select {
		case <-ctx.Done():
			slog.Debug("scheduler exiting", "kind", key.Kind, "name", key.Name)
			return
		default:
		}

		wait := time.Until(deadline)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			slog.Debug("scheduler exiting", "kind", key.Kind, "name", key.Name)
			return
		case <-timer.C:
		}
	}
}

// Stop cancels every task and waits for the in-flight iterations to
// finish. The scheduler can be started again afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = make(map[store.Key]context.CancelFunc)
	s.mu.Unlock()

	s.wg.Wait()
}

// Keys lists the monitors that currently own a scheduler task, sorted for
// stable comparison.
func (s *Scheduler) Keys() []store.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Key, 0, len(s.cancels))
	for k := range s.cancels {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}
