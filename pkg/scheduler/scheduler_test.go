package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xylex-group/xbp-monitoring/pkg/config"
	"github.com/xylex-group/xbp-monitoring/pkg/store"
)

type countingRunner struct {
	mu      sync.Mutex
	probes  map[string]int
	stories map[string]int
	block   chan struct{} // when non-nil, runs wait on it
}

func newCountingRunner() *countingRunner {
	return &countingRunner{
		probes:  make(map[string]int),
		stories: make(map[string]int),
	}
}

func (r *countingRunner) RunProbe(ctx context.Context, p config.Probe) store.RunResult {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.probes[p.Name]++
	r.mu.Unlock()
	return store.RunResult{OK: true}
}

func (r *countingRunner) RunStory(ctx context.Context, s config.Story) store.RunResult {
	r.mu.Lock()
	r.stories[s.Name]++
	r.mu.Unlock()
	return store.RunResult{OK: true}
}

func (r *countingRunner) probeRuns(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.probes[name]
}

func (r *countingRunner) storyRuns(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stories[name]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSchedulerRunsMonitorsImmediately(t *testing.T) {
	r := newCountingRunner()
	s := New(r)
	defer s.Stop()

	s.Start(&config.Config{
		Probes:  []config.Probe{{Name: "p", URL: "http://x", HTTPMethod: "GET"}},
		Stories: []config.Story{{Name: "s", Steps: []config.Step{{Name: "a", URL: "http://x", HTTPMethod: "GET"}}}},
	})

	waitFor(t, 2*time.Second, func() bool {
		return r.probeRuns("p") >= 1 && r.storyRuns("s") >= 1
	})
}

func TestSchedulerHonorsInitialDelay(t *testing.T) {
	r := newCountingRunner()
	s := New(r)
	defer s.Stop()

	s.Start(&config.Config{
		Probes: []config.Probe{{
			Name: "delayed", URL: "http://x", HTTPMethod: "GET",
			Schedule: &config.Schedule{InitialDelaySeconds: 1, IntervalSeconds: 60},
		}},
	})

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, r.probeRuns("delayed"))

	waitFor(t, 2*time.Second, func() bool { return r.probeRuns("delayed") >= 1 })
}

func TestSchedulerRepeatsOnInterval(t *testing.T) {
	r := newCountingRunner()
	s := New(r)
	defer s.Stop()

	s.Start(&config.Config{
		Probes: []config.Probe{{
			Name: "tick", URL: "http://x", HTTPMethod: "GET",
			Schedule: &config.Schedule{IntervalSeconds: 1},
		}},
	})

	waitFor(t, 3*time.Second, func() bool { return r.probeRuns("tick") >= 2 })
}

func TestStopCancelsDuringWait(t *testing.T) {
	r := newCountingRunner()
	s := New(r)

	s.Start(&config.Config{
		Probes: []config.Probe{{
			Name: "p", URL: "http://x", HTTPMethod: "GET",
			Schedule: &config.Schedule{IntervalSeconds: 3600},
		}},
	})
	waitFor(t, 2*time.Second, func() bool { return r.probeRuns("p") >= 1 })

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt the scheduled wait")
	}
	assert.Empty(t, s.Keys())
}

func TestStopWaitsForInflightRun(t *testing.T) {
	r := newCountingRunner()
	r.block = make(chan struct{})
	s := New(r)

	s.Start(&config.Config{
		Probes: []config.Probe{{Name: "slow", URL: "http://x", HTTPMethod: "GET"}},
	})

	// Give the loop time to enter the blocked run.
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Stop returned while a run was still in flight")
	case <-time.After(150 * time.Millisecond):
	}

	close(r.block)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the run completed")
	}
	assert.Equal(t, 1, r.probeRuns("slow"))
}

func TestSchedulerKeys(t *testing.T) {
	r := newCountingRunner()
	s := New(r)
	defer s.Stop()

	s.Start(&config.Config{
		Probes:  []config.Probe{{Name: "b", URL: "http://x", HTTPMethod: "GET"}, {Name: "a", URL: "http://x", HTTPMethod: "GET"}},
		Stories: []config.Story{{Name: "z", Steps: []config.Step{{Name: "s", URL: "http://x", HTTPMethod: "GET"}}}},
	})

	keys := s.Keys()
	require.Len(t, keys, 3)
	assert.Equal(t, store.ProbeKey("a"), keys[0])
	assert.Equal(t, store.ProbeKey("b"), keys[1])
	assert.Equal(t, store.StoryKey("z"), keys[2])
}
