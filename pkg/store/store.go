// Package store keeps the most recent completed run per monitor.
package store

import (
	"sync"
	"time"

	"github.com/xylex-group/xbp-monitoring/pkg/expect"
)

// Kind distinguishes monitor flavors.
type Kind string

const (
	KindProbe Kind = "probe"
	KindStory Kind = "story"
	KindStep  Kind = "step"
)

// Key is the global monitor identity: names are unique within a kind.
type Key struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
}

// ProbeKey builds the store key for a probe.
func ProbeKey(name string) Key { return Key{Kind: KindProbe, Name: name} }

// StoryKey builds the store key for a story.
func StoryKey(name string) Key { return Key{Kind: KindStory, Name: name} }

// RunResult records one completed execution of a monitor. For stories it
// also carries the per-step results in execution order.
type RunResult struct {
	Timestamp           time.Time        `json:"timestamp"`
	DurationMS          int64            `json:"duration_ms"`
	HTTPStatusCode      *int             `json:"http_status_code"`
	OK                  bool             `json:"ok"`
	FailedExpectations  []expect.Failure `json:"failed_expectations"`
	Error               string           `json:"error,omitempty"`
	ResponseBodyPreview string           `json:"response_body_preview,omitempty"`
	Steps               []StepResult     `json:"steps,omitempty"`
}

// StepResult is a step's RunResult tagged with the step name.
type StepResult struct {
	Name string `json:"name"`
	RunResult
}

// Clone deep-copies a result so callers can hand it out without sharing
// mutable state with the store.
func (r RunResult) Clone() RunResult {
	out := r
	if r.HTTPStatusCode != nil {
		code := *r.HTTPStatusCode
		out.HTTPStatusCode = &code
	}
	if r.FailedExpectations != nil {
		out.FailedExpectations = append([]expect.Failure(nil), r.FailedExpectations...)
	}
	if r.Steps != nil {
		out.Steps = make([]StepResult, len(r.Steps))
		for i, s := range r.Steps {
			out.Steps[i] = StepResult{Name: s.Name, RunResult: s.RunResult.Clone()}
		}
	}
	return out
}

// Store maps monitor keys to their last completed run. Writes replace the
// whole entry atomically; reads return cloned snapshots. The lock is never
// held across a blocking operation: callers prepare results first, then
// write.
type Store struct {
	mu      sync.RWMutex
	results map[Key]RunResult
}

// New returns an empty store.
func New() *Store {
	return &Store{results: make(map[Key]RunResult)}
}

// Put replaces the stored result for a monitor.
func (s *Store) Put(key Key, r RunResult) {
	s.mu.Lock()
	s.results[key] = r
	s.mu.Unlock()
}

// Get returns a cloned snapshot of the last result for a monitor.
func (s *Store) Get(key Key) (RunResult, bool) {
	s.mu.RLock()
	r, ok := s.results[key]
	s.mu.RUnlock()
	if !ok {
		return RunResult{}, false
	}
	return r.Clone(), true
}

// Keys lists the monitors currently holding a result.
func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Key, 0, len(s.results))
	for k := range s.results {
		out = append(out, k)
	}
	return out
}

// Retain drops every entry whose key is absent from keep. Used on reload so
// removed monitors lose their slot while surviving ones keep their last
// result until overwritten.
func (s *Store) Retain(keep map[Key]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.results {
		if _, ok := keep[k]; !ok {
			delete(s.results, k)
		}
	}
}

// Len reports how many monitors hold a result.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}
