// Package config declares the monitor configuration and loads it from a
// YAML file or a remote JSON endpoint.
package config

import (
	"fmt"
	"time"

	"github.com/xylex-group/xbp-monitoring/pkg/expect"
)

const (
	// DefaultTimeoutSeconds applies when a probe declares no timeout.
	DefaultTimeoutSeconds = 10

	// DefaultIntervalSeconds applies when a monitor declares no schedule.
	DefaultIntervalSeconds = 60
)

// Config is the set of monitors the engine runs. It is replaced wholesale
// on reload.
type Config struct {
	Probes  []Probe `yaml:"probes" json:"probes"`
	Stories []Story `yaml:"stories" json:"stories"`
}

// Probe is a single monitored HTTP endpoint.
type Probe struct {
	Name         string               `yaml:"name" json:"name"`
	URL          string               `yaml:"url" json:"url"`
	HTTPMethod   string               `yaml:"http_method" json:"http_method"`
	With         *InputParameters     `yaml:"with,omitempty" json:"with,omitempty"`
	Expectations []expect.Expectation `yaml:"expectations,omitempty" json:"expectations,omitempty"`
	Schedule     *Schedule            `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Alerts       []AlertTarget        `yaml:"alerts,omitempty" json:"alerts,omitempty"`
	Sensitive    bool                 `yaml:"sensitive,omitempty" json:"sensitive,omitempty"`
	Tags         []string             `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// InputParameters tune one outbound request.
type InputParameters struct {
	Headers        map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body           string            `yaml:"body,omitempty" json:"body,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	QueryParams    map[string]string `yaml:"query_params,omitempty" json:"query_params,omitempty"`
}

// Story is an ordered sequence of steps; later steps may reference earlier
// steps' response bodies.
type Story struct {
	Name      string        `yaml:"name" json:"name"`
	Steps     []Step        `yaml:"steps" json:"steps"`
	Schedule  *Schedule     `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Alerts    []AlertTarget `yaml:"alerts,omitempty" json:"alerts,omitempty"`
	Sensitive bool          `yaml:"sensitive,omitempty" json:"sensitive,omitempty"`
}

// Step is one HTTP call within a story. It carries the same request shape
// as a probe but no schedule or alerts of its own.
type Step struct {
	Name         string               `yaml:"name" json:"name"`
	URL          string               `yaml:"url" json:"url"`
	HTTPMethod   string               `yaml:"http_method" json:"http_method"`
	With         *InputParameters     `yaml:"with,omitempty" json:"with,omitempty"`
	Expectations []expect.Expectation `yaml:"expectations,omitempty" json:"expectations,omitempty"`
	Sensitive    bool                 `yaml:"sensitive,omitempty" json:"sensitive,omitempty"`
}

// Schedule controls a monitor's loop cadence.
type Schedule struct {
	InitialDelaySeconds int `yaml:"initial_delay_seconds" json:"initial_delay_seconds"`
	IntervalSeconds     int `yaml:"interval_seconds" json:"interval_seconds"`
}

// InitialDelay returns the configured initial delay, defaulting to zero.
func (s *Schedule) InitialDelay() time.Duration {
	if s == nil {
		return 0
	}
	return time.Duration(s.InitialDelaySeconds) * time.Second
}

// Interval returns the configured interval, defaulting to one minute.
func (s *Schedule) Interval() time.Duration {
	if s == nil || s.IntervalSeconds == 0 {
		return DefaultIntervalSeconds * time.Second
	}
	return time.Duration(s.IntervalSeconds) * time.Second
}

// AlertTarget is an outbound webhook notified on failed runs.
type AlertTarget struct {
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty" json:"body,omitempty"`
}

// Timeout returns the request timeout for these parameters.
func (p *InputParameters) Timeout() time.Duration {
	if p == nil || p.TimeoutSeconds == 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// FindProbe returns the named probe, if present.
func (c *Config) FindProbe(name string) (*Probe, bool) {
	for i := range c.Probes {
		if c.Probes[i].Name == name {
			return &c.Probes[i], true
		}
	}
	return nil, false
}

// FindStory returns the named story, if present.
func (c *Config) FindStory(name string) (*Story, bool) {
	for i := range c.Stories {
		if c.Stories[i].Name == name {
			return &c.Stories[i], true
		}
	}
	return nil, false
}

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true, "HEAD": true,
}

// Validate checks name uniqueness per kind, required request fields and
// schedule sanity. A config that fails validation must never be activated.
func (c *Config) Validate() error {
	probeNames := make(map[string]bool, len(c.Probes))
	for i := range c.Probes {
		p := &c.Probes[i]
		if p.Name == "" {
			return fmt.Errorf("probe %d: name is required", i)
		}
		if probeNames[p.Name] {
			return fmt.Errorf("duplicate probe name %q", p.Name)
		}
		probeNames[p.Name] = true
		if err := validateRequest(p.URL, p.HTTPMethod, p.With); err != nil {
			return fmt.Errorf("probe %q: %w", p.Name, err)
		}
		if err := validateSchedule(p.Schedule); err != nil {
			return fmt.Errorf("probe %q: %w", p.Name, err)
		}
		if err := validateAlerts(p.Alerts); err != nil {
			return fmt.Errorf("probe %q: %w", p.Name, err)
		}
	}

	storyNames := make(map[string]bool, len(c.Stories))
	for i := range c.Stories {
		s := &c.Stories[i]
		if s.Name == "" {
			return fmt.Errorf("story %d: name is required", i)
		}
		if storyNames[s.Name] {
			return fmt.Errorf("duplicate story name %q", s.Name)
		}
		storyNames[s.Name] = true
		if len(s.Steps) == 0 {
			return fmt.Errorf("story %q: at least one step is required", s.Name)
		}
		stepNames := make(map[string]bool, len(s.Steps))
		for j := range s.Steps {
			st := &s.Steps[j]
			if st.Name == "" {
				return fmt.Errorf("story %q: step %d: name is required", s.Name, j)
			}
			if stepNames[st.Name] {
				return fmt.Errorf("story %q: duplicate step name %q", s.Name, st.Name)
			}
			stepNames[st.Name] = true
			if err := validateRequest(st.URL, st.HTTPMethod, st.With); err != nil {
				return fmt.Errorf("story %q: step %q: %w", s.Name, st.Name, err)
			}
		}
		if err := validateSchedule(s.Schedule); err != nil {
			return fmt.Errorf("story %q: %w", s.Name, err)
		}
		if err := validateAlerts(s.Alerts); err != nil {
			return fmt.Errorf("story %q: %w", s.Name, err)
		}
	}
	return nil
}

func validateRequest(url, method string, with *InputParameters) error {
	if url == "" {
		return fmt.Errorf("url is required")
	}
	if !validMethods[method] {
		return fmt.Errorf("invalid http_method %q", method)
	}
	if with != nil && with.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must not be negative")
	}
	return nil
}

func validateSchedule(s *Schedule) error {
	if s == nil {
		return nil
	}
	if s.InitialDelaySeconds < 0 {
		return fmt.Errorf("initial_delay_seconds must not be negative")
	}
	if s.IntervalSeconds < 0 {
		return fmt.Errorf("interval_seconds must not be negative")
	}
	return nil
}

func validateAlerts(targets []AlertTarget) error {
	for i, t := range targets {
		if t.URL == "" {
			return fmt.Errorf("alert %d: url is required", i)
		}
	}
	return nil
}
