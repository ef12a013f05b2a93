// Package health tracks the health of driveftp components from periodic checks.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/objectfs/driveftp/pkg/errors"
)

// HealthState represents the health state of a component
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates repeated failures
	StateDegraded

	// StateReadOnly indicates writes are failing while reads may still work
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CheckFunc checks one component.
type CheckFunc func(ctx context.Context) error

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastHealthCheck   time.Time   `json:"last_health_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`
}

// Report is a point-in-time view of every component.
type Report struct {
	Status     HealthState        `json:"status"`
	Components []*ComponentHealth `json:"components"`
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold"`

	// CheckInterval is the interval between checks
	CheckInterval time.Duration `yaml:"check_interval"`

	// CheckTimeout bounds a single check
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		CheckInterval:        30 * time.Second,
		CheckTimeout:         10 * time.Second,
	}
}

type component struct {
	health ComponentHealth
	check  CheckFunc
}

// Tracker tracks the health of multiple components
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*component
	config     TrackerConfig
	onChange   StateChangeCallback
	now        func() time.Time
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	defaults := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = defaults.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = defaults.CheckTimeout
	}
	return &Tracker{
		components: make(map[string]*component),
		config:     config,
		now:        time.Now,
	}
}

// Register adds a component. check may be nil for components that only
// receive RecordSuccess/RecordError.
func (t *Tracker) Register(name string, check CheckFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; exists {
		return
	}
	now := t.now()
	t.components[name] = &component{
		health: ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastHealthCheck: now,
		},
		check: check,
	}
}

// OnStateChange sets the callback for state transitions. It runs
// synchronously after the tracker lock is released.
func (t *Tracker) OnStateChange(callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = callback
}

// RecordSuccess records a successful operation; one success restores a
// component to healthy.
func (t *Tracker) RecordSuccess(name string) {
	t.record(name, nil)
}

// RecordError records a failed operation for a component
func (t *Tracker) RecordError(name string, err error) {
	t.record(name, err)
}

func (t *Tracker) record(name string, err error) {
	t.mu.Lock()
	c, exists := t.components[name]
	if !exists {
		t.mu.Unlock()
		return
	}

	h := &c.health
	oldState := h.State
	h.LastHealthCheck = t.now()

	newState := StateHealthy
	if err == nil {
		h.ConsecutiveErrors = 0
		h.LastErrorMessage = ""
	} else {
		h.ConsecutiveErrors++
		h.LastErrorMessage = err.Error()
		newState = t.stateFor(h.ConsecutiveErrors, oldState, err)
	}

	if newState != oldState {
		h.State = newState
		h.LastStateChange = h.LastHealthCheck
	}
	callback := t.onChange
	t.mu.Unlock()

	if newState != oldState && callback != nil {
		callback(name, oldState, newState, err)
	}
}

func (t *Tracker) stateFor(failures int, current HealthState, err error) HealthState {
	switch {
	case failures >= t.config.UnavailableThreshold:
		return StateUnavailable
	case failures >= t.config.ErrorThreshold:
		if isWriteError(err) {
			return StateReadOnly
		}
		return StateDegraded
	default:
		return current
	}
}

// isWriteError reports failures that block writes but not reads.
func isWriteError(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrCodeAccessDenied, errors.ErrCodeUploadFailed:
		return true
	default:
		return false
	}
}

// GetState returns the state of a component; unknown components are unavailable.
func (t *Tracker) GetState(name string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if c, exists := t.components[name]; exists {
		return c.health.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of a component's health.
func (t *Tracker) GetComponentHealth(name string) (*ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, exists := t.components[name]
	if !exists {
		return nil, errors.NewError(errors.ErrCodeEntryNotFound, "component not registered").
			WithComponent("health").
			WithContext("component", name)
	}
	health := c.health
	return &health, nil
}

// Report returns every component sorted by name and the worst state among them.
func (t *Tracker) Report() Report {
	t.mu.RLock()
	defer t.mu.RUnlock()

	report := Report{Status: StateHealthy, Components: make([]*ComponentHealth, 0, len(t.components))}
	for _, c := range t.components {
		health := c.health
		report.Components = append(report.Components, &health)
		if health.State > report.Status {
			report.Status = health.State
		}
	}
	sort.Slice(report.Components, func(i, j int) bool {
		return report.Components[i].Name < report.Components[j].Name
	})
	return report
}

// CanWrite returns true if the component accepts writes
func (t *Tracker) CanWrite(name string) bool {
	state := t.GetState(name)
	return state == StateHealthy || state == StateDegraded
}

// Run checks every component immediately and then once per interval until
// ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.config.CheckInterval)
	defer ticker.Stop()

	for {
		t.CheckAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CheckAll runs the check of every component that has one.
func (t *Tracker) CheckAll(ctx context.Context) {
	t.mu.RLock()
	checks := make(map[string]CheckFunc, len(t.components))
	for name, c := range t.components {
		if c.check != nil {
			checks[name] = c.check
		}
	}
	t.mu.RUnlock()

	for name, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, t.config.CheckTimeout)
		err := check(checkCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		t.record(name, err)
	}
}
