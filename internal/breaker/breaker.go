// Package breaker implements a keyed circuit breaker isolating unhealthy
// delivery providers. State is tracked per (channel, provider) key so a
// failing push provider never blocks email delivery, and vice versa.
//
// The state machine per key:
//
//	closed    -> calls allowed; consecutive failures counted, reset on success
//	open      -> calls short-circuited until the cool-down elapses
//	half_open -> exactly one trial call admitted; success closes the
//	             breaker, failure re-opens it with a grown cool-down
//
// Permanent provider errors (rejected recipient, rejected content) are a
// delivery-target flaw, not a provider-health flaw: they neither trip
// nor reset a breaker. The gateway reports them via ReleaseTrial, which
// only hands back an admitted half-open slot.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"courier/internal/types"
)

// State is the current position of a key in the breaker state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Settings configures the breaker store. Zero values fall back to defaults.
type Settings struct {
	// FailureThreshold is the number of consecutive transient failures
	// that trips a closed breaker. Default 5.
	FailureThreshold int

	// CoolDown is how long an open breaker waits before admitting a
	// half-open trial call. Default 30s.
	CoolDown time.Duration

	// CoolDownFactor grows the cool-down on each failed trial. Default 2.
	CoolDownFactor float64

	// MaxCoolDown caps the grown cool-down. Default 10m.
	MaxCoolDown time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.CoolDown <= 0 {
		s.CoolDown = 30 * time.Second
	}
	if s.CoolDownFactor < 1 {
		s.CoolDownFactor = 2
	}
	if s.MaxCoolDown <= 0 {
		s.MaxCoolDown = 10 * time.Minute
	}
	return s
}

// entry holds the mutable state for one (channel, provider) key. Each entry
// carries its own mutex so contention on one provider never serializes
// calls to another.
type entry struct {
	mu sync.Mutex

	state               State
	consecutiveFailures int
	coolDown            time.Duration
	openedAt            time.Time
	trialInFlight       bool
	lastTransition      time.Time
}

// KeyState is a read-only snapshot of one key, exposed on the ops surface.
type KeyState struct {
	Key                 string    `json:"key"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastTransition      time.Time `json:"last_transition"`
}

// Store is a concurrency-safe keyed circuit breaker. Many delivery tasks
// touch the same key concurrently; all transitions happen under that key's
// exclusive section so failure counts are never lost and at most one trial
// call is admitted while half-open.
type Store struct {
	settings Settings
	clock    types.Clock

	mu   sync.RWMutex
	keys map[string]*entry
}

// New creates a breaker store with the given settings.
func New(settings Settings, clock types.Clock) *Store {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Store{
		settings: settings.withDefaults(),
		clock:    clock,
		keys:     make(map[string]*entry),
	}
}

// Key builds the canonical breaker key for a (channel, provider) pair.
func Key(channelID, provider string) string {
	return fmt.Sprintf("%s:%s", channelID, provider)
}

// Allow reports whether a call for the key may proceed. While open it
// returns false without any side effect beyond the open->half_open
// transition once the cool-down has elapsed. In half_open only the first
// caller gets true; concurrent callers are short-circuited until the trial
// resolves.
func (s *Store) Allow(channelID, provider string) bool {
	e := s.entry(channelID, provider)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.clock.Now()
	switch e.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(e.openedAt) < e.coolDown {
			return false
		}
		e.state = StateHalfOpen
		e.trialInFlight = true
		e.lastTransition = now
		return true
	case StateHalfOpen:
		if e.trialInFlight {
			return false
		}
		e.trialInFlight = true
		return true
	}
	return true
}

// RecordSuccess notes a successful provider call. In half_open it closes
// the breaker and resets the cool-down to its base value; in closed it
// clears the failure counter.
func (s *Store) RecordSuccess(channelID, provider string) {
	e := s.entry(channelID, provider)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateHalfOpen:
		e.state = StateClosed
		e.consecutiveFailures = 0
		e.coolDown = s.settings.CoolDown
		e.trialInFlight = false
		e.lastTransition = s.clock.Now()
	case StateClosed:
		e.consecutiveFailures = 0
	}
	// A late success for a call admitted before the breaker opened is
	// ignored: the open state resolves via the half-open trial.
}

// RecordFailure notes a transient provider failure. In closed it increments
// the failure counter and trips to open at the threshold; in half_open it
// re-opens with a grown cool-down.
func (s *Store) RecordFailure(channelID, provider string) {
	e := s.entry(channelID, provider)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.clock.Now()
	switch e.state {
	case StateClosed:
		e.consecutiveFailures++
		if e.consecutiveFailures >= s.settings.FailureThreshold {
			e.state = StateOpen
			e.openedAt = now
			e.lastTransition = now
		}
	case StateHalfOpen:
		e.state = StateOpen
		e.coolDown = s.grow(e.coolDown)
		e.openedAt = now
		e.trialInFlight = false
		e.lastTransition = now
	}
	// Failures reported while already open (late results from calls
	// admitted earlier) do not extend the cool-down.
}

// ReleaseTrial frees a half-open trial slot without judging provider
// health. The gateway calls it when an admitted trial ends with nothing
// to report: a permanent failure, or an attempt aborted before the
// provider was contacted. The key stays half_open and the next Allow
// admits a fresh trial; without the release an unreported trial would
// short-circuit the key forever.
//
// A late release from a call admitted while closed can at worst free a
// concurrent trial early, admitting one extra probe call.
func (s *Store) ReleaseTrial(channelID, provider string) {
	e := s.entry(channelID, provider)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateHalfOpen {
		e.trialInFlight = false
	}
}

// State returns the current state for a key without side effects.
func (s *Store) State(channelID, provider string) State {
	e := s.entry(channelID, provider)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns the state of every key seen so far, for the ops surface.
func (s *Store) Snapshot() []KeyState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]KeyState, 0, len(s.keys))
	for key, e := range s.keys {
		e.mu.Lock()
		out = append(out, KeyState{
			Key:                 key,
			State:               e.state,
			ConsecutiveFailures: e.consecutiveFailures,
			LastTransition:      e.lastTransition,
		})
		e.mu.Unlock()
	}
	return out
}

// entry returns the state entry for the key, creating it closed on first use.
func (s *Store) entry(channelID, provider string) *entry {
	key := Key(channelID, provider)

	s.mu.RLock()
	e, ok := s.keys[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.keys[key]; ok {
		return e
	}
	e = &entry{
		state:    StateClosed,
		coolDown: s.settings.CoolDown,
	}
	s.keys[key] = e
	return e
}

func (s *Store) grow(d time.Duration) time.Duration {
	grown := time.Duration(float64(d) * s.settings.CoolDownFactor)
	if grown > s.settings.MaxCoolDown || grown <= 0 {
		grown = s.settings.MaxCoolDown
	}
	return grown
}
