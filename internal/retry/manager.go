// Package retry implements the connection resilience policy for verification
// rooms: exponential backoff probes while a room member waits for a live
// session, and escalation once the retry budget is spent. Every timer is
// cancelable and is canceled on success, explicit leave, or escalation, so no
// timer fires after its room has been torn down.
package retry

import (
	"log"
	"sync"
	"time"
)

// Config tunes the backoff schedule. Defaults produce delays of 2s, 4s, 8s
// for attempts 1-3.
type Config struct {
	BaseDelay   time.Duration // delay before the first probe
	Factor      int           // multiplier between consecutive delays
	MaxAttempts int           // probes before escalation
}

// DefaultConfig returns the production backoff schedule.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   2 * time.Second,
		Factor:      2,
		MaxAttempts: 3,
	}
}

type attemptKey struct {
	matchID string
	userID  string
}

type attempt struct {
	key     attemptKey
	count   int
	timer   *time.Timer
	stopped bool
}

// Manager owns the per-(match, user) retry timers. Probe is consulted when a
// timer fires: returning true means the connection recovered and the chain
// stops. OnExhausted is called once per match when a chain spends its budget;
// the manager clears every timer for that match before calling it.
type Manager struct {
	config      Config
	probe       func(matchID, userID string) bool
	onExhausted func(matchID, userID string)

	mu       sync.Mutex
	attempts map[attemptKey]*attempt
}

// NewManager creates a Manager with the given probe and escalation callbacks.
func NewManager(config Config, probe func(matchID, userID string) bool, onExhausted func(matchID, userID string)) *Manager {
	return &Manager{
		config:      config,
		probe:       probe,
		onExhausted: onExhausted,
		attempts:    make(map[attemptKey]*attempt),
	}
}

// Begin starts (or restarts) the backoff chain for a room member. An existing
// chain for the same pair is reset to attempt one.
func (m *Manager) Begin(matchID, userID string) {
	key := attemptKey{matchID, userID}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.attempts[key]; ok {
		prev.stopped = true
		prev.timer.Stop()
	}

	a := &attempt{key: key, count: 1}
	a.timer = time.AfterFunc(m.delay(1), func() { m.fire(a) })
	m.attempts[key] = a
	log.Printf("[retry] chain started match=%s user=%s delay=%s", matchID, userID, m.delay(1))
}

// Cancel stops the chain for one room member, if any.
func (m *Manager) Cancel(matchID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked(attemptKey{matchID, userID})
}

// CancelMatch stops every chain associated with a match. Called on room
// teardown and unmatch.
func (m *Manager) CancelMatch(matchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.attempts {
		if key.matchID == matchID {
			m.cancelLocked(key)
		}
	}
}

// Pending reports how many chains are live. Used by tests and metrics.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}

func (m *Manager) cancelLocked(key attemptKey) {
	a, ok := m.attempts[key]
	if !ok {
		return
	}
	a.stopped = true
	a.timer.Stop()
	delete(m.attempts, key)
}

// delay returns the wait before probe number n (1-based).
func (m *Manager) delay(n int) time.Duration {
	d := m.config.BaseDelay
	for i := 1; i < n; i++ {
		d *= time.Duration(m.config.Factor)
	}
	return d
}

func (m *Manager) fire(a *attempt) {
	m.mu.Lock()
	if a.stopped || m.attempts[a.key] != a {
		m.mu.Unlock()
		return
	}

	if m.probe(a.key.matchID, a.key.userID) {
		count := a.count
		delete(m.attempts, a.key)
		m.mu.Unlock()
		log.Printf("[retry] recovered match=%s user=%s attempt=%d", a.key.matchID, a.key.userID, count)
		return
	}

	if a.count >= m.config.MaxAttempts {
		// Budget spent: clear all timers for the match before escalating so
		// nothing fires during teardown.
		for key := range m.attempts {
			if key.matchID == a.key.matchID {
				m.cancelLocked(key)
			}
		}
		m.mu.Unlock()
		log.Printf("[retry] exhausted match=%s user=%s after %d attempts",
			a.key.matchID, a.key.userID, m.config.MaxAttempts)
		m.onExhausted(a.key.matchID, a.key.userID)
		return
	}

	// Capture everything the log needs before releasing the mutex: once the
	// next timer is armed it may re-enter fire and write a.count again.
	a.count++
	failed := a.count - 1
	next := m.delay(a.count)
	a.timer = time.AfterFunc(next, func() { m.fire(a) })
	m.mu.Unlock()
	log.Printf("[retry] attempt %d failed match=%s user=%s next=%s", failed, a.key.matchID, a.key.userID, next)
}
