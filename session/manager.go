package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/consometers/quoalise/errors"
	"github.com/consometers/quoalise/metric"
)

// Config holds session manager configuration
type Config struct {
	// Timeout is the inactivity duration after which a session is evicted
	Timeout time.Duration `json:"timeout"`
	// SweepInterval is the period of the background eviction sweep
	SweepInterval time.Duration `json:"sweep_interval"`
}

// SetDefaults fills in default values for unset fields
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"session timeout must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"sweep interval must be positive")
	}
	return nil
}

// Deps holds runtime dependencies for the session manager
type Deps struct {
	Config   Config
	Registry *metric.MetricsRegistry // optional
	Logger   *slog.Logger            // optional
	Clock    func() time.Time        // optional, for tests
}

type key struct {
	requester string
	id        string
}

// entry is one table slot. Its mutex is the per-session serialization
// point: every state transition, including eviction, happens under it.
type entry struct {
	mu      sync.Mutex
	sess    Session
	gen     uint64
	evicted bool
}

// Manager owns the table of in-flight sessions. Different sessions advance
// fully in parallel; actions on one session are serialized in admission
// order. There is no global lock held across a transition.
type Manager struct {
	cfg     Config
	mu      sync.RWMutex
	table   map[key]*entry
	metrics *Metrics
	logger  *slog.Logger
	clock   func() time.Time
}

// NewManager creates a session manager from its dependencies
func NewManager(deps Deps) (*Manager, error) {
	deps.Config.SetDefaults()
	if err := deps.Config.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Manager", "NewManager", "configuration validation")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	m := &Manager{
		cfg:    deps.Config,
		table:  make(map[key]*entry),
		logger: logger,
		clock:  clock,
	}
	if deps.Registry != nil {
		m.metrics = NewMetrics(deps.Registry)
	}
	return m, nil
}

// Open allocates a new session in state Created. A collision on the
// generated id is resolved by regenerating; it is never surfaced to the
// caller.
func (m *Manager) Open(requester, commandNode string) (Session, error) {
	if requester == "" {
		return Session{}, errors.WrapInvalid(errors.ErrInvalidQuery, "Manager", "Open",
			"empty requester")
	}

	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		id := uuid.NewString()
		k := key{requester: requester, id: id}
		if _, exists := m.table[k]; exists {
			// uuid collision, regenerate
			m.logger.Warn("session id collision, regenerating", "requester", requester)
			continue
		}
		e := &entry{
			sess: Session{
				ID:             id,
				Requester:      requester,
				CommandNode:    commandNode,
				State:          Created,
				CreatedAt:      now,
				LastActivityAt: now,
			},
		}
		m.table[k] = e

		if m.metrics != nil {
			m.metrics.sessionsOpened.Inc()
			m.metrics.sessionsActive.Set(float64(len(m.table)))
		}
		m.logger.Debug("session opened",
			"requester", requester, "session_id", id, "node", commandNode)
		return e.sess, nil
	}
}

// Lookup returns a snapshot of a live session. It fails with
// ErrSessionNotFound if no live session matches, including after eviction.
// An expired session found here is evicted lazily and reported as
// ErrSessionExpired; on the wire both map to the same condition, a
// timed-out session is indistinguishable from one that never existed.
func (m *Manager) Lookup(requester, id string) (Session, error) {
	e := m.get(requester, id)
	if e == nil {
		return Session{}, errors.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return Session{}, errors.ErrSessionNotFound
	}
	if m.expiredLocked(e) {
		m.evictLocked(e)
		return Session{}, errors.ErrSessionExpired
	}
	return e.sess, nil
}

// Advance applies an action to a session. Calls for the same session are
// serialized in admission order; different sessions proceed in parallel.
// It returns the post-transition snapshot and, for execute, the execution
// generation to present to Finish.
//
// Legality:
//   - execute: Created or AwaitingInput only
//   - cancel: any non-terminal state; idempotent on Canceled
//   - timeout: any state, evicts the session
func (m *Manager) Advance(requester, id string, action Action) (Session, uint64, error) {
	e := m.get(requester, id)
	if e == nil {
		return Session{}, 0, errors.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return Session{}, 0, errors.ErrSessionNotFound
	}
	if m.expiredLocked(e) && action != ActionTimeout {
		m.evictLocked(e)
		return Session{}, 0, errors.ErrSessionExpired
	}

	now := m.clock()
	switch action {
	case ActionExecute:
		if e.sess.State != Created && e.sess.State != AwaitingInput {
			return Session{}, 0, m.badAction(e, action)
		}
		e.gen++
		m.transitionLocked(e, Executing, now)
		return e.sess, e.gen, nil

	case ActionCancel:
		if e.sess.State == Canceled {
			// Re-cancel is a no-op
			e.sess.LastActivityAt = now
			return e.sess, 0, nil
		}
		if e.sess.State.Terminal() {
			return Session{}, 0, m.badAction(e, action)
		}
		m.transitionLocked(e, Canceled, now)
		return e.sess, 0, nil

	case ActionTimeout:
		sess := e.sess
		m.evictLocked(e)
		return sess, 0, nil

	default:
		return Session{}, 0, m.badAction(e, action)
	}
}

// Finish applies the outcome of an execution admitted by Advance(execute).
// The final state must be Completed, Errored or AwaitingInput. The result
// is discarded (applied=false) when the session was canceled or superseded
// while the execution was in flight; a cancel that won the race stays won.
func (m *Manager) Finish(requester, id string, gen uint64, final State) (Session, bool, error) {
	if final != Completed && final != Errored && final != AwaitingInput {
		return Session{}, false, errors.WrapInvalid(
			fmt.Errorf("state %s is not a valid execution outcome", final),
			"Manager", "Finish", "validate final state")
	}

	e := m.get(requester, id)
	if e == nil {
		return Session{}, false, errors.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return Session{}, false, errors.ErrSessionNotFound
	}
	if e.sess.State != Executing || e.gen != gen {
		// Canceled, timed out, or an older execution: discard the result
		return e.sess, false, nil
	}

	m.transitionLocked(e, final, m.clock())
	return e.sess, true, nil
}

// EvictExpired removes sessions whose inactivity exceeds the configured
// timeout. It is idempotent and safe to run concurrently with Advance on
// any session: eviction takes the same per-session serialization point.
func (m *Manager) EvictExpired(now time.Time) int {
	m.mu.RLock()
	candidates := make([]*entry, 0, len(m.table))
	for _, e := range m.table {
		candidates = append(candidates, e)
	}
	m.mu.RUnlock()

	evicted := 0
	for _, e := range candidates {
		e.mu.Lock()
		if !e.evicted && e.sess.LastActivityAt.Add(m.cfg.Timeout).Before(now) {
			m.evictLocked(e)
			evicted++
		}
		e.mu.Unlock()
	}
	if evicted > 0 {
		m.logger.Debug("evicted expired sessions", "count", evicted)
	}
	return evicted
}

// Run sweeps expired sessions periodically until the context is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.EvictExpired(m.clock())
		}
	}
}

// Len returns the number of live sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.table)
}

// get fetches the table slot without holding the table lock across the
// per-session lock.
func (m *Manager) get(requester, id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table[key{requester: requester, id: id}]
}

// expiredLocked is called with e.mu held.
func (m *Manager) expiredLocked(e *entry) bool {
	return e.sess.LastActivityAt.Add(m.cfg.Timeout).Before(m.clock())
}

// transitionLocked is called with e.mu held.
func (m *Manager) transitionLocked(e *entry, to State, now time.Time) {
	from := e.sess.State
	e.sess.State = to
	e.sess.LastActivityAt = now

	if m.metrics != nil {
		m.metrics.transitions.WithLabelValues(from.String(), to.String()).Inc()
	}
	m.logger.Debug("session transition",
		"requester", e.sess.Requester, "session_id", e.sess.ID,
		"from", from.String(), "to", to.String())
}

// evictLocked marks the entry dead and removes it from the table. Called
// with e.mu held; the table lock is acquired afterwards, never the other
// way around. Resources are released exactly once: the evicted flag guards
// double release.
func (m *Manager) evictLocked(e *entry) {
	if e.evicted {
		return
	}
	e.evicted = true

	k := key{requester: e.sess.Requester, id: e.sess.ID}
	m.mu.Lock()
	if m.table[k] == e {
		delete(m.table, k)
	}
	size := len(m.table)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.sessionsEvicted.Inc()
		m.metrics.sessionsActive.Set(float64(size))
	}
}

// badAction builds the uniform rejection for an illegal action.
func (m *Manager) badAction(e *entry, action Action) error {
	if e.sess.State.Terminal() {
		return errors.WrapInvalid(errors.ErrSessionTerminal, "Manager", "Advance",
			fmt.Sprintf("action %s on %s session", action, e.sess.State))
	}
	return errors.WrapInvalid(
		fmt.Errorf("action %s is not legal in state %s", action, e.sess.State),
		"Manager", "Advance", "validate action")
}
