package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/tutorloop/tutorloop/ai/task"
)

const cleanupCheckInterval = 30 * time.Second

// Manager tracks live sessions and reaps the ones whose learner went quiet
// without disconnecting.
type Manager struct {
	processor   Processor
	transcriber Transcriber
	synthesizer Synthesizer
	metrics     Metrics
	log         *slog.Logger
	cfg         Config
	idleTimeout time.Duration
	maxSessions int

	mu       sync.RWMutex
	sessions map[string]*Session
	done     chan struct{}
	stopOnce sync.Once
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Session Config
	// IdleTimeout reaps sessions with no inbound frames for this long.
	// Defaults to 5 minutes.
	IdleTimeout time.Duration
	// MaxSessions caps concurrent sessions. Zero means unlimited.
	MaxSessions int
	Metrics     Metrics
	Synthesizer Synthesizer
	Transcriber Transcriber
	Logger      *slog.Logger
}

// ErrTooManySessions is returned by Open when the session cap is reached.
var ErrTooManySessions = errors.New("session: too many concurrent sessions")

// NewManager creates a Manager and starts its idle cleanup loop.
func NewManager(processor Processor, cfg ManagerConfig) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}
	if cfg.Transcriber == nil {
		cfg.Transcriber = PassthroughTranscriber{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		processor:   processor,
		transcriber: cfg.Transcriber,
		synthesizer: cfg.Synthesizer,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		cfg:         cfg.Session,
		idleTimeout: cfg.IdleTimeout,
		maxSessions: cfg.MaxSessions,
		sessions:    make(map[string]*Session),
		done:        make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Open creates a session for one learner connection and starts its event
// loop. The caller feeds it frames via Push* and must call Close (or rely
// on idle cleanup) when the connection drops.
func (m *Manager) Open(transport Transport, learner task.LearnerProfile) (*Session, error) {
	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	id := shortuuid.New()
	s := newSession(id, learner, transport, m.processor, m.transcriber, m.synthesizer, m.metrics, m.cfg, m.log)
	m.sessions[id] = s
	m.mu.Unlock()

	m.metrics.SessionStarted()
	m.log.Info("session: opened", "session_id", id, "learner_id", learner.ID, "level", learner.Level)

	go func() {
		s.run()
		m.remove(id)
	}()
	return s, nil
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Shutdown closes every session and stops the cleanup loop. Returns once
// all session loops have exited or ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.done) })

	m.mu.RLock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.RUnlock()
	for _, s := range open {
		s.Close()
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "session: shutdown incomplete")
		case <-ticker.C:
		}
	}
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(cleanupCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.idleTimeout)
	m.mu.RLock()
	var stale []*Session
	for _, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()
	for _, s := range stale {
		m.log.Info("session: reaping idle session", "session_id", s.ID)
		s.Close()
	}
}
