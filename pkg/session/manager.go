// Package session owns the provider sessions driven through the HTTP API
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/silviot/callbridge/pkg/factory"
	"github.com/silviot/callbridge/pkg/metrics"
	"github.com/silviot/callbridge/pkg/participant"
	"github.com/silviot/callbridge/pkg/provider"
)

var (
	// ErrNotFound is returned for an unknown session id
	ErrNotFound = errors.New("session: not found")
	// ErrTooManySessions is returned when MaxSessions are held
	ErrTooManySessions = errors.New("session: too many sessions")
)

// Factory builds providers by call category
type Factory interface {
	New(c factory.Category) (provider.Provider, error)
}

// Session is one joined provider
type Session struct {
	ID        string
	Category  factory.Category
	Join      provider.JoinConfig
	Identity  provider.Identity
	CreatedAt time.Time

	provider  provider.Provider
	listeners []provider.ListenerID
}

// Provider returns the backend driving the session
func (s *Session) Provider() provider.Provider { return s.provider }

// Snapshot is the JSON view of a session
type Snapshot struct {
	ID           string                     `json:"id"`
	Category     factory.Category           `json:"category"`
	Kind         provider.Kind              `json:"kind"`
	RoomID       string                     `json:"roomId"`
	UserID       string                     `json:"userId"`
	Identity     provider.Identity          `json:"identity"`
	State        provider.State             `json:"state"`
	Error        string                     `json:"error,omitempty"`
	Metrics      metrics.CallMetrics        `json:"metrics"`
	Participants []participant.Participant  `json:"participants"`
	Transcript   []provider.TranscriptEntry `json:"transcript"`
	CreatedAt    time.Time                  `json:"createdAt"`
}

// Snapshot captures the current view of the session
func (s *Session) Snapshot() Snapshot {
	state := s.provider.State()
	snap := Snapshot{
		ID:           s.ID,
		Category:     s.Category,
		Kind:         s.provider.Kind(),
		RoomID:       s.Join.RoomID,
		UserID:       s.Join.UserID,
		Identity:     s.Identity,
		State:        state,
		Metrics:      s.provider.CallMetrics(),
		Participants: s.provider.Participants(),
		Transcript:   s.provider.Transcript(),
		CreatedAt:    s.CreatedAt,
	}
	if state.Err != nil {
		snap.Error = state.Err.Error()
	}
	if snap.Participants == nil {
		snap.Participants = []participant.Participant{}
	}
	if snap.Transcript == nil {
		snap.Transcript = []provider.TranscriptEntry{}
	}
	return snap
}

// ManagerConfig holds configuration for the session manager
type ManagerConfig struct {
	Factory Factory
	// Recorder defaults to one on a private registry
	Recorder    *metrics.Recorder
	MaxSessions int
	Logger      *slog.Logger
}

// Manager manages the sessions of the service
type Manager struct {
	sessions    map[string]*Session
	mu          sync.RWMutex
	factory     Factory
	recorder    *metrics.Recorder
	maxSessions int
	logger      *slog.Logger
}

// NewManager creates a new session manager
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.NewRecorder(prometheus.NewRegistry())
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 100
	}

	return &Manager{
		sessions:    make(map[string]*Session),
		factory:     cfg.Factory,
		recorder:    cfg.Recorder,
		maxSessions: cfg.MaxSessions,
		logger:      cfg.Logger,
	}
}

// Create builds a provider for category and joins it. A failed join is
// torn down and not kept.
func (m *Manager) Create(ctx context.Context, category factory.Category, join provider.JoinConfig) (*Session, error) {
	if err := join.Validate(); err != nil {
		return nil, err
	}
	if m.Count() >= m.maxSessions {
		return nil, ErrTooManySessions
	}

	p, err := m.factory.New(category)
	if err != nil {
		return nil, err
	}
	kind := string(p.Kind())

	s := &Session{
		ID:        uuid.NewString(),
		Category:  category,
		Join:      join,
		CreatedAt: time.Now(),
		provider:  p,
	}
	logger := m.logger.With("session", s.ID, "provider", kind)
	for _, k := range provider.EventKinds {
		id := p.On(k, func(ev provider.Event) { m.observe(logger, kind, ev) })
		s.listeners = append(s.listeners, id)
	}

	identity, err := p.Join(ctx, join)
	if err != nil {
		m.recorder.CountJoinFailure(kind, string(provider.KindOf(err)))
		if lerr := p.Leave(context.Background()); lerr != nil {
			logger.Warn("cleanup after failed join", "error", lerr)
		}
		s.detach()
		return nil, fmt.Errorf("join %s: %w", kind, err)
	}
	s.Identity = identity

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.recorder.SessionStarted(kind)

	logger.Info("session joined", "room", join.RoomID, "user", join.UserID, "identity", identity)
	return s, nil
}

func (m *Manager) observe(logger *slog.Logger, kind string, ev provider.Event) {
	m.recorder.CountEvent(kind, string(ev.Kind))

	switch ev.Kind {
	case provider.EventMetricsUpdated:
		if ev.Metrics != nil {
			m.recorder.Observe(kind, *ev.Metrics)
		}
	case provider.EventDisconnected:
		logger.Info("session disconnected", "reason", ev.Reason)
	case provider.EventConnectionError:
		logger.Warn("session error", "reason", ev.Reason)
	case provider.EventParticipantJoined, provider.EventParticipantLeft:
		if ev.Participant != nil {
			logger.Debug("participant change", "event", string(ev.Kind), "participant", ev.Participant.ID)
		}
	}
}

func (s *Session) detach() {
	for i, id := range s.listeners {
		s.provider.Off(provider.EventKinds[i], id)
	}
	s.listeners = nil
}

// Get returns the session with id
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Leave tears down the session with id and forgets it
func (m *Manager) Leave(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	kind := string(s.provider.Kind())
	err := s.provider.Leave(ctx)
	s.detach()
	m.recorder.SessionEnded(kind)

	m.logger.Info("session left", "session", id, "provider", kind)
	if err != nil {
		return fmt.Errorf("leave %s: %w", id, err)
	}
	return nil
}

// Count returns the number of held sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns the ids of the held sessions
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close leaves every session
func (m *Manager) Close() error {
	var errs []error
	for _, id := range m.List() {
		if err := m.Leave(context.Background(), id); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Error("failed to leave session during shutdown", "session", id, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
