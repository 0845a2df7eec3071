// Package session keeps one frame window per client session.
package session

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/lipread/internal/config"
	"github.com/loqalabs/lipread/internal/lipread"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrEnded is returned by Session.Observe once the session has been
	// removed from its manager.
	ErrEnded = errors.New("session ended")
)

// observeAttempts bounds how often Manager.Observe retries a session that
// ended between lookup and observation.
const observeAttempts = 3

// EndReason says why a session was removed.
type EndReason string

const (
	EndClosed  EndReason = "closed"
	EndIdle    EndReason = "idle"
	EndEvicted EndReason = "evicted"
)

// PredictFunc runs a prediction over a window snapshot.
type PredictFunc func(ctx context.Context, frames []lipread.Frame) (lipread.Result, error)

// Session owns one frame window. Observe calls on a session are serialized.
type Session struct {
	ID string

	mu       sync.Mutex
	window   *lipread.Window
	lastSeen time.Time
	elem     *list.Element
	ended    atomic.Bool
}

// Observe pushes frame, snapshots the window and runs predict while holding
// the session lock. It returns the result and the number of buffered frames,
// or ErrEnded without touching the window if the session was removed.
func (s *Session) Observe(ctx context.Context, frame lipread.Frame, predict PredictFunc) (lipread.Result, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended.Load() {
		return lipread.Result{}, 0, ErrEnded
	}
	s.window.Push(frame)
	snap := s.window.Snapshot()
	res, err := predict(ctx, snap)
	return res, len(snap), err
}

func (s *Session) Reset() {
	s.mu.Lock()
	s.window.Reset()
	s.mu.Unlock()
}

// Buffered returns the current window length.
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.Len()
}

// Manager maps session IDs to sessions, expiring idle ones and evicting the
// least recently used when full.
type Manager struct {
	cfg      config.SessionsConfig
	capacity int
	log      *slog.Logger
	clock    func() time.Time
	onEnd    func(id string, reason EndReason)

	mu       sync.Mutex
	sessions map[string]*Session
	lru      *list.List // front is most recent
}

func NewManager(cfg config.SessionsConfig, windowCapacity int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultID == "" {
		cfg.DefaultID = "default"
	}
	return &Manager{
		cfg:      cfg,
		capacity: windowCapacity,
		log:      logger.With(slog.String("component", "sessions")),
		clock:    time.Now,
		sessions: make(map[string]*Session),
		lru:      list.New(),
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(clock func() time.Time) {
	m.mu.Lock()
	m.clock = clock
	m.mu.Unlock()
}

// OnEnd registers a hook invoked after a session is removed. It runs
// without the manager lock held.
func (m *Manager) OnEnd(fn func(id string, reason EndReason)) {
	m.mu.Lock()
	m.onEnd = fn
	m.mu.Unlock()
}

// Resolve maps an empty ID to the default session ID.
func (m *Manager) Resolve(id string) string {
	if id == "" {
		return m.cfg.DefaultID
	}
	return id
}

// Get returns the session for id, creating it if needed.
func (m *Manager) Get(id string) *Session {
	id = m.Resolve(id)
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		s.lastSeen = m.clock()
		m.lru.MoveToFront(s.elem)
		m.mu.Unlock()
		return s
	}
	var evicted *Session
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		if back := m.lru.Back(); back != nil {
			evicted = back.Value.(*Session)
			m.removeLocked(evicted)
		}
	}
	s = &Session{ID: id, window: lipread.NewWindow(m.capacity), lastSeen: m.clock()}
	s.elem = m.lru.PushFront(s)
	m.sessions[id] = s
	hook := m.onEnd
	m.mu.Unlock()

	if evicted != nil {
		m.log.Info("session evicted", slog.String("session_id", evicted.ID))
		if hook != nil {
			hook(evicted.ID, EndEvicted)
		}
	}
	return s
}

// Observe runs frame through the live session for id, creating it if
// needed. A session removed between lookup and observation is looked up
// again so the frame never lands in a discarded window.
func (m *Manager) Observe(ctx context.Context, id string, frame lipread.Frame, predict PredictFunc) (lipread.Result, int, error) {
	for range observeAttempts - 1 {
		res, n, err := m.Get(id).Observe(ctx, frame, predict)
		if !errors.Is(err, ErrEnded) {
			return res, n, err
		}
	}
	return m.Get(id).Observe(ctx, frame, predict)
}

// Create starts a session under a fresh random ID.
func (m *Manager) Create() *Session {
	return m.Get(uuid.NewString())
}

// Reset clears the window of id. Resetting an unknown session is a no-op.
func (m *Manager) Reset(id string) {
	id = m.Resolve(id)
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		s.lastSeen = m.clock()
		m.lru.MoveToFront(s.elem)
	}
	m.mu.Unlock()
	if ok {
		s.Reset()
	}
}

// End removes id.
func (m *Manager) End(id string) error {
	id = m.Resolve(id)
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	m.removeLocked(s)
	hook := m.onEnd
	m.mu.Unlock()
	if hook != nil {
		hook(id, EndClosed)
	}
	return nil
}

// Lookup returns an existing session without creating one.
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[m.Resolve(id)]
	return s, ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) removeLocked(s *Session) {
	s.ended.Store(true)
	delete(m.sessions, s.ID)
	m.lru.Remove(s.elem)
}

// ExpireIdle removes sessions not seen for longer than the idle timeout and
// returns how many were removed.
func (m *Manager) ExpireIdle() int {
	timeout := time.Duration(m.cfg.IdleTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		return 0
	}
	m.mu.Lock()
	now := m.clock()
	var expired []string
	for e := m.lru.Back(); e != nil; {
		s := e.Value.(*Session)
		prev := e.Prev()
		if now.Sub(s.lastSeen) <= timeout {
			break
		}
		m.removeLocked(s)
		expired = append(expired, s.ID)
		e = prev
	}
	hook := m.onEnd
	m.mu.Unlock()

	for _, id := range expired {
		m.log.Debug("session expired", slog.String("session_id", id))
		if hook != nil {
			hook(id, EndIdle)
		}
	}
	return len(expired)
}

// Run expires idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	timeout := time.Duration(m.cfg.IdleTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		return
	}
	interval := max(timeout/4, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.ExpireIdle(); n > 0 {
				m.log.Info("expired idle sessions", slog.Int("count", n))
			}
		}
	}
}
