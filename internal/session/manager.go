package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"memorygame/internal/game"
	"memorygame/internal/storage"
)

// Manager manages all active sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	registry *game.Registry
	store    *storage.Store
	onEvent  func(*Session, game.Event)
}

// NewManager creates a session manager.
func NewManager(registry *game.Registry, store *storage.Store) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		registry: registry,
		store:    store,
	}
}

// OnEvent sets the receiver of match events for every session. Events from
// timers arrive on their own goroutine.
func (m *Manager) OnEvent(fn func(*Session, game.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = fn
}

func (m *Manager) dispatch(s *Session, ev game.Event) {
	m.mu.RLock()
	fn := m.onEvent
	m.mu.RUnlock()
	if fn != nil {
		fn(s, ev)
	}
}

func (m *Manager) newSession(code, gameType string, g game.Game) *Session {
	s := NewSession(code, gameType, g)
	s.notify = func(ev game.Event) { m.dispatch(s, ev) }
	return s
}

// Create makes a new session and persists it.
func (m *Manager) Create(gameType string) (*Session, error) {
	g, ok := m.registry.Get(gameType)
	if !ok {
		return nil, fmt.Errorf("unknown game type: %s", gameType)
	}
	code := generateCode()
	if err := m.store.CreateSession(code, gameType); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	s := m.newSession(code, gameType, g)
	m.mu.Lock()
	m.sessions[code] = s
	m.mu.Unlock()
	return s, nil
}

// AddPlayer joins playerID to the session and persists the roster.
func (m *Manager) AddPlayer(s *Session, playerID string) error {
	if err := s.AddPlayer(playerID); err != nil {
		return err
	}
	if err := m.store.SetSessionPlayer(s.Code, playerID); err != nil {
		return fmt.Errorf("persist player: %w", err)
	}
	return nil
}

// Get returns a session by code.
func (m *Manager) Get(code string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[code]
	return s, ok
}

// List returns info for all active sessions.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// SaveMatchState persists the session status and board snapshot.
func (m *Manager) SaveMatchState(s *Session) error {
	s.mu.RLock()
	match := s.Match
	status := s.Status
	s.mu.RUnlock()

	if err := m.store.UpdateSessionStatus(s.Code, string(status)); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if match == nil {
		return nil
	}
	data, err := match.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal match state: %w", err)
	}
	return m.store.SaveMatchState(s.Code, string(data))
}

// Restore loads unfinished sessions from the database on startup.
func (m *Manager) Restore() error {
	rows, err := m.store.ListSessions("")
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, row := range rows {
		if Status(row.Status) == StatusFinished {
			continue
		}
		g, ok := m.registry.Get(row.GameType)
		if !ok {
			log.Warn().Str("session", row.Code).Str("game", row.GameType).Msg("skipping session: unknown game type")
			continue
		}
		s := m.newSession(row.Code, row.GameType, g)
		s.Status = Status(row.Status)
		if row.PlayerID != "" {
			s.addPlayerLocked(row.PlayerID)
		}

		if s.Status == StatusPlaying {
			stateJSON, err := m.store.GetMatchState(row.Code)
			if err != nil {
				log.Warn().Err(err).Str("session", row.Code).Msg("skipping session: no match state")
				continue
			}
			match := g.NewMatch(game.MatchConfig{PlayerIDs: []string{row.PlayerID}, Notify: s.dispatch})
			if err := match.UnmarshalJSON([]byte(stateJSON)); err != nil {
				log.Warn().Err(err).Str("session", row.Code).Msg("skipping session: corrupt match state")
				continue
			}
			s.Match = match
		}
		m.mu.Lock()
		m.sessions[row.Code] = s
		m.mu.Unlock()
		log.Debug().Str("session", row.Code).Str("status", row.Status).Msg("session restored")
	}
	return nil
}

// Remove deletes a session from memory and storage.
func (m *Manager) Remove(code string) {
	m.mu.Lock()
	s, ok := m.sessions[code]
	delete(m.sessions, code)
	m.mu.Unlock()
	if ok {
		release(s)
	}
	if err := m.store.DeleteSession(code); err != nil {
		log.Error().Err(err).Str("session", code).Msg("delete session")
	}
}

// CleanupLoop removes stale sessions every interval until ctx is done.
func (m *Manager) CleanupLoop(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(maxAge)
		}
	}
}

// cleanup drops sessions nobody joined and sessions idle for longer than maxAge.
func (m *Manager) cleanup(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for code, s := range m.sessions {
		s.mu.RLock()
		empty := len(s.Players) == 0
		s.mu.RUnlock()

		row, err := m.store.GetSession(code)
		if err != nil {
			release(s)
			delete(m.sessions, code)
			continue
		}
		if empty || now.Sub(row.UpdatedAt) > maxAge {
			log.Info().Str("session", code).Bool("empty", empty).Msg("cleaning up session")
			release(s)
			if err := m.store.DeleteSession(code); err != nil {
				log.Error().Err(err).Str("session", code).Msg("delete session")
			}
			delete(m.sessions, code)
		}
	}
}

// release stops the match and disconnects every player; closing a player's
// channel ends their websocket writer.
func release(s *Session) {
	s.Close()
	for _, id := range s.PlayerIDs() {
		s.RemovePlayer(id)
	}
}

func generateCode() string {
	b := make([]byte, 3) // 6 hex chars
	rand.Read(b)
	return hex.EncodeToString(b)
}
