package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"memorygame/internal/game"
	"memorygame/internal/session"
)

// Server is the HTTP server.
type Server struct {
	r        *chi.Mux
	registry *game.Registry
	manager  *session.Manager
	webDir   string
}

// New creates a server with all routes and subscribes it to match events.
// When webDir is non-empty its files are served for any unmatched path.
func New(registry *game.Registry, manager *session.Manager, webDir string) *Server {
	s := &Server{
		r:        chi.NewRouter(),
		registry: registry,
		manager:  manager,
		webDir:   webDir,
	}
	s.r.Use(chimw.RequestID)
	s.r.Use(chimw.RealIP)
	s.r.Use(chimw.Recoverer)
	s.routes()
	manager.OnEvent(s.handleMatchEvent)
	return s
}

func (s *Server) routes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	s.r.Route("/api", func(r chi.Router) {
		r.Get("/games", s.handleListGames)
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{code}", s.handleGetSession)
		r.Post("/sessions/{code}/start", s.handleStartSession)
		r.Get("/sessions/{code}/ws", s.handleWebSocket)
	})

	if s.webDir != "" {
		s.r.Handle("/*", http.FileServer(http.Dir(s.webDir)))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.r.ServeHTTP(w, r)
}

func (s *Server) handleListGames(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

type createSessionRequest struct {
	GameType string `json:"gameType"`
	PlayerID string `json:"playerId"`
}

type createSessionResponse struct {
	Code string `json:"code"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req.GameType = strings.TrimSpace(req.GameType)
	req.PlayerID = strings.TrimSpace(req.PlayerID)
	if req.GameType == "" || req.PlayerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "gameType and playerId required"})
		return
	}

	sess, err := s.manager.Create(req.GameType)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.manager.AddPlayer(sess, req.PlayerID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	log.Info().Str("session", sess.Code).Str("game", req.GameType).Str("player", req.PlayerID).Msg("session created")
	writeJSON(w, http.StatusCreated, createSessionResponse{Code: sess.Code})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Get(chi.URLParam(r, "code"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Get(chi.URLParam(r, "code"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err := sess.Start(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.persist(sess)
	s.broadcastState(sess)
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// handleMatchEvent forwards an engine event to the session's players,
// followed by the state it produced.
func (s *Server) handleMatchEvent(sess *session.Session, ev game.Event) {
	sess.Broadcast(encodeWSMsg("event", ev))
	sess.SyncStatus()
	s.persist(sess)
	s.broadcastState(sess)
}

func (s *Server) persist(sess *session.Session) {
	if err := s.manager.SaveMatchState(sess); err != nil {
		log.Error().Err(err).Str("session", sess.Code).Msg("save match state")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
