package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"memorygame/internal/game"
	"memorygame/internal/session"
)

// WSMessage is the JSON envelope for WebSocket messages.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type joinPayload struct {
	PlayerID string `json:"playerId"`
}

type actionPayload struct {
	Action game.Action `json:"action"`
}

type statePayload struct {
	State        any                 `json:"state"`
	ValidActions []game.Action       `json:"validActions"`
	SessionInfo  session.Info        `json:"sessionInfo"`
	Results      []game.PlayerResult `json:"results,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	sess, ok := s.manager.Get(code)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // allow any origin for dev
	})
	if err != nil {
		log.Warn().Err(err).Str("session", code).Msg("websocket accept")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// First message must be a join
	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "join" {
		sendWSError(ctx, conn, "first message must be a join")
		return
	}
	var join joinPayload
	if err := json.Unmarshal(msg.Payload, &join); err != nil || join.PlayerID == "" {
		sendWSError(ctx, conn, "invalid join payload")
		return
	}

	playerID := join.PlayerID
	send := make(chan []byte, 64)

	// Reconnect an existing player, or join a new one
	if !sess.ConnectPlayer(playerID, send) {
		if err := s.manager.AddPlayer(sess, playerID); err != nil {
			sendWSError(ctx, conn, err.Error())
			return
		}
		sess.ConnectPlayer(playerID, send)
	}
	log.Info().Str("session", code).Str("player", playerID).Msg("player connected")

	s.broadcastState(sess)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-send:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "session closed")
					return
				}
				if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.SendTo(playerID, encodeWSMsg("error", errorPayload{Message: "invalid message"}))
			continue
		}
		s.handleMessage(sess, playerID, msg)
	}

	// Keep the player so they can reconnect.
	log.Info().Str("session", code).Str("player", playerID).Msg("player disconnected")
}

func (s *Server) handleMessage(sess *session.Session, playerID string, msg WSMessage) {
	reply := func(message string) {
		sess.SendTo(playerID, encodeWSMsg("error", errorPayload{Message: message}))
	}

	switch msg.Type {
	case "action":
		var ap actionPayload
		if err := json.Unmarshal(msg.Payload, &ap); err != nil {
			reply("invalid action payload")
			return
		}
		sess.RLock()
		match := sess.Match
		sess.RUnlock()
		if match == nil {
			reply("game not started")
			return
		}
		// handleMatchEvent takes the session lock for each event the action
		// raises, so it must not be held here.
		if err := match.ApplyAction(playerID, ap.Action); err != nil {
			reply(err.Error())
		}

	case "start":
		if sess.Info().HostID != playerID {
			reply("only the host can start")
			return
		}
		if err := sess.Start(); err != nil {
			reply(err.Error())
			return
		}
		s.persist(sess)
		s.broadcastState(sess)

	default:
		reply("unknown message type: " + msg.Type)
	}
}

// broadcastState sends every player their view. Channels are read and
// written under the session lock, since a reconnect replaces them.
func (s *Server) broadcastState(sess *session.Session) {
	sess.RLock()
	defer sess.RUnlock()
	info := sess.InfoLocked()
	for pid, p := range sess.Players {
		sp := statePayload{SessionInfo: info}
		if sess.Match != nil && sess.Status != session.StatusWaiting {
			sp.State = sess.Match.State(pid)
			sp.ValidActions = sess.Match.ValidActions(pid)
			if sess.Match.IsOver() {
				sp.Results = sess.Match.Results()
			}
		}
		sendWSMsg(p.Send, "state", sp)
	}
}

func encodeWSMsg(msgType string, payload any) []byte {
	p, _ := json.Marshal(payload)
	msg, _ := json.Marshal(WSMessage{Type: msgType, Payload: p})
	return msg
}

func sendWSMsg(send chan []byte, msgType string, payload any) {
	select {
	case send <- encodeWSMsg(msgType, payload):
	default:
	}
}

func sendWSError(ctx context.Context, conn *websocket.Conn, message string) {
	conn.Write(ctx, websocket.MessageText, encodeWSMsg("error", errorPayload{Message: message}))
}
