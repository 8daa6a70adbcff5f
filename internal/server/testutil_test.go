package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"memorygame/internal/game"
	"memorygame/internal/game/memory"
	"memorygame/internal/session"
	"memorygame/internal/storage"
)

// --- Test environment ---

type testEnv struct {
	ts  *httptest.Server
	mgr *session.Manager
	reg *game.Registry
}

// pairsDeck deals A B A B: positions 0/2 and 1/3 are the pairs.
func pairsDeck(t *testing.T) memory.Game {
	t.Helper()
	cfg := memory.Config{
		Symbols:         []memory.Symbol{"A", "B"},
		RevertDelay:     20 * time.Millisecond,
		CompletionDelay: 0,
	}
	g, err := memory.NewGame("pairs", cfg, memory.WithRandom(func() float64 { return 0.999999 }))
	if err != nil {
		t.Fatalf("new game: %v", err)
	}
	return g
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := game.NewRegistry()
	reg.MustRegister(pairsDeck(t))
	mgr := session.NewManager(reg, store)

	webDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(webDir, "index.html"), []byte("<html><body>test</body></html>"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	srv := New(reg, mgr, webDir)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, mgr: mgr, reg: reg}
}

func timeoutCtx(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// --- REST API helpers ---

func createSessionViaAPI(t *testing.T, ts *httptest.Server, gameType, playerID string) string {
	t.Helper()
	body := fmt.Sprintf(`{"gameType":%q,"playerId":%q}`, gameType, playerID)
	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var result createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return result.Code
}

// --- WebSocket helpers ---

func wsURL(ts *httptest.Server, code string) string {
	return strings.Replace(ts.URL, "http://", "ws://", 1) + "/api/sessions/" + code + "/ws"
}

// wsConnect dials, joins as playerID and consumes the state sent on join.
// The caller is responsible for closing the connection.
func wsConnect(t *testing.T, ctx context.Context, ts *httptest.Server, code, playerID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, wsURL(ts, code), nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	wsSend(ctx, t, conn, "join", joinPayload{PlayerID: playerID})
	readState(t, ctx, conn)
	return conn
}

// wsSend marshals and writes a typed message, calling t.Fatal on error.
func wsSend(ctx context.Context, t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	p, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, err := json.Marshal(WSMessage{Type: msgType, Payload: p})
	if err != nil {
		t.Fatalf("marshal ws message: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("ws write: %v", err)
	}
}

// wsRead reads and unmarshals a WebSocket message, calling t.Fatal on error.
func wsRead(ctx context.Context, t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal ws message: %v", err)
	}
	return msg
}

// readState reads a message and expects it to be a "state" message.
func readState(t *testing.T, ctx context.Context, conn *websocket.Conn) statePayload {
	t.Helper()
	msg := wsRead(ctx, t, conn)
	if msg.Type != "state" {
		t.Fatalf("expected state message, got %q: %s", msg.Type, string(msg.Payload))
	}
	var sp statePayload
	if err := json.Unmarshal(msg.Payload, &sp); err != nil {
		t.Fatalf("unmarshal state payload: %v", err)
	}
	return sp
}

type eventMsg struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// readEvent reads an "event" message, checks its type, and returns the
// state message that follows it.
func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn, want string) (eventMsg, statePayload) {
	t.Helper()
	msg := wsRead(ctx, t, conn)
	if msg.Type != "event" {
		t.Fatalf("expected event message, got %q: %s", msg.Type, string(msg.Payload))
	}
	var ev eventMsg
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Type != want {
		t.Fatalf("expected event %s, got %s: %s", want, ev.Type, string(ev.Payload))
	}
	return ev, readState(t, ctx, conn)
}

// readError reads a message and expects it to be an "error" message.
func readError(t *testing.T, ctx context.Context, conn *websocket.Conn) string {
	t.Helper()
	msg := wsRead(ctx, t, conn)
	if msg.Type != "error" {
		t.Fatalf("expected error message, got %q: %s", msg.Type, string(msg.Payload))
	}
	var ep errorPayload
	if err := json.Unmarshal(msg.Payload, &ep); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	return ep.Message
}

// --- Game helpers ---

func selectAction(position int) actionPayload {
	payload, _ := json.Marshal(map[string]int{"position": position})
	return actionPayload{Action: game.Action{Type: memory.ActionSelect, Payload: payload}}
}

type boardView struct {
	GameID   string            `json:"gameId"`
	Cards    []memory.CardView `json:"cards"`
	Moves    int               `json:"moves"`
	Matched  int               `json:"matched"`
	Pairs    int               `json:"pairs"`
	Locked   bool              `json:"locked"`
	Complete bool              `json:"complete"`
}

// board decodes the match state carried by a state message.
func board(t *testing.T, sp statePayload) boardView {
	t.Helper()
	if sp.State == nil {
		t.Fatal("expected match state, got none")
	}
	data, err := json.Marshal(sp.State)
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	var b boardView
	if err := json.Unmarshal(data, &b); err != nil {
		t.Fatalf("unmarshal board: %v", err)
	}
	return b
}

// startGame connects alice to a fresh session and starts it.
func startGame(t *testing.T, ctx context.Context, env *testEnv) (*websocket.Conn, string) {
	t.Helper()
	code := createSessionViaAPI(t, env.ts, "pairs", "alice")
	conn := wsConnect(t, ctx, env.ts, code, "alice")
	wsSend(ctx, t, conn, "start", struct{}{})
	sp := readState(t, ctx, conn)
	if sp.SessionInfo.Status != session.StatusPlaying {
		t.Fatalf("expected playing after start, got %s", sp.SessionInfo.Status)
	}
	return conn, code
}
