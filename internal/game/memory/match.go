package memory

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"memorygame/internal/game"
)

// Action types accepted by Match.ApplyAction.
const (
	ActionSelect = "select"
	ActionReset  = "reset"
)

// Game implements game.Game for one symbol set.
type Game struct {
	name string
	cfg  Config
	opts []Option
}

// NewGame validates cfg so that NewMatch cannot fail later.
func NewGame(name string, cfg Config, opts ...Option) (Game, error) {
	if err := cfg.Validate(); err != nil {
		return Game{}, fmt.Errorf("deck %q: %w", name, err)
	}
	return Game{name: name, cfg: cfg, opts: opts}, nil
}

// Info describes the deck for the lobby. The game is single-player.
func (g Game) Info() game.GameInfo {
	return game.GameInfo{
		Name:       g.name,
		Pairs:      len(g.cfg.Symbols),
		MinPlayers: 1,
		MaxPlayers: 1,
	}
}

// NewMatch deals the first deck before subscribing config.Notify, so the
// opening GameReset is not reported.
func (g Game) NewMatch(config game.MatchConfig) game.Match {
	e, err := NewEngine(g.cfg, g.opts...)
	if err != nil {
		panic(fmt.Sprintf("deck %q: %v", g.name, err))
	}
	e.Reset()
	m := newMatch(e)
	if len(config.PlayerIDs) > 0 {
		m.player = config.PlayerIDs[0]
	}
	if notify := config.Notify; notify != nil {
		e.Subscribe(func(ev Event) { notify(publicEvent(ev)) })
	}
	return m
}

// Match implements game.Match on top of an Engine. The match counts as over
// once GameComplete has been emitted, not when the last pair is found, so
// clients see the completion delay.
type Match struct {
	player string
	engine *Engine
	over   atomic.Bool
}

// newMatch subscribes the completion tracker ahead of any other listener.
func newMatch(e *Engine) *Match {
	m := &Match{engine: e}
	e.Subscribe(m.track)
	return m
}

func (m *Match) track(ev Event) {
	switch ev.Kind {
	case EventGameComplete:
		m.over.Store(true)
	case EventGameReset:
		m.over.Store(false)
	}
}

// CardView is the client-facing card. Symbol is omitted while the card is
// face down.
type CardView struct {
	Position int    `json:"position"`
	State    string `json:"state"`
	Symbol   Symbol `json:"symbol,omitempty"`
}

type stateView struct {
	GameID   string     `json:"gameId"`
	Cards    []CardView `json:"cards"`
	Moves    int        `json:"moves"`
	Matched  int        `json:"matched"`
	Pairs    int        `json:"pairs"`
	Locked   bool       `json:"locked"`
	Complete bool       `json:"complete"`
	Phase    Phase      `json:"phase"`
}

type resetView struct {
	GameID string     `json:"gameId"`
	Cards  []CardView `json:"cards"`
}

type selectPayload struct {
	Position int `json:"position"`
}

// BuildCardViews hides the symbol of every hidden card.
func BuildCardViews(deck Deck) []CardView {
	views := make([]CardView, len(deck))
	for i, c := range deck {
		v := CardView{Position: c.Position, State: c.State.String()}
		if c.State != Hidden {
			v.Symbol = c.Symbol
		}
		views[i] = v
	}
	return views
}

// State returns the board as every player sees it.
func (m *Match) State(playerID string) any {
	st := m.engine.Snapshot()
	return stateView{
		GameID:   st.GameID.String(),
		Cards:    BuildCardViews(st.Deck),
		Moves:    st.Moves,
		Matched:  st.Matched,
		Pairs:    st.Deck.Pairs(),
		Locked:   st.Locked,
		Complete: m.over.Load(),
		Phase:    st.Phase,
	}
}

// ValidActions lists a select for each face-down card while input is open,
// and reset always.
func (m *Match) ValidActions(playerID string) []game.Action {
	if playerID != m.player {
		return nil
	}
	st := m.engine.Snapshot()
	var actions []game.Action
	if !st.Locked && !st.Complete() {
		for _, c := range st.Deck {
			if c.State != Hidden {
				continue
			}
			payload, _ := json.Marshal(selectPayload{Position: c.Position})
			actions = append(actions, game.Action{Type: ActionSelect, Payload: payload})
		}
	}
	return append(actions, game.Action{Type: ActionReset})
}

// ApplyAction decodes and applies an action. Selections the rules ignore are
// not errors.
func (m *Match) ApplyAction(playerID string, action game.Action) error {
	if playerID != m.player {
		return fmt.Errorf("player %s is not in this match", playerID)
	}
	switch action.Type {
	case ActionSelect:
		var sel selectPayload
		if err := json.Unmarshal(action.Payload, &sel); err != nil {
			return fmt.Errorf("invalid select payload: %w", err)
		}
		m.engine.SelectCard(sel.Position)
		return nil
	case ActionReset:
		m.engine.Reset()
		return nil
	default:
		return fmt.Errorf("unknown action type: %s", action.Type)
	}
}

// IsOver reports whether GameComplete has been emitted for the current deal.
func (m *Match) IsOver() bool {
	return m.over.Load()
}

// Results ranks the single player with their move count once the match is over.
func (m *Match) Results() []game.PlayerResult {
	if !m.over.Load() {
		return nil
	}
	st := m.engine.Snapshot()
	return []game.PlayerResult{{PlayerID: m.player, Rank: 1, Score: st.Moves}}
}

// Close cancels the match's pending timers.
func (m *Match) Close() error {
	m.engine.Stop()
	return nil
}

type persistedMatch struct {
	Player string    `json:"player"`
	State  GameState `json:"state"`
}

// MarshalJSON encodes the player and a snapshot of the engine.
func (m *Match) MarshalJSON() ([]byte, error) {
	return json.Marshal(persistedMatch{Player: m.player, State: m.engine.Snapshot()})
}

// UnmarshalJSON restores a snapshot written by MarshalJSON. A finished board
// is over at once; a completion timer pending at save time is not replayed.
func (m *Match) UnmarshalJSON(data []byte) error {
	var p persistedMatch
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if m.engine == nil {
		e, err := NewEngine(DefaultConfig())
		if err != nil {
			return err
		}
		m.engine = e
		e.Subscribe(m.track)
	}
	if err := m.engine.Restore(p.State); err != nil {
		return err
	}
	m.player = p.Player
	m.over.Store(p.State.Complete())
	return nil
}

func publicEvent(ev Event) game.Event {
	if ev.Kind == EventGameReset {
		return game.Event{
			Type:    string(ev.Kind),
			Payload: resetView{GameID: ev.GameID.String(), Cards: BuildCardViews(ev.Deck)},
		}
	}
	return game.Event{Type: string(ev.Kind), Payload: ev}
}
