package memory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memorygame/internal/game"
)

func newTestMatch(t *testing.T, notify func(game.Event)) (*Match, *manualScheduler) {
	t.Helper()
	sched := &manualScheduler{}
	g, err := NewGame("test", testConfig("A", "B"), WithScheduler(sched), WithRandom(lastIndex))
	require.NoError(t, err)
	m := g.NewMatch(game.MatchConfig{PlayerIDs: []string{"alice"}, Notify: notify}).(*Match)
	return m, sched
}

func selectAction(pos int) game.Action {
	payload, _ := json.Marshal(selectPayload{Position: pos})
	return game.Action{Type: ActionSelect, Payload: payload}
}

func TestNewGameRejectsBadConfig(t *testing.T) {
	_, err := NewGame("broken", testConfig("A", "A"))
	require.ErrorIs(t, err, ErrDuplicateSymbol)
}

func TestGameInfo(t *testing.T) {
	g, err := NewGame("classic", DefaultConfig())
	require.NoError(t, err)
	info := g.Info()
	assert.Equal(t, "classic", info.Name)
	assert.Equal(t, 8, info.Pairs)
	assert.Equal(t, 1, info.MinPlayers)
	assert.Equal(t, 1, info.MaxPlayers)
}

func TestNewMatchDealsSilently(t *testing.T) {
	var events []game.Event
	m, _ := newTestMatch(t, func(ev game.Event) { events = append(events, ev) })
	assert.Empty(t, events)

	view := m.State("alice").(stateView)
	assert.Len(t, view.Cards, 4)
	assert.Equal(t, 2, view.Pairs)
	assert.Equal(t, PhaseIdle, view.Phase)
}

func TestStateHidesFaceDownSymbols(t *testing.T) {
	m, _ := newTestMatch(t, nil)
	require.NoError(t, m.ApplyAction("alice", selectAction(1)))

	view := m.State("alice").(stateView)
	for _, c := range view.Cards {
		if c.Position == 1 {
			assert.Equal(t, "flipped", c.State)
			assert.Equal(t, Symbol("B"), c.Symbol)
			continue
		}
		assert.Equal(t, "hidden", c.State)
		assert.Empty(t, c.Symbol)
	}

	data, err := json.Marshal(view.Cards[0])
	require.NoError(t, err)
	assert.NotContains(t, string(data), "symbol")
}

func TestValidActions(t *testing.T) {
	m, sched := newTestMatch(t, nil)

	actions := m.ValidActions("alice")
	require.Len(t, actions, 5)
	assert.Equal(t, ActionReset, actions[4].Type)
	assert.Nil(t, m.ValidActions("bob"))

	require.NoError(t, m.ApplyAction("alice", selectAction(0)))
	assert.Len(t, m.ValidActions("alice"), 4)

	require.NoError(t, m.ApplyAction("alice", selectAction(1)))
	actions = m.ValidActions("alice")
	require.Len(t, actions, 1, "only reset while a mismatch is showing")
	assert.Equal(t, ActionReset, actions[0].Type)

	sched.fire()
	assert.Len(t, m.ValidActions("alice"), 5)
}

func TestApplyActionErrors(t *testing.T) {
	m, _ := newTestMatch(t, nil)

	assert.Error(t, m.ApplyAction("bob", selectAction(0)))
	assert.Error(t, m.ApplyAction("alice", game.Action{Type: "shuffle"}))
	assert.Error(t, m.ApplyAction("alice", game.Action{Type: ActionSelect, Payload: json.RawMessage(`"zero"`)}))

	// Rule violations are not errors.
	assert.NoError(t, m.ApplyAction("alice", selectAction(99)))
	assert.NoError(t, m.ApplyAction("alice", selectAction(0)))
	assert.NoError(t, m.ApplyAction("alice", selectAction(0)))
	assert.Equal(t, 0, m.State("alice").(stateView).Moves)
}

func TestPlayToCompletion(t *testing.T) {
	var types []string
	m, sched := newTestMatch(t, func(ev game.Event) { types = append(types, ev.Type) })

	for _, pos := range []int{0, 2, 1, 3} {
		require.NoError(t, m.ApplyAction("alice", selectAction(pos)))
	}
	sched.fire()
	assert.True(t, m.IsOver())
	results := m.Results()
	require.Len(t, results, 1)
	assert.Equal(t, game.PlayerResult{PlayerID: "alice", Rank: 1, Score: 2}, results[0])

	assert.Equal(t, []string{
		"card_flipped", "move_recorded", "pair_matched",
		"card_flipped", "move_recorded", "pair_matched",
		"game_complete",
	}, types)
}

func TestResultsBeforeCompletion(t *testing.T) {
	m, _ := newTestMatch(t, nil)
	assert.False(t, m.IsOver())
	assert.Nil(t, m.Results())
}

func TestResetActionRedactsDeck(t *testing.T) {
	var events []game.Event
	m, _ := newTestMatch(t, func(ev game.Event) { events = append(events, ev) })

	require.NoError(t, m.ApplyAction("alice", game.Action{Type: ActionReset}))
	require.Len(t, events, 1)
	assert.Equal(t, "game_reset", events[0].Type)

	rv, ok := events[0].Payload.(resetView)
	require.True(t, ok, "payload is %T", events[0].Payload)
	assert.Len(t, rv.Cards, 4)
	for _, c := range rv.Cards {
		assert.Empty(t, c.Symbol)
	}
	assert.Equal(t, m.State("alice").(stateView).GameID, rv.GameID)
}

func TestMarshalRestoresMatch(t *testing.T) {
	m, _ := newTestMatch(t, nil)
	require.NoError(t, m.ApplyAction("alice", selectAction(0)))
	require.NoError(t, m.ApplyAction("alice", selectAction(2)))
	require.NoError(t, m.ApplyAction("alice", selectAction(1)))

	data, err := m.MarshalJSON()
	require.NoError(t, err)

	restored, _ := newTestMatch(t, nil)
	restored.player = ""
	require.NoError(t, restored.UnmarshalJSON(data))
	assert.Equal(t, "alice", restored.player)
	assert.Equal(t, m.State("alice"), restored.State("alice"))

	require.NoError(t, restored.ApplyAction("alice", selectAction(3)))
	assert.True(t, restored.IsOver())
}

func TestUnmarshalRejectsCorruptState(t *testing.T) {
	m, _ := newTestMatch(t, nil)
	assert.Error(t, m.UnmarshalJSON([]byte(`{"player":"alice","state":{"deck":[]}}`)))
	assert.Error(t, m.UnmarshalJSON([]byte(`not json`)))
}

func TestCloseStopsTimers(t *testing.T) {
	var types []string
	m, sched := newTestMatch(t, func(ev game.Event) { types = append(types, ev.Type) })
	require.NoError(t, m.ApplyAction("alice", selectAction(0)))
	require.NoError(t, m.ApplyAction("alice", selectAction(1)))

	require.NoError(t, m.Close())
	sched.fireStale()
	assert.NotContains(t, types, "mismatch_reverted")
}

func TestCompletionWaitsForEvent(t *testing.T) {
	m, sched := newTestMatch(t, nil)
	for _, pos := range []int{0, 2, 1, 3} {
		require.NoError(t, m.ApplyAction("alice", selectAction(pos)))
	}

	// last pair found, completion delay still running
	assert.False(t, m.IsOver())
	assert.Nil(t, m.Results())
	view := m.State("alice").(stateView)
	assert.False(t, view.Complete)
	assert.Equal(t, 4, view.Matched)

	sched.fire()
	assert.True(t, m.IsOver())
	assert.True(t, m.State("alice").(stateView).Complete)
	assert.Len(t, m.Results(), 1)

	require.NoError(t, m.ApplyAction("alice", game.Action{Type: ActionReset}))
	assert.False(t, m.IsOver())
	assert.Nil(t, m.Results())
}

func TestResetDuringCompletionDelay(t *testing.T) {
	m, sched := newTestMatch(t, nil)
	for _, pos := range []int{0, 2, 1, 3} {
		require.NoError(t, m.ApplyAction("alice", selectAction(pos)))
	}
	require.NoError(t, m.ApplyAction("alice", game.Action{Type: ActionReset}))

	sched.fireStale()
	assert.False(t, m.IsOver(), "a cancelled completion must not end the new deal")
}

func TestRestoreFinishedMatchIsOver(t *testing.T) {
	m, sched := newTestMatch(t, nil)
	for _, pos := range []int{0, 2, 1, 3} {
		require.NoError(t, m.ApplyAction("alice", selectAction(pos)))
	}
	sched.fire()
	data, err := m.MarshalJSON()
	require.NoError(t, err)

	var restored Match
	require.NoError(t, restored.UnmarshalJSON(data))
	assert.True(t, restored.IsOver())
	assert.Len(t, restored.Results(), 1)

	require.NoError(t, restored.ApplyAction("alice", game.Action{Type: ActionReset}))
	assert.False(t, restored.IsOver())
}
