package memory

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// DefaultSymbols is the classic eight-pair table.
var DefaultSymbols = []Symbol{"🍎", "🚗", "🐶", "🎵", "🌈", "⚽", "🎮", "🚀"}

// Default delays, taken from the browser game.
const (
	DefaultRevertDelay     = 1000 * time.Millisecond
	DefaultCompletionDelay = 500 * time.Millisecond
)

// ErrInvalidDelay reports a revert or completion delay out of range.
var ErrInvalidDelay = errors.New("invalid delay")

// Config holds the settings for one engine.
type Config struct {
	Symbols []Symbol
	// RevertDelay is how long a mismatched pair stays face up. Input is
	// locked for the whole delay.
	RevertDelay time.Duration
	// CompletionDelay postpones GameComplete so the final match can be shown.
	CompletionDelay time.Duration
}

// DefaultConfig returns the classic table with the standard delays.
func DefaultConfig() Config {
	return Config{
		Symbols:         slices.Clone(DefaultSymbols),
		RevertDelay:     DefaultRevertDelay,
		CompletionDelay: DefaultCompletionDelay,
	}
}

// Validate reports whether the config can produce a playable game.
func (c Config) Validate() error {
	if err := ValidateSymbols(c.Symbols); err != nil {
		return err
	}
	if c.RevertDelay <= 0 {
		return fmt.Errorf("%w: revert delay must be positive, got %s", ErrInvalidDelay, c.RevertDelay)
	}
	if c.CompletionDelay < 0 {
		return fmt.Errorf("%w: completion delay must not be negative, got %s", ErrInvalidDelay, c.CompletionDelay)
	}
	return nil
}

// Scheduler runs fn once after d. The returned func cancels the call if it
// has not run yet. fn must not be invoked synchronously from After.
type Scheduler interface {
	After(d time.Duration, fn func()) (cancel func())
}

// SchedulerFunc adapts a function to the Scheduler interface.
type SchedulerFunc func(d time.Duration, fn func()) func()

// After calls f.
func (f SchedulerFunc) After(d time.Duration, fn func()) func() { return f(d, fn) }

// TimerScheduler runs callbacks on time.AfterFunc goroutines.
var TimerScheduler Scheduler = SchedulerFunc(func(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
})

// Phase is the position of the turn state machine.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseOneFlipped      Phase = "one_flipped"
	PhaseMismatchPending Phase = "mismatch_pending"
	PhaseComplete        Phase = "complete"
)

const (
	transFlip     = "flip"
	transMatch    = "match"
	transMismatch = "mismatch"
	transRevert   = "revert"
	transFinish   = "finish"
)

func newPhaseMachine() *fsm.FSM {
	return fsm.NewFSM(string(PhaseIdle), fsm.Events{
		{Name: transFlip, Src: []string{string(PhaseIdle)}, Dst: string(PhaseOneFlipped)},
		{Name: transMatch, Src: []string{string(PhaseOneFlipped)}, Dst: string(PhaseIdle)},
		{Name: transMismatch, Src: []string{string(PhaseOneFlipped)}, Dst: string(PhaseMismatchPending)},
		{Name: transRevert, Src: []string{string(PhaseMismatchPending)}, Dst: string(PhaseIdle)},
		{Name: transFinish, Src: []string{string(PhaseOneFlipped)}, Dst: string(PhaseComplete)},
	}, fsm.Callbacks{})
}

// EventKind names a state change reported to observers.
type EventKind string

const (
	EventGameReset        EventKind = "game_reset"
	EventCardFlipped      EventKind = "card_flipped"
	EventMoveRecorded     EventKind = "move_recorded"
	EventPairMatched      EventKind = "pair_matched"
	EventPairMismatched   EventKind = "pair_mismatched"
	EventMismatchReverted EventKind = "mismatch_reverted"
	EventGameComplete     EventKind = "game_complete"
)

// Event is a state change. Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind `json:"kind"`
	GameID    uuid.UUID `json:"gameId"`
	Positions []int     `json:"positions,omitempty"`
	Symbol    Symbol    `json:"symbol,omitempty"`
	Moves     int       `json:"moves,omitempty"`
	Deck      Deck      `json:"deck,omitempty"`
}

// GameState is a copy of everything the engine knows about the current deal.
type GameState struct {
	GameID    uuid.UUID `json:"gameId"`
	Deck      Deck      `json:"deck"`
	Selection []int     `json:"selection"`
	Moves     int       `json:"moves"`
	Matched   int       `json:"matched"`
	Locked    bool      `json:"locked"`
	Phase     Phase     `json:"phase"`
}

// Complete reports whether every card has been matched.
func (s GameState) Complete() bool {
	return len(s.Deck) > 0 && s.Matched == len(s.Deck)
}

// Engine owns one game's state and enforces the turn rules. It is safe for
// concurrent use; timer callbacks and user input are serialized on one mutex.
type Engine struct {
	cfg   Config
	sched Scheduler
	rnd   RandomSource
	log   zerolog.Logger

	mu        sync.Mutex
	state     GameState
	phase     *fsm.FSM
	gen       uint64 // bumped on Reset/Restore/Stop; stale timers compare against it
	cancel    func()
	listeners []func(Event)
	queue     []Event
	draining  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithScheduler replaces the time.AfterFunc scheduler used for delays.
func WithScheduler(s Scheduler) Option { return func(e *Engine) { e.sched = s } }

// WithRandom sets the shuffle source used by every deal.
func WithRandom(r RandomSource) Option { return func(e *Engine) { e.rnd = r } }

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// NewEngine validates cfg and returns an engine with no cards dealt. Call
// Reset to deal.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("memory config: %w", err)
	}
	cfg.Symbols = slices.Clone(cfg.Symbols)
	e := &Engine{
		cfg:   cfg,
		sched: TimerScheduler,
		rnd:   rand.Float64,
		log:   zerolog.Nop(),
		state: GameState{Selection: []int{}},
		phase: newPhaseMachine(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Subscribe registers fn to receive every event in emission order. fn runs
// without the engine lock held.
func (e *Engine) Subscribe(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(slices.Clip(e.listeners), fn)
}

// Reset deals a fresh deck and discards the previous game, including any
// pending revert or completion timer.
func (e *Engine) Reset() {
	e.mu.Lock()
	deck, err := GenerateDeck(e.cfg.Symbols, e.rnd)
	if err != nil {
		e.mu.Unlock()
		e.log.Error().Err(err).Msg("deal deck")
		return
	}
	e.stopLocked()
	e.state = GameState{
		GameID:    uuid.New(),
		Deck:      deck,
		Selection: []int{},
	}
	e.phase.SetState(string(PhaseIdle))
	e.log.Debug().Stringer("game", e.state.GameID).Int("cards", len(deck)).Msg("deck dealt")
	e.enqueue(Event{Kind: EventGameReset, Deck: deck.clone()})
	e.flush()
}

// SelectCard flips the card at pos. Input that the rules do not allow is
// ignored; the return value reports whether the flip was accepted.
func (e *Engine) SelectCard(pos int) bool {
	e.mu.Lock()
	if e.state.Locked || e.phase.Is(string(PhaseComplete)) || !e.selectableLocked(pos) {
		e.mu.Unlock()
		return false
	}

	card := &e.state.Deck[pos]
	card.State = Flipped
	e.state.Selection = append(e.state.Selection, pos)

	if len(e.state.Selection) == 1 {
		e.transition(transFlip)
		e.enqueue(Event{Kind: EventCardFlipped, Positions: []int{pos}, Symbol: card.Symbol})
		e.flush()
		return true
	}

	e.state.Moves++
	e.enqueue(Event{Kind: EventMoveRecorded, Moves: e.state.Moves})

	pair := slices.Clone(e.state.Selection)
	a, b := &e.state.Deck[pair[0]], &e.state.Deck[pair[1]]
	if a.Symbol == b.Symbol {
		a.State, b.State = Matched, Matched
		e.state.Matched += 2
		e.state.Selection = []int{}
		e.enqueue(Event{Kind: EventPairMatched, Positions: pair, Symbol: a.Symbol})
		if e.state.Matched == len(e.state.Deck) {
			e.transition(transFinish)
			e.completeLocked()
		} else {
			e.transition(transMatch)
		}
	} else {
		e.state.Locked = true
		e.transition(transMismatch)
		e.enqueue(Event{Kind: EventPairMismatched, Positions: pair})
		gen := e.gen
		e.cancel = e.sched.After(e.cfg.RevertDelay, func() { e.revert(gen) })
	}
	e.flush()
	return true
}

// Snapshot returns a deep copy of the current state.
func (e *Engine) Snapshot() GameState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state
	st.Deck = e.state.Deck.clone()
	st.Selection = slices.Clone(e.state.Selection)
	st.Phase = Phase(e.phase.Current())
	return st
}

// Phase returns the current state machine position.
func (e *Engine) Phase() Phase {
	return Phase(e.phase.Current())
}

// Restore installs a previously captured state. A state captured while a
// mismatch was showing is restored with the pair already turned back, since
// its revert timer did not survive. Restore emits no events.
func (e *Engine) Restore(st GameState) error {
	if err := checkState(st); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()

	st.Deck = st.Deck.clone()
	st.Selection = slices.Clone(st.Selection)
	if st.Selection == nil {
		st.Selection = []int{}
	}
	if st.GameID == uuid.Nil {
		st.GameID = uuid.New()
	}
	if st.Locked {
		for _, p := range st.Selection {
			st.Deck[p].State = Hidden
		}
		st.Selection = []int{}
		st.Locked = false
	}

	switch {
	case st.Complete():
		st.Phase = PhaseComplete
	case len(st.Selection) == 1:
		st.Phase = PhaseOneFlipped
	default:
		st.Phase = PhaseIdle
	}
	e.phase.SetState(string(st.Phase))
	e.state = st
	return nil
}

// Stop cancels pending timers. The current state stays readable.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.gen++
}

func (e *Engine) selectableLocked(pos int) bool {
	if pos < 0 || pos >= len(e.state.Deck) {
		return false
	}
	if e.state.Deck[pos].State != Hidden {
		return false
	}
	return !slices.Contains(e.state.Selection, pos)
}

func (e *Engine) completeLocked() {
	ev := Event{Kind: EventGameComplete, Moves: e.state.Moves}
	if e.cfg.CompletionDelay == 0 {
		e.enqueue(ev)
		return
	}
	gen := e.gen
	e.cancel = e.sched.After(e.cfg.CompletionDelay, func() {
		e.mu.Lock()
		if gen != e.gen {
			e.mu.Unlock()
			return
		}
		e.cancel = nil
		e.enqueue(ev)
		e.flush()
	})
}

func (e *Engine) revert(gen uint64) {
	e.mu.Lock()
	if gen != e.gen || !e.state.Locked {
		e.mu.Unlock()
		return
	}
	pair := e.state.Selection
	for _, p := range pair {
		e.state.Deck[p].State = Hidden
	}
	e.state.Selection = []int{}
	e.state.Locked = false
	e.cancel = nil
	e.transition(transRevert)
	e.enqueue(Event{Kind: EventMismatchReverted, Positions: pair})
	e.flush()
}

func (e *Engine) transition(name string) {
	if err := e.phase.Event(context.Background(), name); err != nil {
		e.log.Error().Err(err).Str("transition", name).Str("phase", e.phase.Current()).Msg("phase transition rejected")
	}
}

func (e *Engine) enqueue(ev Event) {
	ev.GameID = e.state.GameID
	e.queue = append(e.queue, ev)
}

// flush delivers queued events and releases e.mu. A single goroutine drains
// at a time so listeners see events in the order they were produced.
func (e *Engine) flush() {
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	for len(e.queue) > 0 {
		batch := e.queue
		e.queue = nil
		listeners := e.listeners
		e.mu.Unlock()
		for _, ev := range batch {
			for _, fn := range listeners {
				fn(ev)
			}
		}
		e.mu.Lock()
	}
	e.draining = false
	e.mu.Unlock()
}

func checkState(st GameState) error {
	if err := st.Deck.validate(); err != nil {
		return err
	}
	matched, flipped := 0, 0
	for _, c := range st.Deck {
		switch c.State {
		case Matched:
			matched++
		case Flipped:
			flipped++
		}
	}
	if matched != st.Matched {
		return fmt.Errorf("matched count %d, deck has %d matched cards", st.Matched, matched)
	}
	if len(st.Selection) > 2 || len(st.Selection) != flipped {
		return fmt.Errorf("selection %v does not match %d flipped cards", st.Selection, flipped)
	}
	for _, p := range st.Selection {
		if p < 0 || p >= len(st.Deck) || st.Deck[p].State != Flipped {
			return fmt.Errorf("selection position %d is not a flipped card", p)
		}
	}
	if st.Locked != (len(st.Selection) == 2) {
		return fmt.Errorf("locked=%t with %d selected", st.Locked, len(st.Selection))
	}
	if st.Moves < st.Matched/2 {
		return fmt.Errorf("%d moves cannot match %d pairs", st.Moves, st.Matched/2)
	}
	return nil
}
