package memory

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// Symbol identifies a card face. Two cards match when their symbols are equal.
type Symbol string

// CardState is the per-card state owned by the engine.
type CardState int

const (
	Hidden  CardState = iota // face down, selectable
	Flipped                  // face up in the current selection
	Matched                  // face up for the rest of the deal
)

// String returns the lower-case name used on the wire.
func (s CardState) String() string {
	switch s {
	case Hidden:
		return "hidden"
	case Flipped:
		return "flipped"
	case Matched:
		return "matched"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s CardState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *CardState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "hidden":
		*s = Hidden
	case "flipped":
		*s = Flipped
	case "matched":
		*s = Matched
	default:
		return fmt.Errorf("unknown card state %q", text)
	}
	return nil
}

// Card is one card on the table. Position never changes after dealing.
type Card struct {
	Position int       `json:"position"`
	Symbol   Symbol    `json:"symbol"`
	State    CardState `json:"state"`
}

// Deck is the dealt layout, indexed by position.
type Deck []Card

// RandomSource returns uniformly distributed values in [0,1).
type RandomSource func() float64

var (
	ErrEmptySymbolSet  = errors.New("symbol set is empty")
	ErrDuplicateSymbol = errors.New("symbol set contains duplicates")
)

// ValidateSymbols rejects symbol sets that cannot produce a valid deck.
func ValidateSymbols(symbols []Symbol) error {
	if len(symbols) == 0 {
		return ErrEmptySymbolSet
	}
	seen := make(map[Symbol]struct{}, len(symbols))
	for _, s := range symbols {
		if _, dup := seen[s]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateSymbol, s)
		}
		seen[s] = struct{}{}
	}
	return nil
}

// GenerateDeck deals every symbol twice and shuffles the result with
// Fisher-Yates. A nil rnd uses math/rand/v2.
func GenerateDeck(symbols []Symbol, rnd RandomSource) (Deck, error) {
	if err := ValidateSymbols(symbols); err != nil {
		return nil, err
	}
	if rnd == nil {
		rnd = rand.Float64
	}

	faces := make([]Symbol, 0, 2*len(symbols))
	faces = append(faces, symbols...)
	faces = append(faces, symbols...)

	for i := len(faces) - 1; i > 0; i-- {
		j := int(rnd() * float64(i+1))
		if j > i {
			j = i
		}
		faces[i], faces[j] = faces[j], faces[i]
	}

	deck := make(Deck, len(faces))
	for i, s := range faces {
		deck[i] = Card{Position: i, Symbol: s, State: Hidden}
	}
	return deck, nil
}

// Pairs returns N, the number of distinct symbols in the deck.
func (d Deck) Pairs() int {
	return len(d) / 2
}

// validate checks the deck invariant: positions 0..len-1 in order and every
// symbol present exactly twice.
func (d Deck) validate() error {
	if len(d) == 0 || len(d)%2 != 0 {
		return fmt.Errorf("deck has %d cards", len(d))
	}
	counts := make(map[Symbol]int, len(d)/2)
	for i, c := range d {
		if c.Position != i {
			return fmt.Errorf("card %d has position %d", i, c.Position)
		}
		counts[c.Symbol]++
	}
	for s, n := range counts {
		if n != 2 {
			return fmt.Errorf("symbol %q appears %d times", s, n)
		}
	}
	return nil
}

func (d Deck) clone() Deck {
	if d == nil {
		return nil
	}
	out := make(Deck, len(d))
	copy(out, d)
	return out
}
