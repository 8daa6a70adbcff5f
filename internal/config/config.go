// Package config reads server settings from the environment and the deck
// catalogue from an optional YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"memorygame/internal/game/memory"
)

// DefaultDeckName is the deck registered when no decks file is configured.
const DefaultDeckName = "classic"

// Config is the server configuration.
type Config struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	DBPath          string        `env:"DB_PATH" envDefault:"memory.db"`
	WebDir          string        `env:"WEB_DIR" envDefault:"web"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	DecksFile       string        `env:"DECKS_FILE"`
	RevertDelay     time.Duration `env:"REVERT_DELAY" envDefault:"1s"`
	CompletionDelay time.Duration `env:"COMPLETION_DELAY" envDefault:"500ms"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1m"`
	SessionMaxAge   time.Duration `env:"SESSION_MAX_AGE" envDefault:"1h"`
}

// Load parses the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return ":" + c.Port
}

// Deck is one entry of the decks file. Unset delays fall back to the
// server-wide values.
type Deck struct {
	Name              string   `yaml:"name"`
	Symbols           []string `yaml:"symbols"`
	RevertDelayMs     int      `yaml:"revertDelayMs,omitempty"`
	CompletionDelayMs *int     `yaml:"completionDelayMs,omitempty"`
}

type decksFile struct {
	Decks []Deck `yaml:"decks"`
}

var ErrNoDecks = errors.New("no decks defined")

// LoadDecks reads a decks file. Unknown fields are rejected.
func LoadDecks(path string) ([]Deck, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read decks file: %w", err)
	}
	var f decksFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse decks file %s: %w", path, err)
	}
	if len(f.Decks) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoDecks)
	}
	seen := make(map[string]bool, len(f.Decks))
	for i, d := range f.Decks {
		if d.Name == "" {
			return nil, fmt.Errorf("%s: deck %d has no name", path, i)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("%s: deck %q defined twice", path, d.Name)
		}
		seen[d.Name] = true
	}
	return f.Decks, nil
}

// Decks returns the configured decks, or the classic deck when no file is set.
func (c Config) Decks() ([]Deck, error) {
	if c.DecksFile == "" {
		symbols := make([]string, len(memory.DefaultSymbols))
		for i, s := range memory.DefaultSymbols {
			symbols[i] = string(s)
		}
		return []Deck{{Name: DefaultDeckName, Symbols: symbols}}, nil
	}
	return LoadDecks(c.DecksFile)
}

// EngineConfig resolves a deck against the server defaults.
func (c Config) EngineConfig(d Deck) memory.Config {
	mc := memory.Config{
		Symbols:         make([]memory.Symbol, len(d.Symbols)),
		RevertDelay:     c.RevertDelay,
		CompletionDelay: c.CompletionDelay,
	}
	for i, s := range d.Symbols {
		mc.Symbols[i] = memory.Symbol(s)
	}
	if d.RevertDelayMs > 0 {
		mc.RevertDelay = time.Duration(d.RevertDelayMs) * time.Millisecond
	}
	if d.CompletionDelayMs != nil {
		mc.CompletionDelay = time.Duration(*d.CompletionDelayMs) * time.Millisecond
	}
	return mc
}

// Games builds one game per configured deck. The first invalid deck aborts.
func (c Config) Games(opts ...memory.Option) ([]memory.Game, error) {
	decks, err := c.Decks()
	if err != nil {
		return nil, err
	}
	games := make([]memory.Game, 0, len(decks))
	for _, d := range decks {
		g, err := memory.NewGame(d.Name, c.EngineConfig(d), opts...)
		if err != nil {
			return nil, err
		}
		games = append(games, g)
	}
	return games, nil
}
