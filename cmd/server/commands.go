package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"memorygame/internal/config"
	"memorygame/internal/game"
	"memorygame/internal/game/memory"
	"memorygame/internal/server"
	"memorygame/internal/session"
	"memorygame/internal/storage"
)

// rootOptions holds flags that override the environment.
type rootOptions struct {
	port      string
	dbPath    string
	webDir    string
	decksFile string
	logLevel  string

	cfg config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "memorygame",
		Short: "Memory card game server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts.cfg)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.port, "port", "", "listen port (env PORT)")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database path (env DB_PATH)")
	cmd.PersistentFlags().StringVar(&opts.webDir, "web", "", "static files directory, empty to disable (env WEB_DIR)")
	cmd.PersistentFlags().StringVar(&opts.decksFile, "decks", "", "YAML decks file (env DECKS_FILE)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "zerolog level (env LOG_LEVEL)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newDealCommand(opts))
	return cmd
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = o.port
	}
	if flags.Changed("db") {
		cfg.DBPath = o.dbPath
	}
	if flags.Changed("web") {
		cfg.WebDir = o.webDir
	}
	if flags.Changed("decks") {
		cfg.DecksFile = o.decksFile
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	o.cfg = cfg
	return nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts.cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	games, err := cfg.Games(memory.WithLogger(log.With().Str("component", "engine").Logger()))
	if err != nil {
		return fmt.Errorf("load decks: %w", err)
	}
	registry := game.NewRegistry()
	for _, g := range games {
		if err := registry.Register(g); err != nil {
			return err
		}
		log.Debug().Str("deck", g.Info().Name).Int("pairs", g.Info().Pairs).Msg("deck registered")
	}

	mgr := session.NewManager(registry, store)
	srv := server.New(registry, mgr, cfg.WebDir)
	if err := mgr.Restore(); err != nil {
		log.Warn().Err(err).Msg("restore sessions")
	}
	go mgr.CleanupLoop(ctx, cfg.CleanupInterval, cfg.SessionMaxAge)

	httpSrv := &http.Server{Addr: cfg.Addr(), Handler: srv}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr()).Int("decks", len(games)).Msg("listening")
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

type dealOptions struct {
	*rootOptions
	seed    uint64
	columns int
}

func newDealCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &dealOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "deal [deck]",
		Short: "Print a shuffled layout face up",
		Long: `Deal a deck and print it face up, one row per line.

Example:
  memorygame deal
  memorygame deal animals --seed 42 --columns 3`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := config.DefaultDeckName
			if len(args) == 1 {
				name = args[0]
			}
			return deal(cmd.OutOrStdout(), opts, name)
		},
	}

	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "shuffle seed, 0 for random")
	cmd.Flags().IntVar(&opts.columns, "columns", 4, "cards per row")
	return cmd
}

func deal(w io.Writer, opts *dealOptions, name string) error {
	if opts.columns < 1 {
		return fmt.Errorf("columns must be positive, got %d", opts.columns)
	}
	decks, err := opts.cfg.Decks()
	if err != nil {
		return err
	}
	var symbols []memory.Symbol
	for _, d := range decks {
		if d.Name == name {
			symbols = opts.cfg.EngineConfig(d).Symbols
		}
	}
	if symbols == nil {
		return fmt.Errorf("unknown deck: %s", name)
	}

	rnd := rand.Float64
	if opts.seed != 0 {
		rnd = rand.New(rand.NewPCG(opts.seed, opts.seed)).Float64
	}
	deck, err := memory.GenerateDeck(symbols, rnd)
	if err != nil {
		return err
	}

	for row := 0; row < len(deck); row += opts.columns {
		end := min(row+opts.columns, len(deck))
		cells := make([]string, 0, end-row)
		for _, c := range deck[row:end] {
			cells = append(cells, string(c.Symbol))
		}
		if _, err := fmt.Fprintln(w, strings.Join(cells, " ")); err != nil {
			return err
		}
	}
	return nil
}
