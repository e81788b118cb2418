package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/glyphmart/glyphmart/internal"
	"github.com/klauspost/compress/gzhttp"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
)

// ServeCmd runs the glyph API server.
type ServeCmd struct {
	Addr      string `default:":8080" help:"Address to listen on."`
	DSN       string `default:"glyphmart.db" help:"Postgres DSN, a SQLite path, or 'memory'."`
	SuperUser string `help:"User ID granted admin regardless of their profile." env:"GLYPHMART_SUPER_USER"`

	SweepPeriod time.Duration `default:"1h" help:"How often the background counter sweep runs."`
	SweepBatch  int           `default:"100" help:"Max glyphs reconciled per sweep."`

	Verbose bool `short:"v" help:"Enable debug logging."`
}

// Run starts the server and blocks until shutdown.
func (c *ServeCmd) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})
	if c.Verbose {
		logger.SetLevel(log.DebugLevel)
	}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		styles := log.DefaultStyles()
		styles.Key = lipgloss.NewStyle().Faint(true)
		logger.SetStyles(styles)
	}
	internal.SetLogger(logger)

	reg := internal.NewMetrics()

	store, err := c.openStore(ctx, reg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = store.Close() }()

	cache := internal.NewCache(reg)
	rec := internal.NewReconciler(store, cache, reg)
	ctrl := internal.NewController(store, cache, rec, reg)
	auth := internal.NewAuthorizer(store, internal.InsecureTokens{}, c.SuperUser)

	sweeper := internal.NewSweeper(store, rec, internal.SweepConfig{
		Period:    c.SweepPeriod,
		BatchSize: c.SweepBatch,
	}, reg)
	sweeper.Start()
	defer sweeper.Stop(30 * time.Second)

	handler := internal.NewHandler(ctrl, auth, sweeper, reg)

	server := &http.Server{
		Addr:              c.Addr,
		Handler:           gzhttp.GzipHandler(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if ip, err := resolveExternalIP(ctx); err == nil {
			logger.Info("listening", "addr", c.Addr, "externalIP", ip)
		} else {
			logger.Info("listening", "addr", c.Addr)
		}
	}()

	errC := make(chan error, 1)
	go func() { errC <- server.ListenAndServe() }()

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (c *ServeCmd) openStore(ctx context.Context, reg *prometheus.Registry) (internal.DocStore, error) {
	switch {
	case strings.HasPrefix(c.DSN, "postgres://"), strings.HasPrefix(c.DSN, "postgresql://"):
		return internal.NewPGStore(ctx, c.DSN, reg)
	case c.DSN == "memory":
		return internal.NewMemStore(), nil
	default:
		return internal.NewSQLiteStore(c.DSN)
	}
}
