/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the RCN ledger engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (YAML file, .env, environment, then flags)
  2. Build the zap logger and the reward program
  3. Open the configured store (postgres is migrated first)
  4. Create API handler and start the session sweeper
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -store   Store driver: sqlite, postgres or memory (overrides RCN_STORE)
  -db      SQLite database path (overrides RCN_SQLITE_PATH)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/rcn.db"

  # Run against Postgres
  DATABASE_URL=postgres://rcn@localhost/rcn ./server -store=postgres

  # Run on different port
  ./server -port=3000

ENVIRONMENT:
  See config/config.go for every variable.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/open.go: Store selection
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/repaircoin/rcn-engine/api"
	"github.com/repaircoin/rcn-engine/auth"
	"github.com/repaircoin/rcn-engine/config"
	"github.com/repaircoin/rcn-engine/ledger"
	"github.com/repaircoin/rcn-engine/logging"
	"github.com/repaircoin/rcn-engine/rewards"
	"github.com/repaircoin/rcn-engine/store"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Flags
	flag.StringVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.Store.Driver, "store", cfg.Store.Driver, "Store driver (sqlite, postgres, memory)")
	flag.StringVar(&cfg.Store.SQLitePath, "db", cfg.Store.SQLitePath, "SQLite database path")
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Production)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	program, err := loadProgram(cfg)
	if err != nil {
		return err
	}
	logger.Info("reward program loaded",
		zap.Int("tiers", len(program.Tiers)),
		zap.Stringer("daily_limit", program.Limits.Daily),
		zap.Stringer("monthly_limit", program.Limits.Monthly),
	)

	ctx := context.Background()

	// Initialize store
	st, closeStore, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer closeStore()

	// Initialize handler
	handler := api.NewHandler(st, api.Options{
		SessionTTL:    cfg.SessionTTL,
		SweepInterval: cfg.SweepInterval,
		Program:       &program,
		Logger:        logger,
	})
	handler.Sweeper.Start()
	defer handler.Sweeper.Stop()

	var tokens *auth.Tokens
	if cfg.JWTSecret != "" {
		tokens = auth.NewTokens(cfg.JWTSecret, 24*time.Hour)
	} else {
		logger.Warn("JWT_SECRET not set, API authentication disabled")
	}

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		Tokens:         tokens,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("store", cfg.Store.Driver),
			zap.Duration("session_ttl", cfg.SessionTTL),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// loadProgram starts from the built-in reward program with the configured
// limits, then overlays the program file when one is named.
func loadProgram(cfg *config.Config) (rewards.Program, error) {
	program := rewards.DefaultProgram()

	daily, err := ledger.ParseAmount(cfg.DailyLimit)
	if err != nil {
		return program, fmt.Errorf("invalid daily limit %q: %w", cfg.DailyLimit, err)
	}
	monthly, err := ledger.ParseAmount(cfg.MonthlyLimit)
	if err != nil {
		return program, fmt.Errorf("invalid monthly limit %q: %w", cfg.MonthlyLimit, err)
	}
	program.Limits = rewards.Limits{Daily: daily, Monthly: monthly}

	if cfg.RewardProgram == "" {
		return program, nil
	}
	return rewards.LoadProgram(cfg.RewardProgram, program)
}
