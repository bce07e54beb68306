/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the partner settlement server. Handles
  configuration, dependency injection, member seeding, and graceful
  shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional) and parse command-line flags
  2. Configure structured logging
  3. Initialize SQLite store
  4. Seed the member group on first run
  5. Create the settlement engine and API handler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080, env PORT)
  -db      SQLite database path (default: settlement.db, env DB_PATH)
           Use ":memory:" for an in-memory database
  -members Group size N (default: 4, env GROUP_SIZE)

ENVIRONMENT:
  PORT, DB_PATH, GROUP_SIZE  Same as the flags above
  JWT_SECRET                 HMAC secret for session tokens (required
                             outside dev; a dev default is used if unset)
  SEED_PASSWORD              Initial password for seeded members
  LOG_LEVEL                  debug|info|warn|error (default info)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - settlement/engine.go: Domain logic
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/crewshare/settlement-engine/api"
	"github.com/crewshare/settlement-engine/auth"
	"github.com/crewshare/settlement-engine/ledger"
	"github.com/crewshare/settlement-engine/logging"
	"github.com/crewshare/settlement-engine/settlement"
	"github.com/crewshare/settlement-engine/store/sqlite"
)

const tokenLifetime = 24 * time.Hour

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("DB_PATH", "settlement.db"), "SQLite database path")
	groupSize := flag.Int("members", envInt("GROUP_SIZE", 4), "Number of members in the partner group")
	flag.Parse()

	log := logging.Setup()

	if *groupSize < 2 {
		log.Error("group size must be at least 2", "members", *groupSize)
		os.Exit(1)
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := seedMembers(context.Background(), store, *groupSize, log); err != nil {
		log.Error("failed to seed members", "error", err)
		os.Exit(1)
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Warn("JWT_SECRET not set, using insecure dev secret")
		secret = "dev-secret-change-me"
	}
	jwtManager := auth.NewJWTManager(secret, tokenLifetime)

	engine := settlement.New(store, *groupSize)
	handler := api.NewHandler(store, engine, jwtManager)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting", "addr", fmt.Sprintf("http://localhost:%d", *port), "members", *groupSize)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

// seedMembers creates the initial partner group on an empty database.
// Seeded accounts share SEED_PASSWORD (or a dev default) and are
// expected to change it out of band.
func seedMembers(ctx context.Context, store *sqlite.Store, groupSize int, log *slog.Logger) error {
	count, err := store.CountMembers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		if count != groupSize {
			log.Warn("member count does not match configured group size",
				"have", count, "want", groupSize)
		}
		return nil
	}

	password := os.Getenv("SEED_PASSWORD")
	if password == "" {
		password = "changeme"
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := 1; i <= groupSize; i++ {
		member := ledger.Member{
			ID:       ledger.MemberID(fmt.Sprintf("member-%d", i)),
			Name:     fmt.Sprintf("Member %d", i),
			Email:    fmt.Sprintf("member%d@example.com", i),
			Role:     "partner",
			JoinedAt: now,
		}
		if err := store.CreateMember(ctx, member, hash); err != nil {
			return err
		}
	}
	log.Info("seeded member group", "count", groupSize)
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
