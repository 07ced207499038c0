/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the donation grid allocation server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and configure logging
  2. Parse command-line flags
  3. Initialize SQLite store and seed the cell inventory
  4. Create the approval service and API handler
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: grid.db)
           Use ":memory:" for in-memory database
  -plan    Floor plan JSON file (default: built-in main hall plan)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/grid.db"

  # Run with a custom floor plan
  ./server -plan="./plans/main-hall.json"

ENVIRONMENT:
  LOG_LEVEL: debug, info, warn, error (default: info)

SEE ALSO:
  - api/server.go: Router configuration
  - factory/plan.go: Floor plan parsing
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
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/grid-engine/api"
	"github.com/warp/grid-engine/approval"
	"github.com/warp/grid-engine/factory"
	"github.com/warp/grid-engine/logging"
	"github.com/warp/grid-engine/store/sqlite"
)

func main() {
	// .env is optional; real env vars win.
	_ = godotenv.Load()
	logging.Setup()

	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "grid.db", "SQLite database path")
	planPath := flag.String("plan", "", "floor plan JSON file (default: built-in main hall)")
	flag.Parse()

	// Floor plan
	planJSON := factory.MainHallJSON()
	if *planPath != "" {
		data, err := os.ReadFile(*planPath)
		if err != nil {
			slog.Error("failed to read plan file", "path", *planPath, "error", err)
			os.Exit(1)
		}
		planJSON = string(data)
	}
	plan, err := factory.ParsePlan(planJSON)
	if err != nil {
		slog.Error("invalid floor plan", "error", err)
		os.Exit(1)
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Seed the inventory. INSERT OR IGNORE, so restarts are safe.
	cells, err := plan.BuildInventory()
	if err != nil {
		slog.Error("failed to build inventory", "error", err)
		os.Exit(1)
	}
	if err := store.SeedCells(context.Background(), cells); err != nil {
		slog.Error("failed to seed cells", "error", err)
		os.Exit(1)
	}

	// Wire the approval service and handlers
	svc := approval.NewService(store, store, plan.Price(), slog.Default())
	handler := api.NewHandler(store, svc)
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		slog.Info("server starting",
			"url", fmt.Sprintf("http://localhost:%d", *port),
			"plan", plan.Name,
			"cells", len(cells),
			"unit_price", plan.Price().String())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}
