package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/tempo/config"
	"github.com/corvid-labs/tempo/logger"
	"github.com/corvid-labs/tempo/server"
)

// ServeCmd runs the scheduling daemon
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduling daemon with HTTP/WS API",
	Long: `Run the scheduling daemon in foreground mode.

The daemon will:
- Reconcile running markers left behind by a previous crash
- Tick every second, dispatching due jobs with single-flight protection
- Serve the REST control API under /api/cron
- Broadcast job lifecycle events to WebSocket clients on /ws
- Run until interrupted (Ctrl+C) with graceful shutdown

Examples:
  tempo serve               # Serve on the configured port (default 8787)
  tempo serve --port 9090   # Override the listen port`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().Int("port", 0, "Listen port (overrides configuration)")
	ServeCmd.Flags().String("db", "", "Database path (overrides configuration)")
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	dbPath, _ := cmd.Flags().GetString("db")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	if cfg.Server.JSONLogs {
		if err := logger.Initialize(true); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	database, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	service, dispatcher := buildEngine(database, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	srv := server.NewServer(cfg, service, logger.Logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(ctx)
	}()

	fmt.Printf("tempo daemon started\n")
	fmt.Printf("  Port:             %d\n", cfg.Server.Port)
	fmt.Printf("  Database:         %s\n", cfg.Database.Path)
	fmt.Printf("  Tick interval:    %ds\n", cfg.Cron.TickerIntervalSeconds)
	fmt.Printf("  Default timeout:  %ds\n", cfg.Cron.DefaultTimeoutSeconds)
	fmt.Printf("  History limit:    %d runs per job\n", cfg.Cron.HistoryLimit)
	fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		fmt.Printf("\nReceived %v, shutting down...\n", sig)
	case err := <-serverErr:
		if err != nil {
			dispatcher.Stop()
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Stop accepting work, then let in-flight runs finish
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("Server shutdown error", "error", err)
	}
	dispatcher.Stop()

	fmt.Println("tempo daemon stopped")
	return nil
}
