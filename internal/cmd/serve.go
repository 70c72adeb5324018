package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaellee1/ClaudeGod-sub002/internal/config"
	"github.com/michaellee1/ClaudeGod-sub002/internal/event"
	"github.com/michaellee1/ClaudeGod-sub002/internal/hub"
	"github.com/michaellee1/ClaudeGod-sub002/internal/logging"
	"github.com/michaellee1/ClaudeGod-sub002/internal/mergelock"
	"github.com/michaellee1/ClaudeGod-sub002/internal/persist"
	"github.com/michaellee1/ClaudeGod-sub002/internal/server"
	"github.com/michaellee1/ClaudeGod-sub002/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine",
	Long: `Starts the engine: restores persisted tasks, reconnects to agent
processes that survived the previous run, and serves the task API and the
websocket event stream.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Engine.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logDir := cfg.Engine.DataDir
	if cfg.Logging.ToStderr {
		logDir = ""
	}
	logger, err := logging.NewLogger(logDir, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Close()

	ps, err := persist.NewStore(filepath.Join(cfg.Engine.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	bus := event.NewBus(logger)
	lock := mergelock.New(logger)

	st, err := store.NewStore(store.Options{
		WorktreeRoot:   cfg.Engine.WorktreeRoot,
		AgentCommand:   cfg.Agent.Command,
		PreviewCommand: cfg.Agent.PreviewCommand,
		OutputCap:      cfg.Engine.OutputCap,
		DisableWatcher: cfg.Engine.DisableWatcher,
	}, ps, bus, lock, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize task store: %w", err)
	}

	h := hub.NewHub(bus, logger, cfg.PingInterval())
	srv := server.New(st, h, logger, cfg.ListenAddr())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	h.Close()
	// Drop remaining subscribers so shutdown-time mutations stop fanning out.
	bus.Clear()
	// Detaches managers without killing agent sessions; they are picked up
	// again by reconnection on the next start.
	if err := st.Close(); err != nil {
		logger.Warn("store shutdown incomplete", "error", err)
	}
	return nil
}
