package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zeami/zwatch/internal/adapters/socket"
	"github.com/zeami/zwatch/internal/app"
	"github.com/zeami/zwatch/internal/logging"
)

var (
	daemonPort      int
	daemonNoHTTP    bool
	daemonNoJournal bool
	daemonRetention int
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the zwatch daemon",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long: "Starts the watch service with its journal, control socket and HTTP/SSE bridge. " +
		"Runs until interrupted or until 'zwatch daemon stop'.",
	RunE: runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	RunE:  runDaemonStop,
}

func init() {
	f := daemonStartCmd.Flags()
	f.IntVar(&daemonPort, "port", 0, "HTTP port (default: derived from the project root)")
	f.BoolVar(&daemonNoHTTP, "no-http", false, "disable the HTTP/SSE bridge")
	f.BoolVar(&daemonNoJournal, "no-journal", false, "keep recent events in memory only")
	f.IntVar(&daemonRetention, "retention", 0, "journal event cap (default 10000, 0 keeps the default)")

	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sockPath := socket.SocketPath(cfg.Root)

	// Check if already running
	client := socket.NewClient(sockPath)
	if client.Ping() {
		fmt.Println("⚡ daemon already running")
		return nil
	}

	paths := app.NewPaths(cfg.Root)
	logger, err := logging.NewFile(paths.DaemonLog, cfg.Verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	port := daemonPort
	if daemonNoHTTP {
		port = -1
	}
	a, err := app.New(app.Config{
		Watch:            cfg,
		Paths:            paths,
		HTTPPort:         port,
		JournalRetention: daemonRetention,
		NoJournal:        daemonNoJournal,
		Logger:           logger,
	})
	if err != nil {
		if isJournalLockError(err) {
			return errors.New(diagnoseJournalLock(cfg.Root))
		}
		return fmt.Errorf("init: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	warnings, err := a.Start(ctx)
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, formatSourceError(w))
		logger.Warn("target skipped", zap.Error(w))
	}
	if err != nil {
		return err
	}

	fmt.Printf("⚡ zwatch daemon started at %s (%s mode)\n", sockPath, a.Service.Mode())
	if a.WebServer != nil {
		fmt.Printf("  events: %s/api/events/stream\n", a.WebServer.URL())
	}
	fmt.Printf("  log:    %s\n", paths.DaemonLog)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-sigCh:
		fmt.Println("\n⚡ shutting down...")
	case <-a.ShutdownCh():
		logger.Info("shutdown requested over socket")
	case <-a.Done():
		fmt.Fprintln(os.Stderr, "⚡ watch service stopped unexpectedly, see", paths.DaemonLog)
	}
	return a.Stop()
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	sockPath := socket.SocketPath(daemonRoot())
	client := socket.NewClient(sockPath)

	if !client.Ping() {
		fmt.Println("⚡ daemon is not running")
		return nil
	}

	if err := client.Shutdown(); err != nil {
		return err
	}

	fmt.Println("⚡ daemon stopped")
	return nil
}
