package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zeami/zwatch/internal/app"
	"github.com/zeami/zwatch/internal/ports"
)

var runJSON bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch in the foreground and print events",
	Long: "Runs the watch service in this process and prints one line per debounced event " +
		"until interrupted. No daemon, journal or socket is involved.",
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print events as JSON lines")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := app.NewService(cfg, app.WithLogger(logger))
	warnings, err := svc.Start(ctx)
	for _, w := range warnings {
		logger.Warn("target skipped", zap.Error(w))
	}
	if err != nil {
		return err
	}
	logger.Info("watching",
		zap.String("root", svc.Root()),
		zap.String("mode", svc.Mode()),
		zap.Int("targets", len(svc.Targets())))

	enc := json.NewEncoder(os.Stdout)
	for n := range svc.Events() {
		printNotification(enc, n, svc.Root())
	}

	snap := svc.Stats()
	logger.Info("stopped",
		zap.Uint64("raw", snap.RawCount),
		zap.Uint64("filtered_out", snap.FilteredOutCount),
		zap.Uint64("emitted", snap.EmittedCount))
	return svc.Stop()
}

func printNotification(enc *json.Encoder, n ports.Notification, root string) {
	if n.IsError() {
		fmt.Fprintln(os.Stderr, formatSourceError(n.Err))
		return
	}
	if runJSON {
		_ = enc.Encode(n.Event)
		return
	}
	fmt.Println(formatEvent(n.Event, root))
}
