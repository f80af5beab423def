package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fedcoord/fedcoord/agg"
)

var (
	logLevel   string // Log verbosity level
	configPath string // Optional YAML overrides file
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "fedcoord",
	Short: "Federated learning round coordinator and model aggregator",
}

// runCmd starts the aggregator process: event listener, snapshotter and
// status server, wired over the shared threshold/reputation state.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the aggregator",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := agg.LoadConfig(configPath)
		if err != nil {
			logrus.Fatalf("❌ [AGGREGATOR] %v", err)
		}
		if err := os.MkdirAll(cfg.ModelDir, 0o755); err != nil {
			logrus.Fatalf("❌ [AGGREGATOR] Failed to create model dir %s: %v", cfg.ModelDir, err)
		}

		state := agg.NewState(cfg)
		snapshotter := agg.NewSnapshotter(state, cfg.ModelDir, cfg.SnapshotInterval)
		if err := snapshotter.Load(); err != nil {
			logrus.Warnf("⚠️ [AGGREGATOR] Could not load state: %v", err)
		}

		ledger := agg.NewLedgerClient(cfg.GatewayURL)
		blob := agg.NewBlobClient(cfg.MinioHandlerURL, cfg.ModelDir)
		eval := agg.NewEvaluator(cfg, state, ledger)
		aggr := agg.NewAggregator(cfg, state)
		coord := agg.NewCoordinator(cfg, state, ledger, blob, eval, aggr)
		listener := agg.NewListener(cfg.WSURL, coord)
		status := agg.NewStatusServer(cfg.StatusAddr, state, coord)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigs
			logrus.Infof("🛑 [AGGREGATOR] Received %s, shutting down...", sig)
			cancel()
		}()

		go snapshotter.Run(ctx)
		if status != nil {
			go status.Run()
		}

		logrus.Infof("🏗️ [AGGREGATOR] Starting event listener with dynamic threshold and reputation system...")
		logrus.Infof("⏱️ [AGGREGATOR] Round timeout set to %s", cfg.RoundTimeout)
		logrus.Infof("👥 [AGGREGATOR] Default participants: %v", cfg.DefaultParticipants)

		// The bootstrap dial failing is the only hard exit.
		err = listener.Run(ctx)

		if status != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			status.Shutdown(shutdownCtx)
			shutdownCancel()
		}
		if serr := snapshotter.Save(); serr != nil {
			logrus.Errorf("❌ [AGGREGATOR] Failed to save state on shutdown: %v", serr)
		}
		if err != nil && ctx.Err() == nil {
			logrus.Fatalf("❌ [AGGREGATOR] %v", err)
		}
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().StringVar(&configPath, "config", "", "Optional YAML config overrides file")
	rootCmd.AddCommand(runCmd)
}
