package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/forensic-logging/sidecar/internal/alert"
	"github.com/forensic-logging/sidecar/internal/batch"
	"github.com/forensic-logging/sidecar/internal/config"
	"github.com/forensic-logging/sidecar/internal/framing"
	"github.com/forensic-logging/sidecar/internal/health"
	"github.com/forensic-logging/sidecar/internal/kms"
	"github.com/forensic-logging/sidecar/internal/sidecar"
	"github.com/forensic-logging/sidecar/internal/storage"
	"github.com/forensic-logging/sidecar/internal/transport"
	"github.com/forensic-logging/sidecar/internal/verify"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile   string
	publicKey string
	rowKey    string
)

var rootCmd = &cobra.Command{
	Use:   "sidecar",
	Short: "Forensic logging sidecar",
	Long:  `Signs log messages from a local service, batches them and ships signed batches to a KMS`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "sidecar.yaml", "config file path (empty to use environment only)")

	verifyCmd.Flags().StringVar(&publicKey, "public-key", "", "hex Ed25519 public key of the batch key")
	verifyCmd.Flags().StringVar(&rowKey, "row-key", "", "hex row key, to also recompute event signatures")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sidecar v%s\n", version)
		fmt.Println("Forensic Logging Sidecar")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the local store and apply its schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()

		fmt.Printf("Initialized sidecar store for service: %s\n", cfg.Service)
		fmt.Printf("Storage driver: %s\n", cfg.Storage.Driver)
		if cfg.Storage.Driver != storage.DriverPostgres {
			fmt.Printf("Database path: %s\n", cfg.Storage.Path)
		}

		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sidecar",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger := newLogger(cfg.Log)
		slog.SetDefault(logger)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()

		socket := transport.New(transport.Config{
			URL:               cfg.KMS.URL,
			PingInterval:      cfg.KMS.PingInterval,
			ConnectTimeout:    cfg.KMS.ConnectTimeout,
			ReconnectInterval: cfg.KMS.ReconnectInterval,
		}, logger.With("component", "transport"))

		client := kms.NewClient(socket, kms.Config{RequestTimeout: cfg.KMS.RequestTimeout}, logger.With("component", "kms"))

		alerter := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)

		deps := sidecar.Deps{
			KMS:      client,
			Listener: framing.NewListener(logger.With("component", "listener")),
			Store:    store,
			Alerter:  alerter,
			Logger:   logger,
		}
		if cfg.Health.Enabled {
			deps.Health = health.NewServer(cfg.Health.Addr, logger.With("component", "health"))
		}

		sc := sidecar.New(sidecar.Config{
			ServiceName: cfg.Service,
			Version:     cfg.Version,
			ListenAddr:  cfg.ListenAddr(),
			Batch: batch.TrackerConfig{
				Size:      cfg.Batch.Size,
				Interval:  cfg.Batch.TimeInterval,
				EmitEmpty: cfg.Batch.EmitEmpty,
			},
		}, deps)

		fmt.Printf("Starting sidecar for service: %s\n", cfg.Service)
		fmt.Printf("Connecting to KMS: %s\n", cfg.KMS.URL)

		if err := sc.Start(ctx); err != nil {
			sc.Stop()
			if alertErr := alerter.SendSystemAlert("Sidecar failed to start",
				fmt.Sprintf("Service %s: %v", cfg.Service, err), "critical"); alertErr != nil {
				logger.Warn("Failed to send start failure alert", "error", alertErr)
			}
			return fmt.Errorf("failed to start sidecar: %w", err)
		}

		fmt.Printf("Sidecar %s is running on %s. Press Ctrl+C to stop.\n", sc.ID(), cfg.ListenAddr())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			sc.Stop()
		case <-sc.Done():
			return fmt.Errorf("sidecar stopped: KMS connection lost")
		}

		fmt.Println("Sidecar stopped")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display stored sidecar, event and batch counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		stats, err := store.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to read stats: %w", err)
		}

		fmt.Printf("Service: %s\n", cfg.Service)
		fmt.Printf("Storage: %s\n", cfg.Storage.Driver)
		fmt.Printf("\nSidecar identities: %d\n", stats.Sidecars)
		fmt.Printf("Events: %d (%d unbatched)\n", stats.Events, stats.UnbatchedEvents)
		fmt.Printf("Batches: %d\n", stats.Batches)

		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify stored batches against their signatures and events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		if publicKey == "" {
			fmt.Println("No --public-key given, batch signatures will not be checked")
		}

		auditor := verify.NewAuditor(store, verify.Options{
			PublicKey: publicKey,
			RowKey:    rowKey,
			Alerter:   alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook),
			Logger:    newLogger(cfg.Log),
		})

		report, err := auditor.AuditAll(cmd.Context())
		if err != nil {
			return err
		}

		for _, failure := range report.Failures {
			fmt.Printf("  ❌ FAILED: %v\n", failure)
		}

		fmt.Printf("Verified %d batches covering %d events\n", report.Batches, report.Events)
		if !report.OK() {
			return fmt.Errorf("%d batches failed verification", len(report.Failures))
		}

		fmt.Println("  ✅ OK: All batches are intact")
		return nil
	},
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	opts := storage.Options{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path}
	if cfg.Storage.Driver == storage.DriverPostgres {
		opts.DSN = cfg.Storage.PostgresDSN()
	} else if dir := filepath.Dir(cfg.Storage.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	return storage.Open(ctx, opts)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
