package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/relay/pkg/api"
	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/daemon"
	"github.com/cuemby/relay/pkg/handler"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay - distributed task-execution control plane",
	Long: `Relay dispatches typed tasks onto a partitioned bus, executes them
under bounded concurrency with retry and backoff, and tracks a live
registry of capability-tagged worker servers.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Relay version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("addr", "127.0.0.1:7420", "Control plane address")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(systemCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(configCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay daemon",
	Long: `Run the control plane: state store, bus consumers, dispatch engine,
worker registry, and the gRPC control surface.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		api.Version = Version
		metrics.SetVersion(Version)

		handlers := handler.NewRegistry()
		registerBuiltins(handlers)

		d, err := daemon.New(daemon.Options{
			Config:   cfg,
			Handlers: handlers,
		})
		if err != nil {
			return err
		}
		if err := d.Start(); err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		d.Stop()
		return nil
	},
}

func init() {
	runCmd.Flags().String("config", "", "Path to YAML config file")
	runCmd.Flags().String("node-id", "", "Unique node ID")
	runCmd.Flags().String("listen-addr", "", "gRPC listen address")
	runCmd.Flags().String("health-addr", "", "HTTP health/metrics listen address")
	runCmd.Flags().StringSlice("brokers", nil, "Kafka broker addresses")
	runCmd.Flags().String("redis-addr", "", "Redis address (empty = embedded store)")
	runCmd.Flags().String("data-dir", "", "Data directory for the embedded store")
	runCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	runCmd.Flags().Bool("log-json", false, "Log as JSON")
}

// loadConfig merges the optional config file with flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("listen-addr"); v != "" {
		cfg.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetString("health-addr"); v != "" {
		cfg.HealthAddr = v
	}
	if v, _ := cmd.Flags().GetStringSlice("brokers"); len(v) > 0 {
		cfg.Bus.Brokers = v
	}
	if v, _ := cmd.Flags().GetString("redis-addr"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Store.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetBool("log-json"); v {
		cfg.Log.JSON = true
	}
	return cfg, cfg.Validate()
}

// registerBuiltins installs the smoke-test handler kinds every node serves
func registerBuiltins(handlers *handler.Registry) {
	handlers.Register("echo", handler.Func(func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}))
	handlers.Register("sleep", handler.Func(func(ctx context.Context, payload []byte) ([]byte, error) {
		d, err := time.ParseDuration(string(payload))
		if err != nil {
			return nil, handler.Permanent(fmt.Errorf("invalid duration %q: %w", payload, err))
		}
		select {
		case <-time.After(d):
			return []byte(`"slept"`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
}
