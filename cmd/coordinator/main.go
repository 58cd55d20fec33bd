package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/config"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage/backend"
	"github.com/AltairaLabs/research-coordinator/internal/runtime"
	"github.com/AltairaLabs/research-coordinator/internal/runtime/mock"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "coordinator",
		Short:        "Research fleet coordinator",
		Long:         `Coordinates client connections, rate limits and research task lifecycles across a fleet of instances sharing a fast and a durable store.`,
		Version:      coordinator.Version,
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a config file (YAML, JSON or TOML)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run a coordinator instance until SIGINT or SIGTERM",
		RunE:  runServe,
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "coordinator %s\n", coordinator.Version)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok (instance %s, %d tiers)\n", cfg.InstanceID, len(cfg.Tiers))
			return nil
		},
	})
	return root
}

// newRuntimeRegistry lists the agent runtimes this build can drive
func newRuntimeRegistry(cfg *config.Config) *runtime.Registry {
	reg := runtime.NewRegistry()
	reg.Register("mock", func() runtime.Runtime {
		return mock.New(mock.WithDelay(cfg.Runtime.StepDelay))
	})
	return reg
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting research coordinator",
		zap.String("version", coordinator.Version),
		zap.String("instance_id", cfg.InstanceID),
		zap.String("fast_store", backendScheme(cfg.Store.FastURL)),
		zap.String("durable_store", backendScheme(cfg.Store.DurableDSN)),
		zap.String("runtime", cfg.Runtime.Kind))

	rt, err := newRuntimeRegistry(cfg).Create(cfg.Runtime.Kind)
	if err != nil {
		return err
	}
	fast, err := backend.NewFastStore(ctx, cfg.Store.FastURL)
	if err != nil {
		return fmt.Errorf("fast store: %w", err)
	}
	durable, err := backend.NewDurableStore(ctx, cfg.Store.DurableDSN, cfg.Store.Project)
	if err != nil {
		_ = fast.Close()
		return fmt.Errorf("durable store: %w", err)
	}

	inst, err := coordinator.NewInstance(ctx, cfg, fast, durable, rt, logger)
	if err != nil {
		_ = fast.Close()
		_ = durable.Close()
		return err
	}
	if err := inst.Serve(ctx); err != nil {
		logger.Error("Coordinator stopped with error", zap.Error(err))
		return err
	}
	logger.Info("Coordinator shutdown complete")
	return nil
}

// backendScheme returns the scheme of a store URL without credentials
func backendScheme(url string) string {
	if scheme, _, ok := strings.Cut(url, "://"); ok {
		return scheme
	}
	return "unknown"
}
