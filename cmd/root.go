package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/spf13/cobra"

	"github.com/tunnelmesh/fleet/internal/application"
	"github.com/tunnelmesh/fleet/internal/config"
	"github.com/tunnelmesh/fleet/internal/logger"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for the fleet control plane
var rootCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Tunnelmesh fleet is the tunnel-relay control plane",
	Long:  `Capacity-aware registry, admission control, and status engine for a fleet of tunnel relay servers.`,
	Example: `
  fleet start --db-host localhost --db-port 5432
  fleet start --log-level debug --metrics-port 9181
  fleet start --config /path/to/config.yaml`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		// Override config with command line flags if specified
		flags := cmd.Flags()
		if flags.Changed("db-host") {
			cfg.Database.Server, _ = flags.GetString("db-host")
		}
		if flags.Changed("db-port") {
			cfg.Database.Port, _ = flags.GetInt("db-port")
		}
		if flags.Changed("listen-addr") {
			cfg.API.ListenAddr, _ = flags.GetString("listen-addr")
		}
		if flags.Changed("metrics-port") {
			cfg.Metrics.Port, _ = flags.GetInt("metrics-port")
		}
		if flags.Changed("log-level") {
			cfg.Logging.Level, _ = flags.GetString("log-level")
		}
		if flags.Changed("distributed") {
			cfg.StateStore.Distributed, _ = flags.GetBool("distributed")
		}
		if flags.Changed("etcd-endpoints") {
			cfg.StateStore.Endpoints, _ = flags.GetStringSlice("etcd-endpoints")
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")

	rootCmd.PersistentFlags().String("db-host", "localhost", "PostgreSQL host")
	rootCmd.PersistentFlags().Int("db-port", 5432, "PostgreSQL port")
	rootCmd.PersistentFlags().String("listen-addr", ":8080", "API listen address")
	rootCmd.PersistentFlags().Int("metrics-port", 9181, "Port for Prometheus metrics server")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().Bool("distributed", false, "Use the distributed (etcd) state store")
	rootCmd.PersistentFlags().StringSlice("etcd-endpoints", nil, "etcd endpoints for distributed mode")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of the fleet control plane",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	}
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")
	rootCmd.AddCommand(versionCmd)

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the fleet control plane",
		Run: func(cmd *cobra.Command, args []string) {
			cfgFile, _ = cmd.Flags().GetString("config")
			if cfgFile != "" {
				absPath, err := filepath.Abs(cfgFile)
				if err != nil {
					logger.Error("Failed to resolve absolute path for config", zap.Error(err))
					os.Exit(1)
				}
				cfgFile = absPath
				logger.Info("Using config file", zap.String("config_file", cfgFile))
			}

			ctx := cmd.Context()

			logger.Info("Starting fleet control plane...")
			node, err := application.New(ctx, cfg, GetVersion())
			if err != nil {
				logger.Error("Failed to initialize the control plane", zap.Error(err))
				os.Exit(1)
			}

			go func() {
				<-ctx.Done()
				logger.Info("Shutdown signal received, initiating graceful shutdown...")
				node.Shutdown()
			}()

			errCh := node.Start()
			go func() {
				if err := <-errCh; err != nil {
					logger.Error("API server failed", zap.Error(err))
					os.Exit(1)
				}
			}()

			logger.Info("Fleet control plane started successfully!")
		},
	}
	rootCmd.AddCommand(startCmd)
}
