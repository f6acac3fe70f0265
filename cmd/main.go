// Command rebalancer generates, approves and executes portfolio rebalancing
// order batches.
//
// Usage:
//
//	rebalancer --config config.yaml generate --client c1 --account ACC-1 --strategy rl-v2
//	rebalancer --config config.yaml execute <batch-id> --dry-run
//	rebalancer --config config.yaml serve
//
// The http brokerage reads its bearer token from the environment variable
// named by brokerage.token_env (BROKERAGE_TOKEN by default). A .env file in
// the working directory is loaded first.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vadiminshakov/rebalancer/config"
	"github.com/vadiminshakov/rebalancer/internal"
	"github.com/vadiminshakov/rebalancer/internal/domain"
	"github.com/vadiminshakov/rebalancer/internal/services/gateway"
)

var (
	configPath string
	debug      bool

	conf           config.Config
	logger         *zap.Logger
	app            *internal.App
	shutdownTracer func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:           "rebalancer",
	Short:         "Portfolio rebalancing and order execution engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		_ = godotenv.Load()

		var err error
		if debug {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return err
		}

		conf, err = config.Load(configPath)
		if err != nil {
			return err
		}

		if conf.Tracing.Enabled {
			shutdownTracer, err = gateway.SetupTracing(cmd.Context(), conf.Tracing.ServiceName, os.Stderr)
			if err != nil {
				return err
			}
		}

		app, err = internal.NewApp(cmd.Context(), conf, logger)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
		return shutdown(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config (defaults are used when empty)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "development logging")
}

func shutdown(ctx context.Context) error {
	var firstErr error
	if app != nil {
		firstErr = app.Close()
		app = nil
	}
	if shutdownTracer != nil {
		if err := shutdownTracer(context.WithoutCancel(ctx)); err != nil && firstErr == nil {
			firstErr = err
		}
		shutdownTracer = nil
	}
	if logger != nil {
		_ = logger.Sync()
	}
	return firstErr
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		_ = shutdown(ctx)
		out, _ := json.MarshalIndent(domain.NewFailure(err), "", "  ")
		fmt.Fprintln(os.Stderr, string(out))
		if domain.FailureCode(err) == domain.FailureInternal {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
