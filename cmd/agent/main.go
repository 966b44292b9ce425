package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gregtusar/perpagent/internal/config"
	"github.com/gregtusar/perpagent/internal/logging"
	"github.com/gregtusar/perpagent/pkg/exchange"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "perp-agent",
		Short: "Leveraged perpetuals trading agent",
		Long:  `Turns AI and webhook trade signals into risk-bounded perpetual futures orders and manages the resulting positions`,
		RunE:  runAgent,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the trading engine and HTTP API",
		RunE:  runAgent,
	})
	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := exchange.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("select exchange backend: %w", err)
	}
	if err := backend.Start(ctx); err != nil {
		return fmt.Errorf("start %s backend: %w", backend.Name(), err)
	}
	defer backend.Stop()

	source, err := buildSource(cfg, logger)
	if err != nil {
		return err
	}
	eng, err := buildEngine(ctx, cfg, backend, source, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := eng.orch.Start(gctx); err != nil {
			return fmt.Errorf("start orchestrator: %w", err)
		}
		<-gctx.Done()
		logger.Info("Shutting down trading engine")
		if err := eng.orch.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Error("Shutdown left positions open")
		}
		return nil
	})

	if cfg.Server.Enabled {
		srv := eng.server(cfg, logger)
		g.Go(func() error {
			return srv.Start(gctx)
		})
	}

	logger.WithField("backend", backend.Name()).Info("Perp agent is running. Press Ctrl+C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Perp agent stopped")
	return nil
}
