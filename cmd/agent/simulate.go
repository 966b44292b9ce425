package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/gregtusar/perpagent/internal/config"
	"github.com/gregtusar/perpagent/internal/logging"
	"github.com/gregtusar/perpagent/pkg/exchange"
	"github.com/gregtusar/perpagent/pkg/models"
	"github.com/gregtusar/perpagent/pkg/signal"
	"github.com/gregtusar/perpagent/pkg/strategy"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

type simulateOptions struct {
	replay      string
	steps       int
	step        time.Duration
	seed        int64
	signalEvery int
	healthEvery int
	logLevel    string
}

func newSimulateCmd() *cobra.Command {
	opts := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a signal file against the seeded simulated market",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.replay, "replay", "", "YAML signal file (default signal.replay_file)")
	cmd.Flags().IntVar(&opts.steps, "steps", 1440, "number of market steps")
	cmd.Flags().DurationVar(&opts.step, "step", time.Minute, "simulated time per step")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "market seed (default simulation.seed)")
	cmd.Flags().IntVar(&opts.signalEvery, "signal-every", 60, "steps between trading cycles")
	cmd.Flags().IntVar(&opts.healthEvery, "health-every", 15, "steps between position health checks")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "log level during the run")
	return cmd
}

// stepper is satisfied by the simulated backend.
type stepper interface {
	Step(dt time.Duration)
}

func runSimulation(ctx context.Context, opts *simulateOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg.Exchange.Backend = exchange.BackendSimulated
	cfg.Simulation.Enabled = true
	if opts.seed != 0 {
		cfg.Simulation.Seed = opts.seed
	}
	if opts.replay != "" {
		cfg.Signal.ReplayFile = opts.replay
	}
	if cfg.Signal.ReplayFile == "" {
		return fmt.Errorf("simulate needs a replay file (--replay or signal.replay_file)")
	}
	cfg.Logging.Level = opts.logLevel
	logger := logging.New(cfg.Logging)

	backend, err := exchange.New(cfg, logger)
	if err != nil {
		return err
	}
	market, ok := backend.(stepper)
	if !ok {
		return fmt.Errorf("backend %s cannot be stepped", backend.Name())
	}
	replay, err := signal.LoadReplay(cfg.Signal.ReplayFile)
	if err != nil {
		return err
	}
	eng, err := buildEngine(ctx, cfg, backend, replay, logger)
	if err != nil {
		return err
	}

	signalEvery := max(opts.signalEvery, 1)
	healthEvery := max(opts.healthEvery, 1)
	var results []strategy.CycleResult
	for i := 0; i < opts.steps; i++ {
		market.Step(opts.step)
		eng.monitor.Tick(ctx)
		eng.monitor.Wait()
		if i%healthEvery == 0 {
			eng.monitor.HealthCheck(ctx)
		}
		if i%signalEvery == 0 {
			results = append(results, eng.orch.RunOnce(ctx)...)
		}
	}

	if _, err := eng.orch.CloseAll(ctx); err != nil {
		logger.WithError(err).Error("Failed to close positions at end of simulation")
	}

	printCycles(results, replay.Remaining())
	printHistory(eng.book.History(""))
	printPerformance(eng.orch.Performance(), cfg)
	return nil
}

func printCycles(results []strategy.CycleResult, unused int) {
	counts := make(map[strategy.Status]int)
	for _, r := range results {
		counts[r.Status]++
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("TRADING CYCLES")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Status", "Count"})
	for _, s := range statuses {
		t.AppendRow(table.Row{s, counts[strategy.Status(s)]})
	}
	t.AppendFooter(table.Row{"Unused signals", unused})
	t.Render()
	fmt.Println()
}

func printHistory(history []models.ClosedPosition) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("CLOSED POSITIONS")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Symbol", "Side", "Size", "Entry", "Exit", "P&L", "Reason", "Closed"})
	for _, p := range history {
		t.AppendRow(table.Row{
			p.Symbol,
			p.Side,
			fmt.Sprintf("%.6f", p.Size),
			fmt.Sprintf("%.2f", p.EntryPrice),
			fmt.Sprintf("%.2f", p.ExitPrice),
			fmt.Sprintf("%+.2f", p.RealizedPnL),
			p.Reason,
			p.ClosedAt.Format(time.RFC3339),
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	t.Render()
	fmt.Println()
}

func printPerformance(perf strategy.Performance, cfg *config.Config) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("PERFORMANCE")
	t.SetStyle(table.StyleRounded)
	t.AppendRows([]table.Row{
		{"Seed", cfg.Simulation.Seed},
		{"Final balance", fmt.Sprintf("%.2f", perf.CurrentBalance)},
		{"Total P&L", fmt.Sprintf("%+.2f", perf.TotalPnL)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Trades", perf.TotalTrades},
		{"Winning", perf.WinningTrades},
		{"Losing", perf.LosingTrades},
		{"Win rate", fmt.Sprintf("%.1f%%", perf.WinRate*100)},
		{"Average win", fmt.Sprintf("%.2f", perf.AverageWin)},
		{"Average loss", fmt.Sprintf("%.2f", perf.AverageLoss)},
		{"Largest profit", fmt.Sprintf("%.2f", perf.LargestProfit)},
		{"Largest loss", fmt.Sprintf("%.2f", perf.LargestLoss)},
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 16, Align: text.AlignLeft},
		{Number: 2, WidthMin: 14, Align: text.AlignRight},
	})
	t.Render()
}
