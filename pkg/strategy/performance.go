package strategy

import (
	"math"

	"github.com/gregtusar/perpagent/pkg/models"
)

// Performance summarizes realized trading results.
type Performance struct {
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	WinRate        float64 `json:"win_rate"`
	TotalPnL       float64 `json:"total_pnl"`
	AverageWin     float64 `json:"average_win"`
	AverageLoss    float64 `json:"average_loss"`
	LargestProfit  float64 `json:"largest_profit"`
	LargestLoss    float64 `json:"largest_loss"`
	UnrealizedPnL  float64 `json:"unrealized_pnl"`
	OpenPositions  int     `json:"open_positions"`
	CurrentBalance float64 `json:"current_balance"`
}

// Performance folds the book's closing orders into summary statistics.
func (o *Orchestrator) Performance() Performance {
	account, positions := o.book.Snapshot()
	perf := Summarize(o.book.Orders(""))
	perf.UnrealizedPnL = account.UnrealizedPnL
	perf.OpenPositions = len(positions)
	perf.CurrentBalance = account.Total
	return perf
}

// Summarize computes realized statistics from an order log. Only orders that
// closed or reduced a position count as trades.
func Summarize(orders []models.Order) Performance {
	var (
		perf            Performance
		winSum, lossSum float64
	)
	for _, o := range orders {
		if !o.IsClosing() || o.RealizedPnL == nil {
			continue
		}
		pnl := *o.RealizedPnL
		perf.TotalTrades++
		perf.TotalPnL += pnl
		switch {
		case pnl > 0:
			perf.WinningTrades++
			winSum += pnl
			perf.LargestProfit = math.Max(perf.LargestProfit, pnl)
		case pnl < 0:
			perf.LosingTrades++
			lossSum += pnl
			perf.LargestLoss = math.Min(perf.LargestLoss, pnl)
		}
	}
	if perf.TotalTrades > 0 {
		perf.WinRate = float64(perf.WinningTrades) / float64(perf.TotalTrades)
	}
	if perf.WinningTrades > 0 {
		perf.AverageWin = winSum / float64(perf.WinningTrades)
	}
	if perf.LosingTrades > 0 {
		perf.AverageLoss = lossSum / float64(perf.LosingTrades)
	}
	return perf
}
