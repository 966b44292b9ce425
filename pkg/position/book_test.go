package position

import (
	"fmt"
	"sync"
	"testing"

	"github.com/gregtusar/perpagent/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLong(t *testing.T, b *Book, symbol string, size, price float64, stop, take *float64) models.Position {
	t.Helper()
	margin := size * price / 10
	r, err := b.Reserve(margin)
	require.NoError(t, err)
	pos, _ := b.Open(r, Fill{
		Order: models.Order{
			Symbol:   symbol,
			Side:     models.OrderSideBuy,
			Type:     models.OrderTypeMarket,
			Size:     size,
			Leverage: 10,
		},
		Ack:        models.OrderAck{OrderID: "x-" + symbol, Status: models.OrderStatusFilled, Price: price, Size: size},
		StopLoss:   stop,
		TakeProfit: take,
	})
	return pos
}

func TestBook_OpenDebitsMargin(t *testing.T) {
	t.Parallel()

	b := NewBook(10000, "USD", 100, 100)
	pos := openLong(t, b, "BTC-PERP", 0.01, 50000, models.Float(49500), models.Float(55000))

	assert.Equal(t, 50000.0, pos.EntryPrice)
	assert.InDelta(t, 50, pos.Margin, 1e-9)
	assert.Equal(t, models.PositionSideLong, pos.Side)

	acct := b.Account()
	assert.InDelta(t, 10000, acct.Total, 1e-9)
	assert.InDelta(t, 9950, acct.Available, 1e-9)
	assert.InDelta(t, 50, acct.Margin, 1e-9)

	orders := b.Orders("")
	require.Len(t, orders, 1)
	assert.Equal(t, uint64(1), orders[0].ID)
	assert.Equal(t, models.OrderStatusFilled, orders[0].Status)
	assert.Equal(t, pos.ID, orders[0].PositionID)
	assert.False(t, orders[0].IsClosing())
}

func TestBook_ReserveInsufficientHasNoSideEffects(t *testing.T) {
	t.Parallel()

	b := NewBook(100, "USD", 100, 100)
	before := b.Account()

	_, err := b.Reserve(150)
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)
	assert.Equal(t, before, b.Account())
	assert.Empty(t, b.Orders(""))

	r, err := b.Reserve(60)
	require.NoError(t, err)
	_, err = b.Reserve(60)
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)
	b.Release(r)
	b.Release(r)
	assert.Equal(t, before, b.Account())
}

func TestBook_PnLExactAcrossTicks(t *testing.T) {
	t.Parallel()

	b := NewBook(100000, "USD", 100, 100)
	long := openLong(t, b, "BTC-PERP", 0.37, 50000, nil, nil)

	r, err := b.Reserve(300)
	require.NoError(t, err)
	short, _ := b.Open(r, Fill{
		Order: models.Order{Symbol: "ETH-PERP", Side: models.OrderSideSell, Leverage: 10},
		Ack:   models.OrderAck{Status: models.OrderStatusFilled, Price: 3000, Size: 1.3},
	})

	btc, eth := 50123.45, 2987.65
	prices := map[string]float64{"BTC-PERP": btc, "ETH-PERP": eth}
	for i := 0; i < 1000; i++ {
		assert.Empty(t, b.ApplyPrices(prices, nil))
	}

	longWant := (btc - long.EntryPrice) * long.Size
	shortWant := -((eth - short.EntryPrice) * short.Size)

	got, ok := b.Position(long.ID)
	require.True(t, ok)
	assert.Equal(t, longWant, got.UnrealizedPnL)

	got, ok = b.Position(short.ID)
	require.True(t, ok)
	assert.Equal(t, shortWant, got.UnrealizedPnL)

	acct := b.Account()
	assert.InDelta(t, longWant+shortWant, acct.UnrealizedPnL, 1e-9)
}

func TestBook_StopLossWinsOverTakeProfit(t *testing.T) {
	t.Parallel()

	b := NewBook(10000, "USD", 100, 100)
	// Contradictory levels: both fire at 50000.
	pos := openLong(t, b, "BTC-PERP", 0.01, 50000, models.Float(50500), models.Float(49000))

	triggers := b.ApplyPrices(map[string]float64{"BTC-PERP": 50000}, nil)
	require.Len(t, triggers, 1)
	assert.Equal(t, pos.ID, triggers[0].Position.ID)
	assert.Equal(t, models.CloseReasonStopLoss, triggers[0].Reason)

	// The claim stops a second trigger and a manual close.
	assert.Empty(t, b.ApplyPrices(map[string]float64{"BTC-PERP": 50000}, nil))
	_, err := b.BeginClose(pos.ID)
	assert.ErrorIs(t, err, models.ErrPositionClosing)
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	long := &models.Position{Side: models.PositionSideLong, StopLoss: models.Float(95), TakeProfit: models.Float(110)}
	short := &models.Position{Side: models.PositionSideShort, StopLoss: models.Float(105), TakeProfit: models.Float(90)}

	tests := []struct {
		name   string
		pos    *models.Position
		price  float64
		reason models.CloseReason
		fired  bool
	}{
		{"long stop", long, 95, models.CloseReasonStopLoss, true},
		{"long take", long, 110, models.CloseReasonTakeProfit, true},
		{"long inside", long, 100, "", false},
		{"short stop", short, 105, models.CloseReasonStopLoss, true},
		{"short take", short, 89, models.CloseReasonTakeProfit, true},
		{"short inside", short, 100, "", false},
		{"no levels", &models.Position{Side: models.PositionSideLong}, 1, "", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reason, fired := Evaluate(tt.pos, tt.price)
			assert.Equal(t, tt.fired, fired)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestBook_LiquidationAfterLevels(t *testing.T) {
	t.Parallel()

	b := NewBook(10000, "USD", 100, 100)
	openLong(t, b, "BTC-PERP", 0.01, 50000, nil, nil)

	always := func(*models.Position, float64) bool { return true }
	triggers := b.ApplyPrices(map[string]float64{"BTC-PERP": 40000}, always)
	require.Len(t, triggers, 1)
	assert.Equal(t, models.CloseReasonLiquidation, triggers[0].Reason)
	assert.InDelta(t, -100, triggers[0].Position.UnrealizedPnL, 1e-9)
}

func TestBook_CloseCreditsMarginAndPnL(t *testing.T) {
	t.Parallel()

	b := NewBook(10000, "USD", 100, 100)
	pos := openLong(t, b, "BTC-PERP", 0.01, 50000, nil, nil)

	_, err := b.BeginClose(pos.ID)
	require.NoError(t, err)
	closed, order, err := b.Close(pos.ID, models.CloseReasonManual, CloseFill{Price: 51000, ExchangeOrderID: "c-1", Attempts: 1})
	require.NoError(t, err)

	assert.InDelta(t, 10, closed.RealizedPnL, 1e-9)
	assert.Equal(t, 51000.0, closed.ExitPrice)
	assert.Equal(t, models.CloseReasonManual, closed.Reason)
	assert.True(t, order.IsClosing())
	require.NotNil(t, order.RealizedPnL)
	assert.InDelta(t, 10, *order.RealizedPnL, 1e-9)
	assert.Equal(t, models.OrderSideSell, order.Side)
	assert.Equal(t, order.ID, closed.CloseOrderID)

	acct := b.Account()
	assert.InDelta(t, 10010, acct.Total, 1e-9)
	assert.InDelta(t, 10010, acct.Available, 1e-9)
	assert.Zero(t, acct.Margin)
	assert.Empty(t, b.Positions())
	assert.False(t, b.IsClosing(pos.ID))

	_, _, err = b.Close(pos.ID, models.CloseReasonManual, CloseFill{Price: 51000})
	assert.ErrorIs(t, err, models.ErrPositionNotFound)
}

func TestBook_ReduceIsProRata(t *testing.T) {
	t.Parallel()

	b := NewBook(10000, "USD", 100, 100)
	pos := openLong(t, b, "BTC-PERP", 0.02, 50000, models.Float(49000), nil)

	_, err := b.BeginClose(pos.ID)
	require.NoError(t, err)
	remaining, order, err := b.Reduce(pos.ID, 0.5, models.CloseReasonLiquidation, CloseFill{Price: 49500})
	require.NoError(t, err)

	assert.InDelta(t, 0.01, remaining.Size, 1e-12)
	assert.InDelta(t, 50, remaining.Margin, 1e-9)
	assert.Equal(t, 50000.0, remaining.EntryPrice)
	assert.Equal(t, models.PositionSideLong, remaining.Side)
	assert.InDelta(t, 0.01, order.Size, 1e-12)
	assert.InDelta(t, -5, *order.RealizedPnL, 1e-9)
	assert.False(t, b.IsClosing(pos.ID))

	acct := b.Account()
	assert.InDelta(t, 9995, acct.Total, 1e-9)
	assert.InDelta(t, 50, acct.Margin, 1e-9)

	_, _, err = b.Reduce(pos.ID, 1, models.CloseReasonLiquidation, CloseFill{Price: 1})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestBook_HistoryIsBounded(t *testing.T) {
	t.Parallel()

	b := NewBook(1e9, "USD", 100, 1000)
	var last string
	for i := 0; i < 105; i++ {
		pos := openLong(t, b, fmt.Sprintf("S%d-PERP", i), 1, 100, nil, nil)
		_, err := b.BeginClose(pos.ID)
		require.NoError(t, err)
		_, _, err = b.Close(pos.ID, models.CloseReasonManual, CloseFill{Price: 100})
		require.NoError(t, err)
		last = pos.Symbol
	}

	history := b.History("")
	require.Len(t, history, 100)
	assert.Equal(t, "S5-PERP", history[0].Symbol)
	assert.Equal(t, last, history[99].Symbol)
	assert.Len(t, b.History("S50-PERP"), 1)
	assert.Empty(t, b.History("S1-PERP"))
}

func TestBook_PendingLifecycle(t *testing.T) {
	t.Parallel()

	b := NewBook(1000, "USD", 100, 100)
	r, err := b.Reserve(100)
	require.NoError(t, err)
	order := b.AddPending(r, models.Order{
		ExchangeOrderID: "ex-1",
		Symbol:          "ETH-PERP",
		Side:            models.OrderSideSell,
		Type:            models.OrderTypeLimit,
		Price:           3000,
		Size:            1 / 3.0,
		Leverage:        10,
		StopLoss:        models.Float(3100),
	})
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, 1, b.OpenCount())
	assert.InDelta(t, 900, b.Account().Available, 1e-9)

	require.NoError(t, b.ResizePending(order.ID, 150))
	assert.InDelta(t, 850, b.Account().Available, 1e-9)
	assert.ErrorIs(t, b.ResizePending(order.ID, 5000), models.ErrInsufficientBalance)

	pos, filled, err := b.FillPending(order.ID, models.OrderAck{Status: models.OrderStatusFilled, Price: 3000, Size: 0.5})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, filled.Status)
	assert.Equal(t, models.PositionSideShort, pos.Side)
	assert.InDelta(t, 150, pos.Margin, 1e-9)
	require.NotNil(t, pos.StopLoss)
	assert.InDelta(t, 850, b.Account().Available, 1e-9)
	assert.Empty(t, b.PendingOrders())

	// Status never moves once final.
	_, err = b.FinalizePending(order.ID, models.OrderStatusCancelled)
	assert.ErrorIs(t, err, models.ErrOrderFinal)
	_, err = b.PendingOrder(999)
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
}

func TestBook_FinalizePendingReleases(t *testing.T) {
	t.Parallel()

	b := NewBook(1000, "USD", 100, 100)
	r, err := b.Reserve(100)
	require.NoError(t, err)
	order := b.AddPending(r, models.Order{Symbol: "ETH-PERP", Side: models.OrderSideBuy, Price: 3000, Size: 1, Leverage: 30})

	cancelled, err := b.FinalizePending(order.ID, models.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.InDelta(t, 1000, b.Account().Available, 1e-9)
	assert.Zero(t, b.OpenCount())

	orders := b.Orders("ETH-PERP")
	require.Len(t, orders, 1)
	assert.Equal(t, models.OrderStatusCancelled, orders[0].Status)
}

func TestBook_ConcurrentCloseClaim(t *testing.T) {
	t.Parallel()

	b := NewBook(10000, "USD", 100, 100)
	pos := openLong(t, b, "BTC-PERP", 0.01, 50000, nil, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.BeginClose(pos.ID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
