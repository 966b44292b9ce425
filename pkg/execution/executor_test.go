package execution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/perpagent/pkg/models"
	"github.com/gregtusar/perpagent/pkg/position"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticFeed struct {
	price float64
}

func (f *staticFeed) GetMarketData(_ context.Context, symbol string) (*models.MarketData, error) {
	return &models.MarketData{Symbol: symbol, Price: f.price, Timestamp: time.Now()}, nil
}

// scriptedGateway fails the first len(errs) placements with the given
// errors, then fills.
type scriptedGateway struct {
	mu        sync.Mutex
	errs      []error
	calls     int
	clientIDs []string
	status    models.OrderStatus
	price     float64
	closes    int
	cancelled []string
	modified  []string
	orderAck  map[string]models.OrderAck
}

func (g *scriptedGateway) PlaceOrder(_ context.Context, req *models.OrderRequest) (*models.OrderAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.clientIDs = append(g.clientIDs, req.ClientOrderID)
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		return nil, err
	}
	status := g.status
	if status == "" {
		status = models.OrderStatusFilled
	}
	price := g.price
	if req.Type == models.OrderTypeLimit {
		price = req.Price
	}
	return &models.OrderAck{OrderID: fmt.Sprintf("ex-%d", g.calls), Status: status, Price: price, Size: req.Size}, nil
}

func (g *scriptedGateway) CancelOrder(_ context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, orderID)
	return nil
}

func (g *scriptedGateway) ModifyOrder(_ context.Context, orderID string, size, price *float64) (*models.OrderAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.modified = append(g.modified, orderID)
	ack := models.OrderAck{OrderID: orderID, Status: models.OrderStatusPending}
	if size != nil {
		ack.Size = *size
	}
	if price != nil {
		ack.Price = *price
	}
	return &ack, nil
}

func (g *scriptedGateway) GetOrder(_ context.Context, orderID string) (*models.OrderAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ack, ok := g.orderAck[orderID]; ok {
		return &ack, nil
	}
	return &models.OrderAck{OrderID: orderID, Status: models.OrderStatusPending}, nil
}

func (g *scriptedGateway) ClosePosition(_ context.Context, req *models.CloseRequest) (*models.OrderAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes++
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		return nil, err
	}
	return &models.OrderAck{OrderID: "close-" + req.PositionID, Status: models.OrderStatusFilled, Price: g.price, Size: req.Size}, nil
}

type harness struct {
	book    *position.Book
	gateway *scriptedGateway
	feed    *staticFeed
	exec    *Executor
	sleeps  []time.Duration
}

func newHarness(balance float64) *harness {
	logger, _ := test.NewNullLogger()
	h := &harness{
		book:    position.NewBook(balance, "USD", 100, 100),
		gateway: &scriptedGateway{price: 50000},
		feed:    &staticFeed{price: 50000},
	}
	h.exec = NewExecutor(h.book, h.gateway, h.feed, Settings{
		Leverage:    10,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
	}, logger)
	h.exec.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func buy() models.Signal {
	return models.Signal{
		Symbol:     "BTC-PERP",
		Direction:  models.DirectionBuy,
		Confidence: 0.9,
		StopLoss:   models.Float(49500),
		TakeProfit: models.Float(55000),
	}
}

func TestExecute_SizesFromAvailableBalance(t *testing.T) {
	t.Parallel()

	h := newHarness(10000)
	order, err := h.exec.Execute(context.Background(), buy(), models.SizedPosition{Fraction: 0.05})
	require.NoError(t, err)

	assert.InDelta(t, 0.01, order.Size, 1e-12)
	assert.Equal(t, 50000.0, order.Price)
	assert.Equal(t, models.OrderStatusFilled, order.Status)
	assert.Equal(t, 1, order.Attempts)

	positions := h.book.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, 50000.0, positions[0].EntryPrice)
	assert.InDelta(t, 50, positions[0].Margin, 1e-9)
	assert.InDelta(t, 9950, h.book.Account().Available, 1e-9)
}

// Leverage only scales margin: the base size is the same at any leverage.
func TestExecute_LeverageScalesMarginNotSize(t *testing.T) {
	t.Parallel()

	for _, lev := range []float64{1, 5, 20} {
		lev := lev
		t.Run(fmt.Sprintf("x%v", lev), func(t *testing.T) {
			t.Parallel()
			h := newHarness(10000)
			h.exec.settings.Leverage = lev

			order, err := h.exec.Execute(context.Background(), buy(), models.SizedPosition{Fraction: 0.05})
			require.NoError(t, err)
			assert.InDelta(t, 0.01, order.Size, 1e-12)
			assert.InDelta(t, 500/lev, h.book.Positions()[0].Margin, 1e-9)
		})
	}
}

func TestExecute_RetriesTransientThenRecordsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(10000)
	h.gateway.errs = []error{
		models.Transientf("timeout"),
		models.Transientf("rate limited"),
	}

	order, err := h.exec.Execute(context.Background(), buy(), models.SizedPosition{Fraction: 0.05})
	require.NoError(t, err)

	assert.Equal(t, 3, h.gateway.calls)
	assert.Equal(t, 3, order.Attempts)
	assert.Len(t, h.book.Orders(""), 1)
	assert.Len(t, h.book.Positions(), 1)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps)

	// Every attempt carried the same idempotency key.
	require.Len(t, h.gateway.clientIDs, 3)
	assert.Equal(t, h.gateway.clientIDs[0], h.gateway.clientIDs[2])
	assert.Equal(t, order.ClientOrderID, h.gateway.clientIDs[0])
}

func TestExecute_ExhaustedRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(10000)
	h.gateway.errs = []error{
		models.Transientf("timeout"),
		models.Transientf("timeout"),
		models.Transientf("timeout"),
	}

	_, err := h.exec.Execute(context.Background(), buy(), models.SizedPosition{Fraction: 0.05})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrExecutionFailed)
	assert.ErrorIs(t, err, models.ErrTransient)

	var execErr *models.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, execErr.Attempts)

	assert.Empty(t, h.book.Orders(""))
	assert.InDelta(t, 10000, h.book.Account().Available, 1e-9)
}

func TestExecute_ValidationNotRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(10000)
	h.gateway.errs = []error{models.Validationf("unknown symbol")}

	_, err := h.exec.Execute(context.Background(), buy(), models.SizedPosition{Fraction: 0.05})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, 1, h.gateway.calls)
	assert.Empty(t, h.sleeps)
	assert.InDelta(t, 10000, h.book.Account().Available, 1e-9)
}

func TestExecute_InsufficientBalanceHasNoSideEffects(t *testing.T) {
	t.Parallel()

	// 1 BTC at 50000 and 10x needs 5000 of margin; only 4000 is free.
	h := newHarness(4000)
	before := h.book.Account()

	_, err := h.exec.Execute(context.Background(), buy(), models.SizedPosition{Size: 1})
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)
	assert.Zero(t, h.gateway.calls)
	assert.Empty(t, h.book.Orders(""))
	assert.Empty(t, h.book.Positions())
	assert.Equal(t, before, h.book.Account())
}

func TestExecute_LimitOrderRestsThenFills(t *testing.T) {
	t.Parallel()

	h := newHarness(10000)
	h.gateway.status = models.OrderStatusPending

	order, err := h.exec.Execute(context.Background(), buy(), models.SizedPosition{
		Fraction:   0.05,
		Type:       models.OrderTypeLimit,
		LimitPrice: 49000,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, 49000.0, order.Price)
	assert.Empty(t, h.book.Positions())
	assert.Equal(t, 1, h.book.OpenCount())

	require.NoError(t, h.exec.SyncPending(context.Background()))
	assert.Len(t, h.book.PendingOrders(), 1)

	h.gateway.orderAck = map[string]models.OrderAck{
		order.ExchangeOrderID: {OrderID: order.ExchangeOrderID, Status: models.OrderStatusFilled, Price: 49000, Size: order.Size},
	}
	require.NoError(t, h.exec.SyncPending(context.Background()))
	assert.Empty(t, h.book.PendingOrders())
	positions := h.book.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, 49000.0, positions[0].EntryPrice)

	_, err = h.exec.Cancel(context.Background(), order.ID)
	assert.ErrorIs(t, err, models.ErrOrderFinal)
}

func TestModifyAndCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(10000)
	h.gateway.status = models.OrderStatusPending
	ctx := context.Background()

	order, err := h.exec.Execute(ctx, buy(), models.SizedPosition{Size: 0.1, Type: models.OrderTypeLimit, LimitPrice: 49000})
	require.NoError(t, err)
	assert.InDelta(t, 10000-490, h.book.Account().Available, 1e-9)

	modified, err := h.exec.Modify(ctx, order.ID, models.Float(0.2), nil)
	require.NoError(t, err)
	assert.Equal(t, 0.2, modified.Size)
	assert.Equal(t, 49000.0, modified.Price)
	assert.InDelta(t, 10000-980, h.book.Account().Available, 1e-9)
	assert.Equal(t, []string{order.ExchangeOrderID}, h.gateway.modified)

	_, err = h.exec.Modify(ctx, order.ID, models.Float(100), nil)
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)

	cancelled, err := h.exec.Cancel(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.InDelta(t, 10000, h.book.Account().Available, 1e-9)

	_, err = h.exec.Modify(ctx, order.ID, models.Float(0.1), nil)
	assert.ErrorIs(t, err, models.ErrOrderFinal)
	_, err = h.exec.Cancel(ctx, 42)
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
}

func TestClose_RealizesPnL(t *testing.T) {
	t.Parallel()

	h := newHarness(10000)
	ctx := context.Background()
	_, err := h.exec.Execute(ctx, buy(), models.SizedPosition{Fraction: 0.05})
	require.NoError(t, err)
	pos := h.book.Positions()[0]

	h.gateway.price = 51000
	order, err := h.exec.Close(ctx, pos.ID, models.CloseReasonManual)
	require.NoError(t, err)
	assert.Equal(t, models.CloseReasonManual, order.Reason)
	assert.InDelta(t, 10, *order.RealizedPnL, 1e-9)
	assert.InDelta(t, 10010, h.book.Account().Total, 1e-9)

	_, err = h.exec.Close(ctx, pos.ID, models.CloseReasonManual)
	assert.ErrorIs(t, err, models.ErrPositionNotFound)
}

func TestClose_FailureReleasesClaim(t *testing.T) {
	t.Parallel()

	h := newHarness(10000)
	ctx := context.Background()
	_, err := h.exec.Execute(ctx, buy(), models.SizedPosition{Fraction: 0.05})
	require.NoError(t, err)
	pos := h.book.Positions()[0]

	h.gateway.errs = []error{models.Validationf("venue says no")}
	_, err = h.exec.Close(ctx, pos.ID, models.CloseReasonManual)
	require.Error(t, err)
	assert.False(t, h.book.IsClosing(pos.ID))
	assert.Len(t, h.book.Positions(), 1)
}

func TestPartialClose(t *testing.T) {
	t.Parallel()

	h := newHarness(10000)
	ctx := context.Background()
	_, err := h.exec.Execute(ctx, buy(), models.SizedPosition{Size: 0.02})
	require.NoError(t, err)
	pos := h.book.Positions()[0]

	h.gateway.price = 49500
	order, err := h.exec.PartialClose(ctx, pos.ID, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, order.Size, 1e-12)
	assert.InDelta(t, -5, *order.RealizedPnL, 1e-9)

	remaining, ok := h.book.Position(pos.ID)
	require.True(t, ok)
	assert.InDelta(t, 0.01, remaining.Size, 1e-12)
	assert.InDelta(t, 50, remaining.Margin, 1e-9)

	_, err = h.exec.PartialClose(ctx, pos.ID, 1.5)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestWithRetry_StopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	h := newHarness(10000)
	h.gateway.errs = []error{models.Transientf("timeout"), models.Transientf("timeout")}
	ctx, cancel := context.WithCancel(context.Background())
	h.exec.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := h.exec.Execute(ctx, buy(), models.SizedPosition{Size: 0.01})
	assert.ErrorIs(t, err, models.ErrExecutionFailed)
	assert.Equal(t, 1, h.gateway.calls)
}
