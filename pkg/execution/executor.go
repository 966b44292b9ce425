// Package execution places, closes, modifies and cancels orders at the venue
// with bounded retries, and records the outcome in the position book.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/perpagent/internal/config"
	"github.com/gregtusar/perpagent/internal/monitoring"
	"github.com/gregtusar/perpagent/pkg/exchange"
	"github.com/gregtusar/perpagent/pkg/models"
	"github.com/gregtusar/perpagent/pkg/position"
	"github.com/sirupsen/logrus"
)

type Settings struct {
	Leverage    float64
	MaxAttempts int
	BaseDelay   time.Duration
}

func SettingsFrom(cfg config.TradingConfig) Settings {
	return Settings{
		Leverage:    cfg.Leverage,
		MaxAttempts: cfg.MaxOrderAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
	}
}

// Executor turns sized signals into venue orders. Only the attempt that
// succeeds is recorded; every retry of one placement reuses the same
// client order id.
type Executor struct {
	book     *position.Book
	gateway  exchange.OrderGateway
	feed     exchange.MarketFeed
	settings Settings
	logger   *logrus.Logger

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	inflight sync.WaitGroup
}

func NewExecutor(book *position.Book, gateway exchange.OrderGateway, feed exchange.MarketFeed, settings Settings, logger *logrus.Logger) *Executor {
	if settings.MaxAttempts < 1 {
		settings.MaxAttempts = 3
	}
	if settings.Leverage <= 0 {
		settings.Leverage = 1
	}
	return &Executor{
		book:     book,
		gateway:  gateway,
		feed:     feed,
		settings: settings,
		logger:   logger,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks until every in-flight venue call has returned.
func (e *Executor) Wait() {
	e.inflight.Wait()
}

// Execute opens a position for an accepted signal. The entry price is
// resolved first, then size = available x fraction / price and margin =
// size x price / leverage. Margin above the available balance fails with
// ErrInsufficientBalance before anything is sent or recorded.
func (e *Executor) Execute(ctx context.Context, sig models.Signal, sized models.SizedPosition) (*models.Order, error) {
	e.inflight.Add(1)
	defer e.inflight.Done()

	if !sig.Direction.IsActionable() {
		return nil, models.Validationf("signal direction %q is not actionable", sig.Direction)
	}

	orderType := sized.Type
	if orderType == "" {
		orderType = models.OrderTypeMarket
	}

	price, err := e.resolvePrice(ctx, sig.Symbol, orderType, sized.LimitPrice)
	if err != nil {
		return nil, err
	}

	size := sized.Size
	if size <= 0 {
		size = e.book.Account().Available * sized.Fraction / price
	}
	if size <= 0 {
		return nil, models.Validationf("computed size %v for %s is not positive", size, sig.Symbol)
	}

	margin := size * price / e.settings.Leverage
	reservation, err := e.book.Reserve(margin)
	if err != nil {
		monitoring.RecordError("insufficient_balance")
		return nil, err
	}

	req := &models.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        sig.Symbol,
		Side:          sig.Direction.OrderSide(),
		Type:          orderType,
		Size:          size,
		Leverage:      e.settings.Leverage,
		StopLoss:      sig.StopLoss,
		TakeProfit:    sig.TakeProfit,
	}
	if orderType == models.OrderTypeLimit {
		req.Price = price
	}

	log := e.logger.WithFields(logrus.Fields{
		"client_order_id": req.ClientOrderID,
		"symbol":          req.Symbol,
		"side":            req.Side,
		"type":            req.Type,
		"size":            req.Size,
		"price":           price,
		"margin":          margin,
	})

	ack, attempts, err := e.withRetry(ctx, "place order", func(ctx context.Context) (*models.OrderAck, error) {
		return e.gateway.PlaceOrder(ctx, req)
	})
	if err != nil {
		e.book.Release(reservation)
		monitoring.RecordOrder(req.Symbol, string(req.Side), "failed", attempts)
		log.WithError(err).WithField("attempts", attempts).Error("Order placement failed")
		return nil, err
	}

	order := models.Order{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: ack.OrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Price:           price,
		Size:            req.Size,
		Leverage:        req.Leverage,
		StopLoss:        req.StopLoss,
		TakeProfit:      req.TakeProfit,
		Attempts:        attempts,
	}

	switch ack.Status {
	case models.OrderStatusFilled:
		if ack.Price <= 0 {
			ack.Price = price
		}
		if ack.Size <= 0 {
			ack.Size = size
		}
		pos, recorded := e.book.Open(reservation, position.Fill{
			Order:      order,
			Ack:        *ack,
			StopLoss:   sig.StopLoss,
			TakeProfit: sig.TakeProfit,
		})
		monitoring.RecordOrder(req.Symbol, string(req.Side), string(recorded.Status), attempts)
		log.WithFields(logrus.Fields{
			"order_id":    recorded.ID,
			"position_id": pos.ID,
			"attempts":    attempts,
		}).Info("Order filled, position opened")
		return &recorded, nil

	case models.OrderStatusPending:
		recorded := e.book.AddPending(reservation, order)
		monitoring.RecordOrder(req.Symbol, string(req.Side), string(recorded.Status), attempts)
		log.WithField("order_id", recorded.ID).Info("Limit order resting")
		return &recorded, nil

	default:
		e.book.Release(reservation)
		monitoring.RecordOrder(req.Symbol, string(req.Side), string(ack.Status), attempts)
		return nil, models.Validationf("venue answered %s for %s", ack.Status, req.ClientOrderID)
	}
}

func (e *Executor) resolvePrice(ctx context.Context, symbol string, orderType models.OrderType, limit float64) (float64, error) {
	if orderType == models.OrderTypeLimit {
		if limit <= 0 {
			return 0, models.Validationf("limit order for %s needs a price", symbol)
		}
		return limit, nil
	}
	md, err := e.feed.GetMarketData(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("resolve price for %s: %w", symbol, err)
	}
	if md.Price <= 0 {
		return 0, models.Validationf("no usable price for %s", symbol)
	}
	return md.Price, nil
}

// Close claims and fully closes a position.
func (e *Executor) Close(ctx context.Context, positionID string, reason models.CloseReason) (*models.Order, error) {
	pos, err := e.book.BeginClose(positionID)
	if err != nil {
		return nil, err
	}
	return e.CloseClaimed(ctx, pos, reason)
}

// CloseClaimed closes a position already claimed with BeginClose. The claim
// is dropped on failure so a later tick can retry.
func (e *Executor) CloseClaimed(ctx context.Context, pos models.Position, reason models.CloseReason) (*models.Order, error) {
	e.inflight.Add(1)
	defer e.inflight.Done()

	req := &models.CloseRequest{
		ClientOrderID:   uuid.NewString(),
		PositionID:      pos.ID,
		ExchangeOrderID: pos.ExchangeID,
		Symbol:          pos.Symbol,
		Side:            pos.ClosingSide(),
		Size:            pos.Size,
	}
	ack, attempts, err := e.withRetry(ctx, "close position", func(ctx context.Context) (*models.OrderAck, error) {
		return e.gateway.ClosePosition(ctx, req)
	})
	if err != nil {
		e.book.AbortClose(pos.ID)
		monitoring.RecordError("close")
		return nil, fmt.Errorf("close position %s: %w", pos.ID, err)
	}

	exit := e.exitPrice(ctx, pos, ack)
	closed, order, err := e.book.Close(pos.ID, reason, position.CloseFill{
		Price:           exit,
		ExchangeOrderID: ack.OrderID,
		ClientOrderID:   req.ClientOrderID,
		Attempts:        attempts,
	})
	if err != nil {
		e.book.AbortClose(pos.ID)
		return nil, err
	}

	monitoring.RecordClose(pos.Symbol, string(reason), closed.RealizedPnL)
	e.logger.WithFields(logrus.Fields{
		"position_id":  pos.ID,
		"symbol":       pos.Symbol,
		"reason":       reason,
		"exit_price":   exit,
		"realized_pnl": closed.RealizedPnL,
	}).Info("Position closed")
	return &order, nil
}

// PartialClose offsets fraction of a position and shrinks its margin pro
// rata.
func (e *Executor) PartialClose(ctx context.Context, positionID string, fraction float64) (*models.Order, error) {
	if fraction <= 0 || fraction >= 1 {
		return nil, models.Validationf("partial close fraction must be in (0,1), got %v", fraction)
	}
	pos, err := e.book.BeginClose(positionID)
	if err != nil {
		return nil, err
	}

	e.inflight.Add(1)
	defer e.inflight.Done()

	req := &models.CloseRequest{
		ClientOrderID:   uuid.NewString(),
		PositionID:      pos.ID,
		ExchangeOrderID: pos.ExchangeID,
		Symbol:          pos.Symbol,
		Side:            pos.ClosingSide(),
		Size:            pos.Size * fraction,
	}
	ack, attempts, err := e.withRetry(ctx, "partial close", func(ctx context.Context) (*models.OrderAck, error) {
		return e.gateway.ClosePosition(ctx, req)
	})
	if err != nil {
		e.book.AbortClose(pos.ID)
		return nil, fmt.Errorf("partial close %s: %w", pos.ID, err)
	}

	remaining, order, err := e.book.Reduce(pos.ID, fraction, models.CloseReasonLiquidation, position.CloseFill{
		Price:           e.exitPrice(ctx, pos, ack),
		ExchangeOrderID: ack.OrderID,
		ClientOrderID:   req.ClientOrderID,
		Attempts:        attempts,
	})
	if err != nil {
		e.book.AbortClose(pos.ID)
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"position_id": pos.ID,
		"fraction":    fraction,
		"remaining":   remaining.Size,
		"margin":      remaining.Margin,
	}).Info("Position partially closed")
	return &order, nil
}

func (e *Executor) exitPrice(ctx context.Context, pos models.Position, ack *models.OrderAck) float64 {
	if ack.Price > 0 {
		return ack.Price
	}
	if md, err := e.feed.GetMarketData(context.WithoutCancel(ctx), pos.Symbol); err == nil && md.Price > 0 {
		return md.Price
	}
	return pos.MarkPrice
}

// Modify changes the size and/or price of a resting order. Filled and
// cancelled orders cannot be modified.
func (e *Executor) Modify(ctx context.Context, orderID uint64, size, price *float64) (*models.Order, error) {
	if size == nil && price == nil {
		return nil, models.Validationf("nothing to modify")
	}
	current, err := e.book.PendingOrder(orderID)
	if err != nil {
		return nil, err
	}

	e.inflight.Add(1)
	defer e.inflight.Done()

	newSize, newPrice := current.Size, current.Price
	if size != nil {
		newSize = *size
	}
	if price != nil {
		newPrice = *price
	}
	if newSize <= 0 || newPrice <= 0 {
		return nil, models.Validationf("modified size and price must be positive")
	}

	oldMargin := current.Size * current.Price / current.Leverage
	if err := e.book.ResizePending(orderID, newSize*newPrice/current.Leverage); err != nil {
		return nil, err
	}

	ack, _, err := e.withRetry(ctx, "modify order", func(ctx context.Context) (*models.OrderAck, error) {
		return e.gateway.ModifyOrder(ctx, current.ExchangeOrderID, size, price)
	})
	if err != nil {
		if rerr := e.book.ResizePending(orderID, oldMargin); rerr != nil {
			e.logger.WithError(rerr).WithField("order_id", orderID).Error("Failed to restore reservation")
		}
		return nil, err
	}

	order, err := e.book.AmendPending(orderID, *ack)
	if err != nil {
		return nil, err
	}
	e.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"size":     order.Size,
		"price":    order.Price,
	}).Info("Order modified")
	return &order, nil
}

// Cancel cancels a resting order and releases its margin.
func (e *Executor) Cancel(ctx context.Context, orderID uint64) (*models.Order, error) {
	current, err := e.book.PendingOrder(orderID)
	if err != nil {
		return nil, err
	}

	e.inflight.Add(1)
	defer e.inflight.Done()

	err = e.gateway.CancelOrder(context.WithoutCancel(ctx), current.ExchangeOrderID)
	if err != nil && !errors.Is(err, models.ErrOrderFinal) {
		return nil, fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	if errors.Is(err, models.ErrOrderFinal) {
		// The venue finished it first; reconcile instead.
		if serr := e.syncOne(ctx, current); serr != nil {
			return nil, serr
		}
		return nil, fmt.Errorf("order %d: %w", orderID, models.ErrOrderFinal)
	}

	order, err := e.book.FinalizePending(orderID, models.OrderStatusCancelled)
	if err != nil {
		return nil, err
	}
	e.logger.WithField("order_id", orderID).Info("Order cancelled")
	return &order, nil
}

// SyncPending reconciles resting orders with the venue: filled orders
// open positions, cancelled or rejected ones release their margin.
func (e *Executor) SyncPending(ctx context.Context) error {
	var errs []error
	for _, o := range e.book.PendingOrders() {
		if err := e.syncOne(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Executor) syncOne(ctx context.Context, o models.Order) error {
	ack, err := e.gateway.GetOrder(ctx, o.ExchangeOrderID)
	if err != nil {
		return fmt.Errorf("get order %d: %w", o.ID, err)
	}
	switch ack.Status {
	case models.OrderStatusFilled:
		pos, _, err := e.book.FillPending(o.ID, *ack)
		if err != nil {
			return err
		}
		monitoring.RecordOrder(o.Symbol, string(o.Side), string(models.OrderStatusFilled), o.Attempts)
		e.logger.WithFields(logrus.Fields{
			"order_id":    o.ID,
			"position_id": pos.ID,
		}).Info("Resting order filled, position opened")
	case models.OrderStatusCancelled, models.OrderStatusRejected:
		if _, err := e.book.FinalizePending(o.ID, ack.Status); err != nil {
			return err
		}
		e.logger.WithFields(logrus.Fields{
			"order_id": o.ID,
			"status":   ack.Status,
		}).Info("Resting order ended at venue")
	}
	return nil
}

// withRetry runs fn up to MaxAttempts times. Only transient errors are
// retried, after base_delay x attempt. The venue call itself is detached
// from ctx so a shutdown does not abort it mid-flight; ctx only stops
// further attempts.
func (e *Executor) withRetry(ctx context.Context, op string, fn func(context.Context) (*models.OrderAck, error)) (*models.OrderAck, int, error) {
	callCtx := context.WithoutCancel(ctx)

	var last error
	for attempt := 1; attempt <= e.settings.MaxAttempts; attempt++ {
		ack, err := fn(callCtx)
		if err == nil {
			return ack, attempt, nil
		}
		last = err
		if !models.IsRetryable(err) {
			return nil, attempt, err
		}
		if attempt == e.settings.MaxAttempts {
			break
		}

		delay := e.settings.BaseDelay * time.Duration(attempt)
		e.logger.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"delay":   delay,
		}).Warn("Transient failure, retrying")
		if err := e.sleep(ctx, delay); err != nil {
			return nil, attempt, &models.ExecutionError{Op: op, Attempts: attempt, Err: last}
		}
	}
	return nil, e.settings.MaxAttempts, &models.ExecutionError{Op: op, Attempts: e.settings.MaxAttempts, Err: last}
}
