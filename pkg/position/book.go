// Package position owns the authoritative set of open positions, the cash
// balance and the order log, and runs the tick and health-check loops that
// close or adjust positions as prices move.
package position

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/perpagent/pkg/models"
)

// Reservation holds margin aside while an opening order is in flight.
type Reservation struct {
	margin   float64
	released bool
}

func (r *Reservation) Margin() float64 { return r.margin }

type pendingOrder struct {
	order       *models.Order
	reservation *Reservation
}

// Trigger is a position claimed for closing by the tick check.
type Trigger struct {
	Position models.Position
	Reason   models.CloseReason
	Price    float64
}

// LiquidationCheck decides whether an open position must be force-closed
// given the current total balance.
type LiquidationCheck func(pos *models.Position, balance float64) bool

// Book is the single mutual-exclusion boundary around positions, cash and
// orders. Every method is one logical operation under one lock.
type Book struct {
	mu sync.RWMutex

	currency  string
	cash      float64
	reserved  float64
	positions map[string]*models.Position
	closing   map[string]bool
	pending   map[uint64]*pendingOrder

	orders      []*models.Order
	orderLogCap int
	nextOrderID uint64

	history    []models.ClosedPosition
	historyCap int

	now func() time.Time
}

func NewBook(balance float64, currency string, historySize, orderLogSize int) *Book {
	if historySize <= 0 {
		historySize = 100
	}
	if orderLogSize <= 0 {
		orderLogSize = 1000
	}
	return &Book{
		currency:    currency,
		cash:        balance,
		positions:   make(map[string]*models.Position),
		closing:     make(map[string]bool),
		pending:     make(map[uint64]*pendingOrder),
		orderLogCap: orderLogSize,
		historyCap:  historySize,
		now:         time.Now,
	}
}

// Snapshot returns the account and copies of every open position, read
// under one lock.
func (b *Book) Snapshot() (models.Account, []models.Position) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.accountLocked(), b.positionsLocked()
}

func (b *Book) Account() models.Account {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.accountLocked()
}

func (b *Book) accountLocked() models.Account {
	acct := models.Account{Currency: b.currency}
	for _, p := range b.positions {
		acct.Margin += p.Margin
		acct.UnrealizedPnL += p.UnrealizedPnL
	}
	acct.Total = b.cash + acct.Margin
	acct.Available = b.cash - b.reserved
	return acct
}

// Positions lists open positions, oldest first.
func (b *Book) Positions() []models.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.positionsLocked()
}

func (b *Book) positionsLocked() []models.Position {
	out := make([]models.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (b *Book) Position(id string) (models.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[id]
	if !ok {
		return models.Position{}, false
	}
	return *p, true
}

// OpenCount counts open positions plus resting opening orders.
func (b *Book) OpenCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions) + len(b.pending)
}

// Symbols lists the distinct symbols with an open position.
func (b *Book) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]bool)
	out := make([]string, 0, len(b.positions))
	for _, p := range b.positions {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			out = append(out, p.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// Reserve sets margin aside for an opening order. It fails with
// ErrInsufficientBalance and no side effects when margin exceeds the
// available balance.
func (b *Book) Reserve(margin float64) (*Reservation, error) {
	if margin <= 0 {
		return nil, models.Validationf("margin must be positive, got %v", margin)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	available := b.cash - b.reserved
	if margin > available {
		return nil, fmt.Errorf("%w: required margin %.2f exceeds available %.2f",
			models.ErrInsufficientBalance, margin, available)
	}
	b.reserved += margin
	return &Reservation{margin: margin}, nil
}

// Release returns an unused reservation. Releasing twice is a no-op.
func (b *Book) Release(r *Reservation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked(r)
}

func (b *Book) releaseLocked(r *Reservation) {
	if r == nil || r.released {
		return
	}
	r.released = true
	b.reserved -= r.margin
}

// Fill describes a venue fill for an opening order.
type Fill struct {
	Order      models.Order
	Ack        models.OrderAck
	StopLoss   *float64
	TakeProfit *float64
}

// Open converts the reservation into a position from a filled opening
// order. The committed margin is recomputed at the fill price.
func (b *Book) Open(r *Reservation, f Fill) (models.Position, models.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.releaseLocked(r)
	order := b.recordLocked(f.Order)
	return b.openLocked(order, f), *order
}

func (b *Book) openLocked(order *models.Order, f Fill) models.Position {
	now := b.now()
	order.Status = models.OrderStatusFilled
	order.Price = f.Ack.Price
	order.Size = f.Ack.Size
	order.ExchangeOrderID = f.Ack.OrderID
	order.FilledAt = &now

	if order.Leverage <= 0 {
		order.Leverage = 1
	}
	margin := f.Ack.Size * f.Ack.Price / order.Leverage
	pos := &models.Position{
		ID:         uuid.NewString(),
		Symbol:     order.Symbol,
		Side:       models.SideForOrder(order.Side),
		Size:       f.Ack.Size,
		EntryPrice: f.Ack.Price,
		Margin:     margin,
		Leverage:   order.Leverage,
		StopLoss:   f.StopLoss,
		TakeProfit: f.TakeProfit,
		OrderID:    order.ID,
		ExchangeID: f.Ack.OrderID,
		CreatedAt:  now,
	}
	pos.Mark(f.Ack.Price, now)
	order.PositionID = pos.ID

	b.cash -= margin
	b.positions[pos.ID] = pos
	return *pos
}

func (b *Book) recordLocked(o models.Order) *models.Order {
	b.nextOrderID++
	o.ID = b.nextOrderID
	if o.CreatedAt.IsZero() {
		o.CreatedAt = b.now()
	}
	order := &o
	b.orders = append(b.orders, order)
	if len(b.orders) > b.orderLogCap {
		b.orders = b.orders[len(b.orders)-b.orderLogCap:]
	}
	return order
}

// AddPending records a resting opening order. Its reservation stays held
// until the order fills or is cancelled.
func (b *Book) AddPending(r *Reservation, o models.Order) models.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	o.Status = models.OrderStatusPending
	order := b.recordLocked(o)
	b.pending[order.ID] = &pendingOrder{order: order, reservation: r}
	return *order
}

func (b *Book) PendingOrders() []models.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.Order, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, *p.order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PendingOrder returns the resting order with the given id.
func (b *Book) PendingOrder(id uint64) (models.Order, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.pending[id]; ok {
		return *p.order, nil
	}
	return models.Order{}, b.missingOrderLocked(id)
}

func (b *Book) missingOrderLocked(id uint64) error {
	for _, o := range b.orders {
		if o.ID == id {
			return fmt.Errorf("order %d is %s: %w", id, o.Status, models.ErrOrderFinal)
		}
	}
	return fmt.Errorf("order %d: %w", id, models.ErrOrderNotFound)
}

// ResizePending moves the reservation of a resting order to margin.
func (b *Book) ResizePending(id uint64, margin float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[id]
	if !ok {
		return b.missingOrderLocked(id)
	}
	delta := margin - p.reservation.margin
	if delta > b.cash-b.reserved {
		return fmt.Errorf("%w: resize needs %.2f more margin", models.ErrInsufficientBalance, delta)
	}
	b.reserved += delta
	p.reservation.margin = margin
	return nil
}

// AmendPending applies a venue acknowledgement of a modification.
func (b *Book) AmendPending(id uint64, ack models.OrderAck) (models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[id]
	if !ok {
		return models.Order{}, b.missingOrderLocked(id)
	}
	if ack.Size > 0 {
		p.order.Size = ack.Size
	}
	if ack.Price > 0 {
		p.order.Price = ack.Price
	}
	return *p.order, nil
}

// FillPending turns a resting order into a position.
func (b *Book) FillPending(id uint64, ack models.OrderAck) (models.Position, models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[id]
	if !ok {
		return models.Position{}, models.Order{}, b.missingOrderLocked(id)
	}
	delete(b.pending, id)
	b.releaseLocked(p.reservation)
	if ack.Size <= 0 {
		ack.Size = p.order.Size
	}
	if ack.Price <= 0 {
		ack.Price = p.order.Price
	}
	pos := b.openLocked(p.order, Fill{
		Order:      *p.order,
		Ack:        ack,
		StopLoss:   p.order.StopLoss,
		TakeProfit: p.order.TakeProfit,
	})
	return pos, *p.order, nil
}

// FinalizePending ends a resting order as cancelled or rejected and
// releases its reservation.
func (b *Book) FinalizePending(id uint64, status models.OrderStatus) (models.Order, error) {
	if status != models.OrderStatusCancelled && status != models.OrderStatusRejected {
		return models.Order{}, fmt.Errorf("cannot finalize pending order as %s", status)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[id]
	if !ok {
		return models.Order{}, b.missingOrderLocked(id)
	}
	delete(b.pending, id)
	b.releaseLocked(p.reservation)
	p.order.Status = status
	return *p.order, nil
}

// BeginClose claims a position for closing. Only one claim can be held at
// a time, so a tick-triggered close and a manual close cannot both run.
func (b *Book) BeginClose(id string) (models.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[id]
	if !ok {
		return models.Position{}, fmt.Errorf("position %s: %w", id, models.ErrPositionNotFound)
	}
	if b.closing[id] {
		return models.Position{}, fmt.Errorf("position %s: %w", id, models.ErrPositionClosing)
	}
	b.closing[id] = true
	return *p, nil
}

// AbortClose drops a claim after a failed close.
func (b *Book) AbortClose(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.closing, id)
}

func (b *Book) IsClosing(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closing[id]
}

// CloseFill describes the venue side of a closing order.
type CloseFill struct {
	Price           float64
	ExchangeOrderID string
	ClientOrderID   string
	Attempts        int
}

// Close realizes P&L on a claimed position, credits margin plus P&L to
// cash, records the closing order and moves the position to history.
func (b *Book) Close(id string, reason models.CloseReason, f CloseFill) (models.ClosedPosition, models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[id]
	if !ok {
		return models.ClosedPosition{}, models.Order{}, fmt.Errorf("position %s: %w", id, models.ErrPositionNotFound)
	}

	now := b.now()
	pnl := p.PnLAt(f.Price)
	b.cash += p.Margin + pnl

	order := b.recordLocked(b.closingOrder(p, p.Size, reason, pnl, f, now))

	closed := models.ClosedPosition{
		Position:     *p,
		ExitPrice:    f.Price,
		RealizedPnL:  pnl,
		Reason:       reason,
		CloseOrderID: order.ID,
		ClosedAt:     now,
	}
	closed.MarkPrice = f.Price
	closed.UnrealizedPnL = 0
	closed.UpdatedAt = now

	delete(b.positions, id)
	delete(b.closing, id)
	b.history = append(b.history, closed)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
	return closed, *order, nil
}

// Reduce closes fraction of a claimed position. Size and margin shrink pro
// rata; entry price and side are untouched. The claim is released.
func (b *Book) Reduce(id string, fraction float64, reason models.CloseReason, f CloseFill) (models.Position, models.Order, error) {
	if fraction <= 0 || fraction >= 1 {
		return models.Position{}, models.Order{}, models.Validationf("partial close fraction must be in (0,1), got %v", fraction)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[id]
	if !ok {
		return models.Position{}, models.Order{}, fmt.Errorf("position %s: %w", id, models.ErrPositionNotFound)
	}
	defer delete(b.closing, id)

	now := b.now()
	closeSize := p.Size * fraction
	released := p.Margin * fraction
	pnl := (f.Price - p.EntryPrice) * closeSize * p.Direction()

	b.cash += released + pnl
	p.Size -= closeSize
	p.Margin -= released
	p.Mark(f.Price, now)

	order := b.recordLocked(b.closingOrder(p, closeSize, reason, pnl, f, now))
	return *p, *order, nil
}

func (b *Book) closingOrder(p *models.Position, size float64, reason models.CloseReason, pnl float64, f CloseFill, now time.Time) models.Order {
	return models.Order{
		ClientOrderID:   f.ClientOrderID,
		ExchangeOrderID: f.ExchangeOrderID,
		PositionID:      p.ID,
		Symbol:          p.Symbol,
		Side:            p.ClosingSide(),
		Type:            models.OrderTypeMarket,
		Price:           f.Price,
		Size:            size,
		Leverage:        p.Leverage,
		Status:          models.OrderStatusFilled,
		Reason:          reason,
		RealizedPnL:     models.Float(pnl),
		Attempts:        f.Attempts,
		CreatedAt:       now,
		FilledAt:        &now,
	}
}

// UpdateStopLoss moves the stop of an open position.
func (b *Book) UpdateStopLoss(id string, stop float64) error {
	if stop <= 0 {
		return models.Validationf("stop-loss must be positive, got %v", stop)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[id]
	if !ok {
		return fmt.Errorf("position %s: %w", id, models.ErrPositionNotFound)
	}
	p.StopLoss = models.Float(stop)
	p.UpdatedAt = b.now()
	return nil
}

// ApplyPrices marks every position at the new prices and claims the ones
// whose stop-loss, take-profit or liquidation condition fired. At most one
// trigger fires per position, stop-loss first.
func (b *Book) ApplyPrices(prices map[string]float64, liquidate LiquidationCheck) []Trigger {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for _, p := range b.positions {
		if price, ok := prices[p.Symbol]; ok && price > 0 {
			p.Mark(price, now)
		}
	}

	balance := b.accountLocked().Total
	var triggers []Trigger
	for _, p := range b.positionsLocked() {
		price, ok := prices[p.Symbol]
		if !ok || b.closing[p.ID] {
			continue
		}
		reason, fired := Evaluate(&p, price)
		if !fired && liquidate != nil && liquidate(&p, balance) {
			reason, fired = models.CloseReasonLiquidation, true
		}
		if !fired {
			continue
		}
		b.closing[p.ID] = true
		triggers = append(triggers, Trigger{Position: p, Reason: reason, Price: price})
	}
	return triggers
}

// Evaluate checks the protective levels of pos at price. Stop-loss is
// checked before take-profit.
func Evaluate(pos *models.Position, price float64) (models.CloseReason, bool) {
	if pos.StopLoss != nil {
		if (pos.IsLong() && price <= *pos.StopLoss) || (!pos.IsLong() && price >= *pos.StopLoss) {
			return models.CloseReasonStopLoss, true
		}
	}
	if pos.TakeProfit != nil {
		if (pos.IsLong() && price >= *pos.TakeProfit) || (!pos.IsLong() && price <= *pos.TakeProfit) {
			return models.CloseReasonTakeProfit, true
		}
	}
	return "", false
}

// History returns closed positions, oldest first, optionally for one symbol.
func (b *Book) History(symbol string) []models.ClosedPosition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.ClosedPosition, 0, len(b.history))
	for _, h := range b.history {
		if symbol == "" || h.Symbol == symbol {
			out = append(out, h)
		}
	}
	return out
}

// Orders returns the order log, oldest first, optionally for one symbol.
func (b *Book) Orders(symbol string) []models.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.Order, 0, len(b.orders))
	for _, o := range b.orders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out
}
