package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/gregtusar/perpagent/pkg/models"
	"github.com/sirupsen/logrus"
)

type GatewayConfig struct {
	InitialBalance float64
	// FailureRate is the probability that a placement fails transiently.
	FailureRate float64
	Currency    string
	Seed        int64
}

type simOrder struct {
	req models.OrderRequest
	ack models.OrderAck
}

// Gateway fills orders against a Market. Market orders fill at the current
// price. Limit orders fill at their limit once the market crosses it.
type Gateway struct {
	market *Market
	cfg    GatewayConfig
	logger *logrus.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	orders   map[string]*simOrder
	byClient map[string]string
}

func NewGateway(market *Market, cfg GatewayConfig, logger *logrus.Logger) *Gateway {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &Gateway{
		market:   market,
		cfg:      cfg,
		logger:   logger,
		rng:      rand.New(rand.NewSource(cfg.Seed + 1)),
		orders:   make(map[string]*simOrder),
		byClient: make(map[string]string),
	}
}

// GetAccountBalance reports the funded balance. The position book owns the
// running cash figure.
func (g *Gateway) GetAccountBalance(ctx context.Context) (*models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &models.Account{
		Total:     g.cfg.InitialBalance,
		Available: g.cfg.InitialBalance,
		Currency:  g.cfg.Currency,
	}, nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Size <= 0 {
		return nil, models.Validationf("order size must be positive, got %v", req.Size)
	}
	if req.Type == models.OrderTypeLimit && req.Price <= 0 {
		return nil, models.Validationf("limit order needs a price")
	}
	price, ok := g.market.Price(req.Symbol)
	if !ok {
		return nil, models.Validationf("unknown symbol %s", req.Symbol)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if req.ClientOrderID != "" {
		if id, seen := g.byClient[req.ClientOrderID]; seen {
			ack := g.orders[id].ack
			return &ack, nil
		}
	}
	if g.cfg.FailureRate > 0 && g.rng.Float64() < g.cfg.FailureRate {
		return nil, models.Transientf("simulated venue failure for %s", req.Symbol)
	}

	o := &simOrder{
		req: *req,
		ack: models.OrderAck{
			OrderID: uuid.NewString(),
			Status:  models.OrderStatusFilled,
			Price:   price,
			Size:    req.Size,
		},
	}
	if req.Type == models.OrderTypeLimit {
		if crosses(req.Side, req.Price, price) {
			o.ack.Price = req.Price
		} else {
			o.ack.Status = models.OrderStatusPending
			o.ack.Price = req.Price
		}
	}
	g.orders[o.ack.OrderID] = o
	if req.ClientOrderID != "" {
		g.byClient[req.ClientOrderID] = o.ack.OrderID
	}

	g.logger.WithFields(logrus.Fields{
		"order_id": o.ack.OrderID,
		"symbol":   req.Symbol,
		"side":     req.Side,
		"type":     req.Type,
		"size":     req.Size,
		"price":    o.ack.Price,
		"status":   o.ack.Status,
	}).Debug("Simulated order placed")

	ack := o.ack
	return &ack, nil
}

// GetOrder returns the order state, filling a resting limit order whose
// price the market has crossed.
func (g *Gateway) GetOrder(ctx context.Context, orderID string) (*models.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", orderID, models.ErrOrderNotFound)
	}
	if o.ack.Status == models.OrderStatusPending {
		if price, ok := g.market.Price(o.req.Symbol); ok && crosses(o.req.Side, o.ack.Price, price) {
			o.ack.Status = models.OrderStatusFilled
		}
	}
	ack := o.ack
	return &ack, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[orderID]
	if !ok {
		return fmt.Errorf("%s: %w", orderID, models.ErrOrderNotFound)
	}
	if o.ack.Status.IsFinal() {
		return fmt.Errorf("%s is %s: %w", orderID, o.ack.Status, models.ErrOrderFinal)
	}
	o.ack.Status = models.OrderStatusCancelled
	return nil
}

func (g *Gateway) ModifyOrder(ctx context.Context, orderID string, size, price *float64) (*models.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", orderID, models.ErrOrderNotFound)
	}
	if o.ack.Status.IsFinal() {
		return nil, fmt.Errorf("%s is %s: %w", orderID, o.ack.Status, models.ErrOrderFinal)
	}
	if size != nil {
		if *size <= 0 {
			return nil, models.Validationf("order size must be positive, got %v", *size)
		}
		o.ack.Size = *size
		o.req.Size = *size
	}
	if price != nil {
		if *price <= 0 {
			return nil, models.Validationf("order price must be positive, got %v", *price)
		}
		o.ack.Price = *price
		o.req.Price = *price
	}
	ack := o.ack
	return &ack, nil
}

// ClosePosition offsets a position at the current market price.
func (g *Gateway) ClosePosition(ctx context.Context, req *models.CloseRequest) (*models.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Size <= 0 {
		return nil, models.Validationf("close size must be positive, got %v", req.Size)
	}
	price, ok := g.market.Price(req.Symbol)
	if !ok {
		return nil, models.Validationf("unknown symbol %s", req.Symbol)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if req.ClientOrderID != "" {
		if id, seen := g.byClient[req.ClientOrderID]; seen {
			ack := g.orders[id].ack
			return &ack, nil
		}
	}

	o := &simOrder{
		req: models.OrderRequest{
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          models.OrderTypeMarket,
			Size:          req.Size,
			ReduceOnly:    true,
		},
		ack: models.OrderAck{
			OrderID: uuid.NewString(),
			Status:  models.OrderStatusFilled,
			Price:   price,
			Size:    req.Size,
		},
	}
	g.orders[o.ack.OrderID] = o
	if req.ClientOrderID != "" {
		g.byClient[req.ClientOrderID] = o.ack.OrderID
	}
	ack := o.ack
	return &ack, nil
}

// crosses reports whether a limit at limit is marketable at price.
func crosses(side models.OrderSide, limit, price float64) bool {
	if side == models.OrderSideBuy {
		return price <= limit
	}
	return price >= limit
}
