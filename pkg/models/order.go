package models

import (
	"time"
)

type Order struct {
	ID              uint64      `json:"id"`
	ClientOrderID   string      `json:"client_order_id"`
	ExchangeOrderID string      `json:"exchange_order_id"`
	PositionID      string      `json:"position_id,omitempty"`
	Symbol          string      `json:"symbol"`
	Side            OrderSide   `json:"side"`
	Type            OrderType   `json:"type"`
	Price           float64     `json:"price"`
	Size            float64     `json:"size"`
	Leverage        float64     `json:"leverage"`
	StopLoss        *float64    `json:"stop_loss,omitempty"`
	TakeProfit      *float64    `json:"take_profit,omitempty"`
	Status          OrderStatus `json:"status"`
	Reason          CloseReason `json:"reason,omitempty"`
	RealizedPnL     *float64    `json:"realized_pnl,omitempty"`
	Attempts        int         `json:"attempts"`
	CreatedAt       time.Time   `json:"created_at"`
	FilledAt        *time.Time  `json:"filled_at,omitempty"`
}

// IsClosing reports whether the order reduced or closed an existing position.
func (o *Order) IsClosing() bool {
	return o.Reason != ""
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side that offsets s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// IsFinal reports whether the status can no longer change.
func (s OrderStatus) IsFinal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

type CloseReason string

const (
	CloseReasonStopLoss    CloseReason = "stop_loss"
	CloseReasonTakeProfit  CloseReason = "take_profit"
	CloseReasonManual      CloseReason = "manual"
	CloseReasonLiquidation CloseReason = "liquidation"
)

// OrderRequest is what the gateway receives. ClientOrderID is stable across
// retries of the same placement so the venue can drop duplicates.
type OrderRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"type"`
	Price         float64   `json:"price,omitempty"`
	Size          float64   `json:"size"`
	Leverage      float64   `json:"leverage,omitempty"`
	StopLoss      *float64  `json:"stop_loss,omitempty"`
	TakeProfit    *float64  `json:"take_profit,omitempty"`
	ReduceOnly    bool      `json:"reduce_only,omitempty"`
}

// CloseRequest asks the venue to offset all or part of a position.
type CloseRequest struct {
	ClientOrderID   string    `json:"client_order_id"`
	PositionID      string    `json:"position_id"`
	ExchangeOrderID string    `json:"exchange_order_id"`
	Symbol          string    `json:"symbol"`
	Side            OrderSide `json:"side"`
	Size            float64   `json:"size"`
}

// OrderAck is the venue's answer to a placement, close or query.
type OrderAck struct {
	OrderID string      `json:"order_id"`
	Status  OrderStatus `json:"status"`
	Price   float64     `json:"price"`
	Size    float64     `json:"size"`
}
