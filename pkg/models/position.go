package models

import (
	"time"
)

type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// SideForOrder maps the opening order side to the resulting position side.
func SideForOrder(side OrderSide) PositionSide {
	if side == OrderSideSell {
		return PositionSideShort
	}
	return PositionSideLong
}

type Position struct {
	ID            string       `json:"id"`
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Size          float64      `json:"size"`
	EntryPrice    float64      `json:"entry_price"`
	Margin        float64      `json:"margin"`
	Leverage      float64      `json:"leverage"`
	StopLoss      *float64     `json:"stop_loss,omitempty"`
	TakeProfit    *float64     `json:"take_profit,omitempty"`
	MarkPrice     float64      `json:"mark_price"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	OrderID       uint64       `json:"order_id"`
	ExchangeID    string       `json:"exchange_id"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (p *Position) IsLong() bool {
	return p.Side == PositionSideLong
}

// Direction is +1 for longs and -1 for shorts.
func (p *Position) Direction() float64 {
	if p.IsLong() {
		return 1
	}
	return -1
}

// PnLAt returns the P&L of the full position if it were exited at price.
func (p *Position) PnLAt(price float64) float64 {
	return (price - p.EntryPrice) * p.Size * p.Direction()
}

// Mark recomputes unrealized P&L against price.
func (p *Position) Mark(price float64, at time.Time) {
	p.MarkPrice = price
	p.UnrealizedPnL = p.PnLAt(price)
	p.UpdatedAt = at
}

// ClosingSide is the order side that offsets the position.
func (p *Position) ClosingSide() OrderSide {
	if p.IsLong() {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ClosedPosition is the finalized record kept in the bounded history.
type ClosedPosition struct {
	Position
	ExitPrice    float64     `json:"exit_price"`
	RealizedPnL  float64     `json:"realized_pnl"`
	Reason       CloseReason `json:"reason"`
	CloseOrderID uint64      `json:"close_order_id"`
	ClosedAt     time.Time   `json:"closed_at"`
}

// Float returns a pointer to v, for optional price levels.
func Float(v float64) *float64 {
	return &v
}
