package models

import (
	"time"
)

type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
	DirectionHold Direction = "hold"
)

// IsActionable reports whether the direction asks for a trade.
func (d Direction) IsActionable() bool {
	return d == DirectionBuy || d == DirectionSell
}

// OrderSide maps an actionable direction to the opening order side.
func (d Direction) OrderSide() OrderSide {
	if d == DirectionSell {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Signal is an external directional recommendation. Price is optional; when
// zero the entry is resolved from the market feed.
type Signal struct {
	Symbol     string    `json:"symbol" yaml:"symbol"`
	Direction  Direction `json:"signal" yaml:"signal"`
	Confidence float64   `json:"confidence" yaml:"confidence"`
	Price      float64   `json:"price,omitempty" yaml:"price,omitempty"`
	StopLoss   *float64  `json:"stop_loss,omitempty" yaml:"stop_loss,omitempty"`
	TakeProfit *float64  `json:"take_profit,omitempty" yaml:"take_profit,omitempty"`
	Rationale  string    `json:"rationale,omitempty" yaml:"rationale,omitempty"`
	Source     string    `json:"source,omitempty" yaml:"source,omitempty"`
	Timeframe  string    `json:"timeframe,omitempty" yaml:"timeframe,omitempty"`
	CreatedAt  time.Time `json:"created_at" yaml:"-"`
}

type Outcome string

const (
	OutcomeRejected Outcome = "rejected"
	OutcomeHold     Outcome = "hold"
	OutcomeAccepted Outcome = "accepted"
)

// Verdict is the validator's answer for one signal.
type Verdict struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	Signal  Signal  `json:"signal"`
}

// SizedPosition is the sizing decision handed to the executor. A positive
// Size overrides the fraction-of-balance derivation.
type SizedPosition struct {
	Fraction   float64   `json:"fraction"`
	Size       float64   `json:"size,omitempty"`
	Type       OrderType `json:"type"`
	LimitPrice float64   `json:"limit_price,omitempty"`
}
