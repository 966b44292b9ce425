package models

import (
	"time"
)

type MarketData struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Account is derived on demand from the open positions and the cash balance.
type Account struct {
	Total         float64 `json:"total"`
	Available     float64 `json:"available"`
	Margin        float64 `json:"margin"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Currency      string  `json:"currency"`
}

// Equity is total balance plus open P&L.
func (a Account) Equity() float64 {
	return a.Total + a.UnrealizedPnL
}
