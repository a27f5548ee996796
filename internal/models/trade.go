package models

import (
	"time"

	"gorm.io/gorm"
)

// Trade is one position in the ledger. It is inserted on open and updated exactly
// once on close; a NULL close_price marks it as open.
type Trade struct {
	gorm.Model
	Pair       string `gorm:"index;not null" json:"pair"`
	Name       string `gorm:"index;not null" json:"name"` // strategy name
	Interval   string `json:"interval"`
	Direction  string `gorm:"not null" json:"direction"`  // long or short
	TradeType  string `gorm:"not null" json:"trade_type"` // spot or margin
	MarginMode string `json:"margin_mode"`                // cross, isolated or empty for spot
	SymbolName string `json:"symbol_name"`                // quote asset

	OpenTime  time.Time  `json:"open_time"`
	CloseTime *time.Time `json:"close_time"`

	OpenPrice  float64  `json:"open_price"`
	ClosePrice *float64 `gorm:"index" json:"close_price"`

	QuoteIn  float64  `json:"quote_in"`
	QuoteOut *float64 `json:"quote_out"`
	BaseIn   float64  `json:"base_in"`
	BaseOut  *float64 `json:"base_out"`

	Borrowed    float64 `json:"borrowed"`
	BorrowedUSD float64 `json:"borrowed_usd"`
	Divisor     float64 `json:"divisor"`

	OpenCommission  float64 `json:"open_commission"`
	CloseCommission float64 `json:"close_commission"`
	OpenOrderID     int64   `json:"open_order_id"`
	CloseOrderID    int64   `json:"close_order_id"`

	Drawdown float64 `json:"drawdown"`
	Drawup   float64 `json:"drawup"`
	ClosedBy string  `json:"closed_by"`
}

// IsOpen reports whether the trade has not been closed yet.
func (t *Trade) IsOpen() bool {
	return t.ClosePrice == nil
}

// Commission is the total commission paid for the trade, in USD.
func (t *Trade) Commission() float64 {
	return t.OpenCommission + t.CloseCommission
}

// QuoteProfit is the realised profit in the quote asset; zero while open.
func (t *Trade) QuoteProfit() float64 {
	if t.QuoteOut == nil {
		return 0
	}
	if t.Direction == "short" {
		return t.QuoteIn - *t.QuoteOut
	}
	return *t.QuoteOut - t.QuoteIn
}

// ProfitPerc is the realised percentage move in the trade's favour.
func (t *Trade) ProfitPerc() float64 {
	if t.ClosePrice == nil || t.OpenPrice == 0 {
		return 0
	}
	perc := (*t.ClosePrice - t.OpenPrice) / t.OpenPrice * 100
	if t.Direction == "short" {
		return -perc
	}
	return perc
}
