// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Currency is the single currency the ledger is populated with. The ledger
// schema is keyed by (user, currency) so additional currencies can be added
// without a migration.
const Currency = "VETY"

// LotClass distinguishes manually managed lots from lots scheduled for
// automatic liquidation. Stored explicitly rather than inferred from a
// nullable timestamp.
type LotClass string

const (
	LotManual LotClass = "manual"
	LotAuto   LotClass = "auto"
)

// Valid reports whether c is one of the two known classes.
func (c LotClass) Valid() bool {
	return c == LotManual || c == LotAuto
}

// Instrument is one tradable symbol. Price is an integer-valued decimal,
// floored at 1 by the simulator. Only the simulator mutates Price; all other
// fields change through administrative add/delete.
type Instrument struct {
	Symbol         string          `json:"symbol" db:"symbol"`
	Price          decimal.Decimal `json:"price" db:"price"`
	UpdateInterval time.Duration   `json:"update_interval" db:"update_interval_secs"`
	MinFluct       decimal.Decimal `json:"min_fluct" db:"min_fluct"`
	MaxFluct       decimal.Decimal `json:"max_fluct" db:"max_fluct"`
	NotifyTarget   string          `json:"notify_target,omitempty" db:"notify_target"` // channel id, "" = none
	Issuer         string          `json:"issuer,omitempty" db:"issuer"`               // user id, "" = none
}

// PriceSample is one appended point of an instrument's price history.
// Immutable once written; ascending by Timestamp per symbol. Delta is nil
// for the first sample of a symbol.
type PriceSample struct {
	ID        string           `json:"id" db:"id"`
	Symbol    string           `json:"symbol" db:"symbol"`
	Timestamp time.Time        `json:"timestamp" db:"ts"`
	Price     decimal.Decimal  `json:"price" db:"price"`
	Delta     *decimal.Decimal `json:"delta,omitempty" db:"delta"`
}

// Lot is one discrete purchase of an instrument at a fixed entry price.
// Quantity is always > 0 while the lot exists; a fully consumed lot is
// deleted. Lots in the same (user, symbol, class) are consumed FIFO by
// CreatedAt (ID as tiebreak).
type Lot struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Quantity   int64           `json:"quantity" db:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	Class      LotClass        `json:"class" db:"class"`
	AutoSellAt time.Time       `json:"auto_sell_at,omitempty" db:"auto_sell_at"` // zero unless Class == LotAuto
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Holding is a user's summed quantity in one symbol across all lots.
type Holding struct {
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
}

// Quote is one (symbol, price) pair from the registry.
type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// BuyReceipt reports a completed purchase.
type BuyReceipt struct {
	Symbol    string          `json:"symbol"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int64           `json:"quantity"`
	TotalCost decimal.Decimal `json:"total_cost"`
}

// SellReceipt reports a completed sale. ProfitLoss is the realized P/L
// against FIFO cost basis and may be negative.
type SellReceipt struct {
	Symbol     string          `json:"symbol"`
	Quantity   int64           `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Proceeds   decimal.Decimal `json:"proceeds"`
	ProfitLoss decimal.Decimal `json:"profit_loss"`
}

// NormalizeSymbol upper-cases and trims a user-supplied symbol. Every entry
// point into the engine goes through this so "velt" and "VELT" are one key.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
