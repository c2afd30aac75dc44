// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and dev mode).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vety/market-engine/internal/model"
)

// Store is the persistence interface. Every multi-step mutation in the
// engine runs inside RunInTx so that a failure midway leaves nothing
// applied. Debit is a conditional subtract-if-sufficient primitive, never
// read-then-write.
type Store interface {
	// RunInTx executes fn against a transactional view of the store.
	// If fn returns an error, no mutation made through its argument is
	// visible afterwards. PostgreSQL runs serializable; the in-memory
	// implementation holds the global lock for the duration.
	RunInTx(ctx context.Context, fn func(Store) error) error

	// --- Instrument registry ---

	// UpsertInstrument inserts or replaces an instrument by symbol.
	UpsertInstrument(ctx context.Context, inst *model.Instrument) error

	// GetInstrument returns model.ErrUnknownInstrument when the symbol
	// is not registered.
	GetInstrument(ctx context.Context, symbol string) (*model.Instrument, error)

	// ListInstruments returns all instruments ordered by symbol.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// UpdatePrice writes a new current price for symbol.
	UpdatePrice(ctx context.Context, symbol string, price decimal.Decimal) error

	// DeleteInstrument removes the instrument and cascades to its lots
	// and price history. Deleting an unknown symbol is a no-op.
	DeleteInstrument(ctx context.Context, symbol string) error

	// --- Price history ---

	// AppendSample appends one immutable history point.
	AppendSample(ctx context.Context, sample *model.PriceSample) error

	// LatestSample returns the newest sample for symbol, or (nil, nil)
	// when the symbol has no history.
	LatestSample(ctx context.Context, symbol string) (*model.PriceSample, error)

	// ListSamples returns up to limit of the newest samples for symbol in
	// ascending timestamp order. limit <= 0 means no limit.
	ListSamples(ctx context.Context, symbol string, limit int) ([]model.PriceSample, error)

	// TrimSamples deletes the oldest samples for symbol until at most
	// limit remain. Idempotent when already within the limit.
	TrimSamples(ctx context.Context, symbol string, limit int) error

	// --- Ledger ---

	// Credit adds amount (> 0) to the (user, currency) balance, creating
	// the row at zero first if absent.
	Credit(ctx context.Context, user, currency string, amount decimal.Decimal) error

	// Debit atomically subtracts amount if and only if the balance covers
	// it, returning model.ErrInsufficientBalance otherwise with no
	// partial effect. A missing row counts as a zero balance.
	Debit(ctx context.Context, user, currency string, amount decimal.Decimal) error

	// Balance returns the current balance, zero for unknown users.
	Balance(ctx context.Context, user, currency string) (decimal.Decimal, error)

	// --- Positions ---

	// InsertLot stores a new open lot.
	InsertLot(ctx context.Context, lot *model.Lot) error

	// LotsFIFO returns the open lots for (user, symbol, class) ordered
	// oldest-first by creation.
	LotsFIFO(ctx context.Context, user, symbol string, class model.LotClass) ([]model.Lot, error)

	// UpdateLotQuantity sets the remaining quantity of a lot (> 0).
	UpdateLotQuantity(ctx context.Context, lotID string, quantity int64) error

	// DeleteLot removes a fully consumed lot.
	DeleteLot(ctx context.Context, lotID string) error

	// Holdings returns per-symbol summed lot quantities for user, ordered
	// by symbol.
	Holdings(ctx context.Context, user string) ([]model.Holding, error)

	// DueLots returns all auto-class lots with auto_sell_at <= now,
	// oldest-first.
	DueLots(ctx context.Context, now time.Time) ([]model.Lot, error)
}
