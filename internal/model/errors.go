package model

import "errors"

// Sentinel errors for the trading and ledger core. Callers match with
// errors.Is; the HTTP layer maps these to status codes. Shortfall details
// (required vs. available) are attached by wrapping with %w at the point
// where the numbers are known.
var (
	ErrUnknownInstrument    = errors.New("unknown_instrument")
	ErrInvalidQuantity      = errors.New("invalid_quantity")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInsufficientBalance  = errors.New("insufficient_balance")
	ErrInsufficientHoldings = errors.New("insufficient_holdings")
	ErrNoSellableLots       = errors.New("no_sellable_lots")
	ErrSelfTransfer         = errors.New("self_transfer")

	// ErrLedgerInconsistency means a conditional write affected zero rows
	// when the preceding checks said it should apply. Treated as a
	// transient concurrency anomaly; the caller may retry.
	ErrLedgerInconsistency = errors.New("ledger_inconsistency")

	// ErrStoreUnavailable wraps persistence-layer failures so the command
	// layer can surface them as retryable.
	ErrStoreUnavailable = errors.New("store_unavailable")
)
