// Package market implements the trading and ledger engine: lot-based buys,
// FIFO sells with realized P/L and loss redistribution, and the atomic
// balance operations backing them.
//
// All monetary values use shopspring/decimal — never float64 for money.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vety/market-engine/internal/metrics"
	"github.com/vety/market-engine/internal/model"
	"github.com/vety/market-engine/internal/store"
)

// Engine executes trades against the shared store. A mutex serializes
// trade execution (single-instance). For horizontal scaling, replace with
// database-level optimistic concurrency across instances.
type Engine struct {
	store store.Store
	mu    sync.Mutex
	now   func() time.Time
}

// New creates an engine over st.
func New(st store.Store) *Engine {
	return &Engine{store: st, now: time.Now}
}

// NewWithClock creates an engine with an injected clock, used by tests and
// the auto-sell scheduler to control scheduled-sell timestamps.
func NewWithClock(st store.Store, now func() time.Time) *Engine {
	return &Engine{store: st, now: now}
}

// Buy purchases qty units of symbol at the current price, debiting the
// cost and opening a new lot. When autoSellDelay > 0 the lot is created in
// the auto class, scheduled for liquidation at now + autoSellDelay.
//
// The debit and the lot insert commit together or not at all.
func (e *Engine) Buy(ctx context.Context, user, symbol string, qty int64, autoSellDelay time.Duration) (*model.BuyReceipt, error) {
	symbol = model.NormalizeSymbol(symbol)
	if qty <= 0 {
		return nil, fmt.Errorf("%w: quantity %d", model.ErrInvalidQuantity, qty)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var receipt *model.BuyReceipt
	err := e.store.RunInTx(ctx, func(tx store.Store) error {
		inst, err := tx.GetInstrument(ctx, symbol)
		if err != nil {
			return err
		}

		cost := inst.Price.Mul(decimal.NewFromInt(qty)).Round(0)

		balance, err := tx.Balance(ctx, user, model.Currency)
		if err != nil {
			return err
		}
		if balance.LessThan(cost) {
			return fmt.Errorf("%w: required %s, available %s",
				model.ErrInsufficientBalance, cost, balance)
		}

		// The balance was sufficient a moment ago; if the conditional
		// debit still misses, something changed underneath us.
		if err := tx.Debit(ctx, user, model.Currency, cost); err != nil {
			if errors.Is(err, model.ErrInsufficientBalance) {
				return fmt.Errorf("%w: debit of %s did not apply", model.ErrLedgerInconsistency, cost)
			}
			return err
		}

		now := e.now()
		lot := &model.Lot{
			ID:         uuid.New().String(),
			UserID:     user,
			Symbol:     symbol,
			Quantity:   qty,
			EntryPrice: inst.Price,
			Class:      model.LotManual,
			CreatedAt:  now,
		}
		if autoSellDelay > 0 {
			lot.Class = model.LotAuto
			lot.AutoSellAt = now.Add(autoSellDelay)
		}
		if err := tx.InsertLot(ctx, lot); err != nil {
			return err
		}

		receipt = &model.BuyReceipt{
			Symbol:    symbol,
			UnitPrice: inst.Price,
			Quantity:  qty,
			TotalCost: cost,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("buy").Inc()
	slog.Info("buy executed",
		"user", user,
		"symbol", symbol,
		"qty", qty,
		"unit_price", receipt.UnitPrice.String(),
		"cost", receipt.TotalCost.String(),
	)
	return receipt, nil
}

// Sell liquidates qty units of symbol from user's lots in the given class,
// consuming lots strictly oldest-first. qty == 0 means sell everything
// owned in that class. Realized losses on a lot are credited to the
// instrument's issuer when one is set and differs from the seller.
//
// Every ledger and lot mutation of one call commits as a single unit.
func (e *Engine) Sell(ctx context.Context, user, symbol string, qty int64, class model.LotClass) (*model.SellReceipt, error) {
	symbol = model.NormalizeSymbol(symbol)
	if qty < 0 {
		return nil, fmt.Errorf("%w: quantity %d", model.ErrInvalidQuantity, qty)
	}
	if !class.Valid() {
		return nil, fmt.Errorf("%w: unknown lot class %q", model.ErrInvalidQuantity, class)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var receipt *model.SellReceipt
	err := e.store.RunInTx(ctx, func(tx store.Store) error {
		inst, err := tx.GetInstrument(ctx, symbol)
		if err != nil {
			return err
		}

		lots, err := tx.LotsFIFO(ctx, user, symbol, class)
		if err != nil {
			return err
		}

		var owned int64
		for _, lot := range lots {
			owned += lot.Quantity
		}
		if qty == 0 {
			qty = owned
		}
		if owned < qty {
			return fmt.Errorf("%w: owned %d, requested %d",
				model.ErrInsufficientHoldings, owned, qty)
		}
		if len(lots) == 0 {
			return fmt.Errorf("%w: %s has no %s lots", model.ErrNoSellableLots, symbol, class)
		}

		price := inst.Price
		remaining := qty
		var sold int64
		totalPnL := decimal.Zero

		for _, lot := range lots {
			if remaining <= 0 {
				break
			}
			sellNow := lot.Quantity
			if remaining < sellNow {
				sellNow = remaining
			}

			sellQty := decimal.NewFromInt(sellNow)
			revenue := sellQty.Mul(price)
			costBasis := sellQty.Mul(lot.EntryPrice)
			lotPnL := revenue.Sub(costBasis)
			totalPnL = totalPnL.Add(lotPnL)

			// Loss redistribution: the issuer of a losing instrument
			// absorbs realized losses incurred by other traders on it.
			if lotPnL.IsNegative() && inst.Issuer != "" && inst.Issuer != user {
				if err := tx.Credit(ctx, inst.Issuer, model.Currency, lotPnL.Abs()); err != nil {
					return err
				}
			}

			if sellNow == lot.Quantity {
				if err := tx.DeleteLot(ctx, lot.ID); err != nil {
					return err
				}
			} else {
				if err := tx.UpdateLotQuantity(ctx, lot.ID, lot.Quantity-sellNow); err != nil {
					return err
				}
			}

			remaining -= sellNow
			sold += sellNow
		}

		proceeds := price.Mul(decimal.NewFromInt(sold))
		if err := tx.Credit(ctx, user, model.Currency, proceeds); err != nil {
			return err
		}

		receipt = &model.SellReceipt{
			Symbol:     symbol,
			Quantity:   sold,
			UnitPrice:  price,
			Proceeds:   proceeds,
			ProfitLoss: totalPnL,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("sell").Inc()
	slog.Info("sell executed",
		"user", user,
		"symbol", symbol,
		"class", string(class),
		"qty", receipt.Quantity,
		"unit_price", receipt.UnitPrice.String(),
		"proceeds", receipt.Proceeds.String(),
		"pnl", receipt.ProfitLoss.String(),
	)
	return receipt, nil
}

// Transfer moves amount from one user's balance to another's, atomically.
func (e *Engine) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: %s", model.ErrInvalidAmount, amount)
	}
	if from == to {
		return model.ErrSelfTransfer
	}

	return e.store.RunInTx(ctx, func(tx store.Store) error {
		if err := tx.Debit(ctx, from, model.Currency, amount); err != nil {
			if errors.Is(err, model.ErrInsufficientBalance) {
				balance, berr := tx.Balance(ctx, from, model.Currency)
				if berr == nil {
					return fmt.Errorf("%w: required %s, available %s",
						model.ErrInsufficientBalance, amount, balance)
				}
			}
			return err
		}
		return tx.Credit(ctx, to, model.Currency, amount)
	})
}

// Issue credits newly issued currency to a user. Authorization for this
// administrative operation lives in the command layer, not here.
func (e *Engine) Issue(ctx context.Context, user string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: %s", model.ErrInvalidAmount, amount)
	}
	if err := e.store.Credit(ctx, user, model.Currency, amount); err != nil {
		return err
	}
	slog.Info("currency issued", "user", user, "amount", amount.String())
	return nil
}

// Decrease removes amount from a user's balance via the same conditional
// debit the trading path uses; it never drives the balance negative.
func (e *Engine) Decrease(ctx context.Context, user string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: %s", model.ErrInvalidAmount, amount)
	}
	if err := e.store.Debit(ctx, user, model.Currency, amount); err != nil {
		if errors.Is(err, model.ErrInsufficientBalance) {
			balance, berr := e.store.Balance(ctx, user, model.Currency)
			if berr == nil {
				return fmt.Errorf("%w: required %s, available %s",
					model.ErrInsufficientBalance, amount, balance)
			}
		}
		return err
	}
	slog.Info("balance decreased", "user", user, "amount", amount.String())
	return nil
}

// Balance returns the user's current balance, zero for unknown users.
func (e *Engine) Balance(ctx context.Context, user string) (decimal.Decimal, error) {
	return e.store.Balance(ctx, user, model.Currency)
}

// Holdings returns the user's summed lot quantities per symbol.
func (e *Engine) Holdings(ctx context.Context, user string) ([]model.Holding, error) {
	return e.store.Holdings(ctx, user)
}

// AllPrices lists every registered instrument's current price, sorted by
// symbol.
func (e *Engine) AllPrices(ctx context.Context) ([]model.Quote, error) {
	instruments, err := e.store.ListInstruments(ctx)
	if err != nil {
		return nil, err
	}
	quotes := make([]model.Quote, 0, len(instruments))
	for _, inst := range instruments {
		quotes = append(quotes, model.Quote{Symbol: inst.Symbol, Price: inst.Price})
	}
	return quotes, nil
}

// PriceHistory returns up to limit of the newest samples for symbol in
// ascending time order. Empty when the symbol has no samples.
func (e *Engine) PriceHistory(ctx context.Context, symbol string, limit int) ([]model.PriceSample, error) {
	return e.store.ListSamples(ctx, model.NormalizeSymbol(symbol), limit)
}

// AddInstrument registers or replaces an instrument.
func (e *Engine) AddInstrument(ctx context.Context, inst model.Instrument) error {
	inst.Symbol = model.NormalizeSymbol(inst.Symbol)
	if inst.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", model.ErrUnknownInstrument)
	}
	if inst.Price.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: initial price %s must be >= 1", model.ErrInvalidAmount, inst.Price)
	}
	if inst.MinFluct.IsNegative() || inst.MaxFluct.LessThan(inst.MinFluct) {
		return fmt.Errorf("%w: fluctuation band [%s, %s]", model.ErrInvalidAmount, inst.MinFluct, inst.MaxFluct)
	}
	if inst.UpdateInterval <= 0 {
		return fmt.Errorf("%w: update interval %s", model.ErrInvalidAmount, inst.UpdateInterval)
	}

	inst.Price = inst.Price.Round(0)
	if err := e.store.UpsertInstrument(ctx, &inst); err != nil {
		return err
	}
	slog.Info("instrument added",
		"symbol", inst.Symbol,
		"price", inst.Price.String(),
		"interval", inst.UpdateInterval.String(),
		"issuer", inst.Issuer,
	)
	return nil
}

// DeleteInstrument removes an instrument; the store cascades to its lots
// and price history.
func (e *Engine) DeleteInstrument(ctx context.Context, symbol string) error {
	symbol = model.NormalizeSymbol(symbol)
	if err := e.store.DeleteInstrument(ctx, symbol); err != nil {
		return err
	}
	slog.Info("instrument deleted", "symbol", symbol)
	return nil
}
