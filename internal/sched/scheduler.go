// Package sched runs the auto-sell scheduler: a periodic scan for lots
// whose scheduled sell time has elapsed, liquidated through the trading
// engine's sell path.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vety/market-engine/internal/market"
	"github.com/vety/market-engine/internal/metrics"
	"github.com/vety/market-engine/internal/model"
	"github.com/vety/market-engine/internal/notify"
	"github.com/vety/market-engine/internal/store"
)

// Scheduler liquidates due auto-class lots. Single-threaded: one cycle
// finishes before the next begins.
type Scheduler struct {
	store  store.Store
	engine *market.Engine
	hub    *notify.Hub
	now    func() time.Time
}

// New creates a scheduler. hub may be nil when no delivery layer exists.
func New(st store.Store, engine *market.Engine, hub *notify.Hub) *Scheduler {
	return &Scheduler{store: st, engine: engine, hub: hub, now: time.Now}
}

// NewWithClock injects a clock for tests.
func NewWithClock(st store.Store, engine *market.Engine, hub *notify.Hub, now func() time.Time) *Scheduler {
	return &Scheduler{store: st, engine: engine, hub: hub, now: now}
}

// Run scans at the given interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("auto-sell scheduler started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("auto-sell scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

type dueGroup struct {
	user     string
	symbol   string
	quantity int64
}

// RunOnce performs one scan cycle: find due lots, group them by
// (user, symbol), sell each group's summed quantity through the engine,
// and publish a per-user notification. A failed group is logged and the
// cycle continues — one user's failure never blocks the others. The sell
// path deletes consumed lots itself, so no separate cleanup runs here.
func (s *Scheduler) RunOnce(ctx context.Context) {
	due, err := s.store.DueLots(ctx, s.now())
	if err != nil {
		slog.Error("auto-sell: due scan failed", "err", err)
		return
	}
	if len(due) == 0 {
		return
	}

	// Group by (user, symbol), preserving first-due order.
	type key struct{ user, symbol string }
	index := make(map[key]int)
	var groups []dueGroup
	for _, lot := range due {
		k := key{user: lot.UserID, symbol: lot.Symbol}
		if i, ok := index[k]; ok {
			groups[i].quantity += lot.Quantity
			continue
		}
		index[k] = len(groups)
		groups = append(groups, dueGroup{user: lot.UserID, symbol: lot.Symbol, quantity: lot.Quantity})
	}

	for _, g := range groups {
		receipt, err := s.engine.Sell(ctx, g.user, g.symbol, g.quantity, model.LotAuto)
		if err != nil {
			metrics.AutoSellsTotal.WithLabelValues("error").Inc()
			slog.Error("auto-sell failed",
				"user", g.user, "symbol", g.symbol, "qty", g.quantity, "err", err)
			continue
		}

		metrics.AutoSellsTotal.WithLabelValues("ok").Inc()
		if s.hub != nil {
			s.hub.Publish(notify.Event{
				Kind:    notify.KindAutoSell,
				Target:  g.user,
				Message: soldMessage(receipt),
			})
		}
	}
}

func soldMessage(r *model.SellReceipt) string {
	return fmt.Sprintf("auto-sold %d %s for %s (P/L %s)",
		r.Quantity, r.Symbol, r.Proceeds, signedPnL(r))
}

func signedPnL(r *model.SellReceipt) string {
	if r.ProfitLoss.IsNegative() {
		return r.ProfitLoss.String()
	}
	return "+" + r.ProfitLoss.String()
}
