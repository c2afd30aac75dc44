// Package sim drives the price simulation: a periodic random-walk update of
// every instrument's price, history snapshots when a price actually moved,
// and retention trimming of old samples.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vety/market-engine/internal/metrics"
	"github.com/vety/market-engine/internal/model"
	"github.com/vety/market-engine/internal/notify"
	"github.com/vety/market-engine/internal/store"
	"github.com/vety/market-engine/internal/walk"
)

// SampleSink receives freshly written price samples, e.g. for WebSocket
// broadcast. Implementations must not block.
type SampleSink interface {
	PriceSample(sample model.PriceSample)
}

// Simulator owns the per-symbol cadence state. That state is transient by
// design: a restart resets all cadence timers. The design assumes exactly
// one active simulator per store.
type Simulator struct {
	store     store.Store
	model     *walk.Model
	hub       *notify.Hub
	sink      SampleSink // optional
	retention int
	now       func() time.Time

	// lastUpdate gates per-instrument update cadence. Owned by this
	// instance, never package state, so test instances stay isolated.
	lastUpdate map[string]time.Time
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// WithSink attaches a sample sink (e.g. the WebSocket hub).
func WithSink(sink SampleSink) Option {
	return func(s *Simulator) { s.sink = sink }
}

// New creates a simulator. retention bounds the per-symbol history length
// (default 100 when <= 0). hub may be nil when no delivery layer exists.
func New(st store.Store, m *walk.Model, hub *notify.Hub, retention int, opts ...Option) *Simulator {
	if retention <= 0 {
		retention = 100
	}
	s := &Simulator{
		store:      st,
		model:      m,
		hub:        hub,
		retention:  retention,
		now:        time.Now,
		lastUpdate: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks the simulation at the given interval until ctx is cancelled.
// Each cycle mutates prices first, then snapshots and notifies.
func (s *Simulator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("price simulator started", "interval", interval.String(), "retention", s.retention)
	for {
		select {
		case <-ctx.Done():
			slog.Info("price simulator stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
			s.SnapshotAndNotify(ctx)
		}
	}
}

// Tick advances every instrument whose update interval has elapsed by one
// random-walk step and writes the new price. Per-instrument failures are
// logged and skipped so one bad instrument cannot halt the loop.
func (s *Simulator) Tick(ctx context.Context) {
	instruments, err := s.store.ListInstruments(ctx)
	if err != nil {
		slog.Error("simulator: list instruments failed", "err", err)
		return
	}

	now := s.now()
	for _, inst := range instruments {
		last, seen := s.lastUpdate[inst.Symbol]
		if seen && now.Sub(last) < inst.UpdateInterval {
			continue
		}

		next, err := s.model.Step(inst.Price, inst.MinFluct, inst.MaxFluct)
		if err != nil {
			slog.Error("simulator: step failed", "symbol", inst.Symbol, "err", err)
			continue
		}

		if !next.Equal(inst.Price) {
			if err := s.store.UpdatePrice(ctx, inst.Symbol, next); err != nil {
				slog.Error("simulator: price write failed", "symbol", inst.Symbol, "err", err)
				continue
			}
			metrics.PriceUpdatesTotal.WithLabelValues(inst.Symbol).Inc()
		}
		s.lastUpdate[inst.Symbol] = now
	}
}

// SnapshotAndNotify appends a history sample for every instrument whose
// current price differs from its latest stored sample, publishes a change
// notification for instruments with a notify target, and trims history to
// the retention limit. Unchanged prices produce neither sample nor event.
func (s *Simulator) SnapshotAndNotify(ctx context.Context) {
	instruments, err := s.store.ListInstruments(ctx)
	if err != nil {
		slog.Error("simulator: list instruments failed", "err", err)
		return
	}

	now := s.now()
	for _, inst := range instruments {
		latest, err := s.store.LatestSample(ctx, inst.Symbol)
		if err != nil {
			slog.Error("simulator: latest sample failed", "symbol", inst.Symbol, "err", err)
			continue
		}
		if latest != nil && latest.Price.Equal(inst.Price) {
			continue
		}

		sample := model.PriceSample{
			ID:        uuid.New().String(),
			Symbol:    inst.Symbol,
			Timestamp: now,
			Price:     inst.Price,
		}
		if latest != nil {
			delta := inst.Price.Sub(latest.Price)
			sample.Delta = &delta
		}

		if err := s.store.AppendSample(ctx, &sample); err != nil {
			slog.Error("simulator: sample write failed", "symbol", inst.Symbol, "err", err)
			continue
		}
		if err := s.store.TrimSamples(ctx, inst.Symbol, s.retention); err != nil {
			slog.Error("simulator: trim failed", "symbol", inst.Symbol, "err", err)
		}

		if s.sink != nil {
			s.sink.PriceSample(sample)
		}
		if s.hub != nil && inst.NotifyTarget != "" {
			s.hub.Publish(notify.Event{
				Kind:    notify.KindPriceChange,
				Target:  inst.NotifyTarget,
				Message: changeMessage(&sample),
			})
		}
	}
}

// changeMessage formats a price-change notification for delivery.
func changeMessage(sample *model.PriceSample) string {
	if sample.Delta == nil {
		return fmt.Sprintf("%s listed at %s", sample.Symbol, sample.Price)
	}
	return fmt.Sprintf("%s moved to %s (%s)", sample.Symbol, sample.Price, signed(*sample.Delta))
}

func signed(d decimal.Decimal) string {
	if d.IsNegative() {
		return d.String()
	}
	return "+" + d.String()
}
