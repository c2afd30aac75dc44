package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/vety/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for instrument and balance reads — the two hot paths (every buy,
// sell, and simulator tick reads an instrument; every trade reads a
// balance). Writes go to the primary store and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

// RunInTx delegates to the primary transaction, wrapping the transactional
// store so writes inside the callback still invalidate cache keys.
func (s *CachedStore) RunInTx(ctx context.Context, fn func(Store) error) error {
	return s.primary.RunInTx(ctx, func(tx Store) error {
		return fn(&CachedStore{primary: tx, rdb: s.rdb, ttl: s.ttl})
	})
}

// --- Instruments (read-through) ---

func (s *CachedStore) GetInstrument(ctx context.Context, symbol string) (*model.Instrument, error) {
	data, err := s.rdb.Get(ctx, instrumentKey(symbol)).Bytes()
	if err == nil {
		var inst model.Instrument
		if json.Unmarshal(data, &inst) == nil {
			return &inst, nil
		}
	}

	inst, err := s.primary.GetInstrument(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.cacheInstrument(ctx, inst)
	return inst, nil
}

func (s *CachedStore) UpsertInstrument(ctx context.Context, inst *model.Instrument) error {
	if err := s.primary.UpsertInstrument(ctx, inst); err != nil {
		return err
	}
	s.cacheInstrument(ctx, inst)
	return nil
}

func (s *CachedStore) UpdatePrice(ctx context.Context, symbol string, price decimal.Decimal) error {
	if err := s.primary.UpdatePrice(ctx, symbol, price); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, instrumentKey(symbol))
	return nil
}

func (s *CachedStore) DeleteInstrument(ctx context.Context, symbol string) error {
	if err := s.primary.DeleteInstrument(ctx, symbol); err != nil {
		return err
	}
	s.rdb.Del(ctx, instrumentKey(symbol))
	return nil
}

// --- Ledger (read-through balances) ---

func (s *CachedStore) Balance(ctx context.Context, user, currency string) (decimal.Decimal, error) {
	cached, err := s.rdb.Get(ctx, balanceKey(user, currency)).Result()
	if err == nil {
		if bal, perr := decimal.NewFromString(cached); perr == nil {
			return bal, nil
		}
	}

	bal, err := s.primary.Balance(ctx, user, currency)
	if err != nil {
		return decimal.Zero, err
	}
	s.rdb.Set(ctx, balanceKey(user, currency), bal.String(), s.ttl)
	return bal, nil
}

func (s *CachedStore) Credit(ctx context.Context, user, currency string, amount decimal.Decimal) error {
	if err := s.primary.Credit(ctx, user, currency, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(user, currency))
	return nil
}

func (s *CachedStore) Debit(ctx context.Context, user, currency string, amount decimal.Decimal) error {
	if err := s.primary.Debit(ctx, user, currency, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(user, currency))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	return s.primary.ListInstruments(ctx)
}

func (s *CachedStore) AppendSample(ctx context.Context, sample *model.PriceSample) error {
	return s.primary.AppendSample(ctx, sample)
}

func (s *CachedStore) LatestSample(ctx context.Context, symbol string) (*model.PriceSample, error) {
	return s.primary.LatestSample(ctx, symbol)
}

func (s *CachedStore) ListSamples(ctx context.Context, symbol string, limit int) ([]model.PriceSample, error) {
	return s.primary.ListSamples(ctx, symbol, limit)
}

func (s *CachedStore) TrimSamples(ctx context.Context, symbol string, limit int) error {
	return s.primary.TrimSamples(ctx, symbol, limit)
}

func (s *CachedStore) InsertLot(ctx context.Context, lot *model.Lot) error {
	return s.primary.InsertLot(ctx, lot)
}

func (s *CachedStore) LotsFIFO(ctx context.Context, user, symbol string, class model.LotClass) ([]model.Lot, error) {
	return s.primary.LotsFIFO(ctx, user, symbol, class)
}

func (s *CachedStore) UpdateLotQuantity(ctx context.Context, lotID string, quantity int64) error {
	return s.primary.UpdateLotQuantity(ctx, lotID, quantity)
}

func (s *CachedStore) DeleteLot(ctx context.Context, lotID string) error {
	return s.primary.DeleteLot(ctx, lotID)
}

func (s *CachedStore) Holdings(ctx context.Context, user string) ([]model.Holding, error) {
	return s.primary.Holdings(ctx, user)
}

func (s *CachedStore) DueLots(ctx context.Context, now time.Time) ([]model.Lot, error) {
	return s.primary.DueLots(ctx, now)
}

// --- Cache helpers ---

func (s *CachedStore) cacheInstrument(ctx context.Context, inst *model.Instrument) {
	if data, err := json.Marshal(inst); err == nil {
		s.rdb.Set(ctx, instrumentKey(inst.Symbol), data, s.ttl)
	}
}

func instrumentKey(symbol string) string      { return fmt.Sprintf("instrument:%s", symbol) }
func balanceKey(user, currency string) string { return fmt.Sprintf("balance:%s:%s", user, currency) }
