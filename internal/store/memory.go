package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vety/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu   sync.RWMutex
	data *memData
}

type ledgerKey struct {
	user     string
	currency string
}

// memData is the whole mutable state. Lots keep insertion order, which is
// the FIFO order.
type memData struct {
	instruments map[string]*model.Instrument
	samples     map[string][]model.PriceSample
	ledger      map[ledgerKey]decimal.Decimal
	lots        []*model.Lot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: &memData{
			instruments: make(map[string]*model.Instrument),
			samples:     make(map[string][]model.PriceSample),
			ledger:      make(map[ledgerKey]decimal.Decimal),
		},
	}
}

// RunInTx holds the write lock for the whole callback and restores a deep
// snapshot if fn fails, so partial mutations never become visible.
func (s *MemoryStore) RunInTx(_ context.Context, fn func(Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(&memTx{data: s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (d *memData) clone() *memData {
	c := &memData{
		instruments: make(map[string]*model.Instrument, len(d.instruments)),
		samples:     make(map[string][]model.PriceSample, len(d.samples)),
		ledger:      make(map[ledgerKey]decimal.Decimal, len(d.ledger)),
		lots:        make([]*model.Lot, 0, len(d.lots)),
	}
	for sym, inst := range d.instruments {
		cp := *inst
		c.instruments[sym] = &cp
	}
	for sym, list := range d.samples {
		c.samples[sym] = append([]model.PriceSample(nil), list...)
	}
	for k, v := range d.ledger {
		c.ledger[k] = v
	}
	for _, lot := range d.lots {
		cp := *lot
		c.lots = append(c.lots, &cp)
	}
	return c
}

// --- locked wrappers ---

func (s *MemoryStore) UpsertInstrument(_ context.Context, inst *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.upsertInstrument(inst)
}

func (s *MemoryStore) GetInstrument(_ context.Context, symbol string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getInstrument(symbol)
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listInstruments()
}

func (s *MemoryStore) UpdatePrice(_ context.Context, symbol string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updatePrice(symbol, price)
}

func (s *MemoryStore) DeleteInstrument(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.deleteInstrument(symbol)
}

func (s *MemoryStore) AppendSample(_ context.Context, sample *model.PriceSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.appendSample(sample)
}

func (s *MemoryStore) LatestSample(_ context.Context, symbol string) (*model.PriceSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.latestSample(symbol)
}

func (s *MemoryStore) ListSamples(_ context.Context, symbol string, limit int) ([]model.PriceSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listSamples(symbol, limit)
}

func (s *MemoryStore) TrimSamples(_ context.Context, symbol string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.trimSamples(symbol, limit)
}

func (s *MemoryStore) Credit(_ context.Context, user, currency string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.credit(user, currency, amount)
}

func (s *MemoryStore) Debit(_ context.Context, user, currency string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.debit(user, currency, amount)
}

func (s *MemoryStore) Balance(_ context.Context, user, currency string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.balance(user, currency)
}

func (s *MemoryStore) InsertLot(_ context.Context, lot *model.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.insertLot(lot)
}

func (s *MemoryStore) LotsFIFO(_ context.Context, user, symbol string, class model.LotClass) ([]model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.lotsFIFO(user, symbol, class)
}

func (s *MemoryStore) UpdateLotQuantity(_ context.Context, lotID string, quantity int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.updateLotQuantity(lotID, quantity)
}

func (s *MemoryStore) DeleteLot(_ context.Context, lotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.deleteLot(lotID)
}

func (s *MemoryStore) Holdings(_ context.Context, user string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.holdings(user)
}

func (s *MemoryStore) DueLots(_ context.Context, now time.Time) ([]model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.dueLots(now)
}

// memTx is the transactional view handed to RunInTx callbacks. The outer
// store already holds the write lock, so these delegate straight to the
// unlocked memData operations.
type memTx struct {
	data *memData
}

func (t *memTx) RunInTx(_ context.Context, fn func(Store) error) error { return fn(t) }

func (t *memTx) UpsertInstrument(_ context.Context, inst *model.Instrument) error {
	return t.data.upsertInstrument(inst)
}
func (t *memTx) GetInstrument(_ context.Context, symbol string) (*model.Instrument, error) {
	return t.data.getInstrument(symbol)
}
func (t *memTx) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	return t.data.listInstruments()
}
func (t *memTx) UpdatePrice(_ context.Context, symbol string, price decimal.Decimal) error {
	return t.data.updatePrice(symbol, price)
}
func (t *memTx) DeleteInstrument(_ context.Context, symbol string) error {
	return t.data.deleteInstrument(symbol)
}
func (t *memTx) AppendSample(_ context.Context, sample *model.PriceSample) error {
	return t.data.appendSample(sample)
}
func (t *memTx) LatestSample(_ context.Context, symbol string) (*model.PriceSample, error) {
	return t.data.latestSample(symbol)
}
func (t *memTx) ListSamples(_ context.Context, symbol string, limit int) ([]model.PriceSample, error) {
	return t.data.listSamples(symbol, limit)
}
func (t *memTx) TrimSamples(_ context.Context, symbol string, limit int) error {
	return t.data.trimSamples(symbol, limit)
}
func (t *memTx) Credit(_ context.Context, user, currency string, amount decimal.Decimal) error {
	return t.data.credit(user, currency, amount)
}
func (t *memTx) Debit(_ context.Context, user, currency string, amount decimal.Decimal) error {
	return t.data.debit(user, currency, amount)
}
func (t *memTx) Balance(_ context.Context, user, currency string) (decimal.Decimal, error) {
	return t.data.balance(user, currency)
}
func (t *memTx) InsertLot(_ context.Context, lot *model.Lot) error {
	return t.data.insertLot(lot)
}
func (t *memTx) LotsFIFO(_ context.Context, user, symbol string, class model.LotClass) ([]model.Lot, error) {
	return t.data.lotsFIFO(user, symbol, class)
}
func (t *memTx) UpdateLotQuantity(_ context.Context, lotID string, quantity int64) error {
	return t.data.updateLotQuantity(lotID, quantity)
}
func (t *memTx) DeleteLot(_ context.Context, lotID string) error {
	return t.data.deleteLot(lotID)
}
func (t *memTx) Holdings(_ context.Context, user string) ([]model.Holding, error) {
	return t.data.holdings(user)
}
func (t *memTx) DueLots(_ context.Context, now time.Time) ([]model.Lot, error) {
	return t.data.dueLots(now)
}

// --- unlocked operations ---

func (d *memData) upsertInstrument(inst *model.Instrument) error {
	cp := *inst
	d.instruments[inst.Symbol] = &cp
	return nil
}

func (d *memData) getInstrument(symbol string) (*model.Instrument, error) {
	inst, ok := d.instruments[symbol]
	if !ok {
		return nil, model.ErrUnknownInstrument
	}
	cp := *inst
	return &cp, nil
}

func (d *memData) listInstruments() ([]model.Instrument, error) {
	out := make([]model.Instrument, 0, len(d.instruments))
	for _, inst := range d.instruments {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (d *memData) updatePrice(symbol string, price decimal.Decimal) error {
	inst, ok := d.instruments[symbol]
	if !ok {
		return model.ErrUnknownInstrument
	}
	inst.Price = price
	return nil
}

func (d *memData) deleteInstrument(symbol string) error {
	delete(d.instruments, symbol)
	delete(d.samples, symbol)

	kept := d.lots[:0]
	for _, lot := range d.lots {
		if lot.Symbol != symbol {
			kept = append(kept, lot)
		}
	}
	d.lots = kept
	return nil
}

func (d *memData) appendSample(sample *model.PriceSample) error {
	d.samples[sample.Symbol] = append(d.samples[sample.Symbol], *sample)
	return nil
}

func (d *memData) latestSample(symbol string) (*model.PriceSample, error) {
	list := d.samples[symbol]
	if len(list) == 0 {
		return nil, nil
	}
	cp := list[len(list)-1]
	return &cp, nil
}

func (d *memData) listSamples(symbol string, limit int) ([]model.PriceSample, error) {
	list := d.samples[symbol]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return append([]model.PriceSample(nil), list...), nil
}

func (d *memData) trimSamples(symbol string, limit int) error {
	if limit < 0 {
		limit = 0
	}
	list := d.samples[symbol]
	if len(list) <= limit {
		return nil
	}
	d.samples[symbol] = append([]model.PriceSample(nil), list[len(list)-limit:]...)
	return nil
}

func (d *memData) credit(user, currency string, amount decimal.Decimal) error {
	key := ledgerKey{user: user, currency: currency}
	d.ledger[key] = d.ledger[key].Add(amount)
	return nil
}

func (d *memData) debit(user, currency string, amount decimal.Decimal) error {
	key := ledgerKey{user: user, currency: currency}
	bal := d.ledger[key]
	if bal.LessThan(amount) {
		return model.ErrInsufficientBalance
	}
	d.ledger[key] = bal.Sub(amount)
	return nil
}

func (d *memData) balance(user, currency string) (decimal.Decimal, error) {
	return d.ledger[ledgerKey{user: user, currency: currency}], nil
}

func (d *memData) insertLot(lot *model.Lot) error {
	cp := *lot
	d.lots = append(d.lots, &cp)
	return nil
}

func (d *memData) lotsFIFO(user, symbol string, class model.LotClass) ([]model.Lot, error) {
	var out []model.Lot
	for _, lot := range d.lots {
		if lot.UserID == user && lot.Symbol == symbol && lot.Class == class {
			out = append(out, *lot)
		}
	}
	return out, nil
}

func (d *memData) updateLotQuantity(lotID string, quantity int64) error {
	for _, lot := range d.lots {
		if lot.ID == lotID {
			lot.Quantity = quantity
			return nil
		}
	}
	return model.ErrNoSellableLots
}

func (d *memData) deleteLot(lotID string) error {
	for i, lot := range d.lots {
		if lot.ID == lotID {
			d.lots = append(d.lots[:i], d.lots[i+1:]...)
			return nil
		}
	}
	return nil
}

func (d *memData) holdings(user string) ([]model.Holding, error) {
	sums := make(map[string]int64)
	for _, lot := range d.lots {
		if lot.UserID == user {
			sums[lot.Symbol] += lot.Quantity
		}
	}
	out := make([]model.Holding, 0, len(sums))
	for sym, qty := range sums {
		out = append(out, model.Holding{Symbol: sym, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (d *memData) dueLots(now time.Time) ([]model.Lot, error) {
	var out []model.Lot
	for _, lot := range d.lots {
		if lot.Class == model.LotAuto && !lot.AutoSellAt.After(now) {
			out = append(out, *lot)
		}
	}
	return out, nil
}
