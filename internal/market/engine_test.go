package market_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vety/market-engine/internal/market"
	"github.com/vety/market-engine/internal/model"
	"github.com/vety/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var testClock = func() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

// newTestEngine creates an engine over a fresh in-memory store.
func newTestEngine(t *testing.T) (*market.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return market.NewWithClock(ms, testClock), ms
}

// seedInstrument registers an instrument directly in the store.
func seedInstrument(t *testing.T, ms *store.MemoryStore, symbol string, price float64, issuer string) {
	t.Helper()
	err := ms.UpsertInstrument(context.Background(), &model.Instrument{
		Symbol:         symbol,
		Price:          d(price),
		UpdateInterval: time.Minute,
		MinFluct:       d(1),
		MaxFluct:       d(5),
		Issuer:         issuer,
	})
	if err != nil {
		t.Fatalf("failed to seed instrument: %v", err)
	}
}

func fund(t *testing.T, ms *store.MemoryStore, user string, amount float64) {
	t.Helper()
	if err := ms.Credit(context.Background(), user, model.Currency, d(amount)); err != nil {
		t.Fatalf("failed to fund %s: %v", user, err)
	}
}

func balance(t *testing.T, ms *store.MemoryStore, user string) decimal.Decimal {
	t.Helper()
	bal, err := ms.Balance(context.Background(), user, model.Currency)
	if err != nil {
		t.Fatalf("balance read failed: %v", err)
	}
	return bal
}

// --- Buy ---

func TestBuy_Success(t *testing.T) {
	e, ms := newTestEngine(t)
	seedInstrument(t, ms, "VELT", 100, "")
	fund(t, ms, "u1", 1000)

	receipt, err := e.Buy(context.Background(), "u1", "velt", 5, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.Symbol != "VELT" {
		t.Errorf("expected normalized symbol VELT, got %s", receipt.Symbol)
	}
	if !receipt.TotalCost.Equal(d(500)) {
		t.Errorf("expected cost 500, got %s", receipt.TotalCost)
	}
	if got := balance(t, ms, "u1"); !got.Equal(d(500)) {
		t.Errorf("expected balance 500 after buy, got %s", got)
	}

	lots, _ := ms.LotsFIFO(context.Background(), "u1", "VELT", model.LotManual)
	if len(lots) != 1 {
		t.Fatalf("expected 1 manual lot, got %d", len(lots))
	}
	if lots[0].Quantity != 5 || !lots[0].EntryPrice.Equal(d(100)) {
		t.Errorf("lot mismatch: qty=%d entry=%s", lots[0].Quantity, lots[0].EntryPrice)
	}
}

func TestBuy_AutoSellDelayCreatesAutoLot(t *testing.T) {
	e, ms := newTestEngine(t)
	seedInstrument(t, ms, "VELT", 100, "")
	fund(t, ms, "u1", 1000)

	if _, err := e.Buy(context.Background(), "u1", "VELT", 2, 10*time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lots, _ := ms.LotsFIFO(context.Background(), "u1", "VELT", model.LotAuto)
	if len(lots) != 1 {
		t.Fatalf("expected 1 auto lot, got %d", len(lots))
	}
	want := testClock().Add(10 * time.Minute)
	if !lots[0].AutoSellAt.Equal(want) {
		t.Errorf("expected auto_sell_at %v, got %v", want, lots[0].AutoSellAt)
	}
}

func TestBuy_UnknownInstrument(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Buy(context.Background(), "u1", "NOPE", 1, 0)
	if !errors.Is(err, model.ErrUnknownInstrument) {
		t.Errorf("expected ErrUnknownInstrument, got %v", err)
	}
}

func TestBuy_InvalidQuantity(t *testing.T) {
	e, ms := newTestEngine(t)
	seedInstrument(t, ms, "VELT", 100, "")

	for _, qty := range []int64{0, -3} {
		if _, err := e.Buy(context.Background(), "u1", "VELT", qty, 0); !errors.Is(err, model.ErrInvalidQuantity) {
			t.Errorf("qty %d: expected ErrInvalidQuantity, got %v", qty, err)
		}
	}
}

func TestBuy_InsufficientBalance(t *testing.T) {
	e, ms := newTestEngine(t)
	seedInstrument(t, ms, "VELT", 100, "")
	fund(t, ms, "u1", 499)

	_, err := e.Buy(context.Background(), "u1", "VELT", 5, 0)
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// Nothing applied: balance intact, no lot created.
	if got := balance(t, ms, "u1"); !got.Equal(d(499)) {
		t.Errorf("balance changed on failed buy: %s", got)
	}
	holdings, _ := ms.Holdings(context.Background(), "u1")
	if len(holdings) != 0 {
		t.Errorf("expected no holdings after failed buy, got %v", holdings)
	}
}

// --- Sell ---

func TestSell_FIFOCostBasis(t *testing.T) {
	e, ms := newTestEngine(t)
	seedInstrument(t, ms, "VELT", 100, "")
	fund(t, ms, "u1", 10000)

	// Buy 10 at 100, then 10 at 200.
	if _, err := e.Buy(context.Background(), "u1", "VELT", 10, 0); err != nil {
		t.Fatalf("buy 1: %v", err)
	}
	if err := ms.UpdatePrice(context.Background(), "VELT", d(200)); err != nil {
		t.Fatalf("price update: %v", err)
	}
	if _, err := e.Buy(context.Background(), "u1", "VELT", 10, 0); err != nil {
		t.Fatalf("buy 2: %v", err)
	}

	// Sell 12 at 200: consumes 10 from the first lot, 2 from the second.
	// Cost basis 10×100 + 2×200 = 1400; proceeds 12×200 = 2400; pnl 1000.
	receipt, err := e.Sell(context.Background(), "u1", "VELT", 12, model.LotManual)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if receipt.Quantity != 12 {
		t.Errorf("expected sold qty 12, got %d", receipt.Quantity)
	}
	if !receipt.Proceeds.Equal(d(2400)) {
		t.Errorf("expected proceeds 2400, got %s", receipt.Proceeds)
	}
	if !receipt.ProfitLoss.Equal(d(1000)) {
		t.Errorf("expected pnl 1000, got %s", receipt.ProfitLoss)
	}

	// Remainder: the second lot survives with 8 units.
	lots, _ := ms.LotsFIFO(context.Background(), "u1", "VELT", model.LotManual)
	if len(lots) != 1 {
		t.Fatalf("expected 1 remaining lot, got %d", len(lots))
	}
	if lots[0].Quantity != 8 || !lots[0].EntryPrice.Equal(d(200)) {
		t.Errorf("remaining lot mismatch: qty=%d entry=%s", lots[0].Quantity, lots[0].EntryPrice)
	}
}

func TestSell_LossRedistribution(t *testing.T) {
	e, ms := newTestEngine(t)
	seedInstrument(t, ms, "VELT", 100, "u2")
	fund(t, ms, "u1", 500)

	if _, err := e.Buy(context.Background(), "u1", "VELT", 5, 0); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := ms.UpdatePrice(context.Background(), "VELT", d(80)); err != nil {
		t.Fatalf("price update: %v", err)
	}

	receipt, err := e.Sell(context.Background(), "u1", "VELT", 5, model.LotManual)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !receipt.Proceeds.Equal(d(400)) {
		t.Errorf("expected proceeds 400, got %s", receipt.Proceeds)
	}
	if !receipt.ProfitLoss.Equal(d(-100)) {
		t.Errorf("expected pnl -100, got %s", receipt.ProfitLoss)
	}

	// Seller receives exactly the proceeds, not the loss back.
	if got := balance(t, ms, "u1"); !got.Equal(d(400)) {
		t.Errorf("expected seller balance 400, got %s", got)
	}
	// The issuer absorbs the realized loss.
	if got := balance(t, ms, "u2"); !got.Equal(d(100)) {
		t.Errorf("expected issuer balance 100, got %s", got)
	}
}

func TestSell_NoRedistributionWhenSellerIsIssuer(t *testing.T) {
	e, ms := newTestEngine(t)
	seedInstrument(t, ms, "VELT", 100, "u1")
	fund(t, ms, "u1", 500)

	if _, err := e.Buy(context.Background(), "u1", "VELT", 5, 0); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := ms.UpdatePrice(context.Background(), "VELT", d(80)); err != nil {
		t.Fatalf("price update: %v", err)
	}
	if _, err := e.Sell(context.Background(), "u1", "VELT", 5, model.LotManual); err != nil {
		t.Fatalf("sell: %v", err)
	}

	// 500 - 500 (buy) + 400 (proceeds); no self-credit of the loss.
	if got := balance(t, ms, "u1"); !got.Equal(d(400)) {
		t.Errorf("expected balance 400, got %s", got)
	}
}

func TestSell_InsufficientHoldingsLeavesStateUnchanged(t *testing.T) {
	e, ms := newTestEngine(t)
	seedInstrument(t, ms, "VELT", 100, "")
	fund(t, ms, "u1", 1000)

	if _, err := e.Buy(context.Background(), "u1", "VELT", 5, 0); err != nil {
		t.Fatalf("buy: %v", err)
	}
	balBefore := balance(t, ms, "u1")

	_, err := e.Sell(context.Background(), "u1", "VELT", 6, model.LotManual)
	if !errors.Is(err, model.ErrInsufficientHoldings) {
		t.Fatalf("expected ErrInsufficientHoldings, got %v", err)
	}

	// Round-trip: state before == state after failed attempt.
	if got := balance(t, ms, "u1"); !got.Equal(balBefore) {
		t.Errorf("balance changed by failed sell: %s vs %s", got, balBefore)
	}
	lots, _ := ms.LotsFIFO(context.Background(), "u1", "VELT", model.LotManual)
	if len(lots) != 1 || lots[0].Quantity != 5 {
		t.Errorf("lots changed by failed sell: %+v", lots)
	}
}

func TestSell_ZeroMeansSellAll(t *testing.T) {
	e, ms := newTestEngine(t)
	seedInstrument(t, ms, "VELT", 100, "")
	fund(t, ms, "u1", 1000)

	if _, err := e.Buy(context.Background(), "u1", "VELT", 3, 0); err != nil {
		t.Fatalf("buy 1: %v", err)
	}
	if _, err := e.Buy(context.Background(), "u1", "VELT", 4, 0); err != nil {
		t.Fatalf("buy 2: %v", err)
	}

	receipt, err := e.Sell(context.Background(), "u1", "VELT", 0, model.LotManual)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if receipt.Quantity != 7 {
		t.Errorf("expected all 7 sold, got %d", receipt.Quantity)
	}
	lots, _ := ms.LotsFIFO(context.Background(), "u1", "VELT", model.LotManual)
	if len(lots) != 0 {
		t.Errorf("expected no lots left, got %d", len(lots))
	}
}

func TestSell_NoSellableLots(t *testing.T) {
	e, ms := newTestEngine(t)
	seedInstrument(t, ms, "VELT", 100, "")

	_, err := e.Sell(context.Background(), "u1", "VELT", 0, model.LotManual)
	if !errors.Is(err, model.ErrNoSellableLots) {
		t.Errorf("expected ErrNoSellableLots, got %v", err)
	}
}

func TestSell_ClassesAreSeparate(t *testing.T) {
	e, ms := newTestEngine(t)
	seedInstrument(t, ms, "VELT", 100, "")
	fund(t, ms, "u1", 1000)

	// 5 manual, 3 auto.
	if _, err := e.Buy(context.Background(), "u1", "VELT", 5, 0); err != nil {
		t.Fatalf("buy manual: %v", err)
	}
	if _, err := e.Buy(context.Background(), "u1", "VELT", 3, time.Hour); err != nil {
		t.Fatalf("buy auto: %v", err)
	}

	// A manual sell cannot touch the auto lots.
	_, err := e.Sell(context.Background(), "u1", "VELT", 6, model.LotManual)
	if !errors.Is(err, model.ErrInsufficientHoldings) {
		t.Fatalf("expected ErrInsufficientHoldings across classes, got %v", err)
	}

	receipt, err := e.Sell(context.Background(), "u1", "VELT", 0, model.LotAuto)
	if err != nil {
		t.Fatalf("auto sell: %v", err)
	}
	if receipt.Quantity != 3 {
		t.Errorf("expected 3 auto units sold, got %d", receipt.Quantity)
	}
}

func TestSell_UnknownInstrument(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Sell(context.Background(), "u1", "NOPE", 1, model.LotManual)
	if !errors.Is(err, model.ErrUnknownInstrument) {
		t.Errorf("expected ErrUnknownInstrument, got %v", err)
	}
}

// --- Ledger operations ---

func TestTransfer(t *testing.T) {
	e, ms := newTestEngine(t)
	fund(t, ms, "u1", 100)

	if err := e.Transfer(context.Background(), "u1", "u2", d(60)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := balance(t, ms, "u1"); !got.Equal(d(40)) {
		t.Errorf("expected sender balance 40, got %s", got)
	}
	if got := balance(t, ms, "u2"); !got.Equal(d(60)) {
		t.Errorf("expected recipient balance 60, got %s", got)
	}
}

func TestTransfer_Self(t *testing.T) {
	e, ms := newTestEngine(t)
	fund(t, ms, "u1", 100)

	if err := e.Transfer(context.Background(), "u1", "u1", d(10)); !errors.Is(err, model.ErrSelfTransfer) {
		t.Errorf("expected ErrSelfTransfer, got %v", err)
	}
	if got := balance(t, ms, "u1"); !got.Equal(d(100)) {
		t.Errorf("self transfer mutated balance: %s", got)
	}
}

func TestTransfer_InsufficientBalance(t *testing.T) {
	e, ms := newTestEngine(t)
	fund(t, ms, "u1", 50)

	err := e.Transfer(context.Background(), "u1", "u2", d(60))
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := balance(t, ms, "u1"); !got.Equal(d(50)) {
		t.Errorf("failed transfer mutated sender: %s", got)
	}
	if got := balance(t, ms, "u2"); !got.IsZero() {
		t.Errorf("failed transfer mutated recipient: %s", got)
	}
}

func TestTransfer_NonPositiveAmount(t *testing.T) {
	e, _ := newTestEngine(t)

	for _, amt := range []float64{0, -5} {
		if err := e.Transfer(context.Background(), "u1", "u2", d(amt)); !errors.Is(err, model.ErrInvalidAmount) {
			t.Errorf("amount %v: expected ErrInvalidAmount, got %v", amt, err)
		}
	}
}

// TestTransfer_ConcurrentNeverOverdraws fires two transfers whose total
// exceeds the balance. At most one may succeed and the sender can never go
// negative.
func TestTransfer_ConcurrentNeverOverdraws(t *testing.T) {
	e, ms := newTestEngine(t)
	fund(t, ms, "u1", 100)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.Transfer(context.Background(), "u1", "u2", d(70))
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, model.ErrInsufficientBalance) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("expected exactly 1 success, got %d", successes)
	}
	if got := balance(t, ms, "u1"); got.IsNegative() {
		t.Errorf("sender went negative: %s", got)
	}
	if got := balance(t, ms, "u1"); !got.Equal(d(30)) {
		t.Errorf("expected sender balance 30, got %s", got)
	}
}

func TestIssueAndDecrease(t *testing.T) {
	e, ms := newTestEngine(t)

	if err := e.Issue(context.Background(), "u1", d(200)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := e.Decrease(context.Background(), "u1", d(50)); err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if got := balance(t, ms, "u1"); !got.Equal(d(150)) {
		t.Errorf("expected balance 150, got %s", got)
	}

	if err := e.Decrease(context.Background(), "u1", d(151)); !errors.Is(err, model.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := e.Issue(context.Background(), "u1", d(-1)); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

// --- Registry / queries ---

func TestAddInstrument_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	base := model.Instrument{
		Symbol:         "velt",
		Price:          d(100),
		UpdateInterval: time.Minute,
		MinFluct:       d(1),
		MaxFluct:       d(5),
	}

	if err := e.AddInstrument(ctx, base); err != nil {
		t.Fatalf("valid instrument rejected: %v", err)
	}

	bad := base
	bad.Price = d(0)
	if err := e.AddInstrument(ctx, bad); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("zero price: expected ErrInvalidAmount, got %v", err)
	}

	bad = base
	bad.MinFluct = d(10)
	bad.MaxFluct = d(5)
	if err := e.AddInstrument(ctx, bad); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("inverted band: expected ErrInvalidAmount, got %v", err)
	}

	bad = base
	bad.UpdateInterval = 0
	if err := e.AddInstrument(ctx, bad); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("zero interval: expected ErrInvalidAmount, got %v", err)
	}
}

func TestDeleteInstrument_Cascades(t *testing.T) {
	e, ms := newTestEngine(t)
	seedInstrument(t, ms, "VELT", 100, "")
	fund(t, ms, "u1", 1000)

	if _, err := e.Buy(context.Background(), "u1", "VELT", 3, 0); err != nil {
		t.Fatalf("buy: %v", err)
	}
	sampleDelta := d(5)
	ms.AppendSample(context.Background(), &model.PriceSample{
		ID: "s1", Symbol: "VELT", Timestamp: testClock(), Price: d(100), Delta: &sampleDelta,
	})

	if err := e.DeleteInstrument(context.Background(), "velt"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := ms.GetInstrument(context.Background(), "VELT"); !errors.Is(err, model.ErrUnknownInstrument) {
		t.Errorf("instrument still present: %v", err)
	}
	holdings, _ := ms.Holdings(context.Background(), "u1")
	if len(holdings) != 0 {
		t.Errorf("positions not cascaded: %v", holdings)
	}
	samples, _ := ms.ListSamples(context.Background(), "VELT", 0)
	if len(samples) != 0 {
		t.Errorf("history not cascaded: %d samples", len(samples))
	}
}

func TestHoldingsMatchLotSums(t *testing.T) {
	e, ms := newTestEngine(t)
	seedInstrument(t, ms, "VELT", 100, "")
	seedInstrument(t, ms, "ARCA", 50, "")
	fund(t, ms, "u1", 10000)

	e.Buy(context.Background(), "u1", "VELT", 5, 0)
	e.Buy(context.Background(), "u1", "VELT", 3, time.Hour)
	e.Buy(context.Background(), "u1", "ARCA", 2, 0)

	holdings, err := e.Holdings(context.Background(), "u1")
	if err != nil {
		t.Fatalf("holdings: %v", err)
	}
	want := map[string]int64{"ARCA": 2, "VELT": 8}
	if len(holdings) != len(want) {
		t.Fatalf("expected %d symbols, got %d", len(want), len(holdings))
	}
	for _, h := range holdings {
		if want[h.Symbol] != h.Quantity {
			t.Errorf("%s: expected %d, got %d", h.Symbol, want[h.Symbol], h.Quantity)
		}
	}
}

func TestAllPrices_SortedBySymbol(t *testing.T) {
	e, ms := newTestEngine(t)
	seedInstrument(t, ms, "VELT", 100, "")
	seedInstrument(t, ms, "ARCA", 50, "")

	quotes, err := e.AllPrices(context.Background())
	if err != nil {
		t.Fatalf("all prices: %v", err)
	}
	if len(quotes) != 2 || quotes[0].Symbol != "ARCA" || quotes[1].Symbol != "VELT" {
		t.Errorf("unexpected quote order: %+v", quotes)
	}
}
