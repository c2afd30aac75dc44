// Package api provides the HTTP command surface over the trading engine.
// It is a thin shim: request decoding, symbol normalization, and mapping
// the engine's typed failures to status codes. Authorization for the
// administrative endpoints is expected to happen in front of this service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vety/market-engine/internal/market"
	"github.com/vety/market-engine/internal/model"
)

// Handler exposes the engine's typed call surface over HTTP.
type Handler struct {
	engine *market.Engine
}

// NewHandler creates a handler over engine.
func NewHandler(engine *market.Engine) *Handler {
	return &Handler{engine: engine}
}

// Mount registers all API routes on r, typically under /api/v1.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/buy", h.Buy)
	r.Post("/sell", h.Sell)
	r.Post("/transfer", h.Transfer)
	r.Post("/issue", h.Issue)
	r.Post("/decrease", h.Decrease)
	r.Get("/balance/{userID}", h.Balance)
	r.Get("/holdings/{userID}", h.Holdings)
	r.Get("/prices", h.AllPrices)
	r.Post("/instruments", h.AddInstrument)
	r.Delete("/instruments/{symbol}", h.DeleteInstrument)
	r.Get("/instruments/{symbol}/history", h.PriceHistory)
}

// --- Request types ---

// BuyRequest is the JSON body for POST /buy.
type BuyRequest struct {
	UserID            string `json:"user_id"`
	Symbol            string `json:"symbol"`
	Quantity          int64  `json:"quantity"`
	AutoSellDelaySecs int64  `json:"auto_sell_delay_secs"` // 0 = manual lot
}

// SellRequest is the JSON body for POST /sell. Quantity 0 sells all owned.
type SellRequest struct {
	UserID   string `json:"user_id"`
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
}

// TransferRequest is the JSON body for POST /transfer.
type TransferRequest struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// AmountRequest is the JSON body for POST /issue and POST /decrease.
type AmountRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// InstrumentRequest is the JSON body for POST /instruments.
type InstrumentRequest struct {
	Symbol             string          `json:"symbol"`
	Price              decimal.Decimal `json:"price"`
	UpdateIntervalSecs int64           `json:"update_interval_secs"`
	MinFluct           decimal.Decimal `json:"min_fluct"`
	MaxFluct           decimal.Decimal `json:"max_fluct"`
	NotifyTarget       string          `json:"notify_target,omitempty"`
	Issuer             string          `json:"issuer,omitempty"`
}

// --- Handlers ---

// Buy handles POST /api/v1/buy.
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	receipt, err := h.engine.Buy(r.Context(), req.UserID, req.Symbol, req.Quantity,
		time.Duration(req.AutoSellDelaySecs)*time.Second)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// Sell handles POST /api/v1/sell. Only manual lots are sellable here; auto
// lots belong to the scheduler.
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	receipt, err := h.engine.Sell(r.Context(), req.UserID, req.Symbol, req.Quantity, model.LotManual)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// Transfer handles POST /api/v1/transfer.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.From == "" || req.To == "" {
		writeError(w, "from and to are required", http.StatusBadRequest)
		return
	}

	if err := h.engine.Transfer(r.Context(), req.From, req.To, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Issue handles POST /api/v1/issue.
func (h *Handler) Issue(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if err := h.engine.Issue(r.Context(), req.UserID, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Decrease handles POST /api/v1/decrease.
func (h *Handler) Decrease(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if err := h.engine.Decrease(r.Context(), req.UserID, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Balance handles GET /api/v1/balance/{userID}.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	balance, err := h.engine.Balance(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"currency": model.Currency,
		"balance":  balance,
	})
}

// Holdings handles GET /api/v1/holdings/{userID}.
func (h *Handler) Holdings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	holdings, err := h.engine.Holdings(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if holdings == nil {
		holdings = []model.Holding{}
	}
	writeJSON(w, http.StatusOK, holdings)
}

// AllPrices handles GET /api/v1/prices.
func (h *Handler) AllPrices(w http.ResponseWriter, r *http.Request) {
	quotes, err := h.engine.AllPrices(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if quotes == nil {
		quotes = []model.Quote{}
	}
	writeJSON(w, http.StatusOK, quotes)
}

// PriceHistory handles GET /api/v1/instruments/{symbol}/history?limit=N.
// Used by the chart-rendering collaborator; returns [] when the symbol has
// no samples.
func (h *Handler) PriceHistory(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	samples, err := h.engine.PriceHistory(r.Context(), symbol, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if samples == nil {
		samples = []model.PriceSample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

// AddInstrument handles POST /api/v1/instruments.
func (h *Handler) AddInstrument(w http.ResponseWriter, r *http.Request) {
	var req InstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	inst := model.Instrument{
		Symbol:         req.Symbol,
		Price:          req.Price,
		UpdateInterval: time.Duration(req.UpdateIntervalSecs) * time.Second,
		MinFluct:       req.MinFluct,
		MaxFluct:       req.MaxFluct,
		NotifyTarget:   req.NotifyTarget,
		Issuer:         req.Issuer,
	}
	if err := h.engine.AddInstrument(r.Context(), inst); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"symbol": model.NormalizeSymbol(req.Symbol)})
}

// DeleteInstrument handles DELETE /api/v1/instruments/{symbol}.
func (h *Handler) DeleteInstrument(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	if err := h.engine.DeleteInstrument(r.Context(), symbol); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Response helpers ---

// writeEngineError maps the engine's typed failures to HTTP statuses. The
// error message carries the shortfall detail (required vs. available) that
// the engine attached.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrUnknownInstrument):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrInvalidQuantity), errors.Is(err, model.ErrInvalidAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrInsufficientHoldings),
		errors.Is(err, model.ErrNoSellableLots),
		errors.Is(err, model.ErrSelfTransfer):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, model.ErrLedgerInconsistency):
		// Transient concurrency anomaly: safe for the caller to retry.
		writeError(w, err.Error(), http.StatusConflict)
	default:
		// Persistence failure: retryable, never swallowed.
		writeError(w, model.ErrStoreUnavailable.Error(), http.StatusServiceUnavailable)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
