// Package api exposes the ledger engine over HTTP: order lifecycle, wallet
// maintenance, inventory, trade history, valuation and the ratio solver.
//
// All monetary values use shopspring/decimal and are encoded as JSON strings.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/ledger"
	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/order"
	"github.com/atmx/portfolio-ledger/internal/ratio"
	"github.com/atmx/portfolio-ledger/internal/store"
	"github.com/atmx/portfolio-ledger/internal/valuation"
)

// Handler serves the ledger routes.
type Handler struct {
	orders    *order.Manager
	book      *ledger.Book
	valuation *valuation.Service
}

// NewHandler creates a Handler.
func NewHandler(orders *order.Manager, book *ledger.Book, val *valuation.Service) *Handler {
	return &Handler{orders: orders, book: book, valuation: val}
}

// Mount registers every route on r, which is expected to be the /api/v1
// sub-router.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/solve", Solve)

	r.Route("/ledgers/{ledgerID}", func(r chi.Router) {
		r.Post("/orders", h.CreateOrder)
		r.Get("/orders", h.ListOrders)
		r.Get("/orders/actionable", h.ActionableOrders)
		r.Get("/orders/{orderID}", h.GetOrder)
		r.Post("/orders/{orderID}/cancel", h.CancelOrder)
		r.Post("/orders/{orderID}/execute", h.ExecuteOrder)

		r.Get("/wallet", h.GetWallet)
		r.Put("/wallet/{currency}", h.SetBalance)
		r.Post("/wallet/{currency}/adjust", h.AdjustBalance)

		r.Get("/lots", h.ListLots)
		r.Get("/trades", h.ListTrades)
		r.Get("/portfolio", h.GetPortfolio)
	})
}

// --- Request types ---

// BalanceRequest is the JSON body for PUT /wallet/{currency}.
type BalanceRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// AdjustRequest is the JSON body for POST /wallet/{currency}/adjust.
// Negative deltas withdraw.
type AdjustRequest struct {
	Delta decimal.Decimal `json:"delta"`
}

// SolveRequest is the JSON body for POST /solve. An omitted fraction means
// the whole budget.
type SolveRequest struct {
	Budget   decimal.Decimal `json:"budget"`
	Fraction decimal.Decimal `json:"fraction"`
	Price    decimal.Decimal `json:"price"`
}

// SolveResponse adds the declared tolerance to the solver result.
type SolveResponse struct {
	ratio.Result
	Tolerance decimal.Decimal `json:"tolerance"`
}

// --- Orders ---

// CreateOrder handles POST /ledgers/{ledgerID}/orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req order.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	// Accept lower-case enums; anything unknown is left for validation.
	if t, err := model.ParseOrderType(string(req.Type)); err == nil {
		req.Type = t
	}
	if c, err := model.ParseCurrency(string(req.Currency)); err == nil {
		req.Currency = c
	}

	o, err := h.orders.Create(r.Context(), ledgerID(r), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListOrders handles GET /ledgers/{ledgerID}/orders
// Optional filters: ?status=, ?type=, ?item=, ?limit=, ?offset=.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f model.OrderFilter
	if s := q.Get("status"); s != "" {
		st, err := model.ParseOrderStatus(s)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Status = st
	}
	if s := q.Get("type"); s != "" {
		t, err := model.ParseOrderType(s)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Type = t
	}
	f.ItemID = q.Get("item")

	var err error
	if f.Limit, f.Offset, err = pageParams(r); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	page, err := h.orders.List(r.Context(), ledgerID(r), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ActionableOrders handles GET /ledgers/{ledgerID}/orders/actionable
func (h *Handler) ActionableOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.Actionable(r.Context(), ledgerID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder handles GET /ledgers/{ledgerID}/orders/{orderID}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), ledgerID(r), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles POST /ledgers/{ledgerID}/orders/{orderID}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Cancel(r.Context(), ledgerID(r), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ExecuteOrder handles POST /ledgers/{ledgerID}/orders/{orderID}/execute
// The body is optional; without it the order fills at its targets.
func (h *Handler) ExecuteOrder(w http.ResponseWriter, r *http.Request) {
	var req order.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.orders.Execute(r.Context(), ledgerID(r), chi.URLParam(r, "orderID"), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Wallet ---

// GetWallet handles GET /ledgers/{ledgerID}/wallet
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.book.Wallet(r.Context(), ledgerID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// SetBalance handles PUT /ledgers/{ledgerID}/wallet/{currency}
func (h *Handler) SetBalance(w http.ResponseWriter, r *http.Request) {
	c, err := model.ParseCurrency(chi.URLParam(r, "currency"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req BalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	b, err := h.book.SetBalance(r.Context(), ledgerID(r), c, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// AdjustBalance handles POST /ledgers/{ledgerID}/wallet/{currency}/adjust
func (h *Handler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	c, err := model.ParseCurrency(chi.URLParam(r, "currency"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	b, err := h.book.AdjustBalance(r.Context(), ledgerID(r), c, req.Delta)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// --- Inventory, history, valuation ---

// ListLots handles GET /ledgers/{ledgerID}/lots
// Returns every open lot, or only those of ?item=<itemID>.
func (h *Handler) ListLots(w http.ResponseWriter, r *http.Request) {
	lots, err := h.book.Lots(r.Context(), ledgerID(r), r.URL.Query().Get("item"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if lots == nil {
		lots = []model.Lot{}
	}
	writeJSON(w, http.StatusOK, lots)
}

// ListTrades handles GET /ledgers/{ledgerID}/trades
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	trades, err := h.orders.Trades(r.Context(), ledgerID(r), limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetPortfolio handles GET /ledgers/{ledgerID}/portfolio
// Returns per-lot P&L and net worth in the reference currency.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.valuation.Portfolio(r.Context(), ledgerID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Solve handles POST /solve. It is stateless.
func Solve(w http.ResponseWriter, r *http.Request) {
	var req SolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Budget.IsNegative() {
		writeError(w, "budget must not be negative", http.StatusBadRequest)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	if req.Fraction.IsZero() {
		req.Fraction = decimal.NewFromInt(1)
	}

	res := ratio.Solve(req.Budget, req.Fraction, req.Price)
	writeJSON(w, http.StatusOK, SolveResponse{Result: res, Tolerance: res.Tolerance()})
}

// --- Helpers ---

func ledgerID(r *http.Request) string {
	return chi.URLParam(r, "ledgerID")
}

func pageParams(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil {
			return 0, 0, errors.New("limit must be an integer")
		}
	}
	if s := q.Get("offset"); s != "" {
		if offset, err = strconv.Atoi(s); err != nil {
			return 0, 0, errors.New("offset must be an integer")
		}
	}
	limit, offset = store.NormalizePage(limit, offset)
	return limit, offset, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
