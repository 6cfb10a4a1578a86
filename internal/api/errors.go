package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/ledger"
	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/order"
	"github.com/atmx/portfolio-ledger/internal/store"
)

// ErrorResponse is the JSON error body. The optional fields carry the
// details of state and resource errors.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Current   model.OrderStatus `json:"current,omitempty"`
	Resource  string            `json:"resource,omitempty"`
	Required  *decimal.Decimal  `json:"required,omitempty"`
	Available *decimal.Decimal  `json:"available,omitempty"`
	Shortfall *decimal.Decimal  `json:"shortfall,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeErrorBody(w, status, ErrorResponse{Error: message})
}

func writeErrorBody(w http.ResponseWriter, status int, body ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeDomainError maps the engine's error taxonomy to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		ve    *order.ValidationError
		state *order.InvalidStateTransitionError
		short *ledger.InsufficientResourcesError
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, ve.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrNegativeAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	case errors.As(err, &state):
		writeErrorBody(w, http.StatusConflict, ErrorResponse{
			Error:   state.Error(),
			Current: state.Current,
		})
	case errors.As(err, &short):
		writeErrorBody(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:     short.Error(),
			Resource:  short.Resource,
			Required:  &short.Required,
			Available: &short.Available,
			Shortfall: &short.Shortfall,
		})
	case errors.Is(err, store.ErrConflict):
		w.Header().Set("Retry-After", "1")
		writeError(w, "transaction conflict, retry later", http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, "request timed out", http.StatusGatewayTimeout)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
