package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/impimediavillage/marketplace/internal/platform/auth"
	"github.com/impimediavillage/marketplace/internal/platform/httpx"
	"github.com/impimediavillage/marketplace/internal/platform/pagination"
	"github.com/impimediavillage/marketplace/internal/services"
)

// CreditHandlers exposes the caller's credit balance, ledger history and credit purchases.
type CreditHandlers struct {
	authn      *auth.Authenticator
	credits    services.CreditLedgerService
	idempotent func(http.Handler) http.Handler
}

// NewCreditHandlers constructs credit handlers.
func NewCreditHandlers(authn *auth.Authenticator, credits services.CreditLedgerService, idempotent func(http.Handler) http.Handler) *CreditHandlers {
	return &CreditHandlers{authn: authn, credits: credits, idempotent: idempotent}
}

// Routes registers /credits and /credits:purchase on the API router.
func (h *CreditHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(requireRoles(h.authn)).Get("/credits", h.getCredits)
	r.With(requireRoles(h.authn), orPassthrough(h.idempotent)).Post("/credits:purchase", h.purchase)
}

type creditEntryPayload struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Amount       int64          `json:"amount"`
	WasFree      bool           `json:"was_free"`
	BalanceAfter int64          `json:"balance_after"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

type creditsResponse struct {
	Balance       int64                `json:"balance"`
	UpdatedAt     string               `json:"updated_at,omitempty"`
	Entries       []creditEntryPayload `json:"entries"`
	NextPageToken string               `json:"next_page_token,omitempty"`
}

func (h *CreditHandlers) getCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.credits == nil {
		httpx.WriteError(ctx, w, httpx.NewError("credit_service_unavailable", "credit service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", err.Error(), http.StatusBadRequest))
		return
	}

	balance, err := h.credits.Balance(ctx, identity.UID)
	if err != nil {
		writeCreditError(ctx, w, err)
		return
	}
	page, err := h.credits.History(ctx, services.CreditHistoryQuery{
		UserID:    identity.UID,
		PageSize:  params.PageSize,
		PageToken: strings.TrimSpace(r.URL.Query().Get("pageToken")),
	})
	if err != nil {
		writeCreditError(ctx, w, err)
		return
	}

	resp := creditsResponse{
		Balance:       balance.Balance,
		UpdatedAt:     formatTime(balance.UpdatedAt),
		Entries:       make([]creditEntryPayload, 0, len(page.Entries)),
		NextPageToken: page.NextPageToken,
	}
	for _, entry := range page.Entries {
		resp.Entries = append(resp.Entries, creditEntryPayload{
			ID:           entry.ID,
			Kind:         string(entry.Kind),
			Amount:       entry.Amount,
			WasFree:      entry.WasFree,
			BalanceAfter: entry.BalanceAfter,
			Metadata:     entry.Metadata,
			CreatedAt:    formatTime(entry.CreatedAt),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type purchaseCreditsRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
}

func (h *CreditHandlers) purchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.credits == nil {
		httpx.WriteError(ctx, w, httpx.NewError("credit_service_unavailable", "credit service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req purchaseCreditsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", err.Error(), http.StatusBadRequest))
		return
	}
	balance, err := h.credits.GrantFromPayment(ctx, services.GrantCreditsCommand{
		UserID:          identity.UID,
		PaymentIntentID: strings.TrimSpace(req.PaymentIntentID),
	})
	if err != nil {
		writeCreditError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"balance":    balance.Balance,
		"updated_at": formatTime(balance.UpdatedAt),
	})
}

func writeCreditError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCreditInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCreditInsufficientBalance):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_balance", "insufficient credits", http.StatusPaymentRequired))
	case errors.Is(err, services.ErrCreditAlreadyApplied):
		httpx.WriteError(ctx, w, httpx.NewError("credit_already_applied", "payment already applied", http.StatusConflict))
	case errors.Is(err, services.ErrCreditPaymentNotSettled):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_settled", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCreditRetryTransaction):
		httpx.WriteError(ctx, w, httpx.NewError("retry_transaction", "system error, try again", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("credit_error", "failed to process credit request", http.StatusInternalServerError))
	}
}
