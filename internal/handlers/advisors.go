package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/impimediavillage/marketplace/internal/platform/auth"
	"github.com/impimediavillage/marketplace/internal/platform/httpx"
	"github.com/impimediavillage/marketplace/internal/services"
)

// AdvisorHandlers exposes paid AI advisor interactions.
type AdvisorHandlers struct {
	authn      *auth.Authenticator
	advisors   services.AdvisorService
	idempotent func(http.Handler) http.Handler
	limiter    rateLimiter
}

// AdvisorOption customises advisor handlers.
type AdvisorOption func(*AdvisorHandlers)

// WithAdvisorRateLimit caps model calls per user. Zero disables the limit.
func WithAdvisorRateLimit(perMinute, burst int) AdvisorOption {
	return func(h *AdvisorHandlers) {
		h.limiter = newKeyedRateLimiter(perMinute, burst, nil)
	}
}

// NewAdvisorHandlers constructs advisor handlers.
func NewAdvisorHandlers(authn *auth.Authenticator, advisors services.AdvisorService, idempotent func(http.Handler) http.Handler, opts ...AdvisorOption) *AdvisorHandlers {
	h := &AdvisorHandlers{authn: authn, advisors: advisors, idempotent: idempotent}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /advisors endpoints.
func (h *AdvisorHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(requireRoles(h.authn), rateLimited(h.limiter), orPassthrough(h.idempotent)).Post("/{slug}:ask", h.ask)
}

type askAdvisorRequest struct {
	Prompt string `json:"prompt"`
}

type askAdvisorResponse struct {
	Advisor        string `json:"advisor"`
	Answer         string `json:"answer"`
	Model          string `json:"model,omitempty"`
	WasFree        bool   `json:"was_free"`
	CreditsCharged int64  `json:"credits_charged"`
	Balance        int64  `json:"balance"`
	FreeRemaining  int    `json:"free_remaining"`
}

func (h *AdvisorHandlers) ask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.advisors == nil {
		httpx.WriteError(ctx, w, httpx.NewError("advisor_service_unavailable", "advisor service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req askAdvisorRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", err.Error(), http.StatusBadRequest))
		return
	}
	answer, err := h.advisors.Ask(ctx, services.AskAdvisorCommand{
		UserID:  identity.UID,
		Advisor: strings.TrimSpace(chi.URLParam(r, "slug")),
		Prompt:  req.Prompt,
	})
	if err != nil {
		writeAdvisorError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, askAdvisorResponse{
		Advisor:        answer.Advisor,
		Answer:         answer.Answer,
		Model:          answer.Model,
		WasFree:        answer.WasFree,
		CreditsCharged: answer.CreditsCharged,
		Balance:        answer.Balance,
		FreeRemaining:  answer.FreeRemaining,
	})
}

func writeAdvisorError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrAdvisorInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrAdvisorNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("advisor_not_found", "advisor not found", http.StatusNotFound))
	case errors.Is(err, services.ErrAdvisorUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("advisor_unavailable", "advisor unavailable, no credits were charged", http.StatusBadGateway))
	default:
		writeCreditError(ctx, w, err)
	}
}
