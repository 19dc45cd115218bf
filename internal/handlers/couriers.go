package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/impimediavillage/marketplace/internal/platform/auth"
	"github.com/impimediavillage/marketplace/internal/platform/httpx"
	"github.com/impimediavillage/marketplace/internal/platform/money"
	"github.com/impimediavillage/marketplace/internal/services"
)

// CourierHandlers exposes courier rate quotes.
type CourierHandlers struct {
	authn    *auth.Authenticator
	couriers services.CourierService
	display  *money.Formatter
}

// NewCourierHandlers constructs courier handlers.
func NewCourierHandlers(authn *auth.Authenticator, couriers services.CourierService, display *money.Formatter) *CourierHandlers {
	return &CourierHandlers{authn: authn, couriers: couriers, display: display}
}

// Routes registers the /couriers endpoints.
func (h *CourierHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(requireRoles(h.authn)).Post("/{provider}/rates", h.quote)
}

type quoteRequest struct {
	Origin        addressRequest   `json:"origin"`
	Destination   addressRequest   `json:"destination"`
	Parcels       []parcelRequest  `json:"parcels"`
	DeclaredValue *decimal.Decimal `json:"declared_value"`
}

type ratePayload struct {
	Provider      string          `json:"provider"`
	RateID        string          `json:"rate_id"`
	ServiceLevel  string          `json:"service_level"`
	Description   string          `json:"description,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	DisplayAmount string          `json:"display_amount,omitempty"`
	EstimatedDays int             `json:"estimated_days,omitempty"`
}

func (h *CourierHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.couriers == nil {
		httpx.WriteError(ctx, w, httpx.NewError("courier_service_unavailable", "courier service unavailable", http.StatusServiceUnavailable))
		return
	}
	if _, ok := requireIdentity(ctx, w); !ok {
		return
	}

	var req quoteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", err.Error(), http.StatusBadRequest))
		return
	}
	cmd := services.CourierQuoteCommand{
		Provider:    strings.TrimSpace(chi.URLParam(r, "provider")),
		Origin:      req.Origin.toCourier(),
		Destination: req.Destination.toCourier(),
		Parcels:     toCourierParcels(req.Parcels),
	}
	if req.DeclaredValue != nil {
		cmd.DeclaredValue = *req.DeclaredValue
	}

	rates, err := h.couriers.Quote(ctx, cmd)
	if err != nil {
		writeCourierError(ctx, w, err)
		return
	}
	items := make([]ratePayload, 0, len(rates))
	for _, rate := range rates {
		item := ratePayload{
			Provider:      rate.Provider,
			RateID:        rate.RateID,
			ServiceLevel:  rate.ServiceLevel,
			Description:   rate.Description,
			Amount:        rate.Amount,
			Currency:      rate.Currency,
			EstimatedDays: rate.EstimatedDays,
		}
		// Couriers may quote in another currency; only format amounts we can label correctly.
		if h.display != nil && strings.EqualFold(rate.Currency, h.display.Currency()) {
			item.DisplayAmount = h.display.Format(rate.Amount)
		}
		items = append(items, item)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"rates": items})
}

func writeCourierError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCourierInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCourierUnsupported):
		httpx.WriteError(ctx, w, httpx.NewError("courier_unsupported", "courier provider not supported", http.StatusNotFound))
	case errors.Is(err, services.ErrCourierUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("courier_unavailable", "courier service unavailable, try again", http.StatusBadGateway))
	default:
		writeShipmentError(ctx, w, err)
	}
}
