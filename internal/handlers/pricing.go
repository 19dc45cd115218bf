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

const maxCheckoutItems = 200

// PricingHandlers exposes the price calculators. The checkout summary is public; the full breakdown
// carries the platform commission and is limited to sellers and admins.
type PricingHandlers struct {
	authn   *auth.Authenticator
	pricing services.PricingService
	display *money.Formatter
}

// NewPricingHandlers constructs pricing handlers. display may be nil, in which case responses carry only
// the exact decimal figures.
func NewPricingHandlers(authn *auth.Authenticator, pricing services.PricingService, display *money.Formatter) *PricingHandlers {
	return &PricingHandlers{authn: authn, pricing: pricing, display: display}
}

// Routes registers the /pricing endpoints.
func (h *PricingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(requireRoles(h.authn, auth.RoleSeller, auth.RoleAdmin)).Post("/breakdown", h.breakdown)
	r.Post("/checkout-summary", h.checkoutSummary)
}

type priceBreakdownRequest struct {
	SellerSetPrice *decimal.Decimal `json:"seller_set_price"`
	TaxRate        *decimal.Decimal `json:"tax_rate"`
	Tier           string           `json:"tier"`
}

type priceBreakdownPayload struct {
	SellerSetPrice    decimal.Decimal `json:"seller_set_price"`
	BasePrice         decimal.Decimal `json:"base_price"`
	Commission        decimal.Decimal `json:"commission"`
	CommissionRate    decimal.Decimal `json:"commission_rate"`
	CommissionTier    string          `json:"commission_tier"`
	SubtotalBeforeTax decimal.Decimal `json:"subtotal_before_tax"`
	Tax               decimal.Decimal `json:"tax"`
	TaxRate           decimal.Decimal `json:"tax_rate"`
	FinalPrice        decimal.Decimal `json:"final_price"`
}

type priceBreakdownResponse struct {
	Breakdown priceBreakdownPayload `json:"breakdown"`
	Currency  string                `json:"currency,omitempty"`
	Display   map[string]string     `json:"display,omitempty"`
}

func (h *PricingHandlers) breakdown(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pricing == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pricing_service_unavailable", "pricing service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req priceBreakdownRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", err.Error(), http.StatusBadRequest))
		return
	}
	if req.SellerSetPrice == nil || req.TaxRate == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", "seller_set_price and tax_rate are required", http.StatusBadRequest))
		return
	}

	result, err := h.pricing.CalculatePriceBreakdown(*req.SellerSetPrice, *req.TaxRate, services.CommissionTier(strings.TrimSpace(req.Tier)))
	if err != nil {
		writePricingError(ctx, w, err)
		return
	}

	resp := priceBreakdownResponse{
		Breakdown: priceBreakdownPayload{
			SellerSetPrice:    result.SellerSetPrice,
			BasePrice:         result.BasePrice,
			Commission:        result.Commission,
			CommissionRate:    result.CommissionRate,
			CommissionTier:    string(result.CommissionTier),
			SubtotalBeforeTax: result.SubtotalBeforeTax,
			Tax:               result.Tax,
			TaxRate:           result.TaxRate,
			FinalPrice:        result.FinalPrice,
		},
	}
	if h.display != nil {
		resp.Currency = h.display.Currency()
		resp.Display = map[string]string{
			"base_price":          h.display.Format(result.BasePrice),
			"commission":          h.display.Format(result.Commission),
			"subtotal_before_tax": h.display.Format(result.SubtotalBeforeTax),
			"tax":                 h.display.Format(result.Tax),
			"final_price":         h.display.Format(result.FinalPrice),
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type checkoutItemRequest struct {
	ProductID      string           `json:"product_id"`
	Name           string           `json:"name"`
	DispensaryID   string           `json:"dispensary_id"`
	Quantity       int              `json:"quantity"`
	SellerSetPrice *decimal.Decimal `json:"seller_set_price"`
	Tier           string           `json:"tier"`
}

type checkoutSummaryRequest struct {
	Items        []checkoutItemRequest `json:"items"`
	ShippingCost *decimal.Decimal      `json:"shipping_cost"`
	TaxRate      *decimal.Decimal      `json:"tax_rate"`
}

type checkoutLinePayload struct {
	ProductID         string          `json:"product_id"`
	Name              string          `json:"name,omitempty"`
	DispensaryID      string          `json:"dispensary_id,omitempty"`
	Quantity          int             `json:"quantity"`
	Tier              string          `json:"tier"`
	SellerSetPrice    decimal.Decimal `json:"seller_set_price"`
	SubtotalBeforeTax decimal.Decimal `json:"subtotal_before_tax"`
	LineTotal         decimal.Decimal `json:"line_total"`
	DisplayLineTotal  string          `json:"display_line_total,omitempty"`
}

// checkoutSummaryResponse is customer-facing: seller earnings and platform commission stay internal.
type checkoutSummaryResponse struct {
	Items    []checkoutLinePayload `json:"items"`
	Subtotal decimal.Decimal       `json:"subtotal"`
	Shipping decimal.Decimal       `json:"shipping"`
	TaxRate  decimal.Decimal       `json:"tax_rate"`
	Tax      decimal.Decimal       `json:"tax"`
	Total    decimal.Decimal       `json:"total"`
	Currency string                `json:"currency,omitempty"`
	Display  map[string]string     `json:"display,omitempty"`
}

func (h *PricingHandlers) checkoutSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pricing == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pricing_service_unavailable", "pricing service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req checkoutSummaryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", err.Error(), http.StatusBadRequest))
		return
	}
	if len(req.Items) > maxCheckoutItems {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", "too many items", http.StatusBadRequest))
		return
	}
	if req.TaxRate == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", "tax_rate is required", http.StatusBadRequest))
		return
	}
	shipping := decimal.Zero
	if req.ShippingCost != nil {
		shipping = *req.ShippingCost
	}

	items := make([]services.CheckoutItem, 0, len(req.Items))
	for _, item := range req.Items {
		if item.SellerSetPrice == nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", "seller_set_price is required for every item", http.StatusBadRequest))
			return
		}
		items = append(items, services.CheckoutItem{
			ProductID:      strings.TrimSpace(item.ProductID),
			Name:           strings.TrimSpace(item.Name),
			DispensaryID:   strings.TrimSpace(item.DispensaryID),
			Quantity:       item.Quantity,
			SellerSetPrice: *item.SellerSetPrice,
			Tier:           services.CommissionTier(strings.TrimSpace(item.Tier)),
		})
	}

	summary, err := h.pricing.CalculateCheckoutSummary(items, shipping, *req.TaxRate)
	if err != nil {
		writePricingError(ctx, w, err)
		return
	}

	resp := checkoutSummaryResponse{
		Items:    make([]checkoutLinePayload, 0, len(summary.Items)),
		Subtotal: summary.Subtotal,
		Shipping: summary.Shipping,
		TaxRate:  summary.TaxRate,
		Tax:      summary.Tax,
		Total:    summary.Total,
	}
	for _, line := range summary.Items {
		payload := checkoutLinePayload{
			ProductID:         line.ProductID,
			Name:              line.Name,
			DispensaryID:      line.DispensaryID,
			Quantity:          line.Quantity,
			Tier:              string(line.Tier),
			SellerSetPrice:    line.SellerSetPrice,
			SubtotalBeforeTax: line.SubtotalBeforeTax,
			LineTotal:         line.LineTotal,
		}
		if h.display != nil {
			payload.DisplayLineTotal = h.display.Format(line.LineTotal)
		}
		resp.Items = append(resp.Items, payload)
	}
	if h.display != nil {
		resp.Currency = h.display.Currency()
		resp.Display = map[string]string{
			"subtotal": h.display.Format(summary.Subtotal),
			"shipping": h.display.Format(summary.Shipping),
			"tax":      h.display.Format(summary.Tax),
			"total":    h.display.Format(summary.Total),
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func writePricingError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrPricingInvalidArgument):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("pricing_error", "failed to calculate price", http.StatusInternalServerError))
	}
}
