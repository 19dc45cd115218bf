package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/impimediavillage/marketplace/internal/platform/httpx"
	"github.com/impimediavillage/marketplace/internal/platform/requestctx"
	"github.com/impimediavillage/marketplace/internal/platform/textutil"
	"github.com/impimediavillage/marketplace/internal/services"
)

const (
	maxTrackingDetails   = 16
	maxTrackingBody      = 256 << 10
	trackingSourcePrefix = "courier:"
)

// CourierProviderParam extracts the courier name from webhook routes. It is passed to the signature
// verifier so the right HMAC secret is selected.
func CourierProviderParam(r *http.Request) string {
	return chi.URLParam(r, "provider")
}

// WebhookHandlers accepts signed tracking callbacks from courier APIs.
type WebhookHandlers struct {
	shipments services.ShipmentService
	couriers  services.CourierRegistry
	signature func(http.Handler) http.Handler
	sanitize  func(string) string
}

// NewWebhookHandlers constructs webhook handlers. signature must verify the courier HMAC; it runs after
// routing so the provider path parameter is available.
func NewWebhookHandlers(shipments services.ShipmentService, couriers services.CourierRegistry, signature func(http.Handler) http.Handler, sanitize func(string) string) *WebhookHandlers {
	return &WebhookHandlers{
		shipments: shipments,
		couriers:  couriers,
		signature: signature,
		sanitize:  sanitize,
	}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(orPassthrough(h.signature)).Post("/couriers/{provider}", h.courierTracking)
}

// trackingEvent is the payload couriers post and the body of Pub/Sub tracking messages. Reference is
// the shipment ID sent as customer_reference when the label was booked.
type trackingEvent struct {
	Provider       string            `json:"provider,omitempty"`
	Reference      string            `json:"reference"`
	TrackingNumber string            `json:"tracking_number,omitempty"`
	Status         string            `json:"status"`
	OccurredAt     *time.Time        `json:"occurred_at,omitempty"`
	EventID        string            `json:"event_id,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

type trackingResponse struct {
	Result   string `json:"result"`
	Shipment string `json:"shipment_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (h *WebhookHandlers) courierTracking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipments == nil || h.couriers == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipment_service_unavailable", "shipment service unavailable", http.StatusServiceUnavailable))
		return
	}
	providerName := strings.ToLower(strings.TrimSpace(CourierProviderParam(r)))
	provider, err := h.couriers.Provider(providerName)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("courier_unsupported", "courier provider not supported", http.StatusNotFound))
		return
	}

	var event trackingEvent
	if err := decodeTrackingEvent(r.Body, &event); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", err.Error(), http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(event.Reference) == "" || strings.TrimSpace(event.Status) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", "reference and status are required", http.StatusBadRequest))
		return
	}

	status, ok := provider.MapStatus(event.Status)
	if !ok {
		// Statuses without a lifecycle equivalent are acknowledged so the courier stops retrying.
		requestctx.Logger(ctx).Info("courier status ignored",
			zap.String("provider", providerName),
			zap.String("shipmentId", event.Reference),
			zap.String("rawStatus", event.Status))
		httpx.WriteJSON(w, http.StatusAccepted, trackingResponse{Result: "ignored", Shipment: event.Reference, Reason: "unmapped_status"})
		return
	}

	update := buildTrackingUpdate(event, providerName, status, h.sanitize)
	result, err := h.shipments.ApplyTrackingUpdate(ctx, update)
	if err != nil {
		if outcome, permanent := classifyTrackingError(err); permanent {
			requestctx.Logger(ctx).Warn("courier tracking update rejected",
				zap.String("provider", providerName),
				zap.String("shipmentId", update.ShipmentID),
				zap.String("status", string(status)),
				zap.Error(err))
			if outcome == "shipment_not_found" {
				writeShipmentError(ctx, w, err)
				return
			}
			httpx.WriteJSON(w, http.StatusAccepted, trackingResponse{Result: "rejected", Shipment: update.ShipmentID, Status: string(status), Reason: outcome})
			return
		}
		writeShipmentError(ctx, w, err)
		return
	}
	logTrackingOutcome(ctx, update.Source, update, result)
	httpx.WriteJSON(w, http.StatusOK, trackingResponse{
		Result:   trackingResult(result),
		Shipment: result.Shipment.ID,
		Status:   string(result.Shipment.Status),
	})
}

// decodeTrackingEvent tolerates fields it does not know; couriers add attributes without notice.
func decodeTrackingEvent(body io.Reader, dst *trackingEvent) error {
	if body == nil {
		return fmt.Errorf("%w: empty body", httpx.ErrInvalidBody)
	}
	data, err := io.ReadAll(io.LimitReader(body, maxTrackingBody))
	if err != nil {
		return fmt.Errorf("%w: %v", httpx.ErrInvalidBody, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty body", httpx.ErrInvalidBody)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", httpx.ErrInvalidBody, err)
	}
	return nil
}

func buildTrackingUpdate(event trackingEvent, provider string, status services.ShipmentStatus, sanitize func(string) string) services.TrackingUpdate {
	details := textutil.NormalizeDetails(event.Attributes, maxTrackingDetails, sanitize)
	if details == nil {
		details = map[string]any{}
	}
	if tracking := strings.TrimSpace(event.TrackingNumber); tracking != "" {
		details["trackingNumber"] = tracking
	}
	if id := strings.TrimSpace(event.EventID); id != "" {
		details["eventId"] = id
	}
	update := services.TrackingUpdate{
		ShipmentID: strings.TrimSpace(event.Reference),
		Provider:   provider,
		Status:     status,
		RawStatus:  strings.TrimSpace(event.Status),
		Source:     trackingSourcePrefix + provider,
		Details:    details,
	}
	if event.OccurredAt != nil {
		update.OccurredAt = *event.OccurredAt
	}
	return update
}

// classifyTrackingError separates updates that can never apply from transient failures worth a retry.
func classifyTrackingError(err error) (string, bool) {
	switch {
	case errors.Is(err, services.ErrShipmentInvalidTransition):
		return "invalid_transition", true
	case errors.Is(err, services.ErrShipmentUnknownStatus):
		return "unknown_status", true
	case errors.Is(err, services.ErrShipmentInvalidInput):
		return "invalid_argument", true
	case errors.Is(err, services.ErrShipmentNotFound):
		return "shipment_not_found", true
	default:
		return "", false
	}
}

func trackingResult(result services.TrackingUpdateResult) string {
	switch {
	case result.Duplicate:
		return "duplicate"
	case result.PendingConfirmation:
		return "pending_confirmation"
	case result.Applied:
		return "applied"
	default:
		return "noop"
	}
}

func logTrackingOutcome(ctx context.Context, source string, update services.TrackingUpdate, result services.TrackingUpdateResult) {
	requestctx.Logger(ctx).Info("tracking update processed",
		zap.String("source", source),
		zap.String("shipmentId", update.ShipmentID),
		zap.String("status", string(update.Status)),
		zap.String("result", trackingResult(result)))
}
