package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/impimediavillage/marketplace/internal/platform/auth"
	"github.com/impimediavillage/marketplace/internal/platform/httpx"
	"github.com/impimediavillage/marketplace/internal/platform/requestctx"
	"github.com/impimediavillage/marketplace/internal/services"
)

// InternalHandlers serves endpoints invoked by platform infrastructure such as Pub/Sub push subscriptions.
// Authentication (OIDC push tokens) is applied by the router's internal middleware group.
type InternalHandlers struct {
	shipments services.ShipmentService
	couriers  services.CourierRegistry
	sanitize  func(string) string
}

// NewInternalHandlers constructs internal handlers. couriers may be nil when every message carries a
// lifecycle status rather than a courier status.
func NewInternalHandlers(shipments services.ShipmentService, couriers services.CourierRegistry, sanitize func(string) string) *InternalHandlers {
	return &InternalHandlers{shipments: shipments, couriers: couriers, sanitize: sanitize}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/tracking:push", h.trackingPush)
}

type pushEnvelope struct {
	Message struct {
		Data        string            `json:"data"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
		Attributes  map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// trackingPush acknowledges (2xx) everything that can never succeed so Pub/Sub stops redelivering, and
// answers 5xx only for transient failures.
func (h *InternalHandlers) trackingPush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipment_service_unavailable", "shipment service unavailable", http.StatusServiceUnavailable))
		return
	}
	logger := requestctx.Logger(ctx)
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc != nil {
		logger = logger.With(zap.String("pushSubject", svc.Subject))
	}

	// Pub/Sub adds envelope fields over time (deliveryAttempt, snake_case duplicates), so unknown keys
	// are tolerated here.
	var envelope pushEnvelope
	if err := json.NewDecoder(io.LimitReader(r.Body, maxTrackingBody)).Decode(&envelope); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", err.Error(), http.StatusBadRequest))
		return
	}
	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil || len(data) == 0 {
		logger.Warn("tracking push dropped: undecodable data", zap.String("messageId", envelope.Message.MessageID))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	var event trackingEvent
	if err := decodeTrackingEvent(bytes.NewReader(data), &event); err != nil {
		logger.Warn("tracking push dropped: invalid payload", zap.String("messageId", envelope.Message.MessageID), zap.Error(err))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if event.Provider == "" {
		event.Provider = envelope.Message.Attributes["provider"]
	}

	status, ok := h.resolveStatus(event)
	if !ok {
		logger.Info("tracking push ignored: unmapped status",
			zap.String("messageId", envelope.Message.MessageID),
			zap.String("provider", event.Provider),
			zap.String("rawStatus", event.Status))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	provider := strings.ToLower(strings.TrimSpace(event.Provider))
	update := buildTrackingUpdate(event, provider, status, h.sanitize)
	update.Source = "pubsub"
	if provider != "" {
		update.Source = "pubsub:" + provider
	}
	if envelope.Message.MessageID != "" {
		update.Details["messageId"] = envelope.Message.MessageID
	}

	result, err := h.shipments.ApplyTrackingUpdate(ctx, update)
	if err != nil {
		if reason, permanent := classifyTrackingError(err); permanent {
			logger.Warn("tracking push rejected",
				zap.String("messageId", envelope.Message.MessageID),
				zap.String("shipmentId", update.ShipmentID),
				zap.String("reason", reason),
				zap.Error(err))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeShipmentError(ctx, w, err)
		return
	}
	logTrackingOutcome(ctx, update.Source, update, result)
	w.WriteHeader(http.StatusNoContent)
}

// resolveStatus maps a courier status through the named provider, or accepts a lifecycle status as-is
// when the message names no provider.
func (h *InternalHandlers) resolveStatus(event trackingEvent) (services.ShipmentStatus, bool) {
	if strings.TrimSpace(event.Provider) != "" && h.couriers != nil {
		provider, err := h.couriers.Provider(event.Provider)
		if err != nil {
			return "", false
		}
		return provider.MapStatus(event.Status)
	}
	status, err := services.ParseShipmentStatus(event.Status)
	if err != nil {
		return "", false
	}
	return status, true
}
