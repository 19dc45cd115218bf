package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/impimediavillage/marketplace/internal/platform/auth"
	"github.com/impimediavillage/marketplace/internal/platform/httpx"
	"github.com/impimediavillage/marketplace/internal/services"
)

// ShipmentHandlers exposes shipment lifecycle endpoints.
type ShipmentHandlers struct {
	authn      *auth.Authenticator
	shipments  services.ShipmentService
	couriers   services.CourierService
	idempotent func(http.Handler) http.Handler
}

// NewShipmentHandlers constructs shipment handlers. idempotent wraps the label endpoint, which books a
// consignment at the courier; nil leaves it unwrapped.
func NewShipmentHandlers(authn *auth.Authenticator, shipments services.ShipmentService, couriers services.CourierService, idempotent func(http.Handler) http.Handler) *ShipmentHandlers {
	return &ShipmentHandlers{
		authn:      authn,
		shipments:  shipments,
		couriers:   couriers,
		idempotent: idempotent,
	}
}

// Routes registers the /shipments endpoints.
func (h *ShipmentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/statuses", h.listStatuses)
	r.With(requireRoles(h.authn, auth.RoleSeller, auth.RoleDriver, auth.RoleAdmin)).Get("/", h.listShipments)
	r.With(requireRoles(h.authn, auth.RoleSeller, auth.RoleDriver, auth.RoleAdmin)).Get("/{shipmentID}", h.getShipment)
	r.With(requireRoles(h.authn, auth.RoleSeller, auth.RoleAdmin)).Post("/", h.createShipment)
	r.With(requireRoles(h.authn, auth.RoleSeller, auth.RoleDriver, auth.RoleAdmin)).Post("/{shipmentID}:transition", h.transitionShipment)
	r.With(requireRoles(h.authn, auth.RoleSeller, auth.RoleAdmin), orPassthrough(h.idempotent)).Post("/{shipmentID}:label", h.generateLabel)
}

type shipmentStatusPayload struct {
	Status               string   `json:"status"`
	Label                string   `json:"label"`
	Description          string   `json:"description"`
	Mode                 string   `json:"mode,omitempty"`
	Terminal             bool     `json:"terminal"`
	RequiresConfirmation bool     `json:"requires_confirmation"`
	AllowedNext          []string `json:"allowed_next"`
}

func (h *ShipmentHandlers) listStatuses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipment_service_unavailable", "shipment service unavailable", http.StatusServiceUnavailable))
		return
	}
	infos := h.shipments.Describe()
	items := make([]shipmentStatusPayload, 0, len(infos))
	for _, info := range infos {
		items = append(items, shipmentStatusPayload{
			Status:               string(info.Status),
			Label:                info.Label,
			Description:          info.Description,
			Mode:                 string(info.Mode),
			Terminal:             info.Terminal,
			RequiresConfirmation: info.RequiresConfirmation,
			AllowedNext:          statusStrings(info.AllowedNext),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"statuses": items})
}

func (h *ShipmentHandlers) getShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipment_service_unavailable", "shipment service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	shipmentID := strings.TrimSpace(chi.URLParam(r, "shipmentID"))
	if shipmentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", "shipment id is required", http.StatusBadRequest))
		return
	}

	shipment, err := h.shipments.Get(ctx, shipmentID)
	if err != nil {
		writeShipmentError(ctx, w, err)
		return
	}
	if !canOperateShipment(identity, shipment) {
		writePermissionDenied(ctx, w)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, shipmentResponse{Shipment: buildShipmentPayload(shipment, h.shipments.AllowedNext(shipment))})
}

// listShipments returns the shipments of one order that the caller may operate.
func (h *ShipmentHandlers) listShipments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipment_service_unavailable", "shipment service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID := strings.TrimSpace(r.URL.Query().Get("order_id"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", "order_id is required", http.StatusBadRequest))
		return
	}

	shipments, err := h.shipments.ListByOrder(ctx, orderID)
	if err != nil {
		writeShipmentError(ctx, w, err)
		return
	}
	items := make([]shipmentPayload, 0, len(shipments))
	for _, shipment := range shipments {
		if !canOperateShipment(identity, shipment) {
			continue
		}
		items = append(items, buildShipmentPayload(shipment, h.shipments.AllowedNext(shipment)))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"shipments": items})
}

type createShipmentRequest struct {
	OrderID      string `json:"order_id"`
	DispensaryID string `json:"dispensary_id"`
	Mode         string `json:"mode"`
}

func (h *ShipmentHandlers) createShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipment_service_unavailable", "shipment service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req createShipmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", err.Error(), http.StatusBadRequest))
		return
	}
	dispensaryID := strings.TrimSpace(req.DispensaryID)
	if !identity.HasRole(auth.RoleAdmin) {
		if dispensaryID == "" {
			dispensaryID = identity.DispensaryID
		}
		if dispensaryID == "" || dispensaryID != identity.DispensaryID {
			writePermissionDenied(ctx, w)
			return
		}
	}

	shipment, err := h.shipments.Create(ctx, services.CreateShipmentCommand{
		OrderID:      strings.TrimSpace(req.OrderID),
		DispensaryID: dispensaryID,
		Mode:         services.DeliveryMode(strings.ToLower(strings.TrimSpace(req.Mode))),
		ActorID:      identity.UID,
	})
	if err != nil {
		writeShipmentError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, shipmentResponse{Shipment: buildShipmentPayload(shipment, h.shipments.AllowedNext(shipment))})
}

type transitionShipmentRequest struct {
	Status    string `json:"status"`
	Confirmed bool   `json:"confirmed"`
	Reason    string `json:"reason"`
	DriverID  string `json:"driver_id"`
}

func (h *ShipmentHandlers) transitionShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipment_service_unavailable", "shipment service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	shipmentID := strings.TrimSpace(chi.URLParam(r, "shipmentID"))

	var req transitionShipmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", err.Error(), http.StatusBadRequest))
		return
	}
	target, err := services.ParseShipmentStatus(req.Status)
	if err != nil {
		writeShipmentError(ctx, w, err)
		return
	}

	current, err := h.shipments.Get(ctx, shipmentID)
	if err != nil {
		writeShipmentError(ctx, w, err)
		return
	}
	if !canOperateShipment(identity, current) {
		writePermissionDenied(ctx, w)
		return
	}

	cmd := services.ShipmentTransitionCommand{
		ShipmentID: shipmentID,
		Target:     target,
		ActorID:    identity.UID,
		Confirmed:  req.Confirmed,
		Reason:     req.Reason,
		Authorize:  authorizeShipment(identity),
	}
	if driverID := strings.TrimSpace(req.DriverID); driverID != "" {
		if !identity.HasAnyRole(auth.RoleSeller, auth.RoleAdmin) && driverID != identity.UID {
			writePermissionDenied(ctx, w)
			return
		}
		cmd.DriverID = &driverID
	} else if target == services.ShipmentStatusClaimedByDriver && identity.HasRole(auth.RoleDriver) {
		uid := identity.UID
		cmd.DriverID = &uid
	}

	updated, err := h.shipments.Transition(ctx, cmd)
	if err != nil {
		writeShipmentError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, shipmentResponse{Shipment: buildShipmentPayload(updated, h.shipments.AllowedNext(updated))})
}

type addressRequest struct {
	Company    string `json:"company"`
	Street     string `json:"street"`
	Suburb     string `json:"suburb"`
	City       string `json:"city"`
	Province   string `json:"province"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

func (a addressRequest) toCourier() services.CourierAddress {
	return services.CourierAddress{
		Company:    strings.TrimSpace(a.Company),
		Street:     strings.TrimSpace(a.Street),
		Suburb:     strings.TrimSpace(a.Suburb),
		City:       strings.TrimSpace(a.City),
		Province:   strings.TrimSpace(a.Province),
		PostalCode: strings.TrimSpace(a.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(a.Country)),
	}
}

type parcelRequest struct {
	LengthCM float64 `json:"length_cm"`
	WidthCM  float64 `json:"width_cm"`
	HeightCM float64 `json:"height_cm"`
	WeightKG float64 `json:"weight_kg"`
}

func toCourierParcels(parcels []parcelRequest) []services.CourierParcel {
	out := make([]services.CourierParcel, 0, len(parcels))
	for _, p := range parcels {
		out = append(out, services.CourierParcel{LengthCM: p.LengthCM, WidthCM: p.WidthCM, HeightCM: p.HeightCM, WeightKG: p.WeightKG})
	}
	return out
}

type generateLabelRequest struct {
	Provider    string          `json:"provider"`
	RateID      string          `json:"rate_id"`
	Origin      addressRequest  `json:"origin"`
	Destination addressRequest  `json:"destination"`
	Parcels     []parcelRequest `json:"parcels"`
}

type generateLabelResponse struct {
	Shipment       shipmentPayload `json:"shipment"`
	TrackingNumber string          `json:"tracking_number"`
	DownloadURL    string          `json:"download_url"`
	ExpiresAt      string          `json:"expires_at"`
}

func (h *ShipmentHandlers) generateLabel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipments == nil || h.couriers == nil {
		httpx.WriteError(ctx, w, httpx.NewError("courier_service_unavailable", "courier service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	shipmentID := strings.TrimSpace(chi.URLParam(r, "shipmentID"))

	var req generateLabelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", err.Error(), http.StatusBadRequest))
		return
	}

	current, err := h.shipments.Get(ctx, shipmentID)
	if err != nil {
		writeShipmentError(ctx, w, err)
		return
	}
	if !canOperateShipment(identity, current) {
		writePermissionDenied(ctx, w)
		return
	}

	label, err := h.couriers.GenerateLabel(ctx, services.GenerateLabelCommand{
		ShipmentID:  shipmentID,
		Provider:    req.Provider,
		RateID:      req.RateID,
		Origin:      req.Origin.toCourier(),
		Destination: req.Destination.toCourier(),
		Parcels:     toCourierParcels(req.Parcels),
		ActorID:     identity.UID,
		Authorize:   authorizeShipment(identity),
	})
	if err != nil {
		writeCourierError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, generateLabelResponse{
		Shipment:       buildShipmentPayload(label.Shipment, h.shipments.AllowedNext(label.Shipment)),
		TrackingNumber: label.TrackingNumber,
		DownloadURL:    label.DownloadURL,
		ExpiresAt:      formatTime(label.ExpiresAt),
	})
}

// canOperateShipment scopes sellers to their own dispensary and drivers to driver shipments that are
// unclaimed or claimed by them.
func canOperateShipment(identity *auth.Identity, shipment services.Shipment) bool {
	if identity.HasRole(auth.RoleAdmin) {
		return true
	}
	if identity.HasRole(auth.RoleSeller) && identity.DispensaryID != "" && identity.DispensaryID == shipment.DispensaryID {
		return true
	}
	if identity.HasRole(auth.RoleDriver) && shipment.Mode == services.DeliveryModeDriver {
		return shipment.DriverID == nil || *shipment.DriverID == "" || *shipment.DriverID == identity.UID
	}
	return false
}

// authorizeShipment re-applies canOperateShipment to the stored shipment inside the update transaction.
func authorizeShipment(identity *auth.Identity) func(services.Shipment) error {
	return func(shipment services.Shipment) error {
		if !canOperateShipment(identity, shipment) {
			return services.ErrShipmentPermissionDenied
		}
		return nil
	}
}

type shipmentResponse struct {
	Shipment shipmentPayload `json:"shipment"`
}

type shipmentPayload struct {
	ID                  string                  `json:"id"`
	OrderID             string                  `json:"order_id"`
	DispensaryID        string                  `json:"dispensary_id"`
	Mode                string                  `json:"mode"`
	Status              string                  `json:"status"`
	Courier             *courierAssignmentData  `json:"courier,omitempty"`
	DriverID            string                  `json:"driver_id,omitempty"`
	PendingConfirmation *pendingConfirmationDTO `json:"pending_confirmation,omitempty"`
	History             []shipmentEventPayload  `json:"history"`
	AllowedNext         []string                `json:"allowed_next"`
	CreatedAt           string                  `json:"created_at"`
	UpdatedAt           string                  `json:"updated_at,omitempty"`
	DeliveredAt         string                  `json:"delivered_at,omitempty"`
	TerminatedAt        string                  `json:"terminated_at,omitempty"`
}

type courierAssignmentData struct {
	Provider       string `json:"provider"`
	ServiceLevel   string `json:"service_level,omitempty"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	RateID         string `json:"rate_id,omitempty"`
}

type pendingConfirmationDTO struct {
	Status     string         `json:"status"`
	Source     string         `json:"source"`
	ReportedAt string         `json:"reported_at"`
	Details    map[string]any `json:"details,omitempty"`
}

type shipmentEventPayload struct {
	ID         string         `json:"id"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	ActorID    string         `json:"actor_id,omitempty"`
	Source     string         `json:"source"`
	Reason     string         `json:"reason,omitempty"`
	OccurredAt string         `json:"occurred_at"`
	Details    map[string]any `json:"details,omitempty"`
}

func buildShipmentPayload(shipment services.Shipment, allowed []services.ShipmentStatus) shipmentPayload {
	payload := shipmentPayload{
		ID:           shipment.ID,
		OrderID:      shipment.OrderID,
		DispensaryID: shipment.DispensaryID,
		Mode:         string(shipment.Mode),
		Status:       string(shipment.Status),
		History:      make([]shipmentEventPayload, 0, len(shipment.History)),
		AllowedNext:  statusStrings(allowed),
		CreatedAt:    formatTime(shipment.CreatedAt),
		UpdatedAt:    formatTime(shipment.UpdatedAt),
	}
	if shipment.Courier != nil {
		// The label object path stays internal; callers download through signed URLs.
		payload.Courier = &courierAssignmentData{
			Provider:       shipment.Courier.Provider,
			ServiceLevel:   shipment.Courier.ServiceLevel,
			TrackingNumber: shipment.Courier.TrackingNumber,
			RateID:         shipment.Courier.RateID,
		}
	}
	if shipment.DriverID != nil {
		payload.DriverID = *shipment.DriverID
	}
	if pending := shipment.PendingConfirmation; pending != nil {
		payload.PendingConfirmation = &pendingConfirmationDTO{
			Status:     string(pending.Status),
			Source:     pending.Source,
			ReportedAt: formatTime(pending.ReportedAt),
			Details:    pending.Details,
		}
	}
	for _, event := range shipment.History {
		payload.History = append(payload.History, shipmentEventPayload{
			ID:         event.ID,
			From:       string(event.From),
			To:         string(event.To),
			ActorID:    event.ActorID,
			Source:     event.Source,
			Reason:     event.Reason,
			OccurredAt: formatTime(event.OccurredAt),
			Details:    event.Details,
		})
	}
	if shipment.DeliveredAt != nil {
		payload.DeliveredAt = formatTime(*shipment.DeliveredAt)
	}
	if shipment.TerminatedAt != nil {
		payload.TerminatedAt = formatTime(*shipment.TerminatedAt)
	}
	return payload
}

func statusStrings(statuses []services.ShipmentStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func writePermissionDenied(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("permission_denied", "not allowed to act on this resource", http.StatusForbidden))
}

func writeShipmentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var transition *services.InvalidTransitionError
	switch {
	case errors.As(err, &transition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict).WithDetails(map[string]any{
			"current":   string(transition.Current),
			"attempted": string(transition.Attempted),
			"allowed":   statusStrings(transition.Allowed),
		}))
	case errors.Is(err, services.ErrShipmentInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrShipmentConfirmationRequired):
		httpx.WriteError(ctx, w, httpx.NewError("confirmation_required", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrShipmentInvalidInput), errors.Is(err, services.ErrShipmentUnknownStatus):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_argument", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrShipmentPermissionDenied):
		writePermissionDenied(ctx, w)
	case errors.Is(err, services.ErrShipmentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("shipment_not_found", "shipment not found", http.StatusNotFound))
	case errors.Is(err, services.ErrShipmentConflict):
		httpx.WriteError(ctx, w, httpx.NewError("retry_transaction", "system error, try again", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("shipment_error", "failed to process shipment request", http.StatusInternalServerError))
	}
}
