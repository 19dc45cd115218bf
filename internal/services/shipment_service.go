package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/impimediavillage/marketplace/internal/repositories"
)

const (
	shipmentMetricNamespace = "github.com/impimediavillage/marketplace/internal/services/shipments"

	// ShipmentEventStatusChanged is published after every applied transition.
	ShipmentEventStatusChanged = "shipment.status.changed"
	// ShipmentEventConfirmationRequested is published when background sync reports a high-impact status.
	ShipmentEventConfirmationRequested = "shipment.status.confirmation_requested"

	shipmentSourceOperator = "operator"
	shipmentActorSystem    = "system"
)

var (
	// ErrShipmentInvalidInput signals malformed commands.
	ErrShipmentInvalidInput = errors.New("shipment: invalid input")
	// ErrShipmentNotFound is returned when the shipment does not exist.
	ErrShipmentNotFound = errors.New("shipment: not found")
	// ErrShipmentConfirmationRequired is returned when a high-impact status is requested without confirmation.
	ErrShipmentConfirmationRequired = errors.New("shipment: confirmation required")
	// ErrShipmentConflict reports store contention; the caller may retry.
	ErrShipmentConflict = errors.New("shipment: concurrent update, try again")
	// ErrShipmentPermissionDenied is returned when the actor may not operate the shipment as stored.
	ErrShipmentPermissionDenied = errors.New("shipment: permission denied")
)

// ShipmentStatusEvent is emitted to downstream consumers (notifications, analytics).
type ShipmentStatusEvent struct {
	Type       string
	ShipmentID string
	OrderID    string
	Mode       DeliveryMode
	From       ShipmentStatus
	To         ShipmentStatus
	ActorID    string
	Source     string
	OccurredAt time.Time
}

// ShipmentEventPublisher delivers shipment events to a message bus.
type ShipmentEventPublisher interface {
	PublishShipmentEvent(ctx context.Context, event ShipmentStatusEvent) error
}

// ShipmentServiceDeps wires the shipment service collaborators.
type ShipmentServiceDeps struct {
	Shipments   repositories.ShipmentRepository
	Events      ShipmentEventPublisher
	Sanitize    func(string) string
	Meter       metric.Meter
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// CreateShipmentCommand opens a shipment for an order.
type CreateShipmentCommand struct {
	OrderID      string
	DispensaryID string
	Mode         DeliveryMode
	ActorID      string
}

// ShipmentTransitionCommand requests an operator-driven status change.
type ShipmentTransitionCommand struct {
	ShipmentID string
	Target     ShipmentStatus
	ActorID    string
	Confirmed  bool
	Reason     string
	Source     string
	DriverID   *string
	Courier    *CourierAssignment
	Details    map[string]any
	// Authorize, when set, is evaluated against the stored shipment inside the update transaction.
	Authorize  func(Shipment) error
}

// TrackingUpdate is a status report from background sync (courier webhook or push subscription).
type TrackingUpdate struct {
	ShipmentID string
	Provider   string
	Status     ShipmentStatus
	RawStatus  string
	Source     string
	OccurredAt time.Time
	Details    map[string]any
}

// TrackingUpdateResult explains what ApplyTrackingUpdate did with a report.
type TrackingUpdateResult struct {
	Shipment            Shipment
	Applied             bool
	PendingConfirmation bool
	Duplicate           bool
}

type shipmentService struct {
	shipments repositories.ShipmentRepository
	events    ShipmentEventPublisher
	machine   ShipmentStatusMachine
	sanitize  func(string) string
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)

	transitions metric.Int64Counter
}

// NewShipmentService constructs the shipment service.
func NewShipmentService(deps ShipmentServiceDeps) (ShipmentService, error) {
	if deps.Shipments == nil {
		return nil, errors.New("shipment service: shipment repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	sanitize := deps.Sanitize
	if sanitize == nil {
		sanitize = strings.TrimSpace
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(shipmentMetricNamespace)
	}
	transitions, err := meter.Int64Counter("shipments.transitions",
		metric.WithDescription("Shipment status transitions by outcome"))
	if err != nil {
		return nil, fmt.Errorf("shipment service: register transition counter: %w", err)
	}

	return &shipmentService{
		shipments:   deps.Shipments,
		events:      deps.Events,
		machine:     NewShipmentStatusMachine(),
		sanitize:    sanitize,
		clock:       func() time.Time { return clock().UTC() },
		newID:       idGen,
		logger:      logger,
		transitions: transitions,
	}, nil
}

func (s *shipmentService) Create(ctx context.Context, cmd CreateShipmentCommand) (Shipment, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Shipment{}, fmt.Errorf("%w: order id is required", ErrShipmentInvalidInput)
	}
	mode := DeliveryMode(strings.ToLower(strings.TrimSpace(string(cmd.Mode))))
	if mode != DeliveryModeDriver && mode != DeliveryModeCourier {
		return Shipment{}, fmt.Errorf("%w: delivery mode must be driver or courier", ErrShipmentInvalidInput)
	}

	now := s.clock()
	shipment := Shipment{
		ID:           "shp_" + s.newID(),
		OrderID:      orderID,
		DispensaryID: strings.TrimSpace(cmd.DispensaryID),
		Mode:         mode,
		Status:       ShipmentStatusPending,
		History:      []ShipmentEvent{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.shipments.Insert(ctx, shipment); err != nil {
		return Shipment{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "shipment.created", map[string]any{
		"shipmentId": shipment.ID,
		"orderId":    orderID,
		"mode":       mode,
		"actorId":    strings.TrimSpace(cmd.ActorID),
	})
	return shipment, nil
}

func (s *shipmentService) Get(ctx context.Context, shipmentID string) (Shipment, error) {
	shipmentID = strings.TrimSpace(shipmentID)
	if shipmentID == "" {
		return Shipment{}, fmt.Errorf("%w: shipment id is required", ErrShipmentInvalidInput)
	}
	shipment, err := s.shipments.Get(ctx, shipmentID)
	if err != nil {
		return Shipment{}, s.mapRepositoryError(err)
	}
	return shipment, nil
}

func (s *shipmentService) ListByOrder(ctx context.Context, orderID string) ([]Shipment, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrShipmentInvalidInput)
	}
	shipments, err := s.shipments.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	if shipments == nil {
		shipments = []Shipment{}
	}
	return shipments, nil
}

// Transition applies an operator-requested status change. The status check and the write happen in one
// repository transaction so two racing requests cannot both advance from the same observed status.
func (s *shipmentService) Transition(ctx context.Context, cmd ShipmentTransitionCommand) (Shipment, error) {
	shipmentID := strings.TrimSpace(cmd.ShipmentID)
	if shipmentID == "" {
		return Shipment{}, fmt.Errorf("%w: shipment id is required", ErrShipmentInvalidInput)
	}
	target, err := ParseShipmentStatus(string(cmd.Target))
	if err != nil {
		return Shipment{}, err
	}
	source := strings.TrimSpace(cmd.Source)
	if source == "" {
		source = shipmentSourceOperator
	}
	reason := s.sanitize(cmd.Reason)
	now := s.clock()

	var (
		from    ShipmentStatus
		changed bool
	)
	updated, err := s.shipments.Mutate(ctx, shipmentID, func(shipment *Shipment) error {
		from, changed = shipment.Status, false
		if cmd.Authorize != nil {
			if err := cmd.Authorize(*shipment); err != nil {
				return err
			}
		}
		if shipment.Status == target {
			return nil
		}
		if err := s.machine.ValidateForMode(shipment.Status, target, shipment.Mode); err != nil {
			return err
		}
		if s.machine.RequiresConfirmation(target) && !cmd.Confirmed {
			return fmt.Errorf("%w: %s", ErrShipmentConfirmationRequired, target)
		}
		s.applyStatus(shipment, target, ShipmentEvent{
			ID:         "she_" + s.newID(),
			From:       shipment.Status,
			To:         target,
			ActorID:    strings.TrimSpace(cmd.ActorID),
			Source:     source,
			Reason:     reason,
			OccurredAt: now,
			Details:    maps.Clone(cmd.Details),
		})
		if cmd.DriverID != nil {
			driver := strings.TrimSpace(*cmd.DriverID)
			shipment.DriverID = &driver
		}
		if cmd.Courier != nil {
			courier := *cmd.Courier
			shipment.Courier = &courier
		}
		changed = true
		return nil
	})
	if err != nil {
		err = s.mapRepositoryError(err)
		s.recordTransition(ctx, from, target, transitionOutcome(err))
		return Shipment{}, err
	}
	if !changed {
		return updated, nil
	}

	s.recordTransition(ctx, from, target, "applied")
	s.logger(ctx, "shipment.status.changed", map[string]any{
		"shipmentId": shipmentID,
		"from":       from,
		"to":         target,
		"actorId":    strings.TrimSpace(cmd.ActorID),
		"source":     source,
	})
	s.publish(ctx, ShipmentStatusEvent{
		Type:       ShipmentEventStatusChanged,
		ShipmentID: updated.ID,
		OrderID:    updated.OrderID,
		Mode:       updated.Mode,
		From:       from,
		To:         target,
		ActorID:    strings.TrimSpace(cmd.ActorID),
		Source:     source,
		OccurredAt: now,
	})
	return updated, nil
}

// ApplyTrackingUpdate applies routine background reports and parks high-impact ones for an operator.
// Illegal transitions are returned to the caller rather than coerced.
func (s *shipmentService) ApplyTrackingUpdate(ctx context.Context, update TrackingUpdate) (TrackingUpdateResult, error) {
	shipmentID := strings.TrimSpace(update.ShipmentID)
	if shipmentID == "" {
		return TrackingUpdateResult{}, fmt.Errorf("%w: shipment id is required", ErrShipmentInvalidInput)
	}
	target, err := ParseShipmentStatus(string(update.Status))
	if err != nil {
		s.logger(ctx, "shipment.tracking.unknown_status", map[string]any{
			"shipmentId": shipmentID,
			"provider":   update.Provider,
			"rawStatus":  update.RawStatus,
		})
		return TrackingUpdateResult{}, err
	}

	source := strings.TrimSpace(update.Source)
	if source == "" {
		source = "tracking"
	}
	reportedAt := update.OccurredAt.UTC()
	if update.OccurredAt.IsZero() {
		reportedAt = s.clock()
	}
	details := maps.Clone(update.Details)
	if details == nil {
		details = map[string]any{}
	}
	if provider := strings.TrimSpace(update.Provider); provider != "" {
		details["provider"] = provider
	}
	if raw := strings.TrimSpace(update.RawStatus); raw != "" {
		details["rawStatus"] = raw
	}

	var (
		result TrackingUpdateResult
		from   ShipmentStatus
	)
	updated, err := s.shipments.Mutate(ctx, shipmentID, func(shipment *Shipment) error {
		result = TrackingUpdateResult{}
		from = shipment.Status
		if shipment.Status == target {
			result.Duplicate = true
			return nil
		}
		if err := s.machine.ValidateForMode(shipment.Status, target, shipment.Mode); err != nil {
			return err
		}
		if s.machine.RequiresConfirmation(target) {
			shipment.PendingConfirmation = &PendingStatusChange{
				Status:     target,
				Source:     source,
				ReportedAt: reportedAt,
				Details:    details,
			}
			shipment.UpdatedAt = s.clock()
			result.PendingConfirmation = true
			return nil
		}
		s.applyStatus(shipment, target, ShipmentEvent{
			ID:         "she_" + s.newID(),
			From:       shipment.Status,
			To:         target,
			ActorID:    shipmentActorSystem,
			Source:     source,
			OccurredAt: reportedAt,
			Details:    details,
		})
		result.Applied = true
		return nil
	})
	if err != nil {
		err = s.mapRepositoryError(err)
		s.recordTransition(ctx, from, target, transitionOutcome(err))
		s.logger(ctx, "shipment.tracking.rejected", map[string]any{
			"shipmentId": shipmentID,
			"provider":   update.Provider,
			"target":     target,
			"error":      err.Error(),
		})
		return TrackingUpdateResult{}, err
	}
	result.Shipment = updated

	event := ShipmentStatusEvent{
		ShipmentID: updated.ID,
		OrderID:    updated.OrderID,
		Mode:       updated.Mode,
		From:       from,
		To:         target,
		ActorID:    shipmentActorSystem,
		Source:     source,
		OccurredAt: reportedAt,
	}
	switch {
	case result.Applied:
		s.recordTransition(ctx, from, target, "applied")
		event.Type = ShipmentEventStatusChanged
		s.publish(ctx, event)
	case result.PendingConfirmation:
		s.recordTransition(ctx, from, target, "pending_confirmation")
		event.Type = ShipmentEventConfirmationRequested
		s.publish(ctx, event)
	}
	return result, nil
}

func (s *shipmentService) Describe() []ShipmentStatusInfo {
	return s.machine.Describe()
}

func (s *shipmentService) AllowedNext(shipment Shipment) []ShipmentStatus {
	return s.machine.AllowedNextForMode(shipment.Status, shipment.Mode)
}

func (s *shipmentService) applyStatus(shipment *Shipment, target ShipmentStatus, event ShipmentEvent) {
	shipment.Status = target
	shipment.UpdatedAt = s.clock()
	shipment.PendingConfirmation = nil
	shipment.History = append(shipment.History, event)
	if target == ShipmentStatusDelivered {
		at := event.OccurredAt
		shipment.DeliveredAt = &at
	}
	if s.machine.IsTerminal(target) {
		at := event.OccurredAt
		shipment.TerminatedAt = &at
	}
}

func (s *shipmentService) recordTransition(ctx context.Context, from, to ShipmentStatus, outcome string) {
	s.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
		attribute.String("outcome", outcome),
	))
}

func (s *shipmentService) publish(ctx context.Context, event ShipmentStatusEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishShipmentEvent(ctx, event); err != nil {
		s.logger(ctx, "shipment.event.publish.failed", map[string]any{
			"type":       event.Type,
			"shipmentId": event.ShipmentID,
			"status":     event.To,
			"error":      err.Error(),
		})
	}
}

func (s *shipmentService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var transitionErr *InvalidTransitionError
	if errors.As(err, &transitionErr) || errors.Is(err, ErrShipmentUnknownStatus) || errors.Is(err, ErrShipmentConfirmationRequired) || errors.Is(err, ErrShipmentPermissionDenied) {
		return err
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrShipmentNotFound, err)
		case repoErr.IsConflict(), repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrShipmentConflict, err)
		}
	}
	return err
}

func transitionOutcome(err error) string {
	switch {
	case errors.Is(err, ErrShipmentInvalidTransition):
		return "invalid"
	case errors.Is(err, ErrShipmentConfirmationRequired):
		return "confirmation_required"
	case errors.Is(err, ErrShipmentNotFound):
		return "not_found"
	case errors.Is(err, ErrShipmentConflict):
		return "conflict"
	default:
		return "error"
	}
}
