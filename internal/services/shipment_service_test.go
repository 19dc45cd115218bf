package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/impimediavillage/marketplace/internal/repositories/memory"
)

type recordingShipmentPublisher struct {
	mu     sync.Mutex
	events []ShipmentStatusEvent
	err    error
}

func (p *recordingShipmentPublisher) PublishShipmentEvent(ctx context.Context, event ShipmentStatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func newTestShipmentService(t *testing.T, publisher ShipmentEventPublisher) ShipmentService {
	t.Helper()
	counter := 0
	svc, err := NewShipmentService(ShipmentServiceDeps{
		Shipments: memory.NewShipmentRepository(),
		Events:    publisher,
		Clock:     func() time.Time { return time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC) },
		IDGenerator: func() string {
			counter++
			return fmt.Sprintf("%04d", counter)
		},
	})
	if err != nil {
		t.Fatalf("NewShipmentService: %v", err)
	}
	return svc
}

func mustCreateShipment(t *testing.T, svc ShipmentService, mode DeliveryMode) Shipment {
	t.Helper()
	shipment, err := svc.Create(context.Background(), CreateShipmentCommand{OrderID: "ord_1", DispensaryID: "disp_1", Mode: mode})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return shipment
}

func TestShipmentService_CreateStartsPending(t *testing.T) {
	svc := newTestShipmentService(t, nil)
	shipment := mustCreateShipment(t, svc, DeliveryModeDriver)

	if shipment.ID != "shp_0001" {
		t.Fatalf("unexpected id %s", shipment.ID)
	}
	if shipment.Status != ShipmentStatusPending {
		t.Fatalf("expected pending, got %s", shipment.Status)
	}

	list, err := svc.ListByOrder(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("ListByOrder: %v", err)
	}
	if len(list) != 1 || list[0].ID != shipment.ID {
		t.Fatalf("unexpected list %+v", list)
	}

	if _, err := svc.Create(context.Background(), CreateShipmentCommand{OrderID: "ord_1", Mode: "drone"}); !errors.Is(err, ErrShipmentInvalidInput) {
		t.Fatalf("expected invalid input for unknown mode, got %v", err)
	}
}

func TestShipmentService_TransitionRecordsHistoryAndPublishes(t *testing.T) {
	publisher := &recordingShipmentPublisher{}
	svc := newTestShipmentService(t, publisher)
	ctx := context.Background()
	shipment := mustCreateShipment(t, svc, DeliveryModeDriver)

	updated, err := svc.Transition(ctx, ShipmentTransitionCommand{
		ShipmentID: shipment.ID,
		Target:     ShipmentStatusReadyForPickup,
		ActorID:    "staff_1",
		Reason:     "packed",
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if updated.Status != ShipmentStatusReadyForPickup {
		t.Fatalf("expected ready_for_pickup, got %s", updated.Status)
	}
	if len(updated.History) != 1 {
		t.Fatalf("expected one history event, got %d", len(updated.History))
	}
	event := updated.History[0]
	if event.From != ShipmentStatusPending || event.To != ShipmentStatusReadyForPickup || event.ActorID != "staff_1" || event.Source != "operator" {
		t.Fatalf("unexpected history event %+v", event)
	}
	if len(publisher.events) != 1 || publisher.events[0].Type != ShipmentEventStatusChanged {
		t.Fatalf("expected one status changed event, got %+v", publisher.events)
	}
}

func TestShipmentService_TransitionRejectsInvalid(t *testing.T) {
	svc := newTestShipmentService(t, nil)
	ctx := context.Background()
	shipment := mustCreateShipment(t, svc, DeliveryModeDriver)

	if _, err := svc.Transition(ctx, ShipmentTransitionCommand{ShipmentID: shipment.ID, Target: ShipmentStatusReadyForPickup}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	_, err := svc.Transition(ctx, ShipmentTransitionCommand{ShipmentID: shipment.ID, Target: ShipmentStatusDelivered, Confirmed: true})
	var transitionErr *InvalidTransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	stored, err := svc.Get(ctx, shipment.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != ShipmentStatusReadyForPickup {
		t.Fatalf("invalid transition must not apply, got %s", stored.Status)
	}

	if _, err := svc.Transition(ctx, ShipmentTransitionCommand{ShipmentID: shipment.ID, Target: ShipmentStatusLabelGenerated}); !errors.As(err, &transitionErr) {
		t.Fatalf("expected courier status to be rejected for driver shipment, got %v", err)
	}
}

func TestShipmentService_AuthorizeSeesStoredShipment(t *testing.T) {
	publisher := &recordingShipmentPublisher{}
	svc := newTestShipmentService(t, publisher)
	ctx := context.Background()
	shipment := mustCreateShipment(t, svc, DeliveryModeDriver)

	if _, err := svc.Transition(ctx, ShipmentTransitionCommand{ShipmentID: shipment.ID, Target: ShipmentStatusReadyForPickup}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	driverB := "driver-b"
	if _, err := svc.Transition(ctx, ShipmentTransitionCommand{ShipmentID: shipment.ID, Target: ShipmentStatusClaimedByDriver, ActorID: driverB, DriverID: &driverB}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	published := len(publisher.events)

	var seen Shipment
	_, err := svc.Transition(ctx, ShipmentTransitionCommand{
		ShipmentID: shipment.ID,
		Target:     ShipmentStatusPickedUp,
		ActorID:    "driver-a",
		Authorize: func(current Shipment) error {
			seen = current
			if current.DriverID != nil && *current.DriverID != "driver-a" {
				return ErrShipmentPermissionDenied
			}
			return nil
		},
	})
	if !errors.Is(err, ErrShipmentPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if seen.Status != ShipmentStatusClaimedByDriver || seen.DriverID == nil || *seen.DriverID != driverB {
		t.Fatalf("authorize must see the stored claim, got %+v", seen)
	}

	stored, err := svc.Get(ctx, shipment.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != ShipmentStatusClaimedByDriver {
		t.Fatalf("denied transition must not apply, got %s", stored.Status)
	}
	if last := stored.History[len(stored.History)-1]; last.ActorID != driverB {
		t.Fatalf("unexpected last actor %q", last.ActorID)
	}
	if len(publisher.events) != published {
		t.Fatalf("denied transition must not publish")
	}
}

func TestShipmentService_HighImpactNeedsConfirmation(t *testing.T) {
	publisher := &recordingShipmentPublisher{}
	svc := newTestShipmentService(t, publisher)
	ctx := context.Background()
	shipment := mustCreateShipment(t, svc, DeliveryModeCourier)

	if _, err := svc.Transition(ctx, ShipmentTransitionCommand{ShipmentID: shipment.ID, Target: ShipmentStatusCancelled}); !errors.Is(err, ErrShipmentConfirmationRequired) {
		t.Fatalf("expected confirmation required, got %v", err)
	}

	cancelled, err := svc.Transition(ctx, ShipmentTransitionCommand{ShipmentID: shipment.ID, Target: ShipmentStatusCancelled, Confirmed: true})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if cancelled.TerminatedAt == nil {
		t.Fatal("expected terminatedAt for cancelled shipment")
	}

	again, err := svc.Transition(ctx, ShipmentTransitionCommand{ShipmentID: shipment.ID, Target: ShipmentStatusCancelled})
	if err != nil {
		t.Fatalf("self transition should be a no-op, got %v", err)
	}
	if len(again.History) != 1 {
		t.Fatalf("self transition must not add history, got %d events", len(again.History))
	}
	if len(publisher.events) != 1 {
		t.Fatalf("self transition must not publish, got %d events", len(publisher.events))
	}
}

func TestShipmentService_TransitionMissingShipment(t *testing.T) {
	svc := newTestShipmentService(t, nil)
	_, err := svc.Transition(context.Background(), ShipmentTransitionCommand{ShipmentID: "shp_missing", Target: ShipmentStatusReadyForPickup})
	if !errors.Is(err, ErrShipmentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestShipmentService_TrackingUpdateParksHighImpactStatus(t *testing.T) {
	publisher := &recordingShipmentPublisher{}
	svc := newTestShipmentService(t, publisher)
	ctx := context.Background()
	shipment := mustCreateShipment(t, svc, DeliveryModeCourier)

	for _, status := range []ShipmentStatus{ShipmentStatusReadyForShipping, ShipmentStatusLabelGenerated} {
		if _, err := svc.Transition(ctx, ShipmentTransitionCommand{ShipmentID: shipment.ID, Target: status}); err != nil {
			t.Fatalf("Transition %s: %v", status, err)
		}
	}

	for _, status := range []ShipmentStatus{ShipmentStatusInTransit, ShipmentStatusOutForDelivery} {
		result, err := svc.ApplyTrackingUpdate(ctx, TrackingUpdate{ShipmentID: shipment.ID, Provider: "courierguy", Status: status, RawStatus: "x"})
		if err != nil {
			t.Fatalf("ApplyTrackingUpdate %s: %v", status, err)
		}
		if !result.Applied {
			t.Fatalf("expected %s to be applied automatically", status)
		}
	}

	result, err := svc.ApplyTrackingUpdate(ctx, TrackingUpdate{ShipmentID: shipment.ID, Provider: "courierguy", Status: ShipmentStatusDelivered, RawStatus: "POD"})
	if err != nil {
		t.Fatalf("ApplyTrackingUpdate delivered: %v", err)
	}
	if result.Applied || !result.PendingConfirmation {
		t.Fatalf("delivered must be parked, got %+v", result)
	}
	if result.Shipment.Status != ShipmentStatusOutForDelivery {
		t.Fatalf("status must not change, got %s", result.Shipment.Status)
	}
	if result.Shipment.PendingConfirmation == nil || result.Shipment.PendingConfirmation.Status != ShipmentStatusDelivered {
		t.Fatalf("expected pending delivered confirmation, got %+v", result.Shipment.PendingConfirmation)
	}

	confirmed, err := svc.Transition(ctx, ShipmentTransitionCommand{ShipmentID: shipment.ID, Target: ShipmentStatusDelivered, Confirmed: true, ActorID: "staff_2"})
	if err != nil {
		t.Fatalf("confirm delivered: %v", err)
	}
	if confirmed.PendingConfirmation != nil {
		t.Fatal("pending confirmation should be cleared")
	}
	if confirmed.DeliveredAt == nil {
		t.Fatal("expected deliveredAt")
	}

	last := publisher.events[len(publisher.events)-2]
	if last.Type != ShipmentEventConfirmationRequested {
		t.Fatalf("expected confirmation requested event before delivery, got %s", last.Type)
	}
}

func TestShipmentService_TrackingUpdateReportsIllegalStatus(t *testing.T) {
	svc := newTestShipmentService(t, nil)
	ctx := context.Background()
	shipment := mustCreateShipment(t, svc, DeliveryModeCourier)

	_, err := svc.ApplyTrackingUpdate(ctx, TrackingUpdate{ShipmentID: shipment.ID, Status: ShipmentStatusOutForDelivery})
	var transitionErr *InvalidTransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	if _, err := svc.ApplyTrackingUpdate(ctx, TrackingUpdate{ShipmentID: shipment.ID, Status: "misrouted"}); !errors.Is(err, ErrShipmentUnknownStatus) {
		t.Fatalf("expected unknown status, got %v", err)
	}

	result, err := svc.ApplyTrackingUpdate(ctx, TrackingUpdate{ShipmentID: shipment.ID, Status: ShipmentStatusPending})
	if err != nil {
		t.Fatalf("duplicate update: %v", err)
	}
	if !result.Duplicate {
		t.Fatalf("expected duplicate, got %+v", result)
	}
}

func TestShipmentService_AllowedNextFollowsMode(t *testing.T) {
	svc := newTestShipmentService(t, nil)
	shipment := mustCreateShipment(t, svc, DeliveryModeCourier)

	next := svc.AllowedNext(shipment)
	if len(next) != 2 || next[0] != ShipmentStatusReadyForShipping || next[1] != ShipmentStatusCancelled {
		t.Fatalf("unexpected allowed next %v", next)
	}
}
