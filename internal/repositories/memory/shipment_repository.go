package memory

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"

	domain "github.com/impimediavillage/marketplace/internal/domain"
	"github.com/impimediavillage/marketplace/internal/repositories"
)

// ShipmentRepository keeps shipments in a map guarded by a single mutex.
type ShipmentRepository struct {
	mu        sync.Mutex
	shipments map[string]domain.Shipment
}

var _ repositories.ShipmentRepository = (*ShipmentRepository)(nil)

func NewShipmentRepository() *ShipmentRepository {
	return &ShipmentRepository{shipments: make(map[string]domain.Shipment)}
}

func (r *ShipmentRepository) Insert(_ context.Context, shipment domain.Shipment) error {
	if shipment.ID == "" {
		return errors.New("memory shipments: id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shipments[shipment.ID]; ok {
		return conflict("shipments.insert", "shipment %s already exists", shipment.ID)
	}
	r.shipments[shipment.ID] = cloneShipment(shipment)
	return nil
}

func (r *ShipmentRepository) Get(_ context.Context, shipmentID string) (domain.Shipment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	shipment, ok := r.shipments[shipmentID]
	if !ok {
		return domain.Shipment{}, notFound("shipments.get", "shipment %s not found", shipmentID)
	}
	return cloneShipment(shipment), nil
}

func (r *ShipmentRepository) ListByOrder(_ context.Context, orderID string) ([]domain.Shipment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Shipment, 0)
	for _, shipment := range r.shipments {
		if shipment.OrderID == orderID {
			out = append(out, cloneShipment(shipment))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *ShipmentRepository) Mutate(ctx context.Context, shipmentID string, fn func(*domain.Shipment) error) (domain.Shipment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return domain.Shipment{}, err
	}
	current, ok := r.shipments[shipmentID]
	if !ok {
		return domain.Shipment{}, notFound("shipments.mutate", "shipment %s not found", shipmentID)
	}
	working := cloneShipment(current)
	if err := fn(&working); err != nil {
		return domain.Shipment{}, err
	}
	working.ID = shipmentID
	r.shipments[shipmentID] = cloneShipment(working)
	return working, nil
}

func cloneShipment(in domain.Shipment) domain.Shipment {
	out := in
	if in.Courier != nil {
		courier := *in.Courier
		out.Courier = &courier
	}
	if in.DriverID != nil {
		driver := *in.DriverID
		out.DriverID = &driver
	}
	if in.PendingConfirmation != nil {
		pending := *in.PendingConfirmation
		pending.Details = maps.Clone(pending.Details)
		out.PendingConfirmation = &pending
	}
	if in.DeliveredAt != nil {
		at := *in.DeliveredAt
		out.DeliveredAt = &at
	}
	if in.TerminatedAt != nil {
		at := *in.TerminatedAt
		out.TerminatedAt = &at
	}
	if in.History != nil {
		out.History = make([]domain.ShipmentEvent, len(in.History))
		for i, event := range in.History {
			event.Details = maps.Clone(event.Details)
			out.History[i] = event
		}
	}
	return out
}
