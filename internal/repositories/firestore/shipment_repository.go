package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/impimediavillage/marketplace/internal/domain"
	pfirestore "github.com/impimediavillage/marketplace/internal/platform/firestore"
	"github.com/impimediavillage/marketplace/internal/repositories"
)

const defaultShipmentsCollection = "shipments"

type courierDocument struct {
	Provider       string `firestore:"provider"`
	ServiceLevel   string `firestore:"serviceLevel,omitempty"`
	TrackingNumber string `firestore:"trackingNumber"`
	LabelObject    string `firestore:"labelObject,omitempty"`
	RateID         string `firestore:"rateId,omitempty"`
}

type pendingStatusDocument struct {
	Status     string         `firestore:"status"`
	Source     string         `firestore:"source"`
	ReportedAt time.Time      `firestore:"reportedAt"`
	Details    map[string]any `firestore:"details,omitempty"`
}

type shipmentEventDocument struct {
	ID         string         `firestore:"id"`
	From       string         `firestore:"from"`
	To         string         `firestore:"to"`
	ActorID    string         `firestore:"actorId,omitempty"`
	Source     string         `firestore:"source"`
	Reason     string         `firestore:"reason,omitempty"`
	OccurredAt time.Time      `firestore:"occurredAt"`
	Details    map[string]any `firestore:"details,omitempty"`
}

type shipmentDocument struct {
	OrderID             string                  `firestore:"orderId"`
	DispensaryID        string                  `firestore:"dispensaryId"`
	Mode                string                  `firestore:"mode"`
	Status              string                  `firestore:"status"`
	Courier             *courierDocument        `firestore:"courier,omitempty"`
	DriverID            *string                 `firestore:"driverId,omitempty"`
	PendingConfirmation *pendingStatusDocument  `firestore:"pendingConfirmation"`
	History             []shipmentEventDocument `firestore:"history"`
	CreatedAt           time.Time               `firestore:"createdAt"`
	UpdatedAt           time.Time               `firestore:"updatedAt"`
	DeliveredAt         *time.Time              `firestore:"deliveredAt,omitempty"`
	TerminatedAt        *time.Time              `firestore:"terminatedAt,omitempty"`
}

// ShipmentRepository stores shipments as single documents with the status history embedded, so a status
// change and its history event are written together.
type ShipmentRepository struct {
	provider  *pfirestore.Provider
	shipments *pfirestore.Collection[shipmentDocument]
}

var _ repositories.ShipmentRepository = (*ShipmentRepository)(nil)

// NewShipmentRepository constructs a Firestore-backed shipment repository. An empty collection name
// falls back to "shipments".
func NewShipmentRepository(provider *pfirestore.Provider, collection string) (*ShipmentRepository, error) {
	if provider == nil {
		return nil, errors.New("shipment repository requires firestore provider")
	}
	if strings.TrimSpace(collection) == "" {
		collection = defaultShipmentsCollection
	}
	shipments, err := pfirestore.NewCollection[shipmentDocument](provider, collection)
	if err != nil {
		return nil, err
	}
	return &ShipmentRepository{provider: provider, shipments: shipments}, nil
}

func (r *ShipmentRepository) Insert(ctx context.Context, shipment domain.Shipment) error {
	if strings.TrimSpace(shipment.ID) == "" {
		return errors.New("shipment id is required")
	}
	return r.shipments.Create(ctx, shipment.ID, encodeShipment(shipment))
}

func (r *ShipmentRepository) Get(ctx context.Context, shipmentID string) (domain.Shipment, error) {
	doc, err := r.shipments.Get(ctx, shipmentID)
	if err != nil {
		return domain.Shipment{}, err
	}
	return decodeShipment(shipmentID, doc), nil
}

func (r *ShipmentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Shipment, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, nil
	}
	docs, err := r.shipments.Query(ctx, nil, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Shipment, 0, len(docs))
	for _, doc := range docs {
		out = append(out, decodeShipment(doc.ID, doc.Data))
	}
	return out, nil
}

// Mutate applies fn inside a transaction. Firestore may run fn more than once on contention, so fn must
// derive everything from the shipment it is handed.
func (r *ShipmentRepository) Mutate(ctx context.Context, shipmentID string, fn func(*domain.Shipment) error) (domain.Shipment, error) {
	if fn == nil {
		return domain.Shipment{}, errors.New("shipment mutation function is nil")
	}
	ref, err := r.shipments.Doc(ctx, shipmentID)
	if err != nil {
		return domain.Shipment{}, err
	}

	var result domain.Shipment
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError("shipments.mutate", err)
		}
		doc, err := pfirestore.Decode[shipmentDocument](snap)
		if err != nil {
			return err
		}
		working := decodeShipment(shipmentID, doc)
		if err := fn(&working); err != nil {
			return err
		}
		working.ID = shipmentID
		if err := tx.Set(ref, encodeShipment(working)); err != nil {
			return err
		}
		result = working
		return nil
	})
	if err != nil {
		return domain.Shipment{}, err
	}
	return result, nil
}

func encodeShipment(s domain.Shipment) shipmentDocument {
	doc := shipmentDocument{
		OrderID:      s.OrderID,
		DispensaryID: s.DispensaryID,
		Mode:         string(s.Mode),
		Status:       string(s.Status),
		DriverID:     s.DriverID,
		History:      make([]shipmentEventDocument, 0, len(s.History)),
		CreatedAt:    s.CreatedAt.UTC(),
		UpdatedAt:    s.UpdatedAt.UTC(),
		DeliveredAt:  s.DeliveredAt,
		TerminatedAt: s.TerminatedAt,
	}
	if s.Courier != nil {
		doc.Courier = &courierDocument{
			Provider:       s.Courier.Provider,
			ServiceLevel:   s.Courier.ServiceLevel,
			TrackingNumber: s.Courier.TrackingNumber,
			LabelObject:    s.Courier.LabelObject,
			RateID:         s.Courier.RateID,
		}
	}
	if p := s.PendingConfirmation; p != nil {
		doc.PendingConfirmation = &pendingStatusDocument{
			Status:     string(p.Status),
			Source:     p.Source,
			ReportedAt: p.ReportedAt.UTC(),
			Details:    p.Details,
		}
	}
	for _, event := range s.History {
		doc.History = append(doc.History, shipmentEventDocument{
			ID:         event.ID,
			From:       string(event.From),
			To:         string(event.To),
			ActorID:    event.ActorID,
			Source:     event.Source,
			Reason:     event.Reason,
			OccurredAt: event.OccurredAt.UTC(),
			Details:    event.Details,
		})
	}
	return doc
}

func decodeShipment(id string, doc shipmentDocument) domain.Shipment {
	s := domain.Shipment{
		ID:           id,
		OrderID:      doc.OrderID,
		DispensaryID: doc.DispensaryID,
		Mode:         domain.DeliveryMode(doc.Mode),
		Status:       domain.ShipmentStatus(doc.Status),
		DriverID:     doc.DriverID,
		CreatedAt:    doc.CreatedAt.UTC(),
		UpdatedAt:    doc.UpdatedAt.UTC(),
		DeliveredAt:  utcPtr(doc.DeliveredAt),
		TerminatedAt: utcPtr(doc.TerminatedAt),
	}
	if c := doc.Courier; c != nil {
		s.Courier = &domain.CourierAssignment{
			Provider:       c.Provider,
			ServiceLevel:   c.ServiceLevel,
			TrackingNumber: c.TrackingNumber,
			LabelObject:    c.LabelObject,
			RateID:         c.RateID,
		}
	}
	if p := doc.PendingConfirmation; p != nil {
		s.PendingConfirmation = &domain.PendingStatusChange{
			Status:     domain.ShipmentStatus(p.Status),
			Source:     p.Source,
			ReportedAt: p.ReportedAt.UTC(),
			Details:    p.Details,
		}
	}
	if len(doc.History) > 0 {
		s.History = make([]domain.ShipmentEvent, 0, len(doc.History))
		for _, e := range doc.History {
			s.History = append(s.History, domain.ShipmentEvent{
				ID:         e.ID,
				From:       domain.ShipmentStatus(e.From),
				To:         domain.ShipmentStatus(e.To),
				ActorID:    e.ActorID,
				Source:     e.Source,
				Reason:     e.Reason,
				OccurredAt: e.OccurredAt.UTC(),
				Details:    e.Details,
			})
		}
	}
	return s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
