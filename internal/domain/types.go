package domain

import (
	"time"
)

// DeliveryMode distinguishes in-house driver delivery from third-party courier shipping.
type DeliveryMode string

const (
	// DeliveryModeDriver routes the shipment through an in-house driver.
	DeliveryModeDriver DeliveryMode = "driver"
	// DeliveryModeCourier routes the shipment through a third-party courier API.
	DeliveryModeCourier DeliveryMode = "courier"
)

// ShipmentStatus enumerates the persisted delivery lifecycle values. The string values are stored on
// shipment documents and consumed by analytics, so renaming a value is a breaking change.
type ShipmentStatus string

const (
	// ShipmentStatusPending is the shared entry state for every new shipment.
	ShipmentStatusPending ShipmentStatus = "pending"

	// ShipmentStatusReadyForShipping indicates the parcel is packed and awaits a courier label.
	ShipmentStatusReadyForShipping ShipmentStatus = "ready_for_shipping"
	// ShipmentStatusLabelGenerated indicates a courier label and tracking number exist.
	ShipmentStatusLabelGenerated ShipmentStatus = "label_generated"
	// ShipmentStatusInTransit indicates the courier has collected the parcel.
	ShipmentStatusInTransit ShipmentStatus = "in_transit"
	// ShipmentStatusOutForDelivery indicates the courier is on the final leg.
	ShipmentStatusOutForDelivery ShipmentStatus = "out_for_delivery"

	// ShipmentStatusReadyForPickup indicates the order awaits a driver.
	ShipmentStatusReadyForPickup ShipmentStatus = "ready_for_pickup"
	// ShipmentStatusClaimedByDriver indicates a driver accepted the delivery.
	ShipmentStatusClaimedByDriver ShipmentStatus = "claimed_by_driver"
	// ShipmentStatusPickedUp indicates the driver collected the order.
	ShipmentStatusPickedUp ShipmentStatus = "picked_up"
	// ShipmentStatusEnRoute indicates the driver is travelling to the customer.
	ShipmentStatusEnRoute ShipmentStatus = "en_route"
	// ShipmentStatusNearby indicates the driver is close to the destination.
	ShipmentStatusNearby ShipmentStatus = "nearby"
	// ShipmentStatusArrived indicates the driver is at the destination.
	ShipmentStatusArrived ShipmentStatus = "arrived"

	// ShipmentStatusDelivered is terminal: the customer received the order.
	ShipmentStatusDelivered ShipmentStatus = "delivered"
	// ShipmentStatusFailed indicates a delivery attempt failed.
	ShipmentStatusFailed ShipmentStatus = "failed"
	// ShipmentStatusCancelled is terminal: the shipment will not be delivered.
	ShipmentStatusCancelled ShipmentStatus = "cancelled"
	// ShipmentStatusReturned is terminal: a failed shipment went back to the seller.
	ShipmentStatusReturned ShipmentStatus = "returned"
)

// Shipment is the delivery sub-record of an order.
type Shipment struct {
	ID                  string
	OrderID             string
	DispensaryID        string
	Mode                DeliveryMode
	Status              ShipmentStatus
	Courier             *CourierAssignment
	DriverID            *string
	PendingConfirmation *PendingStatusChange
	History             []ShipmentEvent
	CreatedAt           time.Time
	UpdatedAt           time.Time
	DeliveredAt         *time.Time
	TerminatedAt        *time.Time
}

// CourierAssignment records the courier label attached to a courier-mode shipment.
type CourierAssignment struct {
	Provider       string
	ServiceLevel   string
	TrackingNumber string
	LabelObject    string
	RateID         string
}

// PendingStatusChange captures a high-impact status reported by background sync that awaits an operator.
type PendingStatusChange struct {
	Status     ShipmentStatus
	Source     string
	ReportedAt time.Time
	Details    map[string]any
}

// ShipmentEvent stores one applied status change.
type ShipmentEvent struct {
	ID         string
	From       ShipmentStatus
	To         ShipmentStatus
	ActorID    string
	Source     string
	Reason     string
	OccurredAt time.Time
	Details    map[string]any
}

// CreditBalance is the spendable credit count owned by a user.
type CreditBalance struct {
	UserID    string
	Balance   int64
	UpdatedAt time.Time
}

// CreditEntryKind labels ledger entries.
type CreditEntryKind string

const (
	// CreditEntryDeduction records a (possibly free) interaction charge.
	CreditEntryDeduction CreditEntryKind = "deduction"
	// CreditEntryGrant records credits added from a verified payment.
	CreditEntryGrant CreditEntryKind = "grant"
)

// CreditLogEntry is an immutable interaction-log record written with every balance mutation.
type CreditLogEntry struct {
	ID           string
	UserID       string
	Kind         CreditEntryKind
	Amount       int64
	WasFree      bool
	BalanceAfter int64
	Metadata     map[string]any
	CreatedAt    time.Time
}

// Readiness probe outcomes.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// DependencyProbe is the result of checking one backing service.
type DependencyProbe struct {
	Status    string
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency probes for the readiness endpoint.
type SystemHealthReport struct {
	Status      string
	Probes      map[string]DependencyProbe
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
