package services

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrShipmentInvalidTransition is matched by every *InvalidTransitionError.
	ErrShipmentInvalidTransition = errors.New("shipment: invalid status transition")
	// ErrShipmentUnknownStatus is returned when a status string is outside the closed set.
	ErrShipmentUnknownStatus = errors.New("shipment: unknown status")
)

// InvalidTransitionError carries enough context for callers to explain a rejected transition.
type InvalidTransitionError struct {
	Current   ShipmentStatus
	Attempted ShipmentStatus
	Allowed   []ShipmentStatus
}

func (e *InvalidTransitionError) Error() string {
	allowed := make([]string, 0, len(e.Allowed))
	for _, status := range e.Allowed {
		allowed = append(allowed, string(status))
	}
	return fmt.Sprintf("shipment: cannot transition from %s to %s (allowed: [%s])",
		e.Current, e.Attempted, strings.Join(allowed, ", "))
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrShipmentInvalidTransition
}

type shipmentStatusDef struct {
	label       string
	description string
	mode        DeliveryMode
	next        []ShipmentStatus
}

// An empty mode marks a status shared by both delivery modes.
var shipmentStatusTable = map[ShipmentStatus]shipmentStatusDef{
	ShipmentStatusPending: {
		label:       "Pending",
		description: "Order placed; the dispensary has not prepared it for delivery yet.",
		next:        []ShipmentStatus{ShipmentStatusReadyForShipping, ShipmentStatusReadyForPickup, ShipmentStatusCancelled},
	},
	ShipmentStatusReadyForShipping: {
		label:       "Ready for shipping",
		description: "Packed and waiting for a courier label.",
		mode:        DeliveryModeCourier,
		next:        []ShipmentStatus{ShipmentStatusLabelGenerated, ShipmentStatusCancelled},
	},
	ShipmentStatusLabelGenerated: {
		label:       "Label generated",
		description: "A courier label and tracking number have been issued.",
		mode:        DeliveryModeCourier,
		next:        []ShipmentStatus{ShipmentStatusInTransit, ShipmentStatusCancelled},
	},
	ShipmentStatusInTransit: {
		label:       "In transit",
		description: "The courier has collected the parcel.",
		mode:        DeliveryModeCourier,
		next:        []ShipmentStatus{ShipmentStatusOutForDelivery, ShipmentStatusFailed},
	},
	ShipmentStatusOutForDelivery: {
		label:       "Out for delivery",
		description: "The courier is on the final leg to the customer.",
		mode:        DeliveryModeCourier,
		next:        []ShipmentStatus{ShipmentStatusDelivered, ShipmentStatusFailed},
	},
	ShipmentStatusReadyForPickup: {
		label:       "Ready for pickup",
		description: "Packed and waiting for a driver to claim it.",
		mode:        DeliveryModeDriver,
		next:        []ShipmentStatus{ShipmentStatusClaimedByDriver, ShipmentStatusCancelled},
	},
	ShipmentStatusClaimedByDriver: {
		label:       "Claimed by driver",
		description: "A driver accepted the delivery and is heading to the dispensary.",
		mode:        DeliveryModeDriver,
		next:        []ShipmentStatus{ShipmentStatusPickedUp, ShipmentStatusCancelled},
	},
	ShipmentStatusPickedUp: {
		label:       "Picked up",
		description: "The driver collected the order from the dispensary.",
		mode:        DeliveryModeDriver,
		next:        []ShipmentStatus{ShipmentStatusEnRoute},
	},
	ShipmentStatusEnRoute: {
		label:       "En route",
		description: "The driver is travelling to the customer.",
		mode:        DeliveryModeDriver,
		next:        []ShipmentStatus{ShipmentStatusNearby, ShipmentStatusFailed},
	},
	ShipmentStatusNearby: {
		label:       "Nearby",
		description: "The driver is close to the delivery address.",
		mode:        DeliveryModeDriver,
		next:        []ShipmentStatus{ShipmentStatusArrived, ShipmentStatusFailed},
	},
	ShipmentStatusArrived: {
		label:       "Arrived",
		description: "The driver is at the delivery address.",
		mode:        DeliveryModeDriver,
		next:        []ShipmentStatus{ShipmentStatusDelivered, ShipmentStatusFailed},
	},
	ShipmentStatusDelivered: {
		label:       "Delivered",
		description: "The customer received the order.",
	},
	ShipmentStatusFailed: {
		label:       "Delivery failed",
		description: "The delivery attempt did not succeed.",
		next:        []ShipmentStatus{ShipmentStatusReturned},
	},
	ShipmentStatusCancelled: {
		label:       "Cancelled",
		description: "The shipment was cancelled before delivery.",
	},
	ShipmentStatusReturned: {
		label:       "Returned",
		description: "The parcel went back to the dispensary after a failed delivery.",
	},
}

var highImpactShipmentStatuses = map[ShipmentStatus]struct{}{
	ShipmentStatusDelivered: {},
	ShipmentStatusFailed:    {},
	ShipmentStatusCancelled: {},
	ShipmentStatusReturned:  {},
}

// ShipmentStatusMachine answers transition questions over the fixed delivery table. The zero value is ready
// to use and safe for concurrent use.
type ShipmentStatusMachine struct{}

// NewShipmentStatusMachine returns the shared machine.
func NewShipmentStatusMachine() ShipmentStatusMachine {
	return ShipmentStatusMachine{}
}

// IsValidTransition reports whether next may follow current. Staying in the same known status is always
// valid; statuses outside the table never are.
func (ShipmentStatusMachine) IsValidTransition(current, next ShipmentStatus) bool {
	def, ok := shipmentStatusTable[current]
	if !ok {
		return false
	}
	return current == next || slices.Contains(def.next, next)
}

// AllowedNext returns a fresh copy of the adjacency set for current; terminal and unknown statuses yield an
// empty, non-nil slice.
func (ShipmentStatusMachine) AllowedNext(current ShipmentStatus) []ShipmentStatus {
	def := shipmentStatusTable[current]
	out := make([]ShipmentStatus, len(def.next))
	copy(out, def.next)
	return out
}

// RequiresConfirmation reports whether entering status must be gated behind an operator confirmation.
func (ShipmentStatusMachine) RequiresConfirmation(status ShipmentStatus) bool {
	_, ok := highImpactShipmentStatuses[status]
	return ok
}

// IsTerminal reports whether status has no outbound transitions.
func (ShipmentStatusMachine) IsTerminal(status ShipmentStatus) bool {
	def, ok := shipmentStatusTable[status]
	return ok && len(def.next) == 0
}

// Validate returns an *InvalidTransitionError when next may not follow current.
func (m ShipmentStatusMachine) Validate(current, next ShipmentStatus) error {
	if _, ok := shipmentStatusTable[next]; !ok {
		return fmt.Errorf("%w: %q", ErrShipmentUnknownStatus, next)
	}
	if m.IsValidTransition(current, next) {
		return nil
	}
	return &InvalidTransitionError{
		Current:   current,
		Attempted: next,
		Allowed:   m.AllowedNext(current),
	}
}

// AllowedNextForMode narrows AllowedNext to statuses reachable by a shipment using mode.
func (m ShipmentStatusMachine) AllowedNextForMode(current ShipmentStatus, mode DeliveryMode) []ShipmentStatus {
	out := make([]ShipmentStatus, 0, len(shipmentStatusTable[current].next))
	for _, status := range m.AllowedNext(current) {
		if owner := m.Mode(status); owner == "" || owner == mode {
			out = append(out, status)
		}
	}
	return out
}

// ValidateForMode is Validate restricted to one delivery mode's sub-machine.
func (m ShipmentStatusMachine) ValidateForMode(current, next ShipmentStatus, mode DeliveryMode) error {
	if err := m.Validate(current, next); err != nil {
		return err
	}
	if current == next {
		return nil
	}
	if owner := m.Mode(next); owner != "" && owner != mode {
		return &InvalidTransitionError{
			Current:   current,
			Attempted: next,
			Allowed:   m.AllowedNextForMode(current, mode),
		}
	}
	return nil
}

// Label returns the human-readable name of status.
func (ShipmentStatusMachine) Label(status ShipmentStatus) string {
	if def, ok := shipmentStatusTable[status]; ok {
		return def.label
	}
	return string(status)
}

// Description returns a one-sentence explanation of status.
func (ShipmentStatusMachine) Description(status ShipmentStatus) string {
	return shipmentStatusTable[status].description
}

// Mode returns the delivery mode a status belongs to, or "" for shared statuses.
func (ShipmentStatusMachine) Mode(status ShipmentStatus) DeliveryMode {
	return shipmentStatusTable[status].mode
}

// ShipmentStatusInfo describes one status for API consumers.
type ShipmentStatusInfo struct {
	Status               ShipmentStatus
	Label                string
	Description          string
	Mode                 DeliveryMode
	Terminal             bool
	RequiresConfirmation bool
	AllowedNext          []ShipmentStatus
}

// Describe lists every status in lifecycle order.
func (m ShipmentStatusMachine) Describe() []ShipmentStatusInfo {
	statuses := ShipmentStatuses()
	out := make([]ShipmentStatusInfo, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, ShipmentStatusInfo{
			Status:               status,
			Label:                m.Label(status),
			Description:          m.Description(status),
			Mode:                 m.Mode(status),
			Terminal:             m.IsTerminal(status),
			RequiresConfirmation: m.RequiresConfirmation(status),
			AllowedNext:          m.AllowedNext(status),
		})
	}
	return out
}

var shipmentStatusOrder = []ShipmentStatus{
	ShipmentStatusPending,
	ShipmentStatusReadyForShipping,
	ShipmentStatusLabelGenerated,
	ShipmentStatusInTransit,
	ShipmentStatusOutForDelivery,
	ShipmentStatusReadyForPickup,
	ShipmentStatusClaimedByDriver,
	ShipmentStatusPickedUp,
	ShipmentStatusEnRoute,
	ShipmentStatusNearby,
	ShipmentStatusArrived,
	ShipmentStatusDelivered,
	ShipmentStatusFailed,
	ShipmentStatusCancelled,
	ShipmentStatusReturned,
}

// ShipmentStatuses returns the closed status set in lifecycle order.
func ShipmentStatuses() []ShipmentStatus {
	return append([]ShipmentStatus(nil), shipmentStatusOrder...)
}

// ParseShipmentStatus normalises raw input and rejects values outside the closed set.
func ParseShipmentStatus(raw string) (ShipmentStatus, error) {
	status := ShipmentStatus(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := shipmentStatusTable[status]; !ok {
		return "", fmt.Errorf("%w: %q", ErrShipmentUnknownStatus, raw)
	}
	return status, nil
}
