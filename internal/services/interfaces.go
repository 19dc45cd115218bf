package services

import (
	"context"

	"github.com/shopspring/decimal"

	domain "github.com/impimediavillage/marketplace/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	CommissionTier      = domain.CommissionTier
	PriceBreakdown      = domain.PriceBreakdown
	CheckoutItem        = domain.CheckoutItem
	CheckoutLineItem    = domain.CheckoutLineItem
	CheckoutSummary     = domain.CheckoutSummary
	DeliveryMode        = domain.DeliveryMode
	ShipmentStatus      = domain.ShipmentStatus
	Shipment            = domain.Shipment
	ShipmentEvent       = domain.ShipmentEvent
	CourierAssignment   = domain.CourierAssignment
	PendingStatusChange = domain.PendingStatusChange
	CreditBalance       = domain.CreditBalance
	CreditLogEntry      = domain.CreditLogEntry
	SystemHealthReport  = domain.SystemHealthReport
)

const (
	CommissionTierStandard = domain.CommissionTierStandard
	CommissionTierPool     = domain.CommissionTierPool

	DeliveryModeDriver  = domain.DeliveryModeDriver
	DeliveryModeCourier = domain.DeliveryModeCourier

	ShipmentStatusPending          = domain.ShipmentStatusPending
	ShipmentStatusReadyForShipping = domain.ShipmentStatusReadyForShipping
	ShipmentStatusLabelGenerated   = domain.ShipmentStatusLabelGenerated
	ShipmentStatusInTransit        = domain.ShipmentStatusInTransit
	ShipmentStatusOutForDelivery   = domain.ShipmentStatusOutForDelivery
	ShipmentStatusReadyForPickup   = domain.ShipmentStatusReadyForPickup
	ShipmentStatusClaimedByDriver  = domain.ShipmentStatusClaimedByDriver
	ShipmentStatusPickedUp         = domain.ShipmentStatusPickedUp
	ShipmentStatusEnRoute          = domain.ShipmentStatusEnRoute
	ShipmentStatusNearby           = domain.ShipmentStatusNearby
	ShipmentStatusArrived          = domain.ShipmentStatusArrived
	ShipmentStatusDelivered        = domain.ShipmentStatusDelivered
	ShipmentStatusFailed           = domain.ShipmentStatusFailed
	ShipmentStatusCancelled        = domain.ShipmentStatusCancelled
	ShipmentStatusReturned         = domain.ShipmentStatusReturned
)

// PricingService exposes the price decomposition used by storefront and checkout surfaces.
type PricingService interface {
	CalculatePriceBreakdown(sellerSetPrice, taxRate decimal.Decimal, tier CommissionTier) (PriceBreakdown, error)
	CalculateCheckoutSummary(items []CheckoutItem, shippingCost, taxRate decimal.Decimal) (CheckoutSummary, error)
}

// ShipmentService manages the delivery sub-record of orders.
type ShipmentService interface {
	Create(ctx context.Context, cmd CreateShipmentCommand) (Shipment, error)
	Get(ctx context.Context, shipmentID string) (Shipment, error)
	ListByOrder(ctx context.Context, orderID string) ([]Shipment, error)
	Transition(ctx context.Context, cmd ShipmentTransitionCommand) (Shipment, error)
	ApplyTrackingUpdate(ctx context.Context, update TrackingUpdate) (TrackingUpdateResult, error)
	Describe() []ShipmentStatusInfo
	AllowedNext(shipment Shipment) []ShipmentStatus
}

// CourierService brokers rate quotes and labels with third-party couriers.
type CourierService interface {
	Quote(ctx context.Context, cmd CourierQuoteCommand) ([]CourierRate, error)
	GenerateLabel(ctx context.Context, cmd GenerateLabelCommand) (GeneratedLabel, error)
}

// CreditLedgerService owns every mutation of a user's credit balance.
type CreditLedgerService interface {
	DeductAndLog(ctx context.Context, cmd DeductCreditsCommand) (int64, error)
	GrantFromPayment(ctx context.Context, cmd GrantCreditsCommand) (CreditBalance, error)
	Balance(ctx context.Context, userID string) (CreditBalance, error)
	History(ctx context.Context, query CreditHistoryQuery) (CreditHistoryPage, error)
	FreeInteractionsUsed(ctx context.Context, userID, advisor string) (int, error)
}

// AdvisorService answers user prompts through a hosted model and charges credits on success.
type AdvisorService interface {
	Ask(ctx context.Context, cmd AskAdvisorCommand) (AdvisorAnswer, error)
}

// SystemService reports readiness of backing dependencies.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}
