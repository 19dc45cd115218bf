package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/impimediavillage/marketplace/internal/couriers"
	pstorage "github.com/impimediavillage/marketplace/internal/platform/storage"
)

const (
	courierShipmentSource = "courier"
	labelURLExpiry        = 10 * time.Minute
)

var (
	// ErrCourierInvalidInput signals malformed quote or label requests, including courier-side validation failures.
	ErrCourierInvalidInput = errors.New("courier: invalid input")
	// ErrCourierUnsupported is returned for an unknown provider name.
	ErrCourierUnsupported = errors.New("courier: unsupported provider")
	// ErrCourierUnavailable wraps transport failures at the courier.
	ErrCourierUnavailable = errors.New("courier: provider unavailable")
)

// CourierRate is a quoted courier service.
type CourierRate = couriers.Rate

// CourierAddress is a pickup or delivery location.
type CourierAddress = couriers.Address

// CourierParcel describes one box in a consignment.
type CourierParcel = couriers.Parcel

// CourierRegistry resolves courier integrations by name.
type CourierRegistry interface {
	Provider(name string) (couriers.Provider, error)
}

// CourierLabelStore persists label documents and hands out short-lived download links.
type CourierLabelStore interface {
	Put(ctx context.Context, object string, pdf []byte) error
	SignedDownloadURL(ctx context.Context, object string, expiresIn time.Duration) (string, time.Time, error)
}

// CourierServiceDeps wires courier collaborators.
type CourierServiceDeps struct {
	Couriers  CourierRegistry
	Shipments ShipmentService
	Labels    CourierLabelStore
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// CourierQuoteCommand asks one provider for rates.
type CourierQuoteCommand struct {
	Provider      string
	Origin        CourierAddress
	Destination   CourierAddress
	Parcels       []CourierParcel
	DeclaredValue decimal.Decimal
}

// GenerateLabelCommand books a quoted rate for a shipment.
type GenerateLabelCommand struct {
	ShipmentID  string
	Provider    string
	RateID      string
	Origin      CourierAddress
	Destination CourierAddress
	Parcels     []CourierParcel
	ActorID     string
	// Authorize is checked before booking and again inside the status transaction.
	Authorize   func(Shipment) error
}

// GeneratedLabel is the result of a successful booking.
type GeneratedLabel struct {
	Shipment       Shipment
	TrackingNumber string
	DownloadURL    string
	ExpiresAt      time.Time
}

type courierService struct {
	couriers  CourierRegistry
	shipments ShipmentService
	labels    CourierLabelStore
	machine   ShipmentStatusMachine
	logger    func(context.Context, string, map[string]any)
}

// NewCourierService constructs the courier service.
func NewCourierService(deps CourierServiceDeps) (CourierService, error) {
	if deps.Couriers == nil {
		return nil, errors.New("courier service: courier registry is required")
	}
	if deps.Shipments == nil {
		return nil, errors.New("courier service: shipment service is required")
	}
	if deps.Labels == nil {
		return nil, errors.New("courier service: label store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &courierService{
		couriers:  deps.Couriers,
		shipments: deps.Shipments,
		labels:    deps.Labels,
		machine:   NewShipmentStatusMachine(),
		logger:    logger,
	}, nil
}

func (s *courierService) Quote(ctx context.Context, cmd CourierQuoteCommand) ([]CourierRate, error) {
	if len(cmd.Parcels) == 0 {
		return nil, fmt.Errorf("%w: at least one parcel is required", ErrCourierInvalidInput)
	}
	if cmd.DeclaredValue.IsNegative() {
		return nil, fmt.Errorf("%w: declared value must not be negative", ErrCourierInvalidInput)
	}
	provider, err := s.provider(cmd.Provider)
	if err != nil {
		return nil, err
	}

	rates, err := provider.Quote(ctx, couriers.RateRequest{
		Origin:        cmd.Origin,
		Destination:   cmd.Destination,
		Parcels:       cmd.Parcels,
		DeclaredValue: cmd.DeclaredValue,
	})
	if err != nil {
		s.logger(ctx, "courier.quote.failed", map[string]any{
			"provider": provider.Name(),
			"error":    err.Error(),
		})
		return nil, mapCourierError(err)
	}
	if rates == nil {
		rates = []CourierRate{}
	}
	return rates, nil
}

// GenerateLabel books the rate at the courier, stores the label and moves the shipment to label_generated.
func (s *courierService) GenerateLabel(ctx context.Context, cmd GenerateLabelCommand) (GeneratedLabel, error) {
	rateID := strings.TrimSpace(cmd.RateID)
	if rateID == "" {
		return GeneratedLabel{}, fmt.Errorf("%w: rate id is required", ErrCourierInvalidInput)
	}
	provider, err := s.provider(cmd.Provider)
	if err != nil {
		return GeneratedLabel{}, err
	}
	shipment, err := s.shipments.Get(ctx, cmd.ShipmentID)
	if err != nil {
		return GeneratedLabel{}, err
	}
	if cmd.Authorize != nil {
		if err := cmd.Authorize(shipment); err != nil {
			return GeneratedLabel{}, err
		}
	}
	if err := s.machine.ValidateForMode(shipment.Status, ShipmentStatusLabelGenerated, shipment.Mode); err != nil {
		return GeneratedLabel{}, err
	}
	if shipment.Status == ShipmentStatusLabelGenerated {
		return GeneratedLabel{}, fmt.Errorf("%w: label already generated for %s", ErrCourierInvalidInput, shipment.ID)
	}

	label, err := provider.CreateLabel(ctx, couriers.LabelRequest{
		Reference:   shipment.ID,
		RateID:      rateID,
		Origin:      cmd.Origin,
		Destination: cmd.Destination,
		Parcels:     cmd.Parcels,
	})
	if err != nil {
		s.logger(ctx, "courier.label.failed", map[string]any{
			"provider":   provider.Name(),
			"shipmentId": shipment.ID,
			"error":      err.Error(),
		})
		return GeneratedLabel{}, mapCourierError(err)
	}

	object, err := pstorage.LabelObjectPath(shipment.ID, label.TrackingNumber)
	if err != nil {
		return GeneratedLabel{}, fmt.Errorf("%w: %v", ErrCourierUnavailable, err)
	}
	if err := s.labels.Put(ctx, object, label.PDF); err != nil {
		s.logOrphanedBooking(ctx, provider.Name(), shipment.ID, label.TrackingNumber, err)
		return GeneratedLabel{}, fmt.Errorf("courier: store label: %w", err)
	}

	updated, err := s.shipments.Transition(ctx, ShipmentTransitionCommand{
		ShipmentID: shipment.ID,
		Target:     ShipmentStatusLabelGenerated,
		ActorID:    cmd.ActorID,
		Source:     courierShipmentSource,
		Courier: &CourierAssignment{
			Provider:       provider.Name(),
			ServiceLevel:   label.ServiceLevel,
			TrackingNumber: label.TrackingNumber,
			LabelObject:    object,
			RateID:         rateID,
		},
		Details:   map[string]any{"trackingNumber": label.TrackingNumber},
		Authorize: cmd.Authorize,
	})
	if err != nil {
		s.logOrphanedBooking(ctx, provider.Name(), shipment.ID, label.TrackingNumber, err)
		return GeneratedLabel{}, err
	}

	url, expiresAt, err := s.labels.SignedDownloadURL(ctx, object, labelURLExpiry)
	if err != nil {
		// The label is stored and the shipment advanced; the link can be re-issued from the shipment.
		s.logger(ctx, "courier.label.sign_failed", map[string]any{
			"shipmentId": shipment.ID,
			"error":      err.Error(),
		})
		return GeneratedLabel{Shipment: updated, TrackingNumber: label.TrackingNumber}, nil
	}

	s.logger(ctx, "courier.label.generated", map[string]any{
		"provider":       provider.Name(),
		"shipmentId":     shipment.ID,
		"trackingNumber": label.TrackingNumber,
	})
	return GeneratedLabel{
		Shipment:       updated,
		TrackingNumber: label.TrackingNumber,
		DownloadURL:    url,
		ExpiresAt:      expiresAt,
	}, nil
}

func (s *courierService) provider(name string) (couriers.Provider, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: provider is required", ErrCourierInvalidInput)
	}
	provider, err := s.couriers.Provider(name)
	if err != nil {
		if errors.Is(err, couriers.ErrUnsupportedProvider) {
			return nil, fmt.Errorf("%w: %s", ErrCourierUnsupported, strings.TrimSpace(name))
		}
		return nil, err
	}
	return provider, nil
}

func (s *courierService) logOrphanedBooking(ctx context.Context, provider, shipmentID, tracking string, err error) {
	s.logger(ctx, "courier.label.orphaned", map[string]any{
		"provider":       provider,
		"shipmentId":     shipmentID,
		"trackingNumber": tracking,
		"error":          err.Error(),
	})
}

func mapCourierError(err error) error {
	switch {
	case errors.Is(err, couriers.ErrRejected):
		return fmt.Errorf("%w: %v", ErrCourierInvalidInput, err)
	default:
		return fmt.Errorf("%w: %v", ErrCourierUnavailable, err)
	}
}
