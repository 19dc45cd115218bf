// Package couriers integrates third-party courier REST APIs for rate quotes, labels and tracking.
package couriers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/impimediavillage/marketplace/internal/domain"
)

var (
	// ErrUnsupportedProvider is returned when no courier is registered under the requested name.
	ErrUnsupportedProvider = errors.New("couriers: unsupported provider")
	// ErrUnavailable wraps transport failures and 5xx responses.
	ErrUnavailable = errors.New("couriers: provider unavailable")
	// ErrRejected wraps 4xx responses; the request must be corrected before retrying.
	ErrRejected = errors.New("couriers: request rejected")
)

// Address is a pickup or delivery location.
type Address struct {
	Company    string `json:"company,omitempty"`
	Street     string `json:"street_address"`
	Suburb     string `json:"local_area,omitempty"`
	City       string `json:"city"`
	Province   string `json:"zone,omitempty"`
	PostalCode string `json:"code"`
	Country    string `json:"country"`
}

// Parcel describes one box in a consignment.
type Parcel struct {
	LengthCM float64 `json:"submitted_length_cm"`
	WidthCM  float64 `json:"submitted_width_cm"`
	HeightCM float64 `json:"submitted_height_cm"`
	WeightKG float64 `json:"submitted_weight_kg"`
}

// RateRequest asks a courier for available services between two addresses.
type RateRequest struct {
	Origin        Address
	Destination   Address
	Parcels       []Parcel
	DeclaredValue decimal.Decimal
}

// Rate is one quoted courier service.
type Rate struct {
	Provider      string
	RateID        string
	ServiceLevel  string
	Description   string
	Amount        decimal.Decimal
	Currency      string
	EstimatedDays int
}

// LabelRequest books a quoted service and asks for a printable label.
type LabelRequest struct {
	Reference   string
	RateID      string
	Origin      Address
	Destination Address
	Parcels     []Parcel
}

// Label is the booked consignment.
type Label struct {
	TrackingNumber string
	ServiceLevel   string
	PDF            []byte
}

// Provider is implemented by each courier integration.
type Provider interface {
	Name() string
	Quote(ctx context.Context, req RateRequest) ([]Rate, error)
	CreateLabel(ctx context.Context, req LabelRequest) (Label, error)
	// MapStatus translates a courier tracking status into the shipment lifecycle. ok is false for statuses
	// that have no lifecycle equivalent.
	MapStatus(raw string) (status domain.ShipmentStatus, ok bool)
}

// Manager resolves providers by name.
type Manager struct {
	providers map[string]Provider
}

// NewManager registers providers keyed by their lower-cased Name.
func NewManager(providers ...Provider) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("couriers: at least one provider is required")
	}
	registry := make(map[string]Provider, len(providers))
	for _, provider := range providers {
		if provider == nil {
			return nil, errors.New("couriers: nil provider registration")
		}
		key := strings.ToLower(strings.TrimSpace(provider.Name()))
		if key == "" {
			return nil, errors.New("couriers: provider name is required")
		}
		if _, dup := registry[key]; dup {
			return nil, fmt.Errorf("couriers: provider %q registered twice", key)
		}
		registry[key] = provider
	}
	return &Manager{providers: registry}, nil
}

// Provider returns the courier registered under name.
func (m *Manager) Provider(name string) (Provider, error) {
	if m == nil {
		return nil, errors.New("couriers: manager is nil")
	}
	provider, ok := m.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
	}
	return provider, nil
}

// Names lists registered providers in sorted order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
