package couriers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/shopspring/decimal"

	domain "github.com/impimediavillage/marketplace/internal/domain"
)

const (
	defaultQuoteAttempts = 3
	defaultHTTPTimeout   = 15 * time.Second
	maxResponseBytes     = 8 << 20
)

// DefaultStatusMap covers the tracking vocabulary shared by the supported courier APIs.
func DefaultStatusMap() map[string]domain.ShipmentStatus {
	return map[string]domain.ShipmentStatus{
		"collected":          domain.ShipmentStatusInTransit,
		"in-transit":         domain.ShipmentStatusInTransit,
		"at-hub":             domain.ShipmentStatusInTransit,
		"out-for-delivery":   domain.ShipmentStatusOutForDelivery,
		"delivered":          domain.ShipmentStatusDelivered,
		"failed-delivery":    domain.ShipmentStatusFailed,
		"returned-to-sender": domain.ShipmentStatusReturned,
		"cancelled":          domain.ShipmentStatusCancelled,
	}
}

// HTTPProviderConfig configures a JSON-over-HTTP courier integration.
type HTTPProviderConfig struct {
	Name          string
	BaseURL       string
	APIKey        string
	RatesPath     string
	ShipmentsPath string
	StatusMap     map[string]domain.ShipmentStatus
	HTTPClient    *http.Client
	QuoteAttempts int
	Backoff       gax.Backoff
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

// HTTPProvider talks to a courier REST API using bearer-token auth.
type HTTPProvider struct {
	name          string
	baseURL       string
	apiKey        string
	ratesPath     string
	shipmentsPath string
	statuses      map[string]domain.ShipmentStatus
	client        *http.Client
	attempts      int
	backoff       gax.Backoff
	logger        func(context.Context, string, map[string]any)
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider validates cfg and fills defaults.
func NewHTTPProvider(cfg HTTPProviderConfig) (*HTTPProvider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if name == "" {
		return nil, errors.New("couriers: provider name is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("couriers: %s base url is required", name)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	attempts := cfg.QuoteAttempts
	if attempts <= 0 {
		attempts = defaultQuoteAttempts
	}
	backoff := cfg.Backoff
	if backoff.Initial <= 0 {
		backoff = gax.Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2}
	}
	statuses := cfg.StatusMap
	if len(statuses) == 0 {
		statuses = DefaultStatusMap()
	}
	normalised := make(map[string]domain.ShipmentStatus, len(statuses))
	for raw, status := range statuses {
		normalised[normaliseCourierStatus(raw)] = status
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &HTTPProvider{
		name:          name,
		baseURL:       baseURL,
		apiKey:        strings.TrimSpace(cfg.APIKey),
		ratesPath:     pathOrDefault(cfg.RatesPath, "/rates"),
		shipmentsPath: pathOrDefault(cfg.ShipmentsPath, "/shipments"),
		statuses:      normalised,
		client:        client,
		attempts:      attempts,
		backoff:       backoff,
		logger:        logger,
	}, nil
}

func (p *HTTPProvider) Name() string { return p.name }

type wireRateRequest struct {
	CollectionAddress Address         `json:"collection_address"`
	DeliveryAddress   Address         `json:"delivery_address"`
	Parcels           []Parcel        `json:"parcels"`
	DeclaredValue     decimal.Decimal `json:"declared_value"`
}

type wireRateResponse struct {
	Rates []struct {
		ID           string `json:"id"`
		ServiceLevel struct {
			Code string `json:"code"`
			Name string `json:"name"`
		} `json:"service_level"`
		Rate          decimal.Decimal `json:"rate"`
		Currency      string          `json:"currency"`
		EstimatedDays int             `json:"estimated_days"`
	} `json:"rates"`
}

// Quote requests rates, retrying transient failures with exponential backoff. Quotes have no side effects
// at the courier so repeating them is safe.
func (p *HTTPProvider) Quote(ctx context.Context, req RateRequest) ([]Rate, error) {
	body := wireRateRequest{
		CollectionAddress: req.Origin,
		DeliveryAddress:   req.Destination,
		Parcels:           req.Parcels,
		DeclaredValue:     req.DeclaredValue,
	}

	backoff := p.backoff
	var (
		resp    wireRateResponse
		lastErr error
	)
	for attempt := 1; attempt <= p.attempts; attempt++ {
		lastErr = p.do(ctx, http.MethodPost, p.ratesPath, body, &resp)
		if lastErr == nil || !errors.Is(lastErr, ErrUnavailable) || attempt == p.attempts {
			break
		}
		pause := backoff.Pause()
		p.logger(ctx, "couriers.quote.retry", map[string]any{
			"provider": p.name,
			"attempt":  attempt,
			"pause":    pause.String(),
			"error":    lastErr.Error(),
		})
		if err := gax.Sleep(ctx, pause); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, p.name, err)
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}

	rates := make([]Rate, 0, len(resp.Rates))
	for _, r := range resp.Rates {
		rates = append(rates, Rate{
			Provider:      p.name,
			RateID:        r.ID,
			ServiceLevel:  r.ServiceLevel.Code,
			Description:   r.ServiceLevel.Name,
			Amount:        r.Rate,
			Currency:      strings.ToUpper(r.Currency),
			EstimatedDays: r.EstimatedDays,
		})
	}
	return rates, nil
}

type wireShipmentRequest struct {
	Reference         string   `json:"customer_reference"`
	RateID            string   `json:"rate_id"`
	CollectionAddress Address  `json:"collection_address"`
	DeliveryAddress   Address  `json:"delivery_address"`
	Parcels           []Parcel `json:"parcels"`
}

type wireShipmentResponse struct {
	TrackingReference string `json:"tracking_reference"`
	ServiceLevelCode  string `json:"service_level_code"`
	LabelPDF          []byte `json:"label_pdf"`
}

// CreateLabel books the consignment. Bookings are not idempotent at the courier and are never retried.
func (p *HTTPProvider) CreateLabel(ctx context.Context, req LabelRequest) (Label, error) {
	var resp wireShipmentResponse
	err := p.do(ctx, http.MethodPost, p.shipmentsPath, wireShipmentRequest{
		Reference:         req.Reference,
		RateID:            req.RateID,
		CollectionAddress: req.Origin,
		DeliveryAddress:   req.Destination,
		Parcels:           req.Parcels,
	}, &resp)
	if err != nil {
		return Label{}, err
	}
	if strings.TrimSpace(resp.TrackingReference) == "" || len(resp.LabelPDF) == 0 {
		return Label{}, fmt.Errorf("%w: %s returned an incomplete label", ErrUnavailable, p.name)
	}
	return Label{
		TrackingNumber: strings.TrimSpace(resp.TrackingReference),
		ServiceLevel:   resp.ServiceLevelCode,
		PDF:            resp.LabelPDF,
	}, nil
}

func (p *HTTPProvider) MapStatus(raw string) (domain.ShipmentStatus, bool) {
	status, ok := p.statuses[normaliseCourierStatus(raw)]
	return status, ok
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("couriers: %s: encode request: %w", p.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("couriers: %s: build request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, p.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: %s: read response: %v", ErrUnavailable, p.name, err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: status %d", ErrUnavailable, p.name, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: %s: status %d: %s", ErrRejected, p.name, resp.StatusCode, truncate(string(body), 256))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", ErrUnavailable, p.name, err)
	}
	return nil
}

func normaliseCourierStatus(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	return strings.NewReplacer("_", "-", " ", "-").Replace(raw)
}

func pathOrDefault(path, fallback string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return fallback
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
