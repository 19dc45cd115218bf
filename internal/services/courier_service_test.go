package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impimediavillage/marketplace/internal/couriers"
	"github.com/impimediavillage/marketplace/internal/repositories/memory"
)

type stubCourier struct {
	name      string
	rates     []couriers.Rate
	quoteErr  error
	label     couriers.Label
	labelErr  error
	labelReqs []couriers.LabelRequest
}

func (c *stubCourier) Name() string { return c.name }

func (c *stubCourier) Quote(context.Context, couriers.RateRequest) ([]couriers.Rate, error) {
	return c.rates, c.quoteErr
}

func (c *stubCourier) CreateLabel(_ context.Context, req couriers.LabelRequest) (couriers.Label, error) {
	c.labelReqs = append(c.labelReqs, req)
	return c.label, c.labelErr
}

func (c *stubCourier) MapStatus(string) (ShipmentStatus, bool) { return "", false }

type memoryLabelStore struct {
	objects map[string][]byte
	signErr error
}

func (s *memoryLabelStore) Put(_ context.Context, object string, pdf []byte) error {
	if s.objects == nil {
		s.objects = map[string][]byte{}
	}
	s.objects[object] = pdf
	return nil
}

func (s *memoryLabelStore) SignedDownloadURL(_ context.Context, object string, expiresIn time.Duration) (string, time.Time, error) {
	if s.signErr != nil {
		return "", time.Time{}, s.signErr
	}
	return "https://storage.example/" + object, time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC).Add(expiresIn), nil
}

type courierFixture struct {
	svc       CourierService
	shipments ShipmentService
	courier   *stubCourier
	labels    *memoryLabelStore
}

func newCourierFixture(t *testing.T) courierFixture {
	t.Helper()
	counter := 0
	shipments, err := NewShipmentService(ShipmentServiceDeps{
		Shipments: memory.NewShipmentRepository(),
		Clock:     func() time.Time { return time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC) },
		IDGenerator: func() string {
			counter++
			return fmt.Sprintf("%04d", counter)
		},
	})
	require.NoError(t, err)

	courier := &stubCourier{
		name:  "shiplogic",
		rates: []couriers.Rate{{Provider: "shiplogic", RateID: "rate_1", ServiceLevel: "ECO", Amount: decimal.RequireFromString("89.50"), Currency: "ZAR"}},
		label: couriers.Label{TrackingNumber: "TRK1", ServiceLevel: "ECO", PDF: []byte("%PDF")},
	}
	manager, err := couriers.NewManager(courier)
	require.NoError(t, err)
	labels := &memoryLabelStore{}

	svc, err := NewCourierService(CourierServiceDeps{Couriers: manager, Shipments: shipments, Labels: labels})
	require.NoError(t, err)
	return courierFixture{svc: svc, shipments: shipments, courier: courier, labels: labels}
}

func (f courierFixture) readyCourierShipment(t *testing.T) Shipment {
	t.Helper()
	ctx := context.Background()
	shipment, err := f.shipments.Create(ctx, CreateShipmentCommand{OrderID: "ord_1", Mode: DeliveryModeCourier})
	require.NoError(t, err)
	shipment, err = f.shipments.Transition(ctx, ShipmentTransitionCommand{ShipmentID: shipment.ID, Target: ShipmentStatusReadyForShipping})
	require.NoError(t, err)
	return shipment
}

func TestCourierServiceQuote(t *testing.T) {
	f := newCourierFixture(t)
	rates, err := f.svc.Quote(context.Background(), CourierQuoteCommand{
		Provider: "ShipLogic",
		Parcels:  []CourierParcel{{WeightKG: 1}},
	})
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.Equal(t, "rate_1", rates[0].RateID)

	_, err = f.svc.Quote(context.Background(), CourierQuoteCommand{Provider: "fedex", Parcels: []CourierParcel{{WeightKG: 1}}})
	assert.ErrorIs(t, err, ErrCourierUnsupported)

	_, err = f.svc.Quote(context.Background(), CourierQuoteCommand{Provider: "shiplogic"})
	assert.ErrorIs(t, err, ErrCourierInvalidInput)
}

func TestCourierServiceQuoteMapsProviderErrors(t *testing.T) {
	f := newCourierFixture(t)
	parcels := []CourierParcel{{WeightKG: 1}}

	f.courier.quoteErr = fmt.Errorf("%w: shiplogic: status 503", couriers.ErrUnavailable)
	_, err := f.svc.Quote(context.Background(), CourierQuoteCommand{Provider: "shiplogic", Parcels: parcels})
	assert.ErrorIs(t, err, ErrCourierUnavailable)

	f.courier.quoteErr = fmt.Errorf("%w: shiplogic: status 422", couriers.ErrRejected)
	_, err = f.svc.Quote(context.Background(), CourierQuoteCommand{Provider: "shiplogic", Parcels: parcels})
	assert.ErrorIs(t, err, ErrCourierInvalidInput)
}

func TestCourierServiceGenerateLabel(t *testing.T) {
	f := newCourierFixture(t)
	shipment := f.readyCourierShipment(t)

	result, err := f.svc.GenerateLabel(context.Background(), GenerateLabelCommand{
		ShipmentID: shipment.ID,
		Provider:   "shiplogic",
		RateID:     "rate_1",
		ActorID:    "seller_1",
	})
	require.NoError(t, err)

	assert.Equal(t, "TRK1", result.TrackingNumber)
	assert.Equal(t, ShipmentStatusLabelGenerated, result.Shipment.Status)
	require.NotNil(t, result.Shipment.Courier)
	assert.Equal(t, "shiplogic", result.Shipment.Courier.Provider)
	assert.Equal(t, "labels/shipments/"+shipment.ID+"/TRK1.pdf", result.Shipment.Courier.LabelObject)
	assert.Contains(t, result.DownloadURL, "TRK1.pdf")
	assert.Equal(t, []byte("%PDF"), f.labels.objects[result.Shipment.Courier.LabelObject])
	require.Len(t, f.courier.labelReqs, 1)
	assert.Equal(t, shipment.ID, f.courier.labelReqs[0].Reference)

	last := result.Shipment.History[len(result.Shipment.History)-1]
	assert.Equal(t, "courier", last.Source)
	assert.Equal(t, "seller_1", last.ActorID)
}

func TestCourierServiceGenerateLabelChecksAuthorizeBeforeBooking(t *testing.T) {
	f := newCourierFixture(t)
	shipment := f.readyCourierShipment(t)

	_, err := f.svc.GenerateLabel(context.Background(), GenerateLabelCommand{
		ShipmentID: shipment.ID,
		Provider:   "shiplogic",
		RateID:     "rate_1",
		Authorize:  func(Shipment) error { return ErrShipmentPermissionDenied },
	})
	require.ErrorIs(t, err, ErrShipmentPermissionDenied)
	assert.Empty(t, f.courier.labelReqs)

	stored, err := f.shipments.Get(context.Background(), shipment.ID)
	require.NoError(t, err)
	assert.Equal(t, ShipmentStatusReadyForShipping, stored.Status)
}

func TestCourierServiceGenerateLabelRequiresReadyForShipping(t *testing.T) {
	f := newCourierFixture(t)
	ctx := context.Background()
	shipment, err := f.shipments.Create(ctx, CreateShipmentCommand{OrderID: "ord_1", Mode: DeliveryModeCourier})
	require.NoError(t, err)

	_, err = f.svc.GenerateLabel(ctx, GenerateLabelCommand{ShipmentID: shipment.ID, Provider: "shiplogic", RateID: "rate_1"})
	var transitionErr *InvalidTransitionError
	require.True(t, errors.As(err, &transitionErr), "got %v", err)
	assert.Empty(t, f.courier.labelReqs)

	driver, err := f.shipments.Create(ctx, CreateShipmentCommand{OrderID: "ord_2", Mode: DeliveryModeDriver})
	require.NoError(t, err)
	_, err = f.svc.GenerateLabel(ctx, GenerateLabelCommand{ShipmentID: driver.ID, Provider: "shiplogic", RateID: "rate_1"})
	assert.True(t, errors.As(err, &transitionErr), "got %v", err)
}

func TestCourierServiceGenerateLabelFailureLeavesShipment(t *testing.T) {
	f := newCourierFixture(t)
	shipment := f.readyCourierShipment(t)
	f.courier.labelErr = fmt.Errorf("%w: shiplogic: status 500", couriers.ErrUnavailable)

	_, err := f.svc.GenerateLabel(context.Background(), GenerateLabelCommand{ShipmentID: shipment.ID, Provider: "shiplogic", RateID: "rate_1"})
	assert.ErrorIs(t, err, ErrCourierUnavailable)

	stored, err := f.shipments.Get(context.Background(), shipment.ID)
	require.NoError(t, err)
	assert.Equal(t, ShipmentStatusReadyForShipping, stored.Status)
	assert.Empty(t, f.labels.objects)
}

func TestCourierServiceGenerateLabelSurvivesSigningFailure(t *testing.T) {
	f := newCourierFixture(t)
	shipment := f.readyCourierShipment(t)
	f.labels.signErr = errors.New("iam unavailable")

	result, err := f.svc.GenerateLabel(context.Background(), GenerateLabelCommand{ShipmentID: shipment.ID, Provider: "shiplogic", RateID: "rate_1"})
	require.NoError(t, err)
	assert.Equal(t, ShipmentStatusLabelGenerated, result.Shipment.Status)
	assert.Empty(t, result.DownloadURL)
}
