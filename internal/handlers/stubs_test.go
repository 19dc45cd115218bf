package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/stretchr/testify/require"

	"github.com/impimediavillage/marketplace/internal/platform/auth"
	"github.com/impimediavillage/marketplace/internal/services"
)

type stubShipmentService struct {
	createFn     func(context.Context, services.CreateShipmentCommand) (services.Shipment, error)
	getFn        func(context.Context, string) (services.Shipment, error)
	listFn       func(context.Context, string) ([]services.Shipment, error)
	transitionFn func(context.Context, services.ShipmentTransitionCommand) (services.Shipment, error)
	trackingFn   func(context.Context, services.TrackingUpdate) (services.TrackingUpdateResult, error)
	allowed      []services.ShipmentStatus
}

func (s *stubShipmentService) Create(ctx context.Context, cmd services.CreateShipmentCommand) (services.Shipment, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Shipment{}, errors.New("not implemented")
}

func (s *stubShipmentService) Get(ctx context.Context, id string) (services.Shipment, error) {
	if s.getFn != nil {
		return s.getFn(ctx, id)
	}
	return services.Shipment{}, services.ErrShipmentNotFound
}

func (s *stubShipmentService) ListByOrder(ctx context.Context, orderID string) ([]services.Shipment, error) {
	if s.listFn != nil {
		return s.listFn(ctx, orderID)
	}
	return nil, nil
}

func (s *stubShipmentService) Transition(ctx context.Context, cmd services.ShipmentTransitionCommand) (services.Shipment, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.Shipment{}, errors.New("not implemented")
}

func (s *stubShipmentService) ApplyTrackingUpdate(ctx context.Context, update services.TrackingUpdate) (services.TrackingUpdateResult, error) {
	if s.trackingFn != nil {
		return s.trackingFn(ctx, update)
	}
	return services.TrackingUpdateResult{}, errors.New("not implemented")
}

func (s *stubShipmentService) Describe() []services.ShipmentStatusInfo {
	return services.NewShipmentStatusMachine().Describe()
}

func (s *stubShipmentService) AllowedNext(services.Shipment) []services.ShipmentStatus {
	return s.allowed
}

type stubCourierService struct {
	quoteFn func(context.Context, services.CourierQuoteCommand) ([]services.CourierRate, error)
	labelFn func(context.Context, services.GenerateLabelCommand) (services.GeneratedLabel, error)
}

func (s *stubCourierService) Quote(ctx context.Context, cmd services.CourierQuoteCommand) ([]services.CourierRate, error) {
	if s.quoteFn != nil {
		return s.quoteFn(ctx, cmd)
	}
	return nil, errors.New("not implemented")
}

func (s *stubCourierService) GenerateLabel(ctx context.Context, cmd services.GenerateLabelCommand) (services.GeneratedLabel, error) {
	if s.labelFn != nil {
		return s.labelFn(ctx, cmd)
	}
	return services.GeneratedLabel{}, errors.New("not implemented")
}

type stubCreditService struct {
	balanceFn func(context.Context, string) (services.CreditBalance, error)
	historyFn func(context.Context, services.CreditHistoryQuery) (services.CreditHistoryPage, error)
	grantFn   func(context.Context, services.GrantCreditsCommand) (services.CreditBalance, error)
}

func (s *stubCreditService) DeductAndLog(context.Context, services.DeductCreditsCommand) (int64, error) {
	return 0, errors.New("not implemented")
}

func (s *stubCreditService) GrantFromPayment(ctx context.Context, cmd services.GrantCreditsCommand) (services.CreditBalance, error) {
	if s.grantFn != nil {
		return s.grantFn(ctx, cmd)
	}
	return services.CreditBalance{}, errors.New("not implemented")
}

func (s *stubCreditService) Balance(ctx context.Context, userID string) (services.CreditBalance, error) {
	if s.balanceFn != nil {
		return s.balanceFn(ctx, userID)
	}
	return services.CreditBalance{UserID: userID}, nil
}

func (s *stubCreditService) History(ctx context.Context, query services.CreditHistoryQuery) (services.CreditHistoryPage, error) {
	if s.historyFn != nil {
		return s.historyFn(ctx, query)
	}
	return services.CreditHistoryPage{Entries: []services.CreditLogEntry{}}, nil
}

func (s *stubCreditService) FreeInteractionsUsed(context.Context, string, string) (int, error) {
	return 0, nil
}

type stubAdvisorService struct {
	askFn func(context.Context, services.AskAdvisorCommand) (services.AdvisorAnswer, error)
}

func (s *stubAdvisorService) Ask(ctx context.Context, cmd services.AskAdvisorCommand) (services.AdvisorAnswer, error) {
	if s.askFn != nil {
		return s.askFn(ctx, cmd)
	}
	return services.AdvisorAnswer{}, errors.New("not implemented")
}

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

type stubTokenVerifier struct {
	tokens map[string]*firebaseauth.Token
}

func (v *stubTokenVerifier) VerifyIDToken(_ context.Context, token string) (*firebaseauth.Token, error) {
	if t, ok := v.tokens[token]; ok {
		return t, nil
	}
	return nil, errors.New("invalid token")
}

func newRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch v := body.(type) {
		case string:
			buf.WriteString(v)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(v))
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func withIdentity(req *http.Request, uid string, dispensaryID string, roles ...string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{
		UID:          uid,
		Roles:        roles,
		DispensaryID: dispensaryID,
	}))
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body
}

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
