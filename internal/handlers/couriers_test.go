package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impimediavillage/marketplace/internal/platform/money"
	"github.com/impimediavillage/marketplace/internal/services"
)

func TestCourierQuote(t *testing.T) {
	var got services.CourierQuoteCommand
	svc := &stubCourierService{quoteFn: func(_ context.Context, cmd services.CourierQuoteCommand) ([]services.CourierRate, error) {
		got = cmd
		return []services.CourierRate{
			{Provider: "shiplogic", RateID: "rate_1", ServiceLevel: "ECO", Amount: decimal.RequireFromString("89.5"), Currency: "USD", EstimatedDays: 3},
			{Provider: "shiplogic", RateID: "rate_2", ServiceLevel: "INT", Amount: decimal.RequireFromString("300"), Currency: "EUR"},
		}, nil
	}}
	display, err := money.NewFormatter("USD", "en")
	require.NoError(t, err)
	r := chi.NewRouter()
	r.Route("/couriers", NewCourierHandlers(nil, svc, display).Routes)

	rr := httptest.NewRecorder()
	req := withIdentity(newRequest(t, http.MethodPost, "/couriers/shiplogic/rates",
		`{"origin":{"postal_code":"8001","country":"za"},"destination":{"postal_code":"4001","country":"ZA"},"parcels":[{"weight_kg":2}],"declared_value":"500"}`), "user-1", "")
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "shiplogic", got.Provider)
	assert.Equal(t, "ZA", got.Origin.Country)
	assert.True(t, got.DeclaredValue.Equal(decimal.NewFromInt(500)))
	require.Len(t, got.Parcels, 1)
	assert.Equal(t, 2.0, got.Parcels[0].WeightKG)

	rates := decodeResponse(t, rr)["rates"].([]any)
	require.Len(t, rates, 2)
	first := rates[0].(map[string]any)
	assert.Equal(t, "89.5", first["amount"])
	assert.Equal(t, "$ 89.50", first["display_amount"])
	assert.NotContains(t, rates[1].(map[string]any), "display_amount")
}

func TestCourierQuoteRequiresIdentity(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/couriers", NewCourierHandlers(nil, &stubCourierService{}, nil).Routes)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, newRequest(t, http.MethodPost, "/couriers/shiplogic/rates", `{}`))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
