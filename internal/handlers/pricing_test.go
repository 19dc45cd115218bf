package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impimediavillage/marketplace/internal/platform/auth"
	"github.com/impimediavillage/marketplace/internal/platform/money"
	"github.com/impimediavillage/marketplace/internal/services"
)

func newPricingRouter(t *testing.T) chi.Router {
	t.Helper()
	return newPricingRouterWithAuth(t, nil)
}

func newPricingRouterWithAuth(t *testing.T, authn *auth.Authenticator) chi.Router {
	t.Helper()
	calc, err := services.NewPriceBreakdownCalculator(services.DefaultCommissionRates())
	require.NoError(t, err)
	display, err := money.NewFormatter("USD", "en")
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/pricing", NewPricingHandlers(authn, calc, display).Routes)
	return r
}

func TestPricingBreakdown(t *testing.T) {
	router := newPricingRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, newRequest(t, http.MethodPost, "/pricing/breakdown",
		`{"seller_set_price":"115","tax_rate":"15","tier":"standard"}`))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeResponse(t, rr)
	breakdown := body["breakdown"].(map[string]any)
	assert.Equal(t, "100", breakdown["base_price"])
	assert.Equal(t, "25", breakdown["commission"])
	assert.Equal(t, "125", breakdown["subtotal_before_tax"])
	assert.Equal(t, "18.75", breakdown["tax"])
	assert.Equal(t, "143.75", breakdown["final_price"])
	assert.Equal(t, "standard", breakdown["commission_tier"])
	assert.Equal(t, "USD", body["currency"])
	assert.Equal(t, "$ 143.75", body["display"].(map[string]any)["final_price"])
}

func TestPricingBreakdownLimitedToSellersAndAdmins(t *testing.T) {
	verifier := &stubTokenVerifier{tokens: map[string]*firebaseauth.Token{
		"customer": {UID: "user-1", Claims: map[string]any{}},
		"seller":   {UID: "seller-1", Claims: map[string]any{"role": "seller", "dispensaryId": "disp_1"}},
	}}
	router := newPricingRouterWithAuth(t, auth.NewAuthenticator(verifier))

	send := func(path, token, body string) *httptest.ResponseRecorder {
		req := newRequest(t, http.MethodPost, path, body)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	breakdown := `{"seller_set_price":"115","tax_rate":"15"}`
	assert.Equal(t, http.StatusUnauthorized, send("/pricing/breakdown", "", breakdown).Code)
	assert.Equal(t, http.StatusForbidden, send("/pricing/breakdown", "customer", breakdown).Code)
	assert.Equal(t, http.StatusOK, send("/pricing/breakdown", "seller", breakdown).Code)

	rr := send("/pricing/checkout-summary", "", `{"items":[{"product_id":"p1","quantity":1,"seller_set_price":"115"}],"shipping_cost":"0","tax_rate":"15"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotContains(t, rr.Body.String(), "commission")
}

func TestPricingBreakdownRejectsInvalidInput(t *testing.T) {
	router := newPricingRouter(t)

	cases := map[string]string{
		"negative price": `{"seller_set_price":"-1","tax_rate":"15"}`,
		"unknown tier":   `{"seller_set_price":"10","tax_rate":"15","tier":"gold"}`,
		"missing rate":   `{"seller_set_price":"10"}`,
		"unknown field":  `{"seller_set_price":"10","tax_rate":"15","discount":"5"}`,
		"not json":       `price=10`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, newRequest(t, http.MethodPost, "/pricing/breakdown", payload))
			require.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "invalid_argument", decodeResponse(t, rr)["error"])
		})
	}
}

func TestPricingCheckoutSummary(t *testing.T) {
	router := newPricingRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, newRequest(t, http.MethodPost, "/pricing/checkout-summary", `{
		"items": [
			{"product_id":"p1","quantity":2,"seller_set_price":"115","tier":"standard"},
			{"product_id":"p2","quantity":1,"seller_set_price":"57.50","tier":"pool"}
		],
		"shipping_cost":"50",
		"tax_rate":"15"
	}`))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeResponse(t, rr)
	assert.Equal(t, "352.5", body["subtotal"])
	assert.Equal(t, "52.875", body["tax"])
	assert.Equal(t, "405.375", body["total"])
	assert.Equal(t, "$ 405.38", body["display"].(map[string]any)["total"])
	assert.NotContains(t, body, "seller_earnings")
	assert.NotContains(t, body, "platform_commission")

	items := body["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "250", items[0].(map[string]any)["line_total"])
	assert.Equal(t, "52.5", items[1].(map[string]any)["line_total"])
}

func TestPricingCheckoutSummaryRejectsNegativeQuantity(t *testing.T) {
	router := newPricingRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, newRequest(t, http.MethodPost, "/pricing/checkout-summary",
		`{"items":[{"product_id":"p1","quantity":-1,"seller_set_price":"10"}],"tax_rate":"15"}`))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_argument", decodeResponse(t, rr)["error"])
}
