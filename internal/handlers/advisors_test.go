package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impimediavillage/marketplace/internal/services"
)

func advisorRouter(svc services.AdvisorService) chi.Router {
	r := chi.NewRouter()
	r.Route("/advisors", NewAdvisorHandlers(nil, svc, nil).Routes)
	return r
}

func TestAskAdvisor(t *testing.T) {
	svc := &stubAdvisorService{askFn: func(_ context.Context, cmd services.AskAdvisorCommand) (services.AdvisorAnswer, error) {
		assert.Equal(t, "user-1", cmd.UserID)
		assert.Equal(t, "wellness", cmd.Advisor)
		assert.Equal(t, "How should I store tinctures?", cmd.Prompt)
		return services.AdvisorAnswer{Advisor: "wellness", Answer: "Cool and dark.", Model: "m-1", CreditsCharged: 5, Balance: 20}, nil
	}}

	rr := httptest.NewRecorder()
	advisorRouter(svc).ServeHTTP(rr, withIdentity(newRequest(t, http.MethodPost, "/advisors/wellness:ask",
		`{"prompt":"How should I store tinctures?"}`), "user-1", ""))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeResponse(t, rr)
	assert.Equal(t, "Cool and dark.", body["answer"])
	assert.EqualValues(t, 5, body["credits_charged"])
	assert.EqualValues(t, 20, body["balance"])
	assert.Equal(t, false, body["was_free"])
}

func TestAskAdvisorErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: balance 1, required 5", services.ErrCreditInsufficientBalance), http.StatusPaymentRequired, "insufficient_balance"},
		{fmt.Errorf("%w: gardening", services.ErrAdvisorNotFound), http.StatusNotFound, "advisor_not_found"},
		{fmt.Errorf("%w: timeout", services.ErrAdvisorUnavailable), http.StatusBadGateway, "advisor_unavailable"},
		{fmt.Errorf("%w: prompt is required", services.ErrAdvisorInvalidInput), http.StatusBadRequest, "invalid_argument"},
		{services.ErrCreditRetryTransaction, http.StatusServiceUnavailable, "retry_transaction"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			svc := &stubAdvisorService{askFn: func(context.Context, services.AskAdvisorCommand) (services.AdvisorAnswer, error) {
				return services.AdvisorAnswer{}, tc.err
			}}
			rr := httptest.NewRecorder()
			advisorRouter(svc).ServeHTTP(rr, withIdentity(newRequest(t, http.MethodPost, "/advisors/wellness:ask", `{"prompt":"hi"}`), "user-1", ""))

			require.Equal(t, tc.status, rr.Code)
			assert.Equal(t, tc.code, decodeResponse(t, rr)["error"])
		})
	}
}
