package advisors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "mushroom-advisor", body["advisor"])
		assert.Equal(t, "what is lion's mane?", body["input"])
		assert.Equal(t, "small-1", body["model"])
		_, _ = w.Write([]byte(`{"output_text":"  A functional mushroom.  ","input_tokens":12,"output_tokens":5}`))
	}))
	defer srv.Close()

	client, err := NewClient(ClientConfig{Endpoint: srv.URL, Token: "tok", Model: "small-1"})
	require.NoError(t, err)

	out, err := client.Complete(context.Background(), CompletionRequest{Advisor: "mushroom-advisor", Prompt: "what is lion's mane?"})
	require.NoError(t, err)
	assert.Equal(t, "A functional mushroom.", out.Text)
	assert.Equal(t, "small-1", out.Model)
	assert.Equal(t, 5, out.OutputTokens)
}

func TestClientCompleteClassifiesFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, want: ErrUnavailable},
		{name: "server error", status: http.StatusBadGateway, want: ErrUnavailable},
		{name: "policy refusal", status: http.StatusBadRequest, want: ErrRejected},
		{name: "empty answer", status: http.StatusOK, body: `{"output_text":" "}`, want: ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client, err := NewClient(ClientConfig{Endpoint: srv.URL})
			require.NoError(t, err)
			_, err = client.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCatalog(t *testing.T) {
	catalog, err := NewCatalog(DefaultProfiles(5, 3)...)
	require.NoError(t, err)

	profile, ok := catalog.Lookup(" Mushroom-Advisor ")
	require.True(t, ok)
	assert.Equal(t, int64(5), profile.CreditCost)
	assert.Equal(t, 3, profile.FreeInteractions)
	assert.Len(t, catalog.Slugs(), 5)

	_, err = NewCatalog(Profile{Slug: "a"}, Profile{Slug: "A"})
	assert.Error(t, err)
	_, err = NewCatalog(Profile{Slug: "a", CreditCost: -1})
	assert.Error(t, err)
}
