package stripeconnect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smallbiznis/creatorledger/internal/payout/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transfer() domain.Transfer {
	return domain.Transfer{
		PayoutRequestID: 42,
		CreatorID:       7,
		Amount:          5000,
		Currency:        "USD",
		Account:         domain.PayoutAccount{Rail: domain.RailStripeConnect, StripeAccountID: "acct_123"},
		IdempotencyKey:  "payout-42",
	}
}

func TestSendCreatesTransfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transfers", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "payout-42", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "5000", r.PostForm.Get("amount"))
		assert.Equal(t, "usd", r.PostForm.Get("currency"))
		assert.Equal(t, "acct_123", r.PostForm.Get("destination"))
		assert.Equal(t, "payout_42", r.PostForm.Get("transfer_group"))
		_, _ = w.Write([]byte(`{"id":"tr_1"}`))
	}))
	defer srv.Close()

	res, err := New(Config{BaseURL: srv.URL, SecretKey: "sk_test"}).Send(context.Background(), transfer())
	require.NoError(t, err)
	assert.Equal(t, "tr_1", res.Reference)
}

func TestSendSurfacesStripeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"No such destination"}}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL, SecretKey: "sk_test"}).Send(context.Background(), transfer())
	require.EqualError(t, err, "No such destination")

	_, err = New(Config{BaseURL: srv.URL}).Send(context.Background(), transfer())
	assert.ErrorIs(t, err, domain.ErrRailNotConfigured)
}
