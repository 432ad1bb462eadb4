package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/escrow-engine/internal/processor"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "secret-key", time.Second)
}

func captureRequest() processor.CaptureRequest {
	return processor.CaptureRequest{
		IdempotencyKey: "key-1",
		OrderID:        uuid.New(),
		PayerID:        uuid.New(),
		Amount:         decimal.NewFromInt(100),
		Currency:       "USD",
	}
}

func TestClient_CaptureSendsIdempotencyKey(t *testing.T) {
	var got processor.CaptureRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/captures", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ref":"cap_1","status":"succeeded"}`))
	})

	req := captureRequest()
	result, err := c.Capture(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "cap_1", result.Ref)
	assert.Equal(t, processor.StatusSucceeded, result.Status)
	assert.True(t, req.Amount.Equal(got.Amount))
}

func TestClient_ConflictMeansAlreadyProcessed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"ref":"tr_1"}`))
	})

	result, err := c.Transfer(context.Background(), processor.TransferRequest{IdempotencyKey: "key-2"})
	require.NoError(t, err)
	assert.True(t, result.AlreadyProcessed)
	assert.Equal(t, "tr_1", result.Ref)
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"declined", http.StatusPaymentRequired, `{"error":"insufficient funds"}`, processor.ErrDeclined},
		{"unprocessable", http.StatusUnprocessableEntity, `{"error":"bad hold"}`, processor.ErrDeclined},
		{"rate limited", http.StatusTooManyRequests, ``, processor.ErrUnavailable},
		{"server error", http.StatusBadGateway, ``, processor.ErrUnavailable},
		{"failed in body", http.StatusOK, `{"status":"failed","reason":"blocked"}`, processor.ErrDeclined},
		{"garbage body", http.StatusOK, `not json`, processor.ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.Refund(context.Background(), processor.RefundRequest{IdempotencyKey: "key-3"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClient_LookupUnknownKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/operations/key-4", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.Lookup(context.Background(), "key-4")
	assert.ErrorIs(t, err, processor.ErrUnknownKey)
}

func TestClient_LookupReturnsFailedStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ref":"cap_9","status":"failed","reason":"expired"}`))
	})

	result, err := c.Lookup(context.Background(), "key-5")
	require.NoError(t, err)
	assert.Equal(t, processor.StatusFailed, result.Status)
	assert.Equal(t, "expired", result.Reason)
}

func TestClient_ContextDeadlineIsNotUnavailable(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Capture(ctx, captureRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, processor.ErrUnavailable)
}
