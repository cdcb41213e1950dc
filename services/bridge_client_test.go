package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgeClientRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"trades":[{"ticket":42,"symbol":"EURUSD","type":1,"volume":150,"profit":10}]}`))
	}))
	defer srv.Close()

	c := NewBridgeClient(srv.URL, "secret")

	start := time.Now()
	trades, err := c.FetchTrades(context.Background(), "100001")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(42), trades[0].Ticket)
	assert.Equal(t, int32(3), calls.Load())
	// two backoffs: 1s then 2s
	assert.GreaterOrEqual(t, time.Since(start), 3*time.Second)
}

func TestBridgeClientDoesNotRetry4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"bad group"}`))
	}))
	defer srv.Close()

	c := NewBridgeClient(srv.URL, "secret")

	_, err := c.CreateAccount(context.Background(), CreateAccountRequest{Group: "bogus"})
	require.Error(t, err)
	var be *BridgeError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusUnprocessableEntity, be.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBridgeClientGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewBridgeClient(srv.URL, "secret")

	err := c.EnableAccount(context.Background(), "100001")
	require.Error(t, err)
	var be *BridgeError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusInternalServerError, be.StatusCode)
	assert.Equal(t, int32(3), calls.Load()) // first try + 2 retries
}

func TestBridgeClientDisableTreats404AsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewBridgeClient(srv.URL, "secret")
	assert.NoError(t, c.DisableAccount(context.Background(), "100001"))
}

func TestBridgeClientFetchTradesDegradesToEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewBridgeClient(srv.URL, "secret")

	trades, err := c.FetchTrades(context.Background(), "100001")
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestBridgeClientHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewBridgeClient(srv.URL, "secret")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// Cancellation during backoff propagates instead of waiting out retries.
	err := c.EnableAccount(ctx, "100001")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
