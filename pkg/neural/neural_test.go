package neural

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStubEvaluator_ReturnsSymbolicRiskUnchanged(t *testing.T) {
	risk, err := StubEvaluator{}.Score(context.Background(), Request{SymbolicRisk: 57})
	require.NoError(t, err)
	require.Equal(t, 57, risk)
}

func TestHTTPEvaluator_ScoresSuccessfully(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req scoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "read", req.Action)
		_ = json.NewEncoder(w).Encode(scoreResponse{Risk: 72})
	}))
	defer srv.Close()

	eval := NewHTTPEvaluator(srv.URL, time.Second)
	risk, err := eval.Score(context.Background(), Request{Action: "read", SymbolicRisk: 10})
	require.NoError(t, err)
	require.Equal(t, 72, risk)
}

func TestHTTPEvaluator_ClampsOutOfRangeRisk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(scoreResponse{Risk: 500})
	}))
	defer srv.Close()

	eval := NewHTTPEvaluator(srv.URL, time.Second)
	risk, err := eval.Score(context.Background(), Request{Action: "read"})
	require.NoError(t, err)
	require.Equal(t, 100, risk)
}

func TestHTTPEvaluator_NoURLConfiguredErrors(t *testing.T) {
	eval := NewHTTPEvaluator("", time.Second)
	_, err := eval.Score(context.Background(), Request{})
	require.Error(t, err)
}

func TestHTTPEvaluator_NonOKStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	eval := NewHTTPEvaluator(srv.URL, time.Second)
	_, err := eval.Score(context.Background(), Request{})
	require.Error(t, err)
}

func TestHTTPEvaluator_RateLimitBlocksBurstBeyondCapacity(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(scoreResponse{Risk: 1})
	}))
	defer srv.Close()

	eval := NewRateLimitedHTTPEvaluator(srv.URL, time.Second, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := eval.Score(context.Background(), Request{})
	require.NoError(t, err)

	_, err = eval.Score(ctx, Request{})
	require.Error(t, err, "second call should exceed the 1 req/s bucket before the short deadline elapses")
}
