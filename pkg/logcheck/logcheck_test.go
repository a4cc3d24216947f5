package logcheck

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsverify/opacheck/pkg/backoff"
)

func testRetry() backoff.Config {
	return backoff.Config{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		MaxElapsed:      2 * time.Second,
	}
}

func node(id string, sent interface{}) map[string]interface{} {
	metrics := map[string]interface{}{"sentEventsTotal": nil}
	if sent != nil {
		metrics["sentEventsTotal"] = map[string]interface{}{"sentEventsTotal": sent}
	}
	return map[string]interface{}{"componentId": id, "metrics": metrics}
}

func transformsPayload(nodes ...map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"data": map[string]interface{}{
			"transforms": map[string]interface{}{"nodes": nodes},
		},
	}
}

func newTrigger(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Empty(t, body)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
}

// TestCheck tests that the checker polls the aggregator until events propagate
func TestCheck(t *testing.T) {
	trigger := newTrigger(t)
	defer trigger.Close()

	var calls atomic.Int64
	aggregator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload struct {
			Query string `json:"query"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Contains(t, payload.Query, "transforms(first:100)")

		// events take a few polls to reach the aggregator
		var response map[string]interface{}
		if calls.Add(1) < 3 {
			response = transformsPayload(
				node("acceptedDecisions", nil),
				node("shapedDecisions", nil),
				node(InvalidEventsTransform, nil),
			)
		} else {
			response = transformsPayload(
				node("acceptedDecisions", 5),
				node("shapedDecisions", 5),
				node(InvalidEventsTransform, nil),
			)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}))
	defer aggregator.Close()

	checker := New(Config{
		TriggerURL:    trigger.URL + "/v1/data/test/world",
		AggregatorURL: aggregator.URL + "/graphql",
		Retry:         testRetry(),
	})

	require.NoError(t, checker.Check(context.Background()))
	assert.GreaterOrEqual(t, calls.Load(), int64(3))
}

// TestCheckInvalidEventsCounterZero tests that a zero invalid-events counter passes
func TestCheckInvalidEventsCounterZero(t *testing.T) {
	trigger := newTrigger(t)
	defer trigger.Close()

	aggregator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transformsPayload(
			node("acceptedDecisions", 2),
			node(InvalidEventsTransform, 0),
		))
	}))
	defer aggregator.Close()

	checker := New(Config{
		TriggerURL:    trigger.URL + "/v1/data/test/world",
		AggregatorURL: aggregator.URL + "/graphql",
		Retry:         testRetry(),
	})

	assert.NoError(t, checker.Check(context.Background()))
}

// TestCheckFailures tests the failure modes of the pipeline check
func TestCheckFailures(t *testing.T) {
	exhaust := backoff.Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		MaxAttempts:     2,
	}

	t.Run("trigger not reachable", func(t *testing.T) {
		checker := New(Config{
			TriggerURL:    "http://127.0.0.1:1/v1/data/test/world",
			AggregatorURL: "http://127.0.0.1:1/graphql",
			Retry:         exhaust,
		})

		err := checker.Check(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to reach the policy service")
	})

	t.Run("trigger rejected", func(t *testing.T) {
		trigger := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer trigger.Close()

		var aggregatorCalled atomic.Bool
		aggregator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			aggregatorCalled.Store(true)
		}))
		defer aggregator.Close()

		checker := New(Config{
			TriggerURL:    trigger.URL,
			AggregatorURL: aggregator.URL,
			Retry:         exhaust,
		})

		err := checker.Check(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot generate a decision event")
		assert.False(t, aggregatorCalled.Load())
	})

	respond := func(response interface{}) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(response)
		}))
	}

	tests := []struct {
		name     string
		response interface{}
		wantErr  string
	}{
		{
			name: "invalid events were shipped",
			response: transformsPayload(
				node("acceptedDecisions", 5),
				node(InvalidEventsTransform, 3),
			),
			wantErr: "invalid log events were sent",
		},
		{
			name: "transform without events",
			response: transformsPayload(
				node("acceptedDecisions", 5),
				node("shapedDecisions", nil),
			),
			wantErr: `no events were sent in "shapedDecisions"`,
		},
		{
			name:     "no transforms",
			response: transformsPayload(),
			wantErr:  "no transforms yet",
		},
		{
			name: "graphql error",
			response: map[string]interface{}{
				"errors": []map[string]string{{"message": "unknown field"}},
			},
			wantErr: "aggregator query failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trigger := newTrigger(t)
			defer trigger.Close()

			aggregator := respond(tt.response)
			defer aggregator.Close()

			checker := New(Config{
				TriggerURL:    trigger.URL + "/v1/data/test/world",
				AggregatorURL: aggregator.URL + "/graphql",
				Retry:         exhaust,
			})

			err := checker.Check(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Contains(t, err.Error(), "giving up after 2 attempts")
		})
	}

	t.Run("aggregator rejected", func(t *testing.T) {
		trigger := newTrigger(t)
		defer trigger.Close()

		aggregator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer aggregator.Close()

		checker := New(Config{
			TriggerURL:    trigger.URL + "/v1/data/test/world",
			AggregatorURL: aggregator.URL + "/graphql",
			Retry:         exhaust,
		})

		err := checker.Check(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "aggregator returned status 502")
	})
}

// TestCheckDeadline tests that polling stops once the retry budget is spent
func TestCheckDeadline(t *testing.T) {
	trigger := newTrigger(t)
	defer trigger.Close()

	aggregator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transformsPayload(node("acceptedDecisions", nil)))
	}))
	defer aggregator.Close()

	checker := New(Config{
		TriggerURL:    trigger.URL + "/v1/data/test/world",
		AggregatorURL: aggregator.URL + "/graphql",
		Retry: backoff.Config{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     10 * time.Millisecond,
			MaxElapsed:      100 * time.Millisecond,
		},
	})

	start := time.Now()
	err := checker.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after")
	assert.Less(t, time.Since(start), 2*time.Second)
}
