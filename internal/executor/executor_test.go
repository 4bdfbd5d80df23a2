package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridianfx/execgate/errs"
	"github.com/meridianfx/execgate/internal/broker"
	"github.com/meridianfx/execgate/internal/connpool"
)

func newExecutor(t *testing.T, orders http.HandlerFunc) *Executor {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v3/accounts/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"account":{"id":"a","currency":"USD","balance":"1"},"lastTransactionID":"1"}`))
	})
	mux.HandleFunc("POST /v3/accounts/{id}/orders", orders)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	pool := connpool.New(
		broker.StaticAuthenticator{BaseURL: server.URL, APIKey: "key"},
		connpool.Config{Size: 2, AcquireTimeout: time.Second},
	)
	t.Cleanup(pool.Close)

	return New(pool, nil, nil, Config{LatencyTarget: 100 * time.Millisecond})
}

func fillHandler(filledUnits, price string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{
			"orderCreateTransaction": {"id":"100","type":"MARKET_ORDER"},
			"orderFillTransaction": {"id":"101","orderID":"100","type":"ORDER_FILL","units":"` + filledUnits + `","price":"` + price + `"},
			"lastTransactionID": "101"
		}`))
	}
}

func TestExecuteMarketOrderFilled(t *testing.T) {
	exec := newExecutor(t, fillHandler("10000", "1.08750"))

	result, err := exec.ExecuteMarketOrder(context.Background(), Request{
		AccountID:     "acct-1",
		Instrument:    "EUR_USD",
		Units:         decimal.NewFromInt(10000),
		Side:          SideBuy,
		CorrelationID: "sig-42",
	})
	require.NoError(t, err)
	require.Equal(t, StatusFilled, result.Status)
	require.Equal(t, "100", result.BrokerOrderID)
	require.Equal(t, "101", result.TransactionID)
	require.True(t, result.FilledUnits.Equal(decimal.NewFromInt(10000)))
	require.True(t, result.RemainingUnits.IsZero())
	require.True(t, result.FillPrice.Equal(decimal.RequireFromString("1.08750")))
	require.Greater(t, result.Latency, time.Duration(0))
	require.Contains(t, result.ClientOrderID, "sig-42")

	stored, ok := exec.Results().Get(result.ClientOrderID)
	require.True(t, ok)
	require.Equal(t, StatusFilled, stored.Status)

	snap := exec.Metrics()
	require.Equal(t, int64(1), snap.Total)
	require.Equal(t, 1.0, snap.FillRate)
}

func TestExecuteMarketOrderPending(t *testing.T) {
	exec := newExecutor(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{
			"orderCreateTransaction": {"id":"200","type":"MARKET_ORDER"},
			"lastTransactionID": "200"
		}`))
	})

	result, err := exec.ExecuteMarketOrder(context.Background(), Request{
		AccountID:  "acct-1",
		Instrument: "EUR_USD",
		Units:      decimal.NewFromInt(500),
		Side:       SideBuy,
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, result.Status)
	require.Equal(t, "200", result.BrokerOrderID)
	require.True(t, result.RemainingUnits.Equal(decimal.NewFromInt(500)))
}

func TestExecuteMarketOrderBrokerRejection(t *testing.T) {
	exec := newExecutor(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errorCode":"INSUFFICIENT_MARGIN","errorMessage":"margin exceeded"}`))
	})

	result, err := exec.ExecuteMarketOrder(context.Background(), Request{
		AccountID:  "acct-1",
		Instrument: "EUR_USD",
		Units:      decimal.NewFromInt(1000000),
		Side:       SideBuy,
	})
	require.NoError(t, err, "broker rejections are results, not errors")
	require.Equal(t, StatusRejected, result.Status)
	require.Equal(t, ReasonExecutionError, result.RejectionReason)
	require.Equal(t, "INSUFFICIENT_MARGIN", result.RejectionCode)
	require.Greater(t, result.Latency, time.Duration(0))

	snap := exec.Metrics()
	require.Equal(t, 1.0, snap.RejectionRate)
}

func TestExecuteMarketOrderEmptyResponseRejected(t *testing.T) {
	exec := newExecutor(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"lastTransactionID":"1"}`))
	})

	result, err := exec.ExecuteMarketOrder(context.Background(), Request{
		AccountID:  "acct-1",
		Instrument: "EUR_USD",
		Units:      decimal.NewFromInt(10),
		Side:       SideBuy,
	})
	require.NoError(t, err)
	require.Equal(t, StatusRejected, result.Status)
	require.Equal(t, ReasonExecutionError, result.RejectionReason)
}

func TestExecuteMarketOrderSellSendsNegativeUnits(t *testing.T) {
	var gotUnits string
	exec := newExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		gotUnits, _ = payload["order"]["units"].(string)
		fillHandler("3000", "1.10000")(w, r)
	})

	result, err := exec.ExecuteMarketOrder(context.Background(), Request{
		AccountID:  "acct-1",
		Instrument: "EUR_USD",
		Units:      decimal.NewFromInt(3000),
		Side:       SideSell,
	})
	require.NoError(t, err)
	require.Equal(t, "-3000", gotUnits)
	require.True(t, result.Units.IsNegative())
	require.True(t, result.RemainingUnits.IsZero())
}

func TestExecuteMarketOrderValidation(t *testing.T) {
	exec := newExecutor(t, fillHandler("1", "1"))

	cases := []Request{
		{Instrument: "EUR_USD", Units: decimal.NewFromInt(1), Side: SideBuy},
		{AccountID: "acct-1", Units: decimal.NewFromInt(1), Side: SideBuy},
		{AccountID: "acct-1", Instrument: "EUR_USD", Units: decimal.NewFromInt(1), Side: "HOLD"},
		{AccountID: "acct-1", Instrument: "EUR_USD", Units: decimal.Zero, Side: SideBuy},
	}
	for _, req := range cases {
		_, err := exec.ExecuteMarketOrder(context.Background(), req)
		require.Error(t, err)
	}
}

func TestClientOrderIDsAreDistinct(t *testing.T) {
	exec := newExecutor(t, fillHandler("1", "1"))

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		result, err := exec.ExecuteMarketOrder(context.Background(), Request{
			AccountID:  "acct-1",
			Instrument: "EUR_USD",
			Units:      decimal.NewFromInt(1),
			Side:       SideBuy,
		})
		require.NoError(t, err)
		require.False(t, seen[result.ClientOrderID])
		require.True(t, strings.HasPrefix(result.ClientOrderID, "exec-"))
		seen[result.ClientOrderID] = true
	}
	require.Equal(t, 5, exec.Results().Len())
}

func TestPoolExhaustionSurfacesError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"account":{"id":"a"},"lastTransactionID":"1"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	pool := connpool.New(
		broker.StaticAuthenticator{BaseURL: server.URL, APIKey: "key"},
		connpool.Config{Size: 1, AcquireTimeout: 100 * time.Millisecond},
	)
	defer pool.Close()
	exec := New(pool, nil, nil, Config{})

	held, err := pool.Acquire(context.Background(), "other")
	require.NoError(t, err)
	defer pool.Release(held)

	_, err = exec.ExecuteMarketOrder(context.Background(), Request{
		AccountID:  "acct-1",
		Instrument: "EUR_USD",
		Units:      decimal.NewFromInt(1),
		Side:       SideBuy,
	})
	require.Error(t, err)
	require.True(t, errs.IsTimeout(err))
}

func TestResultStoreIdempotence(t *testing.T) {
	store := NewResultStore()
	result := OrderResult{ClientOrderID: "exec-1", Status: StatusFilled}
	require.True(t, store.Put(result))
	require.False(t, store.Put(OrderResult{ClientOrderID: "exec-1", Status: StatusRejected}))

	stored, ok := store.Get("exec-1")
	require.True(t, ok)
	require.Equal(t, StatusFilled, stored.Status)
}

func TestMarkPartiallyFilled(t *testing.T) {
	store := NewResultStore()
	require.True(t, store.Put(OrderResult{
		ClientOrderID: "exec-1",
		Status:        StatusFilled,
		Units:         decimal.NewFromInt(10000),
	}))

	require.True(t, store.MarkPartiallyFilled("exec-1",
		decimal.NewFromInt(6000), decimal.NewFromInt(4000)))

	stored, _ := store.Get("exec-1")
	require.Equal(t, StatusPartiallyFilled, stored.Status)
	require.True(t, stored.RemainingUnits.Equal(decimal.NewFromInt(4000)))

	// rejected results are immutable
	require.True(t, store.Put(OrderResult{ClientOrderID: "exec-2", Status: StatusRejected}))
	require.False(t, store.MarkPartiallyFilled("exec-2", decimal.Zero, decimal.Zero))
}
