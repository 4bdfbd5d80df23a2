package connpool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridianfx/execgate/errs"
	"github.com/meridianfx/execgate/internal/broker"
)

type poolFixture struct {
	pool        *Pool
	healthCalls *atomic.Int64
	healthFail  *atomic.Bool
}

func newPoolFixture(t *testing.T, cfg Config) *poolFixture {
	t.Helper()
	calls := new(atomic.Int64)
	fail := new(atomic.Bool)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"errorCode":"UNAVAILABLE","errorMessage":"down"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"account":{"id":"a","currency":"USD","balance":"1"},"lastTransactionID":"1"}`))
	}))
	t.Cleanup(server.Close)

	auth := broker.StaticAuthenticator{BaseURL: server.URL, APIKey: "key"}
	pool := New(auth, cfg)
	t.Cleanup(pool.Close)

	return &poolFixture{pool: pool, healthCalls: calls, healthFail: fail}
}

func TestAcquireReusesReleasedConnection(t *testing.T) {
	fx := newPoolFixture(t, Config{Size: 2, AcquireTimeout: time.Second})
	ctx := context.Background()

	first, err := fx.pool.Acquire(ctx, "acct-1")
	require.NoError(t, err)
	fx.pool.Release(first)

	second, err := fx.pool.Acquire(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	stats := fx.pool.Stats()
	require.Equal(t, int64(1), stats.ConnectionsCreated)
	require.Equal(t, 1, stats.InUse)
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	fx := newPoolFixture(t, Config{Size: 2, AcquireTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	a, err := fx.pool.Acquire(ctx, "acct-1")
	require.NoError(t, err)
	b, err := fx.pool.Acquire(ctx, "acct-2")
	require.NoError(t, err)

	_, err = fx.pool.Acquire(ctx, "acct-3")
	require.Error(t, err)
	require.True(t, errs.IsTimeout(err))

	stats := fx.pool.Stats()
	require.Equal(t, 2, stats.Tracked)
	require.Equal(t, 2, stats.InUse)
	require.Equal(t, int64(1), stats.AcquireTimeouts)

	fx.pool.Release(a)
	fx.pool.Release(b)
}

func TestAcquireUnblocksOnRelease(t *testing.T) {
	fx := newPoolFixture(t, Config{Size: 1, AcquireTimeout: 2 * time.Second})
	ctx := context.Background()

	conn, err := fx.pool.Acquire(ctx, "acct-1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, acquireErr := fx.pool.Acquire(ctx, "acct-1")
		done <- acquireErr
	}()

	time.Sleep(50 * time.Millisecond)
	fx.pool.Release(conn)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiting acquire never unblocked")
	}
}

func TestHealthCheckWindowSkipsRecentChecks(t *testing.T) {
	fx := newPoolFixture(t, Config{Size: 1, AcquireTimeout: time.Second, HealthCheckWindow: time.Hour})
	ctx := context.Background()

	conn, err := fx.pool.Acquire(ctx, "acct-1")
	require.NoError(t, err)
	fx.pool.Release(conn)

	// within the window the cached health flag is trusted
	_, err = fx.pool.Acquire(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), fx.healthCalls.Load())
}

func TestUnhealthyConnectionNotReturned(t *testing.T) {
	fx := newPoolFixture(t, Config{Size: 2, AcquireTimeout: time.Second, HealthCheckWindow: time.Nanosecond})
	ctx := context.Background()

	conn, err := fx.pool.Acquire(ctx, "acct-1")
	require.NoError(t, err)
	fx.pool.Release(conn)

	fx.healthFail.Store(true)

	// the stale connection fails its check; a fresh one is created instead
	replacement, err := fx.pool.Acquire(ctx, "acct-1")
	require.NoError(t, err)
	require.NotEqual(t, conn.ID, replacement.ID)
	require.GreaterOrEqual(t, fx.healthCalls.Load(), int64(1))

	stats := fx.pool.Stats()
	require.Equal(t, 1, stats.Unhealthy)
}

func TestMaintenanceEvictsIdleConnections(t *testing.T) {
	fx := newPoolFixture(t, Config{
		Size:                2,
		AcquireTimeout:      time.Second,
		MaxIdleTime:         10 * time.Millisecond,
		MaintenanceInterval: 20 * time.Millisecond,
		HealthCheckWindow:   time.Hour,
	})
	ctx := context.Background()

	conn, err := fx.pool.Acquire(ctx, "acct-1")
	require.NoError(t, err)
	fx.pool.Release(conn)

	require.Eventually(t, func() bool {
		return fx.pool.Stats().ConnectionsDestroyed >= 1
	}, 2*time.Second, 10*time.Millisecond, "idle connection never evicted")
}

func TestCloseDestroysEverything(t *testing.T) {
	fx := newPoolFixture(t, Config{Size: 3, AcquireTimeout: time.Second})
	ctx := context.Background()

	for _, account := range []string{"a", "b", "c"} {
		conn, err := fx.pool.Acquire(ctx, account)
		require.NoError(t, err)
		fx.pool.Release(conn)
	}

	fx.pool.Close()
	stats := fx.pool.Stats()
	require.Equal(t, 0, stats.Tracked)
	require.Equal(t, int64(3), stats.ConnectionsDestroyed)

	_, err := fx.pool.Acquire(ctx, "a")
	require.Error(t, err)
}

func TestErrorRateCountsRequestFailures(t *testing.T) {
	m := newConnectionMetrics(time.Now())
	m.Record(time.Millisecond, false)
	m.Record(time.Millisecond, true)
	require.InDelta(t, 0.5, m.ErrorRate(), 1e-9)

	m.Record(time.Millisecond, true)
	require.InDelta(t, 2.0/3.0, m.ErrorRate(), 1e-9)
}

func TestErrorRateReachesOneFromFailuresAlone(t *testing.T) {
	m := newConnectionMetrics(time.Now())
	m.Record(time.Millisecond, true)
	m.Record(time.Millisecond, true)
	require.Equal(t, 1.0, m.ErrorRate())

	healthOnly := newConnectionMetrics(time.Now())
	healthOnly.RecordError()
	require.Equal(t, 1.0, healthOnly.ErrorRate())
}

func TestRuntimeSnapshotTracksLifecycle(t *testing.T) {
	fx := newPoolFixture(t, Config{
		Size:                2,
		AcquireTimeout:      time.Second,
		HealthCheckWindow:   time.Nanosecond,
		MaintenanceInterval: 20 * time.Millisecond,
	})
	ctx := context.Background()

	conn, err := fx.pool.Acquire(ctx, "acct-1")
	require.NoError(t, err)
	fx.pool.Release(conn)

	// the stale connection fails its next check and a replacement is built
	fx.healthFail.Store(true)
	replacement, err := fx.pool.Acquire(ctx, "acct-1")
	require.NoError(t, err)
	fx.pool.Release(replacement)
	fx.healthFail.Store(false)

	snapshot := fx.pool.RuntimeSnapshot()
	require.Equal(t, int64(2), snapshot.ConnectionsCreated)
	require.GreaterOrEqual(t, snapshot.HealthCheckFailures, int64(1))

	require.Eventually(t, func() bool {
		return len(fx.pool.RuntimeSnapshot().StateCounts) > 0
	}, 2*time.Second, 10*time.Millisecond, "maintenance loop never exported state counts")
}

func TestWithConnectionReleases(t *testing.T) {
	fx := newPoolFixture(t, Config{Size: 1, AcquireTimeout: time.Second})
	ctx := context.Background()

	err := fx.pool.WithConnection(ctx, "acct-1", func(conn *PooledConnection) error {
		require.Equal(t, 1, fx.pool.Stats().InUse)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, fx.pool.Stats().InUse)
}
