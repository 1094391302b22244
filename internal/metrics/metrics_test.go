// =============================================================================
// 文件: internal/metrics/metrics_test.go
// 描述: 指标与健康检查测试
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcgq/netcore/internal/pool"
	"github.com/mrcgq/netcore/internal/transport"
)

type fakeTransport struct {
	stats transport.Stats
	pool  pool.ObjectStats
}

func (f *fakeTransport) Stats() transport.Stats      { return f.stats }
func (f *fakeTransport) PoolStats() pool.ObjectStats { return f.pool }

func TestMetrics_Observer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.OnDisconnect("udp", transport.ReasonIdleTimeout)
	m.OnDisconnect("udp", transport.ReasonIdleTimeout)
	m.OnDisconnect("tcp", transport.ReasonRemoteClosed)
	m.OnResend(3)
	m.OnResend(0)
	m.OnAckLatency(20 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Disconnects.WithLabelValues("udp", "idle_timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Disconnects.WithLabelValues("tcp", "remote_closed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Resends))
	assert.Equal(t, 1, testutil.CollectAndCount(m.AckLatency))
}

func TestMetrics_SendCompletion(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.OnSendComplete(&pool.OperationContext{Kind: pool.OpSend, N: 10})
	m.OnSendComplete(&pool.OperationContext{Kind: pool.OpSendTo, N: 24})
	m.OnSendComplete(&pool.OperationContext{Kind: pool.OpSendTo, N: 24})
	m.OnSendComplete(&pool.OperationContext{Kind: pool.OpSendTo, Err: errors.New("写入失败")})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendOps.WithLabelValues("send", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SendOps.WithLabelValues("sendto", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendOps.WithLabelValues("sendto", "error")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.SendBytes.WithLabelValues("send")))
	assert.Equal(t, 48.0, testutil.ToFloat64(m.SendBytes.WithLabelValues("sendto")))
}

func TestTransportCollector(t *testing.T) {
	tcp := &fakeTransport{
		stats: transport.Stats{Transport: "tcp", Active: 2, Accepted: 5, BytesIn: 100, BytesOut: 40},
		pool:  pool.ObjectStats{Rented: 2, Pooled: 1},
	}
	udp := &fakeTransport{
		stats: transport.Stats{Transport: "udp", Active: 1, Resends: 7, Unacked: 4, ReorderBuffered: 2},
	}

	c := NewTransportCollector(tcp, udp)
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	expected := `
# HELP netcore_transport_active_connections Number of active connections
# TYPE netcore_transport_active_connections gauge
netcore_transport_active_connections{transport="tcp"} 2
netcore_transport_active_connections{transport="udp"} 1
# HELP netcore_transport_resends_total Total resent packets
# TYPE netcore_transport_resends_total counter
netcore_transport_resends_total{transport="tcp"} 0
netcore_transport_resends_total{transport="udp"} 7
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"netcore_transport_active_connections", "netcore_transport_resends_total"))

	expectedBacklog := `
# HELP netcore_transport_unacked_packets Reliable packets waiting for acknowledgement
# TYPE netcore_transport_unacked_packets gauge
netcore_transport_unacked_packets{transport="tcp"} 0
netcore_transport_unacked_packets{transport="udp"} 4
# HELP netcore_transport_reorder_buffered_packets Packets held for in-order delivery
# TYPE netcore_transport_reorder_buffered_packets gauge
netcore_transport_reorder_buffered_packets{transport="tcp"} 0
netcore_transport_reorder_buffered_packets{transport="udp"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expectedBacklog),
		"netcore_transport_unacked_packets", "netcore_transport_reorder_buffered_packets"))

	expectedBytes := `
# HELP netcore_transport_bytes_total Total bytes
# TYPE netcore_transport_bytes_total counter
netcore_transport_bytes_total{direction="in",transport="tcp"} 100
netcore_transport_bytes_total{direction="in",transport="udp"} 0
netcore_transport_bytes_total{direction="out",transport="tcp"} 40
netcore_transport_bytes_total{direction="out",transport="udp"} 0
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expectedBytes), "netcore_transport_bytes_total"))
}

func TestPoolCollector(t *testing.T) {
	slabs, err := pool.NewSlabBufferPool(64, 4)
	require.NoError(t, err)
	b, ok := slabs.Allocate()
	require.True(t, ok)
	defer b.Release()

	ops := pool.NewOperationContextPool(slabs, 0, nil)
	c := NewPoolCollector(slabs, ops)

	expected := `
# HELP netcore_pool_blocks_in_use Slab blocks currently allocated
# TYPE netcore_pool_blocks_in_use gauge
netcore_pool_blocks_in_use 1
# HELP netcore_pool_blocks_free Slab blocks available (free list + unallocated)
# TYPE netcore_pool_blocks_free gauge
netcore_pool_blocks_free 3
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"netcore_pool_blocks_in_use", "netcore_pool_blocks_free"))

	assert.Equal(t, 10, testutil.CollectAndCount(c))
	assert.Equal(t, 7, testutil.CollectAndCount(NewPoolCollector(slabs, nil)))
}

type fakeSessions struct{}

func (fakeSessions) GetActiveSessions() int64 { return 3 }
func (fakeSessions) GetTotalSessions() uint64 { return 10 }
func (fakeSessions) GetPacketsIn() uint64     { return 100 }
func (fakeSessions) GetPacketsOut() uint64    { return 90 }
func (fakeSessions) GetBytesIn() uint64       { return 1000 }
func (fakeSessions) GetBytesOut() uint64      { return 900 }
func (fakeSessions) GetSendErrors() uint64    { return 1 }

func TestSessionCollector(t *testing.T) {
	c := NewSessionCollector(fakeSessions{})
	assert.Equal(t, 7, testutil.CollectAndCount(c))

	expected := `
# HELP netcore_session_active Number of active sessions
# TYPE netcore_session_active gauge
netcore_session_active 3
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "netcore_session_active"))
}

func TestHealth_Aggregate(t *testing.T) {
	h := NewHealth("test")
	h.Register("tcp", func() ComponentHealth { return ComponentHealth{Status: StatusHealthy} })

	s := h.Status()
	assert.Equal(t, StatusHealthy, s.Status)
	assert.Equal(t, "test", s.Version)
	assert.Len(t, s.Components, 1)

	h.Register("udp", func() ComponentHealth { return ComponentHealth{Status: StatusDegraded, Message: "stopping"} })
	assert.Equal(t, StatusDegraded, h.Status().Status)

	h.Register("pool", func() ComponentHealth { return ComponentHealth{Status: StatusUnhealthy} })
	assert.Equal(t, StatusUnhealthy, h.Status().Status)
}

func TestMetricsServer_Endpoints(t *testing.T) {
	s := NewMetricsServer("127.0.0.1:0", "/metrics", "/health", false, nil)
	m := NewMetrics(s.Registry())
	m.OnResend(1)

	var state atomic.Value
	state.Store(StatusHealthy)
	s.SetHealthCheck(func() HealthStatus {
		st := state.Load().(string)
		udp := StatusHealthy
		if st == StatusUnhealthy {
			udp = StatusUnhealthy
		}
		return HealthStatus{
			Status: st,
			Components: map[string]ComponentHealth{
				"tcp": {Status: StatusHealthy},
				"udp": {Status: udp},
			},
		}
	})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "netcore_rudp_resends_total 1")

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var hs HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hs))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusHealthy, hs.Status)

	getCheck := func(path string) (int, CheckResult) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var p CheckResult
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
		return resp.StatusCode, p
	}

	code, ready := getCheck("/health/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, ready.OK)
	assert.Empty(t, ready.NotReady)

	state.Store(StatusDegraded)
	code, _ = getCheck("/health/ready")
	assert.Equal(t, http.StatusOK, code, "degraded 仍就绪")

	state.Store(StatusUnhealthy)
	code, ready = getCheck("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, ready.OK)
	assert.Equal(t, []string{"udp"}, ready.NotReady)

	code, live := getCheck("/health/live")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, live.OK)

	s.SetHealthy(false)
	code, live = getCheck("/health/live")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, live.OK)

	resp, err = http.Get(ts.URL + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "未启用 pprof")
}

func TestMetricsServer_StartStop(t *testing.T) {
	s := NewMetricsServer("127.0.0.1:0", "/metrics", "/health", true, nil)
	require.NoError(t, s.Start(context.Background()))
	require.NotNil(t, s.Addr())

	resp, err := http.Get("http://" + s.Addr().String() + "/debug/pprof/cmdline")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	busy := NewMetricsServer(s.Addr().String(), "/metrics", "/health", false, nil)
	assert.Error(t, busy.Start(context.Background()), "端口被占用应返回错误")

	assert.NoError(t, s.Stop())
}
