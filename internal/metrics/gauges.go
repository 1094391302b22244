// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: Prometheus 事件指标 - 实现传输层 Observer，记录断开原因、确认延迟、重发与发送完成
// =============================================================================
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/netcore/internal/pool"
	"github.com/mrcgq/netcore/internal/transport"
)

const namespace = "netcore"

// Metrics 传输事件指标
type Metrics struct {
	Disconnects *prometheus.CounterVec
	AckLatency  prometheus.Histogram
	Resends     prometheus.Counter
	SendOps     *prometheus.CounterVec
	SendBytes   *prometheus.CounterVec
}

var _ transport.Observer = (*Metrics)(nil)

// NewMetrics 创建并注册事件指标
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "disconnects_total",
			Help:      "Total disconnects by transport and reason",
		}, []string{"transport", "reason"}),

		AckLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rudp",
			Name:      "ack_latency_seconds",
			Help:      "Latency between first send and acknowledgement",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		Resends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rudp",
			Name:      "resends_total",
			Help:      "Total resent reliable packets",
		}),

		SendOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "send_operations_total",
			Help:      "Completed socket send operations by kind and result",
		}, []string{"kind", "result"}),

		SendBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "send_bytes_total",
			Help:      "Bytes written by completed socket send operations",
		}, []string{"kind"}),
	}

	registry.MustRegister(m.Disconnects, m.AckLatency, m.Resends, m.SendOps, m.SendBytes)
	return m
}

// OnDisconnect 记录断开
func (m *Metrics) OnDisconnect(transportName string, reason transport.DisconnectReason) {
	m.Disconnects.WithLabelValues(transportName, reason.String()).Inc()
}

// OnAckLatency 记录确认延迟
func (m *Metrics) OnAckLatency(d time.Duration) {
	m.AckLatency.Observe(d.Seconds())
}

// OnResend 记录重发
func (m *Metrics) OnResend(n int) {
	if n > 0 {
		m.Resends.Add(float64(n))
	}
}

// OnSendComplete 发送完成回调，交给 transport.WithSendCompletion
func (m *Metrics) OnSendComplete(op *pool.OperationContext) {
	kind := op.Kind.String()
	if op.Err != nil {
		m.SendOps.WithLabelValues(kind, "error").Inc()
		return
	}
	m.SendOps.WithLabelValues(kind, "ok").Inc()
	m.SendBytes.WithLabelValues(kind).Add(float64(op.N))
}
