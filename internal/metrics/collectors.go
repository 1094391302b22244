// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义 - 传输层与缓冲池统计快照
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/netcore/internal/pool"
	"github.com/mrcgq/netcore/internal/transport"
)

// =============================================================================
// 传输层收集器
// =============================================================================

// TransportStats 传输层统计数据接口 (TCPServer / UDPServer)
type TransportStats interface {
	Stats() transport.Stats
	PoolStats() pool.ObjectStats
}

// TransportCollector 传输层指标收集器
type TransportCollector struct {
	providers []TransportStats

	activeDesc     *prometheus.Desc
	acceptedDesc   *prometheus.Desc
	refusedDesc    *prometheus.Desc
	closedDesc     *prometheus.Desc
	packetsDesc    *prometheus.Desc
	bytesDesc      *prometheus.Desc
	invalidDesc    *prometheus.Desc
	droppedDesc    *prometheus.Desc
	resendsDesc    *prometheus.Desc
	acksDesc       *prometheus.Desc
	duplicatesDesc *prometheus.Desc
	unackedDesc    *prometheus.Desc
	reorderDesc    *prometheus.Desc

	poolRentedDesc *prometheus.Desc
	poolPooledDesc *prometheus.Desc
}

// NewTransportCollector 创建传输层收集器
func NewTransportCollector(providers ...TransportStats) *TransportCollector {
	subsystem := "transport"
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, name),
			help,
			append([]string{"transport"}, labels...), nil,
		)
	}

	return &TransportCollector{
		providers: providers,

		activeDesc:     desc("active_connections", "Number of active connections"),
		acceptedDesc:   desc("connections_accepted_total", "Total accepted connections"),
		refusedDesc:    desc("connections_refused_total", "Total refused connections"),
		closedDesc:     desc("connections_closed_total", "Total closed connections"),
		packetsDesc:    desc("packets_total", "Total packets", "direction"),
		bytesDesc:      desc("bytes_total", "Total bytes", "direction"),
		invalidDesc:    desc("invalid_frames_total", "Total invalid frames"),
		droppedDesc:    desc("dropped_total", "Total dropped datagrams"),
		resendsDesc:    desc("resends_total", "Total resent packets"),
		acksDesc:       desc("acks_total", "Total acknowledgements received"),
		duplicatesDesc: desc("duplicates_total", "Total duplicate packets received"),
		unackedDesc:    desc("unacked_packets", "Reliable packets waiting for acknowledgement"),
		reorderDesc:    desc("reorder_buffered_packets", "Packets held for in-order delivery"),

		poolRentedDesc: desc("pool_rented", "Connection objects currently rented"),
		poolPooledDesc: desc("pool_idle", "Connection objects idle in pool"),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *TransportCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeDesc
	ch <- c.acceptedDesc
	ch <- c.refusedDesc
	ch <- c.closedDesc
	ch <- c.packetsDesc
	ch <- c.bytesDesc
	ch <- c.invalidDesc
	ch <- c.droppedDesc
	ch <- c.resendsDesc
	ch <- c.acksDesc
	ch <- c.duplicatesDesc
	ch <- c.unackedDesc
	ch <- c.reorderDesc
	ch <- c.poolRentedDesc
	ch <- c.poolPooledDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *TransportCollector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.providers {
		s := p.Stats()
		name := s.Transport
		counter := func(d *prometheus.Desc, v uint64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), append([]string{name}, labels...)...)
		}

		ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, float64(s.Active), name)
		counter(c.acceptedDesc, s.Accepted)
		counter(c.refusedDesc, s.Refused)
		counter(c.closedDesc, s.Closed)
		counter(c.packetsDesc, s.PacketsIn, "in")
		counter(c.packetsDesc, s.PacketsOut, "out")
		counter(c.bytesDesc, s.BytesIn, "in")
		counter(c.bytesDesc, s.BytesOut, "out")
		counter(c.invalidDesc, s.InvalidFrames)
		counter(c.droppedDesc, s.Dropped)
		counter(c.resendsDesc, s.Resends)
		counter(c.acksDesc, s.Acks)
		counter(c.duplicatesDesc, s.Duplicates)
		ch <- prometheus.MustNewConstMetric(c.unackedDesc, prometheus.GaugeValue, float64(s.Unacked), name)
		ch <- prometheus.MustNewConstMetric(c.reorderDesc, prometheus.GaugeValue, float64(s.ReorderBuffered), name)

		ps := p.PoolStats()
		ch <- prometheus.MustNewConstMetric(c.poolRentedDesc, prometheus.GaugeValue, float64(ps.Rented), name)
		ch <- prometheus.MustNewConstMetric(c.poolPooledDesc, prometheus.GaugeValue, float64(ps.Pooled), name)
	}
}

// =============================================================================
// 缓冲池收集器
// =============================================================================

// PoolCollector 缓冲池与操作上下文池指标收集器
type PoolCollector struct {
	slabs *pool.SlabBufferPool
	ops   *pool.OperationContextPool

	blocksTotalDesc *prometheus.Desc
	blocksInUseDesc *prometheus.Desc
	blocksFreeDesc  *prometheus.Desc
	allocsDesc      *prometheus.Desc
	freesDesc       *prometheus.Desc
	exhaustedDesc   *prometheus.Desc
	badFreesDesc    *prometheus.Desc

	opsRentedDesc  *prometheus.Desc
	opsPooledDesc  *prometheus.Desc
	opsRefusedDesc *prometheus.Desc
}

// NewPoolCollector 创建缓冲池收集器，ops 可为 nil
func NewPoolCollector(slabs *pool.SlabBufferPool, ops *pool.OperationContextPool) *PoolCollector {
	subsystem := "pool"
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil)
	}

	return &PoolCollector{
		slabs: slabs,
		ops:   ops,

		blocksTotalDesc: desc("blocks", "Total slab blocks"),
		blocksInUseDesc: desc("blocks_in_use", "Slab blocks currently allocated"),
		blocksFreeDesc:  desc("blocks_free", "Slab blocks available (free list + unallocated)"),
		allocsDesc:      desc("allocs_total", "Total slab allocations"),
		freesDesc:       desc("frees_total", "Total slab frees"),
		exhaustedDesc:   desc("exhausted_total", "Total allocations refused because the slab was exhausted"),
		badFreesDesc:    desc("bad_frees_total", "Total rejected frees (double free or foreign block)"),

		opsRentedDesc:  desc("operations_rented", "Operation contexts currently rented"),
		opsPooledDesc:  desc("operations_idle", "Operation contexts idle in pool"),
		opsRefusedDesc: desc("operations_refused_total", "Total refused operation context rents"),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.blocksTotalDesc
	ch <- c.blocksInUseDesc
	ch <- c.blocksFreeDesc
	ch <- c.allocsDesc
	ch <- c.freesDesc
	ch <- c.exhaustedDesc
	ch <- c.badFreesDesc
	if c.ops != nil {
		ch <- c.opsRentedDesc
		ch <- c.opsPooledDesc
		ch <- c.opsRefusedDesc
	}
}

// Collect 实现 prometheus.Collector 接口
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.slabs.Stats()
	ch <- prometheus.MustNewConstMetric(c.blocksTotalDesc, prometheus.GaugeValue, float64(s.TotalBlocks))
	ch <- prometheus.MustNewConstMetric(c.blocksInUseDesc, prometheus.GaugeValue, float64(s.InUse))
	ch <- prometheus.MustNewConstMetric(c.blocksFreeDesc, prometheus.GaugeValue, float64(s.FreeList+s.Unallocated))
	ch <- prometheus.MustNewConstMetric(c.allocsDesc, prometheus.CounterValue, float64(s.Allocs))
	ch <- prometheus.MustNewConstMetric(c.freesDesc, prometheus.CounterValue, float64(s.Frees))
	ch <- prometheus.MustNewConstMetric(c.exhaustedDesc, prometheus.CounterValue, float64(s.Exhausted))
	ch <- prometheus.MustNewConstMetric(c.badFreesDesc, prometheus.CounterValue, float64(s.BadFrees))

	if c.ops == nil {
		return
	}
	os := c.ops.Stats()
	ch <- prometheus.MustNewConstMetric(c.opsRentedDesc, prometheus.GaugeValue, float64(os.Rented))
	ch <- prometheus.MustNewConstMetric(c.opsPooledDesc, prometheus.GaugeValue, float64(os.Pooled))
	ch <- prometheus.MustNewConstMetric(c.opsRefusedDesc, prometheus.CounterValue, float64(os.Refused))
}

// =============================================================================
// 会话收集器
// =============================================================================

// SessionStats 会话统计数据接口
type SessionStats interface {
	GetActiveSessions() int64
	GetTotalSessions() uint64
	GetPacketsIn() uint64
	GetPacketsOut() uint64
	GetBytesIn() uint64
	GetBytesOut() uint64
	GetSendErrors() uint64
}

// SessionCollector 会话指标收集器
type SessionCollector struct {
	statsProvider SessionStats

	activeDesc     *prometheus.Desc
	totalDesc      *prometheus.Desc
	packetsInDesc  *prometheus.Desc
	packetsOutDesc *prometheus.Desc
	bytesInDesc    *prometheus.Desc
	bytesOutDesc   *prometheus.Desc
	sendErrorsDesc *prometheus.Desc
}

// NewSessionCollector 创建会话收集器
func NewSessionCollector(provider SessionStats) *SessionCollector {
	subsystem := "session"

	return &SessionCollector{
		statsProvider: provider,

		activeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "active"),
			"Number of active sessions",
			nil, nil,
		),
		totalDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "total"),
			"Total sessions created",
			nil, nil,
		),
		packetsInDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "packets_received_total"),
			"Total packets delivered to sessions",
			nil, nil,
		),
		packetsOutDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "packets_sent_total"),
			"Total packets sent by sessions",
			nil, nil,
		),
		bytesInDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_received_total"),
			"Total payload bytes delivered to sessions",
			nil, nil,
		),
		bytesOutDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_sent_total"),
			"Total payload bytes sent by sessions",
			nil, nil,
		),
		sendErrorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "send_errors_total"),
			"Total failed session sends",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeDesc
	ch <- c.totalDesc
	ch <- c.packetsInDesc
	ch <- c.packetsOutDesc
	ch <- c.bytesInDesc
	ch <- c.bytesOutDesc
	ch <- c.sendErrorsDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue,
		float64(c.statsProvider.GetActiveSessions()))
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetTotalSessions()))
	ch <- prometheus.MustNewConstMetric(c.packetsInDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetPacketsIn()))
	ch <- prometheus.MustNewConstMetric(c.packetsOutDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetPacketsOut()))
	ch <- prometheus.MustNewConstMetric(c.bytesInDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetBytesIn()))
	ch <- prometheus.MustNewConstMetric(c.bytesOutDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetBytesOut()))
	ch <- prometheus.MustNewConstMetric(c.sendErrorsDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetSendErrors()))
}
