package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "webnode"

// 拨号结果标签
const (
	ResultOK       = "ok"
	ResultGated    = "gated"
	ResultNoRoute  = "no_transport"
	ResultFailed   = "failed"
	ResultCanceled = "canceled"
)

// Metrics 节点指标集合
type Metrics struct {
	registry *prometheus.Registry

	dials       *prometheus.CounterVec
	conns       prometheus.Gauge
	streams     *prometheus.GaugeVec
	blockPuts   prometheus.Counter
	blockHits   prometheus.Counter
	blockMisses prometheus.Counter
	reserves    prometheus.Gauge
	circuits    prometheus.Gauge
	circuitsTot prometheus.Counter
}

// New 创建指标集合并注册到新的 registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swarm",
			Name:      "dials_total",
			Help:      "Outbound dial attempts by result.",
		}, []string{"result"}),
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "swarm",
			Name:      "connections",
			Help:      "Currently open connections.",
		}),
		streams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "streams",
			Help:      "Currently open streams by protocol.",
		}, []string{"protocol"}),
		blockPuts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blockstore",
			Name:      "puts_total",
			Help:      "Blocks newly inserted into the store.",
		}),
		blockHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blockstore",
			Name:      "hits_total",
			Help:      "Block lookups served from the store.",
		}),
		blockMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blockstore",
			Name:      "misses_total",
			Help:      "Block lookups that found nothing.",
		}),
		reserves: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "reservations",
			Help:      "Active relay reservations.",
		}),
		circuits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "circuits",
			Help:      "Active relayed circuits.",
		}),
		circuitsTot: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "circuits_total",
			Help:      "Relayed circuits opened.",
		}),
	}
	m.registry.MustRegister(
		m.dials, m.conns, m.streams,
		m.blockPuts, m.blockHits, m.blockMisses,
		m.reserves, m.circuits, m.circuitsTot,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回 prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ============================================================================
//                              swarm / host
// ============================================================================

// DialResult 记录一次拨号结果
func (m *Metrics) DialResult(result string) {
	if m == nil {
		return
	}
	m.dials.WithLabelValues(result).Inc()
}

// ConnOpened 连接数加一
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.conns.Inc()
}

// ConnClosed 连接数减一
func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.conns.Dec()
}

// StreamOpened 协议流数加一
func (m *Metrics) StreamOpened(protocol string) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(protocol).Inc()
}

// StreamClosed 协议流数减一
func (m *Metrics) StreamClosed(protocol string) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(protocol).Dec()
}

// ============================================================================
//                              blockstore
// ============================================================================

// BlockPut 记录新插入的块
func (m *Metrics) BlockPut() {
	if m == nil {
		return
	}
	m.blockPuts.Inc()
}

// BlockHit 记录命中
func (m *Metrics) BlockHit() {
	if m == nil {
		return
	}
	m.blockHits.Inc()
}

// BlockMiss 记录未命中
func (m *Metrics) BlockMiss() {
	if m == nil {
		return
	}
	m.blockMisses.Inc()
}

// ============================================================================
//                              relay
// ============================================================================

// ReservationChanged 调整活跃预留数
func (m *Metrics) ReservationChanged(delta float64) {
	if m == nil {
		return
	}
	m.reserves.Add(delta)
}

// CircuitOpened 记录新电路
func (m *Metrics) CircuitOpened() {
	if m == nil {
		return
	}
	m.circuits.Inc()
	m.circuitsTot.Inc()
}

// CircuitClosed 活跃电路数减一
func (m *Metrics) CircuitClosed() {
	if m == nil {
		return
	}
	m.circuits.Dec()
}
