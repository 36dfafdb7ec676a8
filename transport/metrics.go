package transport

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// promVecs are the process-wide Prometheus collectors every transport
// instance reports into, labeled by transport name + endpoint. Grounded on
// the teacher's daemon/services/api/metrics.go gauge-per-concern style,
// generalized from Unraid hardware gauges to transport counters.
var promVecs = struct {
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	bytesSent        *prometheus.CounterVec
	bytesReceived    *prometheus.CounterVec
	errors           *prometheus.CounterVec
	connections      *prometheus.GaugeVec
}{
	messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpcore_transport_messages_sent_total",
		Help: "Messages sent per transport instance.",
	}, []string{"transport", "endpoint"}),
	messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpcore_transport_messages_received_total",
		Help: "Messages received per transport instance.",
	}, []string{"transport", "endpoint"}),
	bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpcore_transport_bytes_sent_total",
		Help: "Bytes sent per transport instance.",
	}, []string{"transport", "endpoint"}),
	bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpcore_transport_bytes_received_total",
		Help: "Bytes received per transport instance.",
	}, []string{"transport", "endpoint"}),
	errors: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpcore_transport_errors_total",
		Help: "Transport-level errors per transport instance.",
	}, []string{"transport", "endpoint"}),
	connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mcpcore_transport_connections",
		Help: "Current connection count per transport instance.",
	}, []string{"transport", "endpoint"}),
}

// RegisterMetrics registers mcpcore's transport collectors with reg. Callers
// own the registry (tests typically use a fresh prometheus.NewRegistry()
// to avoid collisions across parallel test runs).
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		promVecs.messagesSent, promVecs.messagesReceived,
		promVecs.bytesSent, promVecs.bytesReceived,
		promVecs.errors, promVecs.connections,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// Metrics is a point-in-time snapshot of one transport instance's counters,
// returned by Transport.Metrics().
type Metrics struct {
	MessagesSent            uint64
	MessagesReceived        uint64
	BytesSent                uint64
	BytesReceived            uint64
	Errors                   uint64
	CurrentConnections       int64
	PeakConcurrentConnections int64
}

// collector is embedded in every concrete transport to accumulate counters
// locally (for Metrics()) while also feeding the shared Prometheus vectors.
type collector struct {
	name     string
	endpoint string

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	errs             atomic.Uint64
	current          atomic.Int64
	peak             atomic.Int64
}

func newCollector(name, endpoint string) *collector {
	return &collector{name: name, endpoint: endpoint}
}

func (c *collector) recordSend(n int) {
	c.messagesSent.Add(1)
	c.bytesSent.Add(uint64(n))
	promVecs.messagesSent.WithLabelValues(c.name, c.endpoint).Inc()
	promVecs.bytesSent.WithLabelValues(c.name, c.endpoint).Add(float64(n))
}

func (c *collector) recordReceive(n int) {
	c.messagesReceived.Add(1)
	c.bytesReceived.Add(uint64(n))
	promVecs.messagesReceived.WithLabelValues(c.name, c.endpoint).Inc()
	promVecs.bytesReceived.WithLabelValues(c.name, c.endpoint).Add(float64(n))
}

func (c *collector) recordError() {
	c.errs.Add(1)
	promVecs.errors.WithLabelValues(c.name, c.endpoint).Inc()
}

func (c *collector) connectionOpened() {
	cur := c.current.Add(1)
	for {
		p := c.peak.Load()
		if cur <= p || c.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	promVecs.connections.WithLabelValues(c.name, c.endpoint).Set(float64(cur))
}

func (c *collector) connectionClosed() {
	cur := c.current.Add(-1)
	promVecs.connections.WithLabelValues(c.name, c.endpoint).Set(float64(cur))
}

func (c *collector) snapshot() Metrics {
	return Metrics{
		MessagesSent:              c.messagesSent.Load(),
		MessagesReceived:          c.messagesReceived.Load(),
		BytesSent:                 c.bytesSent.Load(),
		BytesReceived:             c.bytesReceived.Load(),
		Errors:                    c.errs.Load(),
		CurrentConnections:        c.current.Load(),
		PeakConcurrentConnections: c.peak.Load(),
	}
}
