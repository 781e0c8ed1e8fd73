package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every gateway metric
const Namespace = "mintgate"

// Delivery paths for PacketsDelivered
const (
	PathLocalDevice  = "local_device"
	PathLocalClient  = "local_client"
	PathRemoteDevice = "remote_device"
	PathRemoteClient = "remote_client"
)

// Metrics holds the gateway's routing and presence metrics. All methods are
// safe on a nil receiver so components can run without a registry.
type Metrics struct {
	DevicesConnected   prometheus.Gauge
	ClientsConnected   prometheus.Gauge
	PacketsReceived    *prometheus.CounterVec
	PacketsDelivered   *prometheus.CounterVec
	EnvelopesPublished *prometheus.CounterVec
	EnvelopesReceived  *prometheus.CounterVec
	EnvelopesDropped   prometheus.Counter
	DirectoryErrors    *prometheus.CounterVec
	DeviceTimeouts     prometheus.Counter
	DeviceDisconnects  *prometheus.CounterVec
	Heartbeats         *prometheus.CounterVec
	NewsletterSignups  prometheus.Counter
	NATSConnected      prometheus.Gauge
}

// NewMetrics creates the gateway metrics without registering them
func NewMetrics() *Metrics {
	return &Metrics{
		DevicesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "devices_connected",
			Help:      "Devices currently connected to this node",
		}),
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "clients_connected",
			Help:      "Dashboard clients currently connected to this node",
		}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "router",
			Name:      "packets_received_total",
			Help:      "Packets received from peers by source (device, client)",
		}, []string{"source"}),
		PacketsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "router",
			Name:      "packets_delivered_total",
			Help:      "Packets delivered by path (local_device, local_client, remote_device, remote_client)",
		}, []string{"path"}),
		EnvelopesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "envelopes_published_total",
			Help:      "Envelopes published to other nodes by type",
		}, []string{"type"}),
		EnvelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "envelopes_received_total",
			Help:      "Envelopes received from other nodes by type",
		}, []string{"type"}),
		EnvelopesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "envelopes_dropped_total",
			Help:      "Malformed or unrecognized envelopes dropped",
		}),
		DirectoryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "directory",
			Name:      "errors_total",
			Help:      "Directory operations that failed, by operation",
		}, []string{"op"}),
		DeviceTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "presence",
			Name:      "device_timeouts_total",
			Help:      "Devices closed by the presence sweep",
		}),
		DeviceDisconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "presence",
			Name:      "device_disconnects_total",
			Help:      "Device lifecycles ended, by reason",
		}, []string{"reason"}),
		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "presence",
			Name:      "heartbeats_total",
			Help:      "Node heartbeat writes by result",
		}, []string{"result"}),
		NewsletterSignups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "newsletter_signups_total",
			Help:      "Accepted newsletter signups",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (1=connected, 0=disconnected)",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.DevicesConnected,
		m.ClientsConnected,
		m.PacketsReceived,
		m.PacketsDelivered,
		m.EnvelopesPublished,
		m.EnvelopesReceived,
		m.EnvelopesDropped,
		m.DirectoryErrors,
		m.DeviceTimeouts,
		m.DeviceDisconnects,
		m.Heartbeats,
		m.NewsletterSignups,
		m.NATSConnected,
	}
}

// SetConnections records the local device and client counts
func (m *Metrics) SetConnections(devices, clients int) {
	if m == nil {
		return
	}
	m.DevicesConnected.Set(float64(devices))
	m.ClientsConnected.Set(float64(clients))
}

// PacketReceived counts an inbound packet
func (m *Metrics) PacketReceived(source string) {
	if m == nil {
		return
	}
	m.PacketsReceived.WithLabelValues(source).Inc()
}

// PacketDelivered counts a delivered packet
func (m *Metrics) PacketDelivered(path string) {
	if m == nil {
		return
	}
	m.PacketsDelivered.WithLabelValues(path).Inc()
}

// EnvelopePublished counts an outbound envelope
func (m *Metrics) EnvelopePublished(envelopeType string) {
	if m == nil {
		return
	}
	m.EnvelopesPublished.WithLabelValues(envelopeType).Inc()
}

// EnvelopeReceived counts an inbound envelope
func (m *Metrics) EnvelopeReceived(envelopeType string) {
	if m == nil {
		return
	}
	m.EnvelopesReceived.WithLabelValues(envelopeType).Inc()
}

// EnvelopeDropped counts a dropped envelope
func (m *Metrics) EnvelopeDropped() {
	if m == nil {
		return
	}
	m.EnvelopesDropped.Inc()
}

// DirectoryError counts a failed directory operation
func (m *Metrics) DirectoryError(op string) {
	if m == nil {
		return
	}
	m.DirectoryErrors.WithLabelValues(op).Inc()
}

// DeviceEnded counts the end of a device lifecycle
func (m *Metrics) DeviceEnded(reason string) {
	if m == nil {
		return
	}
	m.DeviceDisconnects.WithLabelValues(reason).Inc()
	if reason == "timeout" {
		m.DeviceTimeouts.Inc()
	}
}

// Heartbeat counts a heartbeat write
func (m *Metrics) Heartbeat(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.Heartbeats.WithLabelValues(result).Inc()
}

// NewsletterSignup counts an accepted signup
func (m *Metrics) NewsletterSignup() {
	if m == nil {
		return
	}
	m.NewsletterSignups.Inc()
}

// SetNATSConnected records the NATS connection state
func (m *Metrics) SetNATSConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.NATSConnected.Set(1)
		return
	}
	m.NATSConnected.Set(0)
}
