// Package metrics holds the Prometheus collectors exported by the device client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vruitrack"

// Client collects device client counters. A nil *Client is valid and records nothing.
type Client struct {
	PacketsDecoded  prometheus.Counter
	Mismatches      *prometheus.CounterVec
	PollTimeouts    prometheus.Counter
	TransportErrors prometheus.Counter
	StreamSessions  prometheus.Counter
	Connected       prometheus.Gauge
	LastPacket      prometheus.Gauge
	PollLatency     prometheus.Histogram
}

// NewClient creates and registers the client collectors. It returns nil when
// reg is nil.
func NewClient(reg prometheus.Registerer) *Client {
	if reg == nil {
		return nil
	}
	m := &Client{
		PacketsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "packets_decoded_total",
			Help:      "State packets decoded from the device server",
		}),
		Mismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "tag_mismatches_total",
			Help:      "Replies whose tag did not match the expected reply",
		}, []string{"expected"}),
		PollTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "poll_timeouts_total",
			Help:      "Packet requests that were not answered within the poll timeout",
		}),
		TransportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "transport_errors_total",
			Help:      "Socket read or write failures",
		}),
		StreamSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "stream_sessions_total",
			Help:      "Streaming sessions started",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "connected",
			Help:      "1 while a device session is open",
		}),
		LastPacket: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "last_packet_timestamp_seconds",
			Help:      "Unix time of the last decoded state packet",
		}),
		PollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "poll_duration_seconds",
			Help:      "Round trip of a single packet request",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
	}
	reg.MustRegister(
		m.PacketsDecoded,
		m.Mismatches,
		m.PollTimeouts,
		m.TransportErrors,
		m.StreamSessions,
		m.Connected,
		m.LastPacket,
		m.PollLatency,
	)
	return m
}

func (m *Client) PacketDecoded(ts time.Time) {
	if m == nil {
		return
	}
	m.PacketsDecoded.Inc()
	m.LastPacket.Set(float64(ts.UnixNano()) / 1e9)
}

func (m *Client) Mismatch(expected string) {
	if m == nil {
		return
	}
	m.Mismatches.WithLabelValues(expected).Inc()
}

func (m *Client) PollTimeout() {
	if m == nil {
		return
	}
	m.PollTimeouts.Inc()
}

func (m *Client) TransportError() {
	if m == nil {
		return
	}
	m.TransportErrors.Inc()
}

func (m *Client) StreamStarted() {
	if m == nil {
		return
	}
	m.StreamSessions.Inc()
}

func (m *Client) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

func (m *Client) ObservePoll(d time.Duration) {
	if m == nil {
		return
	}
	m.PollLatency.Observe(d.Seconds())
}

// Handler serves the gatherer's metrics in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
