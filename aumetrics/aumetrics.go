// Package aumetrics exposes per-connection AU transport counters as a
// Prometheus collector, grounded on the runtime-sampled (rather than
// push-updated) collector pattern: every Collect call walks the live
// connection set and reads its counters, so there is no separate
// update path to keep in sync.
package aumetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/austream/au/broker"
)

// Collector reports bytes sent/received and retransmission counts for
// every connection currently registered with a broker.
type Collector struct {
	broker *broker.Broker

	bytesSent   *prometheus.Desc
	bytesRecv   *prometheus.Desc
	retransmits *prometheus.Desc
	state       *prometheus.Desc
}

// New returns a Collector reading from b. Register it with a
// [prometheus.Registry] the usual way.
func New(b *broker.Broker) *Collector {
	labels := []string{"local", "remote"}
	return &Collector{
		broker: b,
		bytesSent: prometheus.NewDesc("au_connection_bytes_sent_total",
			"Total payload bytes transmitted by a connection, retransmissions included.", labels, nil),
		bytesRecv: prometheus.NewDesc("au_connection_bytes_received_total",
			"Total bytes delivered to a connection's receive queue.", labels, nil),
		retransmits: prometheus.NewDesc("au_connection_retransmits_total",
			"Total retransmitted segments (handshake and data) for a connection.", labels, nil),
		state: prometheus.NewDesc("au_connection_state",
			"Connection state as a label; value is always 1.", append(labels, "state"), nil),
	}
}

// Describe implements [prometheus.Collector].
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.bytesSent
	descs <- c.bytesRecv
	descs <- c.retransmits
	descs <- c.state
}

// Collect implements [prometheus.Collector]. It walks a fresh snapshot
// of the broker's connections on every call.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	for _, cn := range c.broker.Snapshot() {
		local, remote := cn.Local().String(), cn.Remote().String()
		metrics <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(cn.BytesSent()), local, remote)
		metrics <- prometheus.MustNewConstMetric(c.bytesRecv, prometheus.CounterValue, float64(cn.BytesRecv()), local, remote)
		metrics <- prometheus.MustNewConstMetric(c.retransmits, prometheus.CounterValue, float64(cn.Retransmits()), local, remote)
		metrics <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, 1, local, remote, cn.State().String())
	}
}
