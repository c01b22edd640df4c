// Package metrics exposes the dialer's operational state as Prometheus
// metrics, served on the small ops mux alongside /healthz.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionProvider exposes the current count of live sessions.
type SessionProvider interface {
	ActiveSessionCount() int
}

// LineEntry is a single line's occupancy snapshot for metrics.
type LineEntry struct {
	ID               string
	OutboundInFlight int
	InboundInFlight  int
}

// LineProvider exposes per-line occupancy.
type LineProvider interface {
	LineOccupancy() []LineEntry
}

// DialerStateProvider exposes the dialer's pause state.
type DialerStateProvider interface {
	Paused() bool
}

// QueueProvider exposes the panel retry queue's depth and drop count.
type QueueProvider interface {
	Len() int
	Dropped() uint64
}

// Collector is a prometheus.Collector gathering dialer metrics at scrape
// time, grounded on the teacher's provider-interface collector shape.
type Collector struct {
	sessions SessionProvider
	lines    LineProvider
	dialer   DialerStateProvider
	queue    QueueProvider
	start    time.Time

	activeSessionsDesc *prometheus.Desc
	lineOccupancyDesc  *prometheus.Desc
	dialerPausedDesc   *prometheus.Desc
	queueDepthDesc     *prometheus.Desc
	queueDroppedDesc   *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a Collector. Any provider may be nil if that
// subsystem is unavailable.
func NewCollector(sessions SessionProvider, lines LineProvider, dialer DialerStateProvider, queue QueueProvider, start time.Time) *Collector {
	return &Collector{
		sessions: sessions,
		lines:    lines,
		dialer:   dialer,
		queue:    queue,
		start:    start,

		activeSessionsDesc: prometheus.NewDesc(
			"dialer_active_sessions",
			"Number of currently live call sessions",
			nil, nil,
		),
		lineOccupancyDesc: prometheus.NewDesc(
			"dialer_line_occupancy",
			"In-flight calls on a line",
			[]string{"line_id", "direction"}, nil,
		),
		dialerPausedDesc: prometheus.NewDesc(
			"dialer_paused",
			"Whether the dialer is currently paused (1=paused)",
			nil, nil,
		),
		queueDepthDesc: prometheus.NewDesc(
			"dialer_panel_queue_depth",
			"Number of panel reports pending retry",
			nil, nil,
		),
		queueDroppedDesc: prometheus.NewDesc(
			"dialer_panel_queue_dropped_total",
			"Total panel reports dropped due to queue overflow",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"dialer_uptime_seconds",
			"Seconds since the dialer process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.lineOccupancyDesc
	ch <- c.dialerPausedDesc
	ch <- c.queueDepthDesc
	ch <- c.queueDroppedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(c.activeSessionsDesc, prometheus.GaugeValue, float64(c.sessions.ActiveSessionCount()))
	}

	if c.lines != nil {
		for _, l := range c.lines.LineOccupancy() {
			ch <- prometheus.MustNewConstMetric(c.lineOccupancyDesc, prometheus.GaugeValue, float64(l.OutboundInFlight), l.ID, "outbound")
			ch <- prometheus.MustNewConstMetric(c.lineOccupancyDesc, prometheus.GaugeValue, float64(l.InboundInFlight), l.ID, "inbound")
		}
	}

	if c.dialer != nil {
		val := 0.0
		if c.dialer.Paused() {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.dialerPausedDesc, prometheus.GaugeValue, val)
	}

	if c.queue != nil {
		ch <- prometheus.MustNewConstMetric(c.queueDepthDesc, prometheus.GaugeValue, float64(c.queue.Len()))
		ch <- prometheus.MustNewConstMetric(c.queueDroppedDesc, prometheus.CounterValue, float64(c.queue.Dropped()))
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.start).Seconds())
}
