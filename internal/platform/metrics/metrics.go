// Package metrics holds the Prometheus instruments of the engine. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/devicelink/internal/platform/hl7v2"
)

const namespace = "devicelink"

type Metrics struct {
	inbound           *prometheus.CounterVec // outcome: accepted, nacked
	processed         *prometheus.CounterVec // status: success, retry, error
	outbound          *prometheus.CounterVec // status: SUCCESS, REJECTED, TIMEOUT, ERROR
	connectionsTotal  *prometheus.CounterVec // port
	activeConnections prometheus.Gauge
	stale      prometheus.Gauge
	dispatchDuration  prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the instruments and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Messages received from devices, by listener outcome.",
		}, []string{"outcome"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processed_messages_total",
			Help:      "Processing attempts of inbound messages, by result.",
		}, []string{"status"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Order messages sent to devices, by terminal ledger status.",
		}, []string{"status"}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Device connections accepted, by local port.",
		}, []string{"port"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Device connections currently open.",
		}),
		stale: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_entries",
			Help:      "Ledger entries stuck in PENDING or PROCESSING beyond the configured threshold.",
		}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from dial to terminal status for outbound orders.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of ops API requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Ops API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	for _, c := range []prometheus.Collector{
		m.inbound, m.processed, m.outbound, m.connectionsTotal,
		m.activeConnections, m.stale, m.dispatchDuration,
		m.httpRequests, m.httpDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) InboundAccepted() {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues("accepted").Inc()
}

func (m *Metrics) InboundNacked() {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues("nacked").Inc()
}

// Processed records one processing attempt; status is success, retry or error.
func (m *Metrics) Processed(status string) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(status).Inc()
}

// Outbound records the terminal status of a dispatch and its duration.
func (m *Metrics) Outbound(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.outbound.WithLabelValues(status).Inc()
	m.dispatchDuration.Observe(took.Seconds())
}

func (m *Metrics) SetStale(n int) {
	if m == nil {
		return
	}
	m.stale.Set(float64(n))
}

// ConnOpened implements hl7v2.ConnObserver.
func (m *Metrics) ConnOpened(p hl7v2.Peer) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(strconv.Itoa(p.LocalPort)).Inc()
	m.activeConnections.Inc()
}

// ConnClosed implements hl7v2.ConnObserver.
func (m *Metrics) ConnClosed(hl7v2.Peer) {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// Middleware records request count and duration for the ops API. The route
// pattern is used as the path label to keep cardinality bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			m.httpRequests.WithLabelValues(c.Request().Method, path, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler exposes everything gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) echo.HandlerFunc {
	h := promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	return func(c echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

var _ hl7v2.ConnObserver = (*Metrics)(nil)
