package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ocr_engine"

// Metrics holds the Prometheus collectors for the batch controller and event stream.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	documentsProcessed *prometheus.CounterVec
	documentDuration   prometheus.Histogram
	batchesFinished    *prometheus.CounterVec
	batchRunning       prometheus.Gauge
	subscribers        prometheus.Gauge
	eventsPublished    *prometheus.CounterVec
	subscribersEvicted prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		documentsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "documents_processed_total",
			Help:      "Documents run through the OCR worker, by outcome.",
		}, []string{"outcome"}),
		documentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "document_duration_seconds",
			Help:      "Wall-clock time spent on a single document.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		batchesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batches_total",
			Help:      "Batches that reached a terminal status.",
		}, []string{"status"}),
		batchRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "batch_running",
			Help:      "1 while a batch is running.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "event_subscribers",
			Help:      "Currently attached event stream subscribers.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_published_total",
			Help:      "Lifecycle events published, by type.",
		}, []string{"type"}),
		subscribersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "event_subscribers_evicted_total",
			Help:      "Subscribers dropped because their queue was full.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.documentsProcessed,
			m.documentDuration,
			m.batchesFinished,
			m.batchRunning,
			m.subscribers,
			m.eventsPublished,
			m.subscribersEvicted,
		)
	}

	return m
}

// DocumentProcessed records one finished document.
func (m *Metrics) DocumentProcessed(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.documentsProcessed.WithLabelValues(outcome).Inc()
	m.documentDuration.Observe(d.Seconds())
}

// BatchStarted marks a batch as running.
func (m *Metrics) BatchStarted() {
	if m == nil {
		return
	}
	m.batchRunning.Set(1)
}

// BatchFinished records the terminal status of a batch.
func (m *Metrics) BatchFinished(status string) {
	if m == nil {
		return
	}
	m.batchRunning.Set(0)
	m.batchesFinished.WithLabelValues(status).Inc()
}

// SubscriberAdded increments the subscriber gauge.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

// SubscriberRemoved decrements the subscriber gauge.
func (m *Metrics) SubscriberRemoved(evicted bool) {
	if m == nil {
		return
	}
	m.subscribers.Dec()
	if evicted {
		m.subscribersEvicted.Inc()
	}
}

// EventPublished counts a published event.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}
