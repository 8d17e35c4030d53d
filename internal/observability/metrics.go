// Package observability provides Prometheus metrics for the agent. Each
// component receives its own collector struct; the method sets match the
// small metrics interfaces the components declare.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all metric collectors for the agent.
type Metrics struct {
	registry *prometheus.Registry
	Store    *StoreMetrics
	Bridge   *BridgeMetrics
	Upload   *UploadMetrics
	Geocode  *GeocodeMetrics
	Alert    *AlertMetrics
}

// NewMetrics creates and registers all metric collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	storeMetrics, err := NewStoreMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create store metrics: %w", err)
	}
	bridgeMetrics, err := NewBridgeMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge metrics: %w", err)
	}
	uploadMetrics, err := NewUploadMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload metrics: %w", err)
	}
	geocodeMetrics, err := NewGeocodeMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create geocode metrics: %w", err)
	}
	alertMetrics, err := NewAlertMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert metrics: %w", err)
	}

	return &Metrics{
		registry: registry,
		Store:    storeMetrics,
		Bridge:   bridgeMetrics,
		Upload:   uploadMetrics,
		Geocode:  geocodeMetrics,
		Alert:    alertMetrics,
	}, nil
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StoreMetrics tracks the detection store.
type StoreMetrics struct {
	recordsIngested *prometheus.CounterVec
	recordsRemoved  prometheus.Counter
	storeSize       prometheus.Gauge
	snapshotErrors  prometheus.Counter
}

// NewStoreMetrics creates and registers the detection store collectors.
func NewStoreMetrics(registry *prometheus.Registry) (*StoreMetrics, error) {
	m := &StoreMetrics{
		recordsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detection_records_ingested_total",
			Help: "Total number of detection records ingested, by source",
		}, []string{"source"}),
		recordsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detection_records_removed_total",
			Help: "Total number of detection records removed",
		}),
		storeSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "detection_store_size",
			Help: "Current number of detection records held in memory",
		}),
		snapshotErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detection_snapshot_write_errors_total",
			Help: "Total number of local snapshot write failures",
		}),
	}
	for _, c := range []prometheus.Collector{m.recordsIngested, m.recordsRemoved, m.storeSize, m.snapshotErrors} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register store metrics: %w", err)
		}
	}
	return m, nil
}

func (m *StoreMetrics) RecordIngested(source string) {
	m.recordsIngested.WithLabelValues(source).Inc()
}

func (m *StoreMetrics) RecordRemoved() {
	m.recordsRemoved.Inc()
}

func (m *StoreMetrics) SetStoreSize(n int) {
	m.storeSize.Set(float64(n))
}

func (m *StoreMetrics) SnapshotWriteError() {
	m.snapshotErrors.Inc()
}

// BridgeMetrics tracks the realtime notification channel.
type BridgeMetrics struct {
	events  *prometheus.CounterVec
	dropped prometheus.Counter
}

// NewBridgeMetrics creates and registers the notification bridge collectors.
func NewBridgeMetrics(registry *prometheus.Registry) (*BridgeMetrics, error) {
	m := &BridgeMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_events_total",
			Help: "Total number of realtime events, by direction",
		}, []string{"direction"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_events_dropped_total",
			Help: "Total number of realtime events dropped",
		}),
	}
	for _, c := range []prometheus.Collector{m.events, m.dropped} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register bridge metrics: %w", err)
		}
	}
	return m, nil
}

func (m *BridgeMetrics) BridgeEvent(direction string) {
	m.events.WithLabelValues(direction).Inc()
}

func (m *BridgeMetrics) BridgeDropped() {
	m.dropped.Inc()
}

// UploadMetrics tracks image submissions.
type UploadMetrics struct {
	uploads  *prometheus.CounterVec
	rejected prometheus.Counter
	inFlight prometheus.Gauge
}

// NewUploadMetrics creates and registers the upload collectors.
func NewUploadMetrics(registry *prometheus.Registry) (*UploadMetrics, error) {
	m := &UploadMetrics{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "image_uploads_total",
			Help: "Total number of image uploads, by outcome",
		}, []string{"outcome"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "image_uploads_rejected_total",
			Help: "Total number of files rejected before upload",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "image_uploads_in_flight",
			Help: "Number of uploads currently in progress (0 or 1)",
		}),
	}
	for _, c := range []prometheus.Collector{m.uploads, m.rejected, m.inFlight} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register upload metrics: %w", err)
		}
	}
	return m, nil
}

func (m *UploadMetrics) UploadStarted() {
	m.inFlight.Set(1)
}

func (m *UploadMetrics) UploadSucceeded() {
	m.inFlight.Set(0)
	m.uploads.WithLabelValues("success").Inc()
}

func (m *UploadMetrics) UploadFailed() {
	m.inFlight.Set(0)
	m.uploads.WithLabelValues("failure").Inc()
}

func (m *UploadMetrics) ValidationRejected() {
	m.rejected.Inc()
}

// GeocodeMetrics tracks reverse geocoding lookups.
type GeocodeMetrics struct {
	lookups   *prometheus.CounterVec
	cacheHits prometheus.Counter
}

// NewGeocodeMetrics creates and registers the geocode collectors.
func NewGeocodeMetrics(registry *prometheus.Registry) (*GeocodeMetrics, error) {
	m := &GeocodeMetrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geocode_lookups_total",
			Help: "Total number of reverse geocoding lookups, by outcome",
		}, []string{"outcome"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geocode_cache_hits_total",
			Help: "Total number of reverse geocoding cache hits",
		}),
	}
	for _, c := range []prometheus.Collector{m.lookups, m.cacheHits} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register geocode metrics: %w", err)
		}
	}
	return m, nil
}

func (m *GeocodeMetrics) GeocodeLookup(outcome string) {
	m.lookups.WithLabelValues(outcome).Inc()
}

func (m *GeocodeMetrics) GeocodeCacheHit() {
	m.cacheHits.Inc()
}

// AlertMetrics tracks staff alert deliveries.
type AlertMetrics struct {
	alerts *prometheus.CounterVec
}

// NewAlertMetrics creates and registers the alert collectors.
func NewAlertMetrics(registry *prometheus.Registry) (*AlertMetrics, error) {
	m := &AlertMetrics{
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_total",
			Help: "Total number of staff alerts, by outcome",
		}, []string{"outcome"}),
	}
	if err := registry.Register(m.alerts); err != nil {
		return nil, fmt.Errorf("failed to register alert metrics: %w", err)
	}
	return m, nil
}

func (m *AlertMetrics) AlertSent() {
	m.alerts.WithLabelValues("sent").Inc()
}

func (m *AlertMetrics) AlertFailed() {
	m.alerts.WithLabelValues("failed").Inc()
}
