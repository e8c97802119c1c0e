package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	TelemetryReceived prometheus.Counter
	TelemetryStale    prometheus.Counter
	StopResolutions   *prometheus.CounterVec // source label: geofence|manual_stop|manual_name|route_endpoint|none|unavailable
	StartStopBackfill prometheus.Counter

	TripsStarted  prometheus.Counter
	TripsFinished prometheus.Counter
	ScansRejected *prometheus.CounterVec // reason label: duplicate_trip|no_active_trip|invalid
	FareAmount    prometheus.Histogram

	EventsPublished   prometheus.Counter
	EventPublishErrs  prometheus.Counter
	BrokerConnected   prometheus.Gauge
	PublishDuration   prometheus.Histogram
	RequestDuration   *prometheus.HistogramVec // route, code
	MinFare           prometheus.Gauge
	GeofenceRadiusKm  prometheus.Gauge
	DefaultStopPrice  prometheus.Gauge
	RouteCacheSeconds prometheus.Gauge
}

func NewCollector(minFare, defaultStopPrice, geofenceRadiusKm, routeCacheSeconds float64) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		TelemetryReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_telemetry_received_total",
			Help: "Total position reports accepted.",
		}),
		TelemetryStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_telemetry_stale_total",
			Help: "Position reports older than the stored last_seen.",
		}),
		StopResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_stop_resolutions_total",
			Help: "Stop resolutions by the rule that produced them.",
		}, []string{"source"}),
		StartStopBackfill: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_start_stop_backfills_total",
			Help: "Ongoing trips whose start stop was filled from telemetry.",
		}),
		TripsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_trips_started_total",
			Help: "Total trips opened by entry scans.",
		}),
		TripsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_trips_finished_total",
			Help: "Total trips closed by exit scans.",
		}),
		ScansRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_scans_rejected_total",
			Help: "Card scans rejected by the ledger.",
		}, []string{"reason"}),
		FareAmount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_fare_amount",
			Help:    "Fare charged per finished trip.",
			Buckets: prometheus.LinearBuckets(10, 10, 12),
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_events_published_total",
			Help: "Total domain events published.",
		}),
		EventPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_event_publish_errors_total",
			Help: "Total domain event publish errors.",
		}),
		BrokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_broker_connected",
			Help: "1 if the event broker connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_publish_duration_seconds",
			Help:    "Duration to marshal and publish an event.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_http_request_duration_seconds",
			Help:    "Device API request duration.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"route", "code"}),
		MinFare: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_min_fare",
			Help: "Configured flat/minimum fare.",
		}),
		GeofenceRadiusKm: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_geofence_radius_km",
			Help: "Configured stop geofence radius in kilometers.",
		}),
		DefaultStopPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_default_stop_price",
			Help: "Price used for stops without a stored price.",
		}),
		RouteCacheSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_route_cache_ttl_seconds",
			Help: "Route stop cache TTL in seconds.",
		}),
	}

	// Register
	reg.MustRegister(
		c.TelemetryReceived, c.TelemetryStale, c.StopResolutions, c.StartStopBackfill,
		c.TripsStarted, c.TripsFinished, c.ScansRejected, c.FareAmount,
		c.EventsPublished, c.EventPublishErrs, c.BrokerConnected, c.PublishDuration,
		c.RequestDuration,
		c.MinFare, c.GeofenceRadiusKm, c.DefaultStopPrice, c.RouteCacheSeconds,
	)

	// Set static gauges
	c.MinFare.Set(minFare)
	c.DefaultStopPrice.Set(defaultStopPrice)
	c.GeofenceRadiusKm.Set(geofenceRadiusKm)
	c.RouteCacheSeconds.Set(routeCacheSeconds)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
