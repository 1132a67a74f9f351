package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	SnapshotVersion  prometheus.Gauge
	SnapshotRejected prometheus.Gauge
	SnapshotFetched  prometheus.Gauge
	Refreshes        *prometheus.CounterVec // result label: success|failure
	FetchDuration    prometheus.Histogram
	RefreshInterval  prometheus.Gauge // seconds
	DBSwitches       *prometheus.CounterVec

	Reports      *prometheus.CounterVec // outcome label: matched|<failure>
	DecodeErrors prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	SimulatedBuses  prometheus.Gauge
	TickDuration    prometheus.Histogram
	SpeedMultiplier prometheus.Gauge
	PublishInterval prometheus.Gauge // seconds
}

func NewCollector(refreshInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		SnapshotVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartbus_snapshot_version",
			Help: "Version of the reference snapshot being served.",
		}),
		SnapshotRejected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartbus_snapshot_rejected_rows",
			Help: "Reference rows left out of the current snapshot.",
		}),
		SnapshotFetched: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartbus_snapshot_fetched_timestamp_seconds",
			Help: "Unix time of the last successful reference fetch.",
		}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartbus_refreshes_total",
			Help: "Reference refresh attempts by result.",
		}, []string{"result"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smartbus_fetch_duration_seconds",
			Help:    "Duration of reference data fetches.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		RefreshInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartbus_refresh_interval_seconds",
			Help: "Reference snapshot refresh interval in seconds.",
		}),
		DBSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartbus_db_switches_total",
			Help: "Reference database switches by reason (update|fetch_failure).",
		}, []string{"reason"}),
		Reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartbus_reports_total",
			Help: "Position reports by correlation outcome.",
		}, []string{"outcome"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartbus_report_decode_errors_total",
			Help: "Inbound messages that could not be fully decoded.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartbus_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartbus_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartbus_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smartbus_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		SimulatedBuses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartbus_feeder_buses",
			Help: "Buses the feeder published a position for in the last tick.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smartbus_feeder_tick_duration_seconds",
			Help:    "Duration of feeder tick computations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		SpeedMultiplier: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartbus_feeder_speed_multiplier",
			Help: "Feeder replay speed multiplier.",
		}),
		PublishInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartbus_feeder_publish_interval_seconds",
			Help: "Feeder publish interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.SnapshotVersion, c.SnapshotRejected, c.SnapshotFetched,
		c.Refreshes, c.FetchDuration, c.RefreshInterval, c.DBSwitches,
		c.Reports, c.DecodeErrors,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.SimulatedBuses, c.TickDuration, c.SpeedMultiplier, c.PublishInterval,
	)
	c.RefreshInterval.Set(refreshInterval.Seconds())
	return c
}

// RefreshSucceeded records a new snapshot.
func (c *Collector) RefreshSucceeded(version uint64, took time.Duration, rejected int) {
	c.Refreshes.WithLabelValues("success").Inc()
	c.FetchDuration.Observe(took.Seconds())
	c.SnapshotVersion.Set(float64(version))
	c.SnapshotRejected.Set(float64(rejected))
	c.SnapshotFetched.SetToCurrentTime()
}

// RefreshFailed records a failed fetch; the served snapshot is unchanged.
func (c *Collector) RefreshFailed(_ error, took time.Duration) {
	c.Refreshes.WithLabelValues("failure").Inc()
	c.FetchDuration.Observe(took.Seconds())
}

func (c *Collector) DBSwitchInc(reason string) { c.DBSwitches.WithLabelValues(reason).Inc() }

func (c *Collector) ObserveOutcome(outcome string) { c.Reports.WithLabelValues(outcome).Inc() }

func (c *Collector) DecodeErrorInc() { c.DecodeErrors.Inc() }

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }

func (c *Collector) NATSSetConnected(b bool) {
	if b {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

// ObserveTick records one feeder tick.
func (c *Collector) ObserveTick(d time.Duration, buses int) {
	c.TickDuration.Observe(d.Seconds())
	c.SimulatedBuses.Set(float64(buses))
}

// SetFeeder records the feeder's static settings.
func (c *Collector) SetFeeder(speedMultiplier float64, publishInterval time.Duration) {
	c.SpeedMultiplier.Set(speedMultiplier)
	c.PublishInterval.Set(publishInterval.Seconds())
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()
	logger.Info("metrics listening", slog.String("addr", addr))
	return srv
}
