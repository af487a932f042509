package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trip-detector/internal/model"
)

var allStatuses = []model.Status{
	model.StatusActive,
	model.StatusLocationServicesDisabled,
	model.StatusInsufficientPermission,
	model.StatusInactive,
}

var allStates = []string{"idle", "departing", "in_trip", "arrival_suspected"}

type Collector struct {
	reg *prometheus.Registry

	FixesReceived prometheus.Counter
	FixesAccepted prometheus.Counter
	FixesRejected *prometheus.CounterVec // reason label

	Events         *prometheus.CounterVec // kind label
	TripsConfirmed *prometheus.CounterVec // mode label
	TripsCanceled  prometheus.Counter
	Notifications  prometheus.Counter // failed notification deliveries

	Status *prometheus.GaugeVec // one-hot over status
	State  *prometheus.GaugeVec // one-hot over trip state

	StepDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	// Simulator
	ActiveDevices prometheus.Gauge
	RoutesDone    prometheus.Counter
	TickInterval  prometheus.Gauge // seconds
}

func NewCollector(tickInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		FixesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripdetector_fixes_received_total",
			Help: "Total raw fixes received from the location source.",
		}),
		FixesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripdetector_fixes_accepted_total",
			Help: "Total fixes that passed plausibility filtering.",
		}),
		FixesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripdetector_fixes_rejected_total",
			Help: "Total fixes dropped by plausibility filtering.",
		}, []string{"reason"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripdetector_events_total",
			Help: "Total events emitted by the detection pipeline.",
		}, []string{"kind"}),
		TripsConfirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripdetector_trips_confirmed_total",
			Help: "Total validated trips.",
		}, []string{"mode"}),
		TripsCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripdetector_departures_canceled_total",
			Help: "Total departures that did not become a validated trip.",
		}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripdetector_notification_errors_total",
			Help: "Total notifications that could not be broadcast.",
		}),
		Status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tripdetector_status",
			Help: "1 for the current engine status, 0 otherwise.",
		}, []string{"status"}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tripdetector_trip_state",
			Help: "1 for the current trip state, 0 otherwise.",
		}, []string{"state"}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tripdetector_step_duration_seconds",
			Help:    "Duration of processing one fix through the pipeline.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tripdetector_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripdetector_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripdetector_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripdetector_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		ActiveDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripdetector_sim_active_devices",
			Help: "Number of simulated devices currently driving a route.",
		}),
		RoutesDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripdetector_sim_routes_finished_total",
			Help: "Total simulated routes played to the end.",
		}),
		TickInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripdetector_tick_interval_seconds",
			Help: "Pipeline or simulator tick interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.FixesReceived, c.FixesAccepted, c.FixesRejected,
		c.Events, c.TripsConfirmed, c.TripsCanceled, c.Notifications,
		c.Status, c.State,
		c.StepDuration, c.PublishDuration,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.ActiveDevices, c.RoutesDone, c.TickInterval,
	)

	c.TickInterval.Set(tickInterval.Seconds())
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "err", err)
		}
	}()
	slog.Info("metrics listening", "addr", addr)
	return srv
}

// Pipeline instrumentation.

func (c *Collector) FixReceived()              { c.FixesReceived.Inc() }
func (c *Collector) FixAccepted()              { c.FixesAccepted.Inc() }
func (c *Collector) FixRejected(reason string) { c.FixesRejected.WithLabelValues(reason).Inc() }
func (c *Collector) EventEmitted(kind string)  { c.Events.WithLabelValues(kind).Inc() }
func (c *Collector) TripConfirmed(mode string) { c.TripsConfirmed.WithLabelValues(mode).Inc() }
func (c *Collector) TripCanceled()             { c.TripsCanceled.Inc() }
func (c *Collector) NotificationFailed()       { c.Notifications.Inc() }
func (c *Collector) StepObserve(d time.Duration) {
	c.StepDuration.Observe(d.Seconds())
}

func (c *Collector) SetStatus(s model.Status) {
	for _, st := range allStatuses {
		v := 0.0
		if st == s {
			v = 1
		}
		c.Status.WithLabelValues(st.String()).Set(v)
	}
}

func (c *Collector) SetState(state string) {
	for _, st := range allStates {
		v := 0.0
		if st == state {
			v = 1
		}
		c.State.WithLabelValues(st).Set(v)
	}
}

// NATS instrumentation.

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

// Simulator instrumentation.

func (c *Collector) SetActiveDevices(n int) { c.ActiveDevices.Set(float64(n)) }
func (c *Collector) RouteFinished()         { c.RoutesDone.Inc() }
