package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"trip-detector/internal/api"
	"trip-detector/internal/config"
	"trip-detector/internal/db"
	"trip-detector/internal/engine"
	"trip-detector/internal/events"
	"trip-detector/internal/ingest"
	"trip-detector/internal/logging"
	"trip-detector/internal/metrics"
	"trip-detector/internal/model"
	"trip-detector/internal/profiling"
	"trip-detector/internal/publisher"
	"trip-detector/internal/source"
	"trip-detector/internal/tracing"
	"trip-detector/internal/trip"
)

const version = "1.0.0"

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.Init(cfg.LogLevel)

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Init(cfg.OTLPEndpoint, "trip-detector", version)
	if err != nil {
		log.Fatalf("tracing error: %v", err)
	}
	defer shutdownTracing()

	shutdownProfiling, err := profiling.Init(profiling.Options{
		Enabled:         cfg.ProfilingEnabled,
		ServerAddress:   cfg.PyroscopeServerURL,
		ApplicationName: cfg.PyroscopeAppName,
		Version:         version,
	})
	if err != nil {
		log.Fatalf("profiling error: %v", err)
	}
	defer shutdownProfiling()

	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("db ping error: %v", err)
	}
	if err := store.Migrate(); err != nil {
		log.Fatalf("db migrate error: %v", err)
	}
	log.Printf("using %s database %s", store.Dialect(), db.Redact(cfg.DatabaseURL))

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.TickInterval)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer shutdownServer(srv)
	}

	subjects := publisher.Subjects{Prefix: cfg.NATSSubjectPrefix}
	var nc *nats.Conn
	var notifier events.Notifier
	if cfg.NATSURL != "" {
		nc, err = publisher.Connect(cfg.NATSURL, "trip-detector", publisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		pub := publisher.NewNATSPublisher(nc, subjects, cfg.DeviceName, cfg.LogNATSSubjects, publisherMetrics(mcol))
		defer pub.Close()
		notifier = pub
	}

	env := source.NewStaticEnvironment(true, model.AuthorizationAlways)
	var push *source.PushSource
	var src source.Source
	switch cfg.Source {
	case config.SourceNATS:
		src = source.NewNATSSource(nc, subjects, cfg.DeviceName, env)
	case config.SourceSerial:
		src = source.NewSerialSource(cfg.SerialPort, cfg.SerialBaud)
	case config.SourceGPX:
		gpx, err := source.NewGPXSource(cfg.GPXPath, cfg.ReplaySpeed)
		if err != nil {
			log.Fatalf("gpx error: %v", err)
		}
		log.Printf("replaying %d fixes from %s at %.1fx", len(gpx.Fixes), cfg.GPXPath, cfg.ReplaySpeed)
		src = gpx
	default:
		push = source.NewPushSource()
		src = push
	}

	deps := engine.Deps{
		Observer:    newLogObserver(logger),
		Source:      src,
		Environment: env,
		Notifier:    notifier,
		Store:       store,
		Logger:      logger,
	}
	if mcol != nil {
		deps.Metrics = mcol
	}
	eng := engine.New(engine.Config{
		AccessKey:       cfg.AccessKey,
		ProtocolVersion: cfg.ProtocolVersion,
		Policy: trip.Policy{
			MinTripDistance: cfg.MinTripDistance,
			MinTripDuration: cfg.MinTripDuration,
			SettleDuration:  cfg.SettleDuration,
			SuspectDuration: cfg.SuspectDuration,
		},
		Ingest:       ingest.Config{AccuracyThreshold: cfg.AccuracyThreshold},
		TickInterval: cfg.TickInterval,
	}, deps)
	env.OnChange(eng.PermissionChanged)

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("engine start error: %v", err)
	}
	defer eng.Stop()

	h := &api.Handler{Engine: eng, History: store, Env: env}
	if push != nil {
		h.Pusher = push
	}
	srv := &http.Server{Addr: cfg.APIAddr, Handler: api.NewRouter(h, nil)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api server error: %v", err)
		}
	}()
	log.Printf("control API listening on %s (device %s, source %s)", cfg.APIAddr, eng.DeviceIdentifier(), cfg.Source)

	// Block until context cancelled
	<-ctx.Done()
	shutdownServer(srv)
	log.Println("shutdown complete")
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// publisherMetrics avoids handing a nil *Collector to the publisher as a non-nil interface.
func publisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return c
}

// newLogObserver reports trip lifecycle callbacks in the service log.
func newLogObserver(logger *slog.Logger) *events.Observer {
	log := logger.With("component", "observer")
	return &events.Observer{
		Departing: func(departure model.Fix, mode model.Mode) {
			log.Info("departing", "lat", departure.Latitude, "lon", departure.Longitude, "mode", mode.String())
		},
		Departed: func(departure model.Fix, departedAt time.Time, mode model.Mode) {
			log.Info("departed", "at", departedAt, "mode", mode.String())
		},
		DepartureCanceled: func() {
			log.Info("departure canceled")
		},
		ArrivalSuspected: func(departure, arrival model.Fix, departedAt, arrivedAt time.Time, mode model.Mode) {
			log.Info("arrival suspected", "lat", arrival.Latitude, "lon", arrival.Longitude, "since", arrivedAt)
		},
		Arrived: func(arrival, departure model.Fix, arrivedAt, departedAt time.Time, mode model.Mode) {
			log.Info("arrived", "duration", arrivedAt.Sub(departedAt), "mode", mode.String(),
				"displacement", model.Distance(departure, arrival))
		},
		SearchingInPerimeter: func(loc model.Fix) {
			log.Info("searching in perimeter", "lat", loc.Latitude, "lon", loc.Longitude)
		},
		DidUpdateLocation: func(loc model.Fix) {
			log.Debug("location", "lat", loc.Latitude, "lon", loc.Longitude, "speed", loc.Speed)
		},
	}
}
