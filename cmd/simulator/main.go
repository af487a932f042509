package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"trip-detector/internal/config"
	"trip-detector/internal/logging"
	"trip-detector/internal/metrics"
	"trip-detector/internal/publisher"
	"trip-detector/internal/sim"
	"trip-detector/internal/source"
	"trip-detector/internal/timeutil"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logging.Init(cfg.LogLevel)
	if cfg.NATSURL == "" {
		log.Fatalf("config error: NATS_URL must be set for the simulator")
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.PublishInterval)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	nc, err := publisher.Connect(cfg.NATSURL, "trip-simulator", wrapPublisherMetrics(mcol))
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	pub := publisher.NewNATSPublisher(nc, publisher.Subjects{Prefix: cfg.NATSSubjectPrefix}, "", cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
	defer pub.Close()

	route := sim.DefaultRoute()
	if cfg.SimRoutePath != "" {
		gpx, err := source.NewGPXSource(cfg.SimRoutePath, 0)
		if err != nil {
			log.Fatalf("route error: %v", err)
		}
		route = sim.RouteFromFixes(cfg.SimRoutePath, gpx.Fixes, 0)
	}

	devices := make([]sim.Device, cfg.SimDevices)
	for i := range devices {
		name := cfg.DeviceName
		if name == "" || cfg.SimDevices > 1 {
			name = fmt.Sprintf("sim-%d", i+1)
		}
		devices[i] = sim.Device{Name: name, Route: route}
	}

	var mgrMetrics sim.Metrics
	if mcol != nil {
		mgrMetrics = mcol
	}
	mgr := sim.NewManager(pub, cfg.PublishInterval, cfg.SpeedMultiplier, cfg.SimNoise, timeutil.RealClock{}, mgrMetrics)
	mgr.Start(ctx, devices)

	for _, d := range devices {
		name := d.Name
		sub, err := pub.ServeKickStart(name, func(req publisher.KickStartRequest) {
			log.Printf("kickstart requested for %s (%s)", name, req.Duration)
			mgr.KickStart(name)
		})
		if err != nil {
			log.Fatalf("kickstart subscribe error: %v", err)
		}
		defer sub.Unsubscribe()
	}
	log.Printf("simulating %d device(s) on route %s at %.1fx", len(devices), route.Name, cfg.SpeedMultiplier)

	// Block until context cancelled
	<-ctx.Done()
	mgr.Stop()
	log.Println("shutdown complete")
}

// wrapPublisherMetrics avoids handing a nil *Collector to the publisher as a non-nil interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return c
}
