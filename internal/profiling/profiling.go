package profiling

import (
	"log/slog"
	"os"

	"github.com/grafana/pyroscope-go"
)

type Options struct {
	Enabled         bool
	ServerAddress   string
	ApplicationName string
	Version         string
}

// Init starts continuous profiling when enabled. Failing to reach the server is not fatal.
func Init(o Options) (func(), error) {
	if !o.Enabled {
		slog.Debug("Pyroscope profiling is disabled")
		return func() {}, nil
	}

	config := pyroscope.Config{
		ApplicationName: o.ApplicationName,
		ServerAddress:   o.ServerAddress,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"service": o.ApplicationName,
			"version": o.Version,
		},
	}
	user, password := os.Getenv("PYROSCOPE_BASIC_AUTH_USER"), os.Getenv("PYROSCOPE_BASIC_AUTH_PASSWORD")
	if user != "" && password != "" {
		config.BasicAuthUser = user
		config.BasicAuthPassword = password
	}

	profiler, err := pyroscope.Start(config)
	if err != nil {
		slog.Warn("Failed to start Pyroscope profiler", "error", err)
		return func() {}, nil
	}
	slog.Debug("Pyroscope profiling started", "server", o.ServerAddress, "application", o.ApplicationName)

	return func() {
		if err := profiler.Stop(); err != nil {
			slog.Error("Error stopping Pyroscope profiler", "error", err)
		}
	}, nil
}
