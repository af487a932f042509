package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"trip-detector/internal/logging"
)

// Source kinds accepted by SOURCE.
const (
	SourceNATS   = "nats"
	SourceSerial = "serial"
	SourceGPX    = "gpx"
	SourceHTTP   = "http"
)

type Config struct {
	AccessKey       string
	ProtocolVersion string
	LogLevel        logging.Level
	DeviceName      string

	DatabaseURL       string
	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool

	Source      string
	SerialPort  string
	SerialBaud  int
	GPXPath     string
	ReplaySpeed float64

	MetricsAddr  string
	APIAddr      string
	TickInterval time.Duration

	MinTripDistance   float64
	MinTripDuration   time.Duration
	SettleDuration    time.Duration
	SuspectDuration   time.Duration
	AccuracyThreshold float64

	OTLPEndpoint string

	ProfilingEnabled   bool
	PyroscopeServerURL string
	PyroscopeAppName   string

	// Simulator
	PublishInterval time.Duration
	SpeedMultiplier float64
	SimDevices      int
	SimNoise        float64 // meters of position jitter
	SimRoutePath    string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		AccessKey:          os.Getenv("TRIP_ACCESS_KEY"),
		ProtocolVersion:    getenvDefault("TRIP_PROTOCOL_VERSION", "1"),
		LogLevel:           logging.ParseLevel(getenvDefault("LOG_LEVEL", "info")),
		DeviceName:         os.Getenv("DEVICE_NAME"),
		DatabaseURL:        firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"), "trips.db"),
		NATSURL:            os.Getenv("NATS_URL"),
		NATSSubjectPrefix:  getenvDefault("NATS_SUBJECT_PREFIX", "trips"),
		SerialPort:         os.Getenv("SERIAL_PORT"),
		GPXPath:            os.Getenv("GPX_PATH"),
		MetricsAddr:        os.Getenv("METRICS_ADDR"),
		APIAddr:            getenvDefault("API_ADDR", ":8080"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		PyroscopeServerURL: getenvDefault("PYROSCOPE_SERVER_ADDRESS", "http://localhost:4040"),
		PyroscopeAppName:   getenvDefault("PYROSCOPE_APPLICATION_NAME", "trip-detector"),
		SimRoutePath:       os.Getenv("SIM_ROUTE_GPX"),
	}

	cfg.Source = strings.ToLower(getenvDefault("SOURCE", SourceHTTP))
	switch cfg.Source {
	case SourceHTTP:
	case SourceNATS:
		if cfg.NATSURL == "" {
			return nil, fmt.Errorf("NATS_URL must be set when SOURCE=%s", cfg.Source)
		}
	case SourceSerial:
		if cfg.SerialPort == "" {
			return nil, fmt.Errorf("SERIAL_PORT must be set when SOURCE=%s", cfg.Source)
		}
	case SourceGPX:
		if cfg.GPXPath == "" {
			return nil, fmt.Errorf("GPX_PATH must be set when SOURCE=%s", cfg.Source)
		}
	default:
		return nil, fmt.Errorf("invalid SOURCE: %q", cfg.Source)
	}

	var err error
	if cfg.SerialBaud, err = positiveInt("SERIAL_BAUD", 9600); err != nil {
		return nil, err
	}
	if cfg.ReplaySpeed, err = nonNegativeFloat("REPLAY_SPEED", 1); err != nil {
		return nil, err
	}

	ms, err := positiveInt("TICK_INTERVAL_MS", 1000)
	if err != nil {
		return nil, err
	}
	cfg.TickInterval = time.Duration(ms) * time.Millisecond

	// Policy overrides; zero keeps the engine default.
	if cfg.MinTripDistance, err = nonNegativeFloat("MIN_TRIP_DISTANCE_M", 0); err != nil {
		return nil, err
	}
	if cfg.AccuracyThreshold, err = nonNegativeFloat("ACCURACY_THRESHOLD_M", 0); err != nil {
		return nil, err
	}
	if cfg.MinTripDuration, err = seconds("MIN_TRIP_DURATION_SEC"); err != nil {
		return nil, err
	}
	if cfg.SettleDuration, err = seconds("SETTLE_DURATION_SEC"); err != nil {
		return nil, err
	}
	if cfg.SuspectDuration, err = seconds("SUSPECT_DURATION_SEC"); err != nil {
		return nil, err
	}

	// Simulator
	if ms, err = positiveInt("PUBLISH_INTERVAL_MS", 1000); err != nil {
		return nil, err
	}
	cfg.PublishInterval = time.Duration(ms) * time.Millisecond
	if v := os.Getenv("SPEED_MULTIPLIER"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid SPEED_MULTIPLIER: %q", v)
		}
		cfg.SpeedMultiplier = f
	} else {
		cfg.SpeedMultiplier = 1.0
	}
	if cfg.SimDevices, err = positiveInt("SIM_DEVICES", 1); err != nil {
		return nil, err
	}
	if cfg.SimNoise, err = nonNegativeFloat("SIM_NOISE_M", 3); err != nil {
		return nil, err
	}

	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))
	cfg.ProfilingEnabled = parseBool(os.Getenv("PYROSCOPE_PROFILING_ENABLED"))

	return cfg, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func positiveInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func nonNegativeFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func seconds(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(sec) * time.Second, nil
}
