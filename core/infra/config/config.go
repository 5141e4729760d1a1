package config

import "os"

const (
	defaultHTTPAddr      = ":8081"
	defaultGRPCAddr      = ":8080"
	defaultMetricsAddr   = ":9092"
	defaultNATSURL       = "nats://localhost:4222"
	defaultRedisURL      = "redis://localhost:6379"
	defaultPolicyPath    = "config/ingest.yaml"
	defaultSignalSubject = "ingest.signals"
	envHTTPAddr          = "INGEST_HTTP_ADDR"
	envGRPCAddr          = "INGEST_GRPC_ADDR"
	envMetricsAddr       = "INGEST_METRICS_ADDR"
	envNATSURL           = "NATS_URL"
	envRedisURL          = "REDIS_URL"
	envPolicyPath        = "INGEST_POLICY_PATH"
	envProfileDSN        = "PROFILE_DATABASE_URL"
	envJWTSecret         = "JWT_SECRET"
	envBasePath          = "BASE_PATH"
	envSignalSubject     = "INGEST_SIGNAL_SUBJECT"
	envDisableNATS       = "INGEST_DISABLE_NATS"
)

// Config holds process-level wiring for the ingest gateway. Limits and
// allow-lists live in Policy.
type Config struct {
	HTTPAddr      string
	GRPCAddr      string
	MetricsAddr   string
	NatsURL       string
	RedisURL      string
	PolicyPath    string
	ProfileDSN    string
	JWTSecret     string
	BasePath      string
	SignalSubject string
	DisableNATS   bool
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		HTTPAddr:      envOr(envHTTPAddr, defaultHTTPAddr),
		GRPCAddr:      envOr(envGRPCAddr, defaultGRPCAddr),
		MetricsAddr:   envOr(envMetricsAddr, defaultMetricsAddr),
		NatsURL:       envOr(envNATSURL, defaultNATSURL),
		RedisURL:      envOr(envRedisURL, defaultRedisURL),
		PolicyPath:    envOr(envPolicyPath, defaultPolicyPath),
		ProfileDSN:    os.Getenv(envProfileDSN),
		JWTSecret:     os.Getenv(envJWTSecret),
		BasePath:      os.Getenv(envBasePath),
		SignalSubject: envOr(envSignalSubject, defaultSignalSubject),
		DisableNATS:   os.Getenv(envDisableNATS) == "true",
	}
}

func envOr(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
