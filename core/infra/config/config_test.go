package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{envHTTPAddr, envGRPCAddr, envMetricsAddr, envNATSURL, envRedisURL, envPolicyPath, envSignalSubject, envDisableNATS} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.HTTPAddr != defaultHTTPAddr || cfg.GRPCAddr != defaultGRPCAddr || cfg.MetricsAddr != defaultMetricsAddr {
		t.Fatalf("expected default addresses, got %+v", cfg)
	}
	if cfg.NatsURL != defaultNATSURL {
		t.Fatalf("expected default nats url")
	}
	if cfg.RedisURL != defaultRedisURL {
		t.Fatalf("expected default redis url")
	}
	if cfg.PolicyPath != defaultPolicyPath {
		t.Fatalf("expected default policy path")
	}
	if cfg.SignalSubject != defaultSignalSubject {
		t.Fatalf("expected default signal subject")
	}
	if cfg.DisableNATS {
		t.Fatalf("expected nats enabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv(envNATSURL, "nats://example:4222")
	t.Setenv(envRedisURL, "redis://example:6379")
	t.Setenv(envPolicyPath, "custom/ingest.yaml")
	t.Setenv(envProfileDSN, "postgres://db/app")
	t.Setenv(envJWTSecret, "s3cret")
	t.Setenv(envBasePath, "/shop")
	t.Setenv(envDisableNATS, "true")

	cfg := Load()
	if cfg.NatsURL != "nats://example:4222" {
		t.Fatalf("unexpected nats url")
	}
	if cfg.RedisURL != "redis://example:6379" {
		t.Fatalf("unexpected redis url")
	}
	if cfg.PolicyPath != "custom/ingest.yaml" {
		t.Fatalf("unexpected policy path")
	}
	if cfg.ProfileDSN != "postgres://db/app" || cfg.JWTSecret != "s3cret" || cfg.BasePath != "/shop" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if !cfg.DisableNATS {
		t.Fatalf("expected nats disabled")
	}
}
