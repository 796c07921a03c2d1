package config

import (
	"os"
	"strings"
)

const (
	defaultNATSURL       = "nats://localhost:4222"
	defaultRedisURL      = "redis://localhost:6379"
	defaultHTTPAddr      = ":8081"
	defaultGRPCAddr      = ":8080"
	defaultMetricsAddr   = ":9092"
	defaultAdmissionPath = "config/admission.yaml"

	envNATSURL         = "NATS_URL"
	envRedisURL        = "REDIS_URL"
	envCacheURL        = "CACHE_URL"
	envHTTPAddr        = "GATEWAY_HTTP_ADDR"
	envGRPCAddr        = "GATEWAY_GRPC_ADDR"
	envMetricsAddr     = "GATEWAY_METRICS_ADDR"
	envCredentialKey   = "OPAL_CREDENTIAL_KEY"
	envAdmissionConfig = "GATEWAY_CONFIG_PATH"
	envDisableNATS     = "GATEWAY_DISABLE_NATS"
)

// Config holds runtime configuration for the gateway process.
type Config struct {
	NatsURL             string
	RedisURL            string
	CacheURL            string
	HTTPAddr            string
	GRPCAddr            string
	MetricsAddr         string
	CredentialKey       string
	AdmissionConfigPath string
	DisableNATS         bool
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		NatsURL:             envOr(envNATSURL, defaultNATSURL),
		RedisURL:            envOr(envRedisURL, defaultRedisURL),
		CacheURL:            strings.TrimSpace(os.Getenv(envCacheURL)),
		HTTPAddr:            envOr(envHTTPAddr, defaultHTTPAddr),
		GRPCAddr:            envOr(envGRPCAddr, defaultGRPCAddr),
		MetricsAddr:         envOr(envMetricsAddr, defaultMetricsAddr),
		CredentialKey:       strings.TrimSpace(os.Getenv(envCredentialKey)),
		AdmissionConfigPath: envOr(envAdmissionConfig, defaultAdmissionPath),
		DisableNATS:         os.Getenv(envDisableNATS) == "true",
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
