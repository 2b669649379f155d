// Package config loads the process configuration from the environment.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every runtime setting. All fields are read from
// SLIPWAY_-prefixed environment variables.
type Config struct {
	Port      int    `envconfig:"PORT" default:"8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false"`

	// Provisioner selects the provisioning backend: memory or docker.
	Provisioner   string `envconfig:"PROVISIONER" default:"memory"`
	ContainerPort int    `envconfig:"CONTAINER_PORT" default:"8000"`

	// MetricsBackend selects the live-metrics source: simulated or
	// prometheus.
	MetricsBackend string `envconfig:"METRICS_BACKEND" default:"simulated"`
	PrometheusURL  string `envconfig:"PROMETHEUS_URL" default:"http://localhost:9090"`

	ShiftStepInterval time.Duration `envconfig:"SHIFT_STEP_INTERVAL" default:"2s"`

	BaseDomain         string `envconfig:"BASE_DOMAIN" default:"slipway.local"`
	CloudflareEnabled  bool   `envconfig:"CLOUDFLARE_ENABLED" default:"false"`
	CloudflareAPIToken string `envconfig:"CLOUDFLARE_API_TOKEN" default:""`
	CloudflareZoneID   string `envconfig:"CLOUDFLARE_ZONE_ID" default:""`
}

// MustParse loads the configuration or panics on malformed values.
func MustParse() Config {
	var c Config
	envconfig.MustProcess("SLIPWAY", &c)
	return c
}
