package config

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	// Enabled turns trace export on. Off by default.
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Endpoint is the OTLP HTTP collector endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	// Environment is the deployment environment tag (dev, staging, prod).
	Environment string `mapstructure:"environment" json:"environment"`
	// ServiceName is the service name reported on spans.
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}
