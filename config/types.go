package config

import "time"

// RPCConfig controls the JSON-RPC listener. Timeouts are in seconds.
type RPCConfig struct {
	RateLimitPerSecond float64 `toml:"RateLimitPerSecond"`
	RateLimitBurst     int     `toml:"RateLimitBurst"`
	MaxBodyBytes       int64   `toml:"MaxBodyBytes"`
	// JWTSecretEnv names the environment variable holding the HS256 secret
	// that guards the dev_* methods.
	JWTSecretEnv    string `toml:"JWTSecretEnv"`
	AllowDevMethods bool   `toml:"AllowDevMethods"`
	ReadTimeout     int    `toml:"ReadTimeout"`
	WriteTimeout    int    `toml:"WriteTimeout"`
	IdleTimeout     int    `toml:"IdleTimeout"`
}

func (r RPCConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(r.ReadTimeout) * time.Second
}

func (r RPCConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(r.WriteTimeout) * time.Second
}

func (r RPCConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(r.IdleTimeout) * time.Second
}

// TelemetryConfig configures OTLP export. An empty endpoint disables it.
type TelemetryConfig struct {
	ServiceName string            `toml:"ServiceName" yaml:"service_name"`
	Environment string            `toml:"Environment" yaml:"environment"`
	Endpoint    string            `toml:"Endpoint" yaml:"endpoint"`
	Insecure    bool              `toml:"Insecure" yaml:"insecure"`
	Headers     map[string]string `toml:"Headers" yaml:"headers"`
	Metrics     bool              `toml:"Metrics" yaml:"metrics"`
	Traces      bool              `toml:"Traces" yaml:"traces"`
	SampleRatio float64           `toml:"SampleRatio" yaml:"sample_ratio"`
}

// IndexerConfig enables the SQL event index. DSN is a SQLite path or a
// postgres:// URL.
type IndexerConfig struct {
	Enabled bool   `toml:"Enabled"`
	DSN     string `toml:"DSN"`
}

// LoggingConfig selects the log level and optional rotated log file.
type LoggingConfig struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `toml:"MaxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"maxAgeDays"`
}
