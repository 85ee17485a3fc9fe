package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the API service.
type Config struct {
	LogLevel      string
	HTTPPort      string
	PostgresDSN   string
	RedisAddr     string
	EngineURL     string
	EngineTimeout time.Duration
	StorageRoot   string
	FileBaseURL   string
	MetricsAddr   string
	OTelEndpoint  string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:      v.GetString("log_level"),
		HTTPPort:      v.GetString("http_port"),
		PostgresDSN:   v.GetString("postgres_dsn"),
		RedisAddr:     v.GetString("redis_addr"),
		EngineURL:     v.GetString("engine_url"),
		EngineTimeout: v.GetDuration("engine_timeout"),
		StorageRoot:   v.GetString("storage_root"),
		FileBaseURL:   v.GetString("file_base_url"),
		MetricsAddr:   v.GetString("metrics_addr"),
		OTelEndpoint:  v.GetString("otel_endpoint"),
	}
}
