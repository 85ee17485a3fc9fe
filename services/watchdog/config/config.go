package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the watchdog service.
type Config struct {
	LogLevel          string
	PostgresDSN       string
	RedisAddr         string
	StorageRoot       string
	StaleAfter        time.Duration
	Retention         time.Duration
	RetentionSchedule string
	MetricsAddr       string
	OTelEndpoint      string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:          v.GetString("log_level"),
		PostgresDSN:       v.GetString("postgres_dsn"),
		RedisAddr:         v.GetString("redis_addr"),
		StorageRoot:       v.GetString("storage_root"),
		StaleAfter:        v.GetDuration("stale_after"),
		Retention:         v.GetDuration("retention"),
		RetentionSchedule: v.GetString("retention_schedule"),
		MetricsAddr:       v.GetString("metrics_addr"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
	}
}
