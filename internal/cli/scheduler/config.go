package scheduler

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the scheduler service.
type Config struct {
	LogLevel    string
	RedisAddr   string
	PostgresDSN string

	PromoteInterval time.Duration
	PromoteBatch    int64

	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		RedisAddr:       v.GetString("redis_addr"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		PromoteInterval: v.GetDuration("promote_interval"),
		PromoteBatch:    v.GetInt64("promote_batch"),
		MetricsAddr:     v.GetString("metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
	}
}
