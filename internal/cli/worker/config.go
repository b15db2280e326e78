package worker

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel     string
	RedisAddr    string
	PostgresDSN  string
	ProviderName string

	Concurrency    int
	PopTimeout     time.Duration
	SoftLimit      time.Duration
	HardLimit      time.Duration
	ProviderTokens int

	RateLimitRequests int
	RateLimitInterval time.Duration

	HeartbeatPeriod time.Duration
	MetricsAddr     string
	OTelEndpoint    string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:          v.GetString("log_level"),
		RedisAddr:         v.GetString("redis_addr"),
		PostgresDSN:       v.GetString("postgres_dsn"),
		ProviderName:      v.GetString("provider_name"),
		Concurrency:       v.GetInt("concurrency"),
		PopTimeout:        v.GetDuration("pop_timeout"),
		SoftLimit:         v.GetDuration("soft_limit"),
		HardLimit:         v.GetDuration("hard_limit"),
		ProviderTokens:    v.GetInt("provider_tokens"),
		RateLimitRequests: v.GetInt("rate_limit_requests"),
		RateLimitInterval: v.GetDuration("rate_limit_interval"),
		HeartbeatPeriod:   v.GetDuration("heartbeat_period"),
		MetricsAddr:       v.GetString("metrics_addr"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
	}
}
