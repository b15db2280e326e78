package gateway

import (
	"github.com/spf13/viper"
)

// Config holds typed configuration for the api-gateway service.
type Config struct {
	LogLevel    string
	RedisAddr   string
	PostgresDSN string

	HTTPAddr     string
	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		HTTPAddr:     v.GetString("http_addr"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),
	}
}
