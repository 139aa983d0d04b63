package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	WSURL                string        `mapstructure:"WS_URL"`
	APIBaseURL           string        `mapstructure:"API_BASE_URL"`
	AuthToken            string        `mapstructure:"AUTH_TOKEN"`
	Role                 string        `mapstructure:"ROLE"`
	ListenAddr           string        `mapstructure:"LISTEN_ADDR"`
	RedisAddr            string        `mapstructure:"REDIS_ADDR"`
	RedisPassword        string        `mapstructure:"REDIS_PASSWORD"`
	PostgresURL          string        `mapstructure:"POSTGRES_URL"`
	PollInterval         time.Duration `mapstructure:"POLL_INTERVAL"`
	PollFailureThreshold int           `mapstructure:"POLL_FAILURE_THRESHOLD"`
	ReconnectBaseMs      int           `mapstructure:"RECONNECT_BASE_MS"`
	ReconnectFactor      float64       `mapstructure:"RECONNECT_FACTOR"`
	ReconnectMaxAttempts int           `mapstructure:"RECONNECT_MAX_ATTEMPTS"`
	ConnectTimeout       time.Duration `mapstructure:"CONNECT_TIMEOUT"`
	HeartbeatTimeout     time.Duration `mapstructure:"HEARTBEAT_TIMEOUT"`
	GeocodeURL           string        `mapstructure:"GEOCODE_URL"`
	RouteURL             string        `mapstructure:"ROUTE_URL"`
}

func Load() Config {
	viper.AutomaticEnv()
	viper.SetDefault("WS_URL", "ws://localhost:8080/ws")
	viper.SetDefault("API_BASE_URL", "http://localhost:8080")
	viper.SetDefault("ROLE", "user")
	viper.SetDefault("LISTEN_ADDR", ":7080")
	viper.SetDefault("POLL_INTERVAL", "15s")
	viper.SetDefault("POLL_FAILURE_THRESHOLD", 3)
	viper.SetDefault("RECONNECT_BASE_MS", 3000)
	viper.SetDefault("RECONNECT_FACTOR", 1.5)
	viper.SetDefault("RECONNECT_MAX_ATTEMPTS", 3)
	viper.SetDefault("CONNECT_TIMEOUT", "10s")
	viper.SetDefault("HEARTBEAT_TIMEOUT", "45s")

	var cfg Config
	_ = viper.Unmarshal(&cfg)
	return cfg
}
