package config

import (
	"time"
)

type Config struct {
	MQTT           MQTTConfig           `mapstructure:"mqtt"`
	Mesh           MeshConfig           `mapstructure:"mesh"`
	Gateway        GatewayConfig        `mapstructure:"gateway"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Server         ServerConfig         `mapstructure:"server"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type MQTTConfig struct {
	Broker    string        `mapstructure:"broker"`
	Port      int           `mapstructure:"port"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	KeepAlive time.Duration `mapstructure:"keepalive"`
	RootTopic string        `mapstructure:"root_topic"`
	Channel   string        `mapstructure:"channel"`
}

type MeshConfig struct {
	// EncryptionKey is the shared channel key, base64 encoded. Meshtastic
	// hands these out url-safe and unpadded, so both alphabets are accepted.
	EncryptionKey string `mapstructure:"encryption_key"`
	MaxTextLen    int    `mapstructure:"max_text_len"`
}

type GatewayConfig struct {
	APIURL           string        `mapstructure:"api_url"`
	Password         string        `mapstructure:"password"`
	Callsign         string        `mapstructure:"callsign"`
	TransmitterGroup string        `mapstructure:"transmitter_group"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	APITimeout       time.Duration `mapstructure:"api_timeout"`
	RateLimitRPS     float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst   int           `mapstructure:"rate_limit_burst"`
}

type DatabaseConfig struct {
	File string `mapstructure:"file"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// ServerConfig controls the ops HTTP listener (/health, /metrics).
// Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
