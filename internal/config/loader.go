package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"meshbridge/internal/constants"
)

// LoadConfig reads the optional YAML config file and applies environment
// overrides. The env surface matches the historical deployment (.env style
// flat names), so the bridge can run from env vars alone.
func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	setDefaults()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	bindEnvVariables()

	if configFile != "" {
		viper.SetConfigType("yaml")
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("mqtt.port", constants.DefaultMQTTPort)
	viper.SetDefault("mqtt.keepalive", constants.DefaultMQTTKeepAlive)
	viper.SetDefault("mqtt.root_topic", constants.DefaultRootTopic)
	viper.SetDefault("mqtt.channel", constants.DefaultChannel)

	viper.SetDefault("mesh.max_text_len", constants.DefaultMaxTextLen)

	viper.SetDefault("gateway.max_retries", constants.DefaultMaxRetries)
	viper.SetDefault("gateway.retry_delay", constants.DefaultRetryDelay)
	viper.SetDefault("gateway.api_timeout", constants.DefaultAPITimeout)

	viper.SetDefault("database.file", constants.DefaultDatabaseFile)

	viper.SetDefault("logging.level", "info")

	viper.SetDefault("circuit_breaker.max_requests", 3)
	viper.SetDefault("circuit_breaker.interval", 60*time.Second)
	viper.SetDefault("circuit_breaker.timeout", 60*time.Second)
	viper.SetDefault("circuit_breaker.failure_ratio", 0.5)
	viper.SetDefault("circuit_breaker.min_requests", 3)
}

func bindEnvVariables() {
	viper.BindEnv("mesh.encryption_key", "ENCRYPTION_KEY")

	viper.BindEnv("mqtt.broker", "MQTT_BROKER")
	viper.BindEnv("mqtt.port", "MQTT_PORT")
	viper.BindEnv("mqtt.username", "MQTT_USERNAME")
	viper.BindEnv("mqtt.password", "MQTT_PASSWORD")
	viper.BindEnv("mqtt.keepalive", "MQTT_KEEPALIVE")
	viper.BindEnv("mqtt.root_topic", "ROOT_TOPIC")
	viper.BindEnv("mqtt.channel", "CHANNEL")

	viper.BindEnv("gateway.api_url", "DAPNET_API_URL")
	viper.BindEnv("gateway.password", "DAPNET_PASSWORD")
	viper.BindEnv("gateway.callsign", "CALLSIGN")
	viper.BindEnv("gateway.transmitter_group", "TRANSMITTER_GROUP")
	viper.BindEnv("gateway.max_retries", "MAX_RETRIES")
	viper.BindEnv("gateway.retry_delay", "RETRY_DELAY")
	viper.BindEnv("gateway.api_timeout", "API_TIMEOUT")

	viper.BindEnv("database.file", "DATABASE_FILE")

	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.file", "LOG_FILE")

	viper.BindEnv("server.port", "SERVER_PORT")
}
