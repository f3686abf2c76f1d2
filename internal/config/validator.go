package config

import (
	"fmt"

	"meshbridge/internal/mesh"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateStatic rejects any configuration the bridge cannot start with.
// A failure here is fatal; there is no partial startup.
func ValidateStatic(cfg *Config) error {
	var errs []error

	if err := validateMesh(cfg.Mesh); err != nil {
		errs = append(errs, err)
	}
	if err := validateMQTT(cfg.MQTT); err != nil {
		errs = append(errs, err)
	}
	if err := validateGateway(cfg.Gateway); err != nil {
		errs = append(errs, err)
	}
	if err := validateDatabase(cfg.Database); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

func validateMesh(cfg MeshConfig) error {
	if cfg.EncryptionKey == "" {
		return &ValidationError{Field: "mesh.encryption_key", Message: "encryption key is required"}
	}
	if _, err := mesh.PrepareKey(cfg.EncryptionKey); err != nil {
		// Never echo the key material back.
		return &ValidationError{Field: "mesh.encryption_key", Message: "key is not a valid AES key"}
	}
	if cfg.MaxTextLen <= 0 {
		return &ValidationError{Field: "mesh.max_text_len", Message: "max text length must be positive"}
	}
	return nil
}

func validateMQTT(cfg MQTTConfig) error {
	if cfg.Broker == "" {
		return &ValidationError{Field: "mqtt.broker", Message: "broker host is required"}
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{Field: "mqtt.port", Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port)}
	}
	if cfg.Username == "" {
		return &ValidationError{Field: "mqtt.username", Message: "username is required"}
	}
	if cfg.Password == "" {
		return &ValidationError{Field: "mqtt.password", Message: "password is required"}
	}
	if cfg.RootTopic == "" {
		return &ValidationError{Field: "mqtt.root_topic", Message: "root topic is required"}
	}
	if cfg.Channel == "" {
		return &ValidationError{Field: "mqtt.channel", Message: "channel is required"}
	}
	if cfg.KeepAlive <= 0 {
		return &ValidationError{Field: "mqtt.keepalive", Message: "keepalive must be positive"}
	}
	return nil
}

func validateGateway(cfg GatewayConfig) error {
	if cfg.APIURL == "" {
		return &ValidationError{Field: "gateway.api_url", Message: "API URL is required"}
	}
	if cfg.Password == "" {
		return &ValidationError{Field: "gateway.password", Message: "password is required"}
	}
	if cfg.Callsign == "" {
		return &ValidationError{Field: "gateway.callsign", Message: "callsign is required"}
	}
	if cfg.TransmitterGroup == "" {
		return &ValidationError{Field: "gateway.transmitter_group", Message: "transmitter group is required"}
	}
	if cfg.MaxRetries <= 0 {
		return &ValidationError{Field: "gateway.max_retries", Message: "max retries must be greater than 0"}
	}
	if cfg.RetryDelay <= 0 {
		return &ValidationError{Field: "gateway.retry_delay", Message: "retry delay must be positive"}
	}
	if cfg.APITimeout <= 0 {
		return &ValidationError{Field: "gateway.api_timeout", Message: "API timeout must be positive"}
	}
	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.File == "" {
		return &ValidationError{Field: "database.file", Message: "database file path is required"}
	}
	return nil
}
