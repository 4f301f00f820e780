package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SchemaVersion          = 1
	DefaultPath            = "/etc/homeconnect/config.yaml"
	DefaultGRPCAddr        = "0.0.0.0:9000"
	DefaultHTTPAddr        = "0.0.0.0:8080"
	DefaultLogLevel        = "info"
	DefaultTokenFile       = "/var/lib/homeconnect/refresh_token"
	DefaultBlobPrefix      = "homeconnect/oauth"
	DefaultMinAuthInterval = 2 * time.Minute
	DefaultMaxInitAttempts = 3
	DefaultPerMinute       = 50
	DefaultPerDay          = 1000
	DefaultTopicPrefix     = "homeconnect"
)

type Config struct {
	SchemaVersion int               `yaml:"schema_version"`
	Core          CoreConfig        `yaml:"core"`
	HomeConnect   HomeConnectConfig `yaml:"homeconnect"`
	OAuth         OAuthConfig       `yaml:"oauth"`
	Rate          RateConfig        `yaml:"rate"`
	MQTT          *MQTTConfig       `yaml:"mqtt"`
}

type CoreConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	LogLevel string `yaml:"log_level"`
}

type HomeConnectConfig struct {
	ClientID         string `yaml:"client_id"`
	ClientIDFile     string `yaml:"client_id_file"`
	ClientSecret     string `yaml:"client_secret"`
	ClientSecretFile string `yaml:"client_secret_file"`
	Scope            string `yaml:"scope"`
	BaseURL          string `yaml:"base_url"`
	Simulated        bool   `yaml:"simulated"`
	PerDeviceStreams bool   `yaml:"per_device_streams"`
}

type OAuthConfig struct {
	TokenFile       string        `yaml:"token_file"`
	MinAuthInterval time.Duration `yaml:"min_auth_interval"`
	MaxInitAttempts int           `yaml:"max_init_attempts"`

	// The S3 mirror is optional; an empty endpoint disables it.
	BlobEndpoint      string `yaml:"blob_endpoint"`
	BlobBucket        string `yaml:"blob_bucket"`
	BlobPrefix        string `yaml:"blob_prefix"`
	BlobRegion        string `yaml:"blob_region"`
	BlobAccessKeyFile string `yaml:"blob_access_key_file"`
	BlobSecretKeyFile string `yaml:"blob_secret_key_file"`
}

// MirrorEnabled reports whether the refresh token is mirrored to S3.
func (c OAuthConfig) MirrorEnabled() bool {
	return c.BlobEndpoint != ""
}

type RateConfig struct {
	PerMinute int `yaml:"per_minute"`
	PerDay    int `yaml:"per_day"`
}

type MQTTConfig struct {
	Broker       string `yaml:"broker"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"password_file"`
	TopicPrefix  string `yaml:"topic_prefix"`
	QoS          int    `yaml:"qos"`
}

// Load parses the YAML config file, applies defaults, resolves secret
// files, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := resolveSecrets(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Core.GRPCAddr == "" {
		cfg.Core.GRPCAddr = DefaultGRPCAddr
	}
	if cfg.Core.HTTPAddr == "" {
		cfg.Core.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Core.LogLevel == "" {
		cfg.Core.LogLevel = DefaultLogLevel
	}

	if cfg.OAuth.TokenFile == "" {
		cfg.OAuth.TokenFile = DefaultTokenFile
	}
	if cfg.OAuth.MinAuthInterval == 0 {
		cfg.OAuth.MinAuthInterval = DefaultMinAuthInterval
	}
	if cfg.OAuth.MaxInitAttempts == 0 {
		cfg.OAuth.MaxInitAttempts = DefaultMaxInitAttempts
	}
	if cfg.OAuth.BlobPrefix == "" {
		cfg.OAuth.BlobPrefix = DefaultBlobPrefix
	}

	if cfg.Rate.PerMinute == 0 {
		cfg.Rate.PerMinute = DefaultPerMinute
	}
	if cfg.Rate.PerDay == 0 {
		cfg.Rate.PerDay = DefaultPerDay
	}

	if cfg.MQTT != nil && cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = DefaultTopicPrefix
	}
}

func resolveSecrets(cfg *Config) error {
	var err error
	if cfg.HomeConnect.ClientID, err = secret(cfg.HomeConnect.ClientID, cfg.HomeConnect.ClientIDFile); err != nil {
		return fmt.Errorf("homeconnect.client_id_file: %w", err)
	}
	if cfg.HomeConnect.ClientSecret, err = secret(cfg.HomeConnect.ClientSecret, cfg.HomeConnect.ClientSecretFile); err != nil {
		return fmt.Errorf("homeconnect.client_secret_file: %w", err)
	}
	if cfg.MQTT != nil {
		if cfg.MQTT.Password, err = secret(cfg.MQTT.Password, cfg.MQTT.PasswordFile); err != nil {
			return fmt.Errorf("mqtt.password_file: %w", err)
		}
	}
	return nil
}

// secret prefers the file over the inline value.
func secret(inline, path string) (string, error) {
	if path == "" {
		return inline, nil
	}
	return ReadSecret(path)
}

// ReadSecret reads a secret file and trims surrounding whitespace.
func ReadSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("%s is empty", path)
	}
	return value, nil
}

// Validate enforces required invariants beyond YAML typing.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version must be %d", SchemaVersion)
	}

	if cfg.Core.GRPCAddr == "" {
		return fmt.Errorf("core.grpc_addr is required")
	}
	if cfg.Core.HTTPAddr == "" {
		return fmt.Errorf("core.http_addr is required")
	}

	if cfg.HomeConnect.ClientID == "" {
		return fmt.Errorf("homeconnect.client_id is required")
	}

	if cfg.OAuth.TokenFile == "" {
		return fmt.Errorf("oauth.token_file is required")
	}
	if cfg.OAuth.MinAuthInterval < 0 {
		return fmt.Errorf("oauth.min_auth_interval must not be negative")
	}
	if cfg.OAuth.MaxInitAttempts < 1 {
		return fmt.Errorf("oauth.max_init_attempts must be at least 1")
	}
	if cfg.OAuth.MirrorEnabled() {
		if cfg.OAuth.BlobBucket == "" {
			return fmt.Errorf("oauth.blob_bucket is required")
		}
		if cfg.OAuth.BlobAccessKeyFile == "" {
			return fmt.Errorf("oauth.blob_access_key_file is required")
		}
		if cfg.OAuth.BlobSecretKeyFile == "" {
			return fmt.Errorf("oauth.blob_secret_key_file is required")
		}
	}

	if cfg.Rate.PerMinute < 0 || cfg.Rate.PerDay < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}

	if cfg.MQTT != nil {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	return nil
}
