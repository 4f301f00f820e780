package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaultsAndSecrets(t *testing.T) {
	dir := t.TempDir()
	secretPath := writeFile(t, dir, "secret", "  s3cr3t\n")
	path := writeFile(t, dir, "config.yaml", `
schema_version: 1
homeconnect:
  client_id: abc
  client_secret_file: `+secretPath+`
oauth:
  min_auth_interval: 90s
mqtt:
  broker: tcp://broker:1883
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Core.HTTPAddr != DefaultHTTPAddr || cfg.Core.GRPCAddr != DefaultGRPCAddr {
		t.Fatalf("core defaults not applied: %+v", cfg.Core)
	}
	if cfg.HomeConnect.ClientSecret != "s3cr3t" {
		t.Fatalf("secret not resolved: %q", cfg.HomeConnect.ClientSecret)
	}
	if cfg.OAuth.MinAuthInterval != 90*time.Second {
		t.Fatalf("unexpected min auth interval: %s", cfg.OAuth.MinAuthInterval)
	}
	if cfg.OAuth.MaxInitAttempts != DefaultMaxInitAttempts || cfg.OAuth.TokenFile != DefaultTokenFile {
		t.Fatalf("oauth defaults not applied: %+v", cfg.OAuth)
	}
	if cfg.OAuth.MirrorEnabled() {
		t.Fatalf("mirror should be disabled without an endpoint")
	}
	if cfg.Rate.PerMinute != 50 || cfg.Rate.PerDay != 1000 {
		t.Fatalf("rate defaults not applied: %+v", cfg.Rate)
	}
	if cfg.MQTT.TopicPrefix != DefaultTopicPrefix {
		t.Fatalf("mqtt topic prefix default not applied: %q", cfg.MQTT.TopicPrefix)
	}
}

func TestValidateErrors(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{SchemaVersion: SchemaVersion, HomeConnect: HomeConnectConfig{ClientID: "abc"}}
		applyDefaults(cfg)
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"schema", func(c *Config) { c.SchemaVersion = 2 }, "schema_version"},
		{"client id", func(c *Config) { c.HomeConnect.ClientID = "" }, "client_id"},
		{"mirror bucket", func(c *Config) { c.OAuth.BlobEndpoint = "s3.local:9000" }, "blob_bucket"},
		{"attempts", func(c *Config) { c.OAuth.MaxInitAttempts = -1 }, "max_init_attempts"},
		{"mqtt broker", func(c *Config) { c.MQTT = &MQTTConfig{} }, "mqtt.broker"},
		{"mqtt qos", func(c *Config) { c.MQTT = &MQTTConfig{Broker: "tcp://b:1883", QoS: 3} }, "mqtt.qos"},
	}

	if err := Validate(valid()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for _, tc := range cases {
		cfg := valid()
		tc.mutate(cfg)
		err := Validate(cfg)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestLoadRejectsEmptySecretFile(t *testing.T) {
	dir := t.TempDir()
	empty := writeFile(t, dir, "id", "\n")
	path := writeFile(t, dir, "config.yaml", "schema_version: 1\nhomeconnect:\n  client_id_file: "+empty+"\n")

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "client_id_file") {
		t.Fatalf("expected client_id_file error, got %v", err)
	}
}
