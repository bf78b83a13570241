package config

import (
	"os"
	"testing"
	"time"
)

// unsetEnv clears key for the duration of the test.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("unset %s: %v", key, err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	for _, v := range []string{
		"HTTP_PORT", "ENV", "DATABASE_URL", "LOG_LEVEL", "LOG_FORMAT", "LOG_FILE",
		"ARTNET_ENABLED", "ARTNET_PORT", "SACN_ENABLED", "SACN_PORT",
		"NODE_UID", "MERGE_TIMEOUT", "PORT_LAYOUT_FILE", "MQTT_ENABLED", "MQTT_INTERVAL",
		"FORWARD_ENABLED", "FORWARD_MAX_FPS",
	} {
		unsetEnv(t, v)
	}

	cfg := Load()

	if cfg.HTTPPort != "4100" {
		t.Errorf("Expected HTTPPort to be '4100', got '%s'", cfg.HTTPPort)
	}
	if !cfg.IsDevelopment() {
		t.Errorf("Expected development env, got '%s'", cfg.Env)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" || cfg.LogFile != "" {
		t.Errorf("Unexpected log defaults: %s %s %q", cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	}
	if !cfg.ArtNetEnabled || cfg.ArtNetPort != 6454 {
		t.Errorf("Unexpected Art-Net defaults: %v %d", cfg.ArtNetEnabled, cfg.ArtNetPort)
	}
	if !cfg.SACNEnabled || cfg.SACNPort != 5568 {
		t.Errorf("Unexpected sACN defaults: %v %d", cfg.SACNEnabled, cfg.SACNPort)
	}
	if cfg.MergeTimeout != 2500*time.Millisecond {
		t.Errorf("Expected MergeTimeout 2.5s, got %v", cfg.MergeTimeout)
	}
	if cfg.MQTTEnabled || cfg.ForwardEnabled {
		t.Error("MQTT and forwarding should be off by default")
	}
	if cfg.ForwardMaxFPS != 40 {
		t.Errorf("Expected ForwardMaxFPS 40, got %d", cfg.ForwardMaxFPS)
	}
}

func TestLoad_CustomEnvironment(t *testing.T) {
	t.Setenv("HTTP_PORT", "8080")
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "file:./prod.db")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_FILE", "/var/log/node.log")
	t.Setenv("ARTNET_ENABLED", "false")
	t.Setenv("ARTNET_PORT", "6455")
	t.Setenv("ARTNET_BROADCAST", "192.168.1.255")
	t.Setenv("SACN_ENABLED", "false")
	t.Setenv("NODE_INTERFACE", "eth0")
	t.Setenv("NODE_SHORT_NAME", "stage left")
	t.Setenv("MERGE_TIMEOUT", "5s")
	t.Setenv("PORT_LAYOUT_FILE", "/etc/node/layout.toml")
	t.Setenv("MQTT_ENABLED", "true")
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("MQTT_INTERVAL", "250")
	t.Setenv("FORWARD_ENABLED", "1")
	t.Setenv("FORWARD_IP", "10.0.0.9")
	t.Setenv("CORS_ORIGIN", "http://example.com")

	cfg := Load()

	if cfg.HTTPPort != "8080" {
		t.Errorf("Expected HTTPPort to be '8080', got '%s'", cfg.HTTPPort)
	}
	if !cfg.IsProduction() {
		t.Errorf("Expected Env to be 'production', got '%s'", cfg.Env)
	}
	if cfg.DatabaseURL != "file:./prod.db" {
		t.Errorf("Expected DatabaseURL to be 'file:./prod.db', got '%s'", cfg.DatabaseURL)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" || cfg.LogFile != "/var/log/node.log" {
		t.Errorf("Unexpected log settings: %s %s %s", cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	}
	if cfg.ArtNetEnabled {
		t.Errorf("Expected ArtNetEnabled to be false, got %v", cfg.ArtNetEnabled)
	}
	if cfg.ArtNetPort != 6455 {
		t.Errorf("Expected ArtNetPort to be 6455, got %d", cfg.ArtNetPort)
	}
	if cfg.ArtNetBroadcast != "192.168.1.255" {
		t.Errorf("Expected ArtNetBroadcast to be '192.168.1.255', got '%s'", cfg.ArtNetBroadcast)
	}
	if cfg.SACNEnabled {
		t.Error("Expected SACNEnabled to be false")
	}
	if cfg.NodeInterface != "eth0" || cfg.NodeShortName != "stage left" {
		t.Errorf("Unexpected node settings: %s %s", cfg.NodeInterface, cfg.NodeShortName)
	}
	if cfg.MergeTimeout != 5*time.Second {
		t.Errorf("Expected MergeTimeout 5s, got %v", cfg.MergeTimeout)
	}
	if cfg.PortLayoutFile != "/etc/node/layout.toml" {
		t.Errorf("Unexpected PortLayoutFile %s", cfg.PortLayoutFile)
	}
	if !cfg.MQTTEnabled || cfg.MQTTBroker != "tcp://broker:1883" {
		t.Errorf("Unexpected MQTT settings: %v %s", cfg.MQTTEnabled, cfg.MQTTBroker)
	}
	if cfg.MQTTInterval != 250*time.Millisecond {
		t.Errorf("Expected MQTTInterval 250ms, got %v", cfg.MQTTInterval)
	}
	if !cfg.ForwardEnabled || cfg.ForwardIP != "10.0.0.9" {
		t.Errorf("Unexpected forward settings: %v %s", cfg.ForwardEnabled, cfg.ForwardIP)
	}
	if cfg.CORSOrigin != "http://example.com" {
		t.Errorf("Expected CORSOrigin to be 'http://example.com', got '%s'", cfg.CORSOrigin)
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		env      string
		expected bool
	}{
		{"development", true},
		{"production", false},
		{"staging", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			cfg := &Config{Env: tt.env}
			if got := cfg.IsDevelopment(); got != tt.expected {
				t.Errorf("IsDevelopment() = %v, want %v for env '%s'", got, tt.expected, tt.env)
			}
		})
	}
}

func TestIsProduction(t *testing.T) {
	tests := []struct {
		env      string
		expected bool
	}{
		{"production", true},
		{"development", false},
		{"staging", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			cfg := &Config{Env: tt.env}
			if got := cfg.IsProduction(); got != tt.expected {
				t.Errorf("IsProduction() = %v, want %v for env '%s'", got, tt.expected, tt.env)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	// Test with existing env var
	t.Setenv("TEST_GET_ENV", "custom_value")

	result := getEnv("TEST_GET_ENV", "default")
	if result != "custom_value" {
		t.Errorf("Expected 'custom_value', got '%s'", result)
	}

	// Test with non-existing env var (use a unique key that won't be set)
	result = getEnv("NON_EXISTING_VAR_12345_UNIQUE", "default_value")
	if result != "default_value" {
		t.Errorf("Expected 'default_value', got '%s'", result)
	}
}

func TestGetEnvInt(t *testing.T) {
	// Test with valid int
	t.Setenv("TEST_INT_VAR", "42")

	result := getEnvInt("TEST_INT_VAR", 10)
	if result != 42 {
		t.Errorf("Expected 42, got %d", result)
	}

	// Test with invalid int (should return default)
	t.Setenv("TEST_INVALID_INT", "not_a_number")

	result = getEnvInt("TEST_INVALID_INT", 10)
	if result != 10 {
		t.Errorf("Expected default 10 for invalid int, got %d", result)
	}

	// Test with non-existing env var
	result = getEnvInt("NON_EXISTING_INT_VAR_12345_UNIQUE", 100)
	if result != 100 {
		t.Errorf("Expected default 100, got %d", result)
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue bool
		expected     bool
		setEnv       bool
	}{
		{"true_string", "true", false, true, true},
		{"false_string", "false", true, false, true},
		{"1_string", "1", false, true, true},
		{"0_string", "0", true, false, true},
		{"invalid_string_returns_default", "invalid", true, true, true},
		{"non_existing_returns_default_true", "", true, true, false},
		{"non_existing_returns_default_false", "", false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Use a unique env key for each test
			envKey := "TEST_BOOL_VAR_" + tt.name + "_UNIQUE"
			if tt.setEnv {
				t.Setenv(envKey, tt.envValue)
			}

			result := getEnvBool(envKey, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("getEnvBool(%s, %v) = %v, want %v", envKey, tt.defaultValue, result, tt.expected)
			}
		})
	}
}

func TestGetEnvInt_ZeroValue(t *testing.T) {
	t.Setenv("TEST_ZERO_INT", "0")

	result := getEnvInt("TEST_ZERO_INT", 10)
	if result != 0 {
		t.Errorf("Expected 0, got %d", result)
	}
}

func TestGetEnvBool_VariousTrue(t *testing.T) {
	trueValues := []string{"true", "TRUE", "True", "1", "t", "T"}
	for _, val := range trueValues {
		t.Run(val, func(t *testing.T) {
			envKey := "TEST_BOOL_TRUE_" + val
			t.Setenv(envKey, val)
			result := getEnvBool(envKey, false)
			if !result {
				t.Errorf("getEnvBool with value '%s' should be true", val)
			}
		})
	}
}

func TestGetEnvBool_VariousFalse(t *testing.T) {
	falseValues := []string{"false", "FALSE", "False", "0", "f", "F"}
	for _, val := range falseValues {
		t.Run(val, func(t *testing.T) {
			envKey := "TEST_BOOL_FALSE_" + val
			t.Setenv(envKey, val)
			result := getEnvBool(envKey, true)
			if result {
				t.Errorf("getEnvBool with value '%s' should be false", val)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected time.Duration
	}{
		{"go_duration", "1.5s", 1500 * time.Millisecond},
		{"milliseconds", "750", 750 * time.Millisecond},
		{"invalid_returns_default", "soon", time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envKey := "TEST_DURATION_" + tt.name
			t.Setenv(envKey, tt.value)
			if got := getEnvDuration(envKey, time.Second); got != tt.expected {
				t.Errorf("getEnvDuration(%s) = %v, want %v", tt.value, got, tt.expected)
			}
		})
	}

	if got := getEnvDuration("NON_EXISTING_DURATION_12345_UNIQUE", time.Minute); got != time.Minute {
		t.Errorf("Expected default 1m, got %v", got)
	}
}
