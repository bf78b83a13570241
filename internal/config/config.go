// Package config provides configuration management for the LacyLights node.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values read from the environment.
type Config struct {
	// Server configuration
	HTTPPort   string
	Env        string
	CORSOrigin string

	// Database configuration
	DatabaseURL string

	// Logging
	LogLevel      string
	LogFormat     string // "text" or "json"
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	// Art-Net configuration
	ArtNetEnabled   bool
	ArtNetPort      int
	ArtNetBroadcast string

	// sACN configuration
	SACNEnabled bool
	SACNPort    int

	// Node identity
	NodeInterface string
	NodeShortName string
	NodeLongName  string
	NodeCID       string
	NodeUID       string

	// MergeTimeout is the source loss timeout unless e131.txt overrides it.
	MergeTimeout time.Duration

	// PortLayoutFile describes ports, drivers and universe bindings.
	PortLayoutFile string

	// MQTT monitor
	MQTTEnabled     bool
	MQTTBroker      string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string
	MQTTInterval    time.Duration

	// Art-Net forwarding to a downstream controller
	ForwardEnabled bool
	ForwardIP      string
	ForwardMaxFPS  int
}

// Load loads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		HTTPPort:   getEnv("HTTP_PORT", "4100"),
		Env:        getEnv("ENV", "development"),
		CORSOrigin: getEnv("CORS_ORIGIN", "http://localhost:3000"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", "file:./node.db"),

		// Logging
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "text"),
		LogFile:       getEnv("LOG_FILE", ""),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 10),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
		LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 28),

		// Art-Net
		ArtNetEnabled:   getEnvBool("ARTNET_ENABLED", true),
		ArtNetPort:      getEnvInt("ARTNET_PORT", 6454),
		ArtNetBroadcast: getEnv("ARTNET_BROADCAST", ""),

		// sACN
		SACNEnabled: getEnvBool("SACN_ENABLED", true),
		SACNPort:    getEnvInt("SACN_PORT", 5568),

		// Node
		NodeInterface: getEnv("NODE_INTERFACE", ""),
		NodeShortName: getEnv("NODE_SHORT_NAME", "LacyLights Node"),
		NodeLongName:  getEnv("NODE_LONG_NAME", "LacyLights DMX Node"),
		NodeCID:       getEnv("NODE_CID", ""),
		NodeUID:       getEnv("NODE_UID", "4c4c:00000001"),

		MergeTimeout:   getEnvDuration("MERGE_TIMEOUT", 2500*time.Millisecond),
		PortLayoutFile: getEnv("PORT_LAYOUT_FILE", ""),

		// MQTT
		MQTTEnabled:     getEnvBool("MQTT_ENABLED", false),
		MQTTBroker:      getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTUsername:    getEnv("MQTT_USERNAME", ""),
		MQTTPassword:    getEnv("MQTT_PASSWORD", ""),
		MQTTTopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "lacylights"),
		MQTTInterval:    getEnvDuration("MQTT_INTERVAL", 100*time.Millisecond),

		// Forwarding
		ForwardEnabled: getEnvBool("FORWARD_ENABLED", false),
		ForwardIP:      getEnv("FORWARD_IP", ""),
		ForwardMaxFPS:  getEnvInt("FORWARD_MAX_FPS", 40),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the integer value of an environment variable or a default value.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool returns the boolean value of an environment variable or a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts a Go duration ("2.5s") or a bare number of milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
