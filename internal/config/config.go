// Package config holds process-wide configuration for the thermostat
// cloud. A Config is loaded once at startup and threaded explicitly into
// every component constructor; nothing in this repo reads configuration
// through a package-level global.
package config

import (
	"fmt"
	"strings"
)

// Config holds all configuration options for the nolongerevil server.
type Config struct {
	// Device-facing transport
	APIOrigin string `json:"api_origin"` // origin the discovery document advertises, e.g. "https://192.168.1.10"
	ProxyPort int    `json:"proxy_port"`  // device-facing HTTPS port
	CertDir   string `json:"cert_dir"`    // TLS cert/key directory for ProxyPort, loaded by an external collaborator

	// Control API
	ControlPort int `json:"control_port"` // dashboard/integration-facing HTTP port

	// Pairing / entry keys
	EntryKeyTTLSeconds int `json:"entry_key_ttl_seconds"`

	// Weather cache
	WeatherCacheTTLMs int64 `json:"weather_cache_ttl_ms"`

	// Subscription engine
	MaxSubscriptionsPerDevice int `json:"max_subscriptions_per_device"`
	SuspendTimeMax            int `json:"suspend_time_max"` // seconds, 30-300

	// Logging / persistence
	DebugLogging    bool   `json:"debug_logging"`
	StoreDeviceLogs bool   `json:"store_device_logs"`
	SQLite3DBPath   string `json:"sqlite3_db_path"`

	// MQTT integration
	MQTTHost            string `json:"mqtt_host"`
	MQTTPort            int    `json:"mqtt_port"`
	MQTTUser            string `json:"mqtt_user"`
	MQTTPassword        string `json:"mqtt_password"`
	MQTTTopicPrefix     string `json:"mqtt_topic_prefix"`
	MQTTDiscoveryPrefix string `json:"mqtt_discovery_prefix"`

	// Webhook integration (supplemental; a second Sink implementation
	// exercising the same Integration interface as MQTT)
	WebhookURL string `json:"webhook_url"`
}

// GetDefaultConfig returns a configuration with sensible defaults.
func GetDefaultConfig() *Config {
	return &Config{
		ProxyPort:                 443,
		ControlPort:               8081,
		EntryKeyTTLSeconds:        3600,
		WeatherCacheTTLMs:         600000,
		MaxSubscriptionsPerDevice: MaxSubsPerDeviceDefault,
		SuspendTimeMax:            int(SuspendTimeMaxDefault.Seconds()),
		SQLite3DBPath:             "nolongerevil.db",
		MQTTTopicPrefix:           "nolongerevil",
		MQTTDiscoveryPrefix:       "homeassistant",
	}
}

// Validate checks the configuration for internal consistency and fills in
// defaults for fields left at their zero value.
func (c *Config) Validate() error {
	if c.ProxyPort <= 0 {
		c.ProxyPort = 443
	}
	if c.ControlPort <= 0 {
		c.ControlPort = 8081
	}
	if c.MaxSubscriptionsPerDevice <= 0 {
		c.MaxSubscriptionsPerDevice = MaxSubsPerDeviceDefault
	}
	if c.SuspendTimeMax == 0 {
		c.SuspendTimeMax = int(SuspendTimeMaxDefault.Seconds())
	}
	if c.SuspendTimeMax < 30 || c.SuspendTimeMax > 300 {
		return fmt.Errorf("suspend_time_max must be in [30, 300], got %d", c.SuspendTimeMax)
	}
	if c.SQLite3DBPath == "" {
		return fmt.Errorf("sqlite3_db_path is required")
	}
	if c.HasMQTT() && c.MQTTHost == "" {
		return fmt.Errorf("mqtt_host is required when mqtt_port is set")
	}
	if c.WebhookURL != "" && !strings.HasPrefix(c.WebhookURL, "http://") && !strings.HasPrefix(c.WebhookURL, "https://") {
		return fmt.Errorf("webhook_url must be an http(s) URL")
	}
	return nil
}

// HasMQTT returns true if the MQTT integration is configured.
func (c *Config) HasMQTT() bool {
	return c.MQTTHost != "" || c.MQTTPort != 0
}

// HasWebhook returns true if the webhook integration is configured.
func (c *Config) HasWebhook() bool {
	return c.WebhookURL != ""
}
