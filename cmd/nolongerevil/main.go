package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cjserio/nolongerevil/internal/app"
	"github.com/cjserio/nolongerevil/internal/config"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	cfg, verbose := parseFlags()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(verbose)
	logger.WithFields(logrus.Fields{
		"version":      version,
		"proxy_port":   cfg.ProxyPort,
		"control_port": cfg.ControlPort,
		"db_path":      cfg.SQLite3DBPath,
	}).Info("starting nolongerevil")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := app.Run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("nolongerevil exited with error")
	}
}

func parseFlags() (*config.Config, bool) {
	cfg := config.GetDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version and exit")

	flag.StringVar(&cfg.APIOrigin, "api-origin",
		getEnvOrDefault("NOLONGEREVIL_API_ORIGIN", cfg.APIOrigin),
		"Origin the discovery document advertises, e.g. https://192.168.1.10")

	flag.IntVar(&cfg.ProxyPort, "proxy-port",
		getEnvIntOrDefault("NOLONGEREVIL_PROXY_PORT", cfg.ProxyPort),
		"Device-facing HTTPS port")

	flag.IntVar(&cfg.ControlPort, "control-port",
		getEnvIntOrDefault("NOLONGEREVIL_CONTROL_PORT", cfg.ControlPort),
		"Control API port")

	flag.StringVar(&cfg.CertDir, "cert-dir",
		getEnvOrDefault("NOLONGEREVIL_CERT_DIR", cfg.CertDir),
		"TLS cert/key directory for the device-facing port")

	flag.IntVar(&cfg.EntryKeyTTLSeconds, "entry-key-ttl-seconds",
		getEnvIntOrDefault("NOLONGEREVIL_ENTRY_KEY_TTL_SECONDS", cfg.EntryKeyTTLSeconds),
		"Pairing code lifetime in seconds (not applied: /nest/passphrase always issues codes valid for 3600 seconds)")

	flag.IntVar(&cfg.MaxSubscriptionsPerDevice, "max-subscriptions-per-device",
		getEnvIntOrDefault("NOLONGEREVIL_MAX_SUBSCRIPTIONS_PER_DEVICE", cfg.MaxSubscriptionsPerDevice),
		"Per-device cap on live long-poll subscriptions")

	flag.IntVar(&cfg.SuspendTimeMax, "suspend-time-max",
		getEnvIntOrDefault("NOLONGEREVIL_SUSPEND_TIME_MAX", cfg.SuspendTimeMax),
		"Device long-poll abort timer in seconds (30-300)")

	flag.BoolVar(&cfg.DebugLogging, "debug-logging",
		getEnvOrDefault("NOLONGEREVIL_DEBUG_LOGGING", "false") == "true",
		"Log every device HTTP request with full detail")

	flag.BoolVar(&cfg.StoreDeviceLogs, "store-device-logs",
		getEnvOrDefault("NOLONGEREVIL_STORE_DEVICE_LOGS", "false") == "true",
		"Persist device log uploads (not applied: /nest/upload acknowledges uploads without storing them)")

	flag.StringVar(&cfg.SQLite3DBPath, "sqlite3-db-path",
		getEnvOrDefault("NOLONGEREVIL_SQLITE3_DB_PATH", cfg.SQLite3DBPath),
		"Path to the sqlite3 database file")

	flag.StringVar(&cfg.MQTTHost, "mqtt-host",
		getEnvOrDefault("NOLONGEREVIL_MQTT_HOST", cfg.MQTTHost),
		"MQTT broker host")

	flag.IntVar(&cfg.MQTTPort, "mqtt-port",
		getEnvIntOrDefault("NOLONGEREVIL_MQTT_PORT", cfg.MQTTPort),
		"MQTT broker port")

	flag.StringVar(&cfg.MQTTUser, "mqtt-user",
		getEnvOrDefault("NOLONGEREVIL_MQTT_USER", cfg.MQTTUser),
		"MQTT username")

	flag.StringVar(&cfg.MQTTPassword, "mqtt-password",
		getEnvOrDefault("NOLONGEREVIL_MQTT_PASSWORD", cfg.MQTTPassword),
		"MQTT password")

	flag.StringVar(&cfg.MQTTTopicPrefix, "mqtt-topic-prefix",
		getEnvOrDefault("NOLONGEREVIL_MQTT_TOPIC_PREFIX", cfg.MQTTTopicPrefix),
		"MQTT state topic prefix")

	flag.StringVar(&cfg.MQTTDiscoveryPrefix, "mqtt-discovery-prefix",
		getEnvOrDefault("NOLONGEREVIL_MQTT_DISCOVERY_PREFIX", cfg.MQTTDiscoveryPrefix),
		"Home Assistant MQTT discovery prefix")

	flag.StringVar(&cfg.WebhookURL, "webhook-url",
		getEnvOrDefault("NOLONGEREVIL_WEBHOOK_URL", cfg.WebhookURL),
		"Webhook URL to receive state-change/availability events")

	verbose := flag.Bool("verbose",
		getEnvOrDefault("NOLONGEREVIL_VERBOSE", "false") == "true",
		"Enable verbose logging")

	flag.Parse()

	if *showVersion {
		fmt.Printf("nolongerevil %s\n", version)
		os.Exit(0)
	}

	return cfg, *verbose
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var parsed int
	if _, err := fmt.Sscanf(value, "%d", &parsed); err != nil {
		return defaultValue
	}
	return parsed
}

func setupLogger(verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}
