package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the runtime (env-driven) configuration. Sensor and account
// records live in the JSON document pointed at by ConfigPath; see the store
// package.
type Config struct {
	AppEnv   string
	LogLevel slog.Level

	ConfigPath string
	BLEAdapter string

	RestPeriod        time.Duration
	HTTPTimeout       time.Duration
	UploadMaxAttempts int

	// MQTTBroker empty means the MQTT status sink is disabled and status
	// only goes to the logs.
	MQTTBroker      string
	MQTTPort        int
	MQTTClientID    string
	MQTTTopicPrefix string
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	configPath := strings.TrimSpace(os.Getenv("CONFIG_PATH"))
	if configPath == "" {
		configPath = "data.json"
	}

	bleAdapter := strings.TrimSpace(os.Getenv("BLE_ADAPTER"))
	if bleAdapter == "" {
		bleAdapter = "hci0"
	}

	restPeriodStr := strings.TrimSpace(os.Getenv("REST_PERIOD"))
	if restPeriodStr == "" {
		restPeriodStr = "10s"
	}
	restPeriod, err := time.ParseDuration(restPeriodStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid REST_PERIOD %q: %w", restPeriodStr, err)
	}
	if restPeriod <= 0 {
		return Config{}, fmt.Errorf("REST_PERIOD must be positive, got %v", restPeriod)
	}

	httpTimeoutStr := strings.TrimSpace(os.Getenv("HTTP_TIMEOUT"))
	if httpTimeoutStr == "" {
		httpTimeoutStr = "15s"
	}
	httpTimeout, err := time.ParseDuration(httpTimeoutStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid HTTP_TIMEOUT %q: %w", httpTimeoutStr, err)
	}
	if httpTimeout <= 0 {
		return Config{}, fmt.Errorf("HTTP_TIMEOUT must be positive, got %v", httpTimeout)
	}

	maxAttemptsStr := strings.TrimSpace(os.Getenv("UPLOAD_MAX_ATTEMPTS"))
	if maxAttemptsStr == "" {
		maxAttemptsStr = "4"
	}
	maxAttempts, err := strconv.Atoi(maxAttemptsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid UPLOAD_MAX_ATTEMPTS %q: %w", maxAttemptsStr, err)
	}
	if maxAttempts < 1 || maxAttempts > 10 {
		return Config{}, fmt.Errorf("UPLOAD_MAX_ATTEMPTS must be 1..10, got %d", maxAttempts)
	}

	mqttBroker := strings.TrimSpace(os.Getenv("MQTT_BROKER"))

	mqttPortStr := strings.TrimSpace(os.Getenv("MQTT_PORT"))
	if mqttPortStr == "" {
		mqttPortStr = "1883"
	}
	mqttPort, err := strconv.Atoi(mqttPortStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid MQTT_PORT %q: %w", mqttPortStr, err)
	}

	mqttClientID := strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	if mqttClientID == "" {
		mqttClientID = "raptpill-bridge"
	}

	mqttTopicPrefix := strings.TrimSpace(os.Getenv("MQTT_TOPIC_PREFIX"))
	if mqttTopicPrefix == "" {
		mqttTopicPrefix = "pills"
	}

	return Config{
		AppEnv:            appEnv,
		LogLevel:          level,
		ConfigPath:        configPath,
		BLEAdapter:        bleAdapter,
		RestPeriod:        restPeriod,
		HTTPTimeout:       httpTimeout,
		UploadMaxAttempts: maxAttempts,
		MQTTBroker:        mqttBroker,
		MQTTPort:          mqttPort,
		MQTTClientID:      mqttClientID,
		MQTTTopicPrefix:   mqttTopicPrefix,
	}, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
