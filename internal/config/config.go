package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	// ConnectionMode is "auto", "wifi" or "ble". Auto starts the HTTP transport and falls
	// back to BLE when it cannot listen.
	ConnectionMode string
	DeviceID       string

	BLEAdapter            string
	BLEDeviceName         string
	BLEServiceUUID        string
	BLECharacteristicUUID string
	BLEQueueSize          int

	DefaultMessage    string
	SpeechTimeout     time.Duration
	RenderInterval    time.Duration
	LoopInterval      time.Duration
	HeartbeatInterval time.Duration
	IdlePhrasesFile   string

	Renderer      string
	DisplayI2CBus string
	ButtonAPin    string
	ButtonBPin    string
	ButtonCPin    string

	MQTTBroker      string
	MQTTPort        int
	MQTTClientID    string
	MQTTTopicPrefix string

	Driver          string
	DSN             string
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
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

	httpAddr := envOr("HTTP_ADDR", ":8080")

	connectionMode := strings.ToLower(envOr("CONNECTION_MODE", "auto"))
	switch connectionMode {
	case "auto", "wifi", "ble":
	default:
		return Config{}, fmt.Errorf("invalid CONNECTION_MODE %q (allowed: auto, wifi, ble)", connectionMode)
	}

	bleQueueSize, err := envInt("BLE_QUEUE_SIZE", 8)
	if err != nil {
		return Config{}, err
	}
	if bleQueueSize <= 0 {
		return Config{}, fmt.Errorf("BLE_QUEUE_SIZE must be positive, got %d", bleQueueSize)
	}

	speechTimeout, err := envPositiveDuration("SPEECH_TIMEOUT", "30s")
	if err != nil {
		return Config{}, err
	}
	renderInterval, err := envPositiveDuration("RENDER_INTERVAL", "2s")
	if err != nil {
		return Config{}, err
	}
	loopInterval, err := envPositiveDuration("LOOP_INTERVAL", "50ms")
	if err != nil {
		return Config{}, err
	}
	heartbeatInterval, err := envPositiveDuration("HEARTBEAT_INTERVAL", "10s")
	if err != nil {
		return Config{}, err
	}

	renderer := strings.ToLower(envOr("RENDERER", "canvas"))
	switch renderer {
	case "canvas", "ssd1306":
	default:
		return Config{}, fmt.Errorf("invalid RENDERER %q (allowed: canvas, ssd1306)", renderer)
	}

	mqttPort, err := envInt("MQTT_PORT", 1883)
	if err != nil {
		return Config{}, err
	}

	deviceID := envOr("DEVICE_ID", "stackchan")

	maxOpenConns, err := envInt("DB_MAX_OPEN_CONNS", 1)
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := envInt("DB_MAX_IDLE_CONNS", 1)
	if err != nil {
		return Config{}, err
	}

	connMaxLifetimeStr := envOr("DB_CONN_MAX_LIFETIME", "0s")
	connMaxLifetime, err := time.ParseDuration(connMaxLifetimeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME %q: %w", connMaxLifetimeStr, err)
	}

	return Config{
		AppEnv:                appEnv,
		LogLevel:              level,
		HTTPAddr:              httpAddr,
		ConnectionMode:        connectionMode,
		DeviceID:              deviceID,
		BLEAdapter:            envOr("BLE_ADAPTER", "hci0"),
		BLEDeviceName:         envOr("BLE_DEVICE_NAME", "StackChan"),
		BLEServiceUUID:        envOr("BLE_SERVICE_UUID", "12345678-1234-1234-1234-123456789ABC"),
		BLECharacteristicUUID: envOr("BLE_CHARACTERISTIC_UUID", "87654321-4321-4321-4321-CBA987654321"),
		BLEQueueSize:          bleQueueSize,
		DefaultMessage:        envOr("DEFAULT_MESSAGE", "スタックちゃん"),
		SpeechTimeout:         speechTimeout,
		RenderInterval:        renderInterval,
		LoopInterval:          loopInterval,
		HeartbeatInterval:     heartbeatInterval,
		IdlePhrasesFile:       strings.TrimSpace(os.Getenv("IDLE_PHRASES_FILE")),
		Renderer:              renderer,
		DisplayI2CBus:         strings.TrimSpace(os.Getenv("DISPLAY_I2C_BUS")),
		ButtonAPin:            strings.TrimSpace(os.Getenv("BUTTON_A_PIN")),
		ButtonBPin:            strings.TrimSpace(os.Getenv("BUTTON_B_PIN")),
		ButtonCPin:            strings.TrimSpace(os.Getenv("BUTTON_C_PIN")),
		MQTTBroker:            strings.TrimSpace(os.Getenv("MQTT_BROKER")),
		MQTTPort:              mqttPort,
		MQTTClientID:          envOr("MQTT_CLIENT_ID", "stackchan-"+deviceID),
		MQTTTopicPrefix:       strings.Trim(envOr("MQTT_TOPIC_PREFIX", "stackchan"), "/"),
		Driver:                envOr("DB_DRIVER", "sqlite3"),
		DSN:                   strings.TrimSpace(os.Getenv("DB_DSN")),
		Path:                  envOr("SQLITE_PATH", "data/stackchan.db"),
		MaxOpenConns:          maxOpenConns,
		MaxIdleConns:          maxIdleConns,
		ConnMaxLifetime:       connMaxLifetime,
	}, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) (int, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}

func envPositiveDuration(key, def string) (time.Duration, error) {
	s := envOr(key, def)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
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
