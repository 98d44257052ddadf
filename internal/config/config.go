package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string
	// AllowedOrigins are the CORS origins of the local API.
	AllowedOrigins []string

	DB DB

	// SessionPath is the YAML file holding the cloud session (email, API key).
	SessionPath string

	Cloud     Cloud
	MQTT      MQTT
	BLE       BLE
	Ingest    Ingest
	Retention Retention
	Weather   Weather
}

type DB struct {
	Driver          string
	DSN             string
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogSQL          bool
}

type Cloud struct {
	BaseURL       string
	Timeout       time.Duration
	SyncInterval  time.Duration
	HistoryWindow time.Duration
}

type MQTT struct {
	Enabled  bool
	Broker   string
	Port     int
	ClientID string
	Topic    string
}

type BLE struct {
	Enabled bool
	Adapter string
}

type Ingest struct {
	AdvertisementSaveInterval time.Duration
	HeartbeatSaveInterval     time.Duration
}

type Retention struct {
	Period   time.Duration
	Interval time.Duration
}

// Weather configures the provider behind virtual sensors. Virtual sensors
// are disabled without an API key.
type Weather struct {
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
	Interval time.Duration
}

func (w Weather) Enabled() bool { return w.APIKey != "" }

var defaults = map[string]string{
	"APP_ENV":                     "dev",
	"LOG_LEVEL":                   "info",
	"HTTP_ADDR":                   ":8080",
	"HTTP_ALLOWED_ORIGINS":        "*",
	"DB_DRIVER":                   "sqlite3",
	"SQLITE_PATH":                 "data/beaconsync.db",
	"DB_MAX_OPEN_CONNS":           "4",
	"DB_MAX_IDLE_CONNS":           "2",
	"DB_CONN_MAX_LIFETIME":        "0s",
	"DB_LOG_SQL":                  "false",
	"SESSION_PATH":                "data/session.yaml",
	"CLOUD_BASE_URL":              "https://network.ruuvi.com",
	"CLOUD_TIMEOUT":               "30s",
	"CLOUD_SYNC_INTERVAL":         "15m",
	"CLOUD_HISTORY_WINDOW":        "240h",
	"MQTT_ENABLED":                "false",
	"MQTT_BROKER":                 "localhost",
	"MQTT_PORT":                   "1883",
	"MQTT_CLIENT_ID":              "beaconsync",
	"MQTT_TOPIC":                  "ruuvi/#",
	"BLE_ENABLED":                 "false",
	"BLE_ADAPTER":                 "hci0",
	"ADVERTISEMENT_SAVE_INTERVAL": "5m",
	"HEARTBEAT_SAVE_INTERVAL":     "5m",
	"RETENTION_PERIOD":            "240h",
	"RETENTION_INTERVAL":          "1h",
	"WEATHER_API_KEY":             "",
	"WEATHER_BASE_URL":            "https://api.openweathermap.org",
	"WEATHER_TIMEOUT":             "10s",
	"WEATHER_INTERVAL":            "15m",
}

// LoadFromEnv reads the configuration from the environment. When CONFIG_FILE
// names a yaml/json/toml file its keys are used as a base the environment
// overrides.
func LoadFromEnv() (Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	if file := strings.TrimSpace(os.Getenv("CONFIG_FILE")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read CONFIG_FILE %q: %w", file, err)
		}
	}

	r := reader{v: v}

	appEnv := r.str("APP_ENV")
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	level, err := parseLogLevel(r.str("LOG_LEVEL"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:         appEnv,
		LogLevel:       level,
		HTTPAddr:       r.str("HTTP_ADDR"),
		AllowedOrigins: r.list("HTTP_ALLOWED_ORIGINS"),
		SessionPath:    r.str("SESSION_PATH"),
		DB: DB{
			Driver:          r.str("DB_DRIVER"),
			DSN:             strings.TrimSpace(v.GetString("DB_DSN")),
			Path:            r.str("SQLITE_PATH"),
			MaxOpenConns:    r.int("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    r.int("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: r.duration("DB_CONN_MAX_LIFETIME"),
			LogSQL:          r.bool("DB_LOG_SQL"),
		},
		Cloud: Cloud{
			BaseURL:       strings.TrimRight(r.str("CLOUD_BASE_URL"), "/"),
			Timeout:       r.duration("CLOUD_TIMEOUT"),
			SyncInterval:  r.duration("CLOUD_SYNC_INTERVAL"),
			HistoryWindow: r.duration("CLOUD_HISTORY_WINDOW"),
		},
		MQTT: MQTT{
			Enabled:  r.bool("MQTT_ENABLED"),
			Broker:   r.str("MQTT_BROKER"),
			Port:     r.int("MQTT_PORT"),
			ClientID: r.str("MQTT_CLIENT_ID"),
			Topic:    r.str("MQTT_TOPIC"),
		},
		BLE: BLE{
			Enabled: r.bool("BLE_ENABLED"),
			Adapter: r.str("BLE_ADAPTER"),
		},
		Ingest: Ingest{
			AdvertisementSaveInterval: r.duration("ADVERTISEMENT_SAVE_INTERVAL"),
			HeartbeatSaveInterval:     r.duration("HEARTBEAT_SAVE_INTERVAL"),
		},
		Retention: Retention{
			Period:   r.duration("RETENTION_PERIOD"),
			Interval: r.duration("RETENTION_INTERVAL"),
		},
		Weather: Weather{
			APIKey:   r.str("WEATHER_API_KEY"),
			BaseURL:  strings.TrimRight(r.str("WEATHER_BASE_URL"), "/"),
			Timeout:  r.duration("WEATHER_TIMEOUT"),
			Interval: r.duration("WEATHER_INTERVAL"),
		},
	}
	if r.err != nil {
		return Config{}, r.err
	}

	for key, d := range map[string]time.Duration{
		"CLOUD_TIMEOUT":       cfg.Cloud.Timeout,
		"CLOUD_SYNC_INTERVAL": cfg.Cloud.SyncInterval,
		"RETENTION_INTERVAL":  cfg.Retention.Interval,
		"WEATHER_TIMEOUT":     cfg.Weather.Timeout,
		"WEATHER_INTERVAL":    cfg.Weather.Interval,
	} {
		if d <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q: must be > 0", key, d)
		}
	}
	if cfg.MQTT.Port <= 0 || cfg.MQTT.Port > 65535 {
		return Config{}, fmt.Errorf("invalid MQTT_PORT %d (allowed: 1-65535)", cfg.MQTT.Port)
	}

	return cfg, nil
}

// reader keeps the first parse error so LoadFromEnv can read every key
// before checking.
type reader struct {
	v   *viper.Viper
	err error
}

func (r *reader) str(key string) string {
	s := strings.TrimSpace(r.v.GetString(key))
	if s == "" {
		s = defaults[key]
	}
	return s
}

// list splits a comma-separated value, dropping empty items.
func (r *reader) list(key string) []string {
	var out []string
	for _, item := range strings.Split(r.str(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (r *reader) int(key string) int {
	s := r.str(key)
	n, err := strconv.Atoi(s)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n
}

func (r *reader) bool(key string) bool {
	s := r.str(key)
	b, err := strconv.ParseBool(s)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return b
}

func (r *reader) duration(key string) time.Duration {
	s := r.str(key)
	d, err := time.ParseDuration(s)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d
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
