package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/gotostar/internal/mount"
)

const defaultConfigPath = "/etc/gotostar/config.yaml"

// Config holds all daemon configuration.
type Config struct {
	mu sync.RWMutex

	Values `yaml:",inline"`

	path string // file path for save/load
}

// Values is the configuration content, safe to copy.
type Values struct {
	// Mount controller link
	Mount MountConfig `yaml:"mount" json:"mount"`

	// Observing site
	Site SiteConfig `yaml:"site" json:"site"`
	GPS  GPSConfig  `yaml:"gps" json:"gps"`

	// Session recording and status export
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`
}

type MountConfig struct {
	Type              string `yaml:"type" json:"type" env:"MOUNT_TYPE"`          // "gotostar" or "demo"
	PortPath          string `yaml:"port_path" json:"portPath" env:"MOUNT_PORT"` // e.g. /dev/ttyUSB0, COM3
	Verbose           bool   `yaml:"verbose" json:"verbose" env:"MOUNT_VERBOSE"`
	ReplyTimeoutMs    int    `yaml:"reply_timeout_ms" json:"replyTimeoutMs" env:"MOUNT_REPLY_TIMEOUT_MS"`
	SettleDelayMs     int    `yaml:"settle_delay_ms" json:"settleDelayMs" env:"MOUNT_SETTLE_DELAY_MS"`
	TrackingSampleMs  int    `yaml:"tracking_sample_ms" json:"trackingSampleMs" env:"MOUNT_TRACKING_SAMPLE_MS"`
	GuideRateSettleMs int    `yaml:"guide_rate_settle_ms" json:"guideRateSettleMs" env:"MOUNT_GUIDE_RATE_SETTLE_MS"`
	PollHz            int    `yaml:"poll_hz" json:"pollHz" env:"MOUNT_POLL_HZ"` // status polling rate
}

// SiteConfig selects where the site coordinates written at connect come from.
type SiteConfig struct {
	Source    string  `yaml:"source" json:"source" env:"SITE_SOURCE"` // "none", "config" or "gps"
	Latitude  float64 `yaml:"latitude" json:"latitude" env:"SITE_LATITUDE"`
	Longitude float64 `yaml:"longitude" json:"longitude" env:"SITE_LONGITUDE"` // east positive
	UTCOffset int     `yaml:"utc_offset" json:"utcOffset" env:"SITE_UTC_OFFSET"`
	SetOffset bool    `yaml:"set_utc_offset" json:"setUtcOffset" env:"SITE_SET_UTC_OFFSET"`
}

type GPSConfig struct {
	Type      string `yaml:"type" json:"type" env:"GPS_TYPE"`          // "nmea", "demo" or "disabled"
	PortPath  string `yaml:"port_path" json:"portPath" env:"GPS_PORT"` // e.g. /dev/ttyGPS
	BaudRate  int    `yaml:"baud_rate" json:"baudRate" env:"GPS_BAUD"`
	FixWaitMs int    `yaml:"fix_wait_ms" json:"fixWaitMs" env:"GPS_FIX_WAIT_MS"` // how long site sync waits for a fix
}

type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"LOG_ENABLED"`
	Path     string `yaml:"path" json:"path" env:"LOG_PATH"`
	Interval int    `yaml:"interval_ms" json:"intervalMs" env:"LOG_INTERVAL_MS"` // ms between log entries
}

type TelemetryConfig struct {
	Influx InfluxConfig `yaml:"influx" json:"influx"`
	MQTT   MQTTConfig   `yaml:"mqtt" json:"mqtt"`
}

type InfluxConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled" env:"INFLUX_ENABLED"`
	URL         string `yaml:"url" json:"url" env:"INFLUX_URL"`
	Token       string `yaml:"token" json:"-" env:"INFLUX_TOKEN"`
	Org         string `yaml:"org" json:"org" env:"INFLUX_ORG"`
	Bucket      string `yaml:"bucket" json:"bucket" env:"INFLUX_BUCKET"`
	Measurement string `yaml:"measurement" json:"measurement" env:"INFLUX_MEASUREMENT"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"MQTT_ENABLED"`
	Broker   string `yaml:"broker" json:"broker" env:"MQTT_BROKER"` // e.g. tcp://localhost:1883
	ClientID string `yaml:"client_id" json:"clientId" env:"MQTT_CLIENT_ID"`
	Username string `yaml:"username" json:"username" env:"MQTT_USERNAME"`
	Password string `yaml:"password" json:"-" env:"MQTT_PASSWORD"`
	Topic    string `yaml:"topic" json:"topic" env:"MQTT_TOPIC"`
	QoS      byte   `yaml:"qos" json:"qos" env:"MQTT_QOS"`
	Retained bool   `yaml:"retained" json:"retained" env:"MQTT_RETAINED"`
}

// Options converts the file settings to the mount's configuration.
func (m MountConfig) Options() mount.Config {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return mount.Config{
		PortName:        m.PortPath,
		Verbose:         m.Verbose,
		ReplyTimeout:    ms(m.ReplyTimeoutMs),
		SettleDelay:     ms(m.SettleDelayMs),
		SampleInterval:  ms(m.TrackingSampleMs),
		GuideRateSettle: ms(m.GuideRateSettleMs),
	}
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr" env:"LISTEN_ADDR"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{Values: Values{
		Mount: MountConfig{
			Type:              "demo",
			PortPath:          "/dev/ttyUSB0",
			Verbose:           false,
			ReplyTimeoutMs:    2000,
			SettleDelayMs:     30,
			TrackingSampleMs:  1200,
			GuideRateSettleMs: 200,
			PollHz:            2,
		},
		Site: SiteConfig{
			Source: "none",
		},
		GPS: GPSConfig{
			Type:      "disabled",
			PortPath:  "/dev/ttyGPS",
			BaudRate:  9600,
			FixWaitMs: 30000,
		},
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     "/var/log/gotostar",
			Interval: 1000,
		},
		Telemetry: TelemetryConfig{
			Influx: InfluxConfig{
				URL:         "http://localhost:8086",
				Bucket:      "gotostar",
				Measurement: "mount",
			},
			MQTT: MQTTConfig{
				Broker: "tcp://localhost:1883",
				Topic:  "gotostar/status",
			},
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log *zap.Logger) *Config {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config")

	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("error parsing config, using defaults", zap.String("path", path), zap.Error(err))
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("loaded config", zap.String("path", path))
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		if loadEnvFile(ep) {
			log.Info("loaded .env", zap.String("path", ep))
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		log.Warn("ignoring environment overrides", zap.Error(err))
	}
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, val)
		}
	}
	return true
}

// applyEnvOverrides overrides config values from the env tags above. Only
// variables that are present are applied.
func (c *Config) applyEnvOverrides() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	overrides := c.Values
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	c.Values = overrides
	return nil
}

// Snapshot returns a copy of the current values.
func (c *Config) Snapshot() Values {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Values
}

// Path is the file Save writes to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.path == "" {
		return defaultConfigPath
	}
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	path := c.Path()

	c.mu.RLock()
	data, err := yaml.Marshal(c.Values)
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c.Values)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. port paths, telemetry secrets).
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.Values
	currentBytes, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	// Unmarshal over the current values so json:"-" secrets survive.
	if err := json.Unmarshal(merged, &current); err != nil {
		return fmt.Errorf("apply merged config: %w", err)
	}
	c.Values = current
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
