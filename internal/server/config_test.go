package server

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := LoadConfig(path, nil)
	v := cfg.Snapshot()
	assert.Equal(t, DefaultConfig().Snapshot(), v)
	assert.Equal(t, path, cfg.Path())
}

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mount:
  type: gotostar
  port_path: /dev/ttyACM1
  reply_timeout_ms: 1500
site:
  source: config
  latitude: -33.5
  longitude: 151.25
`), 0644))

	v := LoadConfig(path, nil).Snapshot()
	assert.Equal(t, "gotostar", v.Mount.Type)
	assert.Equal(t, "/dev/ttyACM1", v.Mount.PortPath)
	assert.Equal(t, 1500, v.Mount.ReplyTimeoutMs)
	assert.Equal(t, 30, v.Mount.SettleDelayMs, "unset keys keep their defaults")
	assert.Equal(t, "config", v.Site.Source)
	assert.Equal(t, -33.5, v.Site.Latitude)
	assert.Equal(t, 151.25, v.Site.Longitude)
}

func TestLoadConfigBadYAMLFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mount: [unterminated"), 0644))

	assert.Equal(t, DefaultConfig().Snapshot(), LoadConfig(path, nil).Snapshot())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MOUNT_PORT", "COM4")
	t.Setenv("MOUNT_POLL_HZ", "5")
	t.Setenv("SITE_LONGITUDE", "-73.5")
	t.Setenv("MQTT_QOS", "1")

	v := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"), nil).Snapshot()
	assert.Equal(t, "COM4", v.Mount.PortPath)
	assert.Equal(t, 5, v.Mount.PollHz)
	assert.Equal(t, -73.5, v.Site.Longitude)
	assert.Equal(t, byte(1), v.Telemetry.MQTT.QoS)
	assert.Equal(t, "demo", v.Mount.Type)
}

func TestDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(
		"# telemetry\nINFLUX_TOKEN=\"s3cret\"\nLISTEN_ADDR=:9090\n"), 0644))
	// real environment wins over .env
	t.Setenv("LISTEN_ADDR", ":7070")
	t.Setenv("INFLUX_TOKEN", "")
	os.Unsetenv("INFLUX_TOKEN")

	v := LoadConfig(filepath.Join(dir, "config.yaml"), nil).Snapshot()
	assert.Equal(t, "s3cret", v.Telemetry.Influx.Token)
	assert.Equal(t, ":7070", v.Server.ListenAddr)
}

func TestUpdateFromJSONMerges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Telemetry.MQTT.Password = "hunter2"
	cfg.Mount.PortPath = "/dev/ttyUSB3"

	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"mount":{"pollHz":4},"telemetry":{"mqtt":{"enabled":true}}}`)))

	v := cfg.Snapshot()
	assert.Equal(t, 4, v.Mount.PollHz)
	assert.Equal(t, "/dev/ttyUSB3", v.Mount.PortPath)
	assert.True(t, v.Telemetry.MQTT.Enabled)
	assert.Equal(t, "hunter2", v.Telemetry.MQTT.Password)

	assert.Error(t, cfg.UpdateFromJSON([]byte(`{not json`)))
}

func TestToJSONHidesSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Telemetry.Influx.Token = "tok"
	data, err := cfg.ToJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "tok\"")

	var back map[string]any
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Contains(t, back, "mount")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := LoadConfig(path, nil)
	cfg.Site.Source = "gps"
	cfg.GPS.Type = "nmea"
	require.NoError(t, cfg.Save())

	v := LoadConfig(path, nil).Snapshot()
	assert.Equal(t, "gps", v.Site.Source)
	assert.Equal(t, "nmea", v.GPS.Type)
}
