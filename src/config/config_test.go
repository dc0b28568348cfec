package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	return Load(fs)
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := load(t)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, cfg.Acquisition.CapturePeriod)
	assert.Equal(t, 120*time.Second, cfg.Acquisition.DownloadPeriod)
	assert.Equal(t, uint16(128), cfg.Acquisition.HandlerID)
	assert.Equal(t, int32(2), cfg.Acquisition.DrainParameter)
	assert.Equal(t, 2000, cfg.Acquisition.RingCapacity)
	assert.True(t, cfg.Acquisition.Resume)
	assert.Equal(t, 60*time.Second, cfg.Device.Timeout)
	assert.Equal(t, "temp_log.txt", cfg.Log.Path)
	assert.Equal(t, ":1404", cfg.Simulate.Listen)
	assert.Equal(t, "picolog/default/samples", cfg.MQTT.Topic)

	// 缺少地址与密钥
	assert.ErrorContains(t, cfg.Validate(), "device.address is required")
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "picolog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device:
  address: 192.168.1.40
  board_id: E6614103E7
  secret: from-file
acquisition:
  download_period: 30s
log:
  path: samples.txt
mqtt:
  broker: localhost:1883
`), 0o644))

	t.Setenv("PICOLOG_DEVICE_SECRET", "from-env")
	t.Setenv("PICOLOG_LOG_LEVEL", "debug")

	cfg, err := load(t, "--config", path, "--log-path", "flag.txt", "--no-resume")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "192.168.1.40", cfg.Device.Address)
	assert.Equal(t, "from-env", cfg.Device.Secret)
	assert.Equal(t, 30*time.Second, cfg.Acquisition.DownloadPeriod)
	assert.Equal(t, "flag.txt", cfg.Log.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Acquisition.Resume)
	assert.Equal(t, "picolog/E6614103E7/samples", cfg.MQTT.Topic)
	assert.Equal(t, "picolog-E6614103E7", cfg.MQTT.ClientID)
}

func TestLoadMissingExplicitConfig(t *testing.T) {
	_, err := load(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Device:      DeviceConfig{Address: "pico", Secret: "s"},
			Acquisition: AcquisitionConfig{CapturePeriod: 100 * time.Millisecond, DownloadPeriod: time.Minute},
			Log:         LogConfig{Path: "log.txt", Level: "info", Format: "text"},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"NoSecret", func(c *Config) { c.Device.Secret = "" }, "device.secret"},
		{"ZeroCapture", func(c *Config) { c.Acquisition.CapturePeriod = 0 }, "capture_period"},
		{"ZeroDownload", func(c *Config) { c.Acquisition.DownloadPeriod = 0 }, "download_period"},
		{"BadLevel", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"BadFormat", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"BadDriver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"MissingDSN", func(c *Config) { c.Store.Driver = "sqlite" }, "store.dsn"},
		{"BadQoS", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}
}

func TestSecretFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("hunter2\n"), 0o600))

	c := &Config{Device: DeviceConfig{SecretFile: path}}
	secret, err := c.Secret()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret)

	c.Device.Secret = "inline"
	secret, err = c.Secret()
	require.NoError(t, err)
	assert.Equal(t, "inline", secret)

	_, err = (&Config{}).Secret()
	assert.Error(t, err)
}
