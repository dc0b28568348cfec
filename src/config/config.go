// Package config loads picolog settings from a config file, PICOLOG_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nhirsama/picolog/src/inter"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. PICOLOG_DEVICE_SECRET.
const EnvPrefix = "PICOLOG"

type Config struct {
	Device      DeviceConfig      `mapstructure:"device"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
	Log         LogConfig         `mapstructure:"log"`
	Store       StoreConfig       `mapstructure:"store"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Simulate    SimulateConfig    `mapstructure:"simulate"`
}

type DeviceConfig struct {
	Address    string        `mapstructure:"address"`
	BoardID    string        `mapstructure:"board_id"`
	Secret     string        `mapstructure:"secret"`
	SecretFile string        `mapstructure:"secret_file"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type AcquisitionConfig struct {
	CapturePeriod    time.Duration `mapstructure:"capture_period"`
	DownloadPeriod   time.Duration `mapstructure:"download_period"`
	HandlerID        uint16        `mapstructure:"handler_id"`
	DrainParameter   int32         `mapstructure:"drain_parameter"`
	GapWarnThreshold time.Duration `mapstructure:"gap_warn_threshold"`
	RingCapacity     int           `mapstructure:"ring_capacity"`
	Resume           bool          `mapstructure:"resume"`
}

type LogConfig struct {
	Path   string `mapstructure:"path"`
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	QoS      byte   `mapstructure:"qos"`
}

type SimulateConfig struct {
	Listen string `mapstructure:"listen"`
}

var defaults = map[string]any{
	"device.address":                 "",
	"device.board_id":                "",
	"device.secret":                  "",
	"device.secret_file":             "",
	"device.timeout":                 60 * time.Second,
	"acquisition.capture_period":     100 * time.Millisecond,
	"acquisition.download_period":    120 * time.Second,
	"acquisition.handler_id":         inter.FirstUserHandler,
	"acquisition.drain_parameter":    inter.ParamSampleDrain,
	"acquisition.gap_warn_threshold": time.Second,
	"acquisition.ring_capacity":      2000,
	"acquisition.resume":             true,
	"log.path":                       "temp_log.txt",
	"log.level":                      "info",
	"log.format":                     "text",
	"store.driver":                   "",
	"store.dsn":                      "",
	"mqtt.broker":                    "",
	"mqtt.topic":                     "",
	"mqtt.client_id":                 "",
	"mqtt.qos":                       0,
	"simulate.listen":                fmt.Sprintf(":%d", inter.DefaultPort),
}

// flag name -> config key
var flagKeys = map[string]string{
	"address":         "device.address",
	"board-id":        "device.board_id",
	"secret-file":     "device.secret_file",
	"timeout":         "device.timeout",
	"download-period": "acquisition.download_period",
	"no-resume":       "",
	"log-path":        "log.path",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"store-driver":    "store.driver",
	"store-dsn":       "store.dsn",
	"mqtt-broker":     "mqtt.broker",
	"listen":          "simulate.listen",
}

// AddFlags registers the flags that override config keys.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (default: picolog.{yaml,toml,json} in . or $HOME/.config/picolog)")
	fs.String("address", "", "device address, host or host:port")
	fs.String("board-id", "", "device board id")
	fs.String("secret-file", "", "file holding the device secret")
	fs.Duration("timeout", 0, "per-call transport timeout")
	fs.Duration("download-period", 0, "interval between polls")
	fs.Bool("no-resume", false, "start a fresh timeline instead of resuming from the sample log")
	fs.String("log-path", "", "sample log file")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("log-format", "", "log format: text or json")
	fs.String("store-driver", "", "SQL mirror driver: sqlite or postgres")
	fs.String("store-dsn", "", "SQL mirror data source")
	fs.String("mqtt-broker", "", "MQTT mirror broker")
	fs.String("listen", "", "simulated device listen address")
}

// Load reads the configuration. Flags in fs must have been registered with
// AddFlags and parsed. Only flags set on the command line take effect.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFile, _ := fs.GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("picolog")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/picolog")
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil || key == "" || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, err
		}
	}
	if noResume, _ := fs.GetBool("no-resume"); noResume {
		v.Set("acquisition.resume", false)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.applyDerived()
	return &cfg, nil
}

func (c *Config) applyDerived() {
	board := c.Device.BoardID
	if board == "" {
		board = "default"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "picolog/" + board + "/samples"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "picolog-" + board
	}
}

// Secret returns the device secret, reading SecretFile when Secret is unset.
// Trailing newlines in the file are ignored.
func (c *Config) Secret() (string, error) {
	if c.Device.Secret != "" {
		return c.Device.Secret, nil
	}
	if c.Device.SecretFile == "" {
		return "", errors.New("no device secret configured (device.secret or device.secret_file)")
	}
	data, err := os.ReadFile(c.Device.SecretFile)
	if err != nil {
		return "", fmt.Errorf("reading secret file: %w", err)
	}
	secret := strings.TrimRight(string(data), "\r\n")
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", c.Device.SecretFile)
	}
	return secret, nil
}

// Validate checks the settings used by the acquire and status commands.
func (c *Config) Validate() error {
	var errs []error
	if c.Device.Address == "" {
		errs = append(errs, errors.New("device.address is required"))
	}
	if c.Device.Secret == "" && c.Device.SecretFile == "" {
		errs = append(errs, errors.New("device.secret or device.secret_file is required"))
	}
	if c.Device.Timeout < 0 {
		errs = append(errs, errors.New("device.timeout must not be negative"))
	}
	if c.Acquisition.CapturePeriod <= 0 {
		errs = append(errs, errors.New("acquisition.capture_period must be positive"))
	}
	if c.Acquisition.DownloadPeriod <= 0 {
		errs = append(errs, errors.New("acquisition.download_period must be positive"))
	}
	if c.Acquisition.RingCapacity < 0 {
		errs = append(errs, errors.New("acquisition.ring_capacity must not be negative"))
	}
	if c.Log.Path == "" {
		errs = append(errs, errors.New("log.path is required"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	switch c.Store.Driver {
	case "":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required when store.driver is set"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}

// Level parses log.level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
