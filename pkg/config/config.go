// Package config loads otprobe settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/devicedb"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/diag"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/flash"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/session"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/vendorlib"
)

// Config is the full settings tree. Zero fields take their defaults.
type Config struct {
	Probe       string                 `yaml:"probe"`
	Port        string                 `yaml:"port"`
	Clock       uint32                 `yaml:"clock"`
	Timeout     time.Duration          `yaml:"timeout"`
	HaltTimeout time.Duration          `yaml:"halt_timeout"`
	Flash       Flash                  `yaml:"flash"`
	Firmware    []session.VersionRange `yaml:"supported_firmware"`
	Driver      Driver                 `yaml:"driver"`
	Trace       string                 `yaml:"trace"`
	// Devices names an extra device descriptor file merged over the
	// built-in table. Its entries replace built-in devices with the same
	// name or part number.
	Devices string `yaml:"devices"`
}

// Flash holds programming engine settings.
type Flash struct {
	ChunkSize    int           `yaml:"chunk_size"`
	Retries      *int          `yaml:"retries"`
	Verify       string        `yaml:"verify"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// Driver holds vendor library settings.
type Driver struct {
	SearchPaths []string `yaml:"search_paths"`
	MinVersion  string   `yaml:"min_version"`
}

// Default returns the built-in settings.
func Default() Config {
	retries := flash.DefaultRetries
	return Config{
		Probe:       "usb",
		Port:        "swd",
		Clock:       session.DefaultClock,
		Timeout:     session.DefaultTimeout,
		HaltTimeout: target.DefaultHaltTimeout,
		Flash: Flash{
			ChunkSize:    flash.DefaultChunkSize,
			Retries:      &retries,
			Verify:       flash.VerifyReadback.String(),
			ReadyTimeout: flash.DefaultReadyTimeout,
		},
		Firmware: append([]session.VersionRange(nil), session.DefaultSupported...),
		Driver:   Driver{MinVersion: diag.DefaultMinVersion},
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads path. An empty path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// fill restores defaults for fields the file set to their zero value.
func (c *Config) fill() {
	def := Default()
	if c.Probe == "" {
		c.Probe = def.Probe
	}
	if c.Port == "" {
		c.Port = def.Port
	}
	if c.Flash.Retries == nil {
		c.Flash.Retries = def.Flash.Retries
	}
	if c.Flash.Verify == "" {
		c.Flash.Verify = def.Flash.Verify
	}
	if len(c.Firmware) == 0 {
		c.Firmware = def.Firmware
	}
	if c.Driver.MinVersion == "" {
		c.Driver.MinVersion = def.Driver.MinVersion
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Port) {
	case "swd", "jtag":
	default:
		errs = append(errs, fmt.Errorf("port: want swd or jtag, got %q", c.Port))
	}
	if c.Clock == 0 {
		errs = append(errs, errors.New("clock: must be positive"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout: must be positive"))
	}
	if c.HaltTimeout <= 0 {
		errs = append(errs, errors.New("halt_timeout: must be positive"))
	}
	if c.Flash.ChunkSize < 4 || c.Flash.ChunkSize%4 != 0 {
		errs = append(errs, fmt.Errorf("flash.chunk_size: want a positive multiple of 4, got %d", c.Flash.ChunkSize))
	}
	if c.Flash.Retries != nil && *c.Flash.Retries < 0 {
		errs = append(errs, errors.New("flash.retries: must not be negative"))
	}
	if _, err := flash.ParseVerifyMode(c.Flash.Verify); err != nil {
		errs = append(errs, fmt.Errorf("flash.verify: %w", err))
	}
	if c.Flash.ReadyTimeout <= 0 {
		errs = append(errs, errors.New("flash.ready_timeout: must be positive"))
	}
	for i, r := range c.Firmware {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("supported_firmware[%d]: %w", i, err))
		}
	}
	if _, err := diag.ParseVersion(c.Driver.MinVersion); err != nil {
		errs = append(errs, fmt.Errorf("driver.min_version: %w", err))
	}
	return errors.Join(errs...)
}

// VerifyMode returns the parsed verify setting.
func (c Config) VerifyMode() flash.VerifyMode {
	m, _ := flash.ParseVerifyMode(c.Flash.Verify)
	return m
}

// DeviceDB returns the built-in device table with the Devices file, when
// one is configured, merged over it by device name and part number.
func (c Config) DeviceDB() (*devicedb.DB, error) {
	if c.Devices == "" {
		return devicedb.Default(), nil
	}
	extra, err := devicedb.ParseFile(c.Devices)
	if err != nil {
		return nil, err
	}
	return devicedb.Merge(devicedb.Default(), extra), nil
}

// Loader returns the vendor library loader for the configured search
// paths.
func (c Config) Loader() vendorlib.Loader {
	return vendorlib.NewSystemLoader(c.Driver.SearchPaths...)
}

// SessionOptions translates the settings for session.NewManager.
func (c Config) SessionOptions() []session.Option {
	return []session.Option{
		session.WithPort(strings.ToLower(c.Port)),
		session.WithClock(c.Clock),
		session.WithTimeout(c.Timeout),
		session.WithSupported(c.Firmware...),
	}
}

// TargetOptions translates the settings for target.New.
func (c Config) TargetOptions() []target.Option {
	return []target.Option{target.WithHaltTimeout(c.HaltTimeout)}
}

// FlashOptions translates the settings for flash.NewEngine.
func (c Config) FlashOptions() []flash.Option {
	opts := []flash.Option{
		flash.WithChunkSize(c.Flash.ChunkSize),
		flash.WithReadyTimeout(c.Flash.ReadyTimeout),
	}
	if c.Flash.Retries != nil {
		opts = append(opts, flash.WithRetries(*c.Flash.Retries))
	}
	return opts
}

// DiagOptions translates the settings for diag.NewReporter.
func (c Config) DiagOptions() []diag.Option {
	opts := []diag.Option{
		diag.WithLoader(c.Loader()),
	}
	if v, err := diag.ParseVersion(c.Driver.MinVersion); err == nil {
		opts = append(opts, diag.WithMinVersion(v))
	}
	return opts
}
