// Package config resolves the typed, validated configuration object the
// rest of the daemon depends on. Daemon-level settings are read with
// viper; parameter defaults and bounds decode into the same typed shape
// and are validated before anything downstream consumes them.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"vitalink.io/params"
)

// SerialPort names a device's USB-serial path and baud rate.
type SerialPort struct {
	Path string `mapstructure:"path"`
	Baud int    `mapstructure:"baud"`
}

// Config is the daemon-level configuration: everything that is not part
// of a specific experiment protocol document.
type Config struct {
	StorageRoot       string                 `mapstructure:"storage_root"`
	StorageQuotaBytes int64                  `mapstructure:"storage_quota_bytes"`
	CRCEnabled        bool                   `mapstructure:"crc_enabled"`
	PowerSupply       SerialPort             `mapstructure:"power_supply"`
	PulseGen          SerialPort             `mapstructure:"pulse_gen"`
	Pump              SerialPort             `mapstructure:"pump"`
	// StorageDevice, when set, names the /dev entry (e.g. "sda1") of the
	// removable media backing StorageRoot; cmd/sentineld watches it for
	// presence and reports a StorageMissing fault if it disappears
	// mid-run. Left empty, presence monitoring is disabled.
	StorageDevice     string                 `mapstructure:"storage_device"`
	HeartbeatInterval time.Duration          `mapstructure:"heartbeat_interval"`
	StallThreshold    time.Duration          `mapstructure:"stall_threshold"`
	ParameterDefaults map[string]float64     `mapstructure:"parameter_defaults"`
	ParameterBounds   map[string]ParamBounds `mapstructure:"parameter_bounds"`
}

// ParamBounds mirrors params.Bounds in a viper/mapstructure-friendly shape.
type ParamBounds struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// Default returns the reference instrument's out-of-the-box configuration.
func Default() Config {
	return Config{
		StorageRoot:       "/var/lib/sentineld",
		StorageQuotaBytes: 512 * 1024 * 1024,
		CRCEnabled:        false,
		PowerSupply:       SerialPort{Path: "/dev/ttyUSB0", Baud: 115200},
		PulseGen:          SerialPort{Path: "/dev/ttyUSB1", Baud: 115200},
		Pump:              SerialPort{Path: "/dev/ttyUSB2", Baud: 115200},
		HeartbeatInterval: 250 * time.Millisecond,
		StallThreshold:    3 * time.Second,
	}
}

// Load resolves Config from path (if it exists) layered over environment
// overrides prefixed SENTINELD_ (e.g. SENTINELD_STORAGE_ROOT) and the
// compiled-in defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	def := Default()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("sentineld")
	v.AutomaticEnv()

	v.SetDefault("storage_root", def.StorageRoot)
	v.SetDefault("storage_quota_bytes", def.StorageQuotaBytes)
	v.SetDefault("crc_enabled", def.CRCEnabled)
	v.SetDefault("power_supply.path", def.PowerSupply.Path)
	v.SetDefault("power_supply.baud", def.PowerSupply.Baud)
	v.SetDefault("pulse_gen.path", def.PulseGen.Path)
	v.SetDefault("pulse_gen.baud", def.PulseGen.Baud)
	v.SetDefault("pump.path", def.Pump.Path)
	v.SetDefault("pump.baud", def.Pump.Baud)
	v.SetDefault("storage_device", def.StorageDevice)
	v.SetDefault("heartbeat_interval", def.HeartbeatInterval)
	v.SetDefault("stall_threshold", def.StallThreshold)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the bounds needed before the core will accept this
// Config; a failure here is a ConfigInvalid fault at boot.
func (c Config) Validate() error {
	if c.StorageRoot == "" {
		return fmt.Errorf("config: storage_root is required")
	}
	if c.StorageQuotaBytes <= 0 {
		return fmt.Errorf("config: storage_quota_bytes must be positive")
	}
	for name, b := range c.ParameterBounds {
		if _, ok := parameterNames[name]; !ok {
			return fmt.Errorf("config: unknown parameter %q", name)
		}
		if b.Min > b.Max {
			return fmt.Errorf("config: parameter %s has min > max", name)
		}
	}
	for name, v := range c.ParameterDefaults {
		if _, ok := parameterNames[name]; !ok {
			return fmt.Errorf("config: unknown parameter %q", name)
		}
		if b, ok := c.ParameterBounds[name]; ok && (v < b.Min || v > b.Max) {
			return fmt.Errorf("config: default for %s outside its bounds", name)
		}
	}
	return nil
}

// parameterNames maps the JSON-facing parameter names to the closed
// params.Parameter enumeration.
var parameterNames = map[string]params.Parameter{
	"temperature":      params.Temperature,
	"flow_rate":        params.FlowRate,
	"voltage":          params.Voltage,
	"frequency":        params.Frequency,
	"syringe_diameter": params.SyringeDiameter,
}

// ApplyTo pushes this Config's parameter defaults and bounds into store,
// used both at boot and by a SIGHUP reload.
func (c Config) ApplyTo(store *params.Store) error {
	for name, b := range c.ParameterBounds {
		key, ok := parameterNames[name]
		if !ok {
			return fmt.Errorf("config: unknown parameter %q", name)
		}
		store.SetBounds(key, params.Bounds{Min: b.Min, Max: b.Max})
	}
	for name, v := range c.ParameterDefaults {
		key, ok := parameterNames[name]
		if !ok {
			return fmt.Errorf("config: unknown parameter %q", name)
		}
		if _, err := store.Set(key, v); err != nil {
			return fmt.Errorf("config: default for %q: %w", name, err)
		}
	}
	return nil
}
