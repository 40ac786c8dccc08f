package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr  = ":5556"
	DefaultDevicePort  = 5555
	DefaultFamily      = "firetv"
	DefaultTopicPrefix = "aftv"
)

// A valid device name contains only word characters or dashes.
var deviceNameRE = regexp.MustCompile(`^[-\w]+$`)

// Device is one configured remote-control target.
type Device struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Credential string `yaml:"adb_key"`
	Family     string `yaml:"family"`
}

// Addr returns the device network address in host:port form.
func (d Device) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Normalize fills in the default port and family.
func (d *Device) Normalize() {
	if d.Port == 0 {
		d.Port = DefaultDevicePort
	}
	if d.Family == "" {
		d.Family = DefaultFamily
	}
}

// MQTT configures the optional broker bridge.
type MQTT struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Config is the parsed server configuration. The device map is the
// authoritative source of truth for which devices exist.
type Config struct {
	Listen  string            `yaml:"listen"`
	MQTT    *MQTT             `yaml:"mqtt"`
	Devices map[string]Device `yaml:"devices"`
}

// Load parses the YAML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in optional fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListenAddr
	}
	if cfg.MQTT != nil && cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	for name, dev := range cfg.Devices {
		dev.Normalize()
		cfg.Devices[name] = dev
	}
}

// Validate enforces required invariants beyond YAML typing.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.MQTT != nil && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	for name, dev := range cfg.Devices {
		if !ValidDeviceName(name) {
			return fmt.Errorf("invalid device name %q", name)
		}
		if dev.Host == "" {
			return fmt.Errorf("device %q: host is required", name)
		}
		if dev.Port <= 0 || dev.Port > 65535 {
			return fmt.Errorf("device %q: invalid port %d", name, dev.Port)
		}
	}
	return nil
}

// ValidDeviceName reports whether a device name is acceptable in
// configuration and requests.
func ValidDeviceName(name string) bool {
	return name != "" && deviceNameRE.MatchString(name)
}

// DeviceNames returns the configured device names, sorted.
func (c *Config) DeviceNames() []string {
	names := make([]string, 0, len(c.Devices))
	for name := range c.Devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Diff describes the device changes between two configurations.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Empty reports whether the diff contains no device changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffDevices computes added, removed, and changed devices between an old
// and a new device map. A change to host, port, credential, or family marks
// the device changed.
func DiffDevices(old, updated map[string]Device) Diff {
	var diff Diff
	for name, dev := range updated {
		prev, ok := old[name]
		if !ok {
			diff.Added = append(diff.Added, name)
			continue
		}
		if prev != dev {
			diff.Changed = append(diff.Changed, name)
		}
	}
	for name := range old {
		if _, ok := updated[name]; !ok {
			diff.Removed = append(diff.Removed, name)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)
	return diff
}
