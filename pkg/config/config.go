// Package config loads the YAML configuration shared by the lanmode tools.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lanmode/lanmode-go/pkg/cloud"
	"github.com/lanmode/lanmode-go/pkg/device"
	"github.com/lanmode/lanmode-go/pkg/keystore"
	"github.com/lanmode/lanmode-go/pkg/lan"
	"github.com/lanmode/lanmode-go/pkg/router"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root configuration.
type Config struct {
	Router    RouterConfig    `yaml:"router"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Session   SessionConfig   `yaml:"session"`
	KeyStore  KeyStoreConfig  `yaml:"keystore"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Log       LogConfig       `yaml:"log"`
	Devices   []DeviceConfig  `yaml:"devices"`
}

// RouterConfig configures the embedded HTTP server.
type RouterConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	PortAttempts int    `yaml:"port_attempts"`
	MaxBodySize  int64  `yaml:"max_body_size"`
}

// CloudConfig configures LAN config retrieval.
type CloudConfig struct {
	BaseURL        string        `yaml:"base_url"`
	AuthToken      string        `yaml:"auth_token"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxElapsedTime time.Duration `yaml:"max_elapsed_time"`
}

// SessionConfig configures LAN sessions.
type SessionConfig struct {
	TaskTimeout        time.Duration `yaml:"task_timeout"`
	MaxCommandsPerPoll int           `yaml:"max_commands_per_poll"`
	MaxMissedPolls     int           `yaml:"max_missed_polls"`
	DevicePort         int           `yaml:"device_port"`
}

// KeyStoreConfig configures the setup key pair.
type KeyStoreConfig struct {
	// Dir holds PEM key files. Empty keeps keys in memory.
	Dir     string `yaml:"dir"`
	Tag     string `yaml:"tag"`
	KeySize int    `yaml:"key_size"`
}

// DiscoveryConfig configures mDNS LAN IP resolution.
type DiscoveryConfig struct {
	Enabled bool          `yaml:"enabled"`
	Service string        `yaml:"service"`
	Domain  string        `yaml:"domain"`
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig configures operational logging and protocol capture.
type LogConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Capture string `yaml:"capture"`
}

// DeviceConfig describes a known device.
type DeviceConfig struct {
	DSN      string `yaml:"dsn"`
	Model    string `yaml:"model"`
	OEMModel string `yaml:"oem_model"`

	// Type is the device kind (Wifi, Gateway, Node). Defaults to Wifi.
	Type string `yaml:"device_type"`

	// GatewayDSN is required for nodes, which have no address of their own.
	GatewayDSN string `yaml:"gateway_dsn"`

	LanIP     string        `yaml:"lan_ip"`
	Hostname  string        `yaml:"hostname"`
	KeyID     int           `yaml:"key_id"`
	Key       string        `yaml:"key"`
	KeyBase64 bool          `yaml:"key_base64"`
	KeepAlive time.Duration `yaml:"keep_alive"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Router: RouterConfig{
			Port:         router.DefaultPort,
			PortAttempts: router.DefaultPortAttempts,
			MaxBodySize:  router.DefaultMaxBodySize,
		},
		Cloud: CloudConfig{
			Timeout:        cloud.DefaultTimeout,
			MaxElapsedTime: cloud.DefaultMaxElapsedTime,
		},
		Session: SessionConfig{
			TaskTimeout:        lan.DefaultTaskTimeout,
			MaxCommandsPerPoll: lan.DefaultMaxCommandsPerPoll,
			MaxMissedPolls:     lan.DefaultMaxMissedPolls,
			DevicePort:         lan.DefaultDevicePort,
		},
		KeyStore: KeyStoreConfig{
			Tag:     keystore.DefaultTag,
			KeySize: keystore.DefaultKeySize,
		},
		Discovery: DiscoveryConfig{
			Service: "_http._tcp",
			Domain:  "local.",
			Timeout: 3 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Router.Port > 65535 {
		return invalid("router.port %d out of range", c.Router.Port)
	}
	if c.Router.PortAttempts < 0 {
		return invalid("router.port_attempts must not be negative")
	}
	if c.Session.TaskTimeout < 0 {
		return invalid("session.task_timeout must not be negative")
	}
	if c.Session.MaxCommandsPerPoll < 0 {
		return invalid("session.max_commands_per_poll must not be negative")
	}
	if c.KeyStore.KeySize != 0 && !keystore.ValidKeySize(c.KeyStore.KeySize) {
		return invalid("keystore.key_size %d not supported", c.KeyStore.KeySize)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return invalid("log.format %q must be text or json", c.Log.Format)
	}

	seen := make(map[string]bool)
	for i, d := range c.Devices {
		if d.DSN == "" {
			return invalid("devices[%d]: dsn is required", i)
		}
		if seen[d.DSN] {
			return invalid("devices[%d]: duplicate dsn %s", i, d.DSN)
		}
		seen[d.DSN] = true
		switch device.Kind(d.Type) {
		case device.KindNode:
			if d.GatewayDSN == "" {
				return invalid("devices[%d]: gateway_dsn is required for nodes", i)
			}
		case "", device.KindWiFi, device.KindGateway:
			if d.LanIP == "" && d.Hostname == "" {
				return invalid("devices[%d]: lan_ip or hostname is required", i)
			}
		default:
			return invalid("devices[%d]: unknown device_type %q", i, d.Type)
		}
		if d.KeyBase64 {
			if _, err := base64.StdEncoding.DecodeString(d.Key); err != nil {
				return invalid("devices[%d]: key is not base64: %v", i, err)
			}
		}
	}
	return nil
}

// Device returns the configured device with the given DSN.
func (c *Config) Device(dsn string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.DSN == dsn {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// ServerConfig returns the router configuration.
func (r RouterConfig) ServerConfig() router.Config {
	return router.Config{
		Host:         r.Host,
		Port:         r.Port,
		PortAttempts: r.PortAttempts,
		MaxBodySize:  r.MaxBodySize,
	}
}

// FetcherConfig returns the cloud fetcher configuration.
func (c CloudConfig) FetcherConfig() cloud.Config {
	return cloud.Config{
		BaseURL:        c.BaseURL,
		AuthToken:      c.AuthToken,
		MaxElapsedTime: c.MaxElapsedTime,
	}
}

// Info returns the registry description of the device.
func (d DeviceConfig) Info() device.Info {
	kind := device.Kind(d.Type)
	if kind == "" {
		kind = device.KindWiFi
	}
	return device.Info{
		DSN:        d.DSN,
		Model:      d.Model,
		OEMModel:   d.OEMModel,
		Kind:       kind,
		LanIP:      d.LanIP,
		LanEnabled: true,
		GatewayDSN: d.GatewayDSN,
	}
}

// LanConfig returns the cached LAN config of the device, if it has a key.
func (d DeviceConfig) LanConfig() (*lan.Config, error) {
	if d.Key == "" {
		return nil, nil
	}
	key := []byte(d.Key)
	if d.KeyBase64 {
		var err error
		if key, err = base64.StdEncoding.DecodeString(d.Key); err != nil {
			return nil, invalid("device %s: key is not base64: %v", d.DSN, err)
		}
	}
	return &lan.Config{
		KeyID:     d.KeyID,
		Key:       key,
		KeepAlive: d.KeepAlive,
		Status:    lan.StatusEnable,
	}, nil
}

// NewLogger builds the operational logger described by the log section.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, invalid("log.level %q unknown", s)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
