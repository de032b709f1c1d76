package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lanmode/lanmode-go/pkg/device"
	"github.com/lanmode/lanmode-go/pkg/lan"
	"github.com/lanmode/lanmode-go/pkg/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
router:
  port: 10300
cloud:
  base_url: https://ads-field.example.com
  auth_token: abc
session:
  task_timeout: 2s
log:
  level: debug
  format: json
devices:
  - dsn: AC000W000000001
    lan_ip: 192.168.1.42
    key_id: 7
    key: c2hhcmVkLXNlY3JldA==
    key_base64: true
    keep_alive: 30s
  - dsn: AC000W000000002
    hostname: thermostat-2
`

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, router.DefaultPort, cfg.Router.Port)
	assert.Equal(t, lan.DefaultTaskTimeout, cfg.Session.TaskTimeout)
	assert.Equal(t, 1024, cfg.KeyStore.KeySize)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, 10300, cfg.Router.Port)
	assert.Equal(t, router.DefaultPortAttempts, cfg.Router.PortAttempts, "defaults survive partial sections")
	assert.Equal(t, 2*time.Second, cfg.Session.TaskTimeout)
	assert.Equal(t, "https://ads-field.example.com", cfg.Cloud.FetcherConfig().BaseURL)
	require.Len(t, cfg.Devices, 2)

	dev, ok := cfg.Device("AC000W000000001")
	require.True(t, ok)
	lc, err := dev.LanConfig()
	require.NoError(t, err)
	assert.Equal(t, []byte("shared-secret"), lc.Key)
	assert.Equal(t, 7, lc.KeyID)
	assert.Equal(t, 30*time.Second, lc.KeepAlive)

	other, _ := cfg.Device("AC000W000000002")
	lc, err = other.LanConfig()
	require.NoError(t, err)
	assert.Nil(t, lc)

	_, ok = cfg.Device("missing")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"port range", "router:\n  port: 70000\n"},
		{"key size", "keystore:\n  key_size: 512\n"},
		{"log level", "log:\n  level: loud\n"},
		{"log format", "log:\n  format: xml\n"},
		{"missing dsn", "devices:\n  - lan_ip: 10.0.0.1\n"},
		{"duplicate dsn", "devices:\n  - {dsn: a, lan_ip: 10.0.0.1}\n  - {dsn: a, lan_ip: 10.0.0.2}\n"},
		{"no address", "devices:\n  - dsn: a\n"},
		{"bad key", "devices:\n  - {dsn: a, lan_ip: 10.0.0.1, key: '%%', key_base64: true}\n"},
		{"node without gateway", "devices:\n  - {dsn: a, device_type: Node}\n"},
		{"unknown type", "devices:\n  - {dsn: a, lan_ip: 10.0.0.1, device_type: Toaster}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte("router: ["))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lanmode.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Devices, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "debug", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	logger, err = LogConfig{Level: "warn"}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Info("dropped")
	assert.Empty(t, buf.String())
}

func TestDeviceInfo(t *testing.T) {
	cfg, err := Parse([]byte("devices:\n  - {dsn: gw, device_type: Gateway, lan_ip: 10.0.0.1}\n  - {dsn: n1, device_type: Node, gateway_dsn: gw}\n  - {dsn: w1, hostname: plug}\n"))
	require.NoError(t, err)

	gw, ok := cfg.Device("gw")
	require.True(t, ok)
	assert.Equal(t, device.KindGateway, gw.Info().Kind)
	assert.Equal(t, "10.0.0.1", gw.Info().LanIP)

	node, _ := cfg.Device("n1")
	assert.Equal(t, device.KindNode, node.Info().Kind)
	assert.Equal(t, "gw", node.Info().GatewayDSN)

	wifi, _ := cfg.Device("w1")
	assert.Equal(t, device.KindWiFi, wifi.Info().Kind)
	assert.True(t, wifi.Info().LanEnabled)
}
