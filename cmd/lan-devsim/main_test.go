package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildConfigFromFlags(t *testing.T) {
	c, err := buildConfig(Options{
		DSN:       "AC000W000000001",
		Model:     "AY001MUS1",
		KeyID:     7,
		Key:       "c2VjcmV0",
		KeyBase64: true,
		Port:      10280,
		Props:     stringList{"Blue_LED=1", "ND0001/temp=20.5"},
		Nodes:     stringList{"ND0001"},
	})
	require.NoError(t, err)

	assert.Equal(t, []byte("secret"), c.Key)
	assert.Equal(t, 7, c.KeyID)
	require.Len(t, c.Properties, 2)
	assert.Equal(t, "Blue_LED", c.Properties[0].Name)
	assert.Empty(t, c.Properties[0].DSN)
	assert.Equal(t, "ND0001", c.Properties[1].DSN)
	assert.Equal(t, "temp", c.Properties[1].Name)
	assert.Equal(t, []string{"ND0001"}, []string(c.Nodes))
}

func TestBuildConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lanmode.yaml")
	yaml := "devices:\n  - {dsn: AC000W000000001, model: AY008ESP1, lan_ip: 10.0.0.5, key_id: 3, key: shared}\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	c, err := buildConfig(Options{ConfigFile: path, DSN: "AC000W000000001", Model: "AY001MUS1"})
	require.NoError(t, err)
	assert.Equal(t, 3, c.KeyID)
	assert.Equal(t, []byte("shared"), c.Key)
	assert.Equal(t, "AY008ESP1", c.Model)

	_, err = buildConfig(Options{ConfigFile: path, DSN: "unknown"})
	assert.Error(t, err)
}

func TestBuildConfigErrors(t *testing.T) {
	_, err := buildConfig(Options{DSN: "a", Key: "%%", KeyBase64: true})
	assert.Error(t, err)

	_, err = buildConfig(Options{DSN: "a", Key: "k", Props: stringList{"novalue"}})
	assert.Error(t, err)
}

func TestParseDeviceProperty(t *testing.T) {
	p, err := parseDeviceProperty("label=a/b")
	require.NoError(t, err)
	assert.Equal(t, "label", p.Name)
	assert.Empty(t, p.DSN)
	assert.Equal(t, "a/b", p.ValueString())
}
