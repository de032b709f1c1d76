package lan

import (
	"context"
	"time"

	"github.com/lanmode/lanmode-go/pkg/keystore"
)

// LAN config status values.
const (
	StatusEnable  = "Enable"
	StatusDisable = "Disable"
)

// DefaultKeepAlive is used when a config carries no keepalive interval.
const DefaultKeepAlive = 30 * time.Second

// Config is the LAN configuration of one device. It is a value type:
// sessions replace it wholesale and never mutate it in place.
type Config struct {
	KeyID     int
	Key       []byte
	KeepAlive time.Duration
	Status    string

	// Key pair parameters for setup sessions.
	KeyPairSize int
	KeyPairTag  string
}

// Usable reports whether the config carries key material.
func (c Config) Usable() bool {
	return len(c.Key) > 0
}

// Enabled reports whether LAN mode is permitted. An empty status counts as
// enabled.
func (c Config) Enabled() bool {
	return c.Status != StatusDisable
}

// KeepAliveInterval returns the keepalive interval, or DefaultKeepAlive.
func (c Config) KeepAliveInterval() time.Duration {
	if c.KeepAlive <= 0 {
		return DefaultKeepAlive
	}
	return c.KeepAlive
}

// KeySize returns the setup key pair size, or keystore.DefaultKeySize.
func (c Config) KeySize() int {
	if c.KeyPairSize == 0 {
		return keystore.DefaultKeySize
	}
	return c.KeyPairSize
}

// clone returns a copy that shares no memory with c.
func (c Config) clone() Config {
	c.Key = append([]byte(nil), c.Key...)
	return c
}

// ConfigFetcher retrieves a device's LAN config from the cloud.
type ConfigFetcher interface {
	FetchLanConfig(ctx context.Context, dsn string) (Config, error)
}
