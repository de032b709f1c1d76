package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownDevice is returned for DSNs the registry does not hold.
var ErrUnknownDevice = errors.New("unknown device")

// Constructor materialises a device class from its cloud info.
type Constructor func(info Info, reg *Registry) (LanSupport, error)

// Registry maps model identifiers to device classes and holds the
// materialised devices by DSN.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]Constructor
	devices map[string]LanSupport
}

// NewRegistry returns a registry with constructors for the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{
		classes: make(map[string]Constructor),
		devices: make(map[string]LanSupport),
	}
	r.RegisterClass(string(KindWiFi), func(info Info, _ *Registry) (LanSupport, error) {
		return NewDevice(info), nil
	})
	r.RegisterClass(string(KindGateway), func(info Info, _ *Registry) (LanSupport, error) {
		return NewGateway(info), nil
	})
	r.RegisterClass(string(KindNode), func(info Info, reg *Registry) (LanSupport, error) {
		if info.GatewayDSN == "" {
			return nil, fmt.Errorf("node %s: gateway_dsn is required", info.DSN)
		}
		return NewNode(info, reg), nil
	})
	r.RegisterClass(string(KindSetup), func(info Info, _ *Registry) (LanSupport, error) {
		return NewSetupDevice(info), nil
	})
	return r
}

// RegisterClass binds an OEM model, model or kind to a constructor. Later
// registrations replace earlier ones.
func (r *Registry) RegisterClass(key string, c Constructor) {
	r.mu.Lock()
	r.classes[key] = c
	r.mu.Unlock()
}

// constructor picks the most specific class: OEM model, then model, then
// kind, then a plain Wi-Fi device.
func (r *Registry) constructor(info Info) Constructor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range []string{info.OEMModel, info.Model, string(info.Kind)} {
		if key == "" {
			continue
		}
		if c, ok := r.classes[key]; ok {
			return c
		}
	}
	return r.classes[string(KindWiFi)]
}

// Materialize decodes the cloud JSON of a device, builds it with the
// matching class and adds it to the registry.
func (r *Registry) Materialize(data []byte) (LanSupport, error) {
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode device: %w", err)
	}
	return r.Add(info)
}

// Add builds a device from info and adds it to the registry, replacing any
// device with the same DSN.
func (r *Registry) Add(info Info) (LanSupport, error) {
	if info.DSN == "" && info.Kind != KindSetup {
		return nil, errors.New("device: dsn is required")
	}
	d, err := r.constructor(info)(info, r)
	if err != nil {
		return nil, err
	}
	if d.DSN() != "" {
		r.put(d)
	}
	return d, nil
}

func (r *Registry) put(d LanSupport) {
	r.mu.Lock()
	r.devices[d.DSN()] = d
	r.mu.Unlock()
}

// Lookup returns the device with the given DSN.
func (r *Registry) Lookup(dsn string) (LanSupport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[dsn]
	return d, ok
}

// Remove drops a device.
func (r *Registry) Remove(dsn string) {
	r.mu.Lock()
	delete(r.devices, dsn)
	r.mu.Unlock()
}

// Devices returns all devices ordered by DSN.
func (r *Registry) Devices() []LanSupport {
	r.mu.RLock()
	out := make([]LanSupport, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DSN() < out[j].DSN() })
	return out
}

// Nodes returns the nodes hosted by a gateway.
func (r *Registry) Nodes(gatewayDSN string) []*Node {
	var nodes []*Node
	for _, d := range r.Devices() {
		if n, ok := d.(*Node); ok && n.SessionDSN() == gatewayDSN {
			nodes = append(nodes, n)
		}
	}
	return nodes
}
