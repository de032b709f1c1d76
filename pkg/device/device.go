// Package device connects device models to LAN sessions.
//
// Every LAN-reachable device type implements LanSupport. Plain Wi-Fi
// devices and gateways host their own session; gateway nodes ride on the
// session of their gateway; setup devices are reached over the soft AP of an
// unconfigured device. A Registry materialises devices from their cloud JSON
// and a Manager owns their sessions.
package device

import (
	"sync"

	"github.com/lanmode/lanmode-go/pkg/lan"
	"github.com/lanmode/lanmode-go/pkg/wire"
)

// Kind classifies devices by how they reach the LAN.
type Kind string

// Device kinds as reported by the cloud.
const (
	KindWiFi    Kind = "Wifi"
	KindGateway Kind = "Gateway"
	KindNode    Kind = "Node"
	KindSetup   Kind = "Setup"
)

// Info is the cloud JSON shape of a device.
type Info struct {
	DSN         string `json:"dsn"`
	ProductName string `json:"product_name,omitempty"`
	Model       string `json:"model,omitempty"`
	OEMModel    string `json:"oem_model,omitempty"`
	Kind        Kind   `json:"device_type,omitempty"`
	LanIP       string `json:"lan_ip,omitempty"`
	LanEnabled  bool   `json:"lan_enabled"`
	GatewayDSN  string `json:"gateway_dsn,omitempty"`
}

// LanSupport is the capability shared by every device a LAN session can
// reach.
type LanSupport interface {
	lan.Device

	Info() Info
	SessionType() lan.SessionType

	// SessionDSN is the DSN of the device that hosts the session.
	SessionDSN() string
}

// PropertyHolder is implemented by devices with datapoints.
type PropertyHolder interface {
	LanSupport

	GetPropertyCommand(name string) *lan.Command
	SetPropertyCommand(p wire.Property, ackID string) *lan.Command

	// Apply records a reported datapoint and reports whether it changed.
	Apply(p wire.Property) bool
	Property(name string) (wire.Property, bool)
}

// Device is a Wi-Fi device hosting its own LAN session.
type Device struct {
	mu    sync.RWMutex
	info  Info
	props map[string]wire.Property
}

// NewDevice creates a device from its cloud info.
func NewDevice(info Info) *Device {
	return &Device{
		info:  info,
		props: make(map[string]wire.Property),
	}
}

func (d *Device) DSN() string { return d.info.DSN }

// LanIP returns the last known LAN IP.
func (d *Device) LanIP() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info.LanIP
}

// SetLanIP records a new LAN IP. The owning session picks it up on its next
// refresh.
func (d *Device) SetLanIP(ip string) {
	d.mu.Lock()
	d.info.LanIP = ip
	d.mu.Unlock()
}

func (d *Device) Info() Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info
}

func (d *Device) SessionType() lan.SessionType { return lan.SessionNormal }

func (d *Device) SessionDSN() string { return d.info.DSN }

func (d *Device) GetPropertyCommand(name string) *lan.Command {
	return lan.GetPropertyCommand(name)
}

func (d *Device) SetPropertyCommand(p wire.Property, ackID string) *lan.Command {
	return lan.SetPropertyCommand(p, ackID)
}

func (d *Device) Apply(p wire.Property) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	old, ok := d.props[p.Name]
	p.DSN = ""
	d.props[p.Name] = p
	return !ok || string(old.Value) != string(p.Value)
}

func (d *Device) Property(name string) (wire.Property, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.props[name]
	return p, ok
}

// Properties returns the names of all known datapoints.
func (d *Device) Properties() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.props))
	for name := range d.props {
		names = append(names, name)
	}
	return names
}

// Gateway is a device that also carries the traffic of its nodes.
type Gateway struct {
	*Device
}

// NewGateway creates a gateway from its cloud info.
func NewGateway(info Info) *Gateway {
	info.Kind = KindGateway
	return &Gateway{Device: NewDevice(info)}
}

// NodeStatusCommand asks the gateway for the connectivity of its nodes.
func (g *Gateway) NodeStatusCommand(dsns ...string) *lan.Command {
	return lan.NodeConnStatusCommand(dsns...)
}

// Node is a device behind a gateway. It has no session of its own; its LAN
// IP is the gateway's.
type Node struct {
	*Device

	// gateways resolves the gateway without holding it.
	gateways *Registry

	mu     sync.RWMutex
	online bool
}

// NewNode creates a node that finds its gateway in reg.
func NewNode(info Info, reg *Registry) *Node {
	info.Kind = KindNode
	return &Node{Device: NewDevice(info), gateways: reg}
}

// LanIP returns the gateway's LAN IP.
func (n *Node) LanIP() string {
	if gw, ok := n.gateway(); ok {
		return gw.LanIP()
	}
	return ""
}

func (n *Node) SessionDSN() string { return n.info.GatewayDSN }

func (n *Node) GetPropertyCommand(name string) *lan.Command {
	return lan.GetNodePropertyCommand(n.DSN(), name)
}

func (n *Node) SetPropertyCommand(p wire.Property, ackID string) *lan.Command {
	return lan.SetNodePropertyCommand(n.DSN(), p, ackID)
}

// Online reports the last connectivity status relayed by the gateway.
func (n *Node) Online() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.online
}

// SetOnline records the connectivity status relayed by the gateway.
func (n *Node) SetOnline(online bool) {
	n.mu.Lock()
	n.online = online
	n.mu.Unlock()
}

func (n *Node) gateway() (LanSupport, bool) {
	if n.gateways == nil || n.info.GatewayDSN == "" {
		return nil, false
	}
	return n.gateways.Lookup(n.info.GatewayDSN)
}

// DefaultSetupIP is the address of a device in soft AP mode.
const DefaultSetupIP = "192.168.0.1"

// SetupDevice is an unconfigured device reached over its own access point.
type SetupDevice struct {
	mu   sync.RWMutex
	info Info
}

// NewSetupDevice creates a setup device. An empty LanIP selects
// DefaultSetupIP.
func NewSetupDevice(info Info) *SetupDevice {
	info.Kind = KindSetup
	if info.LanIP == "" {
		info.LanIP = DefaultSetupIP
	}
	return &SetupDevice{info: info}
}

func (s *SetupDevice) DSN() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.DSN
}

func (s *SetupDevice) LanIP() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.LanIP
}

func (s *SetupDevice) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

func (s *SetupDevice) SessionType() lan.SessionType { return lan.SessionSetup }

func (s *SetupDevice) SessionDSN() string { return s.DSN() }

// SetDSN records the serial number once the device details are known.
func (s *SetupDevice) SetDSN(dsn string) {
	s.mu.Lock()
	s.info.DSN = dsn
	s.mu.Unlock()
}

var (
	_ PropertyHolder = (*Device)(nil)
	_ PropertyHolder = (*Gateway)(nil)
	_ PropertyHolder = (*Node)(nil)
	_ LanSupport     = (*SetupDevice)(nil)
)
