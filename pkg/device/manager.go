package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lanmode/lanmode-go/pkg/keystore"
	"github.com/lanmode/lanmode-go/pkg/lan"
	"github.com/lanmode/lanmode-go/pkg/lanerr"
	"github.com/lanmode/lanmode-go/pkg/log"
	"github.com/lanmode/lanmode-go/pkg/router"
	"github.com/lanmode/lanmode-go/pkg/wire"
)

// Resolver finds the LAN IP of a device.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Update is a datapoint change reported by a device.
type Update struct {
	Device   PropertyHolder
	Property wire.Property
	Changed  bool
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Server is required.
	Server *router.Server

	// Registry defaults to NewRegistry().
	Registry *Registry

	// ConfigFor returns the cached LAN config of a session host.
	ConfigFor func(dsn string) *lan.Config

	Fetcher  lan.ConfigFetcher
	Notifier lan.Notifier
	KeyStore *keystore.Store
	Resolver Resolver

	TaskTimeout        time.Duration
	MaxCommandsPerPoll int
	MaxMissedPolls     int

	// OnUpdate receives reported datapoints.
	OnUpdate func(Update)

	// OnFailure receives session failures.
	OnFailure func(dsn string, err error)

	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// Manager owns the LAN sessions of a set of devices and feeds session
// events back into the devices.
type Manager struct {
	config   ManagerConfig
	registry *Registry
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*lan.Module
	closed   bool
}

// NewManager creates a manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Server == nil {
		return nil, lanerr.New(lanerr.LibraryInvalidParam, "new manager: nil router")
	}
	if config.Registry == nil {
		config.Registry = NewRegistry()
	}
	return &Manager{
		config:   config,
		registry: config.Registry,
		logger:   config.Logger,
		sessions: make(map[string]*lan.Module),
	}, nil
}

// Registry returns the device registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// host returns the device hosting the session of dsn.
func (m *Manager) host(dsn string) (LanSupport, error) {
	d, ok := m.registry.Lookup(dsn)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, dsn)
	}
	hostDSN := d.SessionDSN()
	if hostDSN == dsn {
		return d, nil
	}
	h, ok := m.registry.Lookup(hostDSN)
	if !ok {
		return nil, fmt.Errorf("%w: gateway %s of %s", ErrUnknownDevice, hostDSN, dsn)
	}
	return h, nil
}

// Session returns the session carrying traffic for dsn, creating it on
// first use. Nodes share the session of their gateway.
func (m *Manager) Session(dsn string) (*lan.Module, error) {
	h, err := m.host(dsn)
	if err != nil {
		return nil, err
	}
	return m.sessionFor(h)
}

func (m *Manager) sessionFor(h LanSupport) (*lan.Module, error) {
	key := h.DSN()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, lan.ErrModuleShutdown
	}
	if mod, ok := m.sessions[key]; ok {
		return mod, nil
	}

	var cfg *lan.Config
	if m.config.ConfigFor != nil {
		cfg = m.config.ConfigFor(key)
	}
	mod, err := lan.NewModule(lan.ModuleConfig{
		Device:             h,
		Config:             cfg,
		Fetcher:            m.config.Fetcher,
		KeyStore:           m.config.KeyStore,
		Notifier:           m.config.Notifier,
		Delegate:           m,
		TaskTimeout:        m.config.TaskTimeout,
		MaxCommandsPerPoll: m.config.MaxCommandsPerPoll,
		MaxMissedPolls:     m.config.MaxMissedPolls,
		Logger:             m.logger,
		ProtocolLogger:     m.config.ProtocolLogger,
	})
	if err != nil {
		return nil, err
	}
	m.sessions[key] = mod
	return mod, nil
}

// Open opens the session for dsn.
func (m *Manager) Open(dsn string) error {
	h, err := m.host(dsn)
	if err != nil {
		return err
	}
	mod, err := m.sessionFor(h)
	if err != nil {
		return err
	}
	return mod.OpenSession(h.SessionType(), m.config.Server)
}

// OpenSetup opens a setup session with a device in AP mode. The device is
// added to the registry under its DSN, which must be known.
func (m *Manager) OpenSetup(s *SetupDevice) (*lan.Module, error) {
	if s.DSN() == "" {
		return nil, lanerr.New(lanerr.LibraryInvalidParam, "open setup: dsn is required")
	}
	m.registry.put(s)

	mod, err := m.sessionFor(s)
	if err != nil {
		return nil, err
	}
	return mod, mod.OpenSession(lan.SessionSetup, m.config.Server)
}

// Close closes the session for dsn, failing its queued tasks.
func (m *Manager) Close(dsn string) error {
	mod, err := m.Session(dsn)
	if err != nil {
		return err
	}
	return mod.CloseSession()
}

// Resolve looks up the LAN IP of the session host of dsn through the
// configured resolver and records it. Without a resolver it does nothing.
func (m *Manager) Resolve(ctx context.Context, dsn string) error {
	h, err := m.host(dsn)
	if err != nil {
		return err
	}
	return m.resolve(ctx, h)
}

func (m *Manager) resolve(ctx context.Context, h LanSupport) error {
	if m.config.Resolver == nil {
		return nil
	}
	setter, ok := h.(interface{ SetLanIP(string) })
	if !ok {
		return nil
	}
	ip, err := m.config.Resolver.Resolve(ctx, h.DSN())
	if err != nil {
		return lanerr.Wrap(lanerr.DeviceDifferentLan, "resolve lan ip", err)
	}
	if ip != h.LanIP() {
		m.debugLog("device: lan ip changed", "dsn", h.DSN(), "old", h.LanIP(), "new", ip)
		setter.SetLanIP(ip)
	}
	return nil
}

// Refresh re-resolves the LAN IP of the session host when a resolver is
// configured and lets the session follow an IP change.
func (m *Manager) Refresh(ctx context.Context, dsn string) error {
	h, err := m.host(dsn)
	if err != nil {
		return err
	}
	if err := m.resolve(ctx, h); err != nil {
		return err
	}
	mod, err := m.sessionFor(h)
	if err != nil {
		return err
	}
	return mod.RefreshSessionIfNecessary()
}

// Run queues cmds as one task on the session of dsn and waits for it. The
// task's own failure is returned unchanged; if ctx ends first the task is
// cancelled and the error is Cancelled.
func (m *Manager) Run(ctx context.Context, dsn string, cmds ...*lan.Command) error {
	mod, err := m.Session(dsn)
	if err != nil {
		return err
	}
	task := lan.NewTask(cmds...)
	if err := mod.AddTask(task); err != nil {
		return err
	}
	select {
	case <-task.Done():
		return task.Err()
	case <-ctx.Done():
		task.Cancel()
		return lanerr.Wrap(lanerr.Cancelled, "run task", ctx.Err())
	}
}

func (m *Manager) propertyHolder(dsn string) (PropertyHolder, error) {
	d, ok := m.registry.Lookup(dsn)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, dsn)
	}
	ph, ok := d.(PropertyHolder)
	if !ok {
		return nil, lanerr.New(lanerr.DeviceNotSupport, "device has no properties")
	}
	return ph, nil
}

// GetProperty reads a datapoint from the device and records it.
func (m *Manager) GetProperty(ctx context.Context, dsn, name string) (wire.Property, error) {
	d, err := m.propertyHolder(dsn)
	if err != nil {
		return wire.Property{}, err
	}
	cmd := d.GetPropertyCommand(name)
	if err := m.Run(ctx, dsn, cmd); err != nil {
		return wire.Property{}, err
	}

	var p wire.Property
	if err := json.Unmarshal(cmd.Response(), &p); err != nil {
		return wire.Property{}, lanerr.Wrap(lanerr.DeviceResponseError, "get property", err)
	}
	if p.Name == "" {
		p.Name = name
	}
	m.apply(d, p)
	return p, nil
}

// SetProperty pushes a datapoint to the device. With ack set the call waits
// for the device to confirm it applied the value.
func (m *Manager) SetProperty(ctx context.Context, dsn string, p wire.Property, ack bool) error {
	d, err := m.propertyHolder(dsn)
	if err != nil {
		return err
	}
	ackID := ""
	if ack {
		ackID = uuid.NewString()
	}
	if err := m.Run(ctx, dsn, d.SetPropertyCommand(p, ackID)); err != nil {
		return err
	}
	m.apply(d, p)
	return nil
}

// NodeStatus asks a gateway for the connectivity of all its registered
// nodes and records the answer. Nodes the gateway does not report as
// online are marked offline.
func (m *Manager) NodeStatus(ctx context.Context, gatewayDSN string) ([]*Node, error) {
	d, ok := m.registry.Lookup(gatewayDSN)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, gatewayDSN)
	}
	gw, ok := d.(*Gateway)
	if !ok {
		return nil, lanerr.New(lanerr.DeviceNotSupport, "node status: not a gateway")
	}
	nodes := m.registry.Nodes(gatewayDSN)
	if len(nodes) == 0 {
		return nil, nil
	}
	dsns := make([]string, len(nodes))
	for i, n := range nodes {
		dsns[i] = n.DSN()
	}

	cmd := gw.NodeStatusCommand(dsns...)
	if err := m.Run(ctx, gatewayDSN, cmd); err != nil {
		return nil, err
	}
	for _, n := range nodes {
		n.SetOnline(false)
	}
	m.applyConnStatus(cmd.Response())
	return nodes, nil
}

// Shutdown closes all sessions.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*lan.Module)
	m.mu.Unlock()

	for _, mod := range sessions {
		mod.Shutdown()
	}
}

func (m *Manager) apply(d PropertyHolder, p wire.Property) {
	changed := d.Apply(p)
	if m.config.OnUpdate != nil {
		m.config.OnUpdate(Update{Device: d, Property: p, Changed: changed})
	}
}

// DidEstablishSession implements lan.Delegate.
func (m *Manager) DidEstablishSession(mod *lan.Module) {
	m.debugLog("device: session established", "dsn", mod.DSN(), "lan_ip", mod.LanIP())
}

// DidReceiveMessage routes unsolicited device messages to the devices they
// concern.
func (m *Manager) DidReceiveMessage(mod *lan.Module, msg *wire.Message) {
	switch msg.Type {
	case wire.TypeDatapointUpdate:
		var p wire.Property
		if err := msg.Decode(&p); err != nil {
			m.debugLog("device: bad datapoint update", "dsn", mod.DSN(), "error", err)
			return
		}
		dsn := mod.DSN()
		if msg.IsNode() && p.DSN != "" {
			dsn = p.DSN
		}
		d, err := m.propertyHolder(dsn)
		if err != nil {
			m.debugLog("device: datapoint for unknown device", "dsn", dsn)
			return
		}
		m.apply(d, p)

	case wire.TypeConnStatus:
		m.applyConnStatus(msg.JSON)
	}
}

// applyConnStatus records node connectivity from a conn status body, which
// is either one status object or an array of them.
func (m *Manager) applyConnStatus(data json.RawMessage) {
	var statuses []wire.ConnStatus
	if err := json.Unmarshal(data, &statuses); err != nil {
		var single wire.ConnStatus
		if json.Unmarshal(data, &single) != nil {
			m.debugLog("device: bad conn status", "error", err)
			return
		}
		statuses = []wire.ConnStatus{single}
	}
	for _, cs := range statuses {
		for _, dsn := range cs.DSNs {
			if d, ok := m.registry.Lookup(dsn); ok {
				if n, ok := d.(*Node); ok {
					n.SetOnline(cs.Status == "Online")
				}
			}
		}
	}
}

// DidFail implements lan.Delegate.
func (m *Manager) DidFail(mod *lan.Module, err error) {
	if m.logger != nil {
		m.logger.Warn("device: session failed", "dsn", mod.DSN(), "error", err)
	}
	if m.config.OnFailure != nil {
		m.config.OnFailure(mod.DSN(), err)
	}
}

// DidDisableSession implements lan.Delegate.
func (m *Manager) DidDisableSession(mod *lan.Module) {
	m.debugLog("device: session disabled", "dsn", mod.DSN())
}

func (m *Manager) debugLog(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, args...)
	}
}

var _ lan.Delegate = (*Manager)(nil)
