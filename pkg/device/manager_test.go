package device

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lanmode/lanmode-go/pkg/devsim"
	"github.com/lanmode/lanmode-go/pkg/keystore"
	"github.com/lanmode/lanmode-go/pkg/lan"
	"github.com/lanmode/lanmode-go/pkg/lanerr"
	"github.com/lanmode/lanmode-go/pkg/router"
	"github.com/lanmode/lanmode-go/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	t       *testing.T
	server  *router.Server
	sim     *devsim.Device
	manager *Manager

	mu      sync.Mutex
	updates []Update
}

func newFixture(t *testing.T, sim devsim.Config, resolver Resolver, mutate ...func(*ManagerConfig)) *fixture {
	t.Helper()
	server := router.NewServer(router.Config{Host: "127.0.0.1", Port: -1})
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { _ = server.Stop() })

	dev, err := devsim.New(sim)
	require.NoError(t, err)
	require.NoError(t, dev.Start())
	t.Cleanup(dev.Stop)

	f := &fixture{t: t, server: server, sim: dev}
	cfg := ManagerConfig{
		Server: server,
		ConfigFor: func(string) *lan.Config {
			return &lan.Config{KeyID: 7, Key: testKey}
		},
		Notifier: &lan.HTTPNotifier{Port: dev.Port()},
		KeyStore: keystore.NewStore(keystore.NewMemoryBackend(), ""),
		Resolver: resolver,
		OnUpdate: func(u Update) {
			f.mu.Lock()
			f.updates = append(f.updates, u)
			f.mu.Unlock()
		},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	f.manager, err = NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(f.manager.Shutdown)
	return f
}

func (f *fixture) open(dsn string) *lan.Module {
	f.t.Helper()
	require.NoError(f.t, f.manager.Open(dsn))
	mod, err := f.manager.Session(dsn)
	require.NoError(f.t, err)
	require.Eventually(f.t, func() bool { return mod.State() == lan.StateActive },
		3*time.Second, 10*time.Millisecond)
	return mod
}

func (f *fixture) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func TestManagerProperties(t *testing.T) {
	f := newFixture(t, devsim.Config{
		DSN:        "AC000W000000001",
		KeyID:      7,
		Key:        testKey,
		Properties: []wire.Property{{Name: "temp", BaseType: "integer", Value: json.RawMessage("21")}},
	}, nil)
	_, err := f.manager.Registry().Add(Info{DSN: "AC000W000000001", Kind: KindWiFi, LanIP: "127.0.0.1"})
	require.NoError(t, err)
	f.open("AC000W000000001")

	ctx := context.Background()
	p, err := f.manager.GetProperty(ctx, "AC000W000000001", "temp")
	require.NoError(t, err)
	assert.JSONEq(t, "21", string(p.Value))

	require.NoError(t, f.manager.SetProperty(ctx, "AC000W000000001",
		wire.Property{Name: "temp", BaseType: "integer", Value: json.RawMessage("25")}, true))
	stored, _ := f.sim.Property("", "temp")
	assert.JSONEq(t, "25", string(stored.Value))

	require.NoError(t, f.sim.Report(ctx, wire.Property{Name: "humidity", Value: json.RawMessage("40")}))
	assert.Eventually(t, func() bool { return f.updateCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	d, _ := f.manager.Registry().Lookup("AC000W000000001")
	hum, ok := d.(PropertyHolder).Property("humidity")
	require.True(t, ok)
	assert.JSONEq(t, "40", string(hum.Value))
}

func TestManagerTaskFailuresKeepTheirCode(t *testing.T) {
	f := newFixture(t, devsim.Config{
		DSN:        "AC000W000000006",
		KeyID:      7,
		Key:        testKey,
		Properties: []wire.Property{{Name: "serial", BaseType: "string", Value: json.RawMessage(`"x"`)}},
		ReadOnly:   []string{"serial"},
	}, nil, func(c *ManagerConfig) { c.TaskTimeout = time.Second })
	_, err := f.manager.Registry().Add(Info{DSN: "AC000W000000006", Kind: KindWiFi, LanIP: "127.0.0.1"})
	require.NoError(t, err)
	f.open("AC000W000000006")

	ctx := context.Background()
	err = f.manager.SetProperty(ctx, "AC000W000000006",
		wire.Property{Name: "serial", BaseType: "string", Value: json.RawMessage(`"y"`)}, true)
	var le *lanerr.Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, lanerr.DeviceResponseError, lanerr.CodeOf(err))
	assert.Equal(t, 403, le.Status)

	_, err = f.manager.GetProperty(ctx, "AC000W000000006", "nope")
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 404, le.Status)

	// Without a device polling, the task runs into its own timeout.
	f.sim.Stop()
	err = f.manager.Run(ctx, "AC000W000000006", lan.GetPropertyCommand("serial"))
	assert.Equal(t, lanerr.TimedOut, lanerr.CodeOf(err))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = f.manager.Run(short, "AC000W000000006", lan.GetPropertyCommand("serial"))
	assert.Equal(t, lanerr.Cancelled, lanerr.CodeOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManagerNodes(t *testing.T) {
	f := newFixture(t, devsim.Config{
		DSN:        "GW0000000000001",
		KeyID:      7,
		Key:        testKey,
		Nodes:      []string{"NODE00000000001"},
		Properties: []wire.Property{{DSN: "NODE00000000001", Name: "level", Value: json.RawMessage("2")}},
	}, nil)
	reg := f.manager.Registry()
	_, err := reg.Add(Info{DSN: "GW0000000000001", Kind: KindGateway, LanIP: "127.0.0.1"})
	require.NoError(t, err)
	_, err = reg.Add(Info{DSN: "NODE00000000001", Kind: KindNode, GatewayDSN: "GW0000000000001"})
	require.NoError(t, err)

	gwSession := f.open("GW0000000000001")
	nodeSession, err := f.manager.Session("NODE00000000001")
	require.NoError(t, err)
	assert.Same(t, gwSession, nodeSession, "nodes share the gateway session")

	p, err := f.manager.GetProperty(context.Background(), "NODE00000000001", "level")
	require.NoError(t, err)
	assert.JSONEq(t, "2", string(p.Value))

	require.NoError(t, f.sim.Report(context.Background(),
		wire.Property{DSN: "NODE00000000001", Name: "level", Value: json.RawMessage("4")}))
	node, _ := reg.Lookup("NODE00000000001")
	assert.Eventually(t, func() bool {
		v, ok := node.(PropertyHolder).Property("level")
		return ok && string(v.Value) == "4"
	}, 2*time.Second, 10*time.Millisecond)

	nodes, err := f.manager.NodeStatus(context.Background(), "GW0000000000001")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.True(t, nodes[0].Online())

	_, err = f.manager.NodeStatus(context.Background(), "NODE00000000001")
	assert.Equal(t, lanerr.DeviceNotSupport, lanerr.CodeOf(err))
}

func TestManagerConnStatusUpdate(t *testing.T) {
	reg := NewRegistry()
	_, _ = reg.Add(Info{DSN: "GW1", Kind: KindGateway, LanIP: "10.0.0.1"})
	n, _ := reg.Add(Info{DSN: "N1", Kind: KindNode, GatewayDSN: "GW1"})
	m, err := NewManager(ManagerConfig{Server: router.NewServer(router.Config{}), Registry: reg})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	mod, err := m.Session("GW1")
	require.NoError(t, err)
	m.DidReceiveMessage(mod, &wire.Message{
		Type: wire.TypeConnStatus,
		JSON: json.RawMessage(`[{"dsns":["N1"],"status":"Online"}]`),
	})
	assert.True(t, n.(*Node).Online())

	m.DidReceiveMessage(mod, &wire.Message{
		Type: wire.TypeConnStatus,
		JSON: json.RawMessage(`{"dsns":["N1"],"status":"Offline"}`),
	})
	assert.False(t, n.(*Node).Online())
}

type staticResolver struct {
	ip  string
	err error
}

func (r staticResolver) Resolve(context.Context, string) (string, error) { return r.ip, r.err }

func TestManagerRefreshResolves(t *testing.T) {
	f := newFixture(t, devsim.Config{DSN: "AC000W000000002", KeyID: 7, Key: testKey}, staticResolver{ip: "127.0.0.1"})
	d, err := f.manager.Registry().Add(Info{DSN: "AC000W000000002", LanIP: "127.0.0.2"})
	require.NoError(t, err)

	require.NoError(t, f.manager.Refresh(context.Background(), "AC000W000000002"))
	assert.Equal(t, "127.0.0.1", d.LanIP())

	f.open("AC000W000000002")
	require.NoError(t, f.manager.Close("AC000W000000002"))
	mod, _ := f.manager.Session("AC000W000000002")
	assert.Equal(t, lan.StateReadyToOpen, mod.State())
}

func TestManagerRefreshResolveFailure(t *testing.T) {
	reg := NewRegistry()
	_, _ = reg.Add(Info{DSN: "AC1", LanIP: "10.0.0.1"})
	m, err := NewManager(ManagerConfig{
		Server:   router.NewServer(router.Config{}),
		Registry: reg,
		Resolver: staticResolver{err: errors.New("no answer")},
	})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	err = m.Refresh(context.Background(), "AC1")
	assert.Equal(t, lanerr.DeviceDifferentLan, lanerr.CodeOf(err))
}

func TestManagerSetup(t *testing.T) {
	f := newFixture(t, devsim.Config{DSN: "AC000W000000003", Setup: true}, nil)
	s := NewSetupDevice(Info{DSN: "AC000W000000003", LanIP: "127.0.0.1"})

	mod, err := f.manager.OpenSetup(s)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return mod.State() == lan.StateActive }, 3*time.Second, 10*time.Millisecond)

	details := lan.DeviceDetailsCommand()
	require.NoError(t, f.manager.Run(context.Background(), s.DSN(), details))
	assert.Contains(t, string(details.Response()), "AC000W000000003")

	_, err = f.manager.GetProperty(context.Background(), s.DSN(), "temp")
	assert.Equal(t, lanerr.DeviceNotSupport, lanerr.CodeOf(err))

	_, err = f.manager.OpenSetup(NewSetupDevice(Info{}))
	assert.Equal(t, lanerr.LibraryInvalidParam, lanerr.CodeOf(err))
}

func TestManagerErrors(t *testing.T) {
	_, err := NewManager(ManagerConfig{})
	assert.Equal(t, lanerr.LibraryInvalidParam, lanerr.CodeOf(err))

	m, err := NewManager(ManagerConfig{Server: router.NewServer(router.Config{})})
	require.NoError(t, err)

	_, err = m.Session("missing")
	assert.ErrorIs(t, err, ErrUnknownDevice)
	assert.ErrorIs(t, m.Open("missing"), ErrUnknownDevice)

	_, _ = m.Registry().Add(Info{DSN: "N1", Kind: KindNode, GatewayDSN: "GW-missing"})
	_, err = m.Session("N1")
	assert.ErrorIs(t, err, ErrUnknownDevice)

	_, _ = m.Registry().Add(Info{DSN: "AC1", LanIP: "10.0.0.1"})
	err = m.Open("AC1")
	assert.Equal(t, lanerr.EmptyConfig, lanerr.CodeOf(err), "no config and no fetcher")

	m.Shutdown()
	_, err = m.Session("AC1")
	assert.ErrorIs(t, err, lan.ErrModuleShutdown)
}

func TestManagerResolveOnly(t *testing.T) {
	m, err := NewManager(ManagerConfig{
		Server:   router.NewServer(router.Config{}),
		Resolver: staticResolver{ip: "10.0.0.9"},
	})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	d, err := m.Registry().Add(Info{DSN: "AC1"})
	require.NoError(t, err)
	require.NoError(t, m.Resolve(context.Background(), "AC1"))
	assert.Equal(t, "10.0.0.9", d.LanIP())

	assert.ErrorIs(t, m.Resolve(context.Background(), "missing"), ErrUnknownDevice)
}
