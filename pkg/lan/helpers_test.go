package lan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/lanmode/lanmode-go/pkg/encryption"
	"github.com/lanmode/lanmode-go/pkg/router"
	"github.com/lanmode/lanmode-go/pkg/wire"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type testDevice struct {
	mu  sync.Mutex
	dsn string
	ip  string
}

func (d *testDevice) DSN() string { return d.dsn }

func (d *testDevice) LanIP() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ip
}

func (d *testDevice) setLanIP(ip string) {
	d.mu.Lock()
	d.ip = ip
	d.mu.Unlock()
}

// recorder is a Delegate that records every call.
type recorder struct {
	mu          sync.Mutex
	established int
	disabled    int
	failures    []error
	messages    []*wire.Message

	failed chan error
}

func newRecorder() *recorder {
	return &recorder{failed: make(chan error, 8)}
}

func (r *recorder) DidEstablishSession(*Module) {
	r.mu.Lock()
	r.established++
	r.mu.Unlock()
}

func (r *recorder) DidReceiveMessage(_ *Module, msg *wire.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
}

func (r *recorder) DidFail(_ *Module, err error) {
	r.mu.Lock()
	r.failures = append(r.failures, err)
	r.mu.Unlock()
	r.failed <- err
}

func (r *recorder) DidDisableSession(*Module) {
	r.mu.Lock()
	r.disabled++
	r.mu.Unlock()
}

func (r *recorder) counts() (established, disabled, failures, messages int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.established, r.disabled, len(r.failures), len(r.messages)
}

// fakeFetcher returns a fixed config.
type fakeFetcher struct {
	mu    sync.Mutex
	cfg   Config
	err   error
	calls int
}

func (f *fakeFetcher) FetchLanConfig(context.Context, string) (Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.cfg, f.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeNotifier records registrations.
type fakeNotifier struct {
	mu   sync.Mutex
	regs []wire.LocalRegistration
	got  chan wire.LocalRegistration
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{got: make(chan wire.LocalRegistration, 32)}
}

func (n *fakeNotifier) Register(_ context.Context, _ string, reg wire.LocalRegistration) error {
	n.mu.Lock()
	n.regs = append(n.regs, reg)
	n.mu.Unlock()
	n.got <- reg
	return nil
}

// deviceSide drives a module the way a device does.
type deviceSide struct {
	t   *testing.T
	m   *Module
	ip  string
	enc *encryption.Session
}

func (d *deviceSide) request(method, uri string, body []byte) *router.Response {
	u, err := url.ParseRequestURI(uri)
	require.NoError(d.t, err)
	return d.m.ServeLAN(context.Background(), &router.Request{
		ID:       "req-test",
		Method:   method,
		URI:      uri,
		Path:     u.Path,
		Body:     body,
		RemoteIP: d.ip,
		Received: time.Now(),
	})
}

func (d *deviceSide) keyExchange(kx wire.KeyExchange, sharedKey []byte) *router.Response {
	d.t.Helper()
	if kx.Version == 0 {
		kx.Version = encryption.ProtocolVersion
	}
	if kx.Random1 == "" {
		kx.Random1 = "device-random-01"
	}
	if kx.Time1 == 0 {
		kx.Time1 = 1000
	}
	if kx.Proto == 0 {
		kx.Proto = encryption.CipherSuiteAESCTR
	}
	body, err := wire.EncodeKeyExchange(kx)
	require.NoError(d.t, err)

	resp := d.request(http.MethodPost, wire.PathKeyExchange, body)
	if resp == nil || resp.StatusCode != http.StatusAccepted {
		return resp
	}

	var kr wire.KeyExchangeResponse
	require.NoError(d.t, json.Unmarshal(resp.Body, &kr))
	d.enc, err = encryption.NewSession(sharedKey, encryption.Params{
		Version:   kx.Version,
		Proto:     kx.Proto,
		KeyID:     kx.KeyID,
		SessionID: kx.SessionID,
		Role:      encryption.RoleDevice,
		Inputs: encryption.Inputs{
			DeviceRandom: kx.Random1,
			AppRandom:    kr.Random2,
			DeviceTime:   kx.Time1,
			AppTime:      kr.Time2,
		},
	})
	require.NoError(d.t, err)
	return resp
}

func (d *deviceSide) poll() (*router.Response, wire.PollData) {
	d.t.Helper()
	resp := d.request(http.MethodGet, wire.PathCommands, nil)
	var data wire.PollData
	if resp != nil && len(resp.Body) > 0 {
		raw, err := wire.OpenBody(resp.Body, d.enc)
		require.NoError(d.t, err)
		require.NoError(d.t, json.Unmarshal(raw, &data))
	}
	return resp, data
}

func (d *deviceSide) respond(cmdID uint32, status int, data any) *router.Response {
	d.t.Helper()
	body, err := wire.SealBody(data, d.enc)
	require.NoError(d.t, err)
	uri := fmt.Sprintf("%s?cmd_id=%d&status=%d", wire.PathDatapoint, cmdID, status)
	return d.request(http.MethodPost, uri, body)
}

func (d *deviceSide) post(path string, data any) *router.Response {
	d.t.Helper()
	body, err := wire.SealBody(data, d.enc)
	require.NoError(d.t, err)
	return d.request(http.MethodPost, path, body)
}

type harness struct {
	t      *testing.T
	m      *Module
	dev    *testDevice
	side   *deviceSide
	server *router.Server
	rec    *recorder
}

func newHarness(t *testing.T, mutate func(*ModuleConfig)) *harness {
	t.Helper()
	dev := &testDevice{dsn: "AC000W000000001", ip: "192.168.1.42"}
	rec := newRecorder()
	cfg := ModuleConfig{
		Device:   dev,
		Config:   &Config{KeyID: 7, Key: testKey, KeepAlive: 30 * time.Second},
		Delegate: rec,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewModule(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	return &harness{
		t:      t,
		m:      m,
		dev:    dev,
		side:   &deviceSide{t: t, m: m, ip: dev.ip},
		server: router.NewServer(router.Config{}),
		rec:    rec,
	}
}

// activate opens a normal session and completes negotiation and the first
// poll.
func (h *harness) activate() {
	h.t.Helper()
	require.NoError(h.t, h.m.OpenSession(SessionNormal, h.server))
	resp := h.side.keyExchange(wire.KeyExchange{KeyID: 7}, testKey)
	require.NotNil(h.t, resp)
	require.Equal(h.t, http.StatusAccepted, resp.StatusCode)

	resp, data := h.side.poll()
	require.NotNil(h.t, resp)
	require.Equal(h.t, 0, data.Len())
	require.Equal(h.t, StateActive, h.m.State())
}

// sync waits until the actor and the callback queue have processed
// everything queued so far.
func (h *harness) sync() {
	h.t.Helper()
	done := make(chan struct{})
	require.NoError(h.t, h.m.call(func() {
		h.m.callbacks.push(func() { close(done) })
	}))
	select {
	case <-done:
	case <-time.After(time.Second):
		h.t.Fatal("callback queue did not drain")
	}
}
