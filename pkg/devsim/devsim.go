// Package devsim simulates the device side of the LAN protocol over real
// HTTP. It serves local registration, negotiates a session with the
// application, polls for commands and answers them.
package devsim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lanmode/lanmode-go/pkg/encryption"
	"github.com/lanmode/lanmode-go/pkg/wire"
)

const (
	// maxPollsPerNotice bounds the polls answered with 206 in a row.
	maxPollsPerNotice = 64

	maxBodySize = 64 * 1024
)

// ErrNotRegistered is returned when the application has not told the device
// where to reach it.
var ErrNotRegistered = errors.New("devsim: no application registered")

// Config configures a simulated device.
type Config struct {
	DSN   string
	Model string

	// KeyID and Key are the LAN config shared with the application.
	KeyID int
	Key   []byte

	// Setup makes the device negotiate like an unconfigured device in AP
	// mode, sending a fresh secret encrypted to the application public key.
	Setup bool

	// Host and Port to listen on. Port zero binds an ephemeral port.
	Host string
	Port int

	// Properties are the initial datapoints. Node datapoints carry the
	// node DSN.
	Properties []wire.Property

	// Nodes are the DSNs of nodes behind this device.
	Nodes []string

	// ReadOnly names properties whose updates are rejected with 403.
	ReadOnly []string

	// Client talks to the application. Defaults to a 5 second timeout.
	Client *http.Client

	Logger *slog.Logger
}

// Device is a simulated LAN device.
type Device struct {
	config Config
	logger *slog.Logger
	client *http.Client

	mu       sync.Mutex
	props    map[string]wire.Property
	readOnly map[string]bool
	reg      *wire.LocalRegistration
	enc      *encryption.Session
	setup    setupState

	// sendMu orders sealed messages so sequence numbers arrive increasing.
	sendMu sync.Mutex

	trigger  chan struct{}
	server   *http.Server
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	polls         atomic.Int64
	keyExchanges  atomic.Int64
	registrations atomic.Int64
}

// New creates a simulated device. Call Start to begin listening.
func New(config Config) (*Device, error) {
	if config.DSN == "" && !config.Setup {
		return nil, errors.New("devsim: dsn is required")
	}
	if !config.Setup && len(config.Key) == 0 {
		return nil, errors.New("devsim: key is required")
	}
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	d := &Device{
		config:   config,
		logger:   config.Logger,
		client:   client,
		props:    make(map[string]wire.Property),
		readOnly: make(map[string]bool),
		trigger:  make(chan struct{}, 1),
	}
	for _, p := range config.Properties {
		d.props[propKey(p.DSN, p.Name)] = p
	}
	for _, name := range config.ReadOnly {
		d.readOnly[name] = true
	}
	return d, nil
}

// Start listens for local registrations and starts the session worker.
func (d *Device) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(d.config.Host, strconv.Itoa(d.config.Port)))
	if err != nil {
		return fmt.Errorf("devsim: listen: %w", err)
	}
	d.listener = ln
	d.ctx, d.cancel = context.WithCancel(context.Background())

	r := chi.NewRouter()
	r.Post(wire.PathLocalRegistration, d.handleRegistration)
	r.Put(wire.PathLocalRegistration, d.handleRegistration)
	d.server = &http.Server{Handler: r, ReadTimeout: 5 * time.Second}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.debugLog("devsim: serve failed", "error", err)
		}
	}()
	go func() {
		defer d.wg.Done()
		d.worker()
	}()

	d.debugLog("devsim: listening", "dsn", d.config.DSN, "addr", ln.Addr().String())
	return nil
}

// Stop shuts the device down.
func (d *Device) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = d.server.Shutdown(ctx)
	d.wg.Wait()
	d.cancel = nil
}

// Port returns the port local registrations are served on.
func (d *Device) Port() int {
	if d.listener == nil {
		return 0
	}
	return d.listener.Addr().(*net.TCPAddr).Port
}

// DSN returns the device serial number.
func (d *Device) DSN() string { return d.config.DSN }

// Property returns a datapoint. dsn selects a node; empty means the device
// itself.
func (d *Device) Property(dsn, name string) (wire.Property, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.props[propKey(dsn, name)]
	return p, ok
}

// Polls returns the number of polls sent.
func (d *Device) Polls() int64 { return d.polls.Load() }

// KeyExchanges returns the number of completed key exchanges.
func (d *Device) KeyExchanges() int64 { return d.keyExchanges.Load() }

// Registrations returns the number of registrations received.
func (d *Device) Registrations() int64 { return d.registrations.Load() }

// Connected reports whether the device holds an encryption session.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enc != nil
}

// Disconnect drops the encryption session, forcing a new key exchange on
// the next registration.
func (d *Device) Disconnect() {
	d.mu.Lock()
	d.dropSessionLocked()
	d.mu.Unlock()
}

func (d *Device) handleRegistration(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reg, err := wire.DecodeLocalRegistration(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.registrations.Add(1)

	d.mu.Lock()
	if d.reg != nil && (d.reg.IP != reg.IP || d.reg.Port != reg.Port || d.reg.Key != reg.Key) {
		d.dropSessionLocked()
	}
	d.reg = &reg
	d.mu.Unlock()

	d.debugLog("devsim: registration", "dsn", d.config.DSN, "notify", reg.Notify, "port", reg.Port)
	w.WriteHeader(http.StatusAccepted)

	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Device) dropSessionLocked() {
	if d.enc != nil {
		d.enc.Destroy()
		d.enc = nil
	}
}

func (d *Device) debugLog(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Debug(msg, args...)
	}
}

func propKey(dsn, name string) string {
	return dsn + "/" + name
}
