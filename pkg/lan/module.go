// Package lan implements the per-device LAN session: negotiation, command
// queueing, device polls and keepalive.
//
// A Module serialises all of its state on one actor goroutine. The router
// hands device requests to the actor through ServeLAN; public methods post
// work to it and wait for the result. Delegate calls and task callbacks
// leave the actor through an ordered callback goroutine, so they may call
// back into the module.
package lan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanmode/lanmode-go/pkg/encryption"
	"github.com/lanmode/lanmode-go/pkg/keystore"
	"github.com/lanmode/lanmode-go/pkg/lanerr"
	"github.com/lanmode/lanmode-go/pkg/log"
	"github.com/lanmode/lanmode-go/pkg/router"
	"github.com/lanmode/lanmode-go/pkg/wire"
)

// DefaultMaxCommandsPerPoll bounds the commands carried by one poll response.
const DefaultMaxCommandsPerPoll = 5

const opsQueueSize = 64

// ErrModuleShutdown is returned by calls on a module that was shut down.
var ErrModuleShutdown = errors.New("lan module shut down")

// Device identifies the device a module talks to.
type Device interface {
	DSN() string
	LanIP() string
}

// ModuleConfig configures a Module.
type ModuleConfig struct {
	// Device is required.
	Device Device

	// Config is the cached LAN config, if any.
	Config *Config

	// Fetcher retrieves the LAN config when none is usable or the device
	// presents a different key id.
	Fetcher ConfigFetcher

	// KeyStore holds the key pair for setup sessions.
	KeyStore *keystore.Store

	// Notifier tells the device where to reach the application.
	Notifier Notifier

	// Delegate receives session events. More can be added with Observers.
	Delegate Delegate

	// TaskTimeout is the default task timeout (DefaultTaskTimeout).
	TaskTimeout time.Duration

	// MaxCommandsPerPoll defaults to DefaultMaxCommandsPerPoll.
	MaxCommandsPerPoll int

	// MaxMissedPolls defaults to DefaultMaxMissedPolls.
	MaxMissedPolls int

	// Logger is the operational logger.
	Logger *slog.Logger

	// ProtocolLogger captures session events.
	ProtocolLogger log.Logger
}

// Status is a snapshot of the session.
type Status struct {
	State State
	Type  SessionType
	LanIP string
	KeyID int

	// Err is the failure that moved the session into Error.
	Err error

	// KeepAlive is set while the session is active.
	KeepAlive *KeepAliveStats
}

// Module is the LAN session of one device.
type Module struct {
	config    ModuleConfig
	device    Device
	logger    *slog.Logger
	plog      log.Logger
	observers Observers

	ops          chan func()
	quit         chan struct{}
	stopped      chan struct{}
	shutdownOnce sync.Once
	callbacks    *callbackQueue
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	status   atomic.Pointer[Status]
	liveness atomic.Pointer[KeepAlive]

	// Owned by the actor goroutine.
	state       State
	sessionType SessionType
	server      *router.Server
	lanIP       string
	lanConfig   Config
	hasConfig   bool
	fetching    bool
	refetched   bool
	publicKey   []byte
	enc         *encryption.Session
	lastErr     error
	nextCmdID   uint32
	tasks       []*Task
	inflight    map[uint32]*Command
	keepalive   *KeepAlive
	epoch       uint64
}

// NewModule creates a module in ReadyToOpen and starts its actor.
func NewModule(config ModuleConfig) (*Module, error) {
	if config.Device == nil {
		return nil, lanerr.New(lanerr.LibraryNilDevice, "new module")
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = DefaultTaskTimeout
	}
	if config.MaxCommandsPerPoll <= 0 {
		config.MaxCommandsPerPoll = DefaultMaxCommandsPerPoll
	}
	if config.MaxMissedPolls <= 0 {
		config.MaxMissedPolls = DefaultMaxMissedPolls
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Module{
		config:    config,
		device:    config.Device,
		logger:    config.Logger,
		plog:      log.OrNoop(config.ProtocolLogger),
		ops:       make(chan func(), opsQueueSize),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		callbacks: newCallbackQueue(),
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[uint32]*Command),
	}
	if config.Config != nil {
		m.lanConfig = config.Config.clone()
		m.hasConfig = true
	}
	m.observers.Add(config.Delegate)
	m.publish()

	go m.run()
	return m, nil
}

// Observers returns the delegate registry of the module.
func (m *Module) Observers() *Observers {
	return &m.observers
}

// DSN returns the device serial number.
func (m *Module) DSN() string {
	return m.device.DSN()
}

// Status returns a snapshot of the session.
func (m *Module) Status() Status {
	st := *m.status.Load()
	if ka := m.liveness.Load(); ka != nil {
		stats := ka.Stats()
		st.KeepAlive = &stats
	}
	return st
}

// State returns the current session state.
func (m *Module) State() State {
	return m.Status().State
}

// LanIP returns the LAN IP the session was opened for.
func (m *Module) LanIP() string {
	return m.Status().LanIP
}

// Config returns the current LAN config and whether one is set.
func (m *Module) Config() (Config, bool) {
	var cfg Config
	var ok bool
	if err := m.call(func() { cfg, ok = m.lanConfig.clone(), m.hasConfig }); err != nil {
		return Config{}, false
	}
	return cfg, ok
}

// SetConfig replaces the LAN config. It applies to the next negotiation.
func (m *Module) SetConfig(cfg Config) error {
	return m.call(func() { m.setConfig(cfg) })
}

// Shutdown closes the session and stops the module. It must not be called
// from a delegate or task callback.
func (m *Module) Shutdown() {
	m.shutdownOnce.Do(func() {
		_ = m.call(m.closeSession)
		close(m.quit)
		<-m.stopped
		m.cancel()
		m.wg.Wait()
		m.callbacks.close()
	})
}

// ServeLAN handles a device request routed to this module.
func (m *Module) ServeLAN(ctx context.Context, req *router.Request) *router.Response {
	ch := make(chan *router.Response, 1)
	if !m.post(func() { ch <- m.handleRequest(req) }) {
		return nil
	}
	select {
	case resp := <-ch:
		return resp
	case <-ctx.Done():
		return nil
	case <-m.stopped:
		return nil
	}
}

// Replaced is called by the router when another module registers for the
// same LAN IP. The session moves to Error and is not reopened automatically.
func (m *Module) Replaced(lanIP string) {
	go m.post(func() {
		if !m.state.Open() || m.server == nil || m.server.Responder(m.lanIP) == router.Responder(m) {
			return
		}
		m.fail(lanerr.New(lanerr.PausedByDuplicateLanIp, "lan ip "+lanIP+" taken by another session"))
	})
}

var _ router.Responder = (*Module)(nil)

func (m *Module) run() {
	defer close(m.stopped)
	for {
		select {
		case fn := <-m.ops:
			fn()
		case <-m.quit:
			return
		}
	}
}

// post queues fn on the actor. It reports false after shutdown.
func (m *Module) post(fn func()) bool {
	select {
	case <-m.quit:
		return false
	default:
	}
	select {
	case m.ops <- fn:
		return true
	case <-m.quit:
		return false
	}
}

// call runs fn on the actor and waits for it.
func (m *Module) call(fn func()) error {
	done := make(chan struct{})
	if !m.post(func() { fn(); close(done) }) {
		return ErrModuleShutdown
	}
	select {
	case <-done:
		return nil
	case <-m.stopped:
		return ErrModuleShutdown
	}
}

// goAsync runs fn on a tracked goroutine.
func (m *Module) goAsync(fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

// emit queues a delegate call.
func (m *Module) emit(fn func(d Delegate)) {
	m.callbacks.push(func() { fn(&m.observers) })
}

func (m *Module) publish() {
	st := &Status{
		State: m.state,
		Type:  m.sessionType,
		LanIP: m.lanIP,
		Err:   m.lastErr,
	}
	if m.hasConfig {
		st.KeyID = m.lanConfig.KeyID
	}
	m.status.Store(st)
}

func (m *Module) setState(s State, reason string) {
	old := m.state
	if old == s {
		return
	}
	m.state = s
	m.publish()

	m.debugLog("lan: state change", "dsn", m.device.DSN(), "old", old, "new", s, "reason", reason)
	m.plog.Log(log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionOut,
		Layer:     log.LayerSession,
		Category:  log.CategoryState,
		LanIP:     m.lanIP,
		DSN:       m.device.DSN(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			OldState: old.String(),
			NewState: s.String(),
			Reason:   reason,
		},
	})
}

func (m *Module) setConfig(cfg Config) {
	m.lanConfig = cfg.clone()
	m.hasConfig = true
	m.publish()
}

func (m *Module) logMessage(req *router.Request, dir log.Direction, msgType wire.MessageType, cmdID uint32, status, commands int, payload []byte) {
	var processing *time.Duration
	if req != nil && dir == log.DirectionOut {
		d := time.Since(req.Received)
		processing = &d
	}
	ev := log.Event{
		Timestamp: time.Now(),
		Direction: dir,
		Layer:     log.LayerWire,
		Category:  log.CategoryMessage,
		LanIP:     m.lanIP,
		DSN:       m.device.DSN(),
		Message: &log.MessageEvent{
			Type:           msgType.String(),
			CmdID:          cmdID,
			Status:         status,
			Commands:       commands,
			Payload:        payload,
			ProcessingTime: processing,
		},
	}
	if req != nil {
		ev.RequestID = req.ID
	}
	m.plog.Log(ev)
}

func (m *Module) logControl(t log.ControlMsgType, notify *int) {
	m.plog.Log(log.Event{
		Timestamp:  time.Now(),
		Direction:  log.DirectionOut,
		Layer:      log.LayerSession,
		Category:   log.CategoryControl,
		LanIP:      m.lanIP,
		DSN:        m.device.DSN(),
		ControlMsg: &log.ControlMsgEvent{Type: t, Notify: notify},
	})
}

func (m *Module) logTask(t *Task, state string, err error) {
	ev := log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionOut,
		Layer:     log.LayerSession,
		Category:  log.CategoryState,
		LanIP:     m.lanIP,
		DSN:       m.device.DSN(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityTask,
			NewState: state,
		},
	}
	if err != nil {
		ev.StateChange.Reason = err.Error()
	}
	m.plog.Log(ev)
}

func (m *Module) logError(err error, op string) {
	data := &log.ErrorEventData{
		Layer:   log.LayerSession,
		Message: err.Error(),
		Context: op,
	}
	if code := lanerr.CodeOf(err); code != lanerr.Unknown {
		c := int(code)
		data.Code = &c
	}
	m.plog.Log(log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionIn,
		Layer:     log.LayerSession,
		Category:  log.CategoryError,
		LanIP:     m.lanIP,
		DSN:       m.device.DSN(),
		Error:     data,
	})
}

// debugLog logs a debug message if a logger is configured.
func (m *Module) debugLog(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, args...)
	}
}
