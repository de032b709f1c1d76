package lan

import (
	"context"
	"encoding/base64"

	"github.com/lanmode/lanmode-go/pkg/lanerr"
	"github.com/lanmode/lanmode-go/pkg/log"
	"github.com/lanmode/lanmode-go/pkg/router"
	"github.com/lanmode/lanmode-go/pkg/wire"
)

// OpenSession registers the module with server and waits for the device
// to negotiate. Opening or active sessions are left alone.
func (m *Module) OpenSession(t SessionType, server *router.Server) error {
	var err error
	if cerr := m.call(func() { err = m.openSession(t, server) }); cerr != nil {
		return cerr
	}
	return err
}

// CloseSession cancels all tasks and returns the session to ReadyToOpen.
func (m *Module) CloseSession() error {
	return m.call(m.closeSession)
}

// Disable cancels all tasks and moves the session to Disabled until Enable.
func (m *Module) Disable() error {
	return m.call(m.disable)
}

// Enable moves a Disabled session back to ReadyToOpen.
func (m *Module) Enable() error {
	return m.call(func() {
		if m.state == StateDisabled {
			m.setState(StateReadyToOpen, "enabled")
		}
	})
}

// RefreshSessionIfNecessary reopens the session when the device LAN IP has
// changed. It does nothing while Disabled.
func (m *Module) RefreshSessionIfNecessary() error {
	var err error
	if cerr := m.call(func() { err = m.refreshSession() }); cerr != nil {
		return cerr
	}
	return err
}

func (m *Module) openSession(t SessionType, server *router.Server) error {
	if server == nil {
		return lanerr.New(lanerr.LibraryInvalidParam, "open session: nil router")
	}
	switch m.state {
	case StateDisabled:
		return lanerr.New(lanerr.LanNotEnabled, "open session: disabled")
	case StateOpening, StateActive:
		return nil
	}

	lanIP := m.device.LanIP()
	if lanIP == "" {
		return lanerr.New(lanerr.DeviceDifferentLan, "open session: no lan ip")
	}

	switch t {
	case SessionNormal:
		if m.hasConfig && !m.lanConfig.Enabled() {
			return lanerr.New(lanerr.LanNotEnabled, "open session")
		}
		if !m.configUsable() && m.config.Fetcher == nil {
			return lanerr.New(lanerr.EmptyConfig, "open session")
		}
	case SessionSetup:
		if m.config.KeyStore == nil {
			return lanerr.New(lanerr.LibraryInvalidParam, "open setup session: no key store")
		}
	default:
		return lanerr.New(lanerr.LibraryInvalidParam, "open session: unknown session type")
	}

	if m.state == StateError {
		m.teardown(lanerr.New(lanerr.Cancelled, "reopen session"))
	}
	m.epoch++
	m.sessionType = t
	m.server = server
	m.lanIP = lanIP
	m.refetched = false
	m.lastErr = nil
	m.setState(StateOpening, "open "+t.String())

	server.Register(m, lanIP)

	switch {
	case t == SessionSetup:
		m.prepareSetupKey()
	case m.configUsable():
		m.sendRegistration(1)
	default:
		m.fetchConfig(0)
	}
	return nil
}

func (m *Module) closeSession() {
	switch m.state {
	case StateReadyToOpen, StateDisabled:
		return
	}
	m.teardown(lanerr.New(lanerr.Cancelled, "close session"))
	m.setState(StateClosing, "close")
	m.setState(StateReadyToOpen, "closed")
}

func (m *Module) disable() {
	if m.state == StateDisabled {
		return
	}
	m.teardown(lanerr.New(lanerr.Cancelled, "disable session"))
	m.setState(StateDisabled, "disabled")
	m.emit(func(d Delegate) { d.DidDisableSession(m) })
}

func (m *Module) refreshSession() error {
	if m.state == StateDisabled {
		return nil
	}
	cur := m.device.LanIP()
	if cur == "" || cur == m.lanIP {
		return nil
	}

	reopen := m.server != nil && m.state != StateReadyToOpen
	if m.state != StateReadyToOpen {
		m.teardown(lanerr.New(lanerr.Cancelled, "lan ip changed"))
		m.setState(StateReadyToOpen, "lan ip changed")
	}
	m.debugLog("lan: lan ip changed", "dsn", m.device.DSN(), "old", m.lanIP, "new", cur)
	m.lanIP = cur
	m.publish()

	if reopen {
		return m.openSession(m.sessionType, m.server)
	}
	return nil
}

// fail moves an opening or active session into Error.
func (m *Module) fail(err error) {
	if !m.state.Open() {
		return
	}
	m.debugLog("lan: session failed", "dsn", m.device.DSN(), "lan_ip", m.lanIP, "error", err)
	m.logError(err, "session")

	m.teardown(err)
	m.lastErr = err
	m.setState(StateError, err.Error())
	m.emit(func(d Delegate) { d.DidFail(m, err) })
}

// teardown fails all tasks with taskErr and releases session resources.
func (m *Module) teardown(taskErr error) {
	m.epoch++
	m.stopKeepAlive()

	tasks := m.tasks
	m.tasks = nil
	for _, t := range tasks {
		m.failTask(t, taskErr)
	}
	clear(m.inflight)

	if m.server != nil {
		m.server.Unregister(m, m.lanIP)
	}
	if m.enc != nil {
		m.enc.Destroy()
		m.enc = nil
	}
	m.publicKey = nil
	m.fetching = false
}

func (m *Module) configUsable() bool {
	return m.hasConfig && m.lanConfig.Usable()
}

// prepareSetupKey ensures the setup key pair in the background and then
// announces the public key to the device.
func (m *Module) prepareSetupKey() {
	epoch := m.epoch
	bits := m.lanConfig.KeySize()
	store := m.config.KeyStore

	m.goAsync(func(ctx context.Context) {
		pub, err := store.EnsureKeyPair(ctx, bits)
		m.post(func() {
			if m.epoch != epoch || !m.state.Open() {
				return
			}
			if err != nil {
				m.fail(err)
				return
			}
			m.publicKey = pub
			m.sendRegistration(1)
		})
	})
}

// fetchConfig retrieves the LAN config. A non-zero presentedKeyID is the
// key id a device negotiated with; the fetched config must match it.
func (m *Module) fetchConfig(presentedKeyID int) {
	if m.config.Fetcher == nil || m.fetching {
		return
	}
	m.fetching = true
	epoch := m.epoch
	dsn := m.device.DSN()
	fetcher := m.config.Fetcher

	m.goAsync(func(ctx context.Context) {
		cfg, err := fetcher.FetchLanConfig(ctx, dsn)
		m.post(func() {
			if m.epoch != epoch || !m.state.Open() {
				return
			}
			m.fetching = false
			m.applyFetchedConfig(cfg, err, presentedKeyID)
		})
	})
}

func (m *Module) applyFetchedConfig(cfg Config, err error, presentedKeyID int) {
	switch {
	case err != nil:
		m.fail(err)
		return
	case !cfg.Usable():
		m.fail(lanerr.New(lanerr.LanConfigEmptyOnCloud, "fetch lan config"))
		return
	case !cfg.Enabled():
		m.fail(lanerr.New(lanerr.LanNotEnabled, "fetch lan config"))
		return
	}

	m.setConfig(cfg)
	m.debugLog("lan: lan config fetched", "dsn", m.device.DSN(), "key_id", cfg.KeyID)

	if presentedKeyID != 0 && cfg.KeyID != presentedKeyID {
		m.fail(lanerr.New(lanerr.UnmatchedKeyInfo, "key exchange: key id still differs after refetch"))
		return
	}
	m.sendRegistration(1)
}

// sendRegistration notifies the device in the background. notify=1 asks it
// to poll now, notify=0 only keeps the registration alive.
func (m *Module) sendRegistration(notify int) {
	if m.config.Notifier == nil || m.server == nil {
		return
	}
	reg := wire.LocalRegistration{
		URI:    wire.PathPrefix,
		Port:   m.server.Port(),
		Notify: notify,
	}
	if m.sessionType == SessionSetup && len(m.publicKey) > 0 {
		reg.Key = base64.StdEncoding.EncodeToString(m.publicKey)
	}
	n := notify
	m.logControl(log.ControlMsgRegistration, &n)

	lanIP := m.lanIP
	notifier := m.config.Notifier
	m.goAsync(func(ctx context.Context) {
		if err := notifier.Register(ctx, lanIP, reg); err != nil {
			m.debugLog("lan: registration failed", "lan_ip", lanIP, "notify", notify, "error", err)
		}
	})
}

func (m *Module) startKeepAlive() {
	m.stopKeepAlive()

	epoch := m.epoch
	interval := DefaultKeepAlive
	if m.hasConfig {
		interval = m.lanConfig.KeepAliveInterval()
	}
	ka := NewKeepAlive(KeepAliveConfig{Interval: interval, MaxMissedPolls: m.config.MaxMissedPolls},
		func(uint32) {
			m.post(func() {
				if m.epoch == epoch && m.state == StateActive {
					m.logControl(log.ControlMsgKeepAlive, nil)
					m.sendRegistration(0)
				}
			})
		},
		func() {
			m.post(func() {
				if m.epoch == epoch && m.state == StateActive {
					m.fail(lanerr.New(lanerr.MobileSessionMsgTimeOut, "keepalive: no device poll"))
				}
			})
		})
	m.keepalive = ka
	m.liveness.Store(ka)
	ka.Start(m.ctx)
	ka.PollReceived()
}

func (m *Module) stopKeepAlive() {
	if m.keepalive != nil {
		m.keepalive.Stop()
		m.keepalive = nil
		m.liveness.Store(nil)
	}
}
