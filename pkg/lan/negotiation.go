package lan

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/lanmode/lanmode-go/pkg/encryption"
	"github.com/lanmode/lanmode-go/pkg/lanerr"
	"github.com/lanmode/lanmode-go/pkg/log"
	"github.com/lanmode/lanmode-go/pkg/router"
	"github.com/lanmode/lanmode-go/pkg/wire"
)

// handleKeyExchange answers a device key exchange. A successful exchange
// replaces the encryption session; the session becomes active on the next
// poll.
func (m *Module) handleKeyExchange(req *router.Request, msg *wire.Message) *router.Response {
	kx, err := wire.DecodeKeyExchange(msg)
	if err != nil {
		m.fail(err)
		return nil
	}
	if kx.Version != encryption.ProtocolVersion {
		m.fail(lanerr.New(lanerr.DeviceNotSupport, "key exchange: unsupported version"))
		return nil
	}

	var key []byte
	switch m.sessionType {
	case SessionSetup:
		key, err = m.setupSecret(kx.Sec)
		if err != nil {
			m.fail(err)
			return nil
		}
	default:
		if !m.configUsable() {
			// Config is still being fetched; the device retries.
			return router.EmptyResponse(http.StatusPreconditionFailed)
		}
		if kx.KeyID != m.lanConfig.KeyID {
			return m.keyMismatch(kx.KeyID)
		}
		key = m.lanConfig.Key
	}

	random2, err := encryption.RandomToken(encryption.RandomTokenLength)
	if err != nil {
		m.fail(err)
		return nil
	}
	time2 := time.Now().UnixMilli()

	sess, err := encryption.NewSession(key, encryption.Params{
		Version:   kx.Version,
		Proto:     kx.Proto,
		KeyID:     kx.KeyID,
		SessionID: kx.SessionID,
		Role:      encryption.RoleApp,
		Inputs: encryption.Inputs{
			DeviceRandom: kx.Random1,
			AppRandom:    random2,
			DeviceTime:   kx.Time1,
			AppTime:      time2,
		},
	})
	if err != nil {
		m.fail(err)
		return nil
	}
	if m.enc != nil {
		m.enc.Destroy()
	}
	m.enc = sess

	m.debugLog("lan: key exchange complete", "dsn", m.device.DSN(), "key_id", kx.KeyID, "session_id", kx.SessionID)
	m.logControl(log.ControlMsgKeyExchange, nil)

	body, err := json.Marshal(wire.KeyExchangeResponse{Random2: random2, Time2: time2})
	if err != nil {
		m.fail(lanerr.Wrap(lanerr.LibraryInvalidParam, "key exchange", err))
		return nil
	}
	m.logMessage(req, log.DirectionOut, wire.TypeKeyExchange, 0, http.StatusAccepted, 0, body)
	return router.JSONResponse(http.StatusAccepted, body)
}

// keyMismatch answers a key exchange carrying a different key id. The
// config is refetched once; the device keeps retrying meanwhile.
func (m *Module) keyMismatch(presented int) *router.Response {
	m.debugLog("lan: key id mismatch", "dsn", m.device.DSN(), "presented", presented, "configured", m.lanConfig.KeyID)

	switch {
	case m.config.Fetcher != nil && !m.refetched:
		m.refetched = true
		m.fetchConfig(presented)
	case !m.fetching:
		m.fail(lanerr.New(lanerr.UnmatchedKeyInfo, "key exchange"))
	}
	return router.EmptyResponse(http.StatusPreconditionFailed)
}

// setupSecret recovers the shared key a setup device encrypted to our
// public key.
func (m *Module) setupSecret(sec string) ([]byte, error) {
	if sec == "" {
		return nil, lanerr.Wrap(lanerr.DeviceResponseError, "setup key exchange", wire.ErrMissingField)
	}
	ct, err := base64.StdEncoding.DecodeString(sec)
	if err != nil {
		return nil, lanerr.Wrap(lanerr.DeviceResponseError, "setup key exchange", err)
	}
	return m.config.KeyStore.Decrypt(ct)
}
