package devsim

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lanmode/lanmode-go/pkg/encryption"
	"github.com/lanmode/lanmode-go/pkg/wire"
)

// errRekey is returned when the application asks for a new key exchange.
var errRekey = errors.New("devsim: application requested key exchange")

// Key exchange retry bounds. The application answers 412 while it is still
// fetching its LAN config.
const (
	keyExchangeInitialInterval = 50 * time.Millisecond
	keyExchangeMaxElapsed      = 3 * time.Second
)

func (d *Device) worker() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.trigger:
			if err := d.serve(d.ctx); err != nil && d.ctx.Err() == nil {
				d.debugLog("devsim: session failed", "dsn", d.config.DSN, "error", err)
			}
		}
	}
}

// serve negotiates if needed and polls until the application has nothing
// more to deliver.
func (d *Device) serve(ctx context.Context) error {
	for attempt := 0; attempt < 2; attempt++ {
		if !d.Connected() {
			if err := d.keyExchange(ctx); err != nil {
				return err
			}
		}
		err := d.pollAll(ctx)
		if errors.Is(err, errRekey) {
			d.Disconnect()
			continue
		}
		return err
	}
	return errRekey
}

func (d *Device) registration() (wire.LocalRegistration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reg == nil {
		return wire.LocalRegistration{}, ErrNotRegistered
	}
	return *d.reg, nil
}

func (d *Device) session() *encryption.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enc
}

func (d *Device) keyExchange(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = keyExchangeInitialInterval
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = keyExchangeMaxElapsed

	return backoff.Retry(func() error {
		err := d.keyExchangeOnce(ctx)
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusPreconditionFailed {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

func (d *Device) keyExchangeOnce(ctx context.Context) error {
	reg, err := d.registration()
	if err != nil {
		return err
	}

	random1, err := encryption.RandomToken(encryption.RandomTokenLength)
	if err != nil {
		return err
	}
	kx := wire.KeyExchange{
		Version: encryption.ProtocolVersion,
		Random1: random1,
		Time1:   time.Now().UnixMilli(),
		Proto:   encryption.CipherSuiteAESCTR,
	}

	key := d.config.Key
	if d.config.Setup {
		key, kx.Sec, err = setupSecret(reg.Key)
		if err != nil {
			return err
		}
	} else {
		kx.KeyID = d.config.KeyID
	}

	body, err := wire.EncodeKeyExchange(kx)
	if err != nil {
		return err
	}
	status, resp, err := d.send(ctx, reg, http.MethodPost, wire.PathKeyExchange, body)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return &statusError{op: "key exchange", code: status}
	}

	var kr wire.KeyExchangeResponse
	if err := json.Unmarshal(resp, &kr); err != nil {
		return fmt.Errorf("devsim: key exchange response: %w", err)
	}
	sess, err := encryption.NewSession(key, encryption.Params{
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
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.dropSessionLocked()
	d.enc = sess
	d.mu.Unlock()
	d.keyExchanges.Add(1)
	d.debugLog("devsim: key exchange complete", "dsn", d.config.DSN)
	return nil
}

// setupSecret generates a shared key and encrypts it to the application's
// public key.
func setupSecret(publicKey string) ([]byte, string, error) {
	if publicKey == "" {
		return nil, "", errors.New("devsim: registration carries no public key")
	}
	der, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return nil, "", fmt.Errorf("devsim: public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, "", fmt.Errorf("devsim: public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, "", errors.New("devsim: public key is not RSA")
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, "", err
	}
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, rsaPub, key)
	if err != nil {
		return nil, "", err
	}
	return key, base64.StdEncoding.EncodeToString(ct), nil
}

// pollAll fetches commands until the application answers 200.
func (d *Device) pollAll(ctx context.Context) error {
	for i := 0; i < maxPollsPerNotice; i++ {
		more, err := d.pollOnce(ctx)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

func (d *Device) pollOnce(ctx context.Context) (bool, error) {
	reg, err := d.registration()
	if err != nil {
		return false, err
	}
	status, body, err := d.send(ctx, reg, http.MethodGet, wire.PathCommands, nil)
	if err != nil {
		return false, err
	}
	d.polls.Add(1)

	switch status {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusPreconditionFailed:
		return false, errRekey
	default:
		return false, &statusError{op: "poll", code: status}
	}

	if len(bytes.TrimSpace(body)) > 0 {
		enc := d.session()
		if enc == nil {
			return false, errRekey
		}
		raw, err := wire.OpenBody(body, enc)
		if err != nil {
			return false, err
		}
		var data wire.PollData
		if err := json.Unmarshal(raw, &data); err != nil {
			return false, fmt.Errorf("devsim: poll data: %w", err)
		}
		d.process(ctx, data)
	}
	return status == http.StatusPartialContent, nil
}

// Report pushes a datapoint to the application as if it changed on the
// device.
func (d *Device) Report(ctx context.Context, p wire.Property) error {
	d.mu.Lock()
	d.props[propKey(p.DSN, p.Name)] = p
	d.mu.Unlock()

	path := wire.PathDatapoint
	if p.DSN != "" {
		path = wire.PathNodeDatapoint
	}
	return d.post(ctx, path, p)
}

// respond answers a command at uri with status and optional data.
func (d *Device) respond(ctx context.Context, uri string, cmdID uint32, status int, data any) error {
	target := fmt.Sprintf("%s?%s=%d&%s=%d", uri, wire.ParamCmdID, cmdID, wire.ParamStatus, status)
	return d.post(ctx, target, data)
}

// post seals data, or sends an empty body for nil, and expects 200.
func (d *Device) post(ctx context.Context, target string, data any) error {
	reg, err := d.registration()
	if err != nil {
		return err
	}

	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	var body []byte
	if data != nil {
		enc := d.session()
		if enc == nil {
			return errRekey
		}
		if body, err = wire.SealBody(data, enc); err != nil {
			return err
		}
	}
	status, _, err := d.send(ctx, reg, http.MethodPost, target, body)
	if err != nil {
		return err
	}
	if status == http.StatusPreconditionFailed {
		return errRekey
	}
	if status != http.StatusOK {
		return &statusError{op: "post " + target, code: status}
	}
	return nil
}

func (d *Device) send(ctx context.Context, reg wire.LocalRegistration, method, target string, body []byte) (int, []byte, error) {
	u := "http://" + net.JoinHostPort(reg.IP, strconv.Itoa(reg.Port)) + target

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, out, nil
}

type statusError struct {
	op   string
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("devsim: %s: status %d", e.op, e.code)
}
