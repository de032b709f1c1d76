package encryption

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/lanmode/lanmode-go/pkg/lanerr"
)

func newPair(t *testing.T) (app, dev *Session) {
	t.Helper()

	key := []byte("shared-lan-key-material")
	p := Params{Version: ProtocolVersion, Proto: CipherSuiteAESCTR, KeyID: 7, SessionID: 1, Inputs: testInputs}

	p.Role = RoleApp
	app, err := NewSession(key, p)
	if err != nil {
		t.Fatalf("NewSession(app) failed: %v", err)
	}
	p.Role = RoleDevice
	dev, err = NewSession(key, p)
	if err != nil {
		t.Fatalf("NewSession(device) failed: %v", err)
	}
	return app, dev
}

func TestSessionRoles(t *testing.T) {
	app, dev := newPair(t)

	if app.LocalRandom != testInputs.AppRandom || app.RemoteRandom != testInputs.DeviceRandom {
		t.Errorf("app randoms = %q/%q", app.LocalRandom, app.RemoteRandom)
	}
	if dev.LocalTime != testInputs.DeviceTime || dev.RemoteTime != testInputs.AppTime {
		t.Errorf("device times = %d/%d", dev.LocalTime, dev.RemoteTime)
	}
	if app.OutgoingDirection() != dev.IncomingDirection() {
		t.Error("app outgoing must equal device incoming")
	}
	if !bytes.Equal(app.AppSignKey(), dev.AppSignKey()) || !bytes.Equal(app.DevSignKey(), dev.DevSignKey()) {
		t.Error("both ends must derive the same sign keys")
	}
}

func TestSessionUnsupportedSuite(t *testing.T) {
	_, err := NewSession([]byte("k"), Params{Proto: 9, Inputs: testInputs})
	if !errors.Is(err, lanerr.DeviceNotSupport) {
		t.Errorf("err = %v, want DeviceNotSupport", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	app, dev := newPair(t)

	payloads := []string{
		`{}`,
		`{"property":{"name":"temp","value":21.5}}`,
		`[1,2,3]`,
		`"` + string(bytes.Repeat([]byte("x"), 4096)) + `"`,
	}

	for _, p := range payloads {
		env, err := app.Encrypt(AppToDevice, []byte(p))
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		got, err := dev.Decrypt(AppToDevice, env)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if string(got) != p {
			t.Errorf("round trip = %q, want %q", got, p)
		}
	}
}

func TestEncryptUsesFreshIV(t *testing.T) {
	app, _ := newPair(t)

	a, _ := app.Encrypt(AppToDevice, []byte(`{"a":1}`))
	b, _ := app.Encrypt(AppToDevice, []byte(`{"a":1}`))
	if a.Enc == b.Enc {
		t.Error("identical plaintexts must not produce identical ciphertexts")
	}
}

func TestDecryptWrongDirection(t *testing.T) {
	app, dev := newPair(t)

	env, _ := app.Encrypt(AppToDevice, []byte(`{"a":1}`))
	if _, err := dev.Decrypt(DeviceToApp, env); !errors.Is(err, lanerr.EncryptionFailure) {
		t.Errorf("err = %v, want EncryptionFailure", err)
	}
}

func TestDecryptTamperDetection(t *testing.T) {
	app, dev := newPair(t)

	env, err := app.Encrypt(AppToDevice, []byte(`{"cmd":"set","value":1}`))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(env.Enc)

	for i := 0; i < len(raw)*8; i++ {
		flipped := append([]byte(nil), raw...)
		flipped[i/8] ^= 1 << (i % 8)

		got, err := dev.Decrypt(AppToDevice, Envelope{
			Enc:  base64.StdEncoding.EncodeToString(flipped),
			Sign: env.Sign,
		})
		if !errors.Is(err, lanerr.EncryptionFailure) {
			t.Fatalf("bit %d: err = %v, plaintext = %q; want EncryptionFailure", i, err, got)
		}
	}

	sig, _ := base64.StdEncoding.DecodeString(env.Sign)
	sig[0] ^= 0x80
	_, err = dev.Decrypt(AppToDevice, Envelope{Enc: env.Enc, Sign: base64.StdEncoding.EncodeToString(sig)})
	if !errors.Is(err, lanerr.EncryptionFailure) {
		t.Errorf("tampered signature: err = %v, want EncryptionFailure", err)
	}
}

func TestDecryptMalformed(t *testing.T) {
	_, dev := newPair(t)

	tests := []struct {
		name string
		env  Envelope
	}{
		{"bad base64", Envelope{Enc: "!!", Sign: "AA=="}},
		{"short", Envelope{Enc: base64.StdEncoding.EncodeToString([]byte("short")), Sign: "AA=="}},
		{"empty", Envelope{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := dev.Decrypt(AppToDevice, tt.env); !errors.Is(err, lanerr.EncryptionFailure) {
				t.Errorf("err = %v, want EncryptionFailure", err)
			}
		})
	}
}

func TestSealOpenSequence(t *testing.T) {
	app, dev := newPair(t)

	first, err := app.Seal(AppToDevice, map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	second, _ := app.Seal(AppToDevice, map[string]int{"n": 2})

	data, err := dev.Open(AppToDevice, first)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal(data, &got); err != nil || got["n"] != 1 {
		t.Errorf("Open data = %s, err = %v", data, err)
	}

	if _, err := dev.Open(AppToDevice, second); err != nil {
		t.Fatalf("Open second failed: %v", err)
	}

	// Replaying an already accepted message must fail.
	if _, err := dev.Open(AppToDevice, first); !errors.Is(err, lanerr.EncryptionFailure) {
		t.Errorf("replay err = %v, want EncryptionFailure", err)
	}
}

func TestSealDirectionsIndependent(t *testing.T) {
	app, dev := newPair(t)

	up, _ := dev.Seal(DeviceToApp, "up")
	down, _ := app.Seal(AppToDevice, "down")

	if _, err := app.Open(DeviceToApp, up); err != nil {
		t.Errorf("app.Open failed: %v", err)
	}
	if _, err := dev.Open(AppToDevice, down); err != nil {
		t.Errorf("dev.Open failed: %v", err)
	}
}

func TestDestroy(t *testing.T) {
	app, _ := newPair(t)
	signKey := app.keys.AppSignKey

	app.Destroy()

	if !bytes.Equal(signKey, make([]byte, len(signKey))) {
		t.Error("Destroy must zero key material")
	}
	if _, err := app.Encrypt(AppToDevice, []byte("{}")); !errors.Is(err, ErrSessionDestroyed) {
		t.Errorf("Encrypt after Destroy err = %v, want ErrSessionDestroyed", err)
	}
}
