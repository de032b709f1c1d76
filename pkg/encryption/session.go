package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"

	"github.com/lanmode/lanmode-go/pkg/lanerr"
)

// Direction selects the key set used for a message.
type Direction uint8

const (
	// AppToDevice protects messages sent by the application.
	AppToDevice Direction = iota
	// DeviceToApp protects messages sent by the device.
	DeviceToApp
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case AppToDevice:
		return "APP_TO_DEVICE"
	case DeviceToApp:
		return "DEVICE_TO_APP"
	default:
		return "UNKNOWN"
	}
}

// Role is the side of the exchange a Session belongs to.
type Role uint8

const (
	// RoleApp is the application (router) side.
	RoleApp Role = iota
	// RoleDevice is the device side.
	RoleDevice
)

// Session errors.
var (
	ErrSessionDestroyed = errors.New("encryption session destroyed")
	errShortCiphertext  = errors.New("ciphertext too short")
	errBadSignature     = errors.New("signature mismatch")
	errReplay           = errors.New("sequence number not increasing")
)

// Envelope is the encrypted wire form of a payload.
type Envelope struct {
	Enc  string `json:"enc"`
	Sign string `json:"sign"`
}

// Params describes one completed key exchange.
type Params struct {
	Version   int
	Proto     int
	KeyID     int
	SessionID int
	Role      Role
	Inputs    Inputs
}

// Session holds the state of one negotiated encryption session.
// It is safe for concurrent use.
type Session struct {
	Version   int
	Proto     int
	KeyID     int
	SessionID int

	LocalRandom  string
	RemoteRandom string
	LocalTime    int64
	RemoteTime   int64

	mu        sync.Mutex
	role      Role
	keys      Keys
	sealSeq   [2]uint32
	openSeq   [2]uint32
	destroyed bool
}

// NewSession derives keys for a key exchange and returns the session.
func NewSession(sharedKey []byte, p Params) (*Session, error) {
	if p.Proto != 0 && p.Proto != CipherSuiteAESCTR {
		return nil, lanerr.New(lanerr.DeviceNotSupport, "new session: unsupported cipher suite")
	}
	keys, err := DeriveKeys(sharedKey, p.Inputs)
	if err != nil {
		return nil, err
	}

	s := &Session{
		Version:   p.Version,
		Proto:     p.Proto,
		KeyID:     p.KeyID,
		SessionID: p.SessionID,
		role:      p.Role,
		keys:      keys,
	}
	if p.Role == RoleApp {
		s.LocalRandom, s.RemoteRandom = p.Inputs.AppRandom, p.Inputs.DeviceRandom
		s.LocalTime, s.RemoteTime = p.Inputs.AppTime, p.Inputs.DeviceTime
	} else {
		s.LocalRandom, s.RemoteRandom = p.Inputs.DeviceRandom, p.Inputs.AppRandom
		s.LocalTime, s.RemoteTime = p.Inputs.DeviceTime, p.Inputs.AppTime
	}
	return s, nil
}

// Role returns the side this session belongs to.
func (s *Session) Role() Role {
	return s.role
}

// AppSignKey returns a copy of the application sign key.
func (s *Session) AppSignKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.keys.AppSignKey...)
}

// DevSignKey returns a copy of the device sign key.
func (s *Session) DevSignKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.keys.DevSignKey...)
}

// OutgoingDirection returns the direction this session seals in.
func (s *Session) OutgoingDirection() Direction {
	if s.role == RoleApp {
		return AppToDevice
	}
	return DeviceToApp
}

// IncomingDirection returns the direction this session opens.
func (s *Session) IncomingDirection() Direction {
	if s.role == RoleApp {
		return DeviceToApp
	}
	return AppToDevice
}

func (s *Session) keysFor(dir Direction) (sign, crypt []byte) {
	if dir == AppToDevice {
		return s.keys.AppSignKey, s.keys.AppCryptKey
	}
	return s.keys.DevSignKey, s.keys.DevCryptKey
}

// Encrypt encrypts and signs plaintext with the keys of dir.
func (s *Session) Encrypt(dir Direction, plaintext []byte) (Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encryptLocked(dir, plaintext)
}

func (s *Session) encryptLocked(dir Direction, plaintext []byte) (Envelope, error) {
	if s.destroyed {
		return Envelope{}, lanerr.Wrap(lanerr.EncryptionFailure, "encrypt", ErrSessionDestroyed)
	}
	sign, crypt := s.keysFor(dir)

	block, err := aes.NewCipher(crypt)
	if err != nil {
		return Envelope{}, lanerr.Wrap(lanerr.EncryptionFailure, "encrypt", err)
	}
	out := make([]byte, aes.BlockSize+len(plaintext))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, lanerr.Wrap(lanerr.KeyGenerationFailure, "encrypt", err)
	}
	cipher.NewCTR(block, iv).XORKeyStream(out[aes.BlockSize:], plaintext)

	return Envelope{
		Enc:  base64.StdEncoding.EncodeToString(out),
		Sign: base64.StdEncoding.EncodeToString(HMAC(sign, out)),
	}, nil
}

// Decrypt verifies and decrypts an envelope with the keys of dir.
// The signature is checked before decryption; any mismatch yields
// EncryptionFailure.
func (s *Session) Decrypt(dir Direction, env Envelope) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decryptLocked(dir, env)
}

func (s *Session) decryptLocked(dir Direction, env Envelope) ([]byte, error) {
	if s.destroyed {
		return nil, lanerr.Wrap(lanerr.EncryptionFailure, "decrypt", ErrSessionDestroyed)
	}
	data, err := base64.StdEncoding.DecodeString(env.Enc)
	if err != nil {
		return nil, lanerr.Wrap(lanerr.EncryptionFailure, "decrypt", err)
	}
	mac, err := base64.StdEncoding.DecodeString(env.Sign)
	if err != nil {
		return nil, lanerr.Wrap(lanerr.EncryptionFailure, "decrypt", err)
	}
	if len(data) <= aes.BlockSize {
		return nil, lanerr.Wrap(lanerr.EncryptionFailure, "decrypt", errShortCiphertext)
	}

	sign, crypt := s.keysFor(dir)
	if !hmac.Equal(mac, HMAC(sign, data)) {
		return nil, lanerr.Wrap(lanerr.EncryptionFailure, "decrypt", errBadSignature)
	}

	block, err := aes.NewCipher(crypt)
	if err != nil {
		return nil, lanerr.Wrap(lanerr.EncryptionFailure, "decrypt", err)
	}
	plaintext := make([]byte, len(data)-aes.BlockSize)
	cipher.NewCTR(block, data[:aes.BlockSize]).XORKeyStream(plaintext, data[aes.BlockSize:])
	return plaintext, nil
}

// sequenced is the plaintext layout of every encrypted message.
type sequenced struct {
	SeqNo uint32          `json:"seq_no"`
	Data  json.RawMessage `json:"data"`
}

// Seal marshals data under the next sequence number of dir and encrypts it.
func (s *Session) Seal(dir Direction, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, lanerr.Wrap(lanerr.LibraryInvalidParam, "seal", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sealSeq[dir]++
	plaintext, err := json.Marshal(sequenced{SeqNo: s.sealSeq[dir], Data: raw})
	if err != nil {
		return Envelope{}, lanerr.Wrap(lanerr.LibraryInvalidParam, "seal", err)
	}
	return s.encryptLocked(dir, plaintext)
}

// Open decrypts an envelope sealed for dir and returns its data.
// Sequence numbers must strictly increase per direction.
func (s *Session) Open(dir Direction, env Envelope) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := s.decryptLocked(dir, env)
	if err != nil {
		return nil, err
	}
	var msg sequenced
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, lanerr.Wrap(lanerr.DeviceResponseError, "open", err)
	}
	if msg.SeqNo <= s.openSeq[dir] {
		return nil, lanerr.Wrap(lanerr.EncryptionFailure, "open", errReplay)
	}
	s.openSeq[dir] = msg.SeqNo
	return msg.Data, nil
}

// Destroy zeroes the key material. Further use fails with EncryptionFailure.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range [][]byte{s.keys.AppSignKey, s.keys.DevSignKey, s.keys.AppCryptKey, s.keys.DevCryptKey} {
		clear(k)
	}
	s.destroyed = true
}
