package wire

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/lanmode/lanmode-go/pkg/encryption"
	"github.com/lanmode/lanmode-go/pkg/lanerr"
)

// ErrMissingField is returned when a required field is absent.
var ErrMissingField = errors.New("missing required field")

// Sealer seals outgoing data. *encryption.Session implements it.
type Sealer interface {
	Seal(dir encryption.Direction, data any) (encryption.Envelope, error)
	OutgoingDirection() encryption.Direction
}

// CommandToRequestBody serialises poll data into a sealed body.
func CommandToRequestBody(data PollData, s Sealer) ([]byte, error) {
	return SealBody(data, s)
}

// SealBody seals data in the sender's direction and returns the envelope JSON.
func SealBody(data any, s Sealer) ([]byte, error) {
	if s == nil {
		return nil, lanerr.Wrap(lanerr.EncryptionFailure, "seal body", ErrNoSession)
	}
	env, err := s.Seal(s.OutgoingDirection(), data)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, lanerr.Wrap(lanerr.LibraryInvalidParam, "seal body", err)
	}
	return out, nil
}

// OpenBody opens a sealed body in the receiver's direction and returns the
// data member.
func OpenBody(body []byte, d Decrypter) (json.RawMessage, error) {
	if d == nil {
		return nil, lanerr.Wrap(lanerr.EncryptionFailure, "open body", ErrNoSession)
	}
	var env encryption.Envelope
	if err := json.Unmarshal(bytes.TrimSpace(body), &env); err != nil {
		return nil, lanerr.Wrap(lanerr.DeviceResponseError, "open body", err)
	}
	return d.Open(d.IncomingDirection(), env)
}

// EncodeKeyExchange returns the cleartext key exchange body.
func EncodeKeyExchange(kx KeyExchange) ([]byte, error) {
	return json.Marshal(KeyExchangeRequest{KeyExchange: kx})
}

// DecodeKeyExchange parses a key exchange message.
func DecodeKeyExchange(msg *Message) (KeyExchange, error) {
	var req KeyExchangeRequest
	if err := msg.Decode(&req); err != nil {
		return KeyExchange{}, err
	}
	kx := req.KeyExchange
	if kx.Random1 == "" || kx.Version == 0 {
		return KeyExchange{}, lanerr.Wrap(lanerr.DeviceResponseError, "decode key exchange", ErrMissingField)
	}
	return kx, nil
}

// EncodeLocalRegistration returns the registration body a device expects.
func EncodeLocalRegistration(reg LocalRegistration) ([]byte, error) {
	return json.Marshal(LocalRegistrationRequest{LocalReg: reg})
}

// DecodeLocalRegistration parses a registration body.
func DecodeLocalRegistration(body []byte) (LocalRegistration, error) {
	var req LocalRegistrationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return LocalRegistration{}, lanerr.Wrap(lanerr.DeviceResponseError, "decode local registration", err)
	}
	if req.LocalReg.IP == "" || req.LocalReg.Port == 0 {
		return LocalRegistration{}, lanerr.Wrap(lanerr.DeviceResponseError, "decode local registration", ErrMissingField)
	}
	return req.LocalReg, nil
}
