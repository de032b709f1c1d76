package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"

	"github.com/lanmode/lanmode-go/pkg/encryption"
	"github.com/lanmode/lanmode-go/pkg/lanerr"
	"github.com/lanmode/lanmode-go/pkg/router"
)

// Query parameters set by devices on command callbacks.
const (
	ParamCmdID  = "cmd_id"
	ParamStatus = "status"
)

// Codec errors.
var (
	ErrNoSession   = errors.New("no encryption session")
	ErrInvalidJSON = errors.New("invalid JSON body")
)

// Decrypter opens sealed message bodies. *encryption.Session implements it.
type Decrypter interface {
	Open(dir encryption.Direction, env encryption.Envelope) (json.RawMessage, error)
	IncomingDirection() encryption.Direction
}

// Message is a decoded unit received from a device.
type Message struct {
	Type   MessageType
	Method string
	URL    string
	Path   string
	Params url.Values

	// Raw is the request body as received.
	Raw []byte

	// JSON is the cleartext body for cleartext types, or the decrypted
	// data member for sealed types. Nil for an empty body.
	JSON json.RawMessage
}

// CmdID returns the cmd_id query parameter, or 0.
func (m *Message) CmdID() uint32 {
	v, err := strconv.ParseUint(m.Params.Get(ParamCmdID), 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

// Status returns the status query parameter, or 0.
func (m *Message) Status() int {
	v, err := strconv.Atoi(m.Params.Get(ParamStatus))
	if err != nil {
		return 0
	}
	return v
}

// IsCallback reports whether the message answers a command.
func (m *Message) IsCallback() bool {
	return m.CmdID() != 0
}

// IsNode reports whether the message concerns a gateway node.
func (m *Message) IsNode() bool {
	return IsNodePath(m.Path)
}

// Decode unmarshals the message JSON into v.
func (m *Message) Decode(v any) error {
	if len(m.JSON) == 0 {
		return lanerr.Wrap(lanerr.DeviceResponseError, "decode "+m.Type.String(), ErrInvalidJSON)
	}
	if err := json.Unmarshal(m.JSON, v); err != nil {
		return lanerr.Wrap(lanerr.DeviceResponseError, "decode "+m.Type.String(), err)
	}
	return nil
}

// MessageFromRequest decodes a router request. Cleartext types keep their
// body as JSON; every other non-empty body is opened with dec. A failure
// never yields a partial message: malformed bodies fail with
// DeviceResponseError, signature or decryption failures with
// EncryptionFailure.
func MessageFromRequest(req *router.Request, dec Decrypter) (*Message, error) {
	u, err := url.ParseRequestURI(req.URI)
	if err != nil {
		return nil, lanerr.Wrap(lanerr.DeviceResponseError, "parse request uri", err)
	}

	msg := &Message{
		Type:   TypeForPath(u.Path),
		Method: req.Method,
		URL:    req.URI,
		Path:   u.Path,
		Params: u.Query(),
		Raw:    req.Body,
	}

	body := bytes.TrimSpace(req.Body)
	if len(body) == 0 {
		return msg, nil
	}

	if msg.Type.Cleartext() {
		if !json.Valid(body) {
			return nil, lanerr.Wrap(lanerr.DeviceResponseError, "decode "+msg.Type.String(), ErrInvalidJSON)
		}
		msg.JSON = json.RawMessage(body)
		return msg, nil
	}

	var env encryption.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, lanerr.Wrap(lanerr.DeviceResponseError, "decode envelope", err)
	}
	if env.Enc == "" || env.Sign == "" {
		return nil, lanerr.Wrap(lanerr.DeviceResponseError, "decode envelope", ErrInvalidJSON)
	}
	if dec == nil {
		return nil, lanerr.Wrap(lanerr.EncryptionFailure, "decode "+msg.Type.String(), ErrNoSession)
	}

	data, err := dec.Open(dec.IncomingDirection(), env)
	if err != nil {
		return nil, err
	}
	msg.JSON = data
	return msg, nil
}
