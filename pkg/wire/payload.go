package wire

import "encoding/json"

// KeyExchange is the handshake a device sends to start a session.
//
//	{"key_exchange": {"ver":1, "random_1":"...", "time_1":123, "proto":1, "key_id":7}}
//
// Setup devices omit key_id and carry the shared secret RSA-encrypted to the
// application public key in sec.
type KeyExchange struct {
	Version   int    `json:"ver"`
	Random1   string `json:"random_1"`
	Time1     int64  `json:"time_1"`
	Proto     int    `json:"proto"`
	KeyID     int    `json:"key_id,omitempty"`
	SessionID int    `json:"session_id,omitempty"`
	Sec       string `json:"sec,omitempty"`
}

// KeyExchangeRequest is the top-level key exchange body.
type KeyExchangeRequest struct {
	KeyExchange KeyExchange `json:"key_exchange"`
}

// KeyExchangeResponse is the application's answer to a key exchange.
type KeyExchangeResponse struct {
	Random2 string `json:"random_2"`
	Time2   int64  `json:"time_2"`
}

// Cmd is one command delivered in a poll response.
type Cmd struct {
	CmdID    uint32 `json:"cmd_id"`
	Method   string `json:"method"`
	Resource string `json:"resource"`
	Data     string `json:"data"`
	URI      string `json:"uri"`
}

// CmdEnvelope wraps a Cmd in a poll response.
type CmdEnvelope struct {
	Cmd Cmd `json:"cmd"`
}

// Property is a datapoint pushed to a device or reported by it.
// DSN is set for gateway node properties.
type Property struct {
	DSN      string          `json:"dsn,omitempty"`
	Name     string          `json:"name"`
	BaseType string          `json:"base_type,omitempty"`
	Value    json.RawMessage `json:"value"`
	ID       string          `json:"id,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// PropertyEnvelope wraps a Property in a poll response.
type PropertyEnvelope struct {
	Property Property `json:"property"`
}

// PollData is the data member of a sealed poll response.
// A response carries either commands or property updates.
type PollData struct {
	Cmds       []CmdEnvelope      `json:"cmds,omitempty"`
	Properties []PropertyEnvelope `json:"properties,omitempty"`
}

// Len returns the number of entries in the poll data.
func (d PollData) Len() int {
	return len(d.Cmds) + len(d.Properties)
}

// DatapointAck confirms that a device applied a property update.
type DatapointAck struct {
	ID         string `json:"id"`
	Status     int    `json:"status,omitempty"`
	AckStatus  int    `json:"ack_status,omitempty"`
	AckMessage int    `json:"ack_message,omitempty"`
}

// ConnStatus reports gateway node connectivity.
type ConnStatus struct {
	DSNs   []string `json:"dsns"`
	Status string   `json:"status"`
}

// LocalRegistration asks a device to start (notify=1) or keep (notify=0)
// talking to the application at the given address.
type LocalRegistration struct {
	URI    string `json:"uri"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	Notify int    `json:"notify"`
	Key    string `json:"key,omitempty"`
}

// LocalRegistrationRequest is the top-level registration body.
type LocalRegistrationRequest struct {
	LocalReg LocalRegistration `json:"local_reg"`
}
