package log

import "time"

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// RequestID identifies the HTTP exchange the event belongs to (UUID).
	// Empty for events not tied to a request, such as keepalive ticks.
	RequestID string `cbor:"2,keyasint,omitempty"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// LocalRole indicates whether this is the application or a device.
	LocalRole Role `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer address (IP:port).
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// LanIP is the device LAN IP the event is about.
	LanIP string `cbor:"8,keyasint,omitempty"`

	// DSN is the device serial number, if known.
	DSN string `cbor:"9,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	HTTP        *HTTPEvent        `cbor:"10,keyasint,omitempty"` // Router layer
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"` // Wire layer (decoded)
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // Session state
	ControlMsg  *ControlMsgEvent  `cbor:"13,keyasint,omitempty"` // Keepalive/registration
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerRouter is the embedded HTTP server (raw requests).
	LayerRouter Layer = 0
	// LayerWire is the message codec layer (decoded JSON).
	LayerWire Layer = 1
	// LayerSession is the session state machine.
	LayerSession Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerRouter:
		return "ROUTER"
	case LayerWire:
		return "WIRE"
	case LayerSession:
		return "SESSION"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a protocol message.
	CategoryMessage Category = 0
	// CategoryControl indicates keepalive and registration traffic.
	CategoryControl Category = 1
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role indicates whether the local endpoint is the application or a device.
type Role uint8

const (
	// RoleApp indicates the application side.
	RoleApp Role = 0
	// RoleDevice indicates a (simulated) device.
	RoleDevice Role = 1
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleApp:
		return "APP"
	case RoleDevice:
		return "DEVICE"
	default:
		return "UNKNOWN"
	}
}

// HTTPEvent captures a raw request or response at the router.
type HTTPEvent struct {
	// Method is the HTTP method (requests only).
	Method string `cbor:"1,keyasint,omitempty"`

	// Path is the request URI (requests only).
	Path string `cbor:"2,keyasint,omitempty"`

	// StatusCode is the HTTP status (responses only).
	StatusCode int `cbor:"3,keyasint,omitempty"`

	// Size is the body size in bytes.
	Size int `cbor:"4,keyasint"`

	// Body is the raw body (may be truncated for large bodies).
	Body []byte `cbor:"5,keyasint,omitempty"`

	// Truncated indicates if Body was truncated.
	Truncated bool `cbor:"6,keyasint,omitempty"`
}

// MaxCapturedBody bounds HTTPEvent.Body.
const MaxCapturedBody = 4096

// NewHTTPEvent builds an HTTPEvent, truncating body to MaxCapturedBody.
func NewHTTPEvent(method, path string, status int, body []byte) *HTTPEvent {
	ev := &HTTPEvent{Method: method, Path: path, StatusCode: status, Size: len(body)}
	if len(body) > MaxCapturedBody {
		ev.Body = append([]byte(nil), body[:MaxCapturedBody]...)
		ev.Truncated = true
	} else if len(body) > 0 {
		ev.Body = append([]byte(nil), body...)
	}
	return ev
}

// MessageEvent captures a decoded protocol message at the wire layer.
type MessageEvent struct {
	// Type is the LAN message type name (e.g. "DATAPOINT_UPDATE").
	Type string `cbor:"1,keyasint"`

	// CmdID correlates a callback with its command (0 if none).
	CmdID uint32 `cbor:"2,keyasint,omitempty"`

	// Status is the device-reported status of a callback.
	Status int `cbor:"3,keyasint,omitempty"`

	// Commands is the number of commands carried by a poll response.
	Commands int `cbor:"4,keyasint,omitempty"`

	// Payload is the decrypted JSON data.
	Payload []byte `cbor:"5,keyasint,omitempty"`

	// ProcessingTime is the duration from request receipt to response send.
	// Stored as nanoseconds.
	ProcessingTime *time.Duration `cbor:"6,keyasint,omitempty"`
}

// StateChangeEvent captures session lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntitySession indicates a LAN session state change.
	StateEntitySession StateEntity = 0
	// StateEntityResponder indicates a router registration change.
	StateEntityResponder StateEntity = 1
	// StateEntityTask indicates a task resolution.
	StateEntityTask StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntitySession:
		return "SESSION"
	case StateEntityResponder:
		return "RESPONDER"
	case StateEntityTask:
		return "TASK"
	default:
		return "UNKNOWN"
	}
}

// ControlMsgEvent captures session control traffic.
type ControlMsgEvent struct {
	// Type of control message.
	Type ControlMsgType `cbor:"1,keyasint"`

	// Notify is the registration notify flag (registrations only).
	Notify *int `cbor:"2,keyasint,omitempty"`
}

// ControlMsgType indicates the type of control message.
type ControlMsgType uint8

const (
	// ControlMsgKeepAlive indicates a keepalive tick.
	ControlMsgKeepAlive ControlMsgType = 0
	// ControlMsgRegistration indicates a local registration notice.
	ControlMsgRegistration ControlMsgType = 1
	// ControlMsgKeyExchange indicates a completed key exchange.
	ControlMsgKeyExchange ControlMsgType = 2
)

// String returns the control message type name.
func (c ControlMsgType) String() string {
	switch c {
	case ControlMsgKeepAlive:
		return "KEEPALIVE"
	case ControlMsgRegistration:
		return "REGISTRATION"
	case ControlMsgKeyExchange:
		return "KEY_EXCHANGE"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Code is the LAN error code (if applicable).
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
