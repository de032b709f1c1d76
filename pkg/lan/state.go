package lan

// State is the LAN session state.
type State uint8

// Session states.
const (
	StateReadyToOpen State = iota
	StateOpening
	StateActive
	StateClosing
	StateError
	StateDisabled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateReadyToOpen:
		return "READY_TO_OPEN"
	case StateOpening:
		return "OPENING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateError:
		return "ERROR"
	case StateDisabled:
		return "DISABLED"
	default:
		return "UNKNOWN"
	}
}

// Open reports whether the session is opening or active.
func (s State) Open() bool {
	return s == StateOpening || s == StateActive
}

// SessionType selects how the shared key is obtained.
type SessionType uint8

const (
	// SessionNormal uses the LAN key from the device's LAN config.
	SessionNormal SessionType = iota
	// SessionSetup receives the shared key RSA-encrypted from a device in
	// setup mode.
	SessionSetup
)

// String returns the session type name.
func (t SessionType) String() string {
	switch t {
	case SessionNormal:
		return "NORMAL"
	case SessionSetup:
		return "SETUP"
	default:
		return "UNKNOWN"
	}
}
