package wire

import (
	"strings"

	"github.com/lanmode/lanmode-go/pkg/router"
)

// PathPrefix is the common prefix of all LAN protocol paths.
const PathPrefix = router.PathPrefix

// Protocol paths served by the application.
const (
	PathCommands         = PathPrefix + "/commands.json"
	PathDatapoint        = PathPrefix + "/property/datapoint.json"
	PathNodeDatapoint    = PathPrefix + "/node/property/datapoint.json"
	PathKeyExchange      = PathPrefix + "/key_exchange.json"
	PathConnStatus       = PathPrefix + "/connect_status"
	PathDatapointAck     = PathPrefix + "/property/datapoint/ack.json"
	PathNodeDatapointAck = PathPrefix + "/node/property/datapoint/ack.json"
)

// PathLocalRegistration is served by the device; the application posts
// registration notices to it.
const PathLocalRegistration = PathPrefix + "/local_reg.json"

const nodePrefix = PathPrefix + "/node/"

// MessageType identifies the kind of a device message.
type MessageType uint8

// Message types.
const (
	TypeUnknown MessageType = iota
	TypeCommands
	TypeDatapointUpdate
	TypeKeyExchange
	TypeConnStatus
	TypeDatapointAck
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case TypeCommands:
		return "COMMANDS"
	case TypeDatapointUpdate:
		return "DATAPOINT_UPDATE"
	case TypeKeyExchange:
		return "KEY_EXCHANGE"
	case TypeConnStatus:
		return "CONN_STATUS"
	case TypeDatapointAck:
		return "DATAPOINT_ACK"
	default:
		return "UNKNOWN"
	}
}

// Cleartext reports whether bodies of this type travel unencrypted.
func (t MessageType) Cleartext() bool {
	return t == TypeCommands || t == TypeKeyExchange
}

// TypeForPath returns the message type for a request path.
// Paths outside PathPrefix and unrecognised paths yield TypeUnknown.
func TypeForPath(path string) MessageType {
	switch strings.TrimSuffix(path, "/") {
	case PathCommands:
		return TypeCommands
	case PathDatapoint, PathNodeDatapoint:
		return TypeDatapointUpdate
	case PathKeyExchange:
		return TypeKeyExchange
	case PathConnStatus:
		return TypeConnStatus
	case PathDatapointAck, PathNodeDatapointAck:
		return TypeDatapointAck
	}
	return TypeUnknown
}

// IsNodePath reports whether path addresses a gateway node resource.
func IsNodePath(path string) bool {
	return strings.HasPrefix(path, nodePrefix)
}
