package lan

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/lanmode/lanmode-go/pkg/wire"
)

// CommandType classifies a command for poll serialisation.
type CommandType uint8

const (
	// CommandGeneric is delivered as a cmd entry.
	CommandGeneric CommandType = iota
	// CommandProperty is a property update delivered as a properties entry.
	CommandProperty
)

// String returns the command type name.
func (t CommandType) String() string {
	switch t {
	case CommandGeneric:
		return "GENERIC"
	case CommandProperty:
		return "PROPERTY"
	default:
		return "UNKNOWN"
	}
}

// Command is one unit of work delivered to a device inside a poll
// response. Command IDs are assigned when the owning task is enqueued.
//
// The request fields must not be changed after the task is added; the
// response, error and cancellation state are set by the session.
type Command struct {
	ID       uint32
	Type     CommandType
	Method   string
	Resource string
	URI      string
	Data     string

	// Property is the datapoint pushed by a CommandProperty command.
	Property *wire.Property

	// NeedsResponse is false for fire-and-forget commands, which complete
	// as soon as they are handed to the device.
	NeedsResponse bool

	// Identifier correlates a datapoint ack with this command.
	Identifier string

	// OnProgress is called with true when the command is handed to the
	// device.
	OnProgress func(cmd *Command, dispatched bool)

	// OnComplete is called once with the device response or the failure.
	OnComplete func(cmd *Command, resp json.RawMessage, err error)

	task *Task

	mu         sync.Mutex
	dispatched bool
	done       bool
	cancelled  bool
	response   json.RawMessage
	err        error
}

// Response returns the device response, if the command completed.
func (c *Command) Response() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

// Err returns the command failure, if any.
func (c *Command) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Cancelled reports whether the command was cancelled.
func (c *Command) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Dispatched reports whether the command was handed to the device.
func (c *Command) Dispatched() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatched
}

// Done reports whether the command has a terminal result.
func (c *Command) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Command) markDispatched() {
	c.mu.Lock()
	c.dispatched = true
	c.mu.Unlock()
}

// finish records the terminal result and reports whether it was the first.
func (c *Command) finish(resp json.RawMessage, err error, cancelled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return false
	}
	c.done = true
	c.response = resp
	c.err = err
	c.cancelled = cancelled
	return true
}

// pollKind reports how the command is carried in a poll response.
func (c *Command) pollKind() CommandType {
	if c.Type == CommandProperty && c.Property != nil {
		return CommandProperty
	}
	return CommandGeneric
}

func (c *Command) pollEntry(data *wire.PollData) {
	if c.pollKind() == CommandProperty {
		p := *c.Property
		if p.ID == "" {
			p.ID = c.Identifier
		}
		data.Properties = append(data.Properties, wire.PropertyEnvelope{Property: p})
		return
	}
	data.Cmds = append(data.Cmds, wire.CmdEnvelope{Cmd: wire.Cmd{
		CmdID:    c.ID,
		Method:   c.Method,
		Resource: c.Resource,
		Data:     c.Data,
		URI:      c.URI,
	}})
}

// GetPropertyCommand asks the device for the current value of a property.
func GetPropertyCommand(name string) *Command {
	return getProperty(name, "")
}

// GetNodePropertyCommand asks a gateway for a property of one of its nodes.
func GetNodePropertyCommand(dsn, name string) *Command {
	return getProperty(name, dsn)
}

func getProperty(name, dsn string) *Command {
	q := url.Values{}
	q.Set("name", name)
	uri := wire.PathDatapoint
	if dsn != "" {
		q.Set("dsn", dsn)
		uri = wire.PathNodeDatapoint
	}
	return &Command{
		Type:          CommandGeneric,
		Method:        http.MethodGet,
		Resource:      "property.json?" + q.Encode(),
		URI:           uri,
		NeedsResponse: true,
	}
}

// SetPropertyCommand pushes a property value to the device. When ackID is
// set the command completes on the device's datapoint ack, otherwise as
// soon as it is delivered.
func SetPropertyCommand(p wire.Property, ackID string) *Command {
	p.DSN = ""
	return setProperty(p, ackID)
}

// SetNodePropertyCommand pushes a property value to a gateway node.
func SetNodePropertyCommand(dsn string, p wire.Property, ackID string) *Command {
	p.DSN = dsn
	return setProperty(p, ackID)
}

func setProperty(p wire.Property, ackID string) *Command {
	p.ID = ackID
	uri := wire.PathDatapoint
	if p.DSN != "" {
		uri = wire.PathNodeDatapoint
	}
	return &Command{
		Type:          CommandProperty,
		Method:        http.MethodPost,
		Resource:      "property.json",
		URI:           uri,
		Property:      &p,
		NeedsResponse: ackID != "",
		Identifier:    ackID,
	}
}

// GenericCommand builds a raw device command.
func GenericCommand(method, resource, uri string, data json.RawMessage, needsResponse bool) *Command {
	return &Command{
		Type:          CommandGeneric,
		Method:        method,
		Resource:      resource,
		URI:           uri,
		Data:          string(data),
		NeedsResponse: needsResponse,
	}
}

// NodeConnStatusCommand asks a gateway for the connection status of nodes.
func NodeConnStatusCommand(dsns ...string) *Command {
	data, _ := json.Marshal(wire.ConnStatus{DSNs: dsns})
	return GenericCommand(http.MethodPost, "conn_status.json", wire.PathConnStatus, data, true)
}

// Setup mode resources.
const (
	ResourceStatus      = "status.json"
	ResourceTime        = "time.json"
	ResourceWiFiScan    = "wifi_scan.json"
	ResourceScanResults = "wifi_scan_results.json"
	ResourceWiFiConnect = "wifi_connect.json"
	ResourceWiFiStatus  = "wifi_status.json"
	ResourceStopAP      = "wifi_stop_ap.json"
)

func setupURI(resource string) string {
	return wire.PathPrefix + "/" + resource
}

// DeviceDetailsCommand asks a setup device for its identity and versions.
func DeviceDetailsCommand() *Command {
	return GenericCommand(http.MethodGet, ResourceStatus, setupURI(ResourceStatus), nil, true)
}

// SetTimeCommand sets the device clock to t, in Unix seconds.
func SetTimeCommand(t time.Time) *Command {
	data, _ := json.Marshal(map[string]int64{"time": t.Unix()})
	return GenericCommand(http.MethodPut, ResourceTime, setupURI(ResourceTime), data, true)
}

// StartScanCommand starts a Wi-Fi scan on a setup device.
func StartScanCommand() *Command {
	return GenericCommand(http.MethodPost, ResourceWiFiScan, setupURI(ResourceWiFiScan), nil, false)
}

// ScanResultsCommand fetches the results of the last Wi-Fi scan.
func ScanResultsCommand() *Command {
	return GenericCommand(http.MethodGet, ResourceScanResults, setupURI(ResourceScanResults), nil, true)
}

// ConnectCommand asks a setup device to join a Wi-Fi network.
func ConnectCommand(ssid, key, setupToken string) *Command {
	q := url.Values{}
	q.Set("ssid", ssid)
	if key != "" {
		q.Set("key", key)
	}
	if setupToken != "" {
		q.Set("setup_token", setupToken)
	}
	return GenericCommand(http.MethodPost, ResourceWiFiConnect+"?"+q.Encode(), setupURI(ResourceWiFiConnect), nil, true)
}

// WiFiStatusCommand asks for the Wi-Fi connection history of a setup device.
func WiFiStatusCommand() *Command {
	return GenericCommand(http.MethodGet, ResourceWiFiStatus, setupURI(ResourceWiFiStatus), nil, true)
}

// StopAPCommand tells a setup device to leave access point mode.
func StopAPCommand() *Command {
	return GenericCommand(http.MethodPut, ResourceStopAP, setupURI(ResourceStopAP), nil, false)
}
