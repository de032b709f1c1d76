package devsim

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lanmode/lanmode-go/pkg/lan"
	"github.com/lanmode/lanmode-go/pkg/wire"
)

// DeviceDetails is the status.json answer of a setup device.
type DeviceDetails struct {
	DSN        string   `json:"dsn"`
	Model      string   `json:"model"`
	APIVersion string   `json:"api_version"`
	Build      string   `json:"build"`
	MAC        string   `json:"mac"`
	Features   []string `json:"features"`
}

// ScanResult is one network of a Wi-Fi scan.
type ScanResult struct {
	SSID     string `json:"ssid"`
	Type     string `json:"type"`
	Channel  int    `json:"chan"`
	Signal   int    `json:"signal"`
	Bars     int    `json:"bars"`
	Security string `json:"security"`
	BSSID    string `json:"bssid"`
}

// WiFiStatus reports the connection history of a setup device.
type WiFiStatus struct {
	DSN            string           `json:"dsn"`
	DeviceService  string           `json:"device_service"`
	MAC            string           `json:"mac"`
	ConnectedSSID  string           `json:"connected_ssid,omitempty"`
	ConnectHistory []ConnectAttempt `json:"connect_history"`
}

// ConnectAttempt is one entry of the Wi-Fi connection history.
type ConnectAttempt struct {
	SSID  string `json:"ssid_info"`
	Error int    `json:"error"`
	MTime int64  `json:"mtime"`
}

type setupState struct {
	clock     int64
	scanned   bool
	connected string
	history   []ConnectAttempt
	apStopped bool
}

// SetupState reports what a setup session did to the device.
func (d *Device) SetupState() (clock int64, connectedSSID string, apStopped bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setup.clock, d.setup.connected, d.setup.apStopped
}

var scanResults = []ScanResult{
	{SSID: "home", Type: "AP", Channel: 6, Signal: -48, Bars: 3, Security: "WPA2_Personal", BSSID: "a0:b1:c2:d3:e4:f5"},
	{SSID: "guest", Type: "AP", Channel: 11, Signal: -71, Bars: 1, Security: "None", BSSID: "a0:b1:c2:d3:e4:f6"},
}

func (d *Device) process(ctx context.Context, data wire.PollData) {
	for _, pe := range data.Properties {
		d.applyProperty(ctx, pe.Property)
	}
	for _, ce := range data.Cmds {
		d.execute(ctx, ce.Cmd)
	}
}

func (d *Device) applyProperty(ctx context.Context, p wire.Property) {
	status := http.StatusOK
	d.mu.Lock()
	if d.readOnly[p.Name] {
		status = http.StatusForbidden
	} else {
		stored := p
		stored.ID = ""
		d.props[propKey(p.DSN, p.Name)] = stored
	}
	d.mu.Unlock()

	if p.ID == "" {
		return
	}
	path := wire.PathDatapointAck
	if p.DSN != "" {
		path = wire.PathNodeDatapointAck
	}
	ack := wire.DatapointAck{ID: p.ID, Status: status, AckStatus: status}
	if err := d.post(ctx, path, ack); err != nil {
		d.debugLog("devsim: ack failed", "id", p.ID, "error", err)
	}
}

// execute runs one command and answers it at its URI.
func (d *Device) execute(ctx context.Context, c wire.Cmd) {
	resource, query := splitResource(c.Resource)
	status, data, reply := d.run(c, resource, query)
	if !reply {
		return
	}
	if err := d.respond(ctx, c.URI, c.CmdID, status, data); err != nil {
		d.debugLog("devsim: response failed", "cmd_id", c.CmdID, "error", err)
	}
}

// run returns the status and data to answer with, and whether the command
// expects an answer at all.
func (d *Device) run(c wire.Cmd, resource string, query url.Values) (int, any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch resource {
	case "property.json":
		p, ok := d.props[propKey(query.Get("dsn"), query.Get("name"))]
		if !ok {
			return http.StatusNotFound, nil, true
		}
		return http.StatusOK, p, true

	case "conn_status.json":
		var req wire.ConnStatus
		_ = json.Unmarshal([]byte(c.Data), &req)
		known := make(map[string]bool, len(d.config.Nodes))
		for _, n := range d.config.Nodes {
			known[n] = true
		}
		var online []string
		for _, dsn := range req.DSNs {
			if known[dsn] {
				online = append(online, dsn)
			}
		}
		return http.StatusOK, []wire.ConnStatus{{DSNs: online, Status: "Online"}}, true

	case lan.ResourceStatus:
		return http.StatusOK, DeviceDetails{
			DSN:        d.config.DSN,
			Model:      d.config.Model,
			APIVersion: "1.0",
			Build:      "devsim",
			MAC:        "02:00:00:00:00:01",
			Features:   []string{"ap-sta", "wps"},
		}, true

	case lan.ResourceTime:
		var t struct {
			Time int64 `json:"time"`
		}
		if err := json.Unmarshal([]byte(c.Data), &t); err != nil {
			return http.StatusBadRequest, nil, true
		}
		d.setup.clock = t.Time
		return http.StatusOK, nil, true

	case lan.ResourceWiFiScan:
		d.setup.scanned = true
		return 0, nil, false

	case lan.ResourceScanResults:
		if !d.setup.scanned {
			return http.StatusNotFound, nil, true
		}
		return http.StatusOK, map[string]any{"wifi_scan": map[string]any{
			"mtime":   time.Now().Unix(),
			"results": scanResults,
		}}, true

	case lan.ResourceWiFiConnect:
		ssid := query.Get("ssid")
		attempt := ConnectAttempt{SSID: ssid, MTime: time.Now().Unix()}
		found := false
		for _, r := range scanResults {
			found = found || r.SSID == ssid
		}
		if !found {
			attempt.Error = 20
			d.setup.history = append([]ConnectAttempt{attempt}, d.setup.history...)
			return http.StatusNotFound, nil, true
		}
		d.setup.connected = ssid
		d.setup.history = append([]ConnectAttempt{attempt}, d.setup.history...)
		return http.StatusOK, nil, true

	case lan.ResourceWiFiStatus:
		return http.StatusOK, map[string]any{"wifi_status": WiFiStatus{
			DSN:            d.config.DSN,
			DeviceService:  "ads-dev.example.com",
			MAC:            "02:00:00:00:00:01",
			ConnectedSSID:  d.setup.connected,
			ConnectHistory: d.setup.history,
		}}, true

	case lan.ResourceStopAP:
		d.setup.apStopped = true
		return 0, nil, false
	}
	return http.StatusNotFound, nil, true
}

func splitResource(resource string) (string, url.Values) {
	path, rawQuery, _ := strings.Cut(resource, "?")
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		q = url.Values{}
	}
	return path, q
}
