package lan

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/lanmode/lanmode-go/pkg/lanerr"
	"github.com/lanmode/lanmode-go/pkg/wire"
)

// DefaultDevicePort is the port devices serve local registration on.
const DefaultDevicePort = 80

// Notifier delivers local registration notices to a device, telling it
// where to reach the application (notify=1) or that the session is still
// wanted (notify=0).
type Notifier interface {
	Register(ctx context.Context, lanIP string, reg wire.LocalRegistration) error
}

// HTTPNotifier posts registrations to the device's local_reg.json.
type HTTPNotifier struct {
	// Client defaults to a client with a 5 second timeout.
	Client *http.Client

	// Port is the device port, DefaultDevicePort when zero.
	Port int
}

// Register posts reg to the device at lanIP. A missing reg.IP is filled
// with the local address the device is reachable from.
func (n *HTTPNotifier) Register(ctx context.Context, lanIP string, reg wire.LocalRegistration) error {
	if reg.IP == "" {
		ip, err := LocalIPFor(lanIP)
		if err != nil {
			return lanerr.Wrap(lanerr.DeviceDifferentLan, "local registration", err)
		}
		reg.IP = ip
	}
	body, err := wire.EncodeLocalRegistration(reg)
	if err != nil {
		return lanerr.Wrap(lanerr.LibraryInvalidParam, "local registration", err)
	}

	port := n.Port
	if port == 0 {
		port = DefaultDevicePort
	}
	target := "http://" + net.JoinHostPort(lanIP, strconv.Itoa(port)) + wire.PathLocalRegistration

	method := http.MethodPost
	if reg.Notify == 0 {
		method = http.MethodPut
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return lanerr.Wrap(lanerr.LibraryInvalidParam, "local registration", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return lanerr.Wrap(lanerr.DeviceDifferentLan, "local registration", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		e := lanerr.Wrap(lanerr.DeviceResponseError, "local registration",
			fmt.Errorf("device answered %s", resp.Status))
		e.Status = resp.StatusCode
		return e
	}
	return nil
}

// LocalIPFor returns the local address used to reach lanIP.
func LocalIPFor(lanIP string) (string, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(lanIP, "9"))
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

var _ Notifier = (*HTTPNotifier)(nil)
