package discovery

import (
	"fmt"
	"net"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

// Advertiser announces a simulated device so resolvers can find it.
type Advertiser struct {
	mu     sync.Mutex
	server *zeroconf.Server
}

// Advertise registers the device under its DSN. Any earlier announcement is
// withdrawn first.
func (a *Advertiser) Advertise(config Config, dsn string, port int, text map[string]string) error {
	if config.Service == "" {
		config.Service = DefaultService
	}
	if config.Domain == "" {
		config.Domain = DefaultDomain
	}

	records := []string{TXTKeyDSN + "=" + dsn}
	for k, v := range text {
		if k != TXTKeyDSN {
			records = append(records, k+"="+v)
		}
	}

	var ifaces []net.Interface
	if config.Interface != "" {
		if iface, err := net.InterfaceByName(config.Interface); err == nil {
			ifaces = []net.Interface{*iface}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	server, err := zeroconf.Register(dsn, config.Service, config.Domain, port, records, ifaces)
	if err != nil {
		return fmt.Errorf("advertise %s: %w", dsn, err)
	}
	a.server = server
	return nil
}

// Stop withdraws the announcement.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
