// Package discovery resolves device LAN IPs over mDNS.
//
// Devices announce themselves as DNS-SD services whose instance name or
// "dsn" TXT record carries the device serial number. The resolver browses
// for those services and maps a DSN or hostname to an IPv4 address, which a
// LAN session then uses to reach the device.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// Defaults.
const (
	DefaultService = "_http._tcp"
	DefaultDomain  = "local."
	DefaultTimeout = 3 * time.Second

	// TXTKeyDSN is the TXT record key carrying the device serial number.
	TXTKeyDSN = "dsn"
)

// ErrNotFound is returned when no matching service answers before the
// timeout.
var ErrNotFound = errors.New("device not found")

// Entry is an aggregated mDNS service instance.
type Entry struct {
	Instance  string
	Host      string
	Port      int
	Addresses []string
	Text      map[string]string
}

// DSN returns the serial number announced in TXT, falling back to the
// instance name.
func (e *Entry) DSN() string {
	if dsn := e.Text[TXTKeyDSN]; dsn != "" {
		return dsn
	}
	return e.Instance
}

// IPv4 returns the first IPv4 address of the entry.
func (e *Entry) IPv4() string {
	for _, a := range e.Addresses {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a
		}
	}
	return ""
}

// Matches reports whether name identifies this entry by DSN, instance or
// host name.
func (e *Entry) Matches(name string) bool {
	if name == "" {
		return false
	}
	if strings.EqualFold(e.DSN(), name) || strings.EqualFold(e.Instance, name) {
		return true
	}
	host := strings.TrimSuffix(strings.TrimSuffix(e.Host, "."), ".local")
	name = strings.TrimSuffix(strings.TrimSuffix(name, "."), ".local")
	return host != "" && strings.EqualFold(host, name)
}

// Config configures a Resolver.
type Config struct {
	// Service is the DNS-SD service type. Default: DefaultService.
	Service string

	// Domain is the browse domain. Default: DefaultDomain.
	Domain string

	// Interface restricts browsing to one network interface.
	Interface string

	// Timeout bounds Resolve when the context carries no deadline.
	Timeout time.Duration

	Logger *slog.Logger
}

// browseFunc streams discovered entries until ctx is done. Removed entries
// are sent with no addresses.
type browseFunc func(ctx context.Context, found chan<- *Entry) error

// Resolver maps device identities to LAN IPs.
type Resolver struct {
	config Config
	browse browseFunc

	mu    sync.Mutex
	cache map[string]*Entry
}

// NewResolver creates a resolver backed by zeroconf.
func NewResolver(config Config) *Resolver {
	if config.Service == "" {
		config.Service = DefaultService
	}
	if config.Domain == "" {
		config.Domain = DefaultDomain
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	r := &Resolver{
		config: config,
		cache:  make(map[string]*Entry),
	}
	r.browse = r.zeroconfBrowse
	return r
}

// Resolve browses until a service matching name answers and returns its
// IPv4 address.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("resolve: %w", ErrNotFound)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	entries, err := r.Browse(ctx)
	if err != nil {
		return "", err
	}
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return "", fmt.Errorf("resolve %s: %w", name, ErrNotFound)
			}
			if ip := e.IPv4(); ip != "" && e.Matches(name) {
				r.debugLog("discovery: resolved", "name", name, "ip", ip, "instance", e.Instance)
				return ip, nil
			}
		case <-ctx.Done():
			return "", fmt.Errorf("resolve %s: %w", name, ErrNotFound)
		}
	}
}

// Cached returns the last known entry matching name.
func (r *Resolver) Cached(name string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.cache {
		if e.Matches(name) {
			cp := *e
			cp.Addresses = append([]string(nil), e.Addresses...)
			return &cp, true
		}
	}
	return nil, false
}

// Browse streams service instances. Addresses announced on several
// interfaces are merged into one entry which is emitted when first seen and
// again whenever its address set changes.
func (r *Resolver) Browse(ctx context.Context) (<-chan *Entry, error) {
	out := make(chan *Entry)
	found := make(chan *Entry)

	go func() {
		defer close(out)
		for {
			select {
			case e, ok := <-found:
				if !ok {
					return
				}
				merged, changed := r.merge(e)
				if !changed || len(merged.Addresses) == 0 {
					continue
				}
				select {
				case out <- merged:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer close(found)
		if err := r.browse(ctx, found); err != nil && ctx.Err() == nil {
			r.debugLog("discovery: browse failed", "error", err)
		}
	}()

	return out, nil
}

// merge folds e into the cache and returns a copy of the aggregated entry.
func (r *Resolver) merge(e *Entry) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.cache[e.Instance]
	if !ok {
		if len(e.Addresses) == 0 {
			return e, false
		}
		cp := *e
		cp.Addresses = append([]string(nil), e.Addresses...)
		r.cache[e.Instance] = &cp
		out := cp
		return &out, true
	}

	before := len(existing.Addresses)
	if len(e.Addresses) == 0 {
		delete(r.cache, e.Instance)
		return e, false
	}
	existing.Addresses = mergeAddresses(existing.Addresses, e.Addresses)
	if e.Host != "" {
		existing.Host = e.Host
	}
	if len(e.Text) > 0 {
		existing.Text = e.Text
	}
	out := *existing
	out.Addresses = append([]string(nil), existing.Addresses...)
	return &out, len(existing.Addresses) != before
}

func (r *Resolver) zeroconfBrowse(ctx context.Context, found chan<- *Entry) error {
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case se, ok := <-entries:
				if !ok {
					return
				}
				forward(ctx, found, entryFromService(se))
			case se, ok := <-removed:
				if !ok {
					continue
				}
				e := entryFromService(se)
				e.Addresses = nil
				forward(ctx, found, e)
			case <-ctx.Done():
				return
			}
		}
	}()

	err := zeroconf.Browse(ctx, r.config.Service, r.config.Domain, entries, removed, r.clientOptions()...)
	<-done
	return err
}

func forward(ctx context.Context, found chan<- *Entry, e *Entry) {
	select {
	case found <- e:
	case <-ctx.Done():
	}
}

func (r *Resolver) clientOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if r.config.Interface != "" {
		if iface, err := net.InterfaceByName(r.config.Interface); err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		}
	}
	return opts
}

func entryFromService(se *zeroconf.ServiceEntry) *Entry {
	addrs := make([]string, 0, len(se.AddrIPv4)+len(se.AddrIPv6))
	for _, ip := range se.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range se.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return &Entry{
		Instance:  se.Instance,
		Host:      se.HostName,
		Port:      se.Port,
		Addresses: addrs,
		Text:      parseText(se.Text),
	}
}

// parseText converts "key=value" TXT strings into a map.
func parseText(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, rec := range records {
		k, v, _ := strings.Cut(rec, "=")
		if k != "" {
			txt[strings.ToLower(k)] = v
		}
	}
	return txt
}

// mergeAddresses adds new addresses to existing, avoiding duplicates.
func mergeAddresses(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, a := range existing {
		seen[a] = true
	}
	for _, a := range add {
		if !seen[a] {
			existing = append(existing, a)
			seen[a] = true
		}
	}
	return existing
}

func (r *Resolver) debugLog(msg string, args ...any) {
	if r.config.Logger != nil {
		r.config.Logger.Debug(msg, args...)
	}
}
