// Package interactive provides the lan-console command prompt.
package interactive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/lanmode/lanmode-go/pkg/device"
	"github.com/lanmode/lanmode-go/pkg/discovery"
	"github.com/lanmode/lanmode-go/pkg/lan"
	"github.com/lanmode/lanmode-go/pkg/router"
	"github.com/lanmode/lanmode-go/pkg/wire"
)

// DefaultCommandTimeout bounds a single console command.
const DefaultCommandTimeout = 30 * time.Second

// Backend is what the console drives.
type Backend struct {
	Manager *device.Manager
	Server  *router.Server

	// Resolver is nil when discovery is disabled.
	Resolver *discovery.Resolver
}

// Console is the interactive command loop.
type Console struct {
	backend Backend
	rl      *readline.Instance
	timeout time.Duration

	mu  sync.Mutex
	out io.Writer
}

// New creates a console reading from the terminal.
func New(b Backend) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "lan> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	c := newConsole(b, rl.Stdout())
	c.rl = rl
	return c, nil
}

func newConsole(b Backend, out io.Writer) *Console {
	return &Console{backend: b, out: out, timeout: DefaultCommandTimeout}
}

// Stdout returns a writer that coordinates with the prompt. Use it for log
// output.
func (c *Console) Stdout() io.Writer {
	if c.rl != nil {
		return c.rl.Stdout()
	}
	return c.out
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// HandleUpdate prints a datapoint reported by a device.
func (c *Console) HandleUpdate(u device.Update) {
	dsn := u.Device.DSN()
	if u.Property.DSN != "" {
		dsn = u.Property.DSN
	}
	marker := ""
	if !u.Changed {
		marker = " (unchanged)"
	}
	c.printf("[UPDATE] %s %s = %s%s\n", dsn, u.Property.Name, u.Property.ValueString(), marker)
}

// HandleFailure prints a session failure.
func (c *Console) HandleFailure(dsn string, err error) {
	c.printf("[FAILED] %s: %v\n", dsn, err)
}

// Run reads commands until quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			c.printf("Exiting...\n")
			cancel()
			return
		}
		if c.Exec(ctx, line) {
			c.printf("Exiting...\n")
			cancel()
			return
		}
	}
}

// Exec runs one command line and reports whether the console should exit.
func (c *Console) Exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "devices", "ls":
		c.cmdDevices()
	case "open", "o":
		c.cmdOpen(ctx, args)
	case "close":
		c.cmdClose(args)
	case "status", "st":
		c.cmdStatus(args)
	case "get", "g":
		c.cmdGet(ctx, args)
	case "set", "s":
		c.cmdSet(ctx, args)
	case "props":
		c.cmdProps(args)
	case "nodes":
		c.cmdNodes(ctx, args)
	case "refresh":
		c.cmdRefresh(ctx, args)
	case "resolve":
		c.cmdResolve(ctx, args)
	case "browse":
		c.cmdBrowse(ctx, args)
	case "setup":
		c.cmdSetup(args)
	case "details":
		c.runJSON(ctx, args, "details <dsn>", lan.DeviceDetailsCommand)
	case "scan":
		c.runJSON(ctx, args, "scan <dsn>", lan.StartScanCommand, lan.ScanResultsCommand)
	case "wifi-status":
		c.runJSON(ctx, args, "wifi-status <dsn>", lan.WiFiStatusCommand)
	case "connect":
		c.cmdConnect(ctx, args)
	case "stop-ap":
		c.runJSON(ctx, args, "stop-ap <dsn>", lan.StopAPCommand)
	case "quit", "exit", "q":
		return true
	default:
		c.printf("Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (c *Console) printHelp() {
	c.printf(`
LAN Console Commands:
  Devices:
    devices              - List known devices and their sessions
    open <dsn|all>       - Open LAN sessions
    close <dsn>          - Close a session
    status [dsn]         - Show session status
    refresh <dsn>        - Re-resolve the LAN IP and refresh the session

  Datapoints:
    get <dsn> <name>           - Read a datapoint from the device
    set <dsn> <name=value> [ack] - Write a datapoint, optionally waiting for the ack
    props <dsn>                - Show cached datapoints
    nodes <gateway-dsn>        - Query node connectivity through a gateway

  Discovery:
    resolve <name>       - Resolve a DSN or hostname over mDNS
    browse [duration]    - List devices answering mDNS

  Setup (device in AP mode):
    setup <dsn> [ip]                 - Open a setup session
    details <dsn>                    - Show device details
    scan <dsn>                       - Scan for Wi-Fi networks
    connect <dsn> <ssid> [key]       - Join a Wi-Fi network
    wifi-status <dsn>                - Show Wi-Fi connection history
    stop-ap <dsn>                    - Leave access point mode

  General:
    help                 - Show this help
    quit                 - Exit
`)
}

func (c *Console) cmdDevices() {
	devs := c.backend.Manager.Registry().Devices()
	if len(devs) == 0 {
		c.printf("No devices configured\n")
		return
	}
	c.printf("\nDevices (%d):\n", len(devs))
	c.printf("-------------------------------------------\n")
	for _, d := range devs {
		info := d.Info()
		state := "-"
		if d.SessionDSN() == d.DSN() {
			if mod, err := c.backend.Manager.Session(d.DSN()); err == nil {
				state = mod.State().String()
			}
		} else {
			state = "via " + d.SessionDSN()
		}
		c.printf("  %-20s %-8s %-15s %s\n", info.DSN, info.Kind, d.LanIP(), state)
	}
}

func (c *Console) cmdOpen(ctx context.Context, args []string) {
	if len(args) < 1 {
		c.printf("Usage: open <dsn|all>\n")
		return
	}
	targets := args
	if args[0] == "all" {
		targets = nil
		for _, d := range c.backend.Manager.Registry().Devices() {
			if d.SessionDSN() == d.DSN() {
				targets = append(targets, d.DSN())
			}
		}
	}
	for _, dsn := range targets {
		if d, ok := c.backend.Manager.Registry().Lookup(dsn); ok && d.LanIP() == "" {
			if err := c.backend.Manager.Resolve(ctx, dsn); err != nil {
				c.printf("%s: %v\n", dsn, err)
				continue
			}
		}
		if err := c.backend.Manager.Open(dsn); err != nil {
			c.printf("%s: open failed: %v\n", dsn, err)
			continue
		}
		c.printf("%s: opening\n", dsn)
	}
}

func (c *Console) cmdClose(args []string) {
	if len(args) < 1 {
		c.printf("Usage: close <dsn>\n")
		return
	}
	if err := c.backend.Manager.Close(args[0]); err != nil {
		c.printf("Close failed: %v\n", err)
		return
	}
	c.printf("%s: closed\n", args[0])
}

func (c *Console) cmdStatus(args []string) {
	if len(args) == 0 {
		port := 0
		if c.backend.Server != nil {
			port = c.backend.Server.Port()
		}
		c.printf("\nConsole Status\n")
		c.printf("-------------------------------------------\n")
		c.printf("  Router port:  %d\n", port)
		c.printf("  Devices:      %d\n", len(c.backend.Manager.Registry().Devices()))
		c.printf("  Discovery:    %t\n", c.backend.Resolver != nil)
		return
	}

	mod, err := c.backend.Manager.Session(args[0])
	if err != nil {
		c.printf("Error: %v\n", err)
		return
	}
	st := mod.Status()
	c.printf("\nSession %s\n", mod.DSN())
	c.printf("-------------------------------------------\n")
	c.printf("  State:    %s\n", st.State)
	c.printf("  Type:     %s\n", st.Type)
	c.printf("  LAN IP:   %s\n", st.LanIP)
	if st.KeyID != 0 {
		c.printf("  Key ID:   %d\n", st.KeyID)
	}
	c.printf("  Pending:  %d task(s)\n", mod.PendingTasks())
	if ka := st.KeepAlive; ka != nil {
		if !ka.LastPollTime.IsZero() {
			c.printf("  Polled:   %s ago\n", time.Since(ka.LastPollTime).Round(time.Millisecond))
		}
		c.printf("  Refresh:  #%d, %d missed\n", ka.CurrentSeq, ka.MissedPolls)
	}
	if st.Err != nil {
		c.printf("  Error:    %v\n", st.Err)
	}
}

func (c *Console) cmdGet(ctx context.Context, args []string) {
	if len(args) < 2 {
		c.printf("Usage: get <dsn> <name>\n")
		return
	}
	p, err := c.backend.Manager.GetProperty(ctx, args[0], args[1])
	if err != nil {
		c.printf("Get failed: %v\n", err)
		return
	}
	c.printf("%s = %s\n", p.Name, p.ValueString())
}

func (c *Console) cmdSet(ctx context.Context, args []string) {
	if len(args) < 2 {
		c.printf("Usage: set <dsn> <name=value> [ack]\n")
		c.printf("  Example: set AC000W000000001 Blue_LED=1 ack\n")
		return
	}
	ack := false
	if n := len(args); n > 2 && args[n-1] == "ack" {
		ack = true
		args = args[:n-1]
	}
	p, err := wire.ParseProperty(strings.Join(args[1:], " "))
	if err != nil {
		c.printf("Invalid datapoint: %v\n", err)
		return
	}
	if err := c.backend.Manager.SetProperty(ctx, args[0], p, ack); err != nil {
		c.printf("Set failed: %v\n", err)
		return
	}
	c.printf("OK\n")
}

func (c *Console) cmdProps(args []string) {
	if len(args) < 1 {
		c.printf("Usage: props <dsn>\n")
		return
	}
	d, ok := c.backend.Manager.Registry().Lookup(args[0])
	if !ok {
		c.printf("Unknown device: %s\n", args[0])
		return
	}
	holder, ok := d.(interface {
		Properties() []string
		Property(string) (wire.Property, bool)
	})
	if !ok {
		c.printf("%s has no datapoints\n", args[0])
		return
	}
	names := holder.Properties()
	if len(names) == 0 {
		c.printf("No datapoints cached\n")
		return
	}
	sort.Strings(names)
	for _, name := range names {
		p, _ := holder.Property(name)
		c.printf("  %s: %s\n", name, p.ValueString())
	}
}

func (c *Console) cmdNodes(ctx context.Context, args []string) {
	if len(args) < 1 {
		c.printf("Usage: nodes <gateway-dsn>\n")
		return
	}
	nodes, err := c.backend.Manager.NodeStatus(ctx, args[0])
	if err != nil {
		c.printf("Node status failed: %v\n", err)
		return
	}
	if len(nodes) == 0 {
		c.printf("No nodes configured for %s\n", args[0])
		return
	}
	for _, n := range nodes {
		status := "offline"
		if n.Online() {
			status = "online"
		}
		c.printf("  %-20s %s\n", n.DSN(), status)
	}
}

func (c *Console) cmdRefresh(ctx context.Context, args []string) {
	if len(args) < 1 {
		c.printf("Usage: refresh <dsn>\n")
		return
	}
	if err := c.backend.Manager.Refresh(ctx, args[0]); err != nil {
		c.printf("Refresh failed: %v\n", err)
		return
	}
	c.printf("OK\n")
}

func (c *Console) cmdResolve(ctx context.Context, args []string) {
	if len(args) < 1 {
		c.printf("Usage: resolve <dsn|hostname>\n")
		return
	}
	if c.backend.Resolver == nil {
		c.printf("Discovery is disabled\n")
		return
	}
	ip, err := c.backend.Resolver.Resolve(ctx, args[0])
	if err != nil {
		c.printf("Resolve failed: %v\n", err)
		return
	}
	c.printf("%s -> %s\n", args[0], ip)
}

func (c *Console) cmdBrowse(ctx context.Context, args []string) {
	if c.backend.Resolver == nil {
		c.printf("Discovery is disabled\n")
		return
	}
	wait := 3 * time.Second
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			c.printf("Invalid duration: %v\n", err)
			return
		}
		wait = d
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	entries, err := c.backend.Resolver.Browse(ctx)
	if err != nil {
		c.printf("Browse failed: %v\n", err)
		return
	}
	n := 0
	for e := range entries {
		n++
		name := e.DSN()
		if name == "" {
			name = e.Instance
		}
		c.printf("  %-20s %-15s %s:%d\n", name, e.IPv4(), e.Host, e.Port)
	}
	c.printf("%d device(s) found\n", n)
}

func (c *Console) cmdSetup(args []string) {
	if len(args) < 1 {
		c.printf("Usage: setup <dsn> [ip]\n")
		return
	}
	info := device.Info{DSN: args[0]}
	if len(args) > 1 {
		info.LanIP = args[1]
	}
	s := device.NewSetupDevice(info)
	if _, err := c.backend.Manager.OpenSetup(s); err != nil {
		c.printf("Setup failed: %v\n", err)
		return
	}
	c.printf("%s: setup session opening at %s\n", s.DSN(), s.LanIP())
}

func (c *Console) cmdConnect(ctx context.Context, args []string) {
	if len(args) < 2 {
		c.printf("Usage: connect <dsn> <ssid> [key]\n")
		return
	}
	key := ""
	if len(args) > 2 {
		key = args[2]
	}
	c.runJSON(ctx, args[:1], "", func() *lan.Command {
		return lan.ConnectCommand(args[1], key, "")
	}, lan.WiFiStatusCommand)
}

// runJSON runs the built commands as one task on the session of args[0]
// and prints every response.
func (c *Console) runJSON(ctx context.Context, args []string, usage string, builders ...func() *lan.Command) {
	if len(args) < 1 {
		c.printf("Usage: %s\n", usage)
		return
	}
	cmds := make([]*lan.Command, len(builders))
	for i, b := range builders {
		cmds[i] = b()
	}
	if err := c.backend.Manager.Run(ctx, args[0], cmds...); err != nil {
		c.printf("Command failed: %v\n", err)
		return
	}
	printed := false
	for _, cmd := range cmds {
		if resp := cmd.Response(); len(resp) > 0 {
			c.printf("%s\n", indentJSON(resp))
			printed = true
		}
	}
	if !printed {
		c.printf("OK\n")
	}
}

func indentJSON(b []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, b, "", "  "); err != nil {
		return string(b)
	}
	return buf.String()
}
