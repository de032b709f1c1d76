// Command lan-devsim runs a simulated LAN device.
//
// The device serves local registration on its own port, negotiates a
// session with the application that registers with it, polls for commands
// and answers them from an in-memory datapoint table. With -advertise it
// announces itself over mDNS so lan-console can resolve its address.
//
// Usage:
//
//	lan-devsim [flags]
//
// Examples:
//
//	# Device with a shared key and two datapoints
//	lan-devsim -dsn AC000W000000001 -key-id 7 -key 0123456789abcdef \
//	    -prop Blue_LED=0 -prop Green_LED=0
//
//	# Take DSN, key and model from the console config
//	lan-devsim -config lanmode.yaml -dsn AC000W000000001 -advertise
//
//	# Unconfigured device in AP mode
//	lan-devsim -setup -dsn AC000W000000009
//
//	# Gateway with a node, reporting a changing temperature
//	lan-devsim -dsn GW0001 -key-id 1 -key secret -node ND0001 \
//	    -prop ND0001/temp=20 -report temp -report-interval 5s
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lanmode/lanmode-go/pkg/config"
	"github.com/lanmode/lanmode-go/pkg/devsim"
	"github.com/lanmode/lanmode-go/pkg/discovery"
	"github.com/lanmode/lanmode-go/pkg/wire"
)

// stringList collects a repeated flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// Options holds the command line.
type Options struct {
	ConfigFile string
	DSN        string
	Model      string
	KeyID      int
	Key        string
	KeyBase64  bool
	Setup      bool
	Host       string
	Port       int

	Props    stringList
	Nodes    stringList
	ReadOnly stringList

	Advertise bool
	Interface string

	Report         string
	ReportInterval time.Duration

	LogLevel  string
	LogFormat string
}

var opts Options

func init() {
	flag.StringVar(&opts.ConfigFile, "config", "", "Configuration file; supplies key and model for -dsn")
	flag.StringVar(&opts.DSN, "dsn", "", "Device serial number")
	flag.StringVar(&opts.Model, "model", "AY001MUS1", "Device model")
	flag.IntVar(&opts.KeyID, "key-id", 0, "LAN key id")
	flag.StringVar(&opts.Key, "key", "", "LAN shared key")
	flag.BoolVar(&opts.KeyBase64, "key-base64", false, "Key is base64 encoded")
	flag.BoolVar(&opts.Setup, "setup", false, "Behave like an unconfigured device in AP mode")
	flag.StringVar(&opts.Host, "host", "0.0.0.0", "Listen address")
	flag.IntVar(&opts.Port, "port", 10280, "Listen port (the console's session.device_port)")
	flag.Var(&opts.Props, "prop", "Datapoint name=value, or node/name=value (repeatable)")
	flag.Var(&opts.Nodes, "node", "Node DSN behind this device (repeatable)")
	flag.Var(&opts.ReadOnly, "read-only", "Datapoint that rejects updates (repeatable)")
	flag.BoolVar(&opts.Advertise, "advertise", false, "Announce the device over mDNS")
	flag.StringVar(&opts.Interface, "iface", "", "Network interface for mDNS")
	flag.StringVar(&opts.Report, "report", "", "Integer datapoint to increment and report periodically")
	flag.DurationVar(&opts.ReportInterval, "report-interval", 10*time.Second, "Interval for -report")
	flag.StringVar(&opts.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&opts.LogFormat, "log-format", "text", "Log format: text, json")
}

func main() {
	flag.Parse()

	logger, err := config.LogConfig{Level: opts.LogLevel, Format: opts.LogFormat}.NewLogger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	devConfig, err := buildConfig(opts)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	devConfig.Logger = logger

	dev, err := devsim.New(devConfig)
	if err != nil {
		logger.Error("create device", "error", err)
		os.Exit(1)
	}
	if err := dev.Start(); err != nil {
		logger.Error("start device", "error", err)
		os.Exit(1)
	}
	logger.Info("device listening", "dsn", devConfig.DSN, "host", devConfig.Host, "port", dev.Port(), "setup", devConfig.Setup)

	var adv discovery.Advertiser
	if opts.Advertise {
		err := adv.Advertise(discovery.Config{Interface: opts.Interface}, devConfig.DSN, dev.Port(), map[string]string{"model": devConfig.Model})
		if err != nil {
			logger.Warn("mdns advertisement failed", "error", err)
		} else {
			logger.Info("advertising over mdns", "dsn", devConfig.DSN)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if opts.Report != "" {
		go runReports(ctx, logger, dev, opts.Report, opts.ReportInterval)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	cancel()
	adv.Stop()
	dev.Stop()
}

// buildConfig turns the command line, and the matching device of the
// config file if any, into a simulator config.
func buildConfig(o Options) (devsim.Config, error) {
	c := devsim.Config{
		DSN:      o.DSN,
		Model:    o.Model,
		KeyID:    o.KeyID,
		Setup:    o.Setup,
		Host:     o.Host,
		Port:     o.Port,
		Nodes:    o.Nodes,
		ReadOnly: o.ReadOnly,
	}

	key := o.Key
	keyBase64 := o.KeyBase64
	if o.ConfigFile != "" {
		cfg, err := config.Load(o.ConfigFile)
		if err != nil {
			return c, err
		}
		d, ok := cfg.Device(o.DSN)
		if !ok {
			return c, fmt.Errorf("device %s not in %s", o.DSN, o.ConfigFile)
		}
		if key == "" {
			key, keyBase64, c.KeyID = d.Key, d.KeyBase64, d.KeyID
		}
		if d.Model != "" {
			c.Model = d.Model
		}
	}
	if key != "" {
		c.Key = []byte(key)
		if keyBase64 {
			raw, err := base64.StdEncoding.DecodeString(key)
			if err != nil {
				return c, fmt.Errorf("key is not base64: %w", err)
			}
			c.Key = raw
		}
	}

	for _, s := range o.Props {
		p, err := parseDeviceProperty(s)
		if err != nil {
			return c, err
		}
		c.Properties = append(c.Properties, p)
	}
	return c, nil
}

// parseDeviceProperty parses "name=value" or "node/name=value".
func parseDeviceProperty(s string) (wire.Property, error) {
	var node string
	if i := strings.Index(s, "/"); i >= 0 && i < strings.Index(s, "=") {
		node, s = s[:i], s[i+1:]
	}
	p, err := wire.ParseProperty(s)
	if err != nil {
		return p, err
	}
	p.DSN = node
	return p, nil
}

// runReports increments an integer datapoint of the device itself and
// reports it every interval.
func runReports(ctx context.Context, logger *slog.Logger, dev *devsim.Device, name string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var n int64
	if p, ok := dev.Property("", name); ok {
		fmt.Sscan(p.ValueString(), &n)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n++
		p, _ := wire.NewProperty(name, fmt.Sprint(n))
		err := dev.Report(ctx, p)
		switch {
		case errors.Is(err, devsim.ErrNotRegistered):
			logger.Debug("no application registered, report skipped", "name", name)
		case err != nil:
			logger.Warn("report failed", "name", name, "error", err)
		default:
			logger.Info("reported datapoint", "name", name, "value", n)
		}
	}
}
