// Command lan-console talks to devices over their LAN protocol.
//
// It loads the devices and their LAN keys from a YAML configuration, runs
// the embedded router devices call back into, and offers an interactive
// prompt to open sessions, read and write datapoints and drive the setup
// flow of a device in AP mode.
//
// Usage:
//
//	lan-console [flags]
//
// Flags:
//
//	-config string      Configuration file path
//	-capture string     Protocol capture file (overrides log.capture)
//	-log-level string   Log level (overrides log.level)
//	-open-all           Open sessions to all configured devices on start
//	-interactive        Run the command prompt (default true)
//
// Examples:
//
//	# Console for the devices of lanmode.yaml
//	lan-console -config lanmode.yaml
//
//	# Headless: keep sessions open and log datapoints, capturing traffic
//	lan-console -config lanmode.yaml -interactive=false -open-all -capture app.llog
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/lanmode/lanmode-go/cmd/lan-console/interactive"
	"github.com/lanmode/lanmode-go/pkg/config"
)

var (
	configFile  = flag.String("config", "", "Configuration file path")
	capturePath = flag.String("capture", "", "Protocol capture file (overrides log.capture)")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides log.level)")
	openAll     = flag.Bool("open-all", false, "Open sessions to all configured devices on start")
	interact    = flag.Bool("interactive", true, "Run the interactive command prompt")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configFile, *capturePath, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var console *interactive.Console
	logOut := &swapWriter{w: os.Stderr}
	logger, err := cfg.Log.NewLogger(logOut)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.start(ctx); err != nil {
		logger.Error("start router", "error", err)
		os.Exit(1)
	}
	logger.Info("router listening", "port", a.server.Port(), "devices", len(cfg.Devices))

	backend := interactive.Backend{Manager: a.manager, Server: a.server, Resolver: a.resolver}
	if *interact {
		console, err = interactive.New(backend)
		if err != nil {
			logger.Error("create console", "error", err)
			os.Exit(1)
		}
		// Route log output through readline so it does not garble the prompt.
		logOut.set(console.Stdout())
		a.setSink(console)
	}

	if *openAll {
		if console != nil {
			console.Exec(ctx, "open all")
		} else {
			for _, dc := range cfg.Devices {
				if err := a.manager.Open(dc.DSN); err != nil {
					logger.Warn("open failed", "dsn", dc.DSN, "error", err)
				}
			}
		}
	}

	if console != nil {
		go console.Run(ctx, cancel)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()
	a.close()
}

// loadConfig reads the configuration file, or starts from the defaults,
// and applies command line overrides.
func loadConfig(path, capture, level string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if capture != "" {
		cfg.Log.Capture = capture
	}
	if level != "" {
		cfg.Log.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// swapWriter lets the log destination change after loggers are built.
type swapWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *swapWriter) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

func (s *swapWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
