package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/lanmode/lanmode-go/pkg/cloud"
	"github.com/lanmode/lanmode-go/pkg/config"
	"github.com/lanmode/lanmode-go/pkg/device"
	"github.com/lanmode/lanmode-go/pkg/discovery"
	"github.com/lanmode/lanmode-go/pkg/keystore"
	"github.com/lanmode/lanmode-go/pkg/lan"
	"github.com/lanmode/lanmode-go/pkg/log"
	"github.com/lanmode/lanmode-go/pkg/router"
)

// eventSink receives device events once the console is up.
type eventSink interface {
	HandleUpdate(device.Update)
	HandleFailure(dsn string, err error)
}

// app wires the LAN stack from a configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	capture  *log.FileLogger
	server   *router.Server
	keys     *keystore.Store
	resolver *discovery.Resolver
	manager  *device.Manager

	mu   sync.Mutex
	sink eventSink
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var plog log.Logger
	var loggers []log.Logger
	if cfg.Log.Capture != "" {
		fl, err := log.NewFileLogger(cfg.Log.Capture)
		if err != nil {
			return nil, fmt.Errorf("open capture: %w", err)
		}
		a.capture = fl
		loggers = append(loggers, fl)
	}
	if cfg.Log.Level == "debug" {
		loggers = append(loggers, log.NewSlogAdapter(logger))
	}
	if len(loggers) > 0 {
		plog = log.NewMultiLogger(loggers...)
	}

	sc := cfg.Router.ServerConfig()
	sc.Logger = logger
	sc.ProtocolLogger = plog
	a.server = router.NewServer(sc)

	var backend keystore.Backend = keystore.NewMemoryBackend()
	if cfg.KeyStore.Dir != "" {
		backend = keystore.NewFileBackend(cfg.KeyStore.Dir)
	}
	a.keys = keystore.NewStore(backend, cfg.KeyStore.Tag)
	a.keys.SetLogger(logger)

	var fetcher lan.ConfigFetcher
	if cfg.Cloud.BaseURL != "" {
		fc := cfg.Cloud.FetcherConfig()
		fc.Client = &http.Client{Timeout: cfg.Cloud.Timeout}
		fc.Logger = logger
		fetcher = cloud.NewHTTPFetcher(fc)
	}

	var resolver device.Resolver
	if cfg.Discovery.Enabled {
		a.resolver = discovery.NewResolver(discovery.Config{
			Service: cfg.Discovery.Service,
			Domain:  cfg.Discovery.Domain,
			Timeout: cfg.Discovery.Timeout,
			Logger:  logger,
		})
		resolver = &hostnameResolver{cfg: cfg, resolver: a.resolver}
	}

	registry := device.NewRegistry()
	lanConfigs := make(map[string]*lan.Config)
	// Gateways first so nodes can find them.
	for _, pass := range []bool{false, true} {
		for _, dc := range cfg.Devices {
			info := dc.Info()
			if (info.Kind == device.KindNode) != pass {
				continue
			}
			if _, err := registry.Add(info); err != nil {
				return nil, fmt.Errorf("device %s: %w", dc.DSN, err)
			}
			lc, err := dc.LanConfig()
			if err != nil {
				return nil, err
			}
			if lc != nil {
				lanConfigs[dc.DSN] = lc
			}
		}
	}

	manager, err := device.NewManager(device.ManagerConfig{
		Server:   a.server,
		Registry: registry,
		ConfigFor: func(dsn string) *lan.Config {
			return lanConfigs[dsn]
		},
		Fetcher:            fetcher,
		Notifier:           &lan.HTTPNotifier{Port: cfg.Session.DevicePort},
		KeyStore:           a.keys,
		Resolver:           resolver,
		TaskTimeout:        cfg.Session.TaskTimeout,
		MaxCommandsPerPoll: cfg.Session.MaxCommandsPerPoll,
		MaxMissedPolls:     cfg.Session.MaxMissedPolls,
		OnUpdate:           a.handleUpdate,
		OnFailure:          a.handleFailure,
		Logger:             logger,
		ProtocolLogger:     plog,
	})
	if err != nil {
		return nil, err
	}
	a.manager = manager
	return a, nil
}

func (a *app) setSink(s eventSink) {
	a.mu.Lock()
	a.sink = s
	a.mu.Unlock()
}

func (a *app) currentSink() eventSink {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sink
}

func (a *app) handleUpdate(u device.Update) {
	if s := a.currentSink(); s != nil {
		s.HandleUpdate(u)
		return
	}
	a.logger.Info("datapoint", "dsn", u.Device.DSN(), "name", u.Property.Name, "value", u.Property.ValueString())
}

func (a *app) handleFailure(dsn string, err error) {
	if s := a.currentSink(); s != nil {
		s.HandleFailure(dsn, err)
	}
}

// start starts the router.
func (a *app) start(ctx context.Context) error {
	return a.server.Start(ctx)
}

// close shuts down sessions, the router and the capture file.
func (a *app) close() {
	a.manager.Shutdown()
	if err := a.server.Stop(); err != nil {
		a.logger.Warn("stop router", "error", err)
	}
	if a.capture != nil {
		if err := a.capture.Close(); err != nil {
			a.logger.Warn("close capture", "error", err)
		}
	}
}

// hostnameResolver resolves configured devices by their mDNS hostname
// before falling back to the DSN.
type hostnameResolver struct {
	cfg      *config.Config
	resolver *discovery.Resolver
}

func (r *hostnameResolver) Resolve(ctx context.Context, dsn string) (string, error) {
	if d, ok := r.cfg.Device(dsn); ok && d.Hostname != "" {
		if ip, err := r.resolver.Resolve(ctx, d.Hostname); err == nil {
			return ip, nil
		}
	}
	return r.resolver.Resolve(ctx, dsn)
}
