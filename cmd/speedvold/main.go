package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

const version = "0.3.0"

func main() {
	// Config file (primary configuration surface)
	configPath := flag.String("config", "", "path to YAML config file")

	// Overrides (only applied when explicitly set)
	geoWsURL := flag.String("geo-ws-url", "", "location bridge websocket URL (empty disables the bridge)")
	httpListen := flag.String("http-listen", "", "HTTP API listen address")
	ipcSocket := flag.String("ipc-socket", "", "IPC unix socket path")
	stateDir := flag.String("state-dir", "", "state directory for persisted profiles")
	logLevel := flag.String("log-level", "", "log level (error, warn, info, debug)")
	tickHz := flag.Int("tick-hz", 0, "controller tick frequency")
	debounceMS := flag.Int("stationary-debounce-ms", 0, "stationary debounce before settling to resting volume")

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("speedvold %s\n", version)
		return
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Only pass pointers for flags the user actually set.
	var overrides FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "geo-ws-url":
			overrides.GeoWsURL = geoWsURL
		case "http-listen":
			overrides.HTTPListenAddr = httpListen
		case "ipc-socket":
			overrides.IPCSocketPath = ipcSocket
		case "state-dir":
			overrides.StateDir = stateDir
		case "log-level":
			overrides.LogLevel = logLevel
		case "tick-hz":
			overrides.TickHz = tickHz
		case "stationary-debounce-ms":
			overrides.StationaryDebounceMS = debounceMS
		}
	})
	overrides.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	level, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := setupLogger(level)
	logger.Info("speedvold starting", "version", version)

	storage, err := newFileStorage(ExpandPath(cfg.Storage.StateDir))
	if err != nil {
		logger.Error("storage init failed", "error", err)
		os.Exit(1)
	}

	defaults := cfg.ToProfileDefaults()
	profiles, activeID := loadPersistedProfiles(storage, defaults, logger)
	logger.Info("profiles restored", "count", len(profiles), "active", activeID)

	bridgeConfigured := cfg.Geo.WsURL != ""
	var geo locationSource
	if bridgeConfigured {
		client, err := newGeoBridgeClient(cfg.Geo, logger)
		if err != nil {
			logger.Error("geo bridge init failed", "error", err)
			os.Exit(1)
		}
		geo = client
	} else {
		logger.Warn("no location bridge configured; speed adaptation unavailable")
	}

	state := newDaemonState(profiles, activeID, bridgeConfigured)

	events := make(chan Event, 64)
	broadcasts := make(chan Broadcast, 128)

	effects := newEffectRunner(storage, geo, events, logger)
	metrics := newDaemonMetrics()
	metrics.observeState(state)

	wsServer := NewStateWSServer(logger, events, HubConfig{})
	api := newAPIServer(events, wsServer, logger)
	handler := api.Handler(metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runDaemon(gctx, events, effects, state, cfg.ToControllerConfig(), cfg.Controller.TickHz, broadcasts, metrics, logger)
		return nil
	})
	g.Go(func() error {
		wsServer.Hub().Run(gctx)
		return nil
	})
	g.Go(func() error {
		RunBroadcaster(gctx, wsServer.Hub(), broadcasts, logger)
		return nil
	})
	g.Go(func() error {
		return runHTTPServer(gctx, cfg.HTTP.ListenAddr, handler, logger)
	})
	g.Go(func() error {
		return runIPCServer(gctx, ExpandPath(cfg.IPC.SocketPath), events, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("speedvold stopped")
}
