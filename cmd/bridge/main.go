package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tabwire/tabwire/internal/bridge"
	"github.com/tabwire/tabwire/internal/config"
	"github.com/tabwire/tabwire/internal/hostchan"
	"github.com/tabwire/tabwire/internal/protocol"
	"github.com/tabwire/tabwire/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "bridge.yaml", "Path to configuration file")
	flag.Parse()

	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("load dotenv", "error", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	// Stdout belongs to the host channel; diagnostics must go to stderr.
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	host := hostchan.New(os.Stdin, os.Stdout, cfg.Host.MaxFrameBytes, logger)

	registry := bridge.NewRegistry(bridge.RegistryOptions{
		Host:           host,
		Logger:         logger,
		IdleTimeout:    config.ParseDuration(cfg.Sessions.IdleTimeout, 5*time.Minute),
		WarningLead:    config.ParseDuration(cfg.Sessions.WarningLead, time.Minute),
		RequestTimeout: config.ParseDuration(cfg.Sessions.RequestTimeout, 0),
		ChunkThreshold: cfg.Chunking.ThresholdBytes,
		LogDir:         cfg.Logs.Dir,
		LogCapacity:    cfg.Logs.MemoryEvents,
	})

	ln, bridgeOnly, err := bindClientPort(cfg.Server.Listen, logger)
	if err != nil {
		logger.Error("listen", "addr", cfg.Server.Listen, "error", err)
		return 1
	}

	port := listenPort(cfg.Server.Listen, ln)
	srv := server.New(registry, logger)

	serveErr := make(chan error, 1)
	if !bridgeOnly {
		go func() { serveErr <- srv.Serve(ln) }()
		logger.Info("websocket front-end listening", "addr", ln.Addr().String())
	}

	if err := host.SendReady(port, bridgeOnly); err != nil {
		logger.Error("announce ready to host", "error", err)
		return 1
	}

	sweepInterval := config.ParseDuration(cfg.Sessions.SweepInterval, time.Minute)
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepDone:
				return
			case <-ticker.C:
				if n := registry.Sweep(); n > 0 {
					logger.Info("swept expired sessions", "count", n)
				}
			}
		}
	}()

	hostErr := make(chan error, 1)
	go func() { hostErr <- host.Run(registry) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-hostErr:
		if err != nil {
			logger.Error("host channel failed", "error", err)
			exitCode = 1
		}
		// Stdin EOF is the host manager telling us to go away; exit clean.
	case err := <-serveErr:
		if err != nil {
			logger.Error("serve", "error", err)
			exitCode = 1
		}
	}

	close(sweepDone)
	registry.CloseAll(protocol.CodeNativeHostError, "bridge shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !bridgeOnly {
		_ = srv.Shutdown(ctx)
	}

	return exitCode
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// bindClientPort binds the client listener. Port contention is survivable: a
// second bridge under the same host manager keeps proxying stdio and reports
// bridgeOnly. Any other bind failure is fatal.
func bindClientPort(addr string, logger *slog.Logger) (net.Listener, bool, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, false, err
		}
		logger.Warn("client port already bound, running in bridge-only mode", "addr", addr)
		return nil, true, nil
	}
	return ln, false, nil
}

// listenPort reports the bound port, falling back to the configured one when
// running bridge-only.
func listenPort(addr string, ln net.Listener) int {
	if ln != nil {
		if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
			return tcp.Port
		}
	}
	if _, portStr, err := net.SplitHostPort(addr); err == nil {
		if p, err := strconv.Atoi(portStr); err == nil {
			return p
		}
	}
	return 0
}
