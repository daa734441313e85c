package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nervestack/pulse/pkg/agent"
	"github.com/nervestack/pulse/pkg/server"
	"github.com/nervestack/pulse/pkg/telemetry"
)

func serveCommand(ctx context.Context, argv []string, cfgPath string, streams ioStreams) error {
	set := flag.NewFlagSet("serve", flag.ContinueOnError)
	set.SetOutput(streams.err)
	host := set.String("host", "", "Override the bind address from the config file.")
	port := set.Int("port", -1, "Override the port from the config file.")
	configFlag := set.String("config", cfgPath, "Path to agent config file.")
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: pulsectl serve [flags]")
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
		fmt.Fprintln(streams.err, "\nRoutes:")
		fmt.Fprintln(streams.err, "  GET  /health      Liveness probe")
		fmt.Fprintln(streams.err, "  GET  /status      Agent status")
		fmt.Fprintln(streams.err, "  GET  /model-info  Backend identity")
		fmt.Fprintln(streams.err, "  GET  /outputs     Drain queued outputs")
		fmt.Fprintln(streams.err, "  GET  /events      Lifecycle events via SSE")
		fmt.Fprintln(streams.err, "  POST /chat        Send a message and wait for the reply")
		fmt.Fprintln(streams.err, "  POST /input       Queue a message without waiting")
		fmt.Fprintln(streams.err, "  POST /beat        Trigger an immediate heartbeat")
		fmt.Fprintln(streams.err, "  POST /thought     Inject or generate a thought")
		fmt.Fprintln(streams.err, "  POST /shutdown    Stop the agent and the server")
	}
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := loadAgentConfig(*configFlag)
	if err != nil {
		return err
	}
	if h := strings.TrimSpace(*host); h != "" {
		cfg.Server.Host = h
	}
	if *port >= 0 {
		cfg.Server.Port = *port
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Server.Port)
	}
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Telemetry.Enabled {
		mgr, err := telemetry.NewManager(telemetry.Config{
			ServiceName:    "pulse",
			ServiceVersion: agent.Version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		telemetry.SetDefault(mgr)
		defer func() {
			telemetry.SetDefault(nil)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mgr.Shutdown(shutdownCtx)
		}()
	}

	ag, err := agentFactory(ctx, cfg, agent.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	if err := ag.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = ag.Stop() }()

	// POST /shutdown cancels serveCtx, which drives the same exit path
	// as an interrupt signal.
	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()
	handler := server.New(ag,
		server.WithLogger(logger.Named("http")),
		server.WithShutdown(stopServing),
	)

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer listener.Close()
	srv := &http.Server{Handler: handler}
	addr := listener.Addr().String()
	if streams.out != nil {
		fmt.Fprintf(streams.out, "pulsectl serve listening on http://%s\n", addr)
	}
	logger.Info("server started", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	select {
	case <-serveCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
