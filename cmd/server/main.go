// Command npud is the reference server: a single accelerator handle
// exposed over any combination of stdio, TCP, UDP, HTTP, and WebSocket,
// per spec.md §6.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bc-dunia/npud/internal/accelerator"
	"github.com/bc-dunia/npud/internal/config"
	"github.com/bc-dunia/npud/internal/dispatch"
	"github.com/bc-dunia/npud/internal/metrics"
	"github.com/bc-dunia/npud/internal/otel"
	"github.com/bc-dunia/npud/internal/registry"
	"github.com/bc-dunia/npud/internal/scheduler"
	"github.com/bc-dunia/npud/internal/streaming"
	"github.com/bc-dunia/npud/internal/transport"
)

const (
	exitOK           = 0
	exitConfigError  = 1
	exitRuntimeError = 2
)

// portFlag implements flag.Value for "--tcp" / "--tcp=7000": present with
// no value enables the transport on its configured default port; present
// with a value overrides the port.
type portFlag struct {
	enabled bool
	port    int
}

func (p *portFlag) String() string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(p.port)
}

func (p *portFlag) Set(s string) error {
	p.enabled = true
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", s, err)
	}
	p.port = n
	return nil
}

func (p *portFlag) IsBoolFlag() bool { return true }

func main() {
	os.Exit(run())
}

func run() int {
	var stdioFlag bool
	tcpFlag := &portFlag{port: 7100}
	udpFlag := &portFlag{port: 7101}
	httpFlag := &portFlag{port: 7102}
	wsFlag := &portFlag{port: 7103}
	configPath := flag.String("config", "", "path to a YAML configuration file")

	flag.BoolVar(&stdioFlag, "stdio", false, "enable the stdio transport")
	flag.Var(tcpFlag, "tcp", "enable the TCP transport, optionally on a specific port")
	flag.Var(udpFlag, "udp", "enable the UDP transport, optionally on a specific port")
	flag.Var(httpFlag, "http", "enable the HTTP transport, optionally on a specific port")
	flag.Var(wsFlag, "websocket", "enable the WebSocket transport, optionally on a specific port")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return exitConfigError
	}

	if !stdioFlag && !tcpFlag.enabled && !udpFlag.enabled && !httpFlag.enabled && !wsFlag.enabled {
		logger.Error("no transport enabled; pass at least one of --stdio --tcp --udp --http --websocket")
		return exitConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	collector := metrics.NewCollector(nil)
	transport.SetMetrics(collector)
	transport.SetConnTracker(metrics.NewConnectionTracker())

	tracer, err := otel.NewTracer(ctx, nil)
	if err != nil {
		logger.Error("failed to initialise tracer", "error", err)
		return exitRuntimeError
	}
	defer tracer.Shutdown(context.Background())
	otel.SetGlobalTracer(tracer)

	engine := accelerator.NewFakeEngine(0)
	sched := scheduler.New(cfg.Worker.QueueCapacity, cfg.Worker.RequestTimeout, cfg.Worker.ShutdownGrace, logger)
	streamCfg := streaming.Config{
		RingBufferSize: cfg.Streaming.RingBufferSize,
		ChunkQueueSize: cfg.Streaming.ChunkQueueSize,
		AccumulatorMul: cfg.Streaming.AccumulatorMul,
	}
	streamSlot := scheduler.NewStreamSlot()
	streams := streaming.NewManager(cfg.Streaming.MaxSessions, streamCfg, streamSlot, logger)
	reg := registry.New(cfg.Registry.Capacity, cfg.Registry.TTL, cfg.Registry.SweepInterval, logger)
	arena := accelerator.NewArena(cfg.Arena.SizeBytes, cfg.Arena.Alignment)
	d := dispatch.New(engine, cfg, sched, streams, reg, arena, logger)

	go pumpMetrics(ctx, collector, sched, streams, reg)

	if *configPath != "" {
		watcher := config.NewWatcher(*configPath, func(reloaded *config.Config) {
			*cfg = *reloaded
		}, logger)
		go func() {
			if werr := watcher.Watch(ctx); werr != nil && ctx.Err() == nil {
				logger.Warn("configuration watcher stopped", "error", werr)
			}
		}()
	}

	var servers []func() error
	var closers []func() error

	if stdioFlag {
		stdio := transport.NewStdio(d, os.Stdin, os.Stdout, logger)
		servers = append(servers, func() error { return stdio.Serve(ctx) })
	}
	if tcpFlag.enabled {
		tcp := transport.NewTCP(d, logger)
		addr := fmt.Sprintf(":%d", tcpFlag.port)
		servers = append(servers, func() error { return tcp.Serve(ctx, addr) })
		closers = append(closers, tcp.Close)
	}
	if udpFlag.enabled {
		udp := transport.NewUDP(d, cfg.Transport.UDP.MaxRetries, cfg.Transport.UDP.RetryTimeout, logger)
		addr := fmt.Sprintf(":%d", udpFlag.port)
		servers = append(servers, func() error { return udp.Serve(ctx, addr) })
		closers = append(closers, udp.Close)
	}
	if httpFlag.enabled || wsFlag.enabled {
		mux := http.NewServeMux()
		if httpFlag.enabled {
			h := transport.NewHTTP(d, logger)
			mux.Handle("/rpc", h.Handler())
		}
		if wsFlag.enabled {
			ws := transport.NewWebSocket(d, cfg.Transport.WebSocket.KeepAliveInterval, logger)
			mux.Handle("/ws", ws.Handler())
		}
		mux.Handle("/metrics", collector.Handler())
		port := httpFlag.port
		if !httpFlag.enabled {
			port = wsFlag.port
		}
		httpServer := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: otel.Middleware(tracer)(mux)}
		servers = append(servers, httpServer.ListenAndServe)
		closers = append(closers, func() error { return httpServer.Shutdown(context.Background()) })
	}

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		s := s
		go func() { errCh <- s() }()
	}

	logger.Info("npud started",
		"stdio", stdioFlag, "tcp", tcpFlag.enabled, "udp", udpFlag.enabled,
		"http", httpFlag.enabled, "websocket", wsFlag.enabled)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !strings.Contains(err.Error(), "context canceled") {
			logger.Error("transport failed", "error", err)
			cancel()
			shutdown(closers, sched)
			return exitRuntimeError
		}
	}

	shutdown(closers, sched)
	logger.Info("npud stopped")
	return exitOK
}

func shutdown(closers []func() error, sched *scheduler.Scheduler) {
	for _, c := range closers {
		_ = c()
	}
	sched.Shutdown()
}

// pumpMetrics polls the scheduler, streaming manager, and registry's own
// snapshot methods into the Prometheus collector. A pull rather than a
// push keeps the hot paths (Enqueue, Drive, Add) free of a metrics
// dependency.
func pumpMetrics(ctx context.Context, c *metrics.Collector, sched *scheduler.Scheduler, streams *streaming.Manager, reg *registry.Registry) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastProcessed, lastFailed, lastOverflows int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SampleHost()

			st := sched.Stats()
			c.SetQueueDepth(st.PendingCount)
			c.SetAcceleratorBusy(st.Busy)
			c.SetActiveStreamSessions(streams.ActiveCount())
			c.SetRegistrySize(reg.Stats().Active)

			if delta := st.TasksProcessed - lastProcessed; delta > 0 {
				for i := int64(0); i < delta; i++ {
					c.RecordTask("ok", "", 0)
				}
				lastProcessed = st.TasksProcessed
			}
			if delta := st.TasksFailed - lastFailed; delta > 0 {
				for i := int64(0); i < delta; i++ {
					c.RecordTask("error", "", 0)
				}
				lastFailed = st.TasksFailed
			}
			if delta := st.QueueOverflows - lastOverflows; delta > 0 {
				for i := int64(0); i < delta; i++ {
					c.RecordQueueOverflow()
				}
				lastOverflows = st.QueueOverflows
			}
		}
	}
}
