// Command can-node runs the CAN core against a simulated or memory-mapped
// C-CAN peripheral, arms a message-object plan and exposes the traffic on
// a cannelloni monitor port.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/cnl"
	"github.com/kstaniek/go-nuc-can/internal/logging"
	"github.com/kstaniek/go-nuc-can/internal/metrics"
	"github.com/kstaniek/go-nuc-can/internal/node"
	"github.com/kstaniek/go-nuc-can/internal/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// loadPlan resolves the object plan and applies flag overrides.
func loadPlan(cfg *appConfig) (node.Plan, error) {
	plan := node.DefaultPlan()
	if cfg.planPath != "" {
		p, err := node.LoadPlan(cfg.planPath)
		if err != nil {
			return node.Plan{}, err
		}
		plan = p
	}
	if cfg.bitrate > 0 {
		plan.Bitrate = uint32(cfg.bitrate)
	}
	if cfg.mode != "" {
		plan.Mode = cfg.mode
	}
	return plan, plan.Validate()
}

func run(args []string) int {
	cfg, showVersion, err := parseFlags(args, os.Stderr)
	if showVersion {
		fmt.Printf("can-node %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	l := logging.Setup("can-node", cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	plan, err := loadPlan(cfg)
	if err != nil {
		l.Error("plan_error", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)
	h := initHub(cfg, l)

	c, err := openCore(ctx, cfg, l, &wg)
	if err != nil {
		l.Error("core_open_error", "error", err)
		return 1
	}
	defer c.cleanup()

	sink, cleanupBackend, err := initBackend(ctx, cfg, c.deliver, l, &wg)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		return 1
	}
	if c.sim != nil {
		c.sim.SetTransmitHook(func(m can.Message) {
			if err := sink.Send(m); err != nil {
				l.Debug("wire_tx_dropped", "msg", m.String(), "error", err)
			}
		})
	}

	n, err := node.New(c.ctl, plan, node.WithLogger(l), node.WithReceiver(h.Broadcast))
	if err != nil {
		l.Error("node_error", "error", err)
		cleanupBackend()
		return 1
	}
	timing, err := n.Start()
	if err != nil {
		l.Error("node_start_error", "error", err)
		cleanupBackend()
		return 1
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := n.Serve(ctx, c.irq); err != nil {
			l.Error("dispatch_loop_error", "error", err)
		}
	}()

	srv := server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithHub(h),
		server.WithCodec(&cnl.Codec{}),
		server.WithSink(n),
		server.WithLogger(l),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()
	go advertise(ctx, cfg, srv, timing.Bitrate, l)

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil && !n.BusOff()
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		l.Warn("shutdown_error", "error", err)
	}
	if err := n.Stop(); err != nil {
		l.Warn("node_stop_error", "error", err)
	}
	cleanupBackend()
	wg.Wait()
	return 0
}

// advertise registers the monitor port over mDNS once it is bound.
func advertise(ctx context.Context, cfg *appConfig, srv *server.Server, bitrate uint32, l *slog.Logger) {
	if !cfg.mdnsEnable {
		return
	}
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return
	}
	port, err := listenPort(srv.Addr())
	if err != nil {
		l.Warn("mdns_port_error", "addr", srv.Addr(), "error", err)
		return
	}
	cleanup, err := startMDNS(ctx, cfg, port, bitrate)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
	<-ctx.Done()
	cleanup()
}
