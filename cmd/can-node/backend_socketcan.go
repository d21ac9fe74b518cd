package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/metrics"
	"github.com/kstaniek/go-nuc-can/internal/socketcan"
	"github.com/kstaniek/go-nuc-can/internal/transport"
)

// openSocketCANDevice is replaced in tests.
var openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }

func initSocketCANBackend(ctx context.Context, cfg *appConfig, deliver func(can.Message), l *slog.Logger, wg *sync.WaitGroup) (transport.Sink, func(), error) {
	dev, err := openSocketCANDevice(cfg.canIf)
	if err != nil {
		return nil, func() {}, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	l.Info("socketcan_open", "if", cfg.canIf)
	tw := socketcan.NewTXWriter(ctx, dev, txQueueSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("socketcan_rx_end")
		var bo backoff
		for ctx.Err() == nil {
			m, err := dev.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.IncError(metrics.ErrSocketCANRead)
				l.Warn("socketcan_read_error", "error", err, "backoff", bo.sleep())
				continue
			}
			metrics.IncWireRx("socketcan")
			deliver(m)
			bo.reset()
		}
	}()
	return tw, func() { _ = dev.Close(); tw.Close() }, nil
}
