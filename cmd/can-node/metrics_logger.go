package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-nuc-can/internal/metrics"
)

// startMetricsLogger logs a counter snapshot every interval; 0 disables.
func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s := metrics.Snap()
				l.Info("metrics_snapshot",
					"rx", s.RxFrames,
					"tx_requests", s.TxRequests,
					"tx_completed", s.TxCompleted,
					"events", s.Events,
					"wakeups", s.Wakeups,
					"busy_timeouts", s.BusyTimeouts,
					"message_lost", s.MessageLost,
					"wire_rx", s.WireRx,
					"wire_tx", s.WireTx,
					"tcp_rx", s.TCPRx,
					"tcp_tx", s.TCPTx,
					"hub_drops", s.HubDrops,
					"errors", s.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
