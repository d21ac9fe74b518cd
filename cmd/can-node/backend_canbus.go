package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/canbus"
	"github.com/kstaniek/go-nuc-can/internal/transport"
)

// openCanbus is replaced in tests.
var openCanbus = canbus.Open

func initCanbusBackend(ctx context.Context, cfg *appConfig, deliver func(can.Message), l *slog.Logger, wg *sync.WaitGroup) (transport.Sink, func(), error) {
	be, err := openCanbus(cfg.canIf)
	if err != nil {
		return nil, func() {}, err
	}
	l.Info("canbus_open", "if", cfg.canIf)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("canbus_rx_end")
		if err := be.Run(deliver); err != nil && ctx.Err() == nil {
			l.Error("canbus_run_error", "error", err)
		}
	}()
	stop := context.AfterFunc(ctx, func() { _ = be.Close() })
	return be, func() { stop(); _ = be.Close() }, nil
}
