package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/transport"
)

// sleepFn lets tests observe backoff sleeps.
var sleepFn = time.Sleep

// initBackend connects the simulated core's bus side to a wire. Frames
// read from the wire go to deliver; the returned Sink carries frames the
// core transmits.
func initBackend(ctx context.Context, cfg *appConfig, deliver func(can.Message), l *slog.Logger, wg *sync.WaitGroup) (transport.Sink, func(), error) {
	switch cfg.backend {
	case "none":
		return transport.Discard, func() {}, nil
	case "serial":
		return initSerialBackend(ctx, cfg, deliver, l, wg)
	case "socketcan":
		return initSocketCANBackend(ctx, cfg, deliver, l, wg)
	case "canbus":
		return initCanbusBackend(ctx, cfg, deliver, l, wg)
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q (use none|serial|socketcan|canbus)", cfg.backend)
	}
}

// backoff doubles from rxBackoffMin up to rxBackoffMax.
type backoff struct{ cur time.Duration }

func (b *backoff) reset() { b.cur = rxBackoffMin }

func (b *backoff) sleep() time.Duration {
	if b.cur == 0 {
		b.cur = rxBackoffMin
	}
	d := b.cur
	sleepFn(d)
	b.cur *= 2
	if b.cur > rxBackoffMax {
		b.cur = rxBackoffMax
	}
	return d
}
