package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/ccan"
	"github.com/kstaniek/go-nuc-can/internal/ccsim"
	"github.com/kstaniek/go-nuc-can/internal/mmio"
	"github.com/kstaniek/go-nuc-can/internal/sysclk"
)

// core is the register bus the controller drives plus its interrupt line.
type core struct {
	ctl *ccan.Controller
	irq <-chan struct{}
	// sim is nil when driving real hardware.
	sim     *ccsim.Sim
	cleanup func()
}

// deliver hands a frame from the wire to the simulated core. Frames no
// object accepts are dropped, as on the bus.
func (c *core) deliver(m can.Message) {
	if c.sim != nil {
		c.sim.Deliver(m)
	}
}

// openSimCore builds a simulated peripheral that transmits on its own.
// The transmit hook is installed later, once a backend exists.
func openSimCore(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (*core, error) {
	sim := ccsim.New(ccsim.WithAutoTransmit(), ccsim.WithLogger(l))
	platform := sysclk.Static{Hz: uint32(cfg.clockHz), Reset: sim.Reset}
	ctl := ccan.New(sim, ccan.WithLogger(l), ccan.WithPlatform(platform))
	wg.Add(1)
	go func() {
		defer wg.Done()
		sim.Run(ctx)
	}()
	l.Info("core_open", "driver", "sim", "clock_hz", cfg.clockHz)
	return &core{ctl: ctl, irq: sim.IRQ(), sim: sim, cleanup: func() {}}, nil
}

// openMMIOCore maps the CAN0 and system-control register pages. There
// is no user-space interrupt line, so a ticker drives dispatch.
func openMMIOCore(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (*core, error) {
	canRegs, err := mmio.Open(ccan.CAN0Base, mmio.PageSize)
	if err != nil {
		return nil, fmt.Errorf("map can0: %w", err)
	}
	sysRegs, err := mmio.Open(sysclk.SYSBase, mmio.PageSize)
	if err != nil {
		_ = canRegs.Close()
		return nil, fmt.Errorf("map sys: %w", err)
	}
	platform := sysclk.NewSystem(sysRegs, uint32(cfg.clockHz))
	ctl := ccan.New(canRegs, ccan.WithLogger(l), ccan.WithPlatform(platform))
	irq := make(chan struct{}, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(cfg.pollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				select {
				case irq <- struct{}{}:
				default:
				}
			}
		}
	}()
	l.Info("core_open", "driver", "mmio", "base", fmt.Sprintf("0x%08X", ccan.CAN0Base), "clock_hz", cfg.clockHz)
	return &core{ctl: ctl, irq: irq, cleanup: func() { _ = canRegs.Close(); _ = sysRegs.Close() }}, nil
}

func openCore(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (*core, error) {
	if cfg.driver == "mmio" {
		return openMMIOCore(ctx, cfg, l, wg)
	}
	return openSimCore(ctx, cfg, l, wg)
}
