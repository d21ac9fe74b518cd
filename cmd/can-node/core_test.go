package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/hub"
	"github.com/kstaniek/go-nuc-can/internal/node"
)

func recvMsg(t *testing.T, ch <-chan can.Message) can.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
	}
	return can.Message{}
}

// TestSimCoreEndToEnd runs wire -> sim -> node -> hub and node -> sim -> wire.
func TestSimCoreEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	cfg := &appConfig{driver: "sim", clockHz: 48_000_000}
	c, err := openSimCore(ctx, cfg, testLogger(), &wg)
	if err != nil {
		t.Fatalf("openSimCore: %v", err)
	}
	defer c.cleanup()
	wire := make(chan can.Message, 8)
	c.sim.SetTransmitHook(func(m can.Message) { wire <- m })

	h := hub.New()
	h.OutBufSize = 8
	cl := hub.NewClient(8)
	if err := h.Add(cl); err != nil {
		t.Fatalf("hub add: %v", err)
	}

	n, err := node.New(c.ctl, node.DefaultPlan(), node.WithLogger(testLogger()), node.WithReceiver(h.Broadcast))
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	timing, err := n.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = n.Stop() }()
	if timing.Bitrate != 500000 || !timing.Exact {
		t.Fatalf("unexpected timing %+v", timing)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = n.Serve(ctx, c.irq)
	}()

	in := can.NewMessage(0x12345, 0xDE, 0xAD)
	c.deliver(in)
	if got := recvMsg(t, cl.Out); !got.Equal(in) {
		t.Fatalf("monitor got %v want %v", got, in)
	}

	out := can.NewMessage(0x321, 1, 2, 3)
	if err := n.Send(out); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := recvMsg(t, wire); !got.Equal(out) {
		t.Fatalf("wire got %v want %v", got, out)
	}
}

func TestLoadPlanOverrides(t *testing.T) {
	plan, err := loadPlan(&appConfig{bitrate: 250000, mode: "loopback"})
	if err != nil {
		t.Fatalf("loadPlan: %v", err)
	}
	if plan.Bitrate != 250000 || plan.Mode != "loopback" {
		t.Fatalf("overrides not applied: %+v", plan)
	}
	if len(plan.TxSlots) != len(node.DefaultPlan().TxSlots) {
		t.Fatalf("tx slots changed: %v", plan.TxSlots)
	}

	path := filepath.Join(t.TempDir(), "plan.toml")
	if err := os.WriteFile(path, []byte("bitrate = 125000\ntx_slots = [20]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	plan, err = loadPlan(&appConfig{planPath: path})
	if err != nil {
		t.Fatalf("loadPlan file: %v", err)
	}
	if plan.Bitrate != 125000 || len(plan.TxSlots) != 1 || plan.TxSlots[0] != 20 {
		t.Fatalf("file plan not applied: %+v", plan)
	}

	if _, err := loadPlan(&appConfig{mode: "bogus"}); err == nil {
		t.Fatal("expected invalid mode to fail validation")
	}
}
