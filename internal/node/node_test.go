package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/ccan"
	"github.com/kstaniek/go-nuc-can/internal/ccsim"
	"github.com/kstaniek/go-nuc-can/internal/logging"
	"github.com/kstaniek/go-nuc-can/internal/metrics"
	"github.com/kstaniek/go-nuc-can/internal/sysclk"
)

type inbox struct {
	mu   sync.Mutex
	msgs []can.Message
}

func (b *inbox) add(m can.Message) { b.mu.Lock(); b.msgs = append(b.msgs, m); b.mu.Unlock() }
func (b *inbox) list() []can.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]can.Message(nil), b.msgs...)
}

type fixture struct {
	sim   *ccsim.Sim
	ctl   *ccan.Controller
	node  *Node
	rx    *inbox
	wire  *inbox
	wakes int
}

func start(t *testing.T, plan Plan) *fixture {
	t.Helper()
	f := &fixture{rx: &inbox{}, wire: &inbox{}}
	f.sim = ccsim.New(ccsim.WithLogger(logging.Discard()), ccsim.WithTransmitHook(f.wire.add))
	f.ctl = ccan.New(f.sim,
		ccan.WithLogger(logging.Discard()),
		ccan.WithPlatform(sysclk.Static{Hz: 48_000_000, Reset: f.sim.Reset}))
	n, err := New(f.ctl, plan,
		WithLogger(logging.Discard()),
		WithReceiver(f.rx.add),
		WithWakeupHook(func() { f.wakes++ }))
	require.NoError(t, err)
	_, err = n.Start()
	require.NoError(t, err)
	f.node = n
	t.Cleanup(func() { _ = n.Stop() })
	return f
}

func (f *fixture) dispatch(t *testing.T) {
	t.Helper()
	_, err := f.ctl.Dispatch()
	require.NoError(t, err)
}

func TestReceiveThroughPlan(t *testing.T) {
	f := start(t, DefaultPlan())
	st := f.ctl.State()
	assert.Equal(t, uint32(ccan.CON_IE|ccan.CON_SIE|ccan.CON_EIE), st.InterruptMask)
	assert.True(t, st.Wakeup)

	require.True(t, f.sim.Deliver(can.NewMessage(0x12345, 1, 2, 3, 4)))
	require.True(t, f.sim.Deliver(can.NewMessage(0x7FF, 9)))
	assert.False(t, f.sim.Deliver(can.NewMessage(0x100)), "no object accepts 0x100")
	f.dispatch(t)

	got := f.rx.list()
	require.Len(t, got, 2)
	// lowest object first: slot 0 holds 0x7FF
	assert.Equal(t, uint32(0x7FF), got[0].ID)
	assert.Equal(t, uint32(0x12345), got[1].ID)
	assert.Equal(t, []byte{1, 2, 3, 4}, got[1].Payload())
}

func TestSendRoundRobinAndCompletion(t *testing.T) {
	f := start(t, DefaultPlan())
	before := metrics.Snap().TxCompleted

	require.NoError(t, f.node.Send(can.NewMessage(0x10, 1)))
	require.NoError(t, f.node.Send(can.NewMessage(0x11, 2)))
	busy8, err := f.ctl.TxPending(8)
	require.NoError(t, err)
	busy9, err := f.ctl.TxPending(9)
	require.NoError(t, err)
	assert.True(t, busy8)
	assert.True(t, busy9)

	assert.Equal(t, 2, f.sim.Flush())
	f.dispatch(t)
	wire := f.wire.list()
	require.Len(t, wire, 2)
	assert.Equal(t, uint32(0x10), wire[0].ID)
	assert.Equal(t, uint32(0x11), wire[1].ID)
	assert.GreaterOrEqual(t, metrics.Snap().TxCompleted, before+2)

	require.NoError(t, f.node.Send(can.NewMessage(0x12)))
	busy, err := f.ctl.TxPending(10)
	require.NoError(t, err)
	assert.True(t, busy, "round robin continues at the next object")
}

func TestSendAllObjectsBusy(t *testing.T) {
	plan := DefaultPlan()
	plan.TxSlots = []int{8}
	f := start(t, plan)
	require.NoError(t, f.node.Send(can.NewMessage(0x1)))
	err := f.node.Send(can.NewMessage(0x2))
	assert.ErrorIs(t, err, ErrNoTxSlot)
	assert.ErrorIs(t, err, ccan.ErrTxBusy)

	f.sim.Step()
	assert.NoError(t, f.node.Send(can.NewMessage(0x2)))
}

func TestSendRejectsInvalid(t *testing.T) {
	f := start(t, DefaultPlan())
	assert.ErrorIs(t, f.node.Send(can.Message{ID: 0x800}), can.ErrID)
}

func TestWakeupFromPowerDown(t *testing.T) {
	f := start(t, DefaultPlan())
	f.sim.PowerDown()
	require.True(t, f.sim.Deliver(can.NewMessage(0x7FF01, 0xAA)))
	assert.False(t, f.sim.PoweredDown())
	f.dispatch(t)
	assert.Equal(t, 1, f.wakes)
	require.Len(t, f.rx.list(), 1)
	assert.Equal(t, uint32(0x7FF01), f.rx.list()[0].ID)
}

func TestBasicMode(t *testing.T) {
	plan := DefaultPlan()
	plan.Mode = "basic"
	f := start(t, plan)

	require.NoError(t, f.node.Send(can.NewMessage(0x321, 7)))
	require.Len(t, f.wire.list(), 1)
	assert.Equal(t, uint32(0x321), f.wire.list()[0].ID)

	require.True(t, f.sim.Deliver(can.NewMessage(0x55, 1, 2)))
	f.dispatch(t)
	require.Len(t, f.rx.list(), 1)
	assert.Equal(t, uint32(0x55), f.rx.list()[0].ID)
}

func TestBusOffFlag(t *testing.T) {
	f := start(t, DefaultPlan())
	f.sim.BusOff()
	f.dispatch(t)
	assert.True(t, f.node.BusOff())
}

func TestStopIdempotent(t *testing.T) {
	f := start(t, DefaultPlan())
	require.NoError(t, f.node.Stop())
	require.NoError(t, f.node.Stop())
	assert.ErrorIs(t, f.node.Send(can.NewMessage(1)), ccan.ErrNotOpen)
	assert.Equal(t, ccan.ModeUninitialized, f.ctl.State().Mode)
}

func TestServeDispatchesOnIRQ(t *testing.T) {
	f := start(t, DefaultPlan())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.node.Serve(ctx, f.sim.IRQ()) }()

	require.True(t, f.sim.Deliver(can.NewMessage(0x12345, 5)))
	require.Eventually(t, func() bool { return len(f.rx.list()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
