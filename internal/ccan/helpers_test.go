package ccan_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/ccan"
	"github.com/kstaniek/go-nuc-can/internal/ccsim"
	"github.com/kstaniek/go-nuc-can/internal/logging"
	"github.com/kstaniek/go-nuc-can/internal/sysclk"
)

// recorder collects dispatched events.
type recorder struct {
	mu     sync.Mutex
	events []ccan.Event
	onEv   func(c *ccan.Controller, ev ccan.Event)
}

func (r *recorder) HandleEvent(c *ccan.Controller, ev ccan.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	fn := r.onEv
	r.mu.Unlock()
	if fn != nil {
		fn(c, ev)
	}
}

func (r *recorder) list() []ccan.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ccan.Event(nil), r.events...)
}

func (r *recorder) kinds() []ccan.EventKind {
	var out []ccan.EventKind
	for _, ev := range r.list() {
		out = append(out, ev.Kind)
	}
	return out
}

// txLog records frames the simulated core put on the bus.
type txLog struct {
	mu     sync.Mutex
	frames []can.Message
}

func (l *txLog) add(m can.Message) {
	l.mu.Lock()
	l.frames = append(l.frames, m)
	l.mu.Unlock()
}

func (l *txLog) list() []can.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]can.Message(nil), l.frames...)
}

type rig struct {
	sim    *ccsim.Sim
	ctl    *ccan.Controller
	rec    *recorder
	tx     *txLog
	resets int
}

func newRig(t *testing.T, simOpts []ccsim.Option, opts ...ccan.Option) *rig {
	t.Helper()
	r := &rig{rec: &recorder{}, tx: &txLog{}}
	simOpts = append(simOpts, ccsim.WithTransmitHook(r.tx.add), ccsim.WithLogger(logging.Discard()))
	r.sim = ccsim.New(simOpts...)
	base := []ccan.Option{
		ccan.WithLogger(logging.Discard()),
		ccan.WithHandler(r.rec),
		ccan.WithPlatform(sysclk.Static{Hz: 48000000, Reset: func() { r.resets++; r.sim.Reset() }}),
	}
	r.ctl = ccan.New(r.sim, append(base, opts...)...)
	return r
}

func openRig(t *testing.T, mode ccan.Mode, simOpts []ccsim.Option, opts ...ccan.Option) *rig {
	t.Helper()
	r := newRig(t, simOpts, opts...)
	_, err := r.ctl.Open(500000, mode)
	require.NoError(t, err)
	return r
}

func extMsg(id uint32, data ...byte) can.Message {
	m := can.NewMessage(id, data...)
	m.IDType = can.ExtendedID
	return m
}

func stdMsg(id uint32, data ...byte) can.Message {
	m := can.NewMessage(id, data...)
	m.IDType = can.StandardID
	return m
}
