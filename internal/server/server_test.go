package server

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/ccan"
	"github.com/kstaniek/go-nuc-can/internal/cnl"
	"github.com/kstaniek/go-nuc-can/internal/hub"
	"github.com/kstaniek/go-nuc-can/internal/transport"
)

type captureSink struct {
	mu  sync.Mutex
	got []can.Message
	err error
}

func (c *captureSink) Send(m can.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.got = append(c.got, m)
	return nil
}

func (c *captureSink) snapshot() []can.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]can.Message(nil), c.got...)
}

func startServer(t *testing.T, opts ...ServerOption) (*Server, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(append([]ServerOption{WithHandshakeTimeout(time.Second)}, opts...)...)
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		cancel()
		t.Fatal("server not ready")
	}
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	})
	return srv, cancel
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	require.NoError(t, cnl.Handshake(context.Background(), conn, time.Second))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestMonitorReceivesBroadcast(t *testing.T) {
	h := hub.New()
	srv, _ := startServer(t, WithHub(h), WithFlushInterval(time.Millisecond))
	conn := dial(t, srv.Addr())
	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)

	want := can.NewMessage(0x12345, 1, 2, 3, 4)
	h.Broadcast(want)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	got, err := (&cnl.Codec{}).Decode(conn)
	require.NoError(t, err)
	assert.True(t, got.Equal(want), "got %v", got)
}

func TestInjectReachesSink(t *testing.T) {
	sink := &captureSink{}
	srv, _ := startServer(t, WithSink(sink), WithInjectFilter(func(m can.Message) bool { return m.ID != 0x666 }))
	conn := dial(t, srv.Addr())

	codec := &cnl.Codec{}
	_, err := codec.EncodeTo(conn, []can.Message{
		can.NewMessage(0x666),
		can.NewMessage(0x7FF, 9),
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint32(0x7FF), sink.snapshot()[0].ID)
}

func TestInjectBackpressureIsNotAnError(t *testing.T) {
	sink := &captureSink{err: ccan.ErrTxBusy}
	srv, _ := startServer(t, WithSink(sink))
	conn := dial(t, srv.Addr())
	_, err := (&cnl.Codec{}).EncodeTo(conn, []can.Message{can.NewMessage(1)})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.totalInjectDropped.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, srv.LastError())
}

func TestHandshakeFailure(t *testing.T) {
	srv, _ := startServer(t, WithSink(transport.Discard))
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_, _ = io.WriteString(conn, "HELLOTHERE!!")
	require.Eventually(t, func() bool { return srv.totalHandshakeFail.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, srv.LastError(), ErrHandshake)
}

func TestMaxClientsRejects(t *testing.T) {
	h := hub.New()
	h.MaxClients = 1
	srv, _ := startServer(t, WithHub(h))
	_ = dial(t, srv.Addr())
	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)

	second := dial(t, srv.Addr())
	_ = second.SetReadDeadline(time.Now().Add(time.Second))
	var b [1]byte
	_, err := second.Read(b[:])
	assert.Error(t, err)
	assert.Equal(t, 1, h.Count())
}

func TestShutdownDisconnectsClients(t *testing.T) {
	h := hub.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer(WithHub(h))
	go func() { _ = srv.Serve(ctx) }()
	<-srv.Ready()
	_ = dial(t, srv.Addr())
	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)

	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	require.NoError(t, srv.Shutdown(sctx))
	assert.Equal(t, 0, h.Count())
}
