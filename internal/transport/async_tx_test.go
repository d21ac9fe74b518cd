package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-nuc-can/internal/can"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

func waitFor(cond func() bool) {
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && !cond() {
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAsyncTxDeliversInOrder(t *testing.T) {
	var got []uint32
	var after atomic.Int64
	ax := NewAsyncTx(context.Background(), 4, func(m can.Message) error {
		got = append(got, m.ID)
		return nil
	}, Hooks{OnAfter: func() { after.Add(1) }})
	for i := uint32(1); i <= 3; i++ {
		if err := ax.Send(can.NewMessage(i)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	waitFor(func() bool { return after.Load() == 3 })
	ax.Close()
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestAsyncTxOverflow(t *testing.T) {
	release := make(chan struct{})
	var drops atomic.Int64
	ax := NewAsyncTx(context.Background(), 1, func(int) error { <-release; return nil },
		Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer ax.Close()
	defer close(release)
	// first is picked up by the worker, second fills the buffer
	_ = ax.Send(1)
	waitFor(func() bool { return len(ax.ch) == 0 })
	if err := ax.Send(2); err != nil {
		t.Fatalf("buffered send: %v", err)
	}
	if err := ax.Send(3); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("drops=%d", drops.Load())
	}
}

func TestAsyncTxSendError(t *testing.T) {
	var errs atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func(string) error { return errSendFail }, Hooks{OnError: func(error) { errs.Add(1) }})
	defer ax.Close()
	_ = ax.Send("x")
	waitFor(func() bool { return errs.Load() > 0 })
	if errs.Load() == 0 {
		t.Fatalf("expected error hook invocation")
	}
}

func TestAsyncTxSendAfterClose(t *testing.T) {
	var sent atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func(can.Message) error { sent.Add(1); return nil }, Hooks{})
	ax.Close()
	ax.Close()
	if err := ax.Send(can.NewMessage(0x123)); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("expected ErrAsyncTxClosed, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if sent.Load() != 0 {
		t.Fatalf("message processed after close")
	}
}

func TestAsyncTxCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		ax := NewAsyncTx(context.Background(), 1, func(can.Message) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() { done <- ax.Send(can.Message{}) }()
		time.Sleep(time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncTxClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}

func TestSinkFunc(t *testing.T) {
	var n int
	var s Sink = SinkFunc(func(can.Message) error { n++; return nil })
	_ = s.Send(can.Message{})
	_ = Discard.Send(can.Message{})
	if n != 1 {
		t.Fatalf("n=%d", n)
	}
}
