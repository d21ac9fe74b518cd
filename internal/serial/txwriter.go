package serial

import (
	"context"
	"errors"
	"fmt"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/logging"
	"github.com/kstaniek/go-nuc-can/internal/metrics"
	"github.com/kstaniek/go-nuc-can/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter queues encoded frames for a single writer goroutine. Frames
// are validated and encoded on the caller's goroutine, so an invalid
// message is rejected before it takes a queue slot.
type TXWriter struct {
	codec Codec
	q     *transport.AsyncTx[[]byte]
}

var _ transport.Sink = (*TXWriter)(nil)

// NewTXWriter starts a writer over sp with room for buf pending frames.
func NewTXWriter(parent context.Context, sp Port, codec Codec, buf int) *TXWriter {
	write := func(b []byte) error {
		n, err := sp.Write(b)
		if err == nil && n != len(b) {
			err = fmt.Errorf("short write %d/%d", n, len(b))
		}
		return err
	}
	q := transport.NewAsyncTx(parent, buf, write, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncWireTx("serial") },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	})
	return &TXWriter{codec: codec, q: q}
}

// Send encodes m and queues it; ErrTxOverflow when the queue is full.
func (w *TXWriter) Send(m can.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return w.q.Send(w.codec.Encode(m))
}

func (w *TXWriter) Close() { w.q.Close() }
