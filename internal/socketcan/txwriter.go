package socketcan

import (
	"context"
	"errors"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/logging"
	"github.com/kstaniek/go-nuc-can/internal/metrics"
	"github.com/kstaniek/go-nuc-can/internal/transport"
)

var ErrTxOverflow = errors.New("socketcan tx overflow")

// TXWriter funnels all socket writes through one goroutine.
type TXWriter struct{ base *transport.AsyncTx[can.Message] }

var _ transport.Sink = (*TXWriter)(nil)

func NewTXWriter(parent context.Context, dev Dev, buf int) *TXWriter {
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSocketCANWrite)
			logging.L().Warn("socketcan_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncWireTx("socketcan") },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, dev.WriteMessage, hooks)}
}

// Send queues m; ErrTxOverflow when the queue is full.
func (w *TXWriter) Send(m can.Message) error { return w.base.Send(m) }

func (w *TXWriter) Close() { w.base.Close() }
