package server

import (
	"errors"

	"github.com/kstaniek/go-nuc-can/internal/ccan"
	"github.com/kstaniek/go-nuc-can/internal/metrics"
	"github.com/kstaniek/go-nuc-can/internal/serial"
	"github.com/kstaniek/go-nuc-can/internal/socketcan"
)

// Sentinels wrapped into every reported error so callers can use errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrHandshake = errors.New("handshake")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrInject    = errors.New("inject")
	ErrContext   = errors.New("context_cancelled")
)

func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead), errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	case errors.Is(err, ErrInject):
		return metrics.ErrControllerTx
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}

// isBackpressure reports errors that mean "queue full, try later" rather
// than a broken path.
func isBackpressure(err error) bool {
	return errors.Is(err, ccan.ErrTxBusy) ||
		errors.Is(err, serial.ErrTxOverflow) ||
		errors.Is(err, socketcan.ErrTxOverflow)
}
