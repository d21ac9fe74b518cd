package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/metrics"
)

// startReader decodes messages written by a client and injects them into
// the controller through s.Sink.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		inject := func(m can.Message) {
			if s.filter != nil && !s.filter(m) {
				return
			}
			metrics.IncTCPRx()
			if s.Sink == nil {
				return
			}
			if err := s.Sink.Send(m); err != nil {
				if isBackpressure(err) {
					s.totalInjectDropped.Add(1)
					logger.Debug("inject_dropped", "msg", m.String(), "error", err)
					return
				}
				wrap := fmt.Errorf("%w: %v", ErrInject, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				s.totalInjectErrors.Add(1)
				logger.Error("inject_error", "error", err, "msg", m.String())
			}
		}
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			count, err := s.Codec.DecodeN(conn, s.batchSize, inject)
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return
			}
			if count == 0 {
				time.Sleep(100 * time.Microsecond)
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}
