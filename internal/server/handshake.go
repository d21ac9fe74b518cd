package server

import (
	"context"
	"fmt"
	"net"

	"github.com/kstaniek/go-nuc-can/internal/cnl"
	"github.com/kstaniek/go-nuc-can/internal/metrics"
)

// handshake runs the cannelloni hello exchange on a fresh connection.
// Failures are counted and recorded as the last server error; the caller
// only has to drop the connection.
func (s *Server) handshake(ctx context.Context, c net.Conn) error {
	err := cnl.Handshake(ctx, c, s.handshakeTimeout)
	if err == nil {
		return nil
	}
	wrap := fmt.Errorf("%w: %s: %v", ErrHandshake, c.RemoteAddr(), err)
	metrics.IncError(mapErrToMetric(wrap))
	s.setError(wrap)
	s.totalHandshakeFail.Add(1)
	return wrap
}
