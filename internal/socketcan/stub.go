//go:build !linux

package socketcan

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-nuc-can/internal/can"
)

// ErrUnsupported is returned by Open off Linux, where AF_CAN is absent.
var ErrUnsupported = errors.New("socketcan: unsupported on this platform")

// Device is never constructed off Linux.
type Device struct{}

var _ Dev = (*Device)(nil)

func Open(iface string) (*Device, error) {
	return nil, fmt.Errorf("%w (interface %s)", ErrUnsupported, iface)
}

func (*Device) ReadMessage() (can.Message, error) { return can.Message{}, ErrUnsupported }
func (*Device) WriteMessage(can.Message) error    { return ErrUnsupported }
func (*Device) Close() error                      { return nil }
