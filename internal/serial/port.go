package serial

import (
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// Port is the byte stream of a serial CAN adapter. tarm/serial ports
// satisfy it; tests substitute in-memory fakes.
type Port interface {
	io.ReadWriteCloser
}

// Open opens the adapter at baud, 8N1. readTimeout must be positive so a
// receive loop wakes up often enough to observe cancellation.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	if readTimeout <= 0 {
		return nil, fmt.Errorf("serial %s: read timeout must be positive", name)
	}
	p, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
	if err != nil {
		return nil, fmt.Errorf("serial %s: %w", name, err)
	}
	return p, nil
}
