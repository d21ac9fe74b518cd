// Package canbus attaches the simulated controller to a CAN interface via
// the FabianPetersen/can publish/subscribe bus.
package canbus

import (
	"errors"
	"fmt"
	"sync"

	fcan "github.com/FabianPetersen/can"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/logging"
	"github.com/kstaniek/go-nuc-can/internal/metrics"
	"github.com/kstaniek/go-nuc-can/internal/transport"
)

var ErrClosed = errors.New("canbus: closed")

// Publisher is the subset of *fcan.Bus the Backend drives.
type Publisher interface {
	Publish(fcan.Frame) error
	SubscribeFunc(fcan.HandlerFunc)
	ConnectAndPublish() error
	Disconnect() error
}

// Backend forwards received frames to a callback and publishes sends.
type Backend struct {
	bus Publisher

	mu     sync.Mutex
	closed bool
}

var _ transport.Sink = (*Backend)(nil)

// New wraps an existing bus.
func New(bus Publisher) *Backend { return &Backend{bus: bus} }

// Run subscribes onRx and blocks while the bus reads frames.
func (b *Backend) Run(onRx func(can.Message)) error {
	b.bus.SubscribeFunc(func(f fcan.Frame) {
		m, err := FromFrame(f)
		if err != nil {
			metrics.IncMalformed()
			return
		}
		metrics.IncWireRx("canbus")
		onRx(m)
	})
	if err := b.bus.ConnectAndPublish(); err != nil {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil
		}
		return fmt.Errorf("canbus: %w", err)
	}
	return nil
}

func (b *Backend) Send(m can.Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := b.bus.Publish(ToFrame(m)); err != nil {
		metrics.IncError(metrics.ErrCanbusWrite)
		logging.L().Warn("canbus_publish_error", "error", err)
		return err
	}
	metrics.IncWireTx("canbus")
	return nil
}

// Close disconnects the bus; a blocked Run returns nil.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.bus.Disconnect()
}

// ToFrame carries the SocketCAN style id (flags included) in Frame.ID.
func ToFrame(m can.Message) fcan.Frame {
	f := fcan.Frame{ID: m.CANID(), Length: m.DLC}
	if m.FrameType == can.DataFrame {
		copy(f.Data[:], m.Payload())
	}
	return f
}

func FromFrame(f fcan.Frame) (can.Message, error) {
	if f.ID&can.CAN_ERR_FLAG != 0 {
		return can.Message{}, fmt.Errorf("canbus: error frame 0x%08X", f.ID)
	}
	if f.Length > can.MaxDLC {
		return can.Message{}, fmt.Errorf("canbus: %w (%d)", can.ErrDLC, f.Length)
	}
	m := can.FromCANID(f.ID, f.Data[:f.Length])
	m.DLC = f.Length
	return m, nil
}
