// Package socketcan bridges the simulated controller to a Linux CAN
// interface through a raw CAN socket.
package socketcan

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-nuc-can/internal/can"
)

// frameSize is sizeof(struct can_frame).
const frameSize = 16

// Dev is what the backend and TXWriter need from a device.
type Dev interface {
	ReadMessage() (can.Message, error)
	WriteMessage(can.Message) error
	Close() error
}

// marshal lays m out as struct can_frame: can_id (host order, little-endian
// on the targets we ship), can_dlc, 3 pad bytes, data.
func marshal(m can.Message) [frameSize]byte {
	var b [frameSize]byte
	binary.LittleEndian.PutUint32(b[0:4], m.CANID())
	b[4] = m.DLC
	if m.FrameType == can.DataFrame {
		copy(b[8:], m.Payload())
	}
	return b
}

// unmarshal is the inverse of marshal. Error frames are rejected.
func unmarshal(b []byte) (can.Message, error) {
	if len(b) != frameSize {
		return can.Message{}, fmt.Errorf("short read: %d", len(b))
	}
	id := binary.LittleEndian.Uint32(b[0:4])
	if id&can.CAN_ERR_FLAG != 0 {
		return can.Message{}, fmt.Errorf("error frame 0x%08X", id)
	}
	dlc := b[4]
	if dlc > can.MaxDLC {
		dlc = can.MaxDLC
	}
	m := can.FromCANID(id, b[8:8+dlc])
	m.DLC = dlc
	return m, nil
}
