// Package can holds the CAN message model shared by the controller driver,
// the bus backends and the TCP monitor.
package can

import (
	"errors"
	"fmt"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>).
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDLC is the classic CAN payload limit.
const MaxDLC = 8

// IDType selects 11-bit (standard) or 29-bit (extended) identifiers.
type IDType uint8

const (
	StandardID IDType = 0
	ExtendedID IDType = 1
)

func (t IDType) String() string {
	switch t {
	case StandardID:
		return "STD"
	case ExtendedID:
		return "EXT"
	default:
		return fmt.Sprintf("IDType(%d)", uint8(t))
	}
}

// FrameType follows the vendor numbering: remote frames are 0, data frames 1.
type FrameType uint8

const (
	RemoteFrame FrameType = 0
	DataFrame   FrameType = 1
)

func (t FrameType) String() string {
	if t == RemoteFrame {
		return "RTR"
	}
	return "DATA"
}

var (
	ErrIDType = errors.New("can: invalid id type")
	ErrID     = errors.New("can: id out of range for id type")
	ErrDLC    = errors.New("can: data length exceeds 8")
)

// Message is a classic CAN frame as seen by the application.
type Message struct {
	IDType    IDType
	FrameType FrameType
	ID        uint32
	DLC       uint8
	Data      [MaxDLC]byte
}

// NewMessage builds a data frame. The id type is inferred from the id
// magnitude; payloads longer than 8 bytes are truncated.
func NewMessage(id uint32, data ...byte) Message {
	m := Message{FrameType: DataFrame, ID: id}
	if id > CAN_SFF_MASK {
		m.IDType = ExtendedID
	}
	m.DLC = uint8(copy(m.Data[:], data))
	return m
}

// Payload returns the first DLC bytes.
func (m *Message) Payload() []byte {
	n := int(m.DLC)
	if n > MaxDLC {
		n = MaxDLC
	}
	return m.Data[:n]
}

// Extended reports whether the message carries a 29-bit identifier.
func (m Message) Extended() bool { return m.IDType == ExtendedID }

// Validate checks the id against its declared width and the DLC bound.
func (m Message) Validate() error {
	if err := ValidateID(m.IDType, m.ID); err != nil {
		return err
	}
	if m.DLC > MaxDLC {
		return fmt.Errorf("%w (%d)", ErrDLC, m.DLC)
	}
	return nil
}

// ValidateID reports whether id fits the bit width of t.
func ValidateID(t IDType, id uint32) error {
	switch t {
	case StandardID:
		if id > CAN_SFF_MASK {
			return fmt.Errorf("%w: 0x%X > 0x7FF", ErrID, id)
		}
	case ExtendedID:
		if id > CAN_EFF_MASK {
			return fmt.Errorf("%w: 0x%X > 0x1FFFFFFF", ErrID, id)
		}
	default:
		return fmt.Errorf("%w (%d)", ErrIDType, t)
	}
	return nil
}

// CANID packs the identifier with EFF/RTR flags in SocketCAN layout.
func (m Message) CANID() uint32 {
	id := m.ID
	if m.IDType == ExtendedID {
		id = (id & CAN_EFF_MASK) | CAN_EFF_FLAG
	} else {
		id &= CAN_SFF_MASK
	}
	if m.FrameType == RemoteFrame {
		id |= CAN_RTR_FLAG
	}
	return id
}

// FromCANID is the inverse of CANID. Error frames are reported as data
// frames with the error flag stripped; callers that care check the raw id.
func FromCANID(canID uint32, data []byte) Message {
	m := Message{FrameType: DataFrame}
	if canID&CAN_EFF_FLAG != 0 {
		m.IDType = ExtendedID
		m.ID = canID & CAN_EFF_MASK
	} else {
		m.ID = canID & CAN_SFF_MASK
	}
	if canID&CAN_RTR_FLAG != 0 {
		m.FrameType = RemoteFrame
	}
	m.DLC = uint8(copy(m.Data[:], data))
	return m
}

// Equal compares header and the valid part of the payload.
func (m Message) Equal(o Message) bool {
	if m.IDType != o.IDType || m.FrameType != o.FrameType || m.ID != o.ID || m.DLC != o.DLC {
		return false
	}
	return string(m.Payload()) == string(o.Payload())
}

func (m Message) String() string {
	return fmt.Sprintf("ID=0x%X Type=%s %s DLC=%d Data=% X", m.ID, m.IDType, m.FrameType, m.DLC, m.Payload())
}

// Mask describes an acceptance filter for a receive message object.
// A set bit in ID means the corresponding identifier bit takes part in
// filtering. Xtd makes the extended-id flag take part, Dir the direction bit.
type Mask struct {
	Xtd    bool
	Dir    bool
	ID     uint32
	IDType IDType
}

// ExactMask returns a mask that compares every identifier bit and the
// extended flag.
func ExactMask(t IDType) Mask {
	if t == ExtendedID {
		return Mask{Xtd: true, ID: CAN_EFF_MASK, IDType: t}
	}
	return Mask{Xtd: true, ID: CAN_SFF_MASK, IDType: t}
}
