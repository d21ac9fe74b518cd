package can

import (
	"errors"
	"testing"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name string
		typ  IDType
		id   uint32
		want error
	}{
		{"stdMax", StandardID, 0x7FF, nil},
		{"stdOverflow", StandardID, 0x800, ErrID},
		{"extMax", ExtendedID, 0x1FFFFFFF, nil},
		{"extOverflow", ExtendedID, 0x20000000, ErrID},
		{"badType", IDType(7), 1, ErrIDType},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateID(tc.typ, tc.id)
			if tc.want == nil && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v got %v", tc.want, err)
			}
		})
	}
}

func TestMessageValidateDLC(t *testing.T) {
	m := NewMessage(0x123, 1, 2)
	m.DLC = 9
	if err := m.Validate(); !errors.Is(err, ErrDLC) {
		t.Fatalf("expected ErrDLC got %v", err)
	}
}

func TestNewMessageInfersIDType(t *testing.T) {
	if m := NewMessage(0x7FF); m.IDType != StandardID {
		t.Fatalf("0x7FF should be standard")
	}
	if m := NewMessage(0x800); m.IDType != ExtendedID {
		t.Fatalf("0x800 should be extended")
	}
	m := NewMessage(0x1, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	if m.DLC != 8 {
		t.Fatalf("payload should truncate to 8, got %d", m.DLC)
	}
}

func TestCANIDFlags(t *testing.T) {
	ext := NewMessage(0x12345, 0xAA)
	if got := ext.CANID(); got != 0x12345|CAN_EFF_FLAG {
		t.Fatalf("ext canid 0x%X", got)
	}
	rtr := Message{IDType: StandardID, FrameType: RemoteFrame, ID: 0x321}
	if got := rtr.CANID(); got != 0x321|CAN_RTR_FLAG {
		t.Fatalf("rtr canid 0x%X", got)
	}
	back := FromCANID(ext.CANID(), ext.Payload())
	if !back.Equal(ext) {
		t.Fatalf("FromCANID mismatch: %v vs %v", back, ext)
	}
	if r := FromCANID(rtr.CANID(), nil); r.FrameType != RemoteFrame || r.ID != 0x321 {
		t.Fatalf("rtr decode: %v", r)
	}
}
