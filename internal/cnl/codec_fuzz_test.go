package cnl

import (
	"bytes"
	"testing"

	"github.com/kstaniek/go-nuc-can/internal/can"
)

// FuzzDecode checks the decoder never panics and never yields a DLC above 8.
func FuzzDecode(f *testing.F) {
	c := Codec{}
	f.Add(c.Encode([]can.Message{can.NewMessage(0x100)}))
	f.Add(c.Encode([]can.Message{can.NewMessage(0x12345, 1, 2, 3, 4, 5, 6, 7, 8), can.NewMessage(0x1)}))
	f.Add([]byte{0, 0, 0, 1, 0xFF})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = c.DecodeN(bytes.NewReader(data), 16, func(m can.Message) {
			if m.DLC > can.MaxDLC {
				t.Fatalf("dlc %d", m.DLC)
			}
		})
	})
}
