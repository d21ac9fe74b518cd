package cnl

import (
	"bytes"
	"testing"

	"github.com/kstaniek/go-nuc-can/internal/can"
)

// benchMessages mixes the frame shapes a node forwards: 11-bit and 29-bit
// data frames of every length plus the odd remote request.
func benchMessages(n int) []can.Message {
	msgs := make([]can.Message, n)
	for i := range msgs {
		payload := make([]byte, i%(can.MaxDLC+1))
		for j := range payload {
			payload[j] = byte(i + j)
		}
		switch {
		case i%16 == 15:
			m := can.NewMessage(0x7FF)
			m.FrameType = can.RemoteFrame
			m.DLC = 8
			msgs[i] = m
		case i%2 == 0:
			msgs[i] = can.NewMessage(0x12345+uint32(i), payload...)
		default:
			msgs[i] = can.NewMessage(0x100+uint32(i), payload...)
		}
	}
	return msgs
}

func BenchmarkCodecEncode64(b *testing.B) {
	c := &Codec{}
	msgs := benchMessages(64)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = c.Encode(msgs)
	}
}

func BenchmarkCodecEncodeTo64(b *testing.B) {
	c := &Codec{}
	msgs := benchMessages(64)
	var buf bytes.Buffer
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		_, _ = c.EncodeTo(&buf, msgs)
	}
}

func BenchmarkCodecDecodeN64(b *testing.B) {
	c := &Codec{}
	wire := c.Encode(benchMessages(64))
	b.SetBytes(int64(len(wire)))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = c.DecodeN(bytes.NewReader(wire), 0, func(can.Message) {})
	}
}
