// Package serial bridges the simulated controller to a UART CAN adapter.
package serial

import (
	"bytes"
	"encoding/binary"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/metrics"
)

// Wire layout, identical in both directions:
//
//	2D D4 LEN FLAGS ID3 ID2 ID1 ID0 DATA... SUM
//
// LEN counts FLAGS, ID, DATA and SUM. FLAGS bit 7 marks an extended id,
// bit 6 a remote frame, bits 0-3 hold the DLC. SUM is 0x2D + LEN + every
// byte between LEN and SUM, mod 256.
const (
	pre0 = 0x2D
	pre1 = 0xD4

	flagExt = 0x80
	flagRTR = 0x40

	minLn = 1 + 4 + 1
	maxLn = 1 + 4 + can.MaxDLC + 1
)

type Codec struct{}

// CompactBuffer drops the consumed prefix once the buffer is large and
// mostly read. It reports whether it copied.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// envelope wraps body in preamble, length and checksum.
func envelope(body []byte) []byte {
	n := len(body)
	out := make([]byte, n+4)
	out[0], out[1] = pre0, pre1
	out[2] = byte(n + 1)
	sum := out[2] + pre0
	for i, b := range body {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// Encode renders one message. Remote frames keep their DLC but send no data.
func (Codec) Encode(m can.Message) []byte {
	var body [1 + 4 + can.MaxDLC]byte
	flags := m.DLC & 0x0F
	if m.Extended() {
		flags |= flagExt
	}
	n := 5
	if m.FrameType == can.RemoteFrame {
		flags |= flagRTR
	} else {
		n += copy(body[5:], m.Payload())
	}
	body[0] = flags
	binary.BigEndian.PutUint32(body[1:5], m.ID)
	return envelope(body[:n])
}

// DecodeStream consumes every complete frame in in and calls out for each.
// Partial input stays buffered for the next call. Garbage and bad checksums
// are skipped a byte at a time and counted as malformed.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Message)) error {
	header := []byte{pre0, pre1}
	for {
		data := in.Bytes()
		_ = CompactBuffer(in)
		if len(data) < 3 {
			return nil
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// keep the tail byte, it may be the first half of a preamble
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < minLn || ln > maxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		req := 3 + ln
		if len(data) < req {
			return nil
		}
		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		flags := data[3]
		m := can.Message{
			ID:        binary.BigEndian.Uint32(data[4:8]),
			FrameType: can.DataFrame,
			DLC:       flags & 0x0F,
		}
		if flags&flagExt != 0 {
			m.IDType = can.ExtendedID
		}
		payload := data[8 : req-1]
		if flags&flagRTR != 0 {
			m.FrameType = can.RemoteFrame
		} else {
			copy(m.Data[:], payload)
			if int(m.DLC) != len(payload) {
				m.DLC = uint8(len(payload))
			}
		}
		if m.Validate() != nil {
			metrics.IncMalformed()
			in.Next(req)
			continue
		}
		out(m)
		metrics.IncWireRx("serial")
		in.Next(req)
	}
}
