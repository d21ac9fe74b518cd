// Package cnl implements the cannelloni TCP framing used by the monitor
// port.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/metrics"
)

// Codec encodes and decodes cannelloni frames. It is stateless.
type Codec struct{}

var (
	ErrInvalidLength  = errors.New("cannelloni: invalid length")
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
)

// Encode packs messages into one buffer.
func (c *Codec) Encode(msgs []can.Message) []byte {
	if len(msgs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(msgs) * (4 + 1 + can.MaxDLC))
	_, _ = c.EncodeTo(&buf, msgs)
	return buf.Bytes()
}

// EncodeTo writes each message as a 4-byte big-endian can_id (SocketCAN
// flags included), one length byte and the payload. Remote frames carry
// their DLC but no payload.
func (c *Codec) EncodeTo(w io.Writer, msgs []can.Message) (int, error) {
	var total int
	var hdr [5]byte
	for _, m := range msgs {
		binary.BigEndian.PutUint32(hdr[:4], m.CANID())
		hdr[4] = m.DLC & 0x0F
		n, err := w.Write(hdr[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode header: %w", err)
		}
		if m.FrameType == can.RemoteFrame || m.DLC == 0 {
			continue
		}
		n, err = w.Write(m.Payload())
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode data: %w", err)
		}
	}
	return total, nil
}

// Decode reads exactly one message. io.EOF is returned at a clean frame
// boundary.
func (c *Codec) Decode(r io.Reader) (can.Message, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		return can.Message{}, err
	}
	if _, err := io.ReadFull(r, hdr[4:]); err != nil {
		metrics.IncMalformed()
		return can.Message{}, fmt.Errorf("cannelloni decode length: %w", ErrTruncatedFrame)
	}
	id := binary.BigEndian.Uint32(hdr[:4])
	ln := int(hdr[4] & 0x7F)
	if ln > can.MaxDLC {
		metrics.IncMalformed()
		return can.Message{}, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	m := can.FromCANID(id, nil)
	m.DLC = uint8(ln)
	if m.FrameType == can.RemoteFrame || ln == 0 {
		return m, nil
	}
	if _, err := io.ReadFull(r, m.Data[:ln]); err != nil {
		metrics.IncMalformed()
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return m, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
		}
		return m, fmt.Errorf("cannelloni decode payload: %w", err)
	}
	return m, nil
}

// DecodeN decodes up to max messages (all when max <= 0), calling onMsg
// for each. It returns the count and the terminal error, possibly io.EOF.
func (c *Codec) DecodeN(r io.Reader, max int, onMsg func(can.Message)) (int, error) {
	var n int
	for max <= 0 || n < max {
		m, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onMsg(m)
		n++
	}
	return n, nil
}
