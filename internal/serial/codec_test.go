package serial

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/metrics"
)

func TestEncodeLayout(t *testing.T) {
	got := Codec{}.Encode(can.NewMessage(0x12345, 0xAA))
	want := []byte{0x2D, 0xD4, 0x07, 0x81, 0x00, 0x01, 0x23, 0x45, 0xAA, 0}
	var sum byte = 0x2D + 0x07
	for _, b := range want[3:9] {
		sum += b
	}
	want[9] = sum
	want = want[:10]
	if !bytes.Equal(got, want) {
		t.Fatalf("got % X want % X", got, want)
	}
}

func TestRoundTripChunked(t *testing.T) {
	codec := Codec{}
	want := []can.Message{
		can.NewMessage(0x1E5A, 0x34, 0x7B, 0x70, 0xD7, 0x94, 0x10, 0x0D, 0xF7),
		can.NewMessage(0x7FF, 0xA1, 0xB2),
		can.NewMessage(0x123456),
		{IDType: can.ExtendedID, FrameType: can.RemoteFrame, ID: 0x1ABCDE, DLC: 3},
	}
	var stream []byte
	for _, m := range want {
		stream = append(stream, codec.Encode(m)...)
	}
	// leading garbage must be skipped
	stream = append([]byte{0x00, 0x2D, 0x11}, stream...)

	var buf bytes.Buffer
	var got []can.Message
	chunks := []int{1, 2, 3, 5, 7, 11}
	for pos, c := 0, 0; pos < len(stream); c++ {
		n := chunks[c%len(chunks)]
		if pos+n > len(stream) {
			n = len(stream) - pos
		}
		buf.Write(stream[pos : pos+n])
		pos += n
		if err := codec.DecodeStream(&buf, func(m can.Message) { got = append(got, m) }); err != nil {
			t.Fatalf("DecodeStream: %v", err)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("message %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestDecodeStreamMalformed(t *testing.T) {
	var buf bytes.Buffer
	before := metrics.Snap().Malformed
	frame := Codec{}.Encode(can.NewMessage(0x1, 0xAA))
	frame[len(frame)-1] ^= 0xFF
	buf.Write(frame)
	called := false
	if err := (Codec{}).DecodeStream(&buf, func(can.Message) { called = true }); err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if called {
		t.Fatalf("corrupted frame delivered")
	}
	if metrics.Snap().Malformed <= before {
		t.Fatalf("malformed metric not incremented")
	}
}

type memPort struct {
	mu  sync.Mutex
	buf bytes.Buffer
	err error
}

func (p *memPort) Read([]byte) (int, error) { return 0, nil }
func (p *memPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	return p.buf.Write(b)
}
func (p *memPort) Close() error { return nil }
func (p *memPort) bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.buf.Bytes()...)
}

func TestTXWriterWrites(t *testing.T) {
	port := &memPort{}
	w := NewTXWriter(context.Background(), port, Codec{}, 4)
	defer w.Close()
	m := can.NewMessage(0x321, 1, 2)
	if err := w.Send(m); err != nil {
		t.Fatalf("Send: %v", err)
	}
	want := Codec{}.Encode(m)
	deadline := time.Now().Add(time.Second)
	for !bytes.Equal(port.bytes(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("port got % X want % X", port.bytes(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTXWriterClosed(t *testing.T) {
	w := NewTXWriter(context.Background(), &memPort{err: errors.New("boom")}, Codec{}, 1)
	w.Close()
	if err := w.Send(can.NewMessage(1)); err == nil {
		t.Fatalf("expected error after Close")
	}
}

func TestTXWriterRejectsInvalid(t *testing.T) {
	port := &memPort{}
	w := NewTXWriter(context.Background(), port, Codec{}, 1)
	defer w.Close()
	bad := can.Message{IDType: can.StandardID, FrameType: can.DataFrame, ID: 0x800}
	if err := w.Send(bad); err == nil {
		t.Fatalf("expected validation error for 11-bit id 0x800")
	}
	if len(port.bytes()) != 0 {
		t.Fatalf("invalid frame reached the port")
	}
}
