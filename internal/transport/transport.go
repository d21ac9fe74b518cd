// Package transport holds the plumbing shared by the wire backends.
package transport

import (
	"io"

	"github.com/kstaniek/go-nuc-can/internal/can"
	"github.com/kstaniek/go-nuc-can/internal/cnl"
)

// Sink accepts CAN messages for transmission.
type Sink interface {
	Send(can.Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(can.Message) error

func (f SinkFunc) Send(m can.Message) error { return f(m) }

// Discard is a Sink that accepts and drops everything.
var Discard Sink = SinkFunc(func(can.Message) error { return nil })

// MessageDecoder decodes one message from a stream.
type MessageDecoder interface {
	Decode(r io.Reader) (can.Message, error)
}

// MultiDecoder drains up to max messages from a stream.
type MultiDecoder interface {
	DecodeN(r io.Reader, max int, onMsg func(can.Message)) (int, error)
}

// BatchEncoder encodes batches to bytes or straight to a writer.
type BatchEncoder interface {
	Encode([]can.Message) []byte
	EncodeTo(w io.Writer, msgs []can.Message) (int, error)
}

var (
	_ MessageDecoder = (*cnl.Codec)(nil)
	_ MultiDecoder   = (*cnl.Codec)(nil)
	_ BatchEncoder   = (*cnl.Codec)(nil)
)
