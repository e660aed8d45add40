// SPDX-License-Identifier: GPL-3.0-or-later

package netconn

import (
	"bytes"
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
)

// Serializable is a message that can be written to and read from a
// [*Connection] using [WriteSerializable] and [ReadSerializable].
type Serializable interface {
	// Serialize appends the encoded message to out.
	Serialize(out *bytes.Buffer) error

	// Deserialize decodes the message from in. When in is incomplete it
	// returns the number of missing bytes and false. Zero missing bytes
	// and false means the payload is malformed.
	Deserialize(in []byte) (missing int, ok bool)
}

// MessageWriter is the [*Connection] write capability.
type MessageWriter interface {
	Write(data []byte) error
}

// MessageReader is the [*Connection] blocking read capability.
type MessageReader interface {
	Read(buf *bytes.Buffer, size int) error
}

// NonBlockingMessageReader is the [*Connection] non-blocking read capability.
type NonBlockingMessageReader interface {
	ReadNonBlocking(buf *bytes.Buffer, size int) error
}

// WriteSerializable serializes msg and writes it with a single write.
func WriteSerializable(w MessageWriter, msg Serializable) error {
	var out bytes.Buffer
	if err := msg.Serialize(&out); err != nil {
		return err
	}
	return w.Write(out.Bytes())
}

// ReadSerializable reads from r into buf until msg deserializes, blocking
// as needed. On success buf is reset, so buf may be reused across messages.
//
// Returns [ErrMalformedPayload] when msg rejects buf without asking for more bytes.
func ReadSerializable(r MessageReader, msg Serializable, buf *bytes.Buffer) error {
	for {
		missing, ok := msg.Deserialize(buf.Bytes())
		if ok {
			buf.Reset()
			return nil
		}
		if missing <= 0 {
			return ErrMalformedPayload
		}
		if err := r.Read(buf, missing); err != nil {
			return err
		}
	}
}

// ReadSerializableNonBlocking is like [ReadSerializable] but returns
// [ErrWaitEvent] when no data is available. The partial message stays
// in buf, so the call may be repeated once the connection is readable.
func ReadSerializableNonBlocking(r NonBlockingMessageReader, msg Serializable, buf *bytes.Buffer) error {
	for {
		missing, ok := msg.Deserialize(buf.Bytes())
		if ok {
			buf.Reset()
			return nil
		}
		if missing <= 0 {
			return ErrMalformedPayload
		}
		if err := r.ReadNonBlocking(buf, missing); err != nil {
			return err
		}
	}
}

// MaxCBORFrameSize is the largest payload a [*CBORFrame] accepts.
const MaxCBORFrameSize = 1 << 24

// CBORFrame is a [Serializable] encoding Value as CBOR preceded by its
// length as a 4-byte big-endian integer.
type CBORFrame[T any] struct {
	Value T
}

var _ Serializable = &CBORFrame[int]{}

// Serialize implements [Serializable].
func (f *CBORFrame[T]) Serialize(out *bytes.Buffer) error {
	data, err := cbor.Marshal(f.Value)
	if err != nil {
		return err
	}
	if len(data) > MaxCBORFrameSize {
		return ErrMalformedPayload
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	out.Write(header[:])
	out.Write(data)
	return nil
}

// Deserialize implements [Serializable].
func (f *CBORFrame[T]) Deserialize(in []byte) (int, bool) {
	if len(in) < 4 {
		return 4 - len(in), false
	}
	size := binary.BigEndian.Uint32(in)
	if size > MaxCBORFrameSize {
		return 0, false
	}
	body := in[4:]
	if len(body) < int(size) {
		return int(size) - len(body), false
	}
	var value T
	if err := cbor.Unmarshal(body[:size], &value); err != nil {
		return 0, false
	}
	f.Value = value
	return 0, true
}
