// Package wire implements the framed wire protocol used on a tunnel control
// link: a fixed 13-byte header (id, type, length) followed by exactly length
// payload bytes.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Type is the tag byte identifying a Frame's purpose.
type Type uint8

const (
	Connect     Type = 1
	Close       Type = 2
	Data        Type = 3
	Heartbeat   Type = 4
	Establish   Type = 5
	Key         Type = 6
	Verify      Type = 7
	Acknowledge Type = 8
	EOF         Type = 9
	Port        Type = 10
	Config      Type = 11
)

func (t Type) String() string {
	switch t {
	case Connect:
		return "Connect"
	case Close:
		return "Close"
	case Data:
		return "Data"
	case Heartbeat:
		return "Heartbeat"
	case Establish:
		return "Establish"
	case Key:
		return "Key"
	case Verify:
		return "Verify"
	case Acknowledge:
		return "Acknowledge"
	case EOF:
		return "EOF"
	case Port:
		return "Port"
	case Config:
		return "Config"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// valid reports whether t is one of the known frame types. An unknown type
// must be treated as a deserialization error.
func (t Type) valid() bool {
	switch t {
	case Connect, Close, Data, Heartbeat, Establish, Key, Verify, Acknowledge, EOF, Port, Config:
		return true
	default:
		return false
	}
}

// HeaderSize is the fixed size, in bytes, of a Frame's header.
const HeaderSize = 13

// DefaultMaxPayload is the default ceiling placed on a Frame's payload
// length, to bound per-frame allocation against a malicious or buggy peer.
const DefaultMaxPayload = 16 << 20 // 16 MiB

// ControlID is the reserved id for control frames (Key, Verify, Acknowledge,
// Config, Port, Heartbeat). Any other id denotes a user stream.
const ControlID = 0

// Header is the fixed portion of a Frame, as it appears on the wire.
type Header struct {
	ID     uint32
	Type   Type
	Length uint64
}

// Put writes h into buf, which must be at least HeaderSize bytes.
func (h Header) Put(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.ID)
	buf[4] = byte(h.Type)
	binary.LittleEndian.PutUint64(buf[5:13], h.Length)
}

// ParseHeader parses a HeaderSize-byte buffer into a Header. It returns an
// error if the type tag is unrecognized; no other validation is performed
// here (the length ceiling is enforced by the caller, since it is policy, not
// part of the wire format).
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header (%d bytes)", len(buf))
	}
	t := Type(buf[4])
	if !t.valid() {
		return Header{}, fmt.Errorf("wire: unknown frame type %d", buf[4])
	}
	return Header{
		ID:     binary.LittleEndian.Uint32(buf[0:4]),
		Type:   t,
		Length: binary.LittleEndian.Uint64(buf[5:13]),
	}, nil
}

// Frame is one complete frame: a header plus its payload.
type Frame struct {
	ID      uint32
	Type    Type
	Payload []byte
}

// Header returns the wire header describing f.
func (f Frame) Header() Header {
	return Header{ID: f.ID, Type: f.Type, Length: uint64(len(f.Payload))}
}

// WriteFull writes all of buf to w, retrying on short writes, matching the
// full-write primitive used throughout the control link's send paths.
func WriteFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// Encode serializes f into hdrbuf (which must be at least HeaderSize bytes,
// and is reused across calls by callers on the hot path) and writes the
// header followed by the payload to w.
func Encode(w io.Writer, f Frame, hdrbuf []byte) error {
	f.Header().Put(hdrbuf[:HeaderSize])
	if err := WriteFull(w, hdrbuf[:HeaderSize]); err != nil {
		return err
	}
	if len(f.Payload) == 0 {
		return nil
	}
	return WriteFull(w, f.Payload)
}

// ReadHeader reads and parses exactly HeaderSize bytes from r into hdrbuf
// (which must be at least HeaderSize bytes, and is reused across calls).
func ReadHeader(r io.Reader, hdrbuf []byte) (Header, error) {
	if _, err := io.ReadFull(r, hdrbuf[:HeaderSize]); err != nil {
		return Header{}, err
	}
	return ParseHeader(hdrbuf[:HeaderSize])
}

// ReadPayload reads exactly n bytes from r. Callers are responsible for
// enforcing a length ceiling before calling this; ReadPayload itself performs
// no policy checks.
func ReadPayload(r io.Reader, n uint64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Drain discards exactly n bytes from r, used to preserve frame alignment
// when a frame's declared length exceeds a policy ceiling or its payload is
// otherwise being skipped.
func Drain(r io.Reader, n uint64) error {
	_, err := io.CopyN(io.Discard, r, int64(n))
	return err
}

// ReadFrame reads one complete frame from r, enforcing maxPayload as a
// ceiling on Length. If the frame exceeds maxPayload, its payload bytes are
// still drained from r (to preserve alignment) before returning a
// *PayloadTooLargeError.
func ReadFrame(r io.Reader, hdrbuf []byte, maxPayload uint64) (Frame, error) {
	h, err := ReadHeader(r, hdrbuf)
	if err != nil {
		return Frame{}, err
	}
	if h.Length > maxPayload {
		if derr := Drain(r, h.Length); derr != nil {
			return Frame{}, derr
		}
		return Frame{}, &PayloadTooLargeError{Length: h.Length, Max: maxPayload}
	}
	payload, err := ReadPayload(r, h.Length)
	if err != nil {
		return Frame{}, err
	}
	return Frame{ID: h.ID, Type: h.Type, Payload: payload}, nil
}

// PayloadTooLargeError is returned by ReadFrame when a frame's declared
// length exceeds the configured ceiling. The frame's bytes have already been
// drained from the underlying reader, so the caller may continue reading
// subsequent frames instead of treating the link as desynced.
type PayloadTooLargeError struct {
	Length uint64
	Max    uint64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("wire: frame payload %d bytes exceeds ceiling %d bytes", e.Length, e.Max)
}
