package wire

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 256; i++ {
		types := []Type{Connect, Close, Data, Heartbeat, Establish, Key, Verify, Acknowledge, EOF, Port, Config}
		want := Frame{
			ID:      r.Uint32(),
			Type:    types[r.Intn(len(types))],
			Payload: randBytes(r, r.Intn(512)),
		}

		var buf bytes.Buffer
		hdrbuf := make([]byte, HeaderSize)
		if err := Encode(&buf, want, hdrbuf); err != nil {
			t.Fatalf("encode: %v", err)
		}

		got, err := ReadFrame(&buf, hdrbuf, DefaultMaxPayload)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.ID != want.ID || got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestFrameZeroLengthRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	hdrbuf := make([]byte, HeaderSize)
	want := Frame{ID: 0, Type: Heartbeat, Payload: nil}
	if err := Encode(&buf, want, hdrbuf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := ReadFrame(&buf, hdrbuf, DefaultMaxPayload)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != 0 || got.Type != Heartbeat || len(got.Payload) != 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestUnknownTypeIsParseError(t *testing.T) {
	buf := make([]byte, HeaderSize)
	Header{ID: 1, Type: Type(200), Length: 0}.Put(buf)
	if _, err := ParseHeader(buf); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestHeaderDeserializationBoundary(t *testing.T) {
	// id=13, type=Connect, length=20, zero payload bytes present
	raw := []byte{13, 0, 0, 0, 1, 20, 0, 0, 0, 0, 0, 0, 0}
	h, err := ParseHeader(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if h.ID != 13 || h.Type != Connect || h.Length != 20 {
		t.Fatalf("got %+v", h)
	}
}

func TestPayloadTooLargeDrainsAndContinues(t *testing.T) {
	var buf bytes.Buffer
	hdrbuf := make([]byte, HeaderSize)

	big := Frame{ID: 5, Type: Data, Payload: randBytes(rand.New(rand.NewSource(2)), 100)}
	if err := Encode(&buf, big, hdrbuf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	next := Frame{ID: 6, Type: Heartbeat}
	if err := Encode(&buf, next, hdrbuf); err != nil {
		t.Fatalf("encode: %v", err)
	}

	_, err := ReadFrame(&buf, hdrbuf, 10)
	var tooLarge *PayloadTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected PayloadTooLargeError, got %v", err)
	}

	got, err := ReadFrame(&buf, hdrbuf, DefaultMaxPayload)
	if err != nil {
		t.Fatalf("read next frame after drain: %v", err)
	}
	if got.ID != 6 || got.Type != Heartbeat {
		t.Fatalf("frame alignment lost after drain: got %+v", got)
	}
}

func randBytes(r *rand.Rand, n int) []byte {
	if n == 0 {
		return nil
	}
	b := make([]byte, n)
	r.Read(b)
	return b
}
