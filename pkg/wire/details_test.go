package wire

import (
	"math/rand"
	"net/netip"
	"testing"
)

func TestConnectionDetailsRoundTripV4(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for i := 0; i < 64; i++ {
		var b [4]byte
		r.Read(b[:])
		want := ConnectionDetails{Addr: netip.AddrFrom4(b)}

		buf, err := EncodeConnectionDetails(want)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := ParseConnectionDetails(buf)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if got.Addr != want.Addr {
			t.Fatalf("got %v, want %v", got.Addr, want.Addr)
		}
	}
}

func TestConnectionDetailsRoundTripV6(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	for i := 0; i < 64; i++ {
		var b [16]byte
		r.Read(b[:])
		want := ConnectionDetails{Addr: netip.AddrFrom16(b)}

		buf, err := EncodeConnectionDetails(want)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := ParseConnectionDetails(buf)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if got.Addr != want.Addr {
			t.Fatalf("got %v, want %v", got.Addr, want.Addr)
		}
	}
}

func TestConnectionDetailsMalformedFamily(t *testing.T) {
	if _, err := ParseConnectionDetails([]byte{5, 1, 2, 3, 4}); err == nil {
		t.Fatal("expected error for invalid family byte")
	}
}

func TestConnectionDetailsShortBuffer(t *testing.T) {
	if _, err := ParseConnectionDetails([]byte{4, 1, 2}); err == nil {
		t.Fatal("expected error for short ipv4 buffer")
	}
	if _, err := ParseConnectionDetails(nil); err == nil {
		t.Fatal("expected error for empty buffer")
	}
}
