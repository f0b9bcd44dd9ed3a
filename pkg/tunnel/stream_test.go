package tunnel

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
)

func TestStreamSendTruncatesToLength(t *testing.T) {
	a, b := pipeLinks(t, Options{Logger: zerolog.Nop()}, Options{Logger: zerolog.Nop()})
	sa := a.NewStream(1)
	sb := b.NewStream(1)

	if err := sa.Send([]byte("hello world"), 5); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := sb.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Recv = %q, want %q", got, "hello")
	}
}

func TestStreamSendPadsToLength(t *testing.T) {
	a, b := pipeLinks(t, Options{Logger: zerolog.Nop()}, Options{Logger: zerolog.Nop()})
	sa := a.NewStream(2)
	sb := b.NewStream(2)

	if err := sa.Send([]byte("hi"), 5); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := sb.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("Recv len = %d, want 5", len(got))
	}
	if string(got[:2]) != "hi" {
		t.Fatalf("Recv = %q, want prefix %q", got, "hi")
	}
}

func TestStreamCloseIdempotent(t *testing.T) {
	a, _ := pipeLinks(t, Options{Logger: zerolog.Nop()}, Options{Logger: zerolog.Nop()})
	s := a.NewStream(3)

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != ErrStreamClosed {
		t.Fatalf("second Close = %v, want ErrStreamClosed", err)
	}

	if _, err := s.Recv(); err != ErrStreamClosed {
		t.Fatalf("Recv after Close = %v, want ErrStreamClosed", err)
	}
}

func TestStreamSendAfterCloseFails(t *testing.T) {
	c1, c2 := net.Pipe()
	l := NewLink(c1, NewStreamTable(), Options{Logger: zerolog.Nop()})
	go l.Run()
	t.Cleanup(func() { l.Close(); c2.Close() })

	s := l.NewStream(4)
	l.Close()
	// drain the pipe's peer so the link's writer side doesn't block forever
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := c2.Read(buf); err != nil {
				return
			}
		}
	}()

	if err := s.Send([]byte("x"), 1); err == nil {
		t.Fatalf("Send after link close succeeded, want error")
	}
}
