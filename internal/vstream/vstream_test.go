package vstream

import (
	"io"
	"testing"

	"github.com/wmproxy/wmproxy/internal/frame"
)

func TestReadOrdering(t *testing.T) {
	out := make(chan frame.Frame, 100)
	s := New(5, out)

	writes := []string{"hello ", "world", "!"}
	for _, w := range writes {
		s.DeliverData([]byte(w))
	}

	buf := make([]byte, 64)
	got := ""
	for len(got) < len("hello world!") {
		n, err := s.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got += string(buf[:n])
	}
	if got != "hello world!" {
		t.Fatalf("got %q, want %q", got, "hello world!")
	}
}

func TestReadReturnsEOFAfterClose(t *testing.T) {
	out := make(chan frame.Frame, 100)
	s := New(5, out)
	s.DeliverData([]byte("x"))
	s.DeliverClose()

	buf := make([]byte, 64)
	n, err := s.Read(buf)
	if err != nil || n != 1 {
		t.Fatalf("first read: n=%d err=%v", n, err)
	}

	_, err = s.Read(buf)
	if err != io.EOF {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
}

func TestWriteChunksAtMaxChunk(t *testing.T) {
	out := make(chan frame.Frame, 100)
	s := New(5, out)

	payload := make([]byte, frame.MaxChunk+10)
	n, err := s.Write(payload)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("wrote %d, want %d", n, len(payload))
	}

	f1 := <-out
	f2 := <-out
	if len(f1.Payload) != frame.MaxChunk {
		t.Fatalf("first chunk len = %d, want %d", len(f1.Payload), frame.MaxChunk)
	}
	if len(f2.Payload) != 10 {
		t.Fatalf("second chunk len = %d, want 10", len(f2.Payload))
	}
	if f1.SockMap != 5 || f2.SockMap != 5 {
		t.Fatalf("chunk sock_map mismatch")
	}
}

func TestCloseSendsExactlyOnce(t *testing.T) {
	out := make(chan frame.Frame, 100)
	s := New(5, out)

	s.Close()
	s.Close()
	s.CloseReason("ignored")

	close(out)
	count := 0
	for range out {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one Close frame, got %d", count)
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	out := make(chan frame.Frame, 100)
	s := New(5, out)
	s.Close()

	_, err := s.Write([]byte("x"))
	if err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDeliverDataDropsWhenInboundFull(t *testing.T) {
	out := make(chan frame.Frame, 100)
	s := New(5, out)

	for i := 0; i < DefaultInboundQueue; i++ {
		if !s.DeliverData([]byte("x")) {
			t.Fatalf("delivery %d unexpectedly dropped", i)
		}
	}
	if s.DeliverData([]byte("overflow")) {
		t.Fatal("expected overflow delivery to be dropped")
	}
}
