package tunnelserver

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/wmproxy/wmproxy/internal/frame"
)

func TestServeTunnelRequiresTokenWhenAuthConfigured(t *testing.T) {
	client, serverConn := net.Pipe()
	defer client.Close()

	srv := New(&Credentials{User: "a", Pass: "b"}, 0)

	done := make(chan error, 1)
	go func() { done <- srv.ServeTunnel(serverConn, nil) }()

	// Send Mapping without a preceding Token.
	buf, _ := frame.AppendEncode(nil, frame.Frame{Kind: frame.KindMapping, Payload: frame.EncodeMappingPayload(nil)})
	go client.Write(buf)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, frame.HeaderSize+len(frame.EncodeClosePayload("unauthenticated")))
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("reading close reply: %v", err)
	}
	f, _, ok, err := frame.Decode(reply)
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	if f.Kind != frame.KindClose || f.SockMap != 0 {
		t.Fatalf("expected Close{0}, got %+v", f)
	}

	if err := <-done; err == nil {
		t.Fatal("expected ServeTunnel to return an auth error")
	}
}

func TestServeTunnelAcceptsValidTokenAndMapping(t *testing.T) {
	client, serverConn := net.Pipe()
	defer client.Close()

	srv := New(&Credentials{User: "a", Pass: "b"}, 0)

	done := make(chan error, 1)
	go func() {
		shutdown := make(chan struct{})
		err := srv.ServeTunnel(serverConn, shutdown)
		done <- err
	}()

	var buf []byte
	buf, _ = frame.AppendEncode(buf, frame.Frame{Kind: frame.KindToken, Payload: frame.EncodeTokenPayload(frame.TokenPayload{User: "a", Pass: "b"})})
	buf, _ = frame.AppendEncode(buf, frame.Frame{Kind: frame.KindMapping, Payload: frame.EncodeMappingPayload([]frame.MappingEntry{
		{Name: "web", Domain: "web.example.com", LocalAddr: "127.0.0.1:8080"},
	})})
	go client.Write(buf)

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := srv.Registry.Lookup("web.example.com"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("mapping never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeTunnel did not return after client closed")
	}
}

func TestRouteInboundMissingMappingClosesConn(t *testing.T) {
	srv := New(nil, 0)
	client, serverSide := net.Pipe()
	defer client.Close()

	err := srv.RouteInbound(serverSide, "unknown.example.com", nil)
	if err == nil {
		t.Fatal("expected mapping miss error")
	}
}
