package forwardproxy

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"
)

func echoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()
	return ln
}

func TestProcessDispatchesToSocks5(t *testing.T) {
	echo := echoListener(t)
	defer echo.Close()

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		New().Process(server, nil)
		close(done)
	}()

	client.Write([]byte{0x05, 0x01, 0x00})
	var authReply [2]byte
	if _, err := io.ReadFull(client, authReply[:]); err != nil {
		t.Fatalf("reading auth reply: %v", err)
	}
	if authReply != [2]byte{0x05, 0x00} {
		t.Fatalf("unexpected auth reply: %v", authReply)
	}

	host, portStr, _ := net.SplitHostPort(echo.Addr().String())
	portN, _ := strconv.Atoi(portStr)
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}
	req = append(req, host...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(portN))
	req = append(req, portBuf[:]...)
	client.Write(req)

	reply := make([]byte, 10)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("reading connect reply: %v", err)
	}
	if reply[1] != 0x00 {
		t.Fatalf("expected success reply, got code %d", reply[1])
	}

	client.Close()
	<-done
}

func TestProcessDispatchesToHTTPConnect(t *testing.T) {
	echo := echoListener(t)
	defer echo.Close()

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		New().Process(server, nil)
		close(done)
	}()

	req, err := http.NewRequest(http.MethodConnect, "http://"+echo.Addr().String(), nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Host = echo.Addr().String()
	go req.Write(client)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(client), req)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	client.Close()
	<-done
}
