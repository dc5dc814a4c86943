package frame

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Frame{
		{Kind: KindToken, SockMap: 0, Payload: EncodeTokenPayload(TokenPayload{User: "a", Pass: "b"})},
		{Kind: KindMapping, SockMap: 0, Payload: EncodeMappingPayload([]MappingEntry{
			{Name: "web", Domain: "web.example.com", LocalAddr: "127.0.0.1:8080", Mode: ModeTCP},
		})},
		{Kind: KindCreate, SockMap: 7, Payload: EncodeCreatePayload("web")},
		{Kind: KindData, SockMap: 7, Payload: []byte("hello world")},
		{Kind: KindClose, SockMap: 0, Payload: EncodeClosePayload("unauthenticated")},
		{Kind: KindClose, SockMap: 9, Payload: nil},
	}

	for _, f := range cases {
		buf, err := AppendEncode(nil, f)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, n, ok, err := Decode(buf)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !ok {
			t.Fatalf("decode: expected complete frame, got need-more")
		}
		if n != len(buf) {
			t.Fatalf("consumed %d, want %d", n, len(buf))
		}
		if got.Kind != f.Kind || got.Flag != f.Flag || got.SockMap != f.SockMap {
			t.Fatalf("header mismatch: got %+v, want %+v", got, f)
		}
		if !bytes.Equal(got.Payload, f.Payload) {
			t.Fatalf("payload mismatch: got %q, want %q", got.Payload, f.Payload)
		}
	}
}

func TestDecodeNeedsMore(t *testing.T) {
	full, err := AppendEncode(nil, Frame{Kind: KindData, SockMap: 1, Payload: []byte("0123456789")})
	if err != nil {
		t.Fatal(err)
	}

	for n := 0; n < len(full); n++ {
		prefix := full[:n]
		cp := append([]byte(nil), prefix...)
		_, consumed, ok, err := Decode(cp)
		if err != nil {
			t.Fatalf("decode truncated prefix len %d: unexpected error %v", n, err)
		}
		if ok {
			t.Fatalf("decode truncated prefix len %d: expected need-more, got complete frame", n)
		}
		if consumed != 0 {
			t.Fatalf("decode truncated prefix len %d: consumed %d bytes, want 0", n, consumed)
		}
		if !bytes.Equal(cp, prefix) {
			t.Fatalf("decode mutated input buffer on short read")
		}
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := AppendEncode(nil, Frame{Kind: KindData, Payload: make([]byte, MaxPayload+1)})
	if err == nil {
		t.Fatal("expected error for payload exceeding MaxPayload")
	}
}

func TestEncodeMaxPayloadRoundTrips(t *testing.T) {
	payload := make([]byte, MaxPayload)
	rand.New(rand.NewSource(1)).Read(payload)

	buf, err := AppendEncode(nil, Frame{Kind: KindData, SockMap: 3, Payload: payload})
	if err != nil {
		t.Fatalf("encode max payload: %v", err)
	}
	got, n, ok, err := Decode(buf)
	if err != nil || !ok {
		t.Fatalf("decode max payload: ok=%v err=%v", ok, err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatal("max payload did not round-trip byte-exact")
	}
}

func TestDecodeMalformedKindFailsWholeTunnel(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = 0xFF // not a valid Kind
	_, _, ok, err := Decode(buf)
	if ok {
		t.Fatal("expected decode failure for malformed kind byte")
	}
	if err == nil {
		t.Fatal("expected non-nil error for malformed kind byte")
	}
}

func TestDecodeMultipleFramesFromOneBuffer(t *testing.T) {
	var buf []byte
	want := []Frame{
		{Kind: KindData, SockMap: 1, Payload: []byte("first")},
		{Kind: KindData, SockMap: 2, Payload: []byte("second")},
		{Kind: KindClose, SockMap: 1, Payload: nil},
	}
	for _, f := range want {
		var err error
		buf, err = AppendEncode(buf, f)
		if err != nil {
			t.Fatal(err)
		}
	}

	for _, wf := range want {
		got, n, ok, err := Decode(buf)
		if err != nil || !ok {
			t.Fatalf("decode: ok=%v err=%v", ok, err)
		}
		if got.Kind != wf.Kind || got.SockMap != wf.SockMap || !bytes.Equal(got.Payload, wf.Payload) {
			t.Fatalf("got %+v, want %+v", got, wf)
		}
		buf = buf[n:]
	}
	if len(buf) != 0 {
		t.Fatalf("leftover bytes after decoding all frames: %d", len(buf))
	}
}

func TestMappingPayloadRoundTrip(t *testing.T) {
	entries := []MappingEntry{
		{Name: "web", Domain: "web.example.com", LocalAddr: "127.0.0.1:8080", Mode: ModeTCP},
		{Name: "socks", Mode: ModeProxy, Headers: []HeaderRewrite{
			{Name: "X-Forwarded-For", Value: "", Unset: true},
		}},
	}
	buf := EncodeMappingPayload(entries)
	got, err := DecodeMappingPayload(buf)
	if err != nil {
		t.Fatalf("decode mapping payload: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i].Name != entries[i].Name || got[i].Domain != entries[i].Domain ||
			got[i].LocalAddr != entries[i].LocalAddr || got[i].Mode != entries[i].Mode {
			t.Fatalf("entry %d mismatch: got %+v, want %+v", i, got[i], entries[i])
		}
	}
}
