// Package frame encodes and decodes wmproxy tunnel wire frames.
//
// Every frame starts with a fixed 9-byte header:
//
//	kind(1) flag(1) length(3, big-endian) sock_map(4, big-endian)
//
// followed by exactly length bytes of payload. sock_map is the 32-bit
// substream identifier; 0 denotes a tunnel-wide control frame. length is a
// 24-bit unsigned count of payload bytes, so a single frame's payload can
// never exceed 2^24-1 bytes.
package frame

import (
	"encoding/binary"
	"fmt"
)

// Kind tags the variant carried by a Frame.
type Kind uint8

const (
	KindToken Kind = iota + 1
	KindMapping
	KindCreate
	KindData
	KindClose
)

func (k Kind) String() string {
	switch k {
	case KindToken:
		return "Token"
	case KindMapping:
		return "Mapping"
	case KindCreate:
		return "Create"
	case KindData:
		return "Data"
	case KindClose:
		return "Close"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// HeaderSize is the fixed byte length of a frame header, excluding payload.
const HeaderSize = 9

// MaxPayload is the largest payload a single frame can carry (2^24 - 1,
// the limit of the 24-bit length field).
const MaxPayload = 1<<24 - 1

// MaxChunk is the size virtual substreams split writes into before wrapping
// them in Data frames (spec.md §4.2: "chunked at a fixed max payload, e.g.
// 16 KiB").
const MaxChunk = 16 * 1024

// Frame is one decoded wire frame.
type Frame struct {
	Kind    Kind
	Flag    uint8
	SockMap uint32
	Payload []byte
}

// Mapping mode values, encoded as a single byte inside MappingEntry payloads.
type Mode uint8

const (
	ModeTCP Mode = iota
	ModeHTTP
	ModeProxy
)

func (m Mode) String() string {
	switch m {
	case ModeTCP:
		return "tcp"
	case ModeHTTP:
		return "http"
	case ModeProxy:
		return "proxy"
	default:
		return "unknown"
	}
}

// HeaderRewrite is one header add/remove rule attached to a MappingEntry.
type HeaderRewrite struct {
	Name  string
	Value string
	Unset bool
}

// MappingEntry is one route a center client advertises to the server.
type MappingEntry struct {
	Name      string
	Domain    string
	LocalAddr string
	Mode      Mode
	Headers   []HeaderRewrite
}

// Encode serializes f into out, returning the number of bytes written.
// It fails if the payload exceeds MaxPayload.
func Encode(f Frame, out []byte) (int, error) {
	if len(f.Payload) > MaxPayload {
		return 0, fmt.Errorf("frame: payload of %d bytes exceeds max %d", len(f.Payload), MaxPayload)
	}
	need := HeaderSize + len(f.Payload)
	if len(out) < need {
		return 0, fmt.Errorf("frame: output buffer too small: need %d, have %d", need, len(out))
	}

	out[0] = byte(f.Kind)
	out[1] = f.Flag
	putUint24(out[2:5], uint32(len(f.Payload)))
	binary.BigEndian.PutUint32(out[5:9], f.SockMap)
	copy(out[HeaderSize:need], f.Payload)

	return need, nil
}

// AppendEncode is like Encode but appends to buf and returns the grown
// slice, avoiding a caller-managed fixed buffer.
func AppendEncode(buf []byte, f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return buf, fmt.Errorf("frame: payload of %d bytes exceeds max %d", len(f.Payload), MaxPayload)
	}
	var hdr [HeaderSize]byte
	hdr[0] = byte(f.Kind)
	hdr[1] = f.Flag
	putUint24(hdr[2:5], uint32(len(f.Payload)))
	binary.BigEndian.PutUint32(hdr[5:9], f.SockMap)

	buf = append(buf, hdr[:]...)
	buf = append(buf, f.Payload...)
	return buf, nil
}

// Decode attempts to parse one frame from the front of buf. It returns the
// decoded frame, the number of bytes consumed, and ok=true on success. If
// buf does not yet hold a complete frame it returns ok=false without
// consuming anything ("need more"). Payload byte slices alias buf and must
// be copied by the caller before buf is reused.
func Decode(buf []byte) (f Frame, consumed int, ok bool, err error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, false, nil
	}

	kind := Kind(buf[0])
	if !validKind(kind) {
		return Frame{}, 0, false, fmt.Errorf("frame: malformed kind byte %d", buf[0])
	}

	length := getUint24(buf[2:5])
	total := HeaderSize + int(length)
	if len(buf) < total {
		return Frame{}, 0, false, nil
	}

	f = Frame{
		Kind:    kind,
		Flag:    buf[1],
		SockMap: binary.BigEndian.Uint32(buf[5:9]),
		Payload: buf[HeaderSize:total],
	}
	return f, total, true, nil
}

func validKind(k Kind) bool {
	return k >= KindToken && k <= KindClose
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// --- payload helpers -------------------------------------------------------
//
// Strings inside payloads are length-prefixed with a 16-bit big-endian byte
// count and are UTF-8 (spec.md §4.1).

func putString(buf []byte, s string) []byte {
	var lp [2]byte
	binary.BigEndian.PutUint16(lp[:], uint16(len(s)))
	buf = append(buf, lp[:]...)
	buf = append(buf, s...)
	return buf
}

func getString(buf []byte) (s string, rest []byte, err error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("frame: truncated string length prefix")
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, fmt.Errorf("frame: truncated string payload")
	}
	return string(buf[:n]), buf[n:], nil
}
