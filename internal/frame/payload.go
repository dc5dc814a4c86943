package frame

import (
	"encoding/binary"
	"fmt"
)

// TokenPayload carries the credentials in a Token frame.
type TokenPayload struct {
	User string
	Pass string
}

// EncodeTokenPayload serializes a TokenPayload.
func EncodeTokenPayload(t TokenPayload) []byte {
	var buf []byte
	buf = putString(buf, t.User)
	buf = putString(buf, t.Pass)
	return buf
}

// DecodeTokenPayload parses a TokenPayload.
func DecodeTokenPayload(buf []byte) (TokenPayload, error) {
	user, rest, err := getString(buf)
	if err != nil {
		return TokenPayload{}, fmt.Errorf("frame: decoding token user: %w", err)
	}
	pass, _, err := getString(rest)
	if err != nil {
		return TokenPayload{}, fmt.Errorf("frame: decoding token pass: %w", err)
	}
	return TokenPayload{User: user, Pass: pass}, nil
}

// EncodeMappingPayload serializes a Mapping frame's entry list.
func EncodeMappingPayload(entries []MappingEntry) []byte {
	var buf []byte
	var countPrefix [2]byte
	binary.BigEndian.PutUint16(countPrefix[:], uint16(len(entries)))
	buf = append(buf, countPrefix[:]...)

	for _, e := range entries {
		buf = putString(buf, e.Name)
		buf = putString(buf, e.Domain)
		buf = putString(buf, e.LocalAddr)
		buf = append(buf, byte(e.Mode))

		var headerCount [2]byte
		binary.BigEndian.PutUint16(headerCount[:], uint16(len(e.Headers)))
		buf = append(buf, headerCount[:]...)
		for _, h := range e.Headers {
			buf = putString(buf, h.Name)
			buf = putString(buf, h.Value)
			if h.Unset {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		}
	}
	return buf
}

// DecodeMappingPayload parses a Mapping frame's entry list.
func DecodeMappingPayload(buf []byte) ([]MappingEntry, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("frame: truncated mapping count")
	}
	count := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]

	entries := make([]MappingEntry, 0, count)
	for i := 0; i < count; i++ {
		var e MappingEntry
		var err error

		e.Name, buf, err = getString(buf)
		if err != nil {
			return nil, fmt.Errorf("frame: decoding mapping[%d] name: %w", i, err)
		}
		e.Domain, buf, err = getString(buf)
		if err != nil {
			return nil, fmt.Errorf("frame: decoding mapping[%d] domain: %w", i, err)
		}
		e.LocalAddr, buf, err = getString(buf)
		if err != nil {
			return nil, fmt.Errorf("frame: decoding mapping[%d] local_addr: %w", i, err)
		}
		if len(buf) < 1 {
			return nil, fmt.Errorf("frame: decoding mapping[%d] mode: truncated", i)
		}
		e.Mode = Mode(buf[0])
		buf = buf[1:]

		if len(buf) < 2 {
			return nil, fmt.Errorf("frame: decoding mapping[%d] header count: truncated", i)
		}
		headerCount := int(binary.BigEndian.Uint16(buf[:2]))
		buf = buf[2:]

		e.Headers = make([]HeaderRewrite, 0, headerCount)
		for j := 0; j < headerCount; j++ {
			var h HeaderRewrite
			h.Name, buf, err = getString(buf)
			if err != nil {
				return nil, fmt.Errorf("frame: decoding mapping[%d] header[%d] name: %w", i, j, err)
			}
			h.Value, buf, err = getString(buf)
			if err != nil {
				return nil, fmt.Errorf("frame: decoding mapping[%d] header[%d] value: %w", i, j, err)
			}
			if len(buf) < 1 {
				return nil, fmt.Errorf("frame: decoding mapping[%d] header[%d] unset flag: truncated", i, j)
			}
			h.Unset = buf[0] != 0
			buf = buf[1:]
			e.Headers = append(e.Headers, h)
		}

		entries = append(entries, e)
	}
	return entries, nil
}

// EncodeCreatePayload serializes a Create frame's domain selector. An empty
// domain means the server left selection to the mapping resolved elsewhere.
func EncodeCreatePayload(domain string) []byte {
	return putString(nil, domain)
}

// DecodeCreatePayload parses a Create frame's domain selector.
func DecodeCreatePayload(buf []byte) (domain string, err error) {
	if len(buf) == 0 {
		return "", nil
	}
	domain, _, err = getString(buf)
	return domain, err
}

// EncodeClosePayload serializes a Close frame's optional reason string.
func EncodeClosePayload(reason string) []byte {
	if reason == "" {
		return nil
	}
	return putString(nil, reason)
}

// DecodeClosePayload parses a Close frame's optional reason string.
func DecodeClosePayload(buf []byte) (reason string, err error) {
	if len(buf) == 0 {
		return "", nil
	}
	reason, _, err = getString(buf)
	return reason, err
}
