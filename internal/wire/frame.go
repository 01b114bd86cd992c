package wire

import (
	"bufio"
	"encoding/binary"
	"io"
)

// MaxFrameLen and MinFrameLen bound the FWD_UDP frame length N (§4.1,
// §8 boundary behaviour): 0 and anything over 9000 abort the connection
// with no event emitted for that frame.
const (
	MinFrameLen = 1
	MaxFrameLen = 9000
)

// UDPFrame is one decoded FWD_UDP frame: a reserved byte, a destination
// address, and the raw datagram that follows it. HeaderPrefix is the
// bytes up to and including the address (§9: "the first byte ... is
// treated as opaque reserved and copied verbatim into the reply frame's
// header prefix").
type UDPFrame struct {
	Addr         Address
	HeaderPrefix []byte
	Datagram     []byte
}

// ReadUDPFrame reads one length-prefixed FWD_UDP frame from br. A
// length of 0 or greater than MaxFrameLen is a protocol error; callers
// must abort the connection without emitting an event for the frame.
func ReadUDPFrame(br *bufio.Reader) (*UDPFrame, error) {
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(br, lenBuf); err != nil {
		return nil, protoErrf("reading frame length: %v", err)
	}
	n := binary.BigEndian.Uint16(lenBuf)
	if n < MinFrameLen || n > MaxFrameLen {
		return nil, protoErrf("frame length %d out of range [%d, %d]", n, MinFrameLen, MaxFrameLen)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, protoErrf("reading %d-byte frame payload: %v", n, err)
	}

	// payload[0] is the reserved byte; the address starts at offset 1.
	addr, headerEnd, err := ParseAddress(payload, 1)
	if err != nil {
		return nil, err
	}

	return &UDPFrame{
		Addr:         addr,
		HeaderPrefix: payload[:headerEnd],
		Datagram:     payload[headerEnd:],
	}, nil
}

// WriteUDPFrame frames a reply datagram with the original frame's
// header prefix and a u16 BE length prefix, and writes it to w.
func WriteUDPFrame(w io.Writer, headerPrefix, reply []byte) error {
	body := make([]byte, 0, len(headerPrefix)+len(reply))
	body = append(body, headerPrefix...)
	body = append(body, reply...)

	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out, uint16(len(body)))
	copy(out[2:], body)

	_, err := w.Write(out)
	return err
}
