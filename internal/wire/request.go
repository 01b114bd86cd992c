package wire

import (
	"bufio"
	"io"
)

// Request is a parsed SOCKS5 request ([VER][CMD][RSV][ATYP][ADDR][PORT]).
type Request struct {
	Cmd  byte
	Addr Address
}

// ReadRequest reads a SOCKS5 request from br. It reads exactly the bytes
// the wire format calls for (no speculative over-read), then hands the
// assembled header to ParseAddress(buf, 3) so request parsing and
// FWD_UDP frame parsing share one address-parsing code path.
func ReadRequest(br *bufio.Reader) (Request, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(br, header); err != nil {
		return Request{}, protoErrf("reading request header: %v", err)
	}
	if header[0] != Version5 {
		return Request{}, protoErrf("unsupported version %#x", header[0])
	}

	cmd := header[1]
	atyp := header[3]

	addrBytes, err := readAddressTail(br, atyp)
	if err != nil {
		return Request{}, err
	}

	buf := append(header, addrBytes...)
	addr, _, err := ParseAddress(buf, 3)
	if err != nil {
		return Request{}, err
	}

	return Request{Cmd: cmd, Addr: addr}, nil
}

// readAddressTail reads exactly the remaining address bytes (everything
// after the ATYP byte) for the given ATYP, without knowing the total
// length up front for the variable-length DOMAIN case.
func readAddressTail(br *bufio.Reader, atyp byte) ([]byte, error) {
	switch atyp {
	case ATYPIPv4:
		buf := make([]byte, 4+2)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, protoErrf("reading IPv4 address: %v", err)
		}
		return buf, nil

	case ATYPIPv6:
		buf := make([]byte, 16+2)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, protoErrf("reading IPv6 address: %v", err)
		}
		return buf, nil

	case ATYPDomain:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(br, lenByte); err != nil {
			return nil, protoErrf("reading domain length: %v", err)
		}
		l := int(lenByte[0])
		rest := make([]byte, l+2)
		if _, err := io.ReadFull(br, rest); err != nil {
			return nil, protoErrf("reading domain address (len=%d): %v", l, err)
		}
		return append(lenByte, rest...), nil

	default:
		return nil, protoErrf("unsupported ATYP %#x", atyp)
	}
}
