package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Address is a parsed SOCKS5 address: host is the textual representation
// the peer sent verbatim (domain as-is, IPv4 dotted quad, IPv6 colon-hex).
type Address struct {
	Host string
	Port uint16
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, fmt.Sprintf("%d", a.Port))
}

// ParseAddress is a pure function of buf and atypOffset (§8 property 7):
// buf[atypOffset] holds the ATYP byte, and the address + port follow it.
// It returns the parsed address and the offset of the first byte after
// the address (headerEnd), so callers can locate trailing payload bytes
// (used by FWD_UDP frame parsing, where atypOffset=1).
//
// The same parser backs request parsing (atypOffset=3, right after
// [VER][CMD][RSV]) and FWD_UDP frame parsing (atypOffset=1, right after
// the frame's reserved byte).
func ParseAddress(buf []byte, atypOffset int) (addr Address, headerEnd int, err error) {
	if atypOffset < 0 || len(buf) <= atypOffset {
		return Address{}, 0, protoErrf("buffer too short for ATYP at offset %d", atypOffset)
	}

	atyp := buf[atypOffset]
	rest := buf[atypOffset+1:]

	switch atyp {
	case ATYPIPv4:
		if len(rest) < 4+2 {
			return Address{}, 0, protoErrf("short IPv4 address")
		}
		ip := net.IP(rest[:4])
		port := binary.BigEndian.Uint16(rest[4:6])
		return Address{Host: ip.String(), Port: port}, atypOffset + 1 + 4 + 2, nil

	case ATYPDomain:
		if len(rest) < 1 {
			return Address{}, 0, protoErrf("short domain length")
		}
		l := int(rest[0])
		if l < 1 {
			return Address{}, 0, protoErrf("empty domain")
		}
		if len(rest) < 1+l+2 {
			return Address{}, 0, protoErrf("short domain address (len=%d)", l)
		}
		host := string(rest[1 : 1+l])
		port := binary.BigEndian.Uint16(rest[1+l : 1+l+2])
		return Address{Host: host, Port: port}, atypOffset + 1 + 1 + l + 2, nil

	case ATYPIPv6:
		if len(rest) < 16+2 {
			return Address{}, 0, protoErrf("short IPv6 address")
		}
		ip := net.IP(rest[:16])
		port := binary.BigEndian.Uint16(rest[16:18])
		return Address{Host: ip.String(), Port: port}, atypOffset + 1 + 16 + 2, nil

	default:
		return Address{}, 0, protoErrf("unsupported ATYP %#x", atyp)
	}
}

// EncodeAddress is the inverse of ParseAddress, used by tests to build
// round-trip fixtures. No production path calls it: the FWD_UDP reply
// reuses the request frame's header prefix, and the SOCKS5 reply
// envelope always uses the canonical 0.0.0.0:0 bound address.
func EncodeAddress(a Address) ([]byte, error) {
	ip := net.ParseIP(a.Host)
	switch {
	case ip == nil:
		if len(a.Host) > 255 {
			return nil, protoErrf("domain too long: %d bytes", len(a.Host))
		}
		buf := make([]byte, 0, 1+1+len(a.Host)+2)
		buf = append(buf, ATYPDomain, byte(len(a.Host)))
		buf = append(buf, a.Host...)
		buf = binary.BigEndian.AppendUint16(buf, a.Port)
		return buf, nil
	case ip.To4() != nil:
		buf := make([]byte, 0, 1+4+2)
		buf = append(buf, ATYPIPv4)
		buf = append(buf, ip.To4()...)
		buf = binary.BigEndian.AppendUint16(buf, a.Port)
		return buf, nil
	default:
		buf := make([]byte, 0, 1+16+2)
		buf = append(buf, ATYPIPv6)
		buf = append(buf, ip.To16()...)
		buf = binary.BigEndian.AppendUint16(buf, a.Port)
		return buf, nil
	}
}
