package wire

import "encoding/binary"

// cursor walks a byte slice left to right, tracking failure so callers
// can chain several "take N bytes" calls without checking every one.
type cursor struct {
	buf []byte
	ok  bool
}

func newCursor(buf []byte) *cursor { return &cursor{buf: buf, ok: true} }

func (c *cursor) take(n int) []byte {
	if !c.ok || len(c.buf) < n {
		c.ok = false
		return nil
	}
	out := c.buf[:n]
	c.buf = c.buf[n:]
	return out
}

func (c *cursor) byte() byte {
	b := c.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (c *cursor) uint16() uint16 {
	b := c.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

// skipLenPrefixed8 skips a 1-byte-length-prefixed field.
func (c *cursor) skipLenPrefixed8() {
	l := int(c.byte())
	c.take(l)
}

// skipLenPrefixed16 skips a 2-byte-length-prefixed field.
func (c *cursor) skipLenPrefixed16() {
	l := int(c.uint16())
	c.take(l)
}

const (
	tlsHandshakeRecord = 0x16
	tlsMajorVersion    = 0x03
	tlsClientHello     = 0x01
	extServerName      = 0x0000
	sniHostNameType    = 0x00
)

// ExtractSNI implements the best-effort TLS ClientHello SNI extractor of
// §4.1. chunk is the first non-empty upload chunk of a TCP relay. It
// never returns an error — any short read or type mismatch simply means
// no SNI was found, per the spec's bail-out-don't-error contract.
func ExtractSNI(chunk []byte) (string, bool) {
	c := newCursor(chunk)

	recordType := c.byte()
	major := c.byte()
	c.byte() // minor version, unused
	recordLen := int(c.uint16())
	if !c.ok || recordType != tlsHandshakeRecord || major != tlsMajorVersion {
		return "", false
	}
	body := c.take(recordLen)
	if body == nil {
		return "", false
	}

	hs := newCursor(body)
	if hs.byte() != tlsClientHello {
		return "", false
	}
	// 3-byte handshake length is implied by the record length; the
	// record already bounds the body, so it's skipped rather than
	// re-validated.
	hs.take(3)

	hs.take(2)  // legacy_version
	hs.take(32) // random
	hs.skipLenPrefixed8()  // session_id
	hs.skipLenPrefixed16() // cipher_suites
	hs.skipLenPrefixed8()  // compression_methods

	extTotal := int(hs.uint16())
	extensions := hs.take(extTotal)
	if !hs.ok || extensions == nil {
		return "", false
	}

	ec := newCursor(extensions)
	for len(ec.buf) >= 4 {
		extType := ec.uint16()
		extLen := int(ec.uint16())
		data := ec.take(extLen)
		if data == nil {
			return "", false
		}
		if extType != extServerName {
			continue
		}
		return parseServerNameExtension(data)
	}

	return "", false
}

func parseServerNameExtension(data []byte) (string, bool) {
	dc := newCursor(data)
	listLen := int(dc.uint16())
	list := dc.take(listLen)
	if list == nil {
		return "", false
	}

	lc := newCursor(list)
	nameType := lc.byte()
	nameLen := int(lc.uint16())
	name := lc.take(nameLen)
	if !lc.ok || name == nil || nameType != sniHostNameType {
		return "", false
	}
	return string(name), true
}
