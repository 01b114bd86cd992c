package wire

import (
	"bufio"
	"bytes"
	"testing"
)

func TestNegotiate_AlwaysRepliesNoAuth(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr bool
	}{
		{"no methods offered", []byte{Version5, 0x00}, false},
		{"one method", []byte{Version5, 0x01, 0x00}, false},
		{"several methods including unsupported ones", []byte{Version5, 0x03, 0x00, 0x01, 0x02}, false},
		{"wrong version", []byte{0x04, 0x01, 0x00}, true},
		{"truncated", []byte{Version5, 0x02, 0x00}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			br := bufio.NewReader(bytes.NewReader(tt.input))
			var out bytes.Buffer
			err := Negotiate(br, &out)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Negotiate: %v", err)
			}
			if !bytes.Equal(out.Bytes(), []byte{Version5, MethodNoAuth}) {
				t.Fatalf("expected no-auth reply, got %v", out.Bytes())
			}
		})
	}
}

func TestNegotiate_LeavesPipelinedBytesBuffered(t *testing.T) {
	input := append([]byte{Version5, 0x01, 0x00}, 0xAA, 0xBB)
	br := bufio.NewReader(bytes.NewReader(input))
	var out bytes.Buffer
	if err := Negotiate(br, &out); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	rest, err := br.Peek(2)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if !bytes.Equal(rest, []byte{0xAA, 0xBB}) {
		t.Fatalf("expected pipelined bytes still buffered, got %v", rest)
	}
}

func TestParseAddress_AllTypes(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want Address
	}{
		{"ipv4", []byte{ATYPIPv4, 93, 184, 216, 34, 0x01, 0xBB}, Address{Host: "93.184.216.34", Port: 443}},
		{"domain", append([]byte{ATYPDomain, 11}, append([]byte("example.com"), 0x00, 0x50)...), Address{Host: "example.com", Port: 80}},
		{"ipv6", append([]byte{ATYPIPv6}, append(make([]byte, 16), 0x00, 0x16)...), Address{Host: "::", Port: 22}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := ParseAddress(tt.buf, 0)
			if err != nil {
				t.Fatalf("ParseAddress: %v", err)
			}
			if got.Host != tt.want.Host || got.Port != tt.want.Port {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseAddress_ShortBuffersError(t *testing.T) {
	tests := [][]byte{
		{ATYPIPv4, 1, 2, 3},
		{ATYPDomain, 5, 'a', 'b'},
		{ATYPIPv6, 1, 2, 3},
		{0xFF},
	}
	for _, buf := range tests {
		if _, _, err := ParseAddress(buf, 0); err == nil {
			t.Fatalf("expected error for short buffer %v", buf)
		}
	}
}

func TestParseAddress_DomainLengthBoundaries(t *testing.T) {
	// §8: a 0-byte domain is rejected, a 255-byte domain is accepted.
	zero := append([]byte{ATYPDomain, 0}, 0x00, 0x50)
	if _, _, err := ParseAddress(zero, 0); err == nil {
		t.Fatalf("expected error for 0-byte domain")
	}

	name := make([]byte, 255)
	for i := range name {
		name[i] = 'a'
	}
	full := append([]byte{ATYPDomain, 255}, name...)
	full = append(full, 0x00, 0x50)
	got, _, err := ParseAddress(full, 0)
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if got.Host != string(name) || got.Port != 80 {
		t.Fatalf("got %+v, want 255-byte domain on port 80", got)
	}
}

func TestEncodeAddress_RoundTripsWithParseAddress(t *testing.T) {
	addrs := []Address{
		{Host: "203.0.113.5", Port: 8080},
		{Host: "example.org", Port: 443},
		{Host: "2001:db8::1", Port: 22},
	}
	for _, a := range addrs {
		encoded, err := EncodeAddress(a)
		if err != nil {
			t.Fatalf("EncodeAddress(%+v): %v", a, err)
		}
		got, headerEnd, err := ParseAddress(encoded, 0)
		if err != nil {
			t.Fatalf("ParseAddress of encoded %+v: %v", a, err)
		}
		if headerEnd != len(encoded) {
			t.Fatalf("headerEnd %d != encoded length %d", headerEnd, len(encoded))
		}
		if got.Host != a.Host || got.Port != a.Port {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, a)
		}
	}
}

func TestReadRequest_ConnectWithDomain(t *testing.T) {
	buf := []byte{Version5, CmdConnect, 0x00, ATYPDomain, 11}
	buf = append(buf, []byte("example.com")...)
	buf = append(buf, 0x01, 0xBB)

	br := bufio.NewReader(bytes.NewReader(buf))
	req, err := ReadRequest(br)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if req.Cmd != CmdConnect || req.Addr.Host != "example.com" || req.Addr.Port != 443 {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestReadRequest_RejectsWrongVersion(t *testing.T) {
	buf := []byte{0x04, CmdConnect, 0x00, ATYPIPv4, 1, 2, 3, 4, 0, 80}
	br := bufio.NewReader(bytes.NewReader(buf))
	if _, err := ReadRequest(br); err == nil {
		t.Fatalf("expected error for wrong version")
	}
}

func TestWriteReply_EncodesCanonicalBoundAddress(t *testing.T) {
	var out bytes.Buffer
	if err := WriteReply(&out, RepSuccess); err != nil {
		t.Fatalf("WriteReply: %v", err)
	}
	want := []byte{Version5, RepSuccess, 0x00, ATYPIPv4, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(out.Bytes(), want) {
		t.Fatalf("got %v, want %v", out.Bytes(), want)
	}
}

func TestUDPFrame_RoundTrip(t *testing.T) {
	addr := Address{Host: "192.0.2.1", Port: 53}
	addrBytes, err := EncodeAddress(addr)
	if err != nil {
		t.Fatalf("EncodeAddress: %v", err)
	}
	datagram := []byte("question")

	payload := append([]byte{0x00}, addrBytes...)
	payload = append(payload, datagram...)
	frame := append([]byte{byte(len(payload) >> 8), byte(len(payload))}, payload...)

	br := bufio.NewReader(bytes.NewReader(frame))
	got, err := ReadUDPFrame(br)
	if err != nil {
		t.Fatalf("ReadUDPFrame: %v", err)
	}
	if got.Addr.Host != addr.Host || got.Addr.Port != addr.Port {
		t.Fatalf("got addr %+v, want %+v", got.Addr, addr)
	}
	if !bytes.Equal(got.Datagram, datagram) {
		t.Fatalf("got datagram %q, want %q", got.Datagram, datagram)
	}

	var out bytes.Buffer
	reply := []byte("answer")
	if err := WriteUDPFrame(&out, got.HeaderPrefix, reply); err != nil {
		t.Fatalf("WriteUDPFrame: %v", err)
	}

	rbr := bufio.NewReader(&out)
	replyFrame, err := ReadUDPFrame(rbr)
	if err != nil {
		t.Fatalf("ReadUDPFrame of reply: %v", err)
	}
	if replyFrame.Addr.Host != addr.Host || replyFrame.Addr.Port != addr.Port {
		t.Fatalf("reply frame address mismatch: %+v", replyFrame.Addr)
	}
	if !bytes.Equal(replyFrame.Datagram, reply) {
		t.Fatalf("got reply datagram %q, want %q", replyFrame.Datagram, reply)
	}
}

func TestUDPFrame_LengthOutOfRangeIsError(t *testing.T) {
	tests := []uint16{0, MaxFrameLen + 1, 65535}
	for _, n := range tests {
		frame := []byte{byte(n >> 8), byte(n)}
		frame = append(frame, make([]byte, minInt(int(n), 4))...)
		br := bufio.NewReader(bytes.NewReader(frame))
		if _, err := ReadUDPFrame(br); err == nil {
			t.Fatalf("expected error for frame length %d", n)
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func TestExtractSNI_FindsServerName(t *testing.T) {
	record := buildClientHelloRecord(t, "example.com")
	sni, ok := ExtractSNI(record)
	if !ok {
		t.Fatalf("expected SNI to be found")
	}
	if sni != "example.com" {
		t.Fatalf("got %q, want %q", sni, "example.com")
	}
}

func TestExtractSNI_NonTLSChunkYieldsNoMatch(t *testing.T) {
	if _, ok := ExtractSNI([]byte("GET / HTTP/1.1\r\n")); ok {
		t.Fatalf("expected no SNI match for a plaintext HTTP request")
	}
}

func TestExtractSNI_TruncatedRecordYieldsNoMatch(t *testing.T) {
	record := buildClientHelloRecord(t, "example.com")
	if _, ok := ExtractSNI(record[:10]); ok {
		t.Fatalf("expected no SNI match for a truncated record")
	}
}

// buildClientHelloRecord constructs a minimal TLS ClientHello record
// carrying sni as the sole server_name extension entry.
func buildClientHelloRecord(t *testing.T, sni string) []byte {
	t.Helper()
	name := []byte(sni)

	serverNameEntry := append([]byte{sniHostNameType}, u16(len(name))...)
	serverNameEntry = append(serverNameEntry, name...)

	serverNameList := append(u16(len(serverNameEntry)), serverNameEntry...)

	sniExt := append([]byte{0x00, 0x00}, u16(len(serverNameList))...)
	sniExt = append(sniExt, serverNameList...)

	body := []byte{tlsClientHello, 0, 0, 0}
	body = append(body, 0x03, 0x03)
	body = append(body, make([]byte, 32)...)
	body = append(body, 0x00)
	body = append(body, 0x00, 0x00)
	body = append(body, 0x00)
	body = append(body, u16(len(sniExt))...)
	body = append(body, sniExt...)

	hsLen := len(body) - 4
	body[1] = byte(hsLen >> 16)
	body[2] = byte(hsLen >> 8)
	body[3] = byte(hsLen)

	record := []byte{tlsHandshakeRecord, tlsMajorVersion, 0x03}
	record = append(record, u16(len(body))...)
	record = append(record, body...)
	return record
}

func u16(n int) []byte { return []byte{byte(n >> 8), byte(n)} }
