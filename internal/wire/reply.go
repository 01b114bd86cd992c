package wire

import "io"

// EncodeReply builds the canonical 10-byte SOCKS5 reply with bound
// address 0.0.0.0:0 (§4.1), used for TCP-success, TCP-error and
// UDP-accept alike. Callers choose rep.
func EncodeReply(rep byte) []byte {
	return []byte{Version5, rep, 0x00, ATYPIPv4, 0, 0, 0, 0, 0, 0}
}

// WriteReply encodes and writes the reply in one call.
func WriteReply(w io.Writer, rep byte) error {
	_, err := w.Write(EncodeReply(rep))
	return err
}
