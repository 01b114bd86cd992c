package udpframe

import (
	"strings"

	"github.com/miekg/dns"
)

// decodeDNSQuestion best-effort decodes the first question name out of
// a UDP payload addressed to port 53, purely for telemetry attribution
// (the name is attached to the frame's Allowed event; UDP frames do not
// feed the domain aggregate). This never resolves
// anything and never blocks on it — a malformed or truncated packet
// just yields ok=false, exactly like wire.ExtractSNI's bail-out
// contract for TLS.
func decodeDNSQuestion(payload []byte) (string, bool) {
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil {
		return "", false
	}
	if len(msg.Question) == 0 {
		return "", false
	}
	name := strings.TrimSuffix(msg.Question[0].Name, ".")
	if name == "" {
		return "", false
	}
	return name, true
}
