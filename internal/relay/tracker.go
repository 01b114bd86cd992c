// Package relay implements the C3 relay engine: dialing a CONNECT
// target, running the two byte pumps, sniffing SNI on the first upload
// chunk, and enforcing the per-domain stream-block threshold.
package relay

import (
	"net"
	"time"

	"github.com/tevino/abool"
	"go.uber.org/atomic"
)

// Tracker is the live state of one TCP relay (§3 ConnectionTracker). It
// is safe for concurrent use by the two pumps and by whatever goroutine
// later needs to force-close or snapshot the relay.
type Tracker struct {
	ID        int64
	Host      string
	Port      uint16
	StartTime time.Time

	client net.Conn
	target net.Conn

	sni          atomic.String
	sniExtracted *abool.AtomicBool

	bytesUp   atomic.Uint64
	bytesDown atomic.Uint64

	closed      *abool.AtomicBool
	closeReason atomic.String
}

// NewTracker creates a tracker for a relay whose dial has already
// succeeded; client and target are the two sides the pumps move bytes
// between and the only things Close needs to tear down.
func NewTracker(id int64, host string, port uint16, client, target net.Conn) *Tracker {
	return &Tracker{
		ID:           id,
		Host:         host,
		Port:         port,
		StartTime:    time.Now(),
		client:       client,
		target:       target,
		sniExtracted: abool.New(),
		closed:       abool.New(),
	}
}

// AddUp/AddDown accumulate relayed bytes (§3 ConnectionTracker.bytesUp,
// bytesDown).
func (t *Tracker) AddUp(n uint64)   { t.bytesUp.Add(n) }
func (t *Tracker) AddDown(n uint64) { t.bytesDown.Add(n) }

func (t *Tracker) BytesUp() uint64   { return t.bytesUp.Load() }
func (t *Tracker) BytesDown() uint64 { return t.bytesDown.Load() }

// SNI returns the sniffed server name, or "" if none was found yet.
func (t *Tracker) SNI() string { return t.sni.Load() }

// MaybeExtractSNI runs the SNI extractor on chunk exactly once per
// relay, on whichever upload chunk arrives first (§4.1: "only the first
// non-empty upload chunk is inspected; no cross-chunk buffering").
func (t *Tracker) MaybeExtractSNI(chunk []byte, extract func([]byte) (string, bool)) {
	if !t.sniExtracted.SetToIf(false, true) {
		return
	}
	if s, ok := extract(chunk); ok {
		t.sni.Store(s)
	}
}

// IsClosed reports whether the relay has already been torn down.
func (t *Tracker) IsClosed() bool { return t.closed.IsSet() }

// CloseReason returns the reason recorded by whichever caller won the
// race to close this relay, or "" if still open.
func (t *Tracker) CloseReason() string { return t.closeReason.Load() }

// markClosed is the single idempotent latch behind log_relay_end (§4.3):
// only the first caller gets true, so only one event is ever emitted and
// both sockets are only ever closed from one place.
func (t *Tracker) markClosed(reason string) bool {
	if !t.closed.SetToIf(false, true) {
		return false
	}
	t.closeReason.Store(reason)
	return true
}
