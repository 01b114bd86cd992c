// Package udpframe implements the C4 UDP framer: the FWD_UDP loop that
// reads length-prefixed datagram frames off a TCP connection, applies
// the policy filter per-datagram, and relays each one through a
// one-shot UDP socket (§4.4).
package udpframe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/lucerna-labs/sockguard/internal/event"
	"github.com/lucerna-labs/sockguard/internal/metrics"
	"github.com/lucerna-labs/sockguard/internal/policy"
	"github.com/lucerna-labs/sockguard/internal/wire"
)

// ReplyTimeout bounds how long a one-shot UDP socket waits for a single
// reply datagram before giving up (§4.4).
const ReplyTimeout = 5 * time.Second

// MaxDatagramSize is large enough for any UDP payload (§4.4 frame
// bound is 9000 bytes; replies from the target may be larger).
const MaxDatagramSize = 65507

// Dialer opens the one-shot UDP socket used to relay a single frame.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Hooks lets a caller observe the framer without reaching into its
// internals: Emit receives every event Draft, OnFrame fires once per
// frame read off the wire, allowed or blocked (§4.4 step 4: "increment
// udp_relayed" happens unconditionally, before the policy check).
type Hooks struct {
	Emit    event.Sink
	OnFrame func()
}

// Framer is the C4 UDP framer for a single FWD_UDP tunnel connection.
type Framer struct {
	dial    Dialer
	filter  *policy.Filter
	timeout time.Duration
}

// NewFramer builds a Framer with the spec's default reply timeout.
func NewFramer(dial Dialer, filter *policy.Filter) *Framer {
	return &Framer{dial: dial, filter: filter, timeout: ReplyTimeout}
}

// safeWriter serializes writes from the many concurrent per-frame
// goroutines onto the single underlying TCP connection, so two reply
// frames can never interleave their length prefixes.
type safeWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *safeWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Serve reads FWD_UDP frames from br until the connection closes,
// dispatching each one to its own relay goroutine so a slow or
// unreachable target never stalls the read loop (§4.4: frames on one
// tunnel connection are independent).
func (fr *Framer) Serve(ctx context.Context, client net.Conn, br *bufio.Reader, hooks Hooks) error {
	out := &safeWriter{w: client}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		frame, err := wire.ReadUDPFrame(br)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		wg.Add(1)
		go func(f *wire.UDPFrame) {
			defer wg.Done()
			fr.relayOne(ctx, f, out, hooks)
		}(frame)
	}
}

// relayOne applies the policy filter to one datagram and, if allowed,
// relays it through a fresh UDP socket: send, wait once for a reply
// (or timeout), write at most one reply frame back (§4.4).
func (fr *Framer) relayOne(ctx context.Context, frame *wire.UDPFrame, out io.Writer, hooks Hooks) {
	if hooks.OnFrame != nil {
		hooks.OnFrame()
	}

	decision := fr.filter.ShouldAllow(frame.Addr.Host, frame.Addr.Port)
	if decision == policy.Block {
		metrics.UDPBlockedTotal.Inc()
		hooks.Emit(event.Draft{
			Kind:   event.Blocked,
			Host:   frame.Addr.Host,
			Port:   frame.Addr.Port,
			Detail: "udp frame blocked by policy",
		})
		return
	}
	metrics.UDPFramesTotal.Inc()

	if frame.Addr.Port == 53 {
		if name, ok := decodeDNSQuestion(frame.Datagram); ok {
			hooks.Emit(event.Draft{Kind: event.Allowed, Host: frame.Addr.Host, Port: 53, SNI: name, Detail: "dns question observed"})
		} else {
			hooks.Emit(event.Draft{Kind: event.Allowed, Host: frame.Addr.Host, Port: frame.Addr.Port})
		}
	} else {
		hooks.Emit(event.Draft{Kind: event.Allowed, Host: frame.Addr.Host, Port: frame.Addr.Port})
	}

	conn, err := fr.dial(ctx, "udp", frame.Addr.String())
	if err != nil {
		metrics.DialErrorsTotal.Inc()
		hooks.Emit(event.Draft{Kind: event.Error, Host: frame.Addr.Host, Port: frame.Addr.Port, Detail: fmt.Sprintf("udp dial failed: %v", err)})
		return
	}
	defer conn.Close()

	if _, err := conn.Write(frame.Datagram); err != nil {
		hooks.Emit(event.Draft{Kind: event.Error, Host: frame.Addr.Host, Port: frame.Addr.Port, Detail: fmt.Sprintf("udp send failed: %v", err)})
		return
	}

	conn.SetReadDeadline(time.Now().Add(fr.timeout))
	buf := make([]byte, MaxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		// Timeout or reset: the spec's one-shot relay gives up silently,
		// there is no reply frame to send.
		return
	}

	_ = wire.WriteUDPFrame(out, frame.HeaderPrefix, buf[:n])
}
