package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucerna-labs/sockguard/internal/event"
	"github.com/lucerna-labs/sockguard/internal/metrics"
	"github.com/lucerna-labs/sockguard/internal/policy"
	"github.com/lucerna-labs/sockguard/internal/wire"
)

// RelayBufferSize is the per-direction read buffer (§2 sizing table).
const RelayBufferSize = 64 * 1024

// IdleTimeout is the hard, non-refreshing cap on a relay's lifetime
// (§4.3, Open Question #1: armed once at creation, never reset by
// traffic).
const IdleTimeout = 120 * time.Second

// closeReasonStreamBlocked and closeReasonTargetFailed are the two
// reasons that already emitted their own event before calling Close,
// so Close must not emit a second, generic Completed event for them.
const (
	closeReasonStreamBlocked = "stream-blocked"
	closeReasonTargetFailed  = "target-failed"
	closeReasonTimeout       = "timeout"
	closeReasonComplete      = "complete"
	closeReasonError         = "error"
)

// Dialer opens the outbound leg of a CONNECT relay.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Hooks lets the caller (the supervisor) observe and bookkeep a relay
// without the engine knowing anything about connection ids, ring
// buffers or snapshots.
type Hooks struct {
	Emit           event.Sink
	OnTrackerStart func(*Tracker)
	OnTrackerEnd   func(*Tracker)
}

// Engine is the C3 relay engine: one CONNECT relay at a time, driven by
// HandleConnect.
type Engine struct {
	dial    Dialer
	filter  *policy.Filter
	timeout time.Duration
	bufSize int
}

// NewEngine builds an Engine with the spec's default timeout and buffer
// size; filter may not be nil (stream-block enforcement always
// consults it, even if the store behind it is always-allow).
func NewEngine(dial Dialer, filter *policy.Filter) *Engine {
	return &Engine{dial: dial, filter: filter, timeout: IdleTimeout, bufSize: RelayBufferSize}
}

// HandleConnect implements §4.3: dial the target, reply, then run both
// pumps until the relay ends for any reason. It blocks until the relay
// is fully torn down. id is the connection id the supervisor already
// allocated; leftover is any buffered bytes read past the SOCKS request
// header that belong to the upload stream.
func (e *Engine) HandleConnect(ctx context.Context, id int64, addr wire.Address, client net.Conn, leftover io.Reader, hooks Hooks) {
	target, err := e.dial(ctx, "tcp", addr.String())
	if err != nil {
		metrics.DialErrorsTotal.Inc()
		_ = wire.WriteReply(client, wire.RepConnectionRefused)
		hooks.Emit(event.Draft{
			Kind:   event.Error,
			Host:   addr.Host,
			Port:   addr.Port,
			Detail: fmt.Sprintf("dial failed: %v", err),
		})
		return
	}

	if err := wire.WriteReply(client, wire.RepSuccess); err != nil {
		target.Close()
		return
	}

	tr := NewTracker(id, addr.Host, addr.Port, client, target)
	metrics.ConnectionsTotal.Inc()
	metrics.TCPAllowedTotal.Inc()
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	hooks.Emit(event.Draft{Kind: event.Allowed, Host: addr.Host, Port: addr.Port})
	hooks.OnTrackerStart(tr)
	defer hooks.OnTrackerEnd(tr)

	timer := time.AfterFunc(e.timeout, func() {
		Close(tr, closeReasonTimeout, hooks.Emit)
	})
	defer timer.Stop()

	var g errgroup.Group
	g.Go(func() error { return e.pump(tr, leftover, target, hooks.Emit, true) })
	g.Go(func() error { return e.pump(tr, target, client, hooks.Emit, false) })
	g.Wait()
}

// pump moves bytes in one direction until src returns an error (EOF
// included), sniffing SNI and enforcing the stream-block threshold on
// the download leg. It always ends the relay via Close before
// returning, so whichever pump gets there first decides the reason.
func (e *Engine) pump(tr *Tracker, src io.Reader, dst io.Writer, emit event.Sink, upload bool) error {
	buf := make([]byte, e.bufSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if upload {
				tr.AddUp(uint64(n))
				tr.MaybeExtractSNI(chunk, wire.ExtractSNI)
				metrics.BytesTotal.WithLabelValues("up").Add(float64(n))
			} else {
				tr.AddDown(uint64(n))
				metrics.BytesTotal.WithLabelValues("down").Add(float64(n))

				if sni := tr.SNI(); sni != "" {
					if threshold, ok := e.filter.StreamBlockThreshold(sni); ok && tr.BytesDown() > threshold {
						metrics.StreamBlockedTotal.Inc()
						emit(event.Draft{
							Kind:      event.StreamBlocked,
							Host:      tr.Host,
							Port:      tr.Port,
							SNI:       sni,
							Detail:    fmt.Sprintf("download exceeded %d byte threshold", threshold),
							BytesDown: tr.BytesDown(),
							HasBytes:  true,
						})
						Close(tr, closeReasonStreamBlocked, emit)
						return nil
					}
				}
			}

			if _, writeErr := dst.Write(chunk); writeErr != nil {
				Close(tr, closeReasonError, emit)
				return writeErr
			}
		}

		if readErr != nil {
			reason := closeReasonComplete
			if readErr != io.EOF {
				reason = closeReasonError
			}
			Close(tr, reason, emit)
			return readErr
		}
	}
}

// Close is the single idempotent close path behind §4.3's
// log_relay_end: the first caller wins, closes both sockets, and (for
// reasons that didn't already emit their own event) records a
// Completed event carrying the final byte count.
func Close(tr *Tracker, reason string, emit event.Sink) bool {
	if !tr.markClosed(reason) {
		return false
	}
	tr.client.Close()
	tr.target.Close()

	if reason == closeReasonStreamBlocked || reason == closeReasonTargetFailed {
		return true
	}
	down := tr.BytesDown()
	emit(event.Draft{
		Kind:      event.Completed,
		Host:      tr.Host,
		Port:      tr.Port,
		SNI:       tr.SNI(),
		Detail:    reason,
		BytesDown: down,
		HasBytes:  true,
	})
	return true
}
