// Package supervisor implements the C5 supervisor: the listening
// socket, per-connection admission control, the active-relay registry
// and the 1Hz telemetry snapshot loop (§4.5, §6).
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/atomic"

	"github.com/lucerna-labs/sockguard/internal/audit"
	"github.com/lucerna-labs/sockguard/internal/event"
	"github.com/lucerna-labs/sockguard/internal/metrics"
	"github.com/lucerna-labs/sockguard/internal/policy"
	"github.com/lucerna-labs/sockguard/internal/relay"
	"github.com/lucerna-labs/sockguard/internal/telemetry"
	"github.com/lucerna-labs/sockguard/internal/udpframe"
	"github.com/lucerna-labs/sockguard/internal/wire"
)

// Defaults for everything Config leaves zero (§2 sizing table).
const (
	DefaultMaxConnections   = 500
	DefaultSnapshotInterval = time.Second
	DefaultStatsLogInterval = 10 * time.Second
	DefaultGraceWindow      = 3 * time.Second
	EventRingCapacity       = 500
	SnapshotRingCapacity    = 300
	TopDomainCount          = 10
)

// Config wires up a Supervisor. Filter is required; everything else has
// a spec-mandated default when left zero.
type Config struct {
	ListenAddr       string
	MaxConnections   int
	SnapshotInterval time.Duration
	StatsLogInterval time.Duration
	GraceWindow      time.Duration
	TelemetryPath    string

	Filter *policy.Filter
	Dial   relay.Dialer
	UDPDial udpframe.Dialer

	Audit  *audit.Store
	Push   *telemetry.PushServer
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:0"
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.StatsLogInterval <= 0 {
		c.StatsLogInterval = DefaultStatsLogInterval
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = DefaultGraceWindow
	}
	if c.Dial == nil {
		c.Dial = (&net.Dialer{Timeout: 10 * time.Second}).DialContext
	}
	if c.UDPDial == nil {
		c.UDPDial = (&net.Dialer{}).DialContext
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Supervisor is the C5 component. Callers only ever touch Start/Stop
// (§6: no CLI, env var or config file parsing happens below this
// layer).
type Supervisor struct {
	cfg Config

	listener net.Listener

	nextConnID  atomic.Int64
	nextEventID atomic.Int64
	activeConns atomic.Int64

	stats   *Stats
	events  *ring[event.Event]
	snaps   *ring[telemetry.TrafficSnapshot]
	domains *domainAggregator

	activeMu     sync.Mutex
	activeRelays map[int64]*relay.Tracker

	engine *relay.Engine
	framer *udpframe.Framer

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Supervisor from cfg. cfg.Filter must not be nil.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Filter == nil {
		return nil, errors.New("supervisor: Config.Filter is required")
	}
	cfg.setDefaults()

	s := &Supervisor{
		cfg:          cfg,
		stats:        newStats(),
		events:       newRing[event.Event](EventRingCapacity),
		snaps:        newRing[telemetry.TrafficSnapshot](SnapshotRingCapacity),
		domains:      newDomainAggregator(),
		activeRelays: make(map[int64]*relay.Tracker),
		stopCh:       make(chan struct{}),
	}
	s.engine = relay.NewEngine(cfg.Dial, cfg.Filter)
	s.framer = udpframe.NewFramer(cfg.UDPDial, cfg.Filter)
	return s, nil
}

// Start binds the listener and launches the accept loop, the snapshot
// loop and the operational stats-log loop. onReady, if non-nil, is
// called once with the bound address — tests use this to discover the
// ephemeral port.
func (s *Supervisor) Start(onReady func(net.Addr)) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("supervisor: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln

	s.wg.Add(3)
	go s.acceptLoop()
	go s.snapshotLoop()
	go s.statsLogLoop()

	if onReady != nil {
		onReady(ln.Addr())
	}
	return nil
}

// Stop closes the listener, force-closes every relay still active and
// waits for all supervisor goroutines to exit.
func (s *Supervisor) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.listener != nil {
			s.listener.Close()
		}
		s.dropActiveRelays()
	})
	s.wg.Wait()
	return nil
}

func (s *Supervisor) dropActiveRelays() {
	s.activeMu.Lock()
	trackers := make([]*relay.Tracker, 0, len(s.activeRelays))
	for _, tr := range s.activeRelays {
		trackers = append(trackers, tr)
	}
	s.activeMu.Unlock()

	for _, tr := range trackers {
		relay.Close(tr, "stopped", s.emit)
	}
}

func (s *Supervisor) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.cfg.Logger.Error("supervisor: accept failed", "err", err)
				return
			}
		}
		// id is allocated here, at accept time, not inside the
		// per-connection goroutine below — §5 requires connection-id
		// order to track accept order, and a goroutine's handshake read
		// can finish in any order relative to its siblings.
		id := s.nextConnID.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(id, conn)
		}()
	}
}

// admit enforces MAX_CONNECTIONS (§4: "the supervisor refuses new
// connections once MAX_CONNECTIONS relays/tunnels are active").
func (s *Supervisor) admit() bool {
	for {
		cur := s.activeConns.Load()
		if cur >= int64(s.cfg.MaxConnections) {
			return false
		}
		if s.activeConns.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (s *Supervisor) release() { s.activeConns.Dec() }

func (s *Supervisor) handleConn(id int64, conn net.Conn) {
	if !s.admit() {
		metrics.ErrorsTotal.Inc()
		s.emit(event.Draft{Kind: event.Error, Detail: "connection limit reached"})
		conn.Close()
		return
	}
	// total_conns is accept-time, strictly increasing, independent of
	// the filter's later allow/block decision (§4.5). Admission-limit
	// rejections above never reach here, per §7 AdmissionLimit.
	s.stats.incTotalConns()
	defer s.release()
	defer conn.Close()

	br := bufio.NewReader(conn)
	if err := wire.Negotiate(br, conn); err != nil {
		s.emit(event.Draft{Kind: event.Error, Detail: fmt.Sprintf("negotiate failed: %v", err)})
		return
	}
	req, err := wire.ReadRequest(br)
	if err != nil {
		s.emit(event.Draft{Kind: event.Error, Detail: fmt.Sprintf("read request failed: %v", err)})
		return
	}

	switch req.Cmd {
	case wire.CmdConnect:
		s.handleTCP(id, req.Addr, conn, br)
	case wire.CmdFwdUDP:
		s.handleUDP(conn, br)
	default:
		wire.WriteReply(conn, wire.RepCmdNotSupported)
	}
}

func (s *Supervisor) handleTCP(id int64, addr wire.Address, conn net.Conn, br *bufio.Reader) {
	if s.cfg.Filter.ShouldAllow(addr.Host, addr.Port) == policy.Block {
		metrics.TCPBlockedTotal.Inc()
		s.stats.incTCPBlocked()
		wire.WriteReply(conn, wire.RepConnectionRefused)
		s.emit(event.Draft{Kind: event.Blocked, Host: addr.Host, Port: addr.Port, Detail: "blocked by policy"})
		return
	}

	s.engine.HandleConnect(context.Background(), id, addr, conn, br, relay.Hooks{
		Emit:           s.emit,
		OnTrackerStart: s.registerRelay,
		OnTrackerEnd:   s.unregisterRelay,
	})
}

func (s *Supervisor) handleUDP(conn net.Conn, br *bufio.Reader) {
	if err := wire.WriteReply(conn, wire.RepSuccess); err != nil {
		return
	}
	s.framer.Serve(context.Background(), conn, br, udpframe.Hooks{
		Emit:    s.emit,
		OnFrame: s.stats.incUDPRelayed,
	})
}

func (s *Supervisor) registerRelay(tr *relay.Tracker) {
	s.activeMu.Lock()
	s.activeRelays[tr.ID] = tr
	s.activeMu.Unlock()
	s.stats.relayStarted()
}

// unregisterRelay runs once per relay (the engine only calls OnTrackerEnd
// once, via defer). It folds the relay's final totals into the domain
// aggregate and the cumulative byte counters, then schedules the
// tracker's removal from the active map after a grace window so one
// last snapshot can still show it as closed (§4.5).
func (s *Supervisor) unregisterRelay(tr *relay.Tracker) {
	s.stats.relayEnded()
	s.stats.addBytes(tr.BytesUp(), tr.BytesDown())

	domain := tr.SNI()
	if domain == "" {
		domain = tr.Host
	}
	s.domains.record(domain, tr.BytesDown())

	if s.cfg.Audit != nil {
		if err := s.cfg.Audit.Record(domain, tr.BytesDown()); err != nil {
			s.cfg.Logger.Error("supervisor: audit record failed", "domain", domain, "err", err)
		}
	}

	time.AfterFunc(s.cfg.GraceWindow, func() {
		s.activeMu.Lock()
		delete(s.activeRelays, tr.ID)
		s.activeMu.Unlock()
	})
}

// emit is the single funnel every component's Draft passes through
// (§4.5 event recorder): allocate an id, timestamp it, bump the
// matching stats counter, append to the ring.
func (s *Supervisor) emit(d event.Draft) {
	ev := event.Event{
		ID:        s.nextEventID.Add(1),
		Timestamp: time.Now(),
		Type:      d.Kind.String(),
		Host:      d.Host,
		Port:      d.Port,
		SNI:       d.SNI,
		Detail:    d.Detail,
	}
	if d.HasBytes {
		v := d.BytesDown
		ev.BytesDown = &v
	}
	s.events.push(ev)

	// errors is the one StatsCounters field that isn't split by
	// category (§3), so it's safe to derive generically from the event
	// kind here; tcpAllowed/tcpBlocked/udpRelayed are bumped explicitly
	// at their call sites since "Allowed"/"Blocked" drafts are also used
	// for UDP-only informational telemetry that must not count as TCP
	// categories.
	if d.Kind == event.Error {
		s.stats.incErrors()
	}
}

func (s *Supervisor) snapshotLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.publishSnapshot()
		}
	}
}

// publishSnapshot builds this tick's TrafficSnapshot, appends it to the
// history ring, then serializes the full artifact — the entire
// snapshot history plus the event log, per §6 — to the telemetry file
// and/or the push server. Neither the ring nor the event log is
// re-derived from the file; the file is a write-only projection of
// both.
func (s *Supervisor) publishSnapshot() {
	snap := s.buildSnapshot()
	s.snaps.push(snap)

	if s.cfg.TelemetryPath == "" && s.cfg.Push == nil {
		return
	}
	art := &telemetry.Artifact{
		Snapshots: s.snaps.snapshot(),
		Events:    s.events.snapshot(),
	}

	if s.cfg.TelemetryPath != "" {
		if err := telemetry.WriteArtifact(s.cfg.TelemetryPath, art); err != nil {
			s.cfg.Logger.Error("supervisor: write telemetry artifact", "err", err)
		}
	}
	if s.cfg.Push != nil {
		s.cfg.Push.Broadcast(art)
	}
}

func (s *Supervisor) buildSnapshot() telemetry.TrafficSnapshot {
	s.activeMu.Lock()
	conns := make([]telemetry.ConnectionSnapshot, 0, len(s.activeRelays))
	for _, tr := range s.activeRelays {
		conns = append(conns, telemetry.ConnectionSnapshot{
			ID:        tr.ID,
			Host:      tr.Host,
			Port:      tr.Port,
			SNI:       tr.SNI(),
			StartTime: tr.StartTime,
			BytesUp:   tr.BytesUp(),
			BytesDown: tr.BytesDown(),
			IsActive:  !tr.IsClosed(),
		})
	}
	s.activeMu.Unlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].ID > conns[j].ID })

	return telemetry.TrafficSnapshot{
		Timestamp:   time.Now(),
		Connections: conns,
		Stats:       s.stats.snapshot(),
		TopDomains:  s.domains.top(TopDomainCount),
	}
}

func (s *Supervisor) statsLogLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.StatsLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			snap := s.stats.snapshot()
			if snap.TotalConns == 0 {
				continue
			}
			s.cfg.Logger.Info("traffic stats",
				"connections_active", s.stats.activeCount(),
				"total_conns", snap.TotalConns,
				"tcp_allowed", snap.TCPAllowed,
				"tcp_blocked", snap.TCPBlocked,
				"udp_relayed", snap.UDPRelayed,
				"errors", snap.Errors,
				"bytes_up", humanize.Bytes(s.stats.bytesUp.Load()),
				"bytes_down", humanize.Bytes(s.stats.bytesDown.Load()),
			)
		}
	}
}
