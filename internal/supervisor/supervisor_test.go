package supervisor

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/proxy"

	"github.com/lucerna-labs/sockguard/internal/policy"
	"github.com/lucerna-labs/sockguard/internal/socks5test"
	"github.com/lucerna-labs/sockguard/internal/telemetry"
)

type fakeStore struct {
	enabled    bool
	thresholds map[string]int64
}

func (s *fakeStore) Enabled() bool                { return s.enabled }
func (s *fakeStore) Thresholds() map[string]int64 { return s.thresholds }

func startTestSupervisor(t *testing.T, store *fakeStore) (addr net.Addr, sup *Supervisor) {
	t.Helper()
	f := policy.New(store, nil)
	sup, err := New(Config{
		ListenAddr:       "127.0.0.1:0",
		SnapshotInterval: 50 * time.Millisecond,
		StatsLogInterval: time.Hour,
		Filter:           f,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	readyCh := make(chan net.Addr, 1)
	if err := sup.Start(func(a net.Addr) { readyCh <- a }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { sup.Stop() })

	select {
	case a := <-readyCh:
		return a, sup
	case <-time.After(time.Second):
		t.Fatal("supervisor did not become ready")
	}
	return nil, nil
}

// startTestSupervisorConfig is like startTestSupervisor but lets the
// caller set fields (TelemetryPath, MaxConnections, ...) beyond the
// fixed defaults startTestSupervisor always uses. cfg.Filter and
// cfg.ListenAddr are filled in if left zero.
func startTestSupervisorConfig(t *testing.T, cfg Config) (addr net.Addr, sup *Supervisor) {
	t.Helper()
	if cfg.Filter == nil {
		cfg.Filter = policy.New(&fakeStore{enabled: false}, nil)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = 50 * time.Millisecond
	}
	if cfg.StatsLogInterval == 0 {
		cfg.StatsLogInterval = time.Hour
	}

	sup, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	readyCh := make(chan net.Addr, 1)
	if err := sup.Start(func(a net.Addr) { readyCh <- a }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { sup.Stop() })

	select {
	case a := <-readyCh:
		return a, sup
	case <-time.After(time.Second):
		t.Fatal("supervisor did not become ready")
	}
	return nil, nil
}

func TestSupervisor_ConnectRelaysAllowedTraffic(t *testing.T) {
	echo := newEchoTCPServer(t)
	defer echo.Close()

	addr, _ := startTestSupervisor(t, &fakeStore{enabled: false})

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial supervisor: %v", err)
	}
	defer conn.Close()

	echoAddr := echo.Addr().(*net.TCPAddr)
	rep, err := socks5test.Connect(conn, "127.0.0.1", uint16(echoAddr.Port))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !socks5test.Success(rep) {
		t.Fatalf("expected success reply, got %d", rep)
	}

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("expected echoed 'hello', got %q", buf)
	}
}

// TestSupervisor_ConnectViaStandardSOCKS5Client cross-checks the CONNECT
// path against golang.org/x/net/proxy's independent SOCKS5 client, rather
// than only the hand-rolled one in internal/socks5test.
func TestSupervisor_ConnectViaStandardSOCKS5Client(t *testing.T) {
	echo := newEchoTCPServer(t)
	defer echo.Close()

	addr, _ := startTestSupervisor(t, &fakeStore{enabled: false})

	dialer, err := proxy.SOCKS5("tcp", addr.String(), nil, proxy.Direct)
	if err != nil {
		t.Fatalf("proxy.SOCKS5: %v", err)
	}

	conn, err := dialer.Dial("tcp", echo.Addr().String())
	if err != nil {
		t.Fatalf("Dial through proxy: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("expected echoed 'hello', got %q", buf)
	}
}

func TestSupervisor_ConnectBlockedByPolicy(t *testing.T) {
	addr, _ := startTestSupervisor(t, &fakeStore{
		enabled:    true,
		thresholds: map[string]int64{"blocked.example": 0},
	})

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial supervisor: %v", err)
	}
	defer conn.Close()

	rep, err := socks5test.Connect(conn, "blocked.example", 443)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if socks5test.Success(rep) {
		t.Fatalf("expected a failure reply for a blocked domain, got success")
	}
}

func TestSupervisor_UDPFrameRelayedToEcho(t *testing.T) {
	echo := newEchoUDPServer(t)
	defer echo.Close()

	addr, _ := startTestSupervisor(t, &fakeStore{enabled: false})

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial supervisor: %v", err)
	}
	defer conn.Close()

	rep, err := socks5test.FwdUDP(conn)
	if err != nil {
		t.Fatalf("FwdUDP: %v", err)
	}
	if !socks5test.Success(rep) {
		t.Fatalf("expected success reply, got %d", rep)
	}

	echoAddr := echo.LocalAddr().(*net.UDPAddr)
	if err := socks5test.WriteUDPFrame(conn, "127.0.0.1", uint16(echoAddr.Port), []byte("ping")); err != nil {
		t.Fatalf("WriteUDPFrame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	datagram, err := socks5test.ReadUDPFrame(conn)
	if err != nil {
		t.Fatalf("ReadUDPFrame: %v", err)
	}
	if string(datagram) != "ping" {
		t.Fatalf("expected echoed 'ping', got %q", datagram)
	}
}

// TestSupervisor_TelemetryArtifactShape exercises the full §6 contract:
// one allowed CONNECT and one blocked CONNECT land in the same
// telemetry file as a {snapshots, events} artifact, with the field
// names and stats categories the external contract promises.
func TestSupervisor_TelemetryArtifactShape(t *testing.T) {
	echo := newEchoTCPServer(t)
	defer echo.Close()

	telemetryPath := filepath.Join(t.TempDir(), "traffic.json")
	f := policy.New(&fakeStore{enabled: true, thresholds: map[string]int64{"blocked.example": 0}}, nil)
	addr, _ := startTestSupervisorConfig(t, Config{
		Filter:        f,
		TelemetryPath: telemetryPath,
	})

	allowedConn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial supervisor: %v", err)
	}
	defer allowedConn.Close()
	echoAddr := echo.Addr().(*net.TCPAddr)
	rep, err := socks5test.Connect(allowedConn, "127.0.0.1", uint16(echoAddr.Port))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !socks5test.Success(rep) {
		t.Fatalf("expected success reply, got %d", rep)
	}

	blockedConn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial supervisor: %v", err)
	}
	defer blockedConn.Close()
	rep, err = socks5test.Connect(blockedConn, "blocked.example", 443)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if socks5test.Success(rep) {
		t.Fatalf("expected a failure reply for a blocked domain, got success")
	}

	var art telemetry.Artifact
	deadline := time.Now().Add(2 * time.Second)
	for {
		data, err := os.ReadFile(telemetryPath)
		if err == nil {
			if jerr := json.Unmarshal(data, &art); jerr != nil {
				t.Fatalf("unmarshal telemetry artifact: %v", jerr)
			}
			if len(art.Snapshots) > 0 && art.Snapshots[len(art.Snapshots)-1].Stats.TCPAllowed >= 1 {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("telemetry file never reflected tcpAllowed>=1 (last read: %+v, err: %v)", art, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	last := art.Snapshots[len(art.Snapshots)-1]
	if last.Stats.TCPAllowed < 1 {
		t.Fatalf("expected stats.tcpAllowed >= 1, got %d", last.Stats.TCPAllowed)
	}
	if last.Stats.TCPBlocked < 1 {
		t.Fatalf("expected stats.tcpBlocked >= 1, got %d", last.Stats.TCPBlocked)
	}
	if last.Stats.TotalConns < last.Stats.TCPAllowed+last.Stats.TCPBlocked {
		t.Fatalf("expected totalConns (%d) >= tcpAllowed+tcpBlocked (%d+%d)",
			last.Stats.TotalConns, last.Stats.TCPAllowed, last.Stats.TCPBlocked)
	}

	foundAllowed, foundBlocked := false, false
	for _, ev := range art.Events {
		switch ev.Type {
		case "allowed":
			foundAllowed = true
		case "blocked":
			foundBlocked = true
		}
	}
	if !foundAllowed || !foundBlocked {
		t.Fatalf("expected both an allowed and a blocked event in the log, got %+v", art.Events)
	}
}

// TestSupervisor_AdmissionCapRejectsOverflow is the S5 scenario: with
// MAX_CONNECTIONS set to N, N+1 concurrent CONNECTs leave exactly one
// connection rejected (closed before any SOCKS5 reply, §7
// AdmissionLimit) and the other N relaying happily.
func TestSupervisor_AdmissionCapRejectsOverflow(t *testing.T) {
	const maxConns = 8

	echo := newEchoTCPServer(t)
	defer echo.Close()

	addr, _ := startTestSupervisorConfig(t, Config{MaxConnections: maxConns})
	echoAddr := echo.Addr().(*net.TCPAddr)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, rejected := 0, 0

	for i := 0; i < maxConns+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", addr.String())
			if err != nil {
				mu.Lock()
				rejected++
				mu.Unlock()
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(2 * time.Second))

			rep, err := socks5test.Connect(conn, "127.0.0.1", uint16(echoAddr.Port))
			if err != nil || !socks5test.Success(rep) {
				mu.Lock()
				rejected++
				mu.Unlock()
				return
			}
			mu.Lock()
			admitted++
			mu.Unlock()

			// Hold the relay open until every goroutine has had a chance
			// to race for admission, so the cap is actually exercised.
			time.Sleep(300 * time.Millisecond)
		}()
	}
	wg.Wait()

	if admitted != maxConns {
		t.Fatalf("expected exactly %d admitted connections, got %d", maxConns, admitted)
	}
	if rejected != 1 {
		t.Fatalf("expected exactly 1 rejected connection, got %d", rejected)
	}
}

type echoTCPServer struct {
	ln net.Listener
}

func (e *echoTCPServer) Addr() net.Addr { return e.ln.Addr() }
func (e *echoTCPServer) Close() error   { return e.ln.Close() }

func newEchoTCPServer(t *testing.T) *echoTCPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						conn.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return &echoTCPServer{ln: ln}
}

func newEchoUDPServer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp echo: %v", err)
	}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], addr)
		}
	}()
	return conn
}
