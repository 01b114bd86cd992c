// Command sockstest is a manual smoke-test client for a running
// sockguard proxy: it spins up a local TCP/UDP echo server, then drives
// a CONNECT or FWD_UDP exchange through the proxy and checks the echo
// came back. It exists for exercising a real binary by hand; the
// package's own tests (internal/supervisor) cover the same paths
// in-process.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/lucerna-labs/sockguard/internal/socks5test"
)

var tcpTimeout = 10 * time.Second

func passTest(name string) {
	fmt.Printf("\033[32m%s OK PASS\033[0m\n", name)
}

func failTest(name, reason string) {
	fmt.Printf("\033[31m%s ERR:%s\033[0m\n", name, reason)
}

func main() {
	proxyAddr := flag.String("proxy", "", "sockguard listen address, e.g. 127.0.0.1:1080 (required)")
	casename := flag.String("casename", "connect", "test case: connect or fwd_udp")
	flag.Parse()

	if *proxyAddr == "" {
		fmt.Fprintln(os.Stderr, "Missing required flag: -proxy")
		flag.Usage()
		os.Exit(1)
	}

	echoAddr, stopEcho, err := startEchoServers()
	if err != nil {
		fmt.Fprintf(os.Stderr, "starting echo servers: %v\n", err)
		os.Exit(1)
	}
	defer stopEcho()
	time.Sleep(100 * time.Millisecond)

	switch *casename {
	case "connect":
		testConnect(*proxyAddr, echoAddr)
	case "fwd_udp":
		testFwdUDP(*proxyAddr, echoAddr)
	default:
		fmt.Fprintf(os.Stderr, "unknown casename %q (want connect or fwd_udp)\n", *casename)
		os.Exit(1)
	}
}

func testConnect(proxyAddr, echoAddr string) {
	name := "connect"
	conn, err := net.DialTimeout("tcp", proxyAddr, tcpTimeout)
	if err != nil {
		failTest(name, err.Error())
		return
	}
	defer conn.Close()

	_, port, err := net.SplitHostPort(echoAddr)
	if err != nil {
		failTest(name, err.Error())
		return
	}
	var p int
	fmt.Sscanf(port, "%d", &p)

	rep, err := socks5test.Connect(conn, "127.0.0.1", uint16(p))
	if err != nil {
		failTest(name, err.Error())
		return
	}
	if !socks5test.Success(rep) {
		failTest(name, fmt.Sprintf("reply code %#x", rep))
		return
	}

	conn.SetDeadline(time.Now().Add(tcpTimeout))
	if _, err := conn.Write([]byte("ping")); err != nil {
		failTest(name, err.Error())
		return
	}
	buf := make([]byte, 4)
	if _, err := conn.Read(buf); err != nil {
		failTest(name, err.Error())
		return
	}
	if string(buf) != "ping" {
		failTest(name, fmt.Sprintf("unexpected echo %q", buf))
		return
	}
	passTest(name)
}

func testFwdUDP(proxyAddr, echoAddr string) {
	name := "fwd_udp"
	conn, err := net.DialTimeout("tcp", proxyAddr, tcpTimeout)
	if err != nil {
		failTest(name, err.Error())
		return
	}
	defer conn.Close()

	rep, err := socks5test.FwdUDP(conn)
	if err != nil {
		failTest(name, err.Error())
		return
	}
	if !socks5test.Success(rep) {
		failTest(name, fmt.Sprintf("reply code %#x", rep))
		return
	}

	host, portStr, err := net.SplitHostPort(echoAddr)
	if err != nil {
		failTest(name, err.Error())
		return
	}
	var p int
	fmt.Sscanf(portStr, "%d", &p)

	if err := socks5test.WriteUDPFrame(conn, host, uint16(p), []byte("ping")); err != nil {
		failTest(name, err.Error())
		return
	}
	conn.SetDeadline(time.Now().Add(tcpTimeout))
	datagram, err := socks5test.ReadUDPFrame(conn)
	if err != nil {
		failTest(name, err.Error())
		return
	}
	if string(datagram) != "ping" {
		failTest(name, fmt.Sprintf("unexpected echo %q", datagram))
		return
	}
	passTest(name)
}

// startEchoServers starts a TCP and a UDP echo listener on the same
// loopback port and returns that address plus a stop function.
func startEchoServers() (addr string, stop func(), err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	port := ln.Addr().(*net.TCPAddr).Port

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		ln.Close()
		return "", nil, err
	}

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, from, err := udpConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			udpConn.WriteToUDP(buf[:n], from)
		}
	}()

	return fmt.Sprintf("127.0.0.1:%d", port), func() {
		ln.Close()
		udpConn.Close()
	}, nil
}
