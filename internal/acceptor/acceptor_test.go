package acceptor

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/relayforge/httpproxy/internal/dialer"
)

type staticProxySource struct{ cfg *dialer.ProxyConfig }

func (s staticProxySource) Current() *dialer.ProxyConfig { return s.cfg }

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("unexpected port %q: %v", portStr, err)
	}
	return port
}

func TestAcceptorAcceptsAndRelays(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("origin listen failed: %v", err)
	}
	defer origin.Close()
	go func() {
		conn, err := origin.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	port := freePort(t)
	a, err := New(Config{Host: "127.0.0.1", Port: port, Backlog: 16, WorkerPoolSize: 4, ConnTimeout: time.Second}, staticProxySource{}, nil)
	if err != nil {
		t.Fatalf("acceptor construction failed: %v", err)
	}
	defer a.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	var client net.Conn
	for i := 0; i < 50; i++ {
		client, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if client == nil {
		t.Fatalf("failed to dial acceptor: %v", err)
	}
	defer client.Close()

	req := "GET http://" + origin.Addr().String() + "/ HTTP/1.1\r\nHost: " + origin.Addr().String() + "\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(10 * time.Second))
	buf := make([]byte, 4096)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got := string(buf[:n]); !strings.Contains(got, "200 OK") {
		t.Fatalf("expected relayed 200 OK, got %q", got)
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("acceptor did not shut down after context cancel")
	}
}
