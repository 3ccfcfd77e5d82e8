package dialer

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/relayforge/httpproxy/internal/perrors"
)

func TestTargetForRequestCONNECT(t *testing.T) {
	target, err := TargetForRequest("CONNECT", "example.com", "443")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Host != "example.com" || target.Port != 443 {
		t.Fatalf("expected example.com:443, got %s:%d", target.Host, target.Port)
	}
}

func TestTargetForRequestDefaultPort(t *testing.T) {
	target, err := TargetForRequest("GET", "example.com", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Port != 80 {
		t.Fatalf("expected default port 80, got %d", target.Port)
	}
}

func TestTargetForRequestExplicitPort(t *testing.T) {
	target, err := TargetForRequest("GET", "example.com", "8080")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Port != 8080 {
		t.Fatalf("expected port 8080, got %d", target.Port)
	}
}

func TestTargetForRequestNoHost(t *testing.T) {
	if _, err := TargetForRequest("GET", "", ""); err == nil {
		t.Fatalf("expected error for missing host")
	}
}

func listenLocal(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	return ln
}

func TestDialDirect(t *testing.T) {
	ln := listenLocal(t)
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			close(accepted)
			conn.Close()
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	d := New(nil, time.Second)
	conn, err := d.Dial(context.Background(), Target{Host: host, Port: port})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatalf("listener never accepted a connection")
	}
}

func TestDialConnectionFailed(t *testing.T) {
	ln := listenLocal(t)
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	d := New(nil, time.Second)
	_, err := d.Dial(context.Background(), Target{Host: host, Port: port})
	if err == nil {
		t.Fatalf("expected dial error")
	}
	pe, ok := perrors.AsConnectionFailed(err)
	if !ok {
		t.Fatalf("expected a structured connection-failed error, got %v", err)
	}
	if pe.Host != host || pe.Port != port {
		t.Fatalf("expected host=%s port=%d, got host=%s port=%d", host, port, pe.Host, pe.Port)
	}
}

// fakeHTTPProxy accepts one connection, expects a CONNECT request, and
// replies with 200. It never actually dials the real target — the
// test only verifies the dialer speaks the CONNECT handshake and
// treats the resulting socket as the origin connection.
func fakeHTTPProxy(t *testing.T) (net.Listener, <-chan string) {
	t.Helper()
	ln := listenLocal(t)
	gotRequest := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		requestLine, _ := reader.ReadString('\n')
		for {
			line, err := reader.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
		gotRequest <- strings.TrimSpace(requestLine)
	}()
	return ln, gotRequest
}

func TestDialViaHTTPProxy(t *testing.T) {
	ln, gotRequest := fakeHTTPProxy(t)
	defer ln.Close()

	proxyHost, proxyPortStr, _ := net.SplitHostPort(ln.Addr().String())
	proxyPort, _ := strconv.Atoi(proxyPortStr)

	d := New(&ProxyConfig{Type: "http", Host: proxyHost, Port: proxyPort}, time.Second)
	conn, err := d.Dial(context.Background(), Target{Host: "example.com", Port: 80})
	if err != nil {
		t.Fatalf("dial via proxy failed: %v", err)
	}
	defer conn.Close()

	select {
	case line := <-gotRequest:
		if !strings.HasPrefix(line, "CONNECT example.com:80") {
			t.Fatalf("expected CONNECT request line for example.com:80, got %q", line)
		}
	case <-time.After(time.Second):
		t.Fatalf("proxy never received a request")
	}
}

func TestDialBypassesProxyForPort443(t *testing.T) {
	// A proxy address nothing is listening on. A port-443 dial must go
	// direct, never through the proxy. Dial reports every failure as
	// ErrorTypeConnection; if it mistakenly went through the proxy, that
	// error's Cause would be an ErrorTypeProxy error.
	deadProxyLn := listenLocal(t)
	proxyAddr := deadProxyLn.Addr().String()
	deadProxyLn.Close()
	proxyHost, proxyPortStr, _ := net.SplitHostPort(proxyAddr)
	proxyPort, _ := strconv.Atoi(proxyPortStr)

	d := New(&ProxyConfig{Type: "http", Host: proxyHost, Port: proxyPort}, 200*time.Millisecond)
	_, err := d.Dial(context.Background(), Target{Host: "127.0.0.1", Port: 443})
	if err == nil {
		t.Fatalf("expected dial to fail (nothing listens on 127.0.0.1:443 in test environment)")
	}
	if perrors.GetErrorType(err) != perrors.ErrorTypeConnection {
		t.Fatalf("expected a direct-dial ErrorTypeConnection failure, got %v (type=%v)", err, perrors.GetErrorType(err))
	}
	if pe, ok := err.(*perrors.Error); ok && perrors.GetErrorType(pe.Cause) == perrors.ErrorTypeProxy {
		t.Fatalf("expected a direct dial, but the failure came from the upstream proxy: %v", err)
	}
}
