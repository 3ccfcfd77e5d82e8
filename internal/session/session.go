// Package session drives one accepted client connection through the
// proxy's relay loop: parse the first request, dial the origin (or
// tunnel for CONNECT), then shuttle bytes between client and server
// until either side closes or the connection goes idle.
package session

import (
	"context"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/relayforge/httpproxy/internal/buildinfo"
	"github.com/relayforge/httpproxy/internal/dialer"
	"github.com/relayforge/httpproxy/internal/endpoint"
	"github.com/relayforge/httpproxy/internal/message"
	"github.com/relayforge/httpproxy/internal/perrors"
	"github.com/relayforge/httpproxy/pkg/timing"
)

const (
	tickInterval = time.Second
	idleBudget   = 30 * time.Second
	recvBufSize  = 8192
)

var connectionEstablished = []byte(
	"HTTP/1.1 200 Connection established\r\n" +
		"Proxy-agent: proxy.py v" + buildinfo.Version + "\r\n" +
		"\r\n")

var badGateway = []byte(
	"HTTP/1.1 502 Bad Gateway\r\n" +
		"Proxy-agent: proxy.py v" + buildinfo.Version + "\r\n" +
		"Content-Length: 11\r\n" +
		"Connection: close\r\n" +
		"\r\n" +
		"Bad Gateway")

// Session owns one client endpoint and, once the first request
// completes, one server endpoint. It is not safe for concurrent use —
// one goroutine drives Run() for its entire lifetime.
type Session struct {
	client *endpoint.Endpoint
	server *endpoint.Endpoint

	request  *message.Message
	response *message.Message

	dialer *dialer.Dialer
	clock  clockwork.Clock
	log    *zap.Logger
	timer  *timing.Timer

	start        time.Time
	lastActivity time.Time

	rawResponseBytes int
}

// New builds a session for an accepted client connection. clock may be
// a clockwork.FakeClock in tests to exercise idle-timeout behavior
// without sleeping; log may be nil to disable logging.
func New(clientConn net.Conn, d *dialer.Dialer, clock clockwork.Clock, log *zap.Logger) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	now := clock.Now()
	return &Session{
		client:       endpoint.New(clientConn),
		request:      message.NewRequest(),
		response:     message.NewResponse(),
		dialer:       d,
		clock:        clock,
		log:          log,
		timer:        timing.NewTimer(),
		start:        now,
		lastActivity: now,
	}
}

// Run drives the relay loop to completion, always tearing down both
// endpoints and emitting one access-log record before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.flushWritable(); err != nil {
			return err
		}

		terminate, err := s.readClient()
		if err != nil || terminate {
			return err
		}

		if err := s.readServer(); err != nil {
			return err
		}

		if !s.client.HasBuffer() {
			if s.response.State() == message.StateComplete {
				return nil
			}
			if s.isInactive() {
				return nil
			}
		}
	}
}

func (s *Session) flushWritable() error {
	if s.client.HasBuffer() {
		if _, err := s.client.Flush(); err != nil {
			return err
		}
	}
	if s.server != nil && !s.server.Closed() && s.server.HasBuffer() {
		if _, err := s.server.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// readClient reads one chunk from the client, if any is ready within
// the tick, and feeds it to request ingestion. terminate is true once
// the session has reached a terminal condition on this path (client
// gone, or a dial failure already answered with 502).
// The socket deadline always uses wall-clock time regardless of the
// injected clock — only the idle-timeout bookkeeping below is
// measured against s.clock, so tests can fast-forward it without
// real reads actually timing out.
func (s *Session) readClient() (terminate bool, err error) {
	s.client.Conn().SetReadDeadline(time.Now().Add(tickInterval))
	data, err := s.client.Recv(recvBufSize)
	if err != nil {
		if isTimeout(err) {
			return false, nil
		}
		return false, err
	}
	if data == nil {
		return true, nil
	}
	s.lastActivity = s.clock.Now()
	return s.processRequest(data)
}

func (s *Session) readServer() error {
	if s.server == nil || s.server.Closed() {
		return nil
	}
	s.server.Conn().SetReadDeadline(time.Now().Add(tickInterval))
	data, err := s.server.Recv(recvBufSize)
	if err != nil {
		if isTimeout(err) {
			return nil
		}
		return err
	}
	if data == nil {
		return s.server.Close()
	}
	s.lastActivity = s.clock.Now()
	return s.processResponse(data)
}

// processRequest implements spec.md §4.5.1: once a server exists,
// bytes bypass the parser entirely (tunnel or pipelined bytes); only
// the first request is parsed and dispatched.
func (s *Session) processRequest(data []byte) (terminate bool, err error) {
	if s.server != nil && !s.server.Closed() {
		if err := s.server.Queue(data); err != nil {
			return true, err
		}
		return false, nil
	}

	if err := s.request.Feed(data); err != nil {
		return true, err
	}
	if s.request.State() != message.StateComplete {
		return false, nil
	}

	target, err := dialer.TargetForRequest(s.request.Method(), s.request.URL().Host, s.request.URL().Port)
	if err != nil {
		return true, err
	}

	s.timer.StartTCP()
	conn, err := s.dialer.Dial(context.Background(), target)
	s.timer.EndTCP()
	if err != nil {
		s.client.Queue(badGateway)
		s.client.Flush()
		return true, nil
	}
	s.server = endpoint.New(conn)

	if s.request.Method() == "CONNECT" {
		if err := s.client.Queue(connectionEstablished); err != nil {
			return true, err
		}
	} else {
		if err := s.server.Queue(s.request.Rebuild(message.DefaultDelHeaders(), message.DefaultAddHeaders())); err != nil {
			return true, err
		}
	}
	return false, nil
}

// processResponse implements spec.md §4.5.2: CONNECT tunnels skip
// parsing entirely; everything else feeds the response parser for the
// termination check and access-log enrichment, while the raw bytes
// are always relayed unchanged.
func (s *Session) processResponse(data []byte) error {
	if s.request.Method() != "CONNECT" {
		s.response.Feed(data)
	}
	s.rawResponseBytes += len(data)
	return s.client.Queue(data)
}

func (s *Session) isInactive() bool {
	return s.clock.Now().Sub(s.lastActivity) > idleBudget
}

// teardown implements spec.md §4.5.3: always close the client, close
// the server opportunistically, and emit one access-log record. Safe
// to call once; Session.Run calls it exactly once via defer.
func (s *Session) teardown() {
	var result *multierror.Error
	if err := s.client.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if s.server != nil {
		if err := s.server.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.accessLog(result.ErrorOrNil())
}

func (s *Session) accessLog(teardownErr error) {
	if s.log == nil {
		return
	}
	fields := []zap.Field{
		zap.String("client_addr", s.client.Addr()),
		zap.String("method", s.request.Method()),
	}
	if s.request.Method() == "CONNECT" {
		fields = append(fields, zap.String("target", s.request.URL().GetURL()))
	} else if s.request.State() == message.StateComplete {
		fields = append(fields,
			zap.String("url", s.request.URL().GetURL()),
			zap.String("status_code", s.response.Code()),
			zap.String("reason", s.response.Reason()),
			zap.Int("response_bytes", s.rawResponseBytes),
		)
	}
	metrics := s.timer.GetMetrics()
	fields = append(fields,
		zap.Duration("connect_duration", metrics.GetConnectionTime()),
		zap.Duration("session_duration", metrics.TotalTime),
	)
	if teardownErr != nil {
		fields = append(fields, zap.Error(teardownErr))
	}
	s.log.Info("session closed", fields...)
}

func isTimeout(err error) bool {
	type timeoutError interface {
		Timeout() bool
	}
	if te, ok := err.(timeoutError); ok {
		return te.Timeout()
	}
	if pe, ok := err.(*perrors.Error); ok {
		if te, ok := pe.Cause.(timeoutError); ok {
			return te.Timeout()
		}
	}
	return false
}
