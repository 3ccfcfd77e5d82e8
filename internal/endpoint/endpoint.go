// Package endpoint wraps a net.Conn with the queue/flush send discipline
// the proxy session drives its relay loop with: writes are queued, then
// flushed opportunistically when the connection is write-ready, with any
// partial write's remainder staying queued for the next flush.
package endpoint

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/valyala/bytebufferpool"

	"github.com/relayforge/httpproxy/internal/perrors"
	"github.com/relayforge/httpproxy/pkg/constants"
)

var pool bytebufferpool.Pool

var errBufferFull = errors.New("outbound buffer exceeds the maximum raw buffer size")

// Endpoint is one side of a relayed connection (client-facing or
// server-facing). recv/send/queue/flush/close mirror spec.md §4.3
// exactly; the outbound queue is a pooled buffer rather than a bare
// growing slice, so repeat sessions reuse backing arrays.
type Endpoint struct {
	conn net.Conn
	addr string

	mu       sync.Mutex
	out      *bytebufferpool.ByteBuffer
	closed   bool
	queueCap int64
}

// New wraps conn, recording its remote address for logging.
func New(conn net.Conn) *Endpoint {
	return &Endpoint{
		conn:     conn,
		addr:     conn.RemoteAddr().String(),
		out:      pool.Get(),
		queueCap: constants.MaxRawBufferSize,
	}
}

// Addr returns the remote address captured at construction.
func (e *Endpoint) Addr() string { return e.addr }

// Conn exposes the underlying connection for deadline management.
func (e *Endpoint) Conn() net.Conn { return e.conn }

// Recv reads up to bufSize bytes. A zero-length read ending in io.EOF
// or a nil error (a graceful close) is reported as (nil, nil), matching spec.md §4.3's
// "socket reports EOF" recv outcome; the caller treats that as "peer
// gone," not an error.
func (e *Endpoint) Recv(bufSize int) ([]byte, error) {
	buf := make([]byte, bufSize)
	n, err := e.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, perrors.NewIOError("recv", err)
	}
	return nil, nil
}

// Queue appends data to the outbound buffer without writing it yet. A
// no-op once the endpoint is closed. If the peer stops reading and the
// buffer grows past constants.MaxRawBufferSize, Queue refuses the
// write and returns an I/O error instead of growing without bound —
// the session treats that the same as any other write failure and
// tears the connection down.
func (e *Endpoint) Queue(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if int64(e.out.Len()+len(data)) > e.queueCap {
		return perrors.NewIOError("queue", errBufferFull)
	}
	e.out.Write(data)
	return nil
}

// HasBuffer reports whether any queued bytes remain unflushed.
func (e *Endpoint) HasBuffer() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	return e.out.Len() > 0
}

// BufferSize returns the number of queued, unflushed bytes.
func (e *Endpoint) BufferSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0
	}
	return e.out.Len()
}

// Flush writes as much of the queued buffer as the socket accepts in
// one call; any unwritten remainder stays queued for the next Flush.
func (e *Endpoint) Flush() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.out.Len() == 0 {
		return 0, nil
	}
	n, err := e.conn.Write(e.out.B)
	if n > 0 {
		remaining := e.out.B[n:]
		next := pool.Get()
		next.Write(remaining)
		pool.Put(e.out)
		e.out = next
	}
	if err != nil {
		return n, perrors.NewIOError("flush", err)
	}
	return n, nil
}

// Send writes data directly in one call, bypassing the queue. The
// session does not use it: its CONNECT-success and 502 replies go
// through Queue like any other bytes.
func (e *Endpoint) Send(data []byte) (int, error) {
	n, err := e.conn.Write(data)
	if err != nil {
		return n, perrors.NewIOError("send", err)
	}
	return n, nil
}

// Close is idempotent: the first call closes the socket and releases
// the pooled buffer, later calls are no-ops returning nil.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.out != nil {
		pool.Put(e.out)
		e.out = nil
	}
	if err := e.conn.Close(); err != nil {
		return perrors.NewIOError("close", err)
	}
	return nil
}

// Closed reports whether Close has already run.
func (e *Endpoint) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
