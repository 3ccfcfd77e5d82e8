// Package message implements the incremental HTTP/1.1 request/response
// parser and the chunked-transfer-encoding framer that sits inside it.
//
// Both are fed arbitrarily-chunked byte slices (one byte at a time, or
// the whole message at once) and reach the same final state either
// way — the parser carries any unconsumed tail between Feed calls
// instead of requiring a complete line or body in one call.
package message

import (
	"bytes"
	"net/url"
	"strconv"
	"strings"

	"github.com/relayforge/httpproxy/internal/perrors"
	"github.com/relayforge/httpproxy/pkg/constants"
)

// Kind distinguishes a request parser from a response parser sharing
// the same state machine and header storage.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
)

// State is the parser's position in the documented state machine.
type State int

const (
	StateInit State = iota
	StateLineRcvd
	StateRcvingHeaders
	StateHeadersComplete
	StateRcvingBody
	StateComplete
)

var crlf = []byte("\r\n")
var crlfcrlf = []byte("\r\n\r\n")

// HeaderField is a single header in original-case, in the order it
// was first seen (later duplicates overwrite value and name in place).
type HeaderField struct {
	Name  string
	Value string
}

type headerField struct {
	lower string
	name  string
	value string
}

// URL holds the parsed request target. For CONNECT, Path carries the
// raw "host:port" authority form and Host/Port are filled by
// splitting it on the first colon, leaving Scheme empty (spec'd
// behavior, not net/url's scheme-sniffing, which misparses an
// authority-form target).
type URL struct {
	Raw      string
	Scheme   string
	Host     string
	Port     string
	Path     string
	Query    string
	Fragment string
}

// GetURL returns the request-target exactly as received, which is
// what Rebuild emits on the request line.
func (u *URL) GetURL() string {
	if u == nil {
		return ""
	}
	return u.Raw
}

// Message is a request or response parser instance.
type Message struct {
	kind  Kind
	state State

	raw   []byte // full accumulated raw bytes, used for the CRLFCRLF tail check
	carry []byte // unconsumed tail between Feed calls

	headers      []headerField
	headerIndex  map[string]int
	bodyStarted  bool
	body         []byte
	chunker      *ChunkFramer

	method  string
	url     *URL
	version string

	code   string
	reason string
}

// NewRequest returns a parser for an inbound request.
func NewRequest() *Message {
	return &Message{kind: KindRequest}
}

// NewResponse returns a parser for an inbound response.
func NewResponse() *Message {
	return &Message{kind: KindResponse}
}

func (m *Message) Kind() Kind     { return m.kind }
func (m *Message) State() State   { return m.state }
func (m *Message) Method() string { return m.method }
func (m *Message) URL() *URL      { return m.url }
func (m *Message) Version() string { return m.version }
func (m *Message) Code() string   { return m.code }
func (m *Message) Reason() string { return m.reason }
func (m *Message) Body() []byte   { return m.body }

// Header returns a header's value by case-insensitive name.
func (m *Message) Header(name string) (string, bool) {
	if idx, ok := m.headerIndex[strings.ToLower(name)]; ok {
		return m.headers[idx].value, true
	}
	return "", false
}

// Headers returns all headers in original-case, in first-seen order.
func (m *Message) Headers() []HeaderField {
	out := make([]HeaderField, len(m.headers))
	for i, h := range m.headers {
		out[i] = HeaderField{Name: h.name, Value: h.value}
	}
	return out
}

// Feed appends data to the message, advancing the state machine as far
// as the data allows. Once State() == StateComplete the message is
// immutable: further Feed calls are no-ops.
func (m *Message) Feed(data []byte) error {
	if m.state == StateComplete {
		return nil
	}
	m.raw = append(m.raw, data...)

	buf := append(m.carry, data...)
	m.carry = nil

	more := len(buf) > 0
	var err error
	for more {
		more, buf, err = m.process(buf)
		if err != nil {
			return err
		}
	}
	m.carry = buf
	return nil
}

func (m *Message) process(data []byte) (bool, []byte, error) {
	if m.inBodyPhase() {
		return m.processBody(data)
	}

	line, rest, ok := splitCRLF(data)
	if !ok {
		return false, data, nil
	}

	var err error
	switch {
	case m.state < StateLineRcvd:
		err = m.processLine(line)
	case m.state < StateHeadersComplete:
		m.processHeader(line)
	}
	if err != nil {
		return false, nil, err
	}

	if m.state == StateHeadersComplete && m.kind == KindRequest &&
		m.method != "POST" && bytes.HasSuffix(m.raw, crlfcrlf) {
		m.state = StateComplete
	}

	// Entering the body phase runs processBody even with no body bytes
	// yet, so the Content-Length header is validated as soon as it is
	// known.
	return len(rest) > 0 || m.inBodyPhase(), rest, nil
}

// inBodyPhase mirrors the original's gate: once headers are complete,
// a POST request or any response enters body framing.
func (m *Message) inBodyPhase() bool {
	if m.state < StateHeadersComplete {
		return false
	}
	if m.kind == KindResponse {
		return true
	}
	return m.method == "POST"
}

// processBody consumes the entire remaining buffer in one call,
// mirroring the original: body framing is not line-oriented.
func (m *Message) processBody(data []byte) (bool, []byte, error) {
	if !m.bodyStarted {
		m.bodyStarted = true
	}

	if cl, ok := m.Header("content-length"); ok {
		m.state = StateRcvingBody
		m.body = append(m.body, data...)
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil {
			return false, nil, perrors.NewParseError("invalid content-length", err)
		}
		if n > constants.MaxContentLength {
			return false, nil, perrors.NewParseError("content-length exceeds the maximum accepted body size", nil)
		}
		if int64(len(m.body)) >= n {
			m.state = StateComplete
		}
		return false, nil, nil
	}

	if te, ok := m.Header("transfer-encoding"); ok && strings.Contains(strings.ToLower(te), "chunked") {
		if m.chunker == nil {
			m.chunker = NewChunkFramer()
		}
		if err := m.chunker.Feed(data); err != nil {
			return false, nil, err
		}
		if m.chunker.State() == ChunkComplete {
			m.body = m.chunker.Body()
			m.state = StateComplete
		}
		return false, nil, nil
	}

	// Neither framing header present: body stays open, per spec.md's
	// documented Open Question — the session ends it at socket close.
	m.body = append(m.body, data...)
	return false, nil, nil
}

func (m *Message) processLine(line []byte) error {
	parts := bytes.Split(line, []byte(" "))
	if m.kind == KindRequest {
		if len(parts) < 3 {
			return perrors.NewParseError("malformed request line", nil)
		}
		m.method = strings.ToUpper(string(parts[0]))
		target := string(parts[1])
		u, err := parseRequestTarget(target, m.method)
		if err != nil {
			return perrors.NewParseError("malformed request target", err)
		}
		m.url = u
		m.version = string(parts[2])
	} else {
		if len(parts) < 2 {
			return perrors.NewParseError("malformed status line", nil)
		}
		m.version = string(parts[0])
		m.code = string(parts[1])
		if len(parts) > 2 {
			m.reason = string(bytes.Join(parts[2:], []byte(" ")))
		}
	}
	m.state = StateLineRcvd
	return nil
}

func (m *Message) processHeader(line []byte) {
	if len(line) == 0 {
		switch m.state {
		case StateRcvingHeaders:
			m.state = StateHeadersComplete
		case StateLineRcvd:
			m.state = StateRcvingHeaders
		}
		return
	}

	m.state = StateRcvingHeaders
	idx := bytes.IndexByte(line, ':')
	var key, value string
	if idx < 0 {
		key = strings.TrimSpace(string(line))
	} else {
		key = strings.TrimSpace(string(line[:idx]))
		value = strings.TrimSpace(string(line[idx+1:]))
	}
	m.setHeader(key, value)
}

func (m *Message) setHeader(key, value string) {
	lower := strings.ToLower(key)
	if idx, ok := m.headerIndex[lower]; ok {
		m.headers[idx].name = key
		m.headers[idx].value = value
		return
	}
	if m.headerIndex == nil {
		m.headerIndex = make(map[string]int)
	}
	m.headerIndex[lower] = len(m.headers)
	m.headers = append(m.headers, headerField{lower: lower, name: key, value: value})
}

// Rebuild serializes a request, dropping any header whose lowercased
// name is in delHeaders, then appending addHeaders, per spec.md §4.2.
func (m *Message) Rebuild(delHeaders map[string]struct{}, addHeaders []HeaderField) []byte {
	var buf bytes.Buffer
	buf.WriteString(m.method)
	buf.WriteByte(' ')
	buf.WriteString(m.url.GetURL())
	buf.WriteByte(' ')
	buf.WriteString(m.version)
	buf.Write(crlf)

	for _, h := range m.headers {
		if _, drop := delHeaders[h.lower]; drop {
			continue
		}
		buf.WriteString(h.name)
		buf.WriteString(": ")
		buf.WriteString(h.value)
		buf.Write(crlf)
	}
	for _, h := range addHeaders {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.Write(crlf)
	}
	buf.Write(crlf)
	if len(m.body) > 0 {
		buf.Write(m.body)
	}
	return buf.Bytes()
}

// DefaultDelHeaders is the hop-by-hop removal set spec.md §4.2/§6 names
// for outbound requests.
func DefaultDelHeaders() map[string]struct{} {
	return map[string]struct{}{
		"proxy-connection": {},
		"connection":       {},
		"keep-alive":       {},
	}
}

// DefaultAddHeaders is the injected set spec.md §4.2/§6 names for
// outbound requests.
func DefaultAddHeaders() []HeaderField {
	return []HeaderField{{Name: "Connection", Value: "Close"}}
}

// splitCRLF locates the first CRLF in data, returning the line
// (exclusive) and remainder (past it). ok is false ("no line yet")
// if data does not yet contain a complete line.
func splitCRLF(data []byte) (line, rest []byte, ok bool) {
	idx := bytes.Index(data, crlf)
	if idx < 0 {
		return nil, data, false
	}
	return data[:idx], data[idx+len(crlf):], true
}

// parseRequestTarget parses a request-line target into its components.
// CONNECT targets are authority-form (host:port, no scheme) and are
// split on the first colon rather than run through net/url, which
// would otherwise sniff the hostname as a URI scheme. Other methods
// use net/url, which natively handles both origin-form ("/path") and
// absolute-form ("http://host:port/path") targets.
func parseRequestTarget(target, method string) (*URL, error) {
	if method == "CONNECT" {
		idx := strings.IndexByte(target, ':')
		if idx < 0 {
			return nil, perrors.NewValidationError("CONNECT target missing port")
		}
		return &URL{
			Raw:  target,
			Host: target[:idx],
			Port: target[idx+1:],
			Path: target,
		}, nil
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	return &URL{
		Raw:      target,
		Scheme:   u.Scheme,
		Host:     u.Hostname(),
		Port:     u.Port(),
		Path:     u.Path,
		Query:    u.RawQuery,
		Fragment: u.Fragment,
	}, nil
}
