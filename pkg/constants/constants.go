// Package constants defines the magic numbers shared across the
// proxy's parsing and relay paths.
package constants

// HTTP limits
const (
	// MaxContentLength bounds a single request/response body the
	// message parser will accept via Content-Length before treating it
	// as a parse error, guarding against a header claiming an absurd
	// size.
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB
)

// Buffer limits
const (
	// MaxRawBufferSize caps how much unflushed data an endpoint will
	// queue for a peer that has stopped reading, before the session
	// tears the connection down instead of growing the queue without
	// bound.
	MaxRawBufferSize = 100 * 1024 * 1024 // 100MB
)
