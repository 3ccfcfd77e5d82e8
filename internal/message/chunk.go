package message

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/relayforge/httpproxy/internal/perrors"
)

// ChunkState is the chunk framer's position in its state machine.
type ChunkState int

const (
	ChunkWaitingSize ChunkState = iota
	ChunkWaitingData
	ChunkComplete
)

// ChunkFramer decodes a Transfer-Encoding: chunked body fed in
// arbitrary-sized pieces. Chunk extensions (after a ';' on the size
// line) are recognized and discarded; trailer headers after the final
// zero-size chunk are not read — COMPLETE follows immediately after
// the zero chunk's trailing CRLF, matching the parser it's embedded in.
type ChunkFramer struct {
	state ChunkState
	carry []byte
	chunk []byte
	size  int64
	body  []byte
}

// NewChunkFramer returns a framer ready to read a chunk size line.
func NewChunkFramer() *ChunkFramer {
	return &ChunkFramer{state: ChunkWaitingSize}
}

func (f *ChunkFramer) State() ChunkState { return f.state }
func (f *ChunkFramer) Body() []byte      { return f.body }

// Feed advances the framer with newly arrived bytes, carrying any
// unconsumed tail (a partial size line, partial chunk data, or a
// partial trailing CRLF) forward to the next call.
func (f *ChunkFramer) Feed(data []byte) error {
	if f.state == ChunkComplete {
		return nil
	}
	buf := append(f.carry, data...)
	f.carry = nil

	for f.state != ChunkComplete {
		switch f.state {
		case ChunkWaitingSize:
			line, rest, ok := splitCRLF(buf)
			if !ok {
				f.carry = buf
				return nil
			}
			buf = rest
			if err := f.startChunk(line); err != nil {
				return err
			}
		case ChunkWaitingData:
			done, rest, err := f.feedChunkData(buf)
			if err != nil {
				return err
			}
			buf = rest
			if !done {
				f.carry = buf
				return nil
			}
		}
	}
	f.carry = buf
	return nil
}

func (f *ChunkFramer) startChunk(line []byte) error {
	if len(line) == 0 {
		f.size = 0
	} else {
		sizeTok := line
		if idx := bytes.IndexByte(line, ';'); idx >= 0 {
			sizeTok = line[:idx]
		}
		n, err := strconv.ParseInt(strings.TrimSpace(string(sizeTok)), 16, 64)
		if err != nil {
			return perrors.NewParseError("invalid chunk size", err)
		}
		f.size = n
	}
	f.chunk = f.chunk[:0]
	f.state = ChunkWaitingData
	return nil
}

// feedChunkData consumes up to the remaining chunk size from buf, then
// the mandatory trailing CRLF once the chunk is full. done is false if
// more data is needed before the chunk (and its CRLF) can be closed out.
func (f *ChunkFramer) feedChunkData(buf []byte) (bool, []byte, error) {
	remaining := f.size - int64(len(f.chunk))
	take := remaining
	if int64(len(buf)) < take {
		take = int64(len(buf))
	}
	f.chunk = append(f.chunk, buf[:take]...)
	buf = buf[take:]

	if int64(len(f.chunk)) < f.size {
		return false, buf, nil
	}
	if len(buf) < 2 {
		return false, buf, nil
	}
	if buf[0] != '\r' || buf[1] != '\n' {
		return false, nil, perrors.NewParseError("malformed chunk trailing CRLF", nil)
	}
	buf = buf[2:]

	f.body = append(f.body, f.chunk...)
	f.chunk = nil
	if f.size == 0 {
		f.state = ChunkComplete
	} else {
		f.state = ChunkWaitingSize
	}
	return true, buf, nil
}
