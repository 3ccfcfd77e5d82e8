package message

import (
	"bytes"
	"testing"
)

func TestChunkFramerSingleChunk(t *testing.T) {
	f := NewChunkFramer()
	input := []byte("5\r\nhello\r\n0\r\n\r\n")
	if err := f.Feed(input); err != nil {
		t.Fatalf("feed failed: %v", err)
	}
	if f.State() != ChunkComplete {
		t.Fatalf("expected ChunkComplete, got %v", f.State())
	}
	if !bytes.Equal(f.Body(), []byte("hello")) {
		t.Fatalf("expected body %q, got %q", "hello", f.Body())
	}
}

func TestChunkFramerMultipleChunks(t *testing.T) {
	f := NewChunkFramer()
	input := []byte("4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n")
	if err := f.Feed(input); err != nil {
		t.Fatalf("feed failed: %v", err)
	}
	if f.State() != ChunkComplete {
		t.Fatalf("expected ChunkComplete, got %v", f.State())
	}
	if !bytes.Equal(f.Body(), []byte("Wikipedia")) {
		t.Fatalf("expected body %q, got %q", "Wikipedia", f.Body())
	}
}

func TestChunkFramerByteAtATime(t *testing.T) {
	whole := []byte("4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n")
	f := NewChunkFramer()
	for i := 0; i < len(whole); i++ {
		if err := f.Feed(whole[i : i+1]); err != nil {
			t.Fatalf("feed byte %d failed: %v", i, err)
		}
	}
	if f.State() != ChunkComplete {
		t.Fatalf("expected ChunkComplete, got %v", f.State())
	}
	if !bytes.Equal(f.Body(), []byte("Wikipedia")) {
		t.Fatalf("expected body %q, got %q", "Wikipedia", f.Body())
	}
}

func TestChunkFramerArbitrarySplit(t *testing.T) {
	whole := []byte("4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n")
	splits := [][]int{
		{1, len(whole) - 1},
		{3, 5, len(whole) - 8},
		{len(whole)},
	}
	for _, sizes := range splits {
		f := NewChunkFramer()
		pos := 0
		for _, n := range sizes {
			if pos+n > len(whole) {
				n = len(whole) - pos
			}
			if err := f.Feed(whole[pos : pos+n]); err != nil {
				t.Fatalf("feed failed at split %v: %v", sizes, err)
			}
			pos += n
		}
		if f.State() != ChunkComplete {
			t.Fatalf("split %v: expected ChunkComplete, got %v", sizes, f.State())
		}
		if !bytes.Equal(f.Body(), []byte("Wikipedia")) {
			t.Fatalf("split %v: expected body %q, got %q", sizes, "Wikipedia", f.Body())
		}
	}
}

func TestChunkFramerExtension(t *testing.T) {
	f := NewChunkFramer()
	input := []byte("5;ext=1\r\nhello\r\n0\r\n\r\n")
	if err := f.Feed(input); err != nil {
		t.Fatalf("feed failed: %v", err)
	}
	if f.State() != ChunkComplete {
		t.Fatalf("expected ChunkComplete, got %v", f.State())
	}
	if !bytes.Equal(f.Body(), []byte("hello")) {
		t.Fatalf("expected body %q, got %q", "hello", f.Body())
	}
}

func TestChunkFramerInvalidSize(t *testing.T) {
	f := NewChunkFramer()
	if err := f.Feed([]byte("zzz\r\n")); err == nil {
		t.Fatalf("expected error for invalid chunk size")
	}
}

func TestChunkFramerBadTrailingCRLF(t *testing.T) {
	f := NewChunkFramer()
	if err := f.Feed([]byte("5\r\nhelloXX")); err == nil {
		t.Fatalf("expected error for malformed trailing CRLF")
	}
}

func TestChunkFramerWaitsOnPartialData(t *testing.T) {
	f := NewChunkFramer()
	if err := f.Feed([]byte("5\r\nhel")); err != nil {
		t.Fatalf("feed failed: %v", err)
	}
	if f.State() != ChunkWaitingData {
		t.Fatalf("expected ChunkWaitingData, got %v", f.State())
	}
	if err := f.Feed([]byte("lo\r\n0\r\n\r\n")); err != nil {
		t.Fatalf("feed failed: %v", err)
	}
	if f.State() != ChunkComplete {
		t.Fatalf("expected ChunkComplete, got %v", f.State())
	}
	if !bytes.Equal(f.Body(), []byte("hello")) {
		t.Fatalf("expected body %q, got %q", "hello", f.Body())
	}
}
