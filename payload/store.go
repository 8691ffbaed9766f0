package payload

import (
	"strings"

	"github.com/wippyai/wasm-bridge/errors"
)

// Chunk returns one piece of the encoded payload. Chunks carry no state
// and may be called any number of times.
type Chunk func() string

// Store is the ordered chunk sequence of one guest binary.
type Store struct {
	chunks []Chunk
}

// NewStore creates a store from chunk functions in decode order.
func NewStore(chunks ...Chunk) *Store {
	return &Store{chunks: chunks}
}

// FromStrings wraps already materialized chunk texts.
func FromStrings(texts []string) *Store {
	chunks := make([]Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = constChunk(t)
	}
	return &Store{chunks: chunks}
}

func constChunk(s string) Chunk {
	return func() string { return s }
}

// Len returns the number of chunks.
func (s *Store) Len() int {
	return len(s.chunks)
}

// Text concatenates every chunk in stored order.
func (s *Store) Text() string {
	var b strings.Builder
	for _, c := range s.chunks {
		b.WriteString(c())
	}
	return b.String()
}

// Binary reconstructs the guest binary. decode defaults to Inflate.
func (s *Store) Binary(decode func(string) ([]byte, error)) ([]byte, error) {
	if s == nil || len(s.chunks) == 0 {
		return nil, errors.InvalidInput(errors.PhasePayload, "payload store is empty")
	}
	if decode == nil {
		decode = Inflate
	}
	return decode(s.Text())
}
