package payload

import (
	"bytes"
	"encoding/base64"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/wippyai/wasm-bridge/errors"
)

const (
	// DefaultChunkSize is used when Encode is given a non-positive size.
	DefaultChunkSize = 1 << 20

	// MaxChunkSize keeps every chunk under downstream single-asset limits.
	MaxChunkSize = 4 << 20
)

// Encode compresses raw, base64-encodes the result and splits the text
// into chunks of chunkSize bytes (the last chunk may be shorter).
func Encode(raw []byte, chunkSize int) ([]string, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize > MaxChunkSize {
		return nil, errors.New(errors.PhasePayload, errors.KindInvalidInput).
			Value(chunkSize).
			Detail("chunk size %d exceeds maximum %d", chunkSize, MaxChunkSize).
			Build()
	}

	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, errors.Wrap(errors.PhasePayload, errors.KindInvalidInput, err, "create deflater")
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, errors.Wrap(errors.PhasePayload, errors.KindInvalidData, err, "deflate")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(errors.PhasePayload, errors.KindInvalidData, err, "deflate")
	}

	return Split(base64.StdEncoding.EncodeToString(buf.Bytes()), chunkSize), nil
}

// Split cuts text into chunkSize pieces. Empty text yields one empty chunk
// so that a store is never empty.
func Split(text string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if len(text) == 0 {
		return []string{""}
	}
	chunks := make([]string, 0, (len(text)+chunkSize-1)/chunkSize)
	for len(text) > chunkSize {
		chunks = append(chunks, text[:chunkSize])
		text = text[chunkSize:]
	}
	return append(chunks, text)
}

// Decode concatenates chunks in order and reverses Encode.
func Decode(chunks ...string) ([]byte, error) {
	return Inflate(strings.Join(chunks, ""))
}

// Inflate base64-decodes text and inflates it. It is the default
// decompression capability handed to the bridge.
func Inflate(text string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, errors.Wrap(errors.PhasePayload, errors.KindInvalidData, err, "base64 decode")
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, errors.Wrap(errors.PhasePayload, errors.KindInvalidData, err, "open inflater")
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(errors.PhasePayload, errors.KindInvalidData, err, "inflate")
	}
	return raw, nil
}
