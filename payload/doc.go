// Package payload embeds, transports and reconstructs a guest binary as
// text-safe chunks.
//
// Encoding is zlib (deflate) compression, then standard base64, then a
// split into fixed-size text chunks:
//
//	raw wasm -> zlib -> base64 -> [chunk0, chunk1, ...]
//
// Decoding is the exact inverse: concatenate in stored order, base64-decode,
// inflate. Chunk boundaries never affect the decoded result.
//
// Chunks can be stored three ways:
//
//	Store          in-memory ordered []Chunk
//	WriteDir       chunk-NNN.b64 files plus manifest.yaml
//	GenerateGo     Go source where each chunk is a function returning its text
package payload
