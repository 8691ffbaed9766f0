package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-bridge/errors"
)

// ManifestFile is the manifest name inside a chunk directory.
const ManifestFile = "manifest.yaml"

// Encoding names the only supported pipeline.
const Encoding = "zlib+base64"

// Manifest records chunk order and the identity of the raw binary.
type Manifest struct {
	Encoding  string   `yaml:"encoding"`
	SHA256    string   `yaml:"sha256"`
	Chunks    []string `yaml:"chunks"`
	ChunkSize int      `yaml:"chunk_size"`
	RawSize   int      `yaml:"raw_size"`
}

// Verify checks raw against the recorded size and digest.
func (m *Manifest) Verify(raw []byte) error {
	if len(raw) != m.RawSize {
		return errors.InvalidData(errors.PhasePayload,
			fmt.Sprintf("decoded size %d, manifest says %d", len(raw), m.RawSize))
	}
	if got := digest(raw); got != m.SHA256 {
		return errors.InvalidData(errors.PhasePayload,
			fmt.Sprintf("decoded sha256 %s, manifest says %s", got, m.SHA256))
	}
	return nil
}

func digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// WriteDir encodes raw into dir as chunk files plus a manifest.
func WriteDir(dir string, raw []byte, chunkSize int) (*Manifest, error) {
	chunks, err := Encode(raw, chunkSize)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.PhasePayload, errors.KindInvalidInput, err, "create chunk dir")
	}

	m := &Manifest{
		Encoding:  Encoding,
		SHA256:    digest(raw),
		ChunkSize: chunkSize,
		RawSize:   len(raw),
		Chunks:    make([]string, len(chunks)),
	}
	for i, c := range chunks {
		name := fmt.Sprintf("chunk-%03d.b64", i)
		if err := os.WriteFile(filepath.Join(dir, name), []byte(c), 0o644); err != nil {
			return nil, errors.Wrap(errors.PhasePayload, errors.KindInvalidInput, err, "write "+name)
		}
		m.Chunks[i] = name
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(errors.PhasePayload, errors.KindInvalidData, err, "encode manifest")
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		return nil, errors.Wrap(errors.PhasePayload, errors.KindInvalidInput, err, "write manifest")
	}
	return m, nil
}

// ReadDir loads a chunk directory written by WriteDir. Chunk files are
// read eagerly; the returned store owns their text.
func ReadDir(dir string) (*Store, *Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, nil, errors.Wrap(errors.PhasePayload, errors.KindNotFound, err, "read manifest")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, nil, errors.Wrap(errors.PhasePayload, errors.KindInvalidData, err, "parse manifest")
	}
	if m.Encoding != Encoding {
		return nil, nil, errors.InvalidData(errors.PhasePayload,
			fmt.Sprintf("unsupported encoding %q", m.Encoding))
	}
	if len(m.Chunks) == 0 {
		return nil, nil, errors.InvalidData(errors.PhasePayload, "manifest lists no chunks")
	}

	texts := make([]string, len(m.Chunks))
	for i, name := range m.Chunks {
		if filepath.Base(name) != name {
			return nil, nil, errors.InvalidData(errors.PhasePayload,
				fmt.Sprintf("chunk name %q must not contain a path", name))
		}
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, nil, errors.Wrap(errors.PhasePayload, errors.KindNotFound, err, "read "+name)
		}
		texts[i] = string(b)
	}
	return FromStrings(texts), &m, nil
}
