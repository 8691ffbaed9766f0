package main

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/internal/wasmtest"
	"github.com/wippyai/wasm-bridge/payload"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeGuest(t *testing.T, dir string) (string, []byte) {
	t.Helper()
	noise := make([]byte, 4096)
	rand.New(rand.NewSource(1)).Read(noise)
	mod := &wasmtest.Module{MemoryPages: 1, ExportMemory: true, Data: []wasmtest.Data{{Offset: 0, Bytes: noise}}}
	raw := mod.Encode()
	path := filepath.Join(dir, "guest.wasm")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path, raw
}

func TestPackUnpack(t *testing.T) {
	dir := t.TempDir()
	guest, raw := writeGuest(t, dir)
	chunks := filepath.Join(dir, "chunks")

	out, err := execute(t, "pack", guest, chunks, "--no-verify", "--chunk-size", "64", "--go-package", "guestdata", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, chunks+":")

	_, m, err := payload.ReadDir(chunks)
	require.NoError(t, err)
	assert.Equal(t, 64, m.ChunkSize)
	assert.Equal(t, len(raw), m.RawSize)
	assert.Greater(t, len(m.Chunks), 1)

	src, err := os.ReadFile(filepath.Join(chunks, "chunks.go"))
	require.NoError(t, err)
	assert.Contains(t, string(src), "package guestdata")
	assert.Contains(t, string(src), "func Chunks() []payload.Chunk")

	restored := filepath.Join(dir, "restored.wasm")
	out, err = execute(t, "unpack", chunks, restored)
	require.NoError(t, err)
	assert.Contains(t, out, m.SHA256)

	got, err := os.ReadFile(restored)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestPack_VerifiesGuest(t *testing.T) {
	dir := t.TempDir()
	guest, _ := writeGuest(t, dir)

	_, err := execute(t, "pack", guest, filepath.Join(dir, "chunks"), "--log-level", "error")
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindNotFound})
	assert.NoDirExists(t, filepath.Join(dir, "chunks"))
}

func TestUnpack_DetectsTampering(t *testing.T) {
	dir := t.TempDir()
	guest, _ := writeGuest(t, dir)
	chunks := filepath.Join(dir, "chunks")

	_, err := execute(t, "pack", guest, chunks, "--no-verify", "--log-level", "error")
	require.NoError(t, err)

	other := (&wasmtest.Module{MemoryPages: 2, ExportMemory: true}).Encode()
	text, err := payload.Encode(other, 0)
	require.NoError(t, err)
	require.Len(t, text, 1)
	require.NoError(t, os.WriteFile(filepath.Join(chunks, "chunk-000.b64"), []byte(text[0]), 0o644))

	_, err = execute(t, "unpack", chunks, filepath.Join(dir, "out.wasm"))
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindInvalidData})
	assert.NoFileExists(t, filepath.Join(dir, "out.wasm"))
}

func TestRun_MissingPayload(t *testing.T) {
	_, err := execute(t, "run", filepath.Join(t.TempDir(), "absent"), "--log-level", "error")
	assert.ErrorIs(t, err, &errors.Error{Kind: errors.KindNotFound})
}

func TestArgs(t *testing.T) {
	_, err := execute(t, "pack", "only-one")
	assert.Error(t, err)

	_, err = execute(t, "--log-level", "loud", "pack", "a", "b")
	assert.Error(t, err)
}
