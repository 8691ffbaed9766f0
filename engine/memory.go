package engine

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-bridge/errors"
)

// Memory wraps guest linear memory with bounds-checked access.
type Memory struct {
	mem   api.Memory
	phase errors.Phase
}

// MemoryOf returns the exported memory of mod.
func MemoryOf(mod api.Module) (*Memory, error) {
	if mod == nil {
		return nil, errors.NotInitialized(errors.PhaseRuntime, "guest module")
	}
	mem := mod.Memory()
	if mem == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", "memory")
	}
	return &Memory{mem: mem, phase: errors.PhaseRuntime}, nil
}

// ReadBytes returns a copy of length bytes at offset.
func (m *Memory) ReadBytes(offset, length uint32) ([]byte, error) {
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, errors.OutOfBounds(m.phase, offset, length)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// View returns length bytes at offset backed by guest memory. Writes to
// the slice land in the guest; it is invalid once memory grows.
func (m *Memory) View(offset, length uint32) ([]byte, error) {
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, errors.OutOfBounds(m.phase, offset, length)
	}
	return data, nil
}

// ReadString reads length bytes at offset as a string.
func (m *Memory) ReadString(offset, length uint32) (string, error) {
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return "", errors.OutOfBounds(m.phase, offset, length)
	}
	return string(data), nil
}

// Write copies data into memory at offset.
func (m *Memory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return errors.OutOfBounds(m.phase, offset, uint32(len(data)))
	}
	return nil
}

func (m *Memory) ReadU32(offset uint32) (uint32, error) {
	v, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, errors.OutOfBounds(m.phase, offset, 4)
	}
	return v, nil
}

func (m *Memory) WriteU32(offset, value uint32) error {
	if !m.mem.WriteUint32Le(offset, value) {
		return errors.OutOfBounds(m.phase, offset, 4)
	}
	return nil
}

func (m *Memory) WriteU64(offset uint32, value uint64) error {
	if !m.mem.WriteUint64Le(offset, value) {
		return errors.OutOfBounds(m.phase, offset, 8)
	}
	return nil
}

// Size returns the memory size in bytes.
func (m *Memory) Size() uint32 {
	return m.mem.Size()
}
