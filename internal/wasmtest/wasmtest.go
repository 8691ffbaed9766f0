// Package wasmtest assembles small core WebAssembly modules for tests.
//
// Only the subset needed to script guest behaviour is supported: function
// imports, function exports, one memory, active data segments and a handful
// of instructions (constants, locals, calls, drop).
package wasmtest

import (
	"encoding/binary"
	"math"
)

// ValType is a core value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
	F64 ValType = 0x7c
)

const (
	secType     = 1
	secImport   = 2
	secFunction = 3
	secMemory   = 5
	secExport   = 7
	secCode     = 10
	secData     = 11

	exportFunc   = 0x00
	exportMemory = 0x02
)

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

func (ft FuncType) key() string {
	return string(valBytes(ft.Params)) + "|" + string(valBytes(ft.Results))
}

// Import is an imported host function.
type Import struct {
	Module string
	Name   string
	Type   FuncType
}

// Func is a defined function. Locals are declared after the parameters.
type Func struct {
	Export string
	Type   FuncType
	Locals []ValType
	Body   *Code
}

// Data is an active data segment in memory 0.
type Data struct {
	Offset uint32
	Bytes  []byte
}

// Module describes a module to encode.
type Module struct {
	Imports []Import
	Funcs   []Func
	// MemoryPages is the initial size of memory 0. Zero omits the memory.
	MemoryPages  uint32
	ExportMemory bool
	Data         []Data
}

// ImportIndex returns the function index of an import, or panics.
func (m *Module) ImportIndex(module, name string) uint32 {
	for i, imp := range m.Imports {
		if imp.Module == module && imp.Name == name {
			return uint32(i)
		}
	}
	panic("wasmtest: unknown import " + module + "#" + name)
}

// Encode returns the binary module.
func (m *Module) Encode() []byte {
	var types []FuncType
	typeIdx := make(map[string]uint32)
	typeOf := func(ft FuncType) uint32 {
		k := ft.key()
		if idx, ok := typeIdx[k]; ok {
			return idx
		}
		idx := uint32(len(types))
		typeIdx[k] = idx
		types = append(types, ft)
		return idx
	}
	for _, imp := range m.Imports {
		typeOf(imp.Type)
	}
	for _, f := range m.Funcs {
		typeOf(f.Type)
	}

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	var sec []byte
	sec = uleb(sec, uint64(len(types)))
	for _, ft := range types {
		sec = append(sec, 0x60)
		sec = vec(sec, valBytes(ft.Params))
		sec = vec(sec, valBytes(ft.Results))
	}
	out = section(out, secType, sec)

	if len(m.Imports) > 0 {
		sec = uleb(nil, uint64(len(m.Imports)))
		for _, imp := range m.Imports {
			sec = name(sec, imp.Module)
			sec = name(sec, imp.Name)
			sec = append(sec, 0x00)
			sec = uleb(sec, uint64(typeOf(imp.Type)))
		}
		out = section(out, secImport, sec)
	}

	if len(m.Funcs) > 0 {
		sec = uleb(nil, uint64(len(m.Funcs)))
		for _, f := range m.Funcs {
			sec = uleb(sec, uint64(typeOf(f.Type)))
		}
		out = section(out, secFunction, sec)
	}

	if m.MemoryPages > 0 {
		sec = uleb(nil, 1)
		sec = append(sec, 0x00)
		sec = uleb(sec, uint64(m.MemoryPages))
		out = section(out, secMemory, sec)
	}

	var exports [][]byte
	for i, f := range m.Funcs {
		if f.Export == "" {
			continue
		}
		e := name(nil, f.Export)
		e = append(e, exportFunc)
		e = uleb(e, uint64(len(m.Imports)+i))
		exports = append(exports, e)
	}
	if m.MemoryPages > 0 && m.ExportMemory {
		e := name(nil, "memory")
		e = append(e, exportMemory, 0x00)
		exports = append(exports, e)
	}
	if len(exports) > 0 {
		sec = uleb(nil, uint64(len(exports)))
		for _, e := range exports {
			sec = append(sec, e...)
		}
		out = section(out, secExport, sec)
	}

	if len(m.Funcs) > 0 {
		sec = uleb(nil, uint64(len(m.Funcs)))
		for _, f := range m.Funcs {
			body := uleb(nil, uint64(len(f.Locals)))
			for _, l := range f.Locals {
				body = uleb(body, 1)
				body = append(body, byte(l))
			}
			if f.Body != nil {
				body = append(body, f.Body.b...)
			}
			body = append(body, opEnd)
			sec = vec(sec, body)
		}
		out = section(out, secCode, sec)
	}

	if len(m.Data) > 0 {
		sec = uleb(nil, uint64(len(m.Data)))
		for _, d := range m.Data {
			sec = append(sec, 0x00, opI32Const)
			sec = sleb(sec, int64(int32(d.Offset)))
			sec = append(sec, opEnd)
			sec = vec(sec, d.Bytes)
		}
		out = section(out, secData, sec)
	}

	return out
}

const (
	opUnreachable = 0x00
	opEnd         = 0x0b
	opCall        = 0x10
	opDrop        = 0x1a
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opI32Const    = 0x41
	opI64Const    = 0x42
	opF64Const    = 0x44
)

// Code is an instruction sequence. The trailing end is added by Encode.
type Code struct {
	b []byte
}

// NewCode starts an empty body.
func NewCode() *Code {
	return &Code{}
}

func (c *Code) I32(v int32) *Code {
	c.b = append(c.b, opI32Const)
	c.b = sleb(c.b, int64(v))
	return c
}

func (c *Code) I64(v int64) *Code {
	c.b = append(c.b, opI64Const)
	c.b = sleb(c.b, v)
	return c
}

func (c *Code) F64(v float64) *Code {
	c.b = append(c.b, opF64Const)
	c.b = binary.LittleEndian.AppendUint64(c.b, math.Float64bits(v))
	return c
}

func (c *Code) Call(idx uint32) *Code {
	c.b = append(c.b, opCall)
	c.b = uleb(c.b, uint64(idx))
	return c
}

func (c *Code) LocalGet(idx uint32) *Code {
	c.b = append(c.b, opLocalGet)
	c.b = uleb(c.b, uint64(idx))
	return c
}

func (c *Code) LocalSet(idx uint32) *Code {
	c.b = append(c.b, opLocalSet)
	c.b = uleb(c.b, uint64(idx))
	return c
}

func (c *Code) Unreachable() *Code {
	c.b = append(c.b, opUnreachable)
	return c
}

func (c *Code) Drop() *Code {
	c.b = append(c.b, opDrop)
	return c
}

func section(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	return vec(out, content)
}

func vec(out []byte, b []byte) []byte {
	out = uleb(out, uint64(len(b)))
	return append(out, b...)
}

func name(out []byte, s string) []byte {
	return vec(out, []byte(s))
}

func valBytes(vs []ValType) []byte {
	b := make([]byte, len(vs))
	for i, v := range vs {
		b[i] = byte(v)
	}
	return b
}

func uleb(out []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		out = append(out, c)
		if v == 0 {
			return out
		}
	}
}

func sleb(out []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		out = append(out, c)
		if done {
			return out
		}
	}
}
