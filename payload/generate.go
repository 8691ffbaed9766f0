package payload

import (
	"bytes"
	"fmt"
	"go/format"
	"io"
	"strconv"
	"text/template"

	"github.com/wippyai/wasm-bridge/errors"
)

var goTemplate = template.Must(template.New("chunks").Parse(`// Code generated by wasmbridge pack. DO NOT EDIT.

package {{.Package}}

import "github.com/wippyai/wasm-bridge/payload"

// Chunks returns the guest binary chunks in decode order.
func Chunks() []payload.Chunk {
	return []payload.Chunk{
{{- range .Names}}
		{{.}},
{{- end}}
	}
}
{{range $i, $c := .Quoted}}
func {{index $.Names $i}}() string {
	return {{$c}}
}
{{end}}`))

// GenerateGo writes a Go source file declaring one function per chunk and a
// Chunks() accessor listing them in order.
func GenerateGo(w io.Writer, pkg string, chunks []string) error {
	if pkg == "" {
		return errors.InvalidInput(errors.PhasePayload, "package name cannot be empty")
	}

	data := struct {
		Package string
		Names   []string
		Quoted  []string
	}{Package: pkg}
	for i, c := range chunks {
		data.Names = append(data.Names, fmt.Sprintf("chunk%03d", i))
		data.Quoted = append(data.Quoted, strconv.Quote(c))
	}

	var buf bytes.Buffer
	if err := goTemplate.Execute(&buf, data); err != nil {
		return errors.Wrap(errors.PhasePayload, errors.KindInvalidData, err, "render chunk source")
	}
	src, err := format.Source(buf.Bytes())
	if err != nil {
		return errors.Wrap(errors.PhasePayload, errors.KindInvalidData, err, "format chunk source")
	}
	_, err = w.Write(src)
	return err
}
