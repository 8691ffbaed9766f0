package errors

import (
	"fmt"
	"sort"
	"strings"
)

// Origin places an unresolved import relative to the namespaces the bridge
// binds.
type Origin int

const (
	// OriginGuest is a function missing from the guest-specific namespace.
	OriginGuest Origin = iota
	// OriginSystem is a function missing from the system-interface namespace.
	OriginSystem
	// OriginForeign is an import from a module the bridge never binds.
	OriginForeign
)

func (o Origin) String() string {
	switch o {
	case OriginGuest:
		return "guest"
	case OriginSystem:
		return "system"
	default:
		return "foreign"
	}
}

// MissingImport is one guest import the bridge cannot satisfy.
type MissingImport struct {
	Module string
	Name   string
	Origin Origin
}

// MissingImportsError lists every unresolved import found before
// instantiation, so a mismatched guest build is diagnosed in one pass.
type MissingImportsError struct {
	Imports []MissingImport
}

// Add records an unresolved import.
func (e *MissingImportsError) Add(module, name string, origin Origin) {
	e.Imports = append(e.Imports, MissingImport{Module: module, Name: name, Origin: origin})
}

// Of returns the unresolved imports with the given origin.
func (e *MissingImportsError) Of(origin Origin) []MissingImport {
	var out []MissingImport
	for _, imp := range e.Imports {
		if imp.Origin == origin {
			out = append(out, imp)
		}
	}
	return out
}

// Error renders one clause per origin, e.g.
// "guest imports 2 unavailable host functions: guest smoldot{foo}; foreign env#abort".
func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[bind] missing_import: none"
	}

	var clauses []string
	for _, origin := range []Origin{OriginGuest, OriginSystem, OriginForeign} {
		imps := e.Of(origin)
		if len(imps) == 0 {
			continue
		}
		if origin == OriginForeign {
			names := make([]string, len(imps))
			for i, imp := range imps {
				names[i] = imp.Module + "#" + imp.Name
			}
			sort.Strings(names)
			clauses = append(clauses, "foreign "+strings.Join(names, ", "))
			continue
		}
		names := make([]string, len(imps))
		for i, imp := range imps {
			names[i] = imp.Name
		}
		sort.Strings(names)
		clauses = append(clauses, fmt.Sprintf("%s %s{%s}", origin, imps[0].Module, strings.Join(names, ", ")))
	}
	return fmt.Sprintf("guest imports %d unavailable host functions: %s",
		len(e.Imports), strings.Join(clauses, "; "))
}

// Is matches *MissingImportsError and the missing_import kind.
func (e *MissingImportsError) Is(target error) bool {
	if _, ok := target.(*MissingImportsError); ok {
		return true
	}
	if t, ok := target.(*Error); ok {
		return t.Kind == KindMissingImport && (t.Phase == "" || t.Phase == PhaseBind)
	}
	return false
}
