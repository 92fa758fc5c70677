// Package fieldreader implements a strictly-typed JSON accessor: a
// schema-checking wrapper around one repository's configuration object
// (the `repository: {type,...}` blob) that surfaces typed errors instead
// of panicking on a malformed field. Every type mismatch logs fatal=true
// through the caller's ErrorLogger and returns the "none" value (the zero
// value, or the caller's default for ReadBool); the reader never partially
// fills a caller's output.
package fieldreader

import (
	"fmt"
	"sort"
)

// ErrorLogger matches asyncmap.ErrorLogger's shape without importing it,
// so fieldreader stays usable outside any one AsyncMapConsumer compute
// function.
type ErrorLogger func(msg string, fatal bool)

// Reader wraps one parsed JSON object (map[string]any, the shape
// encoding/json produces for a JSON object) together with a source label
// used in error messages (typically the repository name) and the logger
// fatal field errors are reported through.
type Reader struct {
	fields map[string]any
	source string
	logger ErrorLogger
	failed bool
}

// New wraps fields for reading. A nil logger is replaced with a no-op.
func New(fields map[string]any, source string, logger ErrorLogger) *Reader {
	if logger == nil {
		logger = func(string, bool) {}
	}

	return &Reader{fields: fields, source: source, logger: logger}
}

// Failed reports whether any prior read on this Reader hit a fatal type
// mismatch. Callers building up a config from several reads in a row can
// check this once at the end instead of threading an ok bool through each.
func (r *Reader) Failed() bool { return r.failed }

func (r *Reader) fail(name, want string, got any) {
	r.failed = true
	r.logger(fmt.Sprintf("%s: field %q: expected %s, got %T", r.source, name, want, got), true)
}

// ExpectFields checks that every name in mandatory is present, logging a
// fatal error (and returning false) for the first one that is missing.
func (r *Reader) ExpectFields(mandatory []string) bool {
	for _, name := range mandatory {
		if _, ok := r.fields[name]; !ok {
			r.failed = true
			r.logger(fmt.Sprintf("%s: missing mandatory field %q", r.source, name), true)

			return false
		}
	}

	return true
}

// UnknownFields returns any keys present in the wrapped object that are not
// named in known, sorted for deterministic error messages. This does not
// set Failed — unrecognized fields are reported as non-fatal by callers
// that choose to; the distinction between "missing mandatory" (fatal) and
// merely-extra fields is intentional.
func (r *Reader) UnknownFields(known []string) []string {
	allowed := make(map[string]struct{}, len(known))
	for _, k := range known {
		allowed[k] = struct{}{}
	}

	var extra []string

	for k := range r.fields {
		if _, ok := allowed[k]; !ok {
			extra = append(extra, k)
		}
	}

	sort.Strings(extra)

	return extra
}

// ReadExpression returns the raw value of name (any JSON scalar, array, or
// object), and ok=false if the field is absent. Absence is not itself an
// error — only the mandatory-field check in ExpectFields makes a missing
// field fatal.
func (r *Reader) ReadExpression(name string) (any, bool) {
	v, ok := r.fields[name]

	return v, ok
}

// ReadOptionalExpression returns name's value, or def if name is absent.
func (r *Reader) ReadOptionalExpression(name string, def any) any {
	if v, ok := r.fields[name]; ok {
		return v
	}

	return def
}

// ReadString reads name as a JSON string. A present-but-wrong-typed value
// is a fatal error; an absent field returns ("", false) without error.
func (r *Reader) ReadString(name string) (string, bool) {
	v, ok := r.fields[name]
	if !ok {
		return "", false
	}

	s, ok := v.(string)
	if !ok {
		r.fail(name, "string", v)

		return "", false
	}

	return s, true
}

// ReadBool reads name as a JSON boolean, defaulting to def when absent.
func (r *Reader) ReadBool(name string, def bool) bool {
	v, ok := r.fields[name]
	if !ok {
		return def
	}

	b, ok := v.(bool)
	if !ok {
		r.fail(name, "bool", v)

		return def
	}

	return b
}

// ReadStringList reads name as a JSON array of strings. Absent returns
// (nil, false). A non-array value, or an array containing a non-string
// element, is a fatal error.
func (r *Reader) ReadStringList(name string) ([]string, bool) {
	v, ok := r.fields[name]
	if !ok {
		return nil, false
	}

	raw, ok := v.([]any)
	if !ok {
		r.fail(name, "array", v)

		return nil, false
	}

	out := make([]string, 0, len(raw))

	for _, elem := range raw {
		s, ok := elem.(string)
		if !ok {
			r.fail(name, "array of strings", elem)

			return nil, false
		}

		out = append(out, s)
	}

	return out, true
}

// ReadEntityAliasesObject reads name as a JSON object mapping alias names
// to entity names (both strings) — the shape `bindings` field
// takes: {"alias": "entity_name",...}. Absent returns (nil, false).
func (r *Reader) ReadEntityAliasesObject(name string) (map[string]string, bool) {
	v, ok := r.fields[name]
	if !ok {
		return nil, false
	}

	raw, ok := v.(map[string]any)
	if !ok {
		r.fail(name, "object", v)

		return nil, false
	}

	out := make(map[string]string, len(raw))

	for k, val := range raw {
		s, ok := val.(string)
		if !ok {
			r.fail(name, "object of strings", val)

			return nil, false
		}

		out[k] = s
	}

	return out, true
}
