// Package naming substitutes {placeholder} tokens into configured path and
// file name patterns.
package naming

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrUnsafePath is returned for a value that would resolve outside the
// directory it is joined to.
var ErrUnsafePath = errors.New("unsafe path")

// Placeholder is a token name recognised inside patterns, without braces.
type Placeholder string

const (
	Platform   Placeholder = "platform"
	Locale     Placeholder = "locale"
	Device     Placeholder = "device"
	Sequence   Placeholder = "sequence"
	Name       Placeholder = "name"
	TemplateID Placeholder = "template_id"
)

// Token returns the placeholder as it appears in a pattern, e.g. "{locale}".
func (p Placeholder) Token() string {
	return "{" + string(p) + "}"
}

// Values maps placeholders to their substitution.
type Values map[Placeholder]string

// With returns a copy of v with p set to value.
func (v Values) With(p Placeholder, value string) Values {
	out := make(Values, len(v)+1)
	for k, val := range v {
		out[k] = val
	}
	out[p] = value
	return out
}

// WithSequence is With for the integer sequence placeholder.
func (v Values) WithSequence(sequence int) Values {
	return v.With(Sequence, strconv.Itoa(sequence))
}

// Substitute replaces every occurrence of each placeholder present in values.
// Placeholders without a value are left untouched so that a pattern can be
// filled in over several stages.
func Substitute(pattern string, values Values) string {
	if len(values) == 0 || !strings.Contains(pattern, "{") {
		return pattern
	}

	// Sorted so that replacement is deterministic when a value itself
	// contains another token.
	keys := make([]string, 0, len(values))
	for p := range values {
		keys = append(keys, string(p))
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		p := Placeholder(k)
		pairs = append(pairs, p.Token(), values[p])
	}
	return strings.NewReplacer(pairs...).Replace(pattern)
}

// Unresolved reports the placeholder tokens still present in s.
func Unresolved(s string) []string {
	var tokens []string
	for {
		start := strings.IndexByte(s, '{')
		if start < 0 {
			return tokens
		}
		end := strings.IndexByte(s[start:], '}')
		if end < 0 {
			return tokens
		}
		tokens = append(tokens, s[start:start+end+1])
		s = s[start+end+1:]
	}
}

// CheckSegment rejects a value that is not a single path element: one holding
// a separator, a NUL, or equal to "." or "..". An empty value passes.
func CheckSegment(value string) error {
	if value == "." || value == ".." || strings.ContainsAny(value, "/\\\x00") {
		return fmt.Errorf("%w: %q must be a single path element", ErrUnsafePath, value)
	}
	return nil
}

// CheckRelative rejects a path that is absolute or has a ".." element, so
// that joining it to a base stays under the base. An empty path passes.
func CheckRelative(p string) error {
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") || strings.ContainsRune(p, 0) || filepath.IsAbs(p) {
		return fmt.Errorf("%w: %q must be relative", ErrUnsafePath, p)
	}
	for _, part := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return fmt.Errorf("%w: %q must not leave its base directory", ErrUnsafePath, p)
		}
	}
	return nil
}
