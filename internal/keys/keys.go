// Package keys parses and formats the type:label strings that address
// connectors and instances.
package keys

import (
	"fmt"
	"strings"
)

// DefaultLabel is assumed when a key omits the label part.
const DefaultLabel = "main"

// NegationPrefix marks negated tags and key filters. Connector types and
// labels must not start with it.
const NegationPrefix = "_"

// Key addresses a connector as type:label.
type Key struct {
	Type  string
	Label string
}

// Parse splits a type:label string. A bare type takes the default label.
// Empty keys, empty types, extra separators, and the negation prefix are
// rejected.
func Parse(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Key{}, fmt.Errorf("empty connector keys")
	}
	parts := strings.Split(s, ":")
	if len(parts) > 2 {
		return Key{}, fmt.Errorf("invalid connector keys %q: too many separators", s)
	}
	k := Key{Type: parts[0], Label: DefaultLabel}
	if len(parts) == 2 {
		k.Label = parts[1]
	}
	if k.Type == "" {
		return Key{}, fmt.Errorf("invalid connector keys %q: empty type", s)
	}
	if k.Label == "" {
		return Key{}, fmt.Errorf("invalid connector keys %q: empty label", s)
	}
	if strings.HasPrefix(k.Type, NegationPrefix) || strings.HasPrefix(k.Label, NegationPrefix) {
		return Key{}, fmt.Errorf("invalid connector keys %q: reserved prefix %q", s, NegationPrefix)
	}
	return k, nil
}

// MustParse is Parse for compile-time-known keys.
func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

// Format joins a type and label into the canonical string form.
func Format(typ, label string) string {
	if label == "" {
		label = DefaultLabel
	}
	return typ + ":" + label
}

// String renders the canonical type:label form.
func (k Key) String() string { return Format(k.Type, k.Label) }

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool { return k.Type == "" && k.Label == "" }

// EnvVar returns the environment variable that can define this connector,
// of the form MRSM_<TYPE>_<LABEL>.
func (k Key) EnvVar() string {
	clean := func(s string) string {
		s = strings.ToUpper(s)
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				return r
			default:
				return '_'
			}
		}, s)
	}
	return "MRSM_" + clean(k.Type) + "_" + clean(k.Label)
}

// FlatName renders the key with the separator replaced, for use inside
// table names.
func (k Key) FlatName() string {
	return strings.ReplaceAll(k.String(), ":", "_")
}
