package pipes

import (
	"fmt"
	"sort"

	"github.com/mrsm-io/mrsm/internal/dtypes"
)

// Recognised parameter keys. The parameters map is free-form; anything
// outside this set is carried through untouched.
const (
	ParamColumns     = "columns"
	ParamIndices     = "indices"
	ParamIndicesAlt  = "indexes"
	ParamDTypes      = "dtypes"
	ParamTags        = "tags"
	ParamTarget      = "target"
	ParamFetch       = "fetch"
	ParamStatic      = "static"
	ParamUpsert      = "upsert"
	ParamEnforce     = "enforce"
	ParamNullIndices = "null_indices"
)

// Column roles the engine reads from the columns mapping.
const (
	RoleDatetime = "datetime"
	RoleID       = "id"
	RolePrimary  = "primary"
	RoleValue    = "value"
)

// Params is a typed view over a pipe's parameters map. It does not own the
// map; Pipe mediates reads and writes.
type Params struct {
	m map[string]any
}

// NewParams wraps a raw parameters map. A nil map is treated as empty.
func NewParams(m map[string]any) Params {
	if m == nil {
		m = map[string]any{}
	}
	return Params{m: m}
}

// Raw returns a deep copy of the underlying map.
func (p Params) Raw() map[string]any {
	return copyTree(p.m)
}

func copyTree(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case map[string]any:
			out[k] = copyTree(x)
		case []any:
			cp := make([]any, len(x))
			copy(cp, x)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// Columns returns the role → column mapping.
func (p Params) Columns() map[string]string {
	out := map[string]string{}
	raw, ok := p.m[ParamColumns].(map[string]any)
	if !ok {
		return out
	}
	for role, v := range raw {
		if col, ok := v.(string); ok && col != "" {
			out[role] = col
		}
	}
	return out
}

// Column returns the column bound to a role, or "".
func (p Params) Column(role string) string {
	return p.Columns()[role]
}

// Indices returns the normalised index name → column list mapping, merging
// the "indexes" alias. Scalar values become single-column lists.
func (p Params) Indices() map[string][]string {
	out := map[string][]string{}
	for _, key := range []string{ParamIndicesAlt, ParamIndices} {
		raw, ok := p.m[key].(map[string]any)
		if !ok {
			continue
		}
		for name, v := range raw {
			cols := normaliseCols(v)
			if len(cols) > 0 {
				out[name] = cols
			}
		}
	}
	return out
}

func normaliseCols(v any) []string {
	switch x := v.(type) {
	case string:
		if x == "" {
			return nil
		}
		return []string{x}
	case []string:
		return append([]string(nil), x...)
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// DTypes parses the declared dtype strings. Unknown strings fail so bad
// declarations surface before any write.
func (p Params) DTypes() (map[string]dtypes.Type, error) {
	raw, ok := p.m[ParamDTypes].(map[string]any)
	if !ok {
		return map[string]dtypes.Type{}, nil
	}
	out := make(map[string]dtypes.Type, len(raw))
	for col, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("dtype for column %q is not a string", col)
		}
		t, err := dtypes.Parse(s)
		if err != nil {
			return nil, err
		}
		out[col] = t
	}
	return out, nil
}

// Tags returns the pipe's tags in declared order.
func (p Params) Tags() []string {
	return normaliseCols(p.m[ParamTags])
}

// Target returns the explicit target name, or "".
func (p Params) Target() string {
	s, _ := p.m[ParamTarget].(string)
	return s
}

// Fetch returns the connector-specific fetch configuration.
func (p Params) Fetch() map[string]any {
	raw, ok := p.m[ParamFetch].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return copyTree(raw)
}

// Static reports whether the schema is frozen after first write.
func (p Params) Static() bool { return p.boolParam(ParamStatic, false) }

// Upsert reports whether writes merge through the backend's conflict
// handling.
func (p Params) Upsert() bool { return p.boolParam(ParamUpsert, false) }

// Enforce reports whether dtype enforcement runs on write. Defaults true.
func (p Params) Enforce() bool { return p.boolParam(ParamEnforce, true) }

// NullIndices reports whether rows with nulls in index columns may match
// existing rows. Defaults true; when false such rows always insert as new.
func (p Params) NullIndices() bool { return p.boolParam(ParamNullIndices, true) }

func (p Params) boolParam(key string, def bool) bool {
	v, ok := p.m[key]
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch x {
		case "true", "True", "1":
			return true
		case "false", "False", "0":
			return false
		}
	case int:
		return x != 0
	case float64:
		return x != 0
	}
	return def
}

// UniqueColumns returns the effective unique constraint: the explicit
// primary index when declared, else the union of the datetime, id, and
// primary column roles, else nil for append-only pipes.
func (p Params) UniqueColumns() []string {
	if primary, ok := p.Indices()["primary"]; ok && len(primary) > 0 {
		return primary
	}
	cols := p.Columns()
	set := map[string]bool{}
	var out []string
	for _, role := range []string{RoleDatetime, RoleID, RolePrimary} {
		col := cols[role]
		if col == "" || set[col] {
			continue
		}
		set[col] = true
		out = append(out, col)
	}
	return out
}

// IndexColumnSets returns every column set that should carry an index:
// the effective unique constraint first, then the extra declared indices
// in name order, deduplicated.
func (p Params) IndexColumnSets() [][]string {
	var out [][]string
	seen := map[string]bool{}
	add := func(cols []string) {
		if len(cols) == 0 {
			return
		}
		key := fmt.Sprint(cols)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, cols)
	}
	add(p.UniqueColumns())
	indices := p.Indices()
	names := make([]string, 0, len(indices))
	for name := range indices {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		add(indices[name])
	}
	// Single-column indices for the role columns not already covered.
	for _, role := range []string{RoleDatetime, RoleID} {
		if col := p.Columns()[role]; col != "" {
			add([]string{col})
		}
	}
	return out
}
