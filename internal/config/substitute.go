package config

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// refPattern matches MRSM{a:b:c} references. A leading bang selects the
// literal form, which splices the target value without quoting.
var refPattern = regexp.MustCompile(`MRSM\{(!?)([^{}]*)\}`)

// maxRefDepth bounds chained references so a cycle terminates with the raw
// text left in place.
const maxRefDepth = 8

// substituteAll resolves MRSM{} references in every string leaf of the
// tree. Pure references whose value came from a config file are recorded
// as symlinks so saving writes the reference back.
func (c *Config) substituteAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for depth := 0; depth < maxRefDepth; depth++ {
		changed := false
		for topKey, sub := range c.tree {
			resolved, didChange := c.substituteNode(topKey, nil, sub)
			if didChange {
				c.tree[topKey] = resolved
				changed = true
			}
		}
		if !changed {
			return nil
		}
	}
	return nil
}

func (c *Config) substituteNode(topKey string, path []string, node any) (any, bool) {
	switch x := node.(type) {
	case map[string]any:
		changed := false
		for k, v := range x {
			nv, didChange := c.substituteNode(topKey, append(path, k), v)
			if didChange {
				x[k] = nv
				changed = true
			}
		}
		return x, changed
	case []any:
		changed := false
		for i, v := range x {
			nv, didChange := c.substituteNode(topKey, append(path, fmt.Sprint(i)), v)
			if didChange {
				x[i] = nv
				changed = true
			}
		}
		return x, changed
	case string:
		return c.substituteString(topKey, path, x)
	default:
		return node, false
	}
}

func (c *Config) substituteString(topKey string, path []string, s string) (any, bool) {
	m := refPattern.FindStringSubmatch(s)
	if m == nil {
		return s, false
	}

	// A string that is exactly one reference replaces the node wholesale,
	// preserving the target's type.
	if m[0] == s {
		target, ok := lookup(c.tree, splitPath(m[2]))
		if !ok {
			return s, false
		}
		if m[1] != "!" {
			c.recordLink(topKey, path, s)
		}
		if mm, isMap := target.(map[string]any); isMap {
			return deepCopy(mm), true
		}
		if m[1] == "!" {
			return fmt.Sprint(target), true
		}
		return target, true
	}

	out := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := refPattern.FindStringSubmatch(match)
		target, ok := lookup(c.tree, splitPath(parts[2]))
		if !ok {
			return match
		}
		if parts[1] == "!" {
			return fmt.Sprint(target)
		}
		switch target.(type) {
		case string, bool, int, int64, float64, nil:
			return fmt.Sprint(target)
		default:
			data, err := json.Marshal(target)
			if err != nil {
				return match
			}
			return string(data)
		}
	})
	return out, out != s
}

// recordLink notes that the value at path under topKey resolved from a
// reference string, keyed into the nested symlink subtree.
func (c *Config) recordLink(topKey string, path []string, ref string) {
	links, ok := c.links[topKey].(map[string]any)
	if !ok {
		links = map[string]any{}
		c.links[topKey] = links
	}
	cur := links
	for _, p := range path[:max(0, len(path)-1)] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	if len(path) > 0 {
		cur[path[len(path)-1]] = ref
	}
}

// ContainsRef reports whether a string carries an unresolved reference.
func ContainsRef(s string) bool {
	return refPattern.MatchString(s)
}
