package pipes

import (
	"strings"

	"github.com/mrsm-io/mrsm/internal/keys"
)

// KeyTuple is the identity triple of a registered pipe on one instance.
type KeyTuple struct {
	ConnectorKeys string `json:"connector"`
	MetricKey     string `json:"metric"`
	LocationKey   string `json:"location,omitempty"`
}

// KeysFilter selects pipes by identity components and tags. Each list is
// disjunctive; an entry prefixed with the negation marker excludes
// instead. An empty list matches everything.
type KeysFilter struct {
	ConnectorKeys []string
	MetricKeys    []string
	LocationKeys  []string
	Tags          []string
}

// IsEmpty reports whether the filter selects everything.
func (f KeysFilter) IsEmpty() bool {
	return len(f.ConnectorKeys) == 0 && len(f.MetricKeys) == 0 &&
		len(f.LocationKeys) == 0 && len(f.Tags) == 0
}

// Matches applies the identity components of the filter. Tags are checked
// separately because listings may not have parameters loaded.
func (f KeysFilter) Matches(t KeyTuple) bool {
	return matchList(f.ConnectorKeys, t.ConnectorKeys) &&
		matchList(f.MetricKeys, t.MetricKey) &&
		matchLocation(f.LocationKeys, t.LocationKey)
}

// MatchesTags applies the tag component: at least one positive tag must be
// present (when any positive is given) and no negated tag may be.
func (f KeysFilter) MatchesTags(tags []string) bool {
	if len(f.Tags) == 0 {
		return true
	}
	have := make(map[string]bool, len(tags))
	for _, t := range tags {
		have[t] = true
	}
	positives := 0
	anyPositive := false
	for _, t := range f.Tags {
		if neg, ok := negated(t); ok {
			if have[neg] {
				return false
			}
			continue
		}
		positives++
		if have[t] {
			anyPositive = true
		}
	}
	return positives == 0 || anyPositive
}

func negated(s string) (string, bool) {
	if strings.HasPrefix(s, keys.NegationPrefix) && len(s) > len(keys.NegationPrefix) {
		return s[len(keys.NegationPrefix):], true
	}
	return "", false
}

// matchList applies positive and negated entries to one value. With no
// positive entries any value passes unless negated.
func matchList(filter []string, value string) bool {
	if len(filter) == 0 {
		return true
	}
	positives := 0
	matched := false
	for _, f := range filter {
		if neg, ok := negated(f); ok {
			if neg == value {
				return false
			}
			continue
		}
		positives++
		if f == value {
			matched = true
		}
	}
	return positives == 0 || matched
}

// matchLocation treats the null spellings as the absent location.
func matchLocation(filter []string, value string) bool {
	if len(filter) == 0 {
		return true
	}
	normalised := make([]string, len(filter))
	for i, f := range filter {
		if neg, ok := negated(f); ok {
			normalised[i] = keys.NegationPrefix + NormalizeLocation(neg)
			continue
		}
		normalised[i] = NormalizeLocation(f)
	}
	return matchList(normalised, NormalizeLocation(value))
}
