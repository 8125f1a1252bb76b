package sync

import (
	"sort"

	"github.com/mrsm-io/mrsm/internal/dtypes"
	"github.com/mrsm-io/mrsm/internal/frame"
)

// FilterOptions adjust how candidate rows match existing ones.
type FilterOptions struct {
	// NullIndices keeps the default matching where null key cells compare
	// equal to each other. When false, a candidate row with any null in a
	// key column never matches and is always treated as unseen.
	NullIndices bool
}

// FilterResult partitions one candidate batch against the instance.
type FilterResult struct {
	// Unseen rows have no match on the unique columns.
	Unseen *frame.Frame

	// Updates are matched rows where at least one non-key cell differs.
	Updates *frame.Frame

	// Delta is unseen and updates together, in candidate order.
	Delta *frame.Frame
}

// FilterExisting joins the candidate batch to the existing rows on the
// unique columns and partitions it into unseen rows, changed rows, and
// their union. Comparisons run under the resolved dtypes so values from
// different sources compare type-stably; nulls compare equal to each
// other and numeric equality respects the declared scale. When the batch
// repeats a key the last occurrence wins. With no unique columns no dedup
// is possible and the whole batch comes back unseen.
func FilterExisting(candidate, existing *frame.Frame, unique []string, types map[string]dtypes.Type, opts FilterOptions) FilterResult {
	if len(unique) == 0 || candidate.Len() == 0 {
		return FilterResult{Unseen: candidate, Updates: candidate.Take(nil), Delta: candidate}
	}

	rowKeys := make([]string, candidate.Len())
	rowNulls := make([]bool, candidate.Len())
	keep := make([]bool, candidate.Len())
	last := make(map[string]int, candidate.Len())
	for row := 0; row < candidate.Len(); row++ {
		key, hasNull := candidate.Key(row, unique, types)
		rowKeys[row], rowNulls[row], keep[row] = key, hasNull, true
		if hasNull && !opts.NullIndices {
			continue
		}
		if prev, ok := last[key]; ok {
			keep[prev] = false
		}
		last[key] = row
	}

	seen := make(map[string]int, existing.Len())
	for row := 0; row < existing.Len(); row++ {
		key, hasNull := existing.Key(row, unique, types)
		if hasNull && !opts.NullIndices {
			continue
		}
		seen[key] = row
	}

	keySet := make(map[string]bool, len(unique))
	for _, col := range unique {
		keySet[col] = true
	}

	var unseenIdx, updateIdx []int
	for row := 0; row < candidate.Len(); row++ {
		if !keep[row] {
			continue
		}
		if rowNulls[row] && !opts.NullIndices {
			unseenIdx = append(unseenIdx, row)
			continue
		}
		match, ok := seen[rowKeys[row]]
		if !ok {
			unseenIdx = append(unseenIdx, row)
			continue
		}
		if rowChanged(candidate, row, existing, match, keySet, types) {
			updateIdx = append(updateIdx, row)
		}
	}

	deltaIdx := make([]int, 0, len(unseenIdx)+len(updateIdx))
	deltaIdx = append(deltaIdx, unseenIdx...)
	deltaIdx = append(deltaIdx, updateIdx...)
	sort.Ints(deltaIdx)

	return FilterResult{
		Unseen:  candidate.Take(unseenIdx),
		Updates: candidate.Take(updateIdx),
		Delta:   candidate.Take(deltaIdx),
	}
}

// rowChanged reports whether any non-key cell differs between a candidate
// row and its existing match. A column the target has never seen counts
// as changed only when the candidate carries a value there.
func rowChanged(candidate *frame.Frame, crow int, existing *frame.Frame, erow int, keySet map[string]bool, types map[string]dtypes.Type) bool {
	for _, col := range candidate.Columns() {
		if keySet[col] {
			continue
		}
		cv := candidate.Value(crow, col)
		if !existing.HasColumn(col) {
			if cv != nil {
				return true
			}
			continue
		}
		if !dtypes.Equal(cv, existing.Value(erow, col), types[col]) {
			return true
		}
	}
	return false
}
