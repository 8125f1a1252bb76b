package frame

import (
	"fmt"

	"github.com/mrsm-io/mrsm/internal/dtypes"
	"github.com/mrsm-io/mrsm/internal/meta"
)

// EnforceTypes coerces every declared column in place. Columns present in
// the frame but absent from declared are left untouched. A cell that cannot
// be coerced fails the whole frame with a schema error naming the column
// and row.
func (f *Frame) EnforceTypes(declared map[string]dtypes.Type) error {
	for _, col := range f.cols {
		t, ok := declared[col]
		if !ok {
			continue
		}
		vals := f.data[col]
		for i, v := range vals {
			coerced, err := dtypes.Coerce(v, t)
			if err != nil {
				return meta.E(meta.KindSchema, "enforce dtypes",
					fmt.Errorf("column %q row %d: %w", col, i, err))
			}
			vals[i] = coerced
		}
	}
	return nil
}

// InferTypes infers dtypes for columns the declared map does not cover.
// Only columns with at least one non-null value produce an entry.
func (f *Frame) InferTypes(declared map[string]dtypes.Type) map[string]dtypes.Type {
	inferred := make(map[string]dtypes.Type)
	for _, col := range f.cols {
		if _, ok := declared[col]; ok {
			continue
		}
		t, ok := dtypes.InferColumn(f.data[col])
		if !ok {
			continue
		}
		inferred[col] = t
	}
	return inferred
}
