package sync

import (
	"testing"
	"time"

	"github.com/mrsm-io/mrsm/internal/dtypes"
	"github.com/mrsm-io/mrsm/internal/frame"
)

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

var filterTypes = map[string]dtypes.Type{
	"dt": dtypes.DatetimeUTC(),
	"id": dtypes.Of(dtypes.Int),
	"v":  dtypes.Of(dtypes.Int),
}

func TestFilterExistingPartitions(t *testing.T) {
	existing := frame.FromRecords([]map[string]any{
		{"dt": day(1), "id": int64(1), "v": int64(1)},
		{"dt": day(2), "id": int64(2), "v": int64(2)},
	})
	candidate := frame.FromRecords([]map[string]any{
		{"dt": day(1), "id": int64(1), "v": int64(1)},
		{"dt": day(2), "id": int64(2), "v": int64(9)},
		{"dt": day(3), "id": int64(3), "v": int64(3)},
	})
	res := FilterExisting(candidate, existing, []string{"dt", "id"}, filterTypes,
		FilterOptions{NullIndices: true})

	if res.Unseen.Len() != 1 || res.Unseen.Value(0, "id") != int64(3) {
		t.Errorf("unseen = %v", res.Unseen.Records())
	}
	if res.Updates.Len() != 1 || res.Updates.Value(0, "v") != int64(9) {
		t.Errorf("updates = %v", res.Updates.Records())
	}
	if res.Delta.Len() != 2 {
		t.Fatalf("delta = %v", res.Delta.Records())
	}
	// Delta keeps candidate order: the changed row precedes the new one.
	if res.Delta.Value(0, "id") != int64(2) || res.Delta.Value(1, "id") != int64(3) {
		t.Errorf("delta order = %v", res.Delta.Records())
	}
}

func TestFilterExistingNoUniqueColumns(t *testing.T) {
	candidate := frame.FromRecords([]map[string]any{
		{"v": int64(1)},
		{"v": int64(1)},
	})
	res := FilterExisting(candidate, frame.New(), nil, filterTypes,
		FilterOptions{NullIndices: true})
	if res.Unseen.Len() != 2 || res.Updates.Len() != 0 || res.Delta.Len() != 2 {
		t.Errorf("no constraint means no dedup: unseen=%d updates=%d delta=%d",
			res.Unseen.Len(), res.Updates.Len(), res.Delta.Len())
	}
}

func TestFilterExistingUnchangedRowsDrop(t *testing.T) {
	rows := []map[string]any{
		{"dt": day(1), "id": int64(1), "v": int64(1)},
		{"dt": day(2), "id": int64(2), "v": int64(2)},
	}
	res := FilterExisting(frame.FromRecords(rows), frame.FromRecords(rows),
		[]string{"dt", "id"}, filterTypes, FilterOptions{NullIndices: true})
	if res.Unseen.Len() != 0 || res.Updates.Len() != 0 || res.Delta.Len() != 0 {
		t.Errorf("unchanged rows must drop: unseen=%d updates=%d delta=%d",
			res.Unseen.Len(), res.Updates.Len(), res.Delta.Len())
	}
}

func TestFilterExistingDuplicateKeysKeepLast(t *testing.T) {
	candidate := frame.FromRecords([]map[string]any{
		{"dt": day(1), "id": int64(1), "v": int64(1)},
		{"dt": day(1), "id": int64(1), "v": int64(2)},
	})
	res := FilterExisting(candidate, frame.New(), []string{"dt", "id"}, filterTypes,
		FilterOptions{NullIndices: true})
	if res.Unseen.Len() != 1 {
		t.Fatalf("unseen = %v", res.Unseen.Records())
	}
	if res.Unseen.Value(0, "v") != int64(2) {
		t.Errorf("last occurrence must win: %v", res.Unseen.Records())
	}
}

func TestFilterExistingNullKeys(t *testing.T) {
	existing := frame.FromRecords([]map[string]any{
		{"dt": day(1), "id": nil, "v": int64(1)},
	})
	candidate := frame.FromRecords([]map[string]any{
		{"dt": day(1), "id": nil, "v": int64(2)},
	})

	matched := FilterExisting(candidate, existing, []string{"dt", "id"}, filterTypes,
		FilterOptions{NullIndices: true})
	if matched.Unseen.Len() != 0 || matched.Updates.Len() != 1 {
		t.Errorf("null keys should match each other: unseen=%d updates=%d",
			matched.Unseen.Len(), matched.Updates.Len())
	}

	isolated := FilterExisting(candidate, existing, []string{"dt", "id"}, filterTypes,
		FilterOptions{NullIndices: false})
	if isolated.Unseen.Len() != 1 || isolated.Updates.Len() != 0 {
		t.Errorf("null keys must stay unseen: unseen=%d updates=%d",
			isolated.Unseen.Len(), isolated.Updates.Len())
	}
}

func TestFilterExistingNewColumn(t *testing.T) {
	existing := frame.FromRecords([]map[string]any{
		{"dt": day(1), "id": int64(1), "v": int64(1)},
	})
	unchanged := frame.FromRecords([]map[string]any{
		{"dt": day(1), "id": int64(1), "v": int64(1), "w": nil},
	})
	res := FilterExisting(unchanged, existing, []string{"dt", "id"}, filterTypes,
		FilterOptions{NullIndices: true})
	if res.Delta.Len() != 0 {
		t.Errorf("null in an unknown column is not a change: %v", res.Delta.Records())
	}

	carrying := frame.FromRecords([]map[string]any{
		{"dt": day(1), "id": int64(1), "v": int64(1), "w": int64(7)},
	})
	res = FilterExisting(carrying, existing, []string{"dt", "id"}, filterTypes,
		FilterOptions{NullIndices: true})
	if res.Updates.Len() != 1 {
		t.Errorf("a value in an unknown column is a change: %v", res.Updates.Records())
	}
}

func TestSplitBatch(t *testing.T) {
	f := frame.New("n")
	for i := 0; i < 5; i++ {
		f.AppendRow(int64(i))
	}
	parts := splitBatch(f, 2)
	if len(parts) != 3 {
		t.Fatalf("parts = %d", len(parts))
	}
	if parts[0].Len() != 2 || parts[1].Len() != 2 || parts[2].Len() != 1 {
		t.Errorf("lens = %d %d %d", parts[0].Len(), parts[1].Len(), parts[2].Len())
	}
	if parts[2].Value(0, "n") != int64(4) {
		t.Errorf("last row = %v", parts[2].Value(0, "n"))
	}
	whole := splitBatch(f, 0)
	if len(whole) != 1 || whole[0] != f {
		t.Error("size 0 must pass the frame through")
	}
}
