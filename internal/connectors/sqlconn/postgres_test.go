package sqlconn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/keys"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// newPostgresConnector starts a throwaway postgres container and opens a
// connector against it. The test is skipped when no container runtime is
// available, so the suite stays runnable on machines without docker.
func newPostgresConnector(t *testing.T) *Connector {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("mrsm"),
		tcpostgres.WithUsername("mrsm"),
		tcpostgres.WithPassword("mrsm"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})
	uri, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	c, err := New(ctx, keys.MustParse("sql:pg"), map[string]any{
		"flavor": "postgresql",
		"uri":    uri,
	})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPostgresSyncLifecycle(t *testing.T) {
	ctx := context.Background()
	inst := newPostgresConnector(t)
	p := newTestPipe(t, inst, map[string]any{
		"upsert":  true,
		"columns": map[string]any{"datetime": "dt", "id": "station"},
		"dtypes": map[string]any{
			"dt":      "datetime64[ns, UTC]",
			"station": "str",
			"temp_f":  "float",
		},
	})

	f := frame.New("dt", "station", "temp_f")
	f.AppendRow(ts(t, "2024-05-01T00:00:00Z"), "KATL", 75.1)
	f.AppendRow(ts(t, "2024-05-01T01:00:00Z"), "KATL", 74.3)
	stats, err := inst.SyncPipe(ctx, p, pipes.WriteBatch{Inserts: f})
	if err != nil {
		t.Fatalf("SyncPipe: %v", err)
	}
	if stats.Inserted != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	data, err := inst.PipeData(ctx, p, pipes.DataQuery{})
	if err != nil {
		t.Fatalf("PipeData: %v", err)
	}
	if data.Len() != 2 {
		t.Fatalf("rows = %d", data.Len())
	}
	dt, ok := data.Value(0, "dt").(time.Time)
	if !ok || !dt.Equal(ts(t, "2024-05-01T00:00:00Z")) {
		t.Errorf("dt = %v", data.Value(0, "dt"))
	}
	if data.Value(0, "temp_f") != 75.1 {
		t.Errorf("temp_f = %v", data.Value(0, "temp_f"))
	}

	// Updates match on the unique columns and rewrite the rest.
	u := frame.New("dt", "station", "temp_f")
	u.AppendRow(ts(t, "2024-05-01T00:00:00Z"), "KATL", 76.0)
	stats, err = inst.SyncPipe(ctx, p, pipes.WriteBatch{Updates: u})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if stats.Updated != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	// Upsert folds the conflicting row and appends the fresh one.
	g := frame.New("dt", "station", "temp_f")
	g.AppendRow(ts(t, "2024-05-01T01:00:00Z"), "KATL", 70.0)
	g.AppendRow(ts(t, "2024-05-01T02:00:00Z"), "KATL", 68.4)
	stats, err = inst.SyncPipe(ctx, p, pipes.WriteBatch{Inserts: g, Upsert: true})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if stats.Upserted != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	data, err = inst.PipeData(ctx, p, pipes.DataQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if data.Len() != 3 {
		t.Fatalf("rows after upsert = %d", data.Len())
	}
	if data.Value(0, "temp_f") != 76.0 || data.Value(1, "temp_f") != 70.0 {
		t.Errorf("row values = %v, %v", data.Value(0, "temp_f"), data.Value(1, "temp_f"))
	}

	// Plain insert against the unique index violates it.
	d := frame.New("dt", "station", "temp_f")
	d.AppendRow(ts(t, "2024-05-01T02:00:00Z"), "KATL", 68.4)
	if _, err := inst.SyncPipe(ctx, p, pipes.WriteBatch{Inserts: d}); meta.KindOf(err) != meta.KindIntegrity {
		t.Errorf("duplicate insert kind = %v (%v)", meta.KindOf(err), err)
	}

	count, err := inst.PipeRowCount(ctx, p, pipes.DataQuery{
		Begin: ts(t, "2024-05-01T01:00:00Z"),
		End:   ts(t, "2024-05-01T02:00:00Z"),
	})
	if err != nil || count != 1 {
		t.Errorf("bounded count = %d, %v", count, err)
	}

	newest, err := inst.SyncTime(ctx, p, pipes.SyncTimeQuery{Newest: true})
	if err != nil {
		t.Fatalf("SyncTime: %v", err)
	}
	if nt, ok := newest.(time.Time); !ok || !nt.Equal(ts(t, "2024-05-01T02:00:00Z")) {
		t.Errorf("newest = %v", newest)
	}

	indices, err := inst.PipeColumnsIndices(ctx, p)
	if err != nil {
		t.Fatalf("PipeColumnsIndices: %v", err)
	}
	if len(indices["dt"]) == 0 {
		t.Errorf("no index covers dt: %v", indices)
	}

	cleared, err := inst.ClearPipe(ctx, p, pipes.DataQuery{
		Begin: ts(t, "2024-05-01T00:00:00Z"),
		End:   ts(t, "2024-05-01T02:00:00Z"),
	})
	if err != nil || cleared != 2 {
		t.Fatalf("cleared = %d, %v", cleared, err)
	}

	if err := inst.DropPipe(ctx, p); err != nil {
		t.Fatalf("DropPipe: %v", err)
	}
	exists, err := inst.PipeExists(ctx, p)
	if err != nil || exists {
		t.Errorf("exists after drop = %v, %v", exists, err)
	}
	// Metadata survives the drop.
	if _, err := inst.PipeID(ctx, p); err != nil {
		t.Errorf("PipeID after drop: %v", err)
	}

	if err := inst.DeletePipe(ctx, p); err != nil {
		t.Fatalf("DeletePipe: %v", err)
	}
	if _, err := inst.PipeID(ctx, p); !errors.Is(err, meta.ErrNotRegistered) {
		t.Errorf("PipeID after delete = %v", err)
	}
}

func TestPostgresValueDtypes(t *testing.T) {
	ctx := context.Background()
	inst := newPostgresConnector(t)
	p := newTestPipe(t, inst, map[string]any{
		"columns": map[string]any{"datetime": "dt"},
		"dtypes": map[string]any{
			"dt":    "datetime64[ns, UTC]",
			"flag":  "bool",
			"uid":   "uuid",
			"price": "numeric(10,2)",
			"blob":  "bytes",
			"attrs": "json",
		},
	})
	f := frame.New("dt", "flag", "uid", "price", "blob", "attrs")
	f.AppendRow(
		ts(t, "2024-05-01T00:00:00Z"),
		true,
		"0f4536a2-02a5-4af2-b88e-a7a60e5d8b17",
		"19.99",
		[]byte{0x01, 0x02},
		map[string]any{"unit": "F"},
	)
	types, err := p.DeclaredTypes()
	if err != nil {
		t.Fatal(err)
	}
	if err := f.EnforceTypes(types); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.SyncPipe(ctx, p, pipes.WriteBatch{Inserts: f}); err != nil {
		t.Fatalf("SyncPipe: %v", err)
	}

	physical, err := inst.PipeColumnsTypes(ctx, p)
	if err != nil {
		t.Fatalf("PipeColumnsTypes: %v", err)
	}
	want := map[string]string{
		"dt":    "timestamp with time zone",
		"flag":  "boolean",
		"uid":   "uuid",
		"price": "numeric",
		"blob":  "bytea",
		"attrs": "jsonb",
	}
	for col, typ := range want {
		if physical[col] != typ {
			t.Errorf("%s type = %q, want %q", col, physical[col], typ)
		}
	}

	data, err := inst.PipeData(ctx, p, pipes.DataQuery{})
	if err != nil {
		t.Fatalf("PipeData: %v", err)
	}
	if data.Len() != 1 {
		t.Fatalf("rows = %d", data.Len())
	}
	if v, ok := data.Value(0, "flag").(bool); !ok || !v {
		t.Errorf("flag = %v", data.Value(0, "flag"))
	}
	if u, ok := data.Value(0, "uid").(uuid.UUID); !ok || u.String() != "0f4536a2-02a5-4af2-b88e-a7a60e5d8b17" {
		t.Errorf("uid = %v", data.Value(0, "uid"))
	}
	if d, ok := data.Value(0, "price").(decimal.Decimal); !ok || d.String() != "19.99" {
		t.Errorf("price = %v", data.Value(0, "price"))
	}
	if b, ok := data.Value(0, "blob").([]byte); !ok || len(b) != 2 || b[0] != 0x01 {
		t.Errorf("blob = %v", data.Value(0, "blob"))
	}
	attrs, ok := data.Value(0, "attrs").(map[string]any)
	if !ok || attrs["unit"] != "F" {
		t.Errorf("attrs = %v", data.Value(0, "attrs"))
	}
}
