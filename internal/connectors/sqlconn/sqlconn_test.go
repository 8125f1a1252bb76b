package sqlconn

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/keys"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// newTestConnector opens an isolated in-memory sqlite connector. Each test
// gets its own label so the shared-cache databases do not bleed together.
func newTestConnector(t *testing.T) *Connector {
	t.Helper()
	label := strings.ToLower(strings.NewReplacer("/", "-", "_", "-").Replace(t.Name()))
	k := keys.MustParse("sql:" + label)
	c, err := New(context.Background(), k, map[string]any{
		"flavor":   "sqlite",
		"database": ":memory:",
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func newTestPipe(t *testing.T, inst *Connector, params map[string]any) *pipes.Pipe {
	t.Helper()
	p, err := pipes.New("plugin:noaa", "weather", "atl",
		pipes.WithInstance(inst), pipes.WithParameters(params))
	if err != nil {
		t.Fatal(err)
	}
	if st := p.Register(context.Background()); !st.Success {
		t.Fatalf("register: %s", st.Message)
	}
	return p
}

func ts(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return parsed
}

func TestRegisterAndAttributes(t *testing.T) {
	ctx := context.Background()
	inst := newTestConnector(t)
	p := newTestPipe(t, inst, map[string]any{
		"columns": map[string]any{"datetime": "dt"},
		"tags":    []any{"prod"},
	})

	id, err := inst.PipeID(ctx, p)
	if err != nil {
		t.Fatalf("PipeID: %v", err)
	}
	if id <= 0 {
		t.Errorf("id = %d", id)
	}
	attrs, err := inst.PipeAttributes(ctx, p)
	if err != nil {
		t.Fatalf("PipeAttributes: %v", err)
	}
	if pipes.NewParams(attrs).Column(pipes.RoleDatetime) != "dt" {
		t.Errorf("stored attrs = %v", attrs)
	}

	if err := inst.RegisterPipe(ctx, p); !errors.Is(err, meta.ErrAlreadyRegistered) {
		t.Errorf("duplicate register error = %v", err)
	}

	tuples, err := inst.PipeKeys(ctx, pipes.KeysFilter{Tags: []string{"prod"}})
	if err != nil {
		t.Fatalf("PipeKeys: %v", err)
	}
	if len(tuples) != 1 || tuples[0].MetricKey != "weather" {
		t.Errorf("tuples = %v", tuples)
	}
	tuples, err = inst.PipeKeys(ctx, pipes.KeysFilter{Tags: []string{"_prod"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(tuples) != 0 {
		t.Errorf("negated tag should exclude, got %v", tuples)
	}
}

func TestPipeIDUnregistered(t *testing.T) {
	inst := newTestConnector(t)
	p, _ := pipes.New("sql:src", "power", "", pipes.WithInstance(inst))
	if _, err := inst.PipeID(context.Background(), p); !errors.Is(err, meta.ErrNotRegistered) {
		t.Errorf("err = %v", err)
	}
}

func TestSyncPipeRoundTrip(t *testing.T) {
	ctx := context.Background()
	inst := newTestConnector(t)
	p := newTestPipe(t, inst, map[string]any{
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
	if stats.Inserted != 2 || stats.Updated != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	exists, err := inst.PipeExists(ctx, p)
	if err != nil || !exists {
		t.Fatalf("exists = %v, %v", exists, err)
	}

	data, err := inst.PipeData(ctx, p, pipes.DataQuery{})
	if err != nil {
		t.Fatalf("PipeData: %v", err)
	}
	if data.Len() != 2 {
		t.Fatalf("rows = %d", data.Len())
	}
	got, ok := data.Value(0, "dt").(time.Time)
	if !ok || !got.Equal(ts(t, "2024-05-01T00:00:00Z")) {
		t.Errorf("dt[0] = %v", data.Value(0, "dt"))
	}
	if v := data.Value(0, "temp_f"); v != 75.1 {
		t.Errorf("temp_f[0] = %v", v)
	}
	if v := data.Value(1, "station"); v != "KATL" {
		t.Errorf("station[1] = %v", v)
	}

	n, err := inst.PipeRowCount(ctx, p, pipes.DataQuery{Begin: ts(t, "2024-05-01T00:30:00Z")})
	if err != nil || n != 1 {
		t.Errorf("bounded count = %d, %v", n, err)
	}

	newest, err := inst.SyncTime(ctx, p, pipes.SyncTimeQuery{Newest: true})
	if err != nil {
		t.Fatalf("SyncTime: %v", err)
	}
	if st, ok := newest.(time.Time); !ok || !st.Equal(ts(t, "2024-05-01T01:00:00Z")) {
		t.Errorf("newest = %v", newest)
	}
	oldest, err := inst.SyncTime(ctx, p, pipes.SyncTimeQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if st, ok := oldest.(time.Time); !ok || !st.Equal(ts(t, "2024-05-01T00:00:00Z")) {
		t.Errorf("oldest = %v", oldest)
	}
}

func TestSyncPipeUpdates(t *testing.T) {
	ctx := context.Background()
	inst := newTestConnector(t)
	p := newTestPipe(t, inst, map[string]any{
		"columns": map[string]any{"datetime": "dt", "id": "station"},
		"dtypes": map[string]any{
			"dt":      "datetime64[ns, UTC]",
			"station": "str",
			"temp_f":  "float",
		},
	})

	seed := frame.New("dt", "station", "temp_f")
	seed.AppendRow(ts(t, "2024-05-01T00:00:00Z"), "KATL", 75.1)
	if _, err := inst.SyncPipe(ctx, p, pipes.WriteBatch{Inserts: seed}); err != nil {
		t.Fatal(err)
	}

	upd := frame.New("dt", "station", "temp_f")
	upd.AppendRow(ts(t, "2024-05-01T00:00:00Z"), "KATL", 76.0)
	stats, err := inst.SyncPipe(ctx, p, pipes.WriteBatch{Updates: upd})
	if err != nil {
		t.Fatalf("SyncPipe updates: %v", err)
	}
	if stats.Updated != 1 || stats.Inserted != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	data, err := inst.PipeData(ctx, p, pipes.DataQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if data.Len() != 1 || data.Value(0, "temp_f") != 76.0 {
		t.Errorf("after update: len=%d temp=%v", data.Len(), data.Value(0, "temp_f"))
	}
}

func TestSyncPipeUpsert(t *testing.T) {
	ctx := context.Background()
	inst := newTestConnector(t)
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
	stats, err := inst.SyncPipe(ctx, p, pipes.WriteBatch{Inserts: f, Upsert: true})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if stats.Upserted != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	g := frame.New("dt", "station", "temp_f")
	g.AppendRow(ts(t, "2024-05-01T00:00:00Z"), "KATL", 80.0)
	g.AppendRow(ts(t, "2024-05-01T01:00:00Z"), "KATL", 70.0)
	if _, err := inst.SyncPipe(ctx, p, pipes.WriteBatch{Inserts: g, Upsert: true}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	data, err := inst.PipeData(ctx, p, pipes.DataQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if data.Len() != 2 {
		t.Fatalf("rows after upsert = %d", data.Len())
	}
	if data.Value(0, "temp_f") != 80.0 {
		t.Errorf("conflicting row not updated: %v", data.Value(0, "temp_f"))
	}
}

func TestSyncPipeSchemaGrowth(t *testing.T) {
	ctx := context.Background()
	inst := newTestConnector(t)
	p := newTestPipe(t, inst, map[string]any{
		"columns": map[string]any{"datetime": "dt"},
		"dtypes":  map[string]any{"dt": "datetime64[ns, UTC]"},
	})

	f := frame.New("dt", "a")
	f.AppendRow(ts(t, "2024-05-01T00:00:00Z"), int64(1))
	if _, err := inst.SyncPipe(ctx, p, pipes.WriteBatch{Inserts: f}); err != nil {
		t.Fatal(err)
	}

	g := frame.New("dt", "b")
	g.AppendRow(ts(t, "2024-05-01T01:00:00Z"), "hello")
	if _, err := inst.SyncPipe(ctx, p, pipes.WriteBatch{Inserts: g}); err != nil {
		t.Fatalf("schema growth: %v", err)
	}

	types, err := inst.PipeColumnsTypes(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := types["b"]; !ok {
		t.Errorf("column b missing: %v", types)
	}

	data, err := inst.PipeData(ctx, p, pipes.DataQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if data.Len() != 2 {
		t.Errorf("rows = %d", data.Len())
	}
	if v := data.Value(0, "b"); v != nil {
		t.Errorf("backfilled b = %v", v)
	}
}

func TestSyncPipeStaticRejectsNewColumns(t *testing.T) {
	ctx := context.Background()
	inst := newTestConnector(t)
	p := newTestPipe(t, inst, map[string]any{
		"static":  true,
		"columns": map[string]any{"datetime": "dt"},
		"dtypes":  map[string]any{"dt": "datetime64[ns, UTC]"},
	})

	f := frame.New("dt")
	f.AppendRow(ts(t, "2024-05-01T00:00:00Z"))
	if _, err := inst.SyncPipe(ctx, p, pipes.WriteBatch{Inserts: f}); err != nil {
		t.Fatal(err)
	}

	g := frame.New("dt", "sneaky")
	g.AppendRow(ts(t, "2024-05-01T01:00:00Z"), 1)
	_, err := inst.SyncPipe(ctx, p, pipes.WriteBatch{Inserts: g})
	if err == nil {
		t.Fatal("static pipe accepted a new column")
	}
	if meta.KindOf(err) != meta.KindSchema {
		t.Errorf("kind = %v", meta.KindOf(err))
	}
}

func TestSyncPipeDuplicateInsertIsIntegrity(t *testing.T) {
	ctx := context.Background()
	inst := newTestConnector(t)
	p := newTestPipe(t, inst, map[string]any{
		"upsert":  true,
		"columns": map[string]any{"datetime": "dt", "id": "station"},
		"dtypes": map[string]any{
			"dt":      "datetime64[ns, UTC]",
			"station": "str",
		},
	})

	f := frame.New("dt", "station")
	f.AppendRow(ts(t, "2024-05-01T00:00:00Z"), "KATL")
	if _, err := inst.SyncPipe(ctx, p, pipes.WriteBatch{Inserts: f, Upsert: true}); err != nil {
		t.Fatal(err)
	}
	// Plain insert against the unique index violates it.
	_, err := inst.SyncPipe(ctx, p, pipes.WriteBatch{Inserts: f})
	if err == nil {
		t.Fatal("duplicate insert should fail")
	}
	if meta.KindOf(err) != meta.KindIntegrity {
		t.Errorf("kind = %v (%v)", meta.KindOf(err), err)
	}
}

func TestClearPipe(t *testing.T) {
	ctx := context.Background()
	inst := newTestConnector(t)
	p := newTestPipe(t, inst, map[string]any{
		"columns": map[string]any{"datetime": "dt"},
		"dtypes":  map[string]any{"dt": "datetime64[ns, UTC]", "v": "int"},
	})

	f := frame.New("dt", "v")
	for hour := 0; hour < 4; hour++ {
		f.AppendRow(ts(t, "2024-05-01T00:00:00Z").Add(time.Duration(hour)*time.Hour), int64(hour))
	}
	if _, err := inst.SyncPipe(ctx, p, pipes.WriteBatch{Inserts: f}); err != nil {
		t.Fatal(err)
	}

	n, err := inst.ClearPipe(ctx, p, pipes.DataQuery{
		Begin: ts(t, "2024-05-01T01:00:00Z"),
		End:   ts(t, "2024-05-01T03:00:00Z"),
	})
	if err != nil {
		t.Fatalf("ClearPipe: %v", err)
	}
	if n != 2 {
		t.Errorf("cleared = %d", n)
	}
	count, err := inst.PipeRowCount(ctx, p, pipes.DataQuery{})
	if err != nil || count != 2 {
		t.Errorf("remaining = %d, %v", count, err)
	}
}

func TestDropAndDelete(t *testing.T) {
	ctx := context.Background()
	inst := newTestConnector(t)
	p := newTestPipe(t, inst, map[string]any{
		"columns": map[string]any{"datetime": "dt"},
		"dtypes":  map[string]any{"dt": "datetime64[ns, UTC]"},
	})
	f := frame.New("dt")
	f.AppendRow(ts(t, "2024-05-01T00:00:00Z"))
	if _, err := inst.SyncPipe(ctx, p, pipes.WriteBatch{Inserts: f}); err != nil {
		t.Fatal(err)
	}

	if err := inst.DropPipe(ctx, p); err != nil {
		t.Fatalf("DropPipe: %v", err)
	}
	exists, err := inst.PipeExists(ctx, p)
	if err != nil || exists {
		t.Errorf("exists after drop = %v, %v", exists, err)
	}
	if _, err := inst.PipeID(ctx, p); err != nil {
		t.Errorf("metadata should survive drop: %v", err)
	}

	if err := inst.DeletePipe(ctx, p); err != nil {
		t.Fatalf("DeletePipe: %v", err)
	}
	if _, err := inst.PipeID(ctx, p); !errors.Is(err, meta.ErrNotRegistered) {
		t.Errorf("after delete: %v", err)
	}
}

func TestParamFilterQueries(t *testing.T) {
	ctx := context.Background()
	inst := newTestConnector(t)
	p := newTestPipe(t, inst, map[string]any{
		"columns": map[string]any{"datetime": "dt", "id": "station"},
		"dtypes": map[string]any{
			"dt":      "datetime64[ns, UTC]",
			"station": "str",
			"temp_f":  "float",
		},
	})
	f := frame.New("dt", "station", "temp_f")
	f.AppendRow(ts(t, "2024-05-01T00:00:00Z"), "KATL", 75.1)
	f.AppendRow(ts(t, "2024-05-01T01:00:00Z"), "KNYC", 64.0)
	f.AppendRow(ts(t, "2024-05-01T02:00:00Z"), nil, 50.0)
	if _, err := inst.SyncPipe(ctx, p, pipes.WriteBatch{Inserts: f}); err != nil {
		t.Fatal(err)
	}

	data, err := inst.PipeData(ctx, p, pipes.DataQuery{
		Params: map[string]any{"station": "KATL"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if data.Len() != 1 || data.Value(0, "temp_f") != 75.1 {
		t.Errorf("positive filter: len=%d", data.Len())
	}

	data, err = inst.PipeData(ctx, p, pipes.DataQuery{
		Params: map[string]any{"station": "_KATL"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if data.Len() != 2 {
		t.Errorf("negated filter: len=%d", data.Len())
	}

	data, err = inst.PipeData(ctx, p, pipes.DataQuery{
		Params: map[string]any{"station": nil},
	})
	if err != nil {
		t.Fatal(err)
	}
	if data.Len() != 1 || data.Value(0, "temp_f") != 50.0 {
		t.Errorf("null filter: len=%d", data.Len())
	}

	data, err = inst.PipeData(ctx, p, pipes.DataQuery{
		Columns: []string{"station"},
		Limit:   1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if data.Len() != 1 || len(data.Columns()) != 1 {
		t.Errorf("projection: rows=%d cols=%v", data.Len(), data.Columns())
	}
}

func TestSyncTimeRoundDown(t *testing.T) {
	ctx := context.Background()
	inst := newTestConnector(t)
	p := newTestPipe(t, inst, map[string]any{
		"columns": map[string]any{"datetime": "dt"},
		"dtypes":  map[string]any{"dt": "datetime64[ns, UTC]"},
	})
	f := frame.New("dt")
	f.AppendRow(ts(t, "2024-05-01T00:00:42Z"))
	if _, err := inst.SyncPipe(ctx, p, pipes.WriteBatch{Inserts: f}); err != nil {
		t.Fatal(err)
	}
	got, err := inst.SyncTime(ctx, p, pipes.SyncTimeQuery{Newest: true, RoundDown: true})
	if err != nil {
		t.Fatal(err)
	}
	if st, ok := got.(time.Time); !ok || !st.Equal(ts(t, "2024-05-01T00:00:00Z")) {
		t.Errorf("rounded = %v", got)
	}
}

func TestValueDtypeRoundTrip(t *testing.T) {
	ctx := context.Background()
	inst := newTestConnector(t)
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
	// Values pass through dtype enforcement before write.
	types, err := p.DeclaredTypes()
	if err != nil {
		t.Fatal(err)
	}
	if err := f.EnforceTypes(types); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.SyncPipe(ctx, p, pipes.WriteBatch{Inserts: f}); err != nil {
		t.Fatal(err)
	}

	data, err := inst.PipeData(ctx, p, pipes.DataQuery{})
	if err != nil {
		t.Fatal(err)
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

func TestFetchDefinition(t *testing.T) {
	ctx := context.Background()
	src := newTestConnector(t)
	if _, err := src.DB().ExecContext(ctx,
		`CREATE TABLE readings (dt TEXT, station TEXT, temp_f REAL)`); err != nil {
		t.Fatal(err)
	}
	for _, row := range [][]any{
		{"2024-05-01 00:00:00.000000000Z", "KATL", 75.1},
		{"2024-05-01 01:00:00.000000000Z", "KATL", 74.3},
		{"2024-05-01 02:00:00.000000000Z", "KNYC", 64.0},
	} {
		if _, err := src.DB().ExecContext(ctx,
			`INSERT INTO readings VALUES (?, ?, ?)`, row...); err != nil {
			t.Fatal(err)
		}
	}

	p, err := pipes.New("sql:"+src.Keys().Label, "weather", "",
		pipes.WithSource(src),
		pipes.WithParameters(map[string]any{
			"columns": map[string]any{"datetime": "dt"},
			"dtypes":  map[string]any{"dt": "datetime64[ns, UTC]", "temp_f": "float"},
			"fetch":   map[string]any{"definition": "SELECT * FROM readings"},
		}))
	if err != nil {
		t.Fatal(err)
	}

	batches, err := src.Fetch(ctx, p, pipes.FetchQuery{
		Begin: ts(t, "2024-05-01T01:00:00Z"),
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer batches.Close()

	total := 0
	for {
		f, err := batches.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		total += f.Len()
		if v, ok := f.Value(0, "dt").(time.Time); !ok || v.Before(ts(t, "2024-05-01T01:00:00Z")) {
			t.Errorf("bound not applied: %v", f.Value(0, "dt"))
		}
	}
	if total != 2 {
		t.Errorf("fetched rows = %d", total)
	}
}

func TestFetchWithoutDefinition(t *testing.T) {
	src := newTestConnector(t)
	p, _ := pipes.New("sql:x", "weather", "", pipes.WithParameters(map[string]any{}))
	if _, err := src.Fetch(context.Background(), p, pipes.FetchQuery{}); err == nil {
		t.Error("missing definition should fail")
	}
}
