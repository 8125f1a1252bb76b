package sqlconn

import (
	"strings"
	"testing"
	"time"

	"github.com/mrsm-io/mrsm/internal/dtypes"
	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

func TestDialectPlaceholders(t *testing.T) {
	pg, _ := dialectFor(FlavorPostgres)
	if got := pg.placeholders(3, 2); got != "$3, $4" {
		t.Errorf("postgres placeholders = %q", got)
	}
	lite, _ := dialectFor(FlavorSQLite)
	if got := lite.placeholders(1, 3); got != "?, ?, ?" {
		t.Errorf("sqlite placeholders = %q", got)
	}
}

func TestDialectQuote(t *testing.T) {
	pg, _ := dialectFor(FlavorPostgres)
	if got := pg.quote(`we"ird`); got != `"we""ird"` {
		t.Errorf("postgres quote = %q", got)
	}
	my, _ := dialectFor(FlavorMySQL)
	if got := my.quote("dt"); got != "`dt`" {
		t.Errorf("mysql quote = %q", got)
	}
}

func TestDialectUnknownFlavor(t *testing.T) {
	if _, err := dialectFor("oracle"); err == nil {
		t.Error("unknown flavor should fail")
	}
}

func TestColumnTypes(t *testing.T) {
	pg, _ := dialectFor(FlavorPostgres)
	my, _ := dialectFor(FlavorMySQL)
	lite, _ := dialectFor(FlavorSQLite)
	tests := []struct {
		dtype string
		pg    string
		my    string
		lite  string
	}{
		{"int", "BIGINT", "BIGINT", "INTEGER"},
		{"float", "DOUBLE PRECISION", "DOUBLE PRECISION", "REAL"},
		{"bool", "BOOLEAN", "TINYINT(1)", "BOOLEAN"},
		{"str", "TEXT", "TEXT", "TEXT"},
		{"bytes", "BYTEA", "BLOB", "BLOB"},
		{"uuid", "UUID", "VARCHAR(36)", "TEXT"},
		{"numeric", "NUMERIC", "DECIMAL(38,19)", "TEXT"},
		{"numeric(10,2)", "NUMERIC(10,2)", "DECIMAL(10,2)", "TEXT"},
		{"json", "JSONB", "JSON", "TEXT"},
		{"datetime64[ns, UTC]", "TIMESTAMPTZ", "DATETIME(6)", "TEXT"},
		{"datetime64[ns]", "TIMESTAMP", "DATETIME(6)", "TEXT"},
	}
	for _, tt := range tests {
		dt := dtypes.MustParse(tt.dtype)
		if got := pg.columnType(dt); got != tt.pg {
			t.Errorf("postgres %s = %q, want %q", tt.dtype, got, tt.pg)
		}
		if got := my.columnType(dt); got != tt.my {
			t.Errorf("mysql %s = %q, want %q", tt.dtype, got, tt.my)
		}
		if got := lite.columnType(dt); got != tt.lite {
			t.Errorf("sqlite %s = %q, want %q", tt.dtype, got, tt.lite)
		}
	}
}

func TestLogicalTypeReadback(t *testing.T) {
	pg, _ := dialectFor(FlavorPostgres)
	tests := []struct {
		physical string
		want     string
	}{
		{"BIGINT", "int"},
		{"double precision", "float"},
		{"BOOLEAN", "bool"},
		{"TINYINT(1)", "bool"},
		{"BYTEA", "bytes"},
		{"UUID", "uuid"},
		{"NUMERIC(10,2)", "numeric(10,2)"},
		{"JSONB", "json"},
		{"timestamptz", "datetime64[ns, UTC]"},
		{"TIMESTAMP", "datetime64[ns]"},
		{"VARCHAR(80)", "str"},
	}
	for _, tt := range tests {
		if got := pg.logicalType(tt.physical).String(); got != tt.want {
			t.Errorf("logicalType(%q) = %q, want %q", tt.physical, got, tt.want)
		}
	}
}

func TestTruncateIdent(t *testing.T) {
	if got := truncateIdent("short", 63); got != "short" {
		t.Errorf("short name changed: %q", got)
	}
	long := strings.Repeat("x", 100)
	a := truncateIdent(long+"1", 63)
	b := truncateIdent(long+"2", 63)
	if len(a) != 63 || len(b) != 63 {
		t.Fatalf("lengths = %d, %d", len(a), len(b))
	}
	if a == b {
		t.Error("distinct names collapsed")
	}
	if a != truncateIdent(long+"1", 63) {
		t.Error("truncation not stable")
	}
}

func TestFlavorFromURI(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"postgresql://u:p@h:5432/db", FlavorPostgres},
		{"postgres://u:p@h/db", FlavorPostgres},
		{"mysql://u:p@h:3306/db", FlavorMySQL},
		{"sqlite:///tmp/a.db", FlavorSQLite},
		{"plain-path", ""},
	}
	for _, tt := range tests {
		if got := flavorFromURI(tt.uri); got != tt.want {
			t.Errorf("flavorFromURI(%q) = %q, want %q", tt.uri, got, tt.want)
		}
	}
}

func TestUpsertSuffix(t *testing.T) {
	pg := &Connector{}
	pg.d, _ = dialectFor(FlavorPostgres)
	got := pg.upsertSuffix([]string{"dt", "id"}, []string{"val"})
	want := ` ON CONFLICT ("dt", "id") DO UPDATE SET "val" = EXCLUDED."val"`
	if got != want {
		t.Errorf("postgres suffix = %q", got)
	}
	my := &Connector{}
	my.d, _ = dialectFor(FlavorMySQL)
	got = my.upsertSuffix([]string{"dt"}, []string{"val"})
	want = " ON DUPLICATE KEY UPDATE `val` = VALUES(`val`)"
	if got != want {
		t.Errorf("mysql suffix = %q", got)
	}
	got = pg.upsertSuffix([]string{"dt"}, nil)
	if !strings.Contains(got, "DO NOTHING") {
		t.Errorf("key-only postgres suffix = %q", got)
	}
}

func TestBoundTimes(t *testing.T) {
	my := &Connector{}
	my.d, _ = dialectFor(FlavorMySQL)
	types := map[string]dtypes.Type{"dt": dtypes.DatetimeUTC()}
	far := time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)

	newBatch := func() pipes.WriteBatch {
		f := frame.New("dt", "v")
		f.AppendRow(far, int64(1))
		return pipes.WriteBatch{Inserts: f, Updates: frame.New("dt", "v")}
	}

	if _, err := my.boundTimes(newBatch(), types, true); meta.KindOf(err) != meta.KindSchema {
		t.Fatalf("enforced out-of-range datetime: err = %v", err)
	}

	batch := newBatch()
	warnings, err := my.boundTimes(batch, types, false)
	if err != nil {
		t.Fatalf("unenforced boundTimes: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want one clamp notice", warnings)
	}
	got, ok := batch.Inserts.Value(0, "dt").(time.Time)
	if !ok || !got.Equal(my.d.timeMax) {
		t.Errorf("clamped value = %v, want %v", batch.Inserts.Value(0, "dt"), my.d.timeMax)
	}

	lite := &Connector{}
	lite.d, _ = dialectFor(FlavorSQLite)
	warnings, err = lite.boundTimes(newBatch(), types, true)
	if err != nil || warnings != nil {
		t.Errorf("sqlite stores any instant, got warnings=%v err=%v", warnings, err)
	}
}
