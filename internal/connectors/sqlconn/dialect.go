package sqlconn

import (
	"fmt"
	"strings"
	"time"

	"github.com/mrsm-io/mrsm/internal/dtypes"
)

// Supported flavors. Aliases map to the dialect of the engine they speak.
const (
	FlavorSQLite    = "sqlite"
	FlavorPostgres  = "postgresql"
	FlavorTimescale = "timescaledb"
	FlavorCitus     = "citus"
	FlavorMySQL     = "mysql"
	FlavorMariaDB   = "mariadb"
	FlavorDolt      = "dolt"
)

// dialect captures the per-flavor SQL differences: quoting, placeholders,
// identifier limits, and physical column types.
type dialect struct {
	flavor string

	// quoteRune wraps identifiers: " for sqlite/postgres, ` for mysql.
	quoteRune rune

	// numberedParams selects $1, $2, ... over ?.
	numberedParams bool

	// maxIdent bounds identifier length; 0 means unbounded.
	maxIdent int

	// paramLimit bounds bind parameters per statement.
	paramLimit int

	// onConflict selects INSERT ... ON CONFLICT over ON DUPLICATE KEY.
	onConflict bool

	// prefixIndexLen is the index prefix length required for TEXT columns,
	// 0 when the engine indexes TEXT directly.
	prefixIndexLen int

	// timeMin and timeMax bound the engine's DATETIME range; zero values
	// mean the engine stores any instant the core can represent.
	timeMin time.Time
	timeMax time.Time
}

func dialectFor(flavor string) (dialect, error) {
	switch flavor {
	case FlavorSQLite, "":
		return dialect{
			flavor:         FlavorSQLite,
			quoteRune:      '"',
			numberedParams: false,
			maxIdent:       255,
			paramLimit:     32000,
			onConflict:     true,
		}, nil
	case FlavorPostgres, FlavorTimescale, FlavorCitus:
		return dialect{
			flavor:         flavor,
			quoteRune:      '"',
			numberedParams: true,
			maxIdent:       63,
			paramLimit:     32000,
			onConflict:     true,
		}, nil
	case FlavorMySQL, FlavorMariaDB, FlavorDolt:
		return dialect{
			flavor:         flavor,
			quoteRune:      '`',
			numberedParams: false,
			maxIdent:       64,
			paramLimit:     32000,
			onConflict:     false,
			prefixIndexLen: 191,
			timeMin:        time.Date(1000, 1, 1, 0, 0, 0, 0, time.UTC),
			timeMax:        time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC),
		}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported flavor %q", flavor)
	}
}

// postgresLike reports whether the flavor speaks the postgres dialect.
func (d dialect) postgresLike() bool {
	switch d.flavor {
	case FlavorPostgres, FlavorTimescale, FlavorCitus:
		return true
	}
	return false
}

// mysqlLike reports whether the flavor speaks the mysql dialect.
func (d dialect) mysqlLike() bool {
	switch d.flavor {
	case FlavorMySQL, FlavorMariaDB, FlavorDolt:
		return true
	}
	return false
}

// quote escapes and wraps one identifier.
func (d dialect) quote(ident string) string {
	q := string(d.quoteRune)
	return q + strings.ReplaceAll(ident, q, q+q) + q
}

// placeholder renders the bind marker for the 1-based position n.
func (d dialect) placeholder(n int) string {
	if d.numberedParams {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// placeholders renders count markers starting at 1-based position start.
func (d dialect) placeholders(start, count int) string {
	parts := make([]string, count)
	for i := 0; i < count; i++ {
		parts[i] = d.placeholder(start + i)
	}
	return strings.Join(parts, ", ")
}

// columnType maps a logical dtype to the flavor's physical column type.
func (d dialect) columnType(t dtypes.Type) string {
	switch {
	case d.postgresLike():
		return d.postgresType(t)
	case d.mysqlLike():
		return d.mysqlType(t)
	default:
		return d.sqliteType(t)
	}
}

func (d dialect) postgresType(t dtypes.Type) string {
	switch t.Base {
	case dtypes.Int:
		return "BIGINT"
	case dtypes.Float:
		return "DOUBLE PRECISION"
	case dtypes.Bool:
		return "BOOLEAN"
	case dtypes.Bytes:
		return "BYTEA"
	case dtypes.UUID:
		return "UUID"
	case dtypes.Numeric:
		if t.Precision > 0 {
			return fmt.Sprintf("NUMERIC(%d,%d)", t.Precision, t.Scale)
		}
		return "NUMERIC"
	case dtypes.JSON:
		return "JSONB"
	case dtypes.Datetime:
		if t.TZ == dtypes.TZNone {
			return "TIMESTAMP"
		}
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func (d dialect) mysqlType(t dtypes.Type) string {
	switch t.Base {
	case dtypes.Int:
		return "BIGINT"
	case dtypes.Float:
		return "DOUBLE PRECISION"
	case dtypes.Bool:
		return "TINYINT(1)"
	case dtypes.Bytes:
		return "BLOB"
	case dtypes.UUID:
		return "VARCHAR(36)"
	case dtypes.Numeric:
		if t.Precision > 0 {
			return fmt.Sprintf("DECIMAL(%d,%d)", t.Precision, t.Scale)
		}
		return "DECIMAL(38,19)"
	case dtypes.JSON:
		return "JSON"
	case dtypes.Datetime:
		// No tz-aware type; aware values are stored in UTC.
		return "DATETIME(6)"
	default:
		return "TEXT"
	}
}

func (d dialect) sqliteType(t dtypes.Type) string {
	switch t.Base {
	case dtypes.Int:
		return "INTEGER"
	case dtypes.Float:
		return "REAL"
	case dtypes.Bool:
		return "BOOLEAN"
	case dtypes.Bytes:
		return "BLOB"
	case dtypes.Numeric:
		// Stored as text to keep exact digits.
		return "TEXT"
	case dtypes.Datetime:
		return "TEXT"
	default:
		return "TEXT"
	}
}

// logicalType maps a physical column type back to the closest logical
// dtype, for targets created outside the engine.
func (d dialect) logicalType(physical string) dtypes.Type {
	p := strings.ToUpper(strings.TrimSpace(physical))
	base := p
	if i := strings.IndexByte(base, '('); i > 0 {
		base = strings.TrimSpace(base[:i])
	}
	switch base {
	case "BIGINT", "INTEGER", "INT", "SMALLINT", "MEDIUMINT", "INT8", "INT4":
		if p == "TINYINT(1)" {
			return dtypes.Of(dtypes.Bool)
		}
		return dtypes.Of(dtypes.Int)
	case "TINYINT":
		if p == "TINYINT(1)" {
			return dtypes.Of(dtypes.Bool)
		}
		return dtypes.Of(dtypes.Int)
	case "DOUBLE PRECISION", "DOUBLE", "REAL", "FLOAT", "FLOAT8":
		return dtypes.Of(dtypes.Float)
	case "BOOLEAN", "BOOL":
		return dtypes.Of(dtypes.Bool)
	case "BYTEA", "BLOB", "VARBINARY", "LONGBLOB":
		return dtypes.Of(dtypes.Bytes)
	case "UUID":
		return dtypes.Of(dtypes.UUID)
	case "NUMERIC", "DECIMAL":
		if args := p[len(base):]; args != "" {
			if t, err := dtypes.Parse("numeric" + strings.ToLower(args)); err == nil {
				return t
			}
		}
		return dtypes.Of(dtypes.Numeric)
	case "JSONB", "JSON":
		return dtypes.Of(dtypes.JSON)
	case "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE", "DATETIME":
		return dtypes.DatetimeUTC()
	case "TIMESTAMP", "TIMESTAMP WITHOUT TIME ZONE":
		return dtypes.DatetimeNaive()
	default:
		return dtypes.Of(dtypes.Str)
	}
}

// ident truncates an identifier to the dialect's limit with a stable hash
// suffix, mirroring Pipe.TargetName.
func (d dialect) ident(name string) string {
	return truncateIdent(name, d.maxIdent)
}
