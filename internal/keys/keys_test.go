package keys

import "testing"

func TestParseFormatIdentity(t *testing.T) {
	tests := []struct {
		typ   string
		label string
	}{
		{"sql", "main"},
		{"api", "cloud"},
		{"valkey", "cache-01"},
		{"plugin", "noaa"},
	}
	for _, tt := range tests {
		t.Run(tt.typ+":"+tt.label, func(t *testing.T) {
			k, err := Parse(Format(tt.typ, tt.label))
			if err != nil {
				t.Fatalf("Parse(Format): %v", err)
			}
			if k.Type != tt.typ || k.Label != tt.label {
				t.Errorf("got %v, want %s:%s", k, tt.typ, tt.label)
			}
		})
	}
}

func TestParseDefaultLabel(t *testing.T) {
	k, err := Parse("sql")
	if err != nil {
		t.Fatal(err)
	}
	if k.Label != DefaultLabel {
		t.Errorf("bare type should take the default label, got %q", k.Label)
	}
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{"", "  ", ":main", "sql:", "a:b:c", "_neg:main", "sql:_hidden"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) should fail", in)
		}
	}
}

func TestEnvVar(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sql:main", "MRSM_SQL_MAIN"},
		{"valkey:cache-01", "MRSM_VALKEY_CACHE_01"},
		{"api:Cloud", "MRSM_API_CLOUD"},
	}
	for _, tt := range tests {
		if got := MustParse(tt.in).EnvVar(); got != tt.want {
			t.Errorf("EnvVar(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFlatName(t *testing.T) {
	if got := MustParse("sql:main").FlatName(); got != "sql_main" {
		t.Errorf("got %q", got)
	}
}
