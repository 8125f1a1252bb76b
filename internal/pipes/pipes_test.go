package pipes

import (
	"context"
	"strings"
	"testing"

	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/keys"
	"github.com/mrsm-io/mrsm/internal/meta"
)

// stubInstance carries just enough state to exercise the parameter cache
// and lifecycle wrappers.
type stubInstance struct {
	attrs     map[string]map[string]any
	edits     int
	registers int
}

func newStubInstance() *stubInstance {
	return &stubInstance{attrs: map[string]map[string]any{}}
}

func (s *stubInstance) key(p *Pipe) string { return p.String() }

func (s *stubInstance) Keys() keys.Key               { return keys.MustParse("sql:stub") }
func (s *stubInstance) Attributes() map[string]any   { return nil }
func (s *stubInstance) Ping(_ context.Context) error { return nil }
func (s *stubInstance) Close() error                 { return nil }

func (s *stubInstance) RegisterPipe(_ context.Context, p *Pipe) error {
	if _, ok := s.attrs[s.key(p)]; ok {
		return meta.ErrAlreadyRegistered
	}
	s.registers++
	s.attrs[s.key(p)] = p.Params().Raw()
	return nil
}

func (s *stubInstance) EditPipe(_ context.Context, p *Pipe, _ bool) error {
	s.edits++
	s.attrs[s.key(p)] = p.Params().Raw()
	return nil
}

func (s *stubInstance) DeletePipe(_ context.Context, p *Pipe) error {
	delete(s.attrs, s.key(p))
	return nil
}

func (s *stubInstance) PipeID(_ context.Context, p *Pipe) (int64, error) {
	if _, ok := s.attrs[s.key(p)]; !ok {
		return 0, meta.ErrNotRegistered
	}
	return 1, nil
}

func (s *stubInstance) PipeAttributes(_ context.Context, p *Pipe) (map[string]any, error) {
	attrs, ok := s.attrs[s.key(p)]
	if !ok {
		return nil, meta.ErrNotRegistered
	}
	return attrs, nil
}

func (s *stubInstance) PipeKeys(_ context.Context, _ KeysFilter) ([]KeyTuple, error) {
	return nil, nil
}
func (s *stubInstance) PipeExists(_ context.Context, _ *Pipe) (bool, error) { return false, nil }
func (s *stubInstance) SyncTime(_ context.Context, _ *Pipe, _ SyncTimeQuery) (any, error) {
	return nil, nil
}
func (s *stubInstance) PipeData(_ context.Context, _ *Pipe, _ DataQuery) (*frame.Frame, error) {
	return frame.New(), nil
}
func (s *stubInstance) PipeRowCount(_ context.Context, _ *Pipe, _ DataQuery) (int64, error) {
	return 0, nil
}
func (s *stubInstance) PipeColumnsTypes(_ context.Context, _ *Pipe) (map[string]string, error) {
	return nil, nil
}
func (s *stubInstance) PipeColumnsIndices(_ context.Context, _ *Pipe) (map[string][]string, error) {
	return nil, nil
}
func (s *stubInstance) SyncPipe(_ context.Context, _ *Pipe, _ WriteBatch) (meta.SyncStats, error) {
	return meta.SyncStats{}, nil
}
func (s *stubInstance) ClearPipe(_ context.Context, _ *Pipe, _ DataQuery) (int64, error) {
	return 0, nil
}
func (s *stubInstance) DropPipe(_ context.Context, _ *Pipe) error { return nil }
func (s *stubInstance) DropPipeIndices(_ context.Context, _ *Pipe, _ []string) error {
	return nil
}
func (s *stubInstance) CreatePipeIndices(_ context.Context, _ *Pipe, _ []string) error {
	return nil
}

func TestNewNormalisesLocation(t *testing.T) {
	for _, loc := range []string{"", "None", "none", "null", " NULL "} {
		p, err := New("sql:src", "weather", loc)
		if err != nil {
			t.Fatalf("New(%q): %v", loc, err)
		}
		if p.LocationKey() != "" {
			t.Errorf("location %q should normalise to absent, got %q", loc, p.LocationKey())
		}
	}
	p, err := New("sql:src", "weather", "atl")
	if err != nil {
		t.Fatal(err)
	}
	if p.LocationKey() != "atl" {
		t.Errorf("got %q", p.LocationKey())
	}
}

func TestNewRejectsReservedPrefix(t *testing.T) {
	if _, err := New("sql:src", "_metric", ""); err == nil {
		t.Error("negation prefix in metric should fail")
	}
	if _, err := New("sql:src", "weather", "_loc"); err == nil {
		t.Error("negation prefix in location should fail")
	}
	if _, err := New("", "weather", ""); err == nil {
		t.Error("empty connector keys should fail")
	}
}

func TestString(t *testing.T) {
	p, _ := New("sql:src", "weather", "atl")
	if got := p.String(); got != "Pipe(sql:src, weather, atl)" {
		t.Errorf("got %q", got)
	}
	p, _ = New("sql:src", "weather", "")
	if got := p.String(); got != "Pipe(sql:src, weather)" {
		t.Errorf("got %q", got)
	}
}

func TestTargetNameDerivation(t *testing.T) {
	p, _ := New("sql:src", "weather", "atl")
	if got := p.TargetName(0); got != "sql_src_weather_atl" {
		t.Errorf("derived target = %q", got)
	}
	p, _ = New("sql:src", "weather", "")
	if got := p.TargetName(0); got != "sql_src_weather" {
		t.Errorf("derived target without location = %q", got)
	}
}

func TestTargetNameExplicitParameter(t *testing.T) {
	p, _ := New("sql:src", "weather", "", WithParameters(map[string]any{
		ParamTarget: "custom_table",
	}))
	if got := p.TargetName(64); got != "custom_table" {
		t.Errorf("got %q", got)
	}
}

func TestTargetNameTruncation(t *testing.T) {
	long := strings.Repeat("m", 100)
	a, _ := New("sql:src", long+"1", "")
	b, _ := New("sql:src", long+"2", "")
	na := a.TargetName(63)
	nb := b.TargetName(63)
	if len(na) > 63 || len(nb) > 63 {
		t.Fatalf("names exceed bound: %d, %d", len(na), len(nb))
	}
	if na == nb {
		t.Error("distinct long names must stay distinct after truncation")
	}
	if na != a.TargetName(63) {
		t.Error("truncation must be stable")
	}
}

func TestUniqueColumnsPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		want   []string
	}{
		{
			name: "explicit primary index wins",
			params: map[string]any{
				ParamColumns: map[string]any{"datetime": "dt", "id": "id"},
				ParamIndices: map[string]any{"primary": []any{"pk_a", "pk_b"}},
			},
			want: []string{"pk_a", "pk_b"},
		},
		{
			name: "datetime and id union",
			params: map[string]any{
				ParamColumns: map[string]any{"datetime": "dt", "id": "station"},
			},
			want: []string{"dt", "station"},
		},
		{
			name: "primary role joins the union",
			params: map[string]any{
				ParamColumns: map[string]any{"datetime": "dt", "primary": "pk"},
			},
			want: []string{"dt", "pk"},
		},
		{
			name:   "no constraint",
			params: map[string]any{},
			want:   nil,
		},
		{
			name: "duplicate role columns deduplicate",
			params: map[string]any{
				ParamColumns: map[string]any{"datetime": "dt", "id": "dt"},
			},
			want: []string{"dt"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewParams(tt.params).UniqueColumns()
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestParamsDefaults(t *testing.T) {
	p := NewParams(nil)
	if p.Static() || p.Upsert() {
		t.Error("static and upsert default false")
	}
	if !p.Enforce() || !p.NullIndices() {
		t.Error("enforce and null_indices default true")
	}
	p = NewParams(map[string]any{
		ParamEnforce:     false,
		ParamNullIndices: false,
		ParamUpsert:      true,
	})
	if p.Enforce() || p.NullIndices() || !p.Upsert() {
		t.Error("explicit values should win")
	}
}

func TestParamsIndicesAlias(t *testing.T) {
	p := NewParams(map[string]any{
		ParamIndicesAlt: map[string]any{"by_station": "station"},
		ParamIndices:    map[string]any{"primary": []any{"dt", "station"}},
	})
	idx := p.Indices()
	if len(idx["by_station"]) != 1 || idx["by_station"][0] != "station" {
		t.Errorf("indexes alias lost: %v", idx)
	}
	if len(idx["primary"]) != 2 {
		t.Errorf("indices merge lost: %v", idx)
	}
}

func TestAttributesReadThrough(t *testing.T) {
	inst := newStubInstance()
	seed, _ := New("sql:src", "weather", "", WithInstance(inst), WithParameters(map[string]any{
		ParamColumns: map[string]any{"datetime": "dt"},
	}))
	if st := seed.Register(context.Background()); !st.Success {
		t.Fatalf("register: %s", st.Message)
	}

	fresh, _ := New("sql:src", "weather", "", WithInstance(inst))
	params, err := fresh.Attributes(context.Background())
	if err != nil {
		t.Fatalf("Attributes: %v", err)
	}
	if params.Column(RoleDatetime) != "dt" {
		t.Errorf("read-through lost columns: %v", params.Raw())
	}
}

func TestUpdateParametersWritesThrough(t *testing.T) {
	inst := newStubInstance()
	p, _ := New("sql:src", "weather", "", WithInstance(inst), WithParameters(map[string]any{}))
	if st := p.Register(context.Background()); !st.Success {
		t.Fatalf("register: %s", st.Message)
	}
	err := p.UpdateParameters(context.Background(), map[string]any{
		ParamDTypes: map[string]any{"a": "json"},
	})
	if err != nil {
		t.Fatalf("UpdateParameters: %v", err)
	}
	if inst.edits != 1 {
		t.Errorf("edit calls = %d", inst.edits)
	}
	stored := inst.attrs[p.String()]
	dt := stored[ParamDTypes].(map[string]any)
	if dt["a"] != "json" {
		t.Errorf("stored params: %v", stored)
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	inst := newStubInstance()
	p, _ := New("sql:src", "weather", "", WithInstance(inst), WithParameters(map[string]any{}))
	if st := p.Register(context.Background()); !st.Success {
		t.Fatalf("first register: %s", st.Message)
	}
	q, _ := New("sql:src", "weather", "", WithInstance(inst), WithParameters(map[string]any{}))
	if st := q.Register(context.Background()); st.Success {
		t.Error("duplicate register should fail")
	}
}

type registrarFetcher struct {
	Fetcher
	params map[string]any
}

func (r *registrarFetcher) Keys() keys.Key               { return keys.MustParse("plugin:noaa") }
func (r *registrarFetcher) Attributes() map[string]any   { return nil }
func (r *registrarFetcher) Ping(_ context.Context) error { return nil }
func (r *registrarFetcher) Close() error                 { return nil }
func (r *registrarFetcher) RegisterParams(_ context.Context, _ *Pipe) (map[string]any, error) {
	return r.params, nil
}

func TestRegisterMergesContributedParams(t *testing.T) {
	inst := newStubInstance()
	src := &registrarFetcher{params: map[string]any{
		ParamColumns: map[string]any{"datetime": "ts"},
		ParamTags:    []any{"contributed"},
	}}
	p, _ := New("plugin:noaa", "weather", "",
		WithInstance(inst),
		WithSource(src),
		WithParameters(map[string]any{
			ParamColumns: map[string]any{"datetime": "dt"},
		}))
	if st := p.Register(context.Background()); !st.Success {
		t.Fatalf("register: %s", st.Message)
	}
	params := p.Params()
	if params.Column(RoleDatetime) != "dt" {
		t.Error("declared parameters must win over contributed ones")
	}
	if len(params.Tags()) != 1 {
		t.Error("contributed tags should fill gaps")
	}
}

func TestKeysFilter(t *testing.T) {
	tuples := []KeyTuple{
		{ConnectorKeys: "sql:src", MetricKey: "weather", LocationKey: "atl"},
		{ConnectorKeys: "sql:src", MetricKey: "power", LocationKey: ""},
		{ConnectorKeys: "plugin:noaa", MetricKey: "weather", LocationKey: "nyc"},
	}
	count := func(f KeysFilter) int {
		n := 0
		for _, tu := range tuples {
			if f.Matches(tu) {
				n++
			}
		}
		return n
	}

	if got := count(KeysFilter{}); got != 3 {
		t.Errorf("empty filter: %d", got)
	}
	if got := count(KeysFilter{ConnectorKeys: []string{"sql:src"}}); got != 2 {
		t.Errorf("connector filter: %d", got)
	}
	if got := count(KeysFilter{MetricKeys: []string{"weather"}}); got != 2 {
		t.Errorf("metric filter: %d", got)
	}
	if got := count(KeysFilter{MetricKeys: []string{"_weather"}}); got != 1 {
		t.Errorf("negated metric: %d", got)
	}
	if got := count(KeysFilter{LocationKeys: []string{"None"}}); got != 1 {
		t.Errorf("null location: %d", got)
	}
	if got := count(KeysFilter{
		ConnectorKeys: []string{"sql:src"},
		MetricKeys:    []string{"weather", "power"},
		LocationKeys:  []string{"_atl"},
	}); got != 1 {
		t.Errorf("combined: %d", got)
	}
}

func TestMatchesTags(t *testing.T) {
	f := KeysFilter{Tags: []string{"prod", "_broken"}}
	if !f.MatchesTags([]string{"prod", "etl"}) {
		t.Error("positive tag present should match")
	}
	if f.MatchesTags([]string{"prod", "broken"}) {
		t.Error("negated tag present should exclude")
	}
	if f.MatchesTags([]string{"etl"}) {
		t.Error("no positive tag should exclude")
	}
	onlyNeg := KeysFilter{Tags: []string{"_broken"}}
	if !onlyNeg.MatchesTags([]string{"etl"}) {
		t.Error("only negations: untagged pipes pass")
	}
}
