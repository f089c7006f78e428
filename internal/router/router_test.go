package router

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dkess/unified-ingestor/internal/config"
	"github.com/dkess/unified-ingestor/internal/derive"
	"github.com/dkess/unified-ingestor/internal/payload"
	"github.com/dkess/unified-ingestor/internal/schema"
	"github.com/dkess/unified-ingestor/internal/transform"
)

type insertCall struct {
	table string
	row   map[string]any
}

type fakeTables struct {
	resolved []schema.TableOptions
	ensured  map[string]map[string]string
}

func newFakeTables() *fakeTables {
	return &fakeTables{ensured: make(map[string]map[string]string)}
}

func (f *fakeTables) Table(_ context.Context, opts schema.TableOptions, topic string, columns map[string]string) string {
	f.resolved = append(f.resolved, opts)
	if opts.Name != "" {
		return schema.FormatTemplate(opts.Name, topic)
	}
	name := fmt.Sprintf("%s_auto_%d", schema.SafeTopic(topic), schema.DataColumnCount(columns))
	f.ensured[name] = columns
	return name
}

func (f *fakeTables) Ensure(_ context.Context, table string, columns map[string]string) (string, error) {
	f.ensured[table] = columns
	return table, nil
}

func (f *fakeTables) EnsureColumns(_ context.Context, table string, columns map[string]string) error {
	f.ensured[table] = columns
	return nil
}

type fakeRows struct {
	inserts []insertCall
}

func (f *fakeRows) InsertRow(_ context.Context, table string, row map[string]any) error {
	f.inserts = append(f.inserts, insertCall{table: table, row: row})
	return nil
}

type registration struct {
	topic, deviceID, table, pattern string
}

type fakeRegistry struct {
	registered []registration
}

func (f *fakeRegistry) Register(_ context.Context, topic, deviceID, table, patternName, _ string) error {
	f.registered = append(f.registered, registration{topic, deviceID, table, patternName})
	return nil
}

type fixture struct {
	router   *Router
	tables   *fakeTables
	rows     *fakeRows
	registry *fakeRegistry
}

func newFixture(t *testing.T, snap *config.Snapshot) *fixture {
	t.Helper()
	f := &fixture{
		tables:   newFakeTables(),
		rows:     &fakeRows{},
		registry: &fakeRegistry{},
	}
	f.router = New(snap, f.tables, f.rows, f.registry, derive.NewEngine(), zerolog.Nop())
	return f
}

func decode(t *testing.T, raw string) any {
	t.Helper()
	return payload.Decode([]byte(raw))
}

func TestRouteAutoMode(t *testing.T) {
	snap := &config.Snapshot{}
	f := newFixture(t, snap)
	ctx := context.Background()

	// No device id: plain raw insert into the generated auto table.
	res, err := f.router.Route(ctx, "Sensors/1", decode(t, `{"Temp":21.5,"Hum":60}`), nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.Pattern != "auto" {
		t.Errorf("pattern = %q", res.Pattern)
	}
	if res.Table != "sensors_1_auto_2" {
		t.Errorf("table = %q", res.Table)
	}
	if len(f.rows.inserts) != 1 || f.rows.inserts[0].table != "sensors_1_auto_2" {
		t.Fatalf("inserts = %+v", f.rows.inserts)
	}
	if f.rows.inserts[0].row["topic"] != "Sensors/1" {
		t.Errorf("row = %v", f.rows.inserts[0].row)
	}
	if res.Columns["Temp"] != "float" || res.Columns["Hum"] != "int" {
		t.Errorf("columns = %v", res.Columns)
	}
	if len(f.registry.registered) != 0 {
		t.Errorf("no device should be registered, got %+v", f.registry.registered)
	}
}

func TestRouteDeviceSuppressedRaw(t *testing.T) {
	snap := &config.Snapshot{
		Patterns: []config.PatternConfig{{
			Name:    "energy",
			Match:   config.MatchConfig{Keys: []string{"DeviceID", "P0"}},
			Columns: config.ColumnsConfig{Auto: true},
		}},
	}
	f := newFixture(t, snap)
	ctx := context.Background()
	rule := &config.RuleConfig{Pattern: "103"}

	// First sample: baseline, nothing inserted, device registered.
	res, err := f.router.Route(ctx, "Energy1", decode(t, `{"DeviceID":"103","P0":100}`), rule)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !res.Baseline {
		t.Error("first sample should be baseline")
	}
	if len(f.rows.inserts) != 0 {
		t.Errorf("baseline inserted %+v", f.rows.inserts)
	}
	if len(f.registry.registered) != 1 || f.registry.registered[0].deviceID != "103" {
		t.Fatalf("registered = %+v", f.registry.registered)
	}
	if f.registry.registered[0].pattern != "energy" {
		t.Errorf("pattern = %q", f.registry.registered[0].pattern)
	}

	// Second sample: diff row into the _diff companion, raw still suppressed.
	res, err = f.router.Route(ctx, "Energy1", decode(t, `{"DeviceID":"103","P0":130}`), rule)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.Baseline {
		t.Error("second sample should emit")
	}
	if len(f.rows.inserts) != 1 {
		t.Fatalf("inserts = %+v", f.rows.inserts)
	}
	ins := f.rows.inserts[0]
	if ins.table != res.Table+"_diff" {
		t.Errorf("insert table = %q, want %q", ins.table, res.Table+"_diff")
	}
	if ins.row["P0"] != 30.0 {
		t.Errorf("P0 diff = %v, want 30", ins.row["P0"])
	}
}

func TestRouteStoreRaw(t *testing.T) {
	f := newFixture(t, &config.Snapshot{})
	ctx := context.Background()
	rule := &config.RuleConfig{Pattern: "7", StoreRaw: true}

	if _, err := f.router.Route(ctx, "t", decode(t, `{"DeviceID":"7","P0":1}`), rule); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(f.rows.inserts) != 1 {
		t.Fatalf("store_raw should insert the raw row, got %+v", f.rows.inserts)
	}
}

func TestRouteIntervalStream(t *testing.T) {
	f := newFixture(t, &config.Snapshot{})
	ctx := context.Background()
	rule := &config.RuleConfig{
		Pattern: "103",
		IntervalDifference: &config.IntervalConfig{
			Enabled:          true,
			FrequencyMinutes: 5,
		},
	}

	send := func(tm, p0 string) {
		raw := fmt.Sprintf(`{"DeviceID":"103","Time":"%s","P0":%s}`, tm, p0)
		if _, err := f.router.Route(ctx, "Energy1", decode(t, raw), rule); err != nil {
			t.Fatalf("Route: %v", err)
		}
	}

	send("120100", "100")
	send("120400", "110")
	send("120600", "130")
	send("120900", "150")
	f.rows.inserts = nil // drop the consecutive-diff noise
	send("121100", "170")

	var interval *insertCall
	for i := range f.rows.inserts {
		if f.rows.inserts[i].table == "energy1_auto_3_interval_diff" {
			interval = &f.rows.inserts[i]
		}
	}
	if interval == nil {
		t.Fatalf("no interval insert, got %+v", f.rows.inserts)
	}
	if interval.row["P0"] != 40.0 {
		t.Errorf("interval P0 = %v, want 40", interval.row["P0"])
	}
	if interval.row["start_P0_value"] != 110.0 || interval.row["end_P0_value"] != 150.0 {
		t.Errorf("interval row = %v", interval.row)
	}
}

func TestRoutePatternOverride(t *testing.T) {
	snap := &config.Snapshot{
		Patterns: []config.PatternConfig{
			{
				Name:    "energy",
				Match:   config.MatchConfig{Keys: []string{"DeviceID", "P0"}},
				Columns: config.ColumnsConfig{Auto: true},
				Table:   "energy_{topic}",
			},
			{
				Name:    "named",
				Columns: config.ColumnsConfig{Explicit: map[string]string{"DeviceID": "string", "P0": "float"}},
				Table:   "named_{topic}",
			},
		},
	}

	t.Run("auto_sentinel_forces_auto", func(t *testing.T) {
		f := newFixture(t, snap)
		rule := &config.RuleConfig{Pattern: "1", PatternName: "auto", StoreRaw: true}
		res, err := f.router.Route(context.Background(), "Energy1", decode(t, `{"DeviceID":"1","P0":5}`), rule)
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
		if res.Pattern != "auto" {
			t.Errorf("pattern = %q, want auto", res.Pattern)
		}
		if res.Table != "energy1_auto_2" {
			t.Errorf("table = %q, template should be bypassed", res.Table)
		}
	})

	t.Run("named_override_wins_over_match", func(t *testing.T) {
		f := newFixture(t, snap)
		rule := &config.RuleConfig{Pattern: "1", PatternName: "named"}
		res, err := f.router.Route(context.Background(), "Energy1", decode(t, `{"DeviceID":"1","P0":5}`), rule)
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
		if res.Pattern != "named" {
			t.Errorf("pattern = %q, want named", res.Pattern)
		}
		if res.Table != "named_energy1" {
			t.Errorf("table = %q", res.Table)
		}
		if res.Columns["P0"] != "float" || res.Columns["topic"] != "string" {
			t.Errorf("columns = %v", res.Columns)
		}
	})
}

func TestRouteUnattributedTemplateSkips(t *testing.T) {
	snap := &config.Snapshot{
		Patterns: []config.PatternConfig{{
			Name:    "energy",
			Match:   config.MatchConfig{Keys: []string{"P0", "P1"}},
			Columns: config.ColumnsConfig{Auto: true},
			Table:   "energy_{topic}",
		}},
	}
	f := newFixture(t, snap)

	res, err := f.router.Route(context.Background(), "Energy1", decode(t, `{"P0":1,"P1":2}`), nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !res.Skipped {
		t.Error("unattributed template row should be skipped")
	}
	if len(f.rows.inserts) != 0 {
		t.Errorf("inserts = %+v", f.rows.inserts)
	}
}

func TestTableOptions(t *testing.T) {
	no := false
	cases := []struct {
		name string
		rule *config.RuleConfig
		want schema.TableOptions
	}{
		{
			"nil_rule_defaults",
			nil,
			schema.TableOptions{DevicePattern: "*", AutoCreate: true, VersionOnConflict: true, ReuseSimilar: true},
		},
		{
			"legacy_table_override",
			&config.RuleConfig{Pattern: "9", TableOverride: "legacy_{topic}"},
			schema.TableOptions{Name: "legacy_{topic}", DevicePattern: "9", AutoCreate: true, VersionOnConflict: true, ReuseSimilar: true},
		},
		{
			"table_config_overrides",
			&config.RuleConfig{Pattern: "9", TableConfig: &config.TableConfig{Name: "fixed", AutoCreate: &no, ReuseSimilar: &no}},
			schema.TableOptions{Name: "fixed", DevicePattern: "9", AutoCreate: false, VersionOnConflict: true, ReuseSimilar: false},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tableOptions(tc.rule); got != tc.want {
				t.Errorf("tableOptions = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestRouteCombineDecimal(t *testing.T) {
	snap := &config.Snapshot{
		Patterns: []config.PatternConfig{{
			Name:    "energy",
			Match:   config.MatchConfig{Keys: []string{"DeviceID", "P0", "P1"}},
			Columns: config.ColumnsConfig{Auto: true},
			Transformations: []transform.Spec{{
				Name: "decimal",
				Action: transform.Action{
					Type:             "combine_decimal",
					IntegerField:     "P0",
					FractionalField:  "P1",
					TargetField:      "P0",
					RemoveFractional: true,
				},
			}},
		}},
	}
	f := newFixture(t, snap)
	rule := &config.RuleConfig{Pattern: "103", StoreRaw: true}

	res, err := f.router.Route(context.Background(), "Energy1",
		decode(t, `{"DeviceID":"103","P0":12345,"P1":81723}`), rule)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if res.Columns["P0"] != "float" {
		t.Errorf("P0 column = %q, want float after combine", res.Columns["P0"])
	}
	if _, ok := res.Columns["P1"]; ok {
		t.Error("P1 should be gone from the recomputed columns")
	}
	raw := f.rows.inserts[len(f.rows.inserts)-1]
	if raw.row["P0"] != 12345.81723 {
		t.Errorf("P0 = %v", raw.row["P0"])
	}
}
