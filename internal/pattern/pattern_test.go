package pattern

import (
	"testing"

	"github.com/dkess/unified-ingestor/internal/config"
	"github.com/dkess/unified-ingestor/internal/payload"
)

func keysPattern(name string, keys ...string) config.PatternConfig {
	return config.PatternConfig{
		Name:  name,
		Match: config.MatchConfig{Keys: keys},
	}
}

func TestMatch(t *testing.T) {
	m := NewMatcher([]config.PatternConfig{
		keysPattern("broad", "DeviceID"),
		keysPattern("energy", "DeviceID", "P0", "P1"),
		{Name: "enveloped", Match: config.MatchConfig{Schema: "nested_d"}},
	})

	t.Run("exact_match_beats_larger_subset", func(t *testing.T) {
		data := payload.Decode([]byte(`{"DeviceID":"1"}`))
		if p := m.Match(data); p == nil || p.Name != "broad" {
			t.Errorf("match = %v, want broad", p)
		}
	})

	t.Run("most_specific_subset_wins", func(t *testing.T) {
		data := payload.Decode([]byte(`{"DeviceID":"1","P0":"10","P1":"2","Extra":"x"}`))
		if p := m.Match(data); p == nil || p.Name != "energy" {
			t.Errorf("match = %v, want energy", p)
		}
	})

	t.Run("nested_d_keys", func(t *testing.T) {
		data := payload.Decode([]byte(`{"d":{"DeviceID":["7"],"P0":[1],"P1":[2],"X":[3]},"ts":"t"}`))
		if p := m.Match(data); p == nil || p.Name != "energy" {
			t.Errorf("match = %v, want energy", p)
		}
	})

	t.Run("schema_marker_fallback", func(t *testing.T) {
		data := payload.Decode([]byte(`{"d":{"Q9":[1]},"ts":"t"}`))
		if p := m.Match(data); p == nil || p.Name != "enveloped" {
			t.Errorf("match = %v, want enveloped", p)
		}
	})

	t.Run("no_match", func(t *testing.T) {
		if p := m.Match(payload.Decode([]byte(`{"Other":"1"}`))); p != nil {
			t.Errorf("match = %v, want nil", p)
		}
		if p := m.Match("raw string"); p != nil {
			t.Errorf("match on non-map = %v, want nil", p)
		}
	})

	t.Run("tie_keeps_config_order", func(t *testing.T) {
		tied := NewMatcher([]config.PatternConfig{
			keysPattern("first", "A", "B"),
			keysPattern("second", "B", "C"),
		})
		data := payload.Decode([]byte(`{"A":1,"B":2,"C":3,"D":4}`))
		if p := tied.Match(data); p == nil || p.Name != "first" {
			t.Errorf("match = %v, want first", p)
		}
	})
}

func TestToRow(t *testing.T) {
	t.Run("flat_payload", func(t *testing.T) {
		row := ToRow("Energy1", payload.Decode([]byte(`{"DeviceID":"103","P0":10}`)))
		if row["topic"] != "Energy1" {
			t.Errorf("topic = %v", row["topic"])
		}
		if payload.ScalarString(row["P0"]) != "10" {
			t.Errorf("P0 = %v", row["P0"])
		}
	})

	t.Run("nested_d_takes_first_element", func(t *testing.T) {
		row := ToRow("s", payload.Decode([]byte(`{"d":{"DeviceID":["42"],"P0":[5,6]},"ts":"2026-01-01"}`)))
		if payload.ScalarString(row["DeviceID"]) != "42" {
			t.Errorf("DeviceID = %v", row["DeviceID"])
		}
		if payload.ScalarString(row["P0"]) != "5" {
			t.Errorf("P0 = %v", row["P0"])
		}
		if row["ts"] != "2026-01-01" {
			t.Errorf("ts = %v", row["ts"])
		}
		if _, ok := row["d"]; ok {
			t.Error("d should be flattened away")
		}
	})

	t.Run("non_map_payload", func(t *testing.T) {
		row := ToRow("s", "23.5")
		if row["payload"] != "23.5" {
			t.Errorf("payload = %v", row["payload"])
		}
	})
}

func TestColumnsFromDecodedPayload(t *testing.T) {
	cols := ColumnsFromRow(ToRow("Energy1", payload.Decode([]byte(
		`{"DeviceID":"103","Count":7,"Temp":21.5,"OK":true,"Meta":{"a":1}}`))))

	want := map[string]string{
		"topic":    "string",
		"DeviceID": "string",
		"Count":    "int",
		"Temp":     "float",
		"OK":       "boolean",
		"Meta":     "json",
	}
	for k, typ := range want {
		if cols[k] != typ {
			t.Errorf("cols[%s] = %q, want %q", k, cols[k], typ)
		}
	}
	if len(cols) != len(want) {
		t.Errorf("cols = %v", cols)
	}
}

func TestColumnsFromRowAfterTransform(t *testing.T) {
	// combine_decimal turns two json.Numbers into a float64; the recomputed
	// schema must pick that up.
	row := map[string]any{"topic": "Energy1", "P0": 12345.81723, "ts": "x"}
	cols := ColumnsFromRow(row)
	if cols["P0"] != "float" {
		t.Errorf("P0 = %q, want float", cols["P0"])
	}
	if cols["ts"] != "string" {
		t.Errorf("ts = %q, want string", cols["ts"])
	}
}
