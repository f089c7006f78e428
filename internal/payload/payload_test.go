package payload

import (
	"encoding/json"
	"testing"
)

func TestDecode(t *testing.T) {
	t.Run("json_object", func(t *testing.T) {
		data := Decode([]byte(`{"DeviceID":"103","P0":10,"P1":2.5}`))
		m, ok := data.(map[string]any)
		if !ok {
			t.Fatalf("expected map, got %T", data)
		}
		if m["DeviceID"] != "103" {
			t.Errorf("DeviceID = %v", m["DeviceID"])
		}
		if _, ok := m["P0"].(json.Number); !ok {
			t.Errorf("P0 should decode as json.Number, got %T", m["P0"])
		}
	})

	t.Run("yaml_fallback", func(t *testing.T) {
		data := Decode([]byte("DeviceID: 77\nP0: 5\n"))
		m, ok := data.(map[string]any)
		if !ok {
			t.Fatalf("expected map, got %T", data)
		}
		if s := ScalarString(m["DeviceID"]); s != "77" {
			t.Errorf("DeviceID = %q, want 77", s)
		}
	})

	t.Run("raw_string_fallback", func(t *testing.T) {
		data := Decode([]byte("{not json: and not yaml"))
		if _, ok := data.(string); !ok {
			t.Fatalf("expected raw string, got %T", data)
		}
	})

	t.Run("trailing_garbage_is_not_json", func(t *testing.T) {
		// A valid JSON prefix with trailing bytes falls through; YAML reads
		// "123abc" as a plain string.
		data := Decode([]byte("123abc"))
		if data != "123abc" {
			t.Errorf("data = %v (%T), want the string 123abc", data, data)
		}
	})

	t.Run("object_with_trailing_garbage", func(t *testing.T) {
		data := Decode([]byte(`{"a":1}x`))
		if _, ok := data.(map[string]any); ok {
			t.Error("object with trailing bytes must not decode as JSON")
		}
	})
}

func TestDeviceID(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{"top_level", `{"DeviceID":"103","P0":"10"}`, "103"},
		{"top_level_number", `{"DeviceID":103}`, "103"},
		{"nested_d", `{"d":{"DeviceID":["42"],"P0":[5]},"ts":"x"}`, "42"},
		{"case_insensitive_nested", `{"d":{"deviceID":[77],"P0":[5]},"ts":"x"}`, "77"},
		{"case_insensitive_top", `{"device_id":"a1"}`, "a1"},
		{"device_key", `{"device":"m9"}`, "m9"},
		{"absent", `{"P0":"10"}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeviceID(Decode([]byte(tc.payload)))
			if got != tc.want {
				t.Errorf("DeviceID = %q, want %q", got, tc.want)
			}
		})
	}

	t.Run("non_map", func(t *testing.T) {
		if got := DeviceID("raw"); got != "" {
			t.Errorf("DeviceID on string = %q", got)
		}
	})
}

func TestNumeric(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want float64
		ok   bool
	}{
		{"float", 2.5, 2.5, true},
		{"int", 7, 7, true},
		{"json_number", json.Number("12345"), 12345, true},
		{"string_float", " 10.5 ", 10.5, true},
		{"string_int", "60", 60, true},
		{"empty_string", "  ", 0, false},
		{"word", "hot", 0, false},
		{"nil", nil, 0, false},
		{"map", map[string]any{}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Numeric(tc.in)
			if ok != tc.ok || got != tc.want {
				t.Errorf("Numeric(%v) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
			}
		})
	}
}
