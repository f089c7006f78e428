// Package payload decodes MQTT message bodies and provides the shared
// helpers for pulling device identifiers and numeric values out of the
// loosely typed maps that result.
package payload

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Decode parses a raw MQTT payload. JSON is the expected wire format; on
// failure a permissive YAML parse is attempted, and if that also fails the
// payload is returned as a raw string. Numbers are decoded as json.Number so
// integer and float payloads stay distinguishable for column inference.
func Decode(raw []byte) any {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var data any
	if err := dec.Decode(&data); err == nil {
		// The decoder stops at the first complete value; a payload like
		// "123abc" must not pass as the number 123.
		if _, err := dec.Token(); err == io.EOF {
			return data
		}
	}

	var ydata any
	if err := yaml.Unmarshal(raw, &ydata); err == nil && ydata != nil {
		return normalizeYAML(ydata)
	}

	return string(raw)
}

// normalizeYAML converts yaml.v3's map[string]any trees into the same shape
// json decoding produces, so downstream code sees one representation.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

// deviceKeys are probed in order, case-insensitively, after the canonical
// DeviceID lookups fail.
var deviceKeys = []string{"deviceid", "device_id", "device"}

// DeviceID extracts a device identifier from a decoded payload. Lookup order:
// top-level "DeviceID", nested "d.DeviceID" (first element when list-valued),
// then case-insensitive deviceid/device_id/device at the top level and under
// "d". Returns "" when no identifier is present.
func DeviceID(data any) string {
	m, ok := data.(map[string]any)
	if !ok {
		return ""
	}
	if s := ScalarString(m["DeviceID"]); s != "" {
		return s
	}
	d, hasD := m["d"].(map[string]any)
	if hasD {
		if s := ScalarString(d["DeviceID"]); s != "" {
			return s
		}
	}
	for _, name := range deviceKeys {
		if s := lookupFold(m, name); s != "" {
			return s
		}
	}
	if hasD {
		for _, name := range deviceKeys {
			if s := lookupFold(d, name); s != "" {
				return s
			}
		}
	}
	return ""
}

func lookupFold(m map[string]any, name string) string {
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return ScalarString(v)
		}
	}
	return ""
}

// ScalarString renders a scalar payload value as a string. List values
// contribute their first element. Maps and nil render as "".
func ScalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		if len(t) > 0 {
			return ScalarString(t[0])
		}
	}
	return ""
}

// Numeric coerces a payload value to float64. Strings that parse as floats
// count as numeric; everything else does not.
func Numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
