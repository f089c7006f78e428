// Package pattern matches decoded payloads against configured patterns and
// turns payloads into flat column/row maps for insertion.
package pattern

import (
	"encoding/json"

	"github.com/dkess/unified-ingestor/internal/config"
)

// Matcher selects the best pattern for a payload. Matchers are immutable;
// the supervisor builds a fresh one per config snapshot.
type Matcher struct {
	patterns []config.PatternConfig
}

func NewMatcher(patterns []config.PatternConfig) *Matcher {
	return &Matcher{patterns: patterns}
}

// Match returns the best-scoring pattern for the payload, or nil.
//
// Scoring: a pattern whose required keys are all present scores 1000 when it
// covers the payload exactly, otherwise the size of its key set. Top-level
// keys are tried first, then the keys of a nested "d" object, then any
// pattern with a schema marker matches payloads shaped {d: ..., ts: ...}.
// Ties keep the first pattern in config order.
func (m *Matcher) Match(data any) *config.PatternConfig {
	obj, isMap := data.(map[string]any)
	if isMap {
		if p := m.bestByKeys(obj); p != nil {
			return p
		}
		if d, ok := obj["d"].(map[string]any); ok {
			if p := m.bestByKeys(d); p != nil {
				return p
			}
		}
	}

	for i := range m.patterns {
		p := &m.patterns[i]
		if p.Match.Schema == "" {
			continue
		}
		if isMap {
			_, hasD := obj["d"]
			_, hasTS := obj["ts"]
			if hasD && hasTS {
				return p
			}
		}
	}
	return nil
}

func (m *Matcher) bestByKeys(obj map[string]any) *config.PatternConfig {
	var best *config.PatternConfig
	bestScore := 0
	for i := range m.patterns {
		p := &m.patterns[i]
		req := p.Match.Keys
		if len(req) == 0 || !hasAllKeys(obj, req) {
			continue
		}
		score := len(req)
		if len(req) == len(obj) {
			score = 1000
		}
		if score > bestScore {
			best, bestScore = p, score
		}
	}
	return best
}

func hasAllKeys(obj map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			return false
		}
	}
	return true
}

// ToRow flattens a decoded payload into a row map keyed by column name. The
// topic is always included. Payloads shaped {d: {K: [v, ...]}, ts: ...} are
// flattened by taking the first element of each list; anything that is not a
// map lands whole in a "payload" column.
func ToRow(topic string, data any) map[string]any {
	row := map[string]any{"topic": topic}
	obj, ok := data.(map[string]any)
	if !ok {
		row["payload"] = data
		return row
	}
	if d, ok := obj["d"].(map[string]any); ok {
		for k, v := range d {
			if list, ok := v.([]any); ok {
				if len(list) > 0 {
					row[k] = list[0]
				}
				continue
			}
			row[k] = v
		}
		if ts, ok := obj["ts"]; ok {
			row["ts"] = ts
		}
		return row
	}
	for k, v := range obj {
		row[k] = v
	}
	return row
}

// ColumnsFromRow infers column types from an already-flattened row, such as
// the output of the transformation stage.
func ColumnsFromRow(row map[string]any) map[string]string {
	cols := make(map[string]string, len(row))
	for k, v := range row {
		if k == "topic" || k == "ts" {
			cols[k] = "string"
			continue
		}
		cols[k] = InferType(v)
	}
	return cols
}

// InferType maps a payload value to an internal column type. json.Number
// values keep the int/float distinction from the wire.
func InferType(v any) string {
	switch t := v.(type) {
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return "int"
		}
		return "float"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, float32:
		return "float"
	case int, int64:
		return "int"
	default:
		return "json"
	}
}
