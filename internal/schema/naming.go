// Package schema maps payload shapes to relational tables: name resolution,
// auto-creation, column addition, and version-on-conflict shadowing.
package schema

import (
	"regexp"
	"strings"
)

var (
	unsafeChars = regexp.MustCompile(`[^a-z0-9_]+`)
	squeezeRuns = regexp.MustCompile(`_+`)
)

// SafeTopic sanitizes a topic for use in table names: lowercase, non
// [a-z0-9_] runs become single underscores, leading/trailing underscores
// trimmed.
func SafeTopic(topic string) string {
	s := unsafeChars.ReplaceAllString(strings.ToLower(topic), "_")
	s = squeezeRuns.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// FormatTemplate substitutes {topic} in a table template with the sanitized
// topic.
func FormatTemplate(template, topic string) string {
	return strings.ReplaceAll(template, "{topic}", SafeTopic(topic))
}

// metaColumns are managed by the schema layer and ignored when comparing
// table shapes.
var metaColumns = map[string]bool{"id": true, "ingested_at": true, "topic": true}

// Similarity computes the Jaccard similarity of two column sets over
// non-metadata columns. Empty sets score 0.
func Similarity(existing, required map[string]string) float64 {
	ex := make(map[string]bool, len(existing))
	for c := range existing {
		if !metaColumns[c] {
			ex[c] = true
		}
	}
	req := make(map[string]bool, len(required))
	for c := range required {
		if !metaColumns[c] {
			req[c] = true
		}
	}
	if len(ex) == 0 || len(req) == 0 {
		return 0
	}

	intersection := 0
	union := len(ex)
	for c := range req {
		if ex[c] {
			intersection++
		} else {
			union++
		}
	}
	return float64(intersection) / float64(union)
}

// TypesCompatible reports whether a column of existingType can hold values of
// requiredType. Widening int→float and string↔json are allowed.
func TypesCompatible(existingType, requiredType string) bool {
	if existingType == requiredType {
		return true
	}
	switch {
	case existingType == "int" && requiredType == "float":
		return true
	case existingType == "string" && requiredType == "json":
		return true
	case existingType == "json" && requiredType == "string":
		return true
	}
	return false
}

// SchemasCompatible reports whether every overlapping column of required fits
// the existing table. Columns absent from existing do not conflict; they are
// added later.
func SchemasCompatible(existing, required map[string]string) bool {
	for col, reqType := range required {
		exType, ok := existing[col]
		if !ok {
			continue
		}
		if !TypesCompatible(exType, reqType) {
			return false
		}
	}
	return true
}

// sqlType maps an internal column type to its postgres type.
func sqlType(internal string) string {
	switch internal {
	case "int":
		return "INTEGER"
	case "float":
		return "DOUBLE PRECISION"
	case "json":
		return "JSONB"
	case "boolean":
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// DataColumnCount counts the non-metadata columns of a shape.
func DataColumnCount(columns map[string]string) int {
	n := 0
	for c := range columns {
		if !metaColumns[c] {
			n++
		}
	}
	return n
}

// DataColumns strips the managed metadata columns from a shape.
func DataColumns(columns map[string]string) map[string]string {
	out := make(map[string]string, len(columns))
	for c, t := range columns {
		if !metaColumns[c] {
			out[c] = t
		}
	}
	return out
}
