// Package transform applies declarative field transformations to decoded
// payload maps before they are persisted.
package transform

import (
	"fmt"
	"math"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/dkess/unified-ingestor/internal/payload"
)

// Spec is one configured transformation: an optional condition plus an action.
type Spec struct {
	Name      string    `yaml:"name"`
	Condition Condition `yaml:"condition"`
	Action    Action    `yaml:"action"`
}

// Condition gates a transformation. An empty condition always passes.
type Condition struct {
	Topic     string         `yaml:"topic"`
	Fields    map[string]any `yaml:"fields"`
	HasFields []string       `yaml:"has_fields"`
}

// Action describes what a transformation does. Type selects the operation;
// the remaining fields are operands for whichever type is chosen.
type Action struct {
	Type string `yaml:"type"`

	// combine_decimal
	IntegerField     string `yaml:"integer_field"`
	FractionalField  string `yaml:"fractional_field"`
	TargetField      string `yaml:"target_field"`
	RemoveFractional bool   `yaml:"remove_fractional"`

	// scale_value / remove_field
	Field       string  `yaml:"field"`
	ScaleFactor float64 `yaml:"scale_factor"`

	// rename_field
	FromField string `yaml:"from_field"`
	ToField   string `yaml:"to_field"`
}

// Apply runs the transformation list against a copy of data. Failing
// transformations are logged and skipped; the remaining ones still run.
func Apply(data map[string]any, topic string, specs []Spec, log zerolog.Logger) map[string]any {
	if len(specs) == 0 {
		return data
	}

	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}

	for _, spec := range specs {
		if !spec.Condition.matches(out, topic) {
			continue
		}
		if err := applyAction(out, spec.Action); err != nil {
			log.Warn().Err(err).
				Str("transformation", spec.Name).
				Str("topic", topic).
				Msg("transformation skipped")
			continue
		}
		log.Debug().Str("transformation", spec.Name).Str("topic", topic).Msg("transformation applied")
	}
	return out
}

func (c Condition) matches(data map[string]any, topic string) bool {
	if c.Topic != "" && c.Topic != topic {
		return false
	}
	for field, want := range c.Fields {
		got, ok := data[field]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	for _, field := range c.HasFields {
		if _, ok := data[field]; !ok {
			return false
		}
	}
	return true
}

// valuesEqual compares a payload value with a config-file value. Numbers
// compare numerically so a JSON 5 matches a YAML 5.0.
func valuesEqual(got, want any) bool {
	gf, gok := payload.Numeric(got)
	wf, wok := payload.Numeric(want)
	if gok && wok {
		return gf == wf
	}
	return payload.ScalarString(got) == payload.ScalarString(want)
}

func applyAction(data map[string]any, a Action) error {
	switch a.Type {
	case "combine_decimal":
		return combineDecimal(data, a)
	case "scale_value":
		return scaleValue(data, a)
	case "rename_field":
		return renameField(data, a)
	case "remove_field":
		return removeField(data, a)
	default:
		return fmt.Errorf("unknown transformation type %q", a.Type)
	}
}

// combineDecimal joins an integer field and a fractional field into one
// decimal: P0=12345, P1=81723 becomes P0=12345.81723. The number of decimal
// places comes from the digit count of the fractional value.
func combineDecimal(data map[string]any, a Action) error {
	if a.IntegerField == "" || a.FractionalField == "" || a.TargetField == "" {
		return fmt.Errorf("combine_decimal requires integer_field, fractional_field and target_field")
	}
	iv, ok := data[a.IntegerField]
	if !ok {
		return fmt.Errorf("combine_decimal: field %q missing", a.IntegerField)
	}
	fv, ok := data[a.FractionalField]
	if !ok {
		return fmt.Errorf("combine_decimal: field %q missing", a.FractionalField)
	}

	intPart, err := asInt(iv)
	if err != nil {
		return fmt.Errorf("combine_decimal: %s: %w", a.IntegerField, err)
	}
	fracPart, err := asInt(fv)
	if err != nil {
		return fmt.Errorf("combine_decimal: %s: %w", a.FractionalField, err)
	}

	digits := len(strconv.FormatInt(fracPart, 10))
	combined := float64(intPart) + float64(fracPart)/math.Pow10(digits)

	data[a.TargetField] = combined
	if a.RemoveFractional {
		delete(data, a.FractionalField)
	}
	return nil
}

func scaleValue(data map[string]any, a Action) error {
	if a.Field == "" {
		return fmt.Errorf("scale_value requires field")
	}
	v, ok := data[a.Field]
	if !ok {
		return nil
	}
	f, ok := payload.Numeric(v)
	if !ok {
		return fmt.Errorf("scale_value: field %q is not numeric", a.Field)
	}
	data[a.Field] = f * a.ScaleFactor
	return nil
}

func renameField(data map[string]any, a Action) error {
	if a.FromField == "" || a.ToField == "" {
		return fmt.Errorf("rename_field requires from_field and to_field")
	}
	v, ok := data[a.FromField]
	if !ok {
		return nil
	}
	delete(data, a.FromField)
	data[a.ToField] = v
	return nil
}

func removeField(data map[string]any, a Action) error {
	if a.Field == "" {
		return fmt.Errorf("remove_field requires field")
	}
	delete(data, a.Field)
	return nil
}

func asInt(v any) (int64, error) {
	f, ok := payload.Numeric(v)
	if !ok {
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("value %v is not an integer", v)
	}
	return int64(f), nil
}
