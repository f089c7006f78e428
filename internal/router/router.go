// Package router drives one message through the full ingestion flow:
// pattern match, transformation, table resolution, derivation, insertion,
// and device registration.
package router

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dkess/unified-ingestor/internal/config"
	"github.com/dkess/unified-ingestor/internal/metrics"
	"github.com/dkess/unified-ingestor/internal/pattern"
	"github.com/dkess/unified-ingestor/internal/payload"
	"github.com/dkess/unified-ingestor/internal/schema"
	"github.com/dkess/unified-ingestor/internal/transform"
)

// DefaultIntervalSuffix names the interval-difference companion table when a
// route does not override it.
const DefaultIntervalSuffix = "_interval_diff"

// Tables is the slice of the schema manager the router uses.
type Tables interface {
	Table(ctx context.Context, opts schema.TableOptions, topic string, columns map[string]string) string
	Ensure(ctx context.Context, table string, columns map[string]string) (string, error)
	EnsureColumns(ctx context.Context, table string, columns map[string]string) error
}

// Rows is the insert surface of the database layer.
type Rows interface {
	InsertRow(ctx context.Context, table string, row map[string]any) error
}

// Registrar records device sightings.
type Registrar interface {
	Register(ctx context.Context, topic, deviceID, table, patternName, deviceName string) error
}

// Deriver produces the two derived substreams.
type Deriver interface {
	Consecutive(topic, deviceID string, row map[string]any) map[string]any
	Interval(topic, deviceID string, row map[string]any, frequencyMinutes int) map[string]any
}

// Result describes what happened to one message.
type Result struct {
	Table    string
	Pattern  string
	Columns  map[string]string
	Baseline bool // device tracked but neither substream emitted
	Skipped  bool // nothing inserted (unattributed template row)
}

type Router struct {
	matcher  *pattern.Matcher
	snapshot *config.Snapshot
	tables   Tables
	rows     Rows
	registry Registrar
	derive   Deriver
	log      zerolog.Logger
}

// New builds a router for one config snapshot. The supervisor replaces the
// router wholesale when the snapshot changes; the deriver is longer-lived so
// baselines survive reloads.
func New(snapshot *config.Snapshot, tables Tables, rows Rows, registry Registrar, derive Deriver, log zerolog.Logger) *Router {
	return &Router{
		matcher:  pattern.NewMatcher(snapshot.Patterns),
		snapshot: snapshot,
		tables:   tables,
		rows:     rows,
		registry: registry,
		derive:   derive,
		log:      log.With().Str("component", "router").Logger(),
	}
}

// Route processes one decoded message under an optional device rule.
func (r *Router) Route(ctx context.Context, topic string, data any, rule *config.RuleConfig) (*Result, error) {
	deviceID := payload.DeviceID(data)

	matched := r.matcher.Match(data)
	if rule != nil && rule.PatternName != "" {
		if rule.PatternName == "auto" {
			matched = nil
		} else if p := r.snapshot.Pattern(rule.PatternName); p != nil {
			matched = p
		}
	}
	patternName := "auto"
	if matched != nil {
		patternName = matched.Name
	}

	row := pattern.ToRow(topic, data)
	if matched != nil && len(matched.Transformations) > 0 {
		row = transform.Apply(row, topic, matched.Transformations, r.log)
	}
	if deviceID == "" {
		// The payload probe missed; the flattened row may still carry one.
		deviceID = payload.ScalarString(row["DeviceID"])
	}

	columns := r.columnsFor(matched, row)

	table, fromTemplate := r.resolveTable(ctx, topic, matched, rule, columns)
	if err := r.tables.EnsureColumns(ctx, table, columns); err != nil {
		r.log.Warn().Err(err).Str("table", table).Msg("ensure columns failed")
	}

	res := &Result{Table: table, Pattern: patternName, Columns: columns}

	if deviceID == "" {
		if fromTemplate {
			// A template table is device-attributed; a row with no device
			// would be unattributable.
			r.log.Warn().Str("topic", topic).Str("table", table).Msg("no device id in payload, skipping insert")
			res.Skipped = true
			return res, nil
		}
		if err := r.insert(ctx, table, row, "raw"); err != nil {
			return res, err
		}
		return res, nil
	}

	emitted, err := r.deriveStreams(ctx, topic, deviceID, table, rule, row)
	if err != nil {
		return res, err
	}
	res.Baseline = !emitted

	storeRaw := rule != nil && rule.StoreRaw
	if storeRaw {
		if err := r.insert(ctx, table, row, "raw"); err != nil {
			return res, err
		}
	}

	if err := r.registry.Register(ctx, topic, deviceID, table, patternName, ""); err != nil {
		r.log.Warn().Err(err).Str("device", deviceID).Msg("device registration failed")
	}
	return res, nil
}

func (r *Router) columnsFor(matched *config.PatternConfig, row map[string]any) map[string]string {
	if matched == nil || matched.Columns.Auto {
		return pattern.ColumnsFromRow(row)
	}
	columns := map[string]string{"topic": "string"}
	for c, t := range matched.Columns.Explicit {
		columns[c] = t
	}
	return columns
}

func (r *Router) resolveTable(ctx context.Context, topic string, matched *config.PatternConfig, rule *config.RuleConfig, columns map[string]string) (string, bool) {
	if matched != nil && matched.Table != "" {
		table := schema.FormatTemplate(matched.Table, topic)
		if final, err := r.tables.Ensure(ctx, table, columns); err == nil {
			table = final
		} else {
			r.log.Error().Err(err).Str("table", table).Msg("table DDL failed")
		}
		return table, true
	}
	return r.tables.Table(ctx, tableOptions(rule), topic, columns), false
}

// tableOptions folds a rule's table_config into schema options. Unset
// booleans default to true; the legacy table_override field doubles as an
// explicit name.
func tableOptions(rule *config.RuleConfig) schema.TableOptions {
	opts := schema.DefaultOptions("*")
	if rule == nil {
		return opts
	}
	opts.DevicePattern = rule.DevicePattern()
	opts.Name = rule.TableOverride
	if tc := rule.TableConfig; tc != nil {
		if tc.Name != "" {
			opts.Name = tc.Name
		}
		if tc.AutoCreate != nil {
			opts.AutoCreate = *tc.AutoCreate
		}
		if tc.VersionOnConflict != nil {
			opts.VersionOnConflict = *tc.VersionOnConflict
		}
		if tc.ReuseSimilar != nil {
			opts.ReuseSimilar = *tc.ReuseSimilar
		}
	}
	return opts
}

// deriveStreams runs both substreams for a device-attributed row, inserting
// into the companion tables. Returns whether anything was emitted.
func (r *Router) deriveStreams(ctx context.Context, topic, deviceID, table string, rule *config.RuleConfig, row map[string]any) (bool, error) {
	emitted := false

	if diff := r.derive.Consecutive(topic, deviceID, row); diff != nil {
		emitted = true
		diffTable := table + "_diff"
		if final, err := r.tables.Ensure(ctx, diffTable, pattern.ColumnsFromRow(diff)); err == nil {
			diffTable = final
		} else {
			r.log.Error().Err(err).Str("table", diffTable).Msg("diff table DDL failed")
		}
		if err := r.insert(ctx, diffTable, diff, "diff"); err != nil {
			return emitted, err
		}
	}

	if rule != nil && rule.IntervalDifference != nil && rule.IntervalDifference.Enabled {
		iv := rule.IntervalDifference
		suffix := iv.TableSuffix
		if suffix == "" {
			suffix = DefaultIntervalSuffix
		}
		if diff := r.derive.Interval(topic, deviceID, row, iv.FrequencyMinutes); diff != nil {
			emitted = true
			ivTable := table + suffix
			if final, err := r.tables.Ensure(ctx, ivTable, pattern.ColumnsFromRow(diff)); err == nil {
				ivTable = final
			} else {
				r.log.Error().Err(err).Str("table", ivTable).Msg("interval table DDL failed")
			}
			if err := r.insert(ctx, ivTable, diff, "interval_diff"); err != nil {
				return emitted, err
			}
		}
	}

	return emitted, nil
}

func (r *Router) insert(ctx context.Context, table string, row map[string]any, stream string) error {
	if err := r.rows.InsertRow(ctx, table, row); err != nil {
		metrics.InsertErrors.Inc()
		return err
	}
	metrics.RowsInserted.WithLabelValues(stream).Inc()
	return nil
}
