package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/dkess/unified-ingestor/internal/metrics"
)

// Store is the slice of the database layer the schema manager needs.
type Store interface {
	TableExists(ctx context.Context, table string) (bool, error)
	ColumnTypes(ctx context.Context, table string) (map[string]string, error)
	TableNames(ctx context.Context, prefix string) ([]string, error)
	Exec(ctx context.Context, sql string, args ...any) error
}

// TableOptions carries the per-rule table configuration into resolution.
type TableOptions struct {
	Name              string // literal name or template with {topic}
	DevicePattern     string
	AutoCreate        bool
	VersionOnConflict bool
	ReuseSimilar      bool
}

// DefaultOptions matches the behavior of a rule with no table_config.
func DefaultOptions(devicePattern string) TableOptions {
	return TableOptions{
		DevicePattern:     devicePattern,
		AutoCreate:        true,
		VersionOnConflict: true,
		ReuseSimilar:      true,
	}
}

// Manager serializes table resolution and DDL behind one mutex and keeps a
// read-through cache of live table schemas.
type Manager struct {
	store Store
	log   zerolog.Logger

	mu    sync.Mutex
	cache map[string]map[string]string
}

func NewManager(store Store, log zerolog.Logger) *Manager {
	return &Manager{
		store: store,
		log:   log.With().Str("component", "schema").Logger(),
		cache: make(map[string]map[string]string),
	}
}

// Table resolves the destination table for a payload shape and makes sure it
// exists with a superset of the required columns. DDL failures are logged and
// the intended name is still returned; the subsequent insert surfaces the
// real error.
func (m *Manager) Table(ctx context.Context, opts TableOptions, topic string, columns map[string]string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := m.resolveLocked(ctx, opts, topic, columns)
	if !opts.AutoCreate {
		return name
	}

	final, err := m.ensureLocked(ctx, name, columns, opts.VersionOnConflict)
	if err != nil {
		m.log.Error().Err(err).Str("table", name).Msg("table DDL failed")
		return name
	}
	return final
}

// Ensure makes a specific table (such as a derived-stream companion) exist
// with at least the given columns, versioning on conflict.
func (m *Manager) Ensure(ctx context.Context, table string, columns map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(ctx, table, columns, true)
}

// EnsureColumns adds any missing columns to an existing table. Type
// conflicts on overlapping columns are left alone.
func (m *Manager) EnsureColumns(ctx context.Context, table string, columns map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.schemaLocked(ctx, table)
	if err != nil {
		return err
	}
	return m.addMissingLocked(ctx, table, columns, existing)
}

// ClearCache drops the schema cache so the next access re-reads the catalog.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]map[string]string)
}

// resolveLocked picks the table name, in order: explicit/templated name;
// parameter-count bucket for the standard 4/5/9 shapes; an existing table
// with >=0.8 Jaccard similarity; a device- or auto-suffixed generated name.
func (m *Manager) resolveLocked(ctx context.Context, opts TableOptions, topic string, columns map[string]string) string {
	if opts.Name != "" {
		return FormatTemplate(opts.Name, topic)
	}

	safe := SafeTopic(topic)
	count := DataColumnCount(columns)

	switch count {
	case 4, 5, 9:
		return fmt.Sprintf("%s_%d", safe, count)
	}

	if opts.ReuseSimilar {
		if name := m.findSimilarLocked(ctx, safe, columns); name != "" {
			m.log.Info().Str("table", name).Str("topic", topic).Msg("reusing similar table")
			return name
		}
	}

	pattern := opts.DevicePattern
	if pattern == "" {
		pattern = "*"
	}
	if pattern != "*" {
		return fmt.Sprintf("%s_%s_%d", safe, pattern, count)
	}
	return fmt.Sprintf("%s_auto_%d", safe, count)
}

func (m *Manager) findSimilarLocked(ctx context.Context, safeTopic string, columns map[string]string) string {
	// The trailing underscore keeps the scan on this topic's tables; without
	// it "gree1" would also sweep up "gree12_*".
	prefix := safeTopic + "_"
	names, err := m.store.TableNames(ctx, prefix)
	if err != nil {
		m.log.Warn().Err(err).Str("prefix", prefix).Msg("similar-table scan failed")
		return ""
	}
	required := DataColumns(columns)
	for _, name := range names {
		existing, err := m.schemaLocked(ctx, name)
		if err != nil {
			continue
		}
		if Similarity(existing, required) >= 0.8 {
			return name
		}
	}
	return ""
}

func (m *Manager) ensureLocked(ctx context.Context, table string, columns map[string]string, versionOnConflict bool) (string, error) {
	exists, err := m.store.TableExists(ctx, table)
	if err != nil {
		return table, err
	}
	if !exists {
		if err := m.createLocked(ctx, table, columns); err != nil {
			return table, err
		}
		return table, nil
	}

	existing, err := m.schemaLocked(ctx, table)
	if err != nil {
		return table, err
	}
	required := DataColumns(columns)

	if SchemasCompatible(existing, required) {
		return table, m.addMissingLocked(ctx, table, required, existing)
	}

	if !versionOnConflict {
		m.log.Warn().Str("table", table).Msg("schema mismatch, using existing table as-is")
		return table, nil
	}

	metrics.SchemaConflicts.Inc()
	versioned, err := m.nextVersionLocked(ctx, table)
	if err != nil {
		return table, err
	}
	if err := m.createLocked(ctx, versioned, columns); err != nil {
		return versioned, err
	}
	m.log.Info().Str("base", table).Str("table", versioned).Msg("created versioned table for conflicting schema")
	return versioned, nil
}

// nextVersionLocked finds the first unused {table}_vK name.
func (m *Manager) nextVersionLocked(ctx context.Context, table string) (string, error) {
	for version := 1; ; version++ {
		name := fmt.Sprintf("%s_v%d", table, version)
		exists, err := m.store.TableExists(ctx, name)
		if err != nil {
			return "", err
		}
		if !exists {
			return name, nil
		}
	}
}

func (m *Manager) createLocked(ctx context.Context, table string, columns map[string]string) error {
	data := DataColumns(columns)

	names := make([]string, 0, len(data))
	for c := range data {
		names = append(names, c)
	}
	sort.Strings(names)

	defs := []string{"id SERIAL PRIMARY KEY", "topic TEXT"}
	for _, c := range names {
		defs = append(defs, fmt.Sprintf("%s %s", pgx.Identifier{c}.Sanitize(), sqlType(data[c])))
	}
	defs = append(defs, "ingested_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()")

	create := fmt.Sprintf("CREATE TABLE %s (%s)",
		pgx.Identifier{table}.Sanitize(), strings.Join(defs, ", "))
	if err := m.store.Exec(ctx, create); err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}

	for _, col := range []string{"DeviceID", "ts"} {
		if _, ok := data[col]; !ok {
			continue
		}
		idx := fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
			pgx.Identifier{indexName(table, col)}.Sanitize(),
			pgx.Identifier{table}.Sanitize(),
			pgx.Identifier{col}.Sanitize())
		if err := m.store.Exec(ctx, idx); err != nil {
			m.log.Warn().Err(err).Str("table", table).Str("column", col).Msg("index creation failed")
		}
	}
	idx := fmt.Sprintf("CREATE INDEX %s ON %s (ingested_at)",
		pgx.Identifier{indexName(table, "ingested_at")}.Sanitize(),
		pgx.Identifier{table}.Sanitize())
	if err := m.store.Exec(ctx, idx); err != nil {
		m.log.Warn().Err(err).Str("table", table).Msg("index creation failed")
	}

	cached := map[string]string{"id": "int", "topic": "string", "ingested_at": "timestamp"}
	for c, t := range data {
		cached[c] = t
	}
	m.cache[table] = cached

	metrics.TablesCreated.Inc()
	m.log.Info().Str("table", table).Int("columns", len(data)).Msg("created table")
	return nil
}

func (m *Manager) addMissingLocked(ctx context.Context, table string, required, existing map[string]string) error {
	missing := make([]string, 0)
	for c := range DataColumns(required) {
		if _, ok := existing[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)

	for _, c := range missing {
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			pgx.Identifier{table}.Sanitize(),
			pgx.Identifier{c}.Sanitize(),
			sqlType(required[c]))
		if err := m.store.Exec(ctx, alter); err != nil {
			delete(m.cache, table)
			return fmt.Errorf("alter %s add %s: %w", table, c, err)
		}
		metrics.ColumnsAdded.Inc()
		m.log.Info().Str("table", table).Str("column", c).Str("type", required[c]).Msg("added column")
	}
	delete(m.cache, table)
	return nil
}

func (m *Manager) schemaLocked(ctx context.Context, table string) (map[string]string, error) {
	if s, ok := m.cache[table]; ok {
		return s, nil
	}
	s, err := m.store.ColumnTypes(ctx, table)
	if err != nil {
		return nil, err
	}
	m.cache[table] = s
	return s, nil
}

// indexName builds a deterministic index name, truncated to postgres's
// 63-byte identifier limit.
func indexName(table, column string) string {
	name := fmt.Sprintf("idx_%s_%s", table, strings.ToLower(column))
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}
