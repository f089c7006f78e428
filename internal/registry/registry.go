// Package registry maintains the device_mapper table, the authoritative map
// from (topic, device_id) to destination table and matched pattern.
package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkess/unified-ingestor/internal/database"
)

// Device is one device_mapper row.
type Device struct {
	Topic        string    `json:"topic"`
	DeviceID     string    `json:"device_id"`
	TableName    string    `json:"table_name"`
	PatternName  string    `json:"pattern_name"`
	DeviceName   *string   `json:"device_name,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	MessageCount int64     `json:"message_count"`
}

// Stats summarizes the registry for the API and CLI.
type Stats struct {
	Total    int64            `json:"total"`
	Named    int64            `json:"named"`
	Unnamed  int64            `json:"unnamed"`
	PerTopic map[string]int64 `json:"per_topic"`
	PerTable map[string]int64 `json:"per_table"`
}

type Registry struct {
	db  *database.DB
	log zerolog.Logger
}

func New(db *database.DB, log zerolog.Logger) *Registry {
	return &Registry{db: db, log: log.With().Str("component", "registry").Logger()}
}

// EnsureSchema creates the device_mapper table and its unique key.
func (r *Registry) EnsureSchema(ctx context.Context) error {
	return r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS device_mapper (
			id SERIAL PRIMARY KEY,
			topic TEXT NOT NULL,
			device_id TEXT NOT NULL,
			table_name TEXT NOT NULL,
			pattern_name TEXT NOT NULL DEFAULT '',
			device_name TEXT,
			first_seen TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			last_seen TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			message_count BIGINT NOT NULL DEFAULT 0,
			UNIQUE (topic, device_id)
		)`)
}

// Register inserts or updates a device sighting. The table and pattern
// reflect the most recent observation; message_count increments; an existing
// device_name is never overwritten with empty.
func (r *Registry) Register(ctx context.Context, topic, deviceID, table, patternName, deviceName string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO device_mapper (topic, device_id, table_name, pattern_name, device_name, message_count)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), 1)
		ON CONFLICT (topic, device_id) DO UPDATE SET
			table_name    = $3,
			pattern_name  = $4,
			device_name   = COALESCE(NULLIF($5, ''), device_mapper.device_name),
			last_seen     = NOW(),
			message_count = device_mapper.message_count + 1
	`, topic, deviceID, table, patternName, deviceName)
	return err
}

// Find returns a single device or nil when unknown.
func (r *Registry) Find(ctx context.Context, topic, deviceID string) (*Device, error) {
	devices, err := r.query(ctx,
		`WHERE topic = $1 AND device_id = $2`, topic, deviceID)
	if err != nil || len(devices) == 0 {
		return nil, err
	}
	return &devices[0], nil
}

func (r *Registry) FindByTopic(ctx context.Context, topic string) ([]Device, error) {
	return r.query(ctx, `WHERE topic = $1`, topic)
}

func (r *Registry) FindByTable(ctx context.Context, table string) ([]Device, error) {
	return r.query(ctx, `WHERE table_name = $1`, table)
}

func (r *Registry) ListAll(ctx context.Context) ([]Device, error) {
	return r.query(ctx, ``)
}

// SetName assigns a human-readable name. Returns false when the device is
// unknown.
func (r *Registry) SetName(ctx context.Context, topic, deviceID, name string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE device_mapper SET device_name = NULLIF($3, '')
		WHERE topic = $1 AND device_id = $2`, topic, deviceID, name)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Registry) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		PerTopic: make(map[string]int64),
		PerTable: make(map[string]int64),
	}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(device_name),
		       COUNT(*) - COUNT(device_name)
		FROM device_mapper`).Scan(&stats.Total, &stats.Named, &stats.Unnamed)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT topic, COUNT(*) FROM device_mapper GROUP BY topic`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var topic string
		var n int64
		if err := rows.Scan(&topic, &n); err != nil {
			return nil, err
		}
		stats.PerTopic[topic] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.Pool.Query(ctx, `
		SELECT table_name, COUNT(*) FROM device_mapper GROUP BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var table string
		var n int64
		if err := rows.Scan(&table, &n); err != nil {
			return nil, err
		}
		stats.PerTable[table] = n
	}
	return stats, rows.Err()
}

func (r *Registry) query(ctx context.Context, where string, args ...any) ([]Device, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT topic, device_id, table_name, pattern_name, device_name,
		       first_seen, last_seen, message_count
		FROM device_mapper `+where+`
		ORDER BY topic, device_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.Topic, &d.DeviceID, &d.TableName, &d.PatternName,
			&d.DeviceName, &d.FirstSeen, &d.LastSeen, &d.MessageCount); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
