// Package alerts evaluates incoming messages against per-device numeric
// thresholds and republishes violations to an alert topic.
package alerts

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkess/unified-ingestor/internal/config"
	"github.com/dkess/unified-ingestor/internal/database"
)

// cacheTTL is how long the threshold table is served from memory before a
// re-read.
const cacheTTL = 30 * time.Minute

type thresholdKey struct {
	deviceID  int64
	parameter string
}

// ThresholdStore serves the threshold table through a TTL cache so the hot
// message path never waits on the database.
type ThresholdStore struct {
	db  *database.DB
	log zerolog.Logger

	mu          sync.Mutex
	cache       map[thresholdKey]config.Bound
	lastRefresh time.Time
}

func NewThresholdStore(db *database.DB, log zerolog.Logger) *ThresholdStore {
	return &ThresholdStore{
		db:    db,
		log:   log.With().Str("component", "thresholds").Logger(),
		cache: make(map[thresholdKey]config.Bound),
	}
}

// EnsureSchema creates the threshold table.
func (s *ThresholdStore) EnsureSchema(ctx context.Context) error {
	return s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS threshold (
			id SERIAL PRIMARY KEY,
			company_id INTEGER NOT NULL DEFAULT 0,
			device_id INTEGER NOT NULL,
			parameter TEXT NOT NULL,
			lower_threshold DOUBLE PRECISION,
			higher_threshold DOUBLE PRECISION,
			UNIQUE (company_id, device_id, parameter)
		)`)
}

// DeviceBounds returns the stored bounds for a device, keyed by parameter.
// Non-numeric device ids never have database thresholds.
func (s *ThresholdStore) DeviceBounds(ctx context.Context, deviceID string) map[string]config.Bound {
	id, err := strconv.ParseInt(deviceID, 10, 64)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.lastRefresh) > cacheTTL {
		s.refreshLocked(ctx)
	}

	var out map[string]config.Bound
	for key, bound := range s.cache {
		if key.deviceID != id {
			continue
		}
		if out == nil {
			out = make(map[string]config.Bound)
		}
		out[key.parameter] = bound
	}
	return out
}

// refreshLocked reloads the cache. On query failure the stale cache is kept.
func (s *ThresholdStore) refreshLocked(ctx context.Context) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT device_id, parameter, lower_threshold, higher_threshold
		FROM threshold
		ORDER BY device_id, parameter`)
	if err != nil {
		s.log.Error().Err(err).Msg("threshold refresh failed, keeping stale cache")
		return
	}
	defer rows.Close()

	fresh := make(map[thresholdKey]config.Bound)
	for rows.Next() {
		var deviceID int64
		var parameter string
		var lower, higher *float64
		if err := rows.Scan(&deviceID, &parameter, &lower, &higher); err != nil {
			s.log.Error().Err(err).Msg("threshold scan failed, keeping stale cache")
			return
		}
		fresh[thresholdKey{deviceID: deviceID, parameter: parameter}] = config.Bound{Low: lower, High: higher}
	}
	if err := rows.Err(); err != nil {
		s.log.Error().Err(err).Msg("threshold read failed, keeping stale cache")
		return
	}

	s.cache = fresh
	s.lastRefresh = time.Now()
	s.log.Info().Int("entries", len(fresh)).Msg("threshold cache refreshed")
}
