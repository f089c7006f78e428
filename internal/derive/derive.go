// Package derive maintains per-device state and computes the two derived
// substreams: consecutive-sample differences and interval-boundary
// differences.
package derive

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/dkess/unified-ingestor/internal/payload"
)

// metadataFields are copied through to derived rows but never diffed.
var metadataFields = map[string]bool{
	"topic":       true,
	"DeviceID":    true,
	"Date":        true,
	"Time":        true,
	"ts":          true,
	"ingested_at": true,
}

const numShards = 32

// Engine tracks derivation state per (topic, device_id). State is sharded so
// concurrent handlers for different devices do not contend on one lock;
// within a key the shard mutex keeps baseline updates atomic with the
// emission decision.
type Engine struct {
	shards [numShards]shard

	// now is swappable for tests.
	now func() time.Time
}

type shard struct {
	mu          sync.Mutex
	consecutive map[string]map[string]float64
	interval    map[string]*intervalState
}

type intervalState struct {
	currentInterval   string
	currentReading    map[string]float64
	previousReading   map[string]float64
	lastTimestamp     time.Time
	previousTimestamp time.Time
}

func NewEngine() *Engine {
	e := &Engine{now: time.Now}
	for i := range e.shards {
		e.shards[i].consecutive = make(map[string]map[string]float64)
		e.shards[i].interval = make(map[string]*intervalState)
	}
	return e
}

func (e *Engine) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &e.shards[h.Sum32()%numShards]
}

func stateKey(topic, deviceID string) string {
	return topic + ":" + deviceID
}

// NumericFields extracts the diffable fields of a row. Strings that parse as
// floats count; metadata fields are excluded.
func NumericFields(row map[string]any) map[string]float64 {
	out := make(map[string]float64)
	for k, v := range row {
		if metadataFields[k] {
			continue
		}
		if f, ok := payload.Numeric(v); ok {
			out[k] = f
		}
	}
	return out
}

// Consecutive observes a row and returns the consecutive-difference row, or
// nil on the baseline sample. For a sequence of n samples it emits exactly
// n-1 rows. Fields seen for the first time carry their raw value.
func (e *Engine) Consecutive(topic, deviceID string, row map[string]any) map[string]any {
	numeric := NumericFields(row)
	key := stateKey(topic, deviceID)

	s := e.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	baseline, ok := s.consecutive[key]
	if !ok {
		s.consecutive[key] = numeric
		return nil
	}

	diff := copyMetadata(row, topic, deviceID)
	for field, cur := range numeric {
		if prev, ok := baseline[field]; ok {
			diff[field] = cur - prev
		} else {
			diff[field] = cur
		}
	}
	for field, v := range numeric {
		baseline[field] = v
	}
	return diff
}

// Interval observes a row for interval-boundary derivation with the given
// frequency in minutes. It returns a difference row only when the sample
// opens a new interval and a fully closed previous interval exists, so the
// first emission needs one complete warmup interval. Within an interval the
// last sample wins.
func (e *Engine) Interval(topic, deviceID string, row map[string]any, frequencyMinutes int) map[string]any {
	if frequencyMinutes <= 0 {
		return nil
	}
	numeric := NumericFields(row)
	if len(numeric) == 0 {
		return nil
	}

	ts := e.extractTimestamp(row)
	interval := intervalKey(ts, frequencyMinutes)
	key := stateKey(topic, deviceID)

	s := e.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.interval[key]
	if !ok {
		s.interval[key] = &intervalState{
			currentInterval: interval,
			currentReading:  numeric,
			lastTimestamp:   ts,
		}
		return nil
	}

	if st.currentInterval == interval {
		st.currentReading = numeric
		st.lastTimestamp = ts
		return nil
	}

	var diff map[string]any
	if st.previousReading != nil {
		diff = copyMetadata(row, topic, deviceID)
		diff["interval_boundary"] = interval
		diff["start_P0_value"] = st.previousReading["P0"]
		diff["start_P0_time"] = st.previousTimestamp.Format("150405")
		diff["end_P0_value"] = st.currentReading["P0"]
		diff["end_P0_time"] = st.lastTimestamp.Format("150405")
		for field, cur := range st.currentReading {
			if prev, ok := st.previousReading[field]; ok {
				diff[field] = cur - prev
			}
		}
	}

	// Rollover: current interval closes and becomes the previous one.
	st.previousReading = st.currentReading
	st.previousTimestamp = st.lastTimestamp
	st.currentInterval = interval
	st.currentReading = numeric
	st.lastTimestamp = ts

	return diff
}

// Stats reports how many keys each substream is tracking.
func (e *Engine) Stats() (consecutive, interval int) {
	for i := range e.shards {
		s := &e.shards[i]
		s.mu.Lock()
		consecutive += len(s.consecutive)
		interval += len(s.interval)
		s.mu.Unlock()
	}
	return consecutive, interval
}

// timestampFields are probed in order for a device-reported clock.
var timestampFields = []string{"ts", "Time", "timestamp", "Date"}

// extractTimestamp pulls a device timestamp out of the row. Six-digit HHMMSS
// strings are attached to today's date; anything else falls back to wall
// clock.
func (e *Engine) extractTimestamp(row map[string]any) time.Time {
	now := e.now()
	for _, field := range timestampFields {
		v, ok := row[field]
		if !ok {
			continue
		}
		s := payload.ScalarString(v)
		if len(s) != 6 || !allDigits(s) {
			continue
		}
		hh, _ := strconv.Atoi(s[0:2])
		mm, _ := strconv.Atoi(s[2:4])
		ss, _ := strconv.Atoi(s[4:6])
		if hh > 23 || mm > 59 || ss > 59 {
			continue
		}
		return time.Date(now.Year(), now.Month(), now.Day(), hh, mm, ss, 0, now.Location())
	}
	return now
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// intervalKey floors a timestamp to its interval start and renders it as a
// comparable string.
func intervalKey(t time.Time, frequencyMinutes int) string {
	minuteOfDay := t.Hour()*60 + t.Minute()
	start := (minuteOfDay / frequencyMinutes) * frequencyMinutes
	aligned := time.Date(t.Year(), t.Month(), t.Day(), start/60, start%60, 0, 0, t.Location())
	return aligned.Format("2006-01-02T15:04")
}

func copyMetadata(row map[string]any, topic, deviceID string) map[string]any {
	out := map[string]any{
		"topic":    topic,
		"DeviceID": deviceID,
	}
	for _, k := range []string{"Date", "Time", "ts"} {
		if v, ok := row[k]; ok {
			out[k] = v
		}
	}
	return out
}
