package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkess/unified-ingestor/internal/config"
	"github.com/dkess/unified-ingestor/internal/derive"
	"github.com/dkess/unified-ingestor/internal/ingest"
	"github.com/dkess/unified-ingestor/internal/metrics"
	"github.com/dkess/unified-ingestor/internal/mqtthub"
	"github.com/dkess/unified-ingestor/internal/pattern"
	"github.com/dkess/unified-ingestor/internal/payload"
)

// DefaultAlertTopic receives violation messages when the config does not name
// a topic.
const DefaultAlertTopic = "alerts/monitoring"

// Violation is one out-of-bounds parameter reading.
type Violation struct {
	Parameter string  `json:"parameter"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Type      string  `json:"type"` // "low" or "high"
}

// Alert is the published message body.
type Alert struct {
	Timestamp  string      `json:"timestamp"`
	Topic      string      `json:"topic"`
	DeviceID   string      `json:"device_id"`
	Violations []Violation `json:"violations"`
}

// Publisher is the outbound side of an MQTT client.
type Publisher interface {
	Publish(topic string, qos byte, body []byte) error
}

// Monitor watches routed topics that carry threshold config and publishes an
// alert message for every payload with out-of-bounds readings. It runs on its
// own hub so the ingest supervisor's rebuilds never touch its subscriptions.
type Monitor struct {
	loader *config.Loader
	hub    *mqtthub.Hub
	store  *ThresholdStore // optional database-backed overrides
	log    zerolog.Logger

	ctx context.Context
}

func NewMonitor(loader *config.Loader, hub *mqtthub.Hub, store *ThresholdStore, log zerolog.Logger) *Monitor {
	return &Monitor{
		loader: loader,
		hub:    hub,
		store:  store,
		log:    log.With().Str("component", "alerts").Logger(),
	}
}

// Start installs the initial subscription set and hooks config reloads.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx = ctx
	m.rebuild(m.loader.Snapshot())
	m.loader.Subscribe(m.rebuild)
}

func (m *Monitor) rebuild(snap *config.Snapshot) {
	m.hub.ClearAll()

	alerts := snap.Alerts
	if !alerts.Enabled {
		m.log.Info().Msg("alert monitoring disabled")
		return
	}

	pub, alertTopic, err := m.publisher(snap)
	if err != nil {
		m.log.Error().Err(err).Msg("alert publisher setup failed, monitoring disabled")
		return
	}

	installed := 0
	for _, route := range snap.Routes {
		thresholds, ok := alerts.Thresholds[route.Topic]
		if !ok {
			continue
		}
		conn, err := ingest.ConnFor(route, snap.MQTTServers)
		if err != nil {
			m.log.Error().Err(err).Str("topic", route.Topic).Msg("alert route setup failed, skipping")
			continue
		}
		handler := m.handler(thresholds, pub, alertTopic)
		if err := m.hub.AddSub(conn, route.Topic, "*", 1, handler); err != nil {
			m.log.Error().Err(err).Str("topic", route.Topic).Msg("alert subscription failed, skipping")
			continue
		}
		installed++
	}
	m.log.Info().Int("topics", installed).Str("alert_topic", alertTopic).Msg("alert subscriptions rebuilt")
}

// publisher connects the outbound client named by alerts.mqtt_server.
func (m *Monitor) publisher(snap *config.Snapshot) (Publisher, string, error) {
	alerts := snap.Alerts
	b, ok := snap.MQTTServers[alerts.MQTTServer]
	if !ok {
		return nil, "", fmt.Errorf("alerts: unknown mqtt_server %q", alerts.MQTTServer)
	}
	client, err := m.hub.Client(ingest.BrokerConn(b))
	if err != nil {
		return nil, "", err
	}
	topic := alerts.AlertTopic
	if topic == "" {
		topic = DefaultAlertTopic
	}
	return client, topic, nil
}

func (m *Monitor) handler(thresholds config.TopicThresholds, pub Publisher, alertTopic string) mqtthub.Handler {
	return func(topic string, data any) {
		deviceID := payload.DeviceID(data)
		bounds := m.deviceBounds(thresholds, deviceID)
		if len(bounds) == 0 {
			return
		}

		values := derive.NumericFields(pattern.ToRow(topic, data))
		violations := CheckViolations(values, bounds)
		if len(violations) == 0 {
			return
		}

		alert := Alert{
			Timestamp:  time.Now().Format(time.RFC3339),
			Topic:      topic,
			DeviceID:   deviceID,
			Violations: violations,
		}
		body, err := json.Marshal(alert)
		if err != nil {
			m.log.Error().Err(err).Msg("alert encoding failed")
			return
		}
		if err := pub.Publish(alertTopic, 1, body); err != nil {
			m.log.Error().Err(err).Str("topic", topic).Msg("alert publish failed")
			return
		}
		metrics.AlertsPublished.Inc()
		m.log.Warn().
			Str("topic", topic).
			Str("device", deviceID).
			Int("violations", len(violations)).
			Msg("thresholds exceeded")
	}
}

// deviceBounds resolves the per-parameter bounds for a device: the topic's
// device_<id> block when present, otherwise its default block, with
// database-stored thresholds layered on top.
func (m *Monitor) deviceBounds(thresholds config.TopicThresholds, deviceID string) map[string]config.Bound {
	base := thresholds["default"]
	if deviceID != "" {
		if dev, ok := thresholds["device_"+deviceID]; ok {
			base = dev
		}
	}

	bounds := make(map[string]config.Bound, len(base))
	for param, b := range base {
		bounds[param] = b
	}
	if m.store != nil && deviceID != "" {
		for param, b := range m.store.DeviceBounds(m.ctx, deviceID) {
			bounds[param] = b
		}
	}
	return bounds
}

// CheckViolations compares readings against bounds. A reading below the low
// bound reports a single low violation even when it also clears the high
// bound check; parameters without a reading or a bound are skipped.
func CheckViolations(values map[string]float64, bounds map[string]config.Bound) []Violation {
	params := make([]string, 0, len(values))
	for param := range values {
		if _, ok := bounds[param]; ok {
			params = append(params, param)
		}
	}
	sort.Strings(params)

	var out []Violation
	for _, param := range params {
		v := values[param]
		b := bounds[param]
		switch {
		case b.Low != nil && v < *b.Low:
			out = append(out, Violation{Parameter: param, Value: v, Threshold: *b.Low, Type: "low"})
		case b.High != nil && v > *b.High:
			out = append(out, Violation{Parameter: param, Value: v, Threshold: *b.High, Type: "high"})
		}
	}
	return out
}
