package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/dkess/unified-ingestor/internal/transform"
)

// Snapshot is one immutable parse of the ingestion config file. Snapshots are
// replaced wholesale on reload and never mutated.
type Snapshot struct {
	Database    DatabaseConfig          `yaml:"database"`
	MQTTServers map[string]BrokerConfig `yaml:"mqtt_servers"`
	Patterns    []PatternConfig         `yaml:"patterns"`
	Routes      []RouteConfig           `yaml:"routes"`
	Alerts      AlertsConfig            `yaml:"alerts"`
}

type DatabaseConfig struct {
	URI string `yaml:"uri"`
}

// BrokerConfig describes one named MQTT server.
type BrokerConfig struct {
	Broker         string `yaml:"broker"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	CACert         string `yaml:"ca_cert"`
	Keepalive      int    `yaml:"keepalive"`
	ClientIDPrefix string `yaml:"client_id_prefix"`
	Workers        int    `yaml:"workers"`
}

// PatternConfig is one declarative payload pattern.
type PatternConfig struct {
	Name            string           `yaml:"name"`
	Match           MatchConfig      `yaml:"match"`
	Columns         ColumnsConfig    `yaml:"columns"`
	Table           string           `yaml:"table"`
	Transformations []transform.Spec `yaml:"transformations"`
}

type MatchConfig struct {
	Keys   []string `yaml:"keys"`
	Schema string   `yaml:"schema"`
}

// ColumnsConfig is either the literal "auto" or an explicit name→type map.
type ColumnsConfig struct {
	Auto     bool
	Explicit map[string]string
}

func (c *ColumnsConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if s != "auto" && s != "" {
			return fmt.Errorf("columns: expected \"auto\" or a map, got %q", s)
		}
		c.Auto = true
		return nil
	}
	c.Auto = false
	return node.Decode(&c.Explicit)
}

// RouteConfig binds a topic filter to a named broker and a set of per-device
// rules. Connection fields set on the route override the named broker's.
type RouteConfig struct {
	Topic      string `yaml:"topic"`
	MQTTServer string `yaml:"mqtt_server"`
	// AutoDiscover is accepted for config compatibility. Discovered devices
	// are always recorded in the device_mapper table.
	AutoDiscover bool         `yaml:"auto_discover"`
	QoS          *int         `yaml:"qos"`
	DeviceIDs    []RuleConfig `yaml:"device_ids"`

	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	CACert   string `yaml:"ca_cert"`
}

// RuleConfig is one per-device routing rule. Pattern is a device-id literal
// or "*". PatternName overrides matching; the sentinel "auto" forces auto
// mode. StoreRaw re-enables base-table inserts that are otherwise suppressed
// when a diff stream exists for the device.
type RuleConfig struct {
	Pattern            string          `yaml:"pattern"`
	PatternName        string          `yaml:"pattern_name"`
	TableConfig        *TableConfig    `yaml:"table_config"`
	TableOverride      string          `yaml:"table_override"`
	IntervalDifference *IntervalConfig `yaml:"interval_difference"`
	StoreRaw           bool            `yaml:"store_raw"`
}

// DevicePattern returns the rule's device pattern, defaulting to the
// wildcard.
func (r *RuleConfig) DevicePattern() string {
	if r == nil || r.Pattern == "" {
		return "*"
	}
	return r.Pattern
}

// TableConfig controls table resolution for a rule. AutoCreate,
// VersionOnConflict and ReuseSimilar default to true when unset.
type TableConfig struct {
	Name              string `yaml:"name"`
	AutoCreate        *bool  `yaml:"auto_create"`
	VersionOnConflict *bool  `yaml:"version_on_conflict"`
	ReuseSimilar      *bool  `yaml:"reuse_similar"`
}

type IntervalConfig struct {
	Enabled          bool   `yaml:"enabled"`
	FrequencyMinutes int    `yaml:"frequency_minutes"`
	TableSuffix      string `yaml:"table_suffix"`
}

// AlertsConfig configures the threshold alert worker. Thresholds maps topic →
// ("default" | "device_<id>") → parameter → bound.
type AlertsConfig struct {
	Enabled    bool                       `yaml:"enabled"`
	MQTTServer string                     `yaml:"mqtt_server"`
	AlertTopic string                     `yaml:"alert_topic"`
	Thresholds map[string]TopicThresholds `yaml:"thresholds"`
}

type TopicThresholds map[string]map[string]Bound

type Bound struct {
	Low  *float64 `yaml:"low"`
	High *float64 `yaml:"high"`
}

// ParseSnapshot parses and validates a config document.
func ParseSnapshot(raw []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := yaml.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := snap.validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Snapshot) validate() error {
	if s.Database.URI == "" {
		return fmt.Errorf("config: database.uri is required")
	}
	seen := make(map[string]bool, len(s.Patterns))
	for _, p := range s.Patterns {
		if p.Name == "" {
			return fmt.Errorf("config: pattern without a name")
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate pattern %q", p.Name)
		}
		seen[p.Name] = true
	}
	for _, r := range s.Routes {
		if r.Topic == "" {
			return fmt.Errorf("config: route without a topic")
		}
	}
	return nil
}

// Pattern returns the named pattern, or nil.
func (s *Snapshot) Pattern(name string) *PatternConfig {
	for i := range s.Patterns {
		if s.Patterns[i].Name == name {
			return &s.Patterns[i]
		}
	}
	return nil
}
