// Package ingest wires the config, hub, router, and derivation engine
// together and keeps subscriptions in sync with the live config snapshot.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkess/unified-ingestor/internal/config"
	"github.com/dkess/unified-ingestor/internal/database"
	"github.com/dkess/unified-ingestor/internal/derive"
	"github.com/dkess/unified-ingestor/internal/metrics"
	"github.com/dkess/unified-ingestor/internal/mqtthub"
	"github.com/dkess/unified-ingestor/internal/registry"
	"github.com/dkess/unified-ingestor/internal/router"
	"github.com/dkess/unified-ingestor/internal/schema"
)

// handleTimeout bounds the database work done for one message.
const handleTimeout = 30 * time.Second

// Supervisor owns the subscription set. On boot and on every config change
// it clears all subscriptions and rebuilds them from the snapshot. The
// derivation engine outlives rebuilds so baselines survive config edits.
type Supervisor struct {
	loader   *config.Loader
	hub      *mqtthub.Hub
	schema   *schema.Manager
	db       *database.DB
	registry *registry.Registry
	derive   *derive.Engine
	log      zerolog.Logger

	ctx context.Context

	mu     sync.Mutex
	router *router.Router
}

func NewSupervisor(loader *config.Loader, hub *mqtthub.Hub, schemaMgr *schema.Manager,
	db *database.DB, reg *registry.Registry, eng *derive.Engine, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		loader:   loader,
		hub:      hub,
		schema:   schemaMgr,
		db:       db,
		registry: reg,
		derive:   eng,
		log:      log.With().Str("component", "supervisor").Logger(),
	}
}

// Start installs the initial subscription set, hooks config reloads, and
// launches the stats loop.
func (s *Supervisor) Start(ctx context.Context) {
	s.ctx = ctx

	s.rebuild(s.loader.Snapshot())
	s.loader.Subscribe(func(snap *config.Snapshot) {
		metrics.ConfigReloads.Inc()
		s.log.Info().Msg("config changed, rebuilding subscriptions")
		s.rebuild(snap)
	})

	go s.statsLoop(ctx)
}

// rebuild clears every subscription and reinstalls them from the snapshot.
// Route failures are isolated: a broken route is logged and skipped while the
// rest proceed.
func (s *Supervisor) rebuild(snap *config.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt := router.New(snap, s.schema, s.db, s.registry, s.derive, s.log)
	s.router = rt
	s.schema.ClearCache()

	s.hub.ClearAll()

	installed := 0
	for _, route := range snap.Routes {
		n, err := s.installRoute(rt, route, snap.MQTTServers)
		if err != nil {
			s.log.Error().Err(err).Str("topic", route.Topic).Msg("route setup failed, skipping")
			continue
		}
		installed += n
	}
	s.log.Info().
		Int("routes", len(snap.Routes)).
		Int("subscriptions", installed).
		Msg("subscriptions rebuilt")
}

func (s *Supervisor) installRoute(rt *router.Router, route config.RouteConfig, brokers map[string]config.BrokerConfig) (int, error) {
	conn, err := ConnFor(route, brokers)
	if err != nil {
		return 0, err
	}

	qos := byte(1)
	if route.QoS != nil {
		qos = byte(*route.QoS)
	}

	if len(route.DeviceIDs) == 0 {
		if err := s.hub.AddSub(conn, route.Topic, "*", qos, s.handler(rt, nil)); err != nil {
			return 0, err
		}
		return 1, nil
	}

	installed := 0
	for i := range route.DeviceIDs {
		rule := &route.DeviceIDs[i]
		if err := s.hub.AddSub(conn, route.Topic, rule.DevicePattern(), qos, s.handler(rt, rule)); err != nil {
			return installed, err
		}
		installed++
	}
	return installed, nil
}

// handler binds a route rule to the snapshot's router. Old handlers are
// dropped wholesale on rebuild, so the closure never needs to re-check the
// live snapshot.
func (s *Supervisor) handler(rt *router.Router, rule *config.RuleConfig) mqtthub.Handler {
	return func(topic string, data any) {
		ctx, cancel := context.WithTimeout(s.ctx, handleTimeout)
		defer cancel()

		res, err := rt.Route(ctx, topic, data, rule)
		if err != nil {
			s.log.Error().Err(err).Str("topic", topic).Msg("message routing failed")
			return
		}
		s.log.Debug().
			Str("topic", topic).
			Str("table", res.Table).
			Str("pattern", res.Pattern).
			Bool("baseline", res.Baseline).
			Msg("message routed")
	}
}

// BrokerConn maps a named broker's config onto a hub connection.
func BrokerConn(b config.BrokerConfig) mqtthub.Conn {
	return mqtthub.Conn{
		Broker:         b.Broker,
		Port:           b.Port,
		Username:       b.Username,
		Password:       b.Password,
		CACert:         b.CACert,
		Keepalive:      b.Keepalive,
		ClientIDPrefix: b.ClientIDPrefix,
		Workers:        b.Workers,
	}
}

// ConnFor resolves a route's broker by name and applies route-level
// connection overrides. Exported so the alert monitor can resolve the same
// connections for its own subscriptions.
func ConnFor(route config.RouteConfig, brokers map[string]config.BrokerConfig) (mqtthub.Conn, error) {
	if route.MQTTServer == "" {
		return mqtthub.Conn{}, fmt.Errorf("route %q: missing mqtt_server reference", route.Topic)
	}
	b, ok := brokers[route.MQTTServer]
	if !ok {
		return mqtthub.Conn{}, fmt.Errorf("route %q: unknown mqtt_server %q", route.Topic, route.MQTTServer)
	}

	conn := BrokerConn(b)
	if route.Broker != "" {
		conn.Broker = route.Broker
	}
	if route.Port != 0 {
		conn.Port = route.Port
	}
	if route.Username != "" {
		conn.Username = route.Username
	}
	if route.Password != "" {
		conn.Password = route.Password
	}
	if route.CACert != "" {
		conn.CACert = route.CACert
	}
	if conn.Broker == "" {
		return mqtthub.Conn{}, fmt.Errorf("route %q: no broker configured", route.Topic)
	}
	return conn, nil
}

// statsLoop logs a periodic operational summary.
func (s *Supervisor) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			consecutive, interval := s.derive.Stats()
			s.log.Info().
				Int("clients", s.hub.ClientCount()).
				Int("connected", s.hub.ConnectedCount()).
				Int("subscriptions", len(s.hub.Subscriptions())).
				Int("consecutive_keys", consecutive).
				Int("interval_keys", interval).
				Int64("config_reloads", s.loader.Reloads()).
				Msg("ingest stats")
		}
	}
}
