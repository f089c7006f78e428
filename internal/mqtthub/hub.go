// Package mqtthub multiplexes MQTT subscriptions over a pool of clients
// shared by broker identity.
package mqtthub

import (
	"sync"

	"github.com/rs/zerolog"
)

// SubInfo describes one installed subscription for the API.
type SubInfo struct {
	Broker   string `json:"broker"`
	Filter   string `json:"filter"`
	DeviceID string `json:"device_id,omitempty"`
	QoS      byte   `json:"qos"`
}

// Hub owns the client pool. One client exists per distinct connection key
// and is shared by every subscription using those credentials.
type Hub struct {
	log zerolog.Logger

	mu      sync.Mutex
	clients map[Key]*Client
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log.With().Str("component", "hub").Logger(),
		clients: make(map[Key]*Client),
	}
}

// AddSub installs a handler for a topic filter on the client for conn,
// creating and starting the client on first use.
func (h *Hub) AddSub(conn Conn, filter, deviceID string, qos byte, handler Handler) error {
	client, err := h.Client(conn)
	if err != nil {
		return err
	}
	client.addSub(filter, deviceID, qos, handler)
	return nil
}

// Client returns the shared client for conn, connecting on first use. The
// alert worker uses this directly for publishing.
func (h *Hub) Client(conn Conn) (*Client, error) {
	key := conn.Key()

	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[key]; ok {
		return c, nil
	}
	c, err := newClient(conn, h.log)
	if err != nil {
		return nil, err
	}
	if err := c.start(); err != nil {
		c.stop()
		return nil, err
	}
	h.clients[key] = c
	return c, nil
}

// Subscriptions lists every installed subscription across all clients.
func (h *Hub) Subscriptions() []SubInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []SubInfo
	for key, c := range h.clients {
		c.mu.Lock()
		for _, s := range c.subs {
			out = append(out, SubInfo{
				Broker:   key.Broker,
				Filter:   s.filter,
				DeviceID: s.deviceID,
				QoS:      s.qos,
			})
		}
		c.mu.Unlock()
	}
	return out
}

// ClearAll unsubscribes everything but keeps the connections alive; the
// supervisor follows up with a fresh set of AddSub calls.
func (h *Hub) ClearAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.clear()
	}
}

// StopAll disconnects and drains every client.
func (h *Hub) StopAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[Key]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.stop()
	}
	h.log.Info().Int("clients", len(clients)).Msg("all mqtt clients stopped")
}

// ConnectedCount reports how many clients are currently connected.
func (h *Hub) ConnectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.clients {
		if c.IsConnected() {
			n++
		}
	}
	return n
}

// ClientCount reports the size of the client pool.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
