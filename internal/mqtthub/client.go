package mqtthub

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/dkess/unified-ingestor/internal/metrics"
	"github.com/dkess/unified-ingestor/internal/payload"
)

// Handler processes one decoded message.
type Handler func(topic string, data any)

// Conn identifies and configures one broker connection. Clients are shared
// by Key, so two routes with the same credentials reuse one connection.
type Conn struct {
	Broker         string
	Port           int
	Username       string
	Password       string
	CACert         string
	Keepalive      int
	ClientIDPrefix string
	Workers        int
}

// Key is the identity tuple a client is shared under.
type Key struct {
	Broker   string
	Port     int
	Username string
	Password string
	CACert   string
}

func (c Conn) withDefaults() Conn {
	if c.Port == 0 {
		c.Port = 8883
	}
	if c.Keepalive == 0 {
		c.Keepalive = 60
	}
	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = "unified"
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	return c
}

func (c Conn) Key() Key {
	c = c.withDefaults()
	return Key{Broker: c.Broker, Port: c.Port, Username: c.Username, Password: c.Password, CACert: c.CACert}
}

type subscription struct {
	filter   string
	deviceID string // "" matches any device
	qos      byte
	handler  Handler
}

type job struct {
	handler Handler
	topic   string
	data    any
}

// Client wraps one paho connection with a subscription registry and a worker
// pool for handler execution.
type Client struct {
	conn      Conn
	client    mqtt.Client
	log       zerolog.Logger
	connected atomic.Bool

	mu   sync.Mutex
	subs []subscription

	jobs chan job
	wg   sync.WaitGroup
}

func newClient(conn Conn, log zerolog.Logger) (*Client, error) {
	conn = conn.withDefaults()
	c := &Client{
		conn: conn,
		log: log.With().
			Str("component", "mqtt").
			Str("broker", fmt.Sprintf("%s:%d", conn.Broker, conn.Port)).
			Logger(),
		jobs: make(chan job, conn.Workers*2),
	}

	opts, err := clientOptions(conn)
	if err != nil {
		return nil, err
	}
	opts.SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage)

	c.client = mqtt.NewClient(opts)

	for i := 0; i < conn.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c, nil
}

// clientOptions builds the paho options for a defaulted Conn. Connect retry
// is on so a broker that is down at startup is picked up once it comes back,
// not only after the next config reload.
func clientOptions(conn Conn) (*mqtt.ClientOptions, error) {
	scheme := "tcp"
	opts := mqtt.NewClientOptions().
		SetClientID(fmt.Sprintf("%s_%d", conn.ClientIDPrefix, time.Now().Unix())).
		SetKeepAlive(time.Duration(conn.Keepalive) * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false)

	if conn.Username != "" {
		opts.SetUsername(conn.Username)
	}
	if conn.Password != "" {
		opts.SetPassword(conn.Password)
	}
	if conn.CACert != "" {
		tlsCfg, err := tlsConfig(conn.CACert)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
		scheme = "tls"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, conn.Broker, conn.Port))
	return opts, nil
}

func tlsConfig(caCertPath string) (*tls.Config, error) {
	pem, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates parsed from %s", caCertPath)
	}
	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

func (c *Client) start() error {
	token := c.client.Connect()
	token.Wait()
	return token.Error()
}

// stop halts the network loop and drains the worker pool.
func (c *Client) stop() {
	c.client.Disconnect(1000)
	close(c.jobs)
	c.wg.Wait()
	c.log.Info().Msg("mqtt client stopped")
}

// addSub registers a handler and issues the subscribe.
func (c *Client) addSub(filter, deviceID string, qos byte, handler Handler) {
	if deviceID == "*" {
		deviceID = ""
	}
	c.mu.Lock()
	c.subs = append(c.subs, subscription{filter: filter, deviceID: deviceID, qos: qos, handler: handler})
	c.mu.Unlock()

	metrics.ActiveSubscriptions.Inc()
	token := c.client.Subscribe(filter, qos, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Str("filter", filter).Msg("subscribe failed")
	}
}

// clear unsubscribes everything and empties the handler list.
func (c *Client) clear() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		token := c.client.Unsubscribe(s.filter)
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Warn().Err(err).Str("filter", s.filter).Msg("unsubscribe failed")
		}
	}
	metrics.ActiveSubscriptions.Sub(float64(len(subs)))
}

// Publish sends a payload; used by the alert worker.
func (c *Client) Publish(topic string, qos byte, body []byte) error {
	token := c.client.Publish(topic, qos, false, body)
	token.Wait()
	return token.Error()
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) onConnect(client mqtt.Client) {
	first := !c.connected.Swap(true)
	metrics.ConnectedClients.Inc()

	c.mu.Lock()
	filters := make(map[string]byte, len(c.subs))
	for _, s := range c.subs {
		filters[s.filter] = s.qos
	}
	c.mu.Unlock()

	c.log.Info().Int("filters", len(filters)).Bool("reconnect", !first).Msg("mqtt connected, subscribing")
	if len(filters) == 0 {
		return
	}
	token := client.SubscribeMultiple(filters, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Msg("mqtt resubscribe failed")
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	metrics.ConnectedClients.Dec()
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	metrics.MessagesReceived.Inc()

	data := payload.Decode(msg.Payload())
	deviceID := payload.DeviceID(data)

	c.mu.Lock()
	selected := selectSubs(c.subs, msg.Topic(), deviceID)
	c.mu.Unlock()

	if len(selected) == 0 {
		metrics.MessagesDropped.Inc()
		c.log.Debug().Str("topic", msg.Topic()).Msg("no handler for message")
		return
	}

	c.log.Debug().
		Str("topic", msg.Topic()).
		Str("device", deviceID).
		Int("handlers", len(selected)).
		Msg("dispatching message")

	for _, s := range selected {
		c.jobs <- job{handler: s.handler, topic: msg.Topic(), data: data}
	}
}

// selectSubs picks the handlers for a message. A subscription is a candidate
// when its filter matches and it is either wildcard or bound to the message's
// device. When any specific-device candidate exists, wildcard candidates are
// suppressed so one message is not processed twice.
func selectSubs(subs []subscription, topic, deviceID string) []subscription {
	var selected []subscription
	anySpecific := false
	for _, s := range subs {
		if !MatchFilter(s.filter, topic) {
			continue
		}
		if s.deviceID != "" && s.deviceID != deviceID {
			continue
		}
		if s.deviceID != "" {
			anySpecific = true
		}
		selected = append(selected, s)
	}
	if !anySpecific {
		return selected
	}
	specific := selected[:0]
	for _, s := range selected {
		if s.deviceID != "" {
			specific = append(specific, s)
		}
	}
	return specific
}

func (c *Client) worker() {
	defer c.wg.Done()
	for j := range c.jobs {
		c.dispatch(j)
	}
}

func (c *Client) dispatch(j job) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("topic", j.topic).Msg("handler panicked")
		}
	}()
	j.handler(j.topic, j.data)
	metrics.MessagesDispatched.Inc()
}
