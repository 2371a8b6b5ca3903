package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/gwc-sys/wildlife-tracking-Client-side/events"
	"github.com/rs/zerolog/log"
)

// MQTT configuration for the telemetry broker
type MQTTConfig struct {
	ServerURL string `env:"SERVER_URL,default=mqtt://localhost:1883"` // MQTT server URL
	ClientID  string `env:"CLIENT_ID"`                                // empty lets the broker assign one
	Username  string `env:"USERNAME"`                                 // MQTT Username to use when connecting to server
	Password  string `env:"PASSWORD"`                                 // MQTT Password to use when connecting to server

	KeepAlive      uint16        `env:"KEEP_ALIVE,default=60"`       // seconds between keepalive packets
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT,default=5s"` // history request round trip
}

const (
	qos = byte(1) // qos to utilise when publishing

	historyRequestTopic  = "history/request/"
	historyResponseTopic = "history/response/"
)

// MQTT maps store paths onto topics. A single value is the retained message
// on the path topic; list children are retained messages on `path/{key}` and
// an empty retained payload deletes a child. Every (re)connection subscribes
// again, so the broker re-delivers all retained values.
//
// Absence cannot be observed over MQTT: a topic without a retained message
// delivers nothing until it is first written.
type MQTT struct {
	config      MQTTConfig
	client      *autopaho.ConnectionManager
	isConnected atomic.Bool

	mu      sync.Mutex
	subs    map[uint64]*mqttSub
	nextSub uint64

	// topic subscriptions are changed one at a time in the order requested,
	// topics and atBroker are used by the draining goroutine only
	topics   topicClient
	atBroker map[string]bool
	ops      []topicOp
	draining bool

	// counter for history request ids
	historyRequestCounter atomic.Int32
	pending               map[string]chan *events.HistoryResponse
}

type mqttSub struct {
	path    string
	query   Query
	onData  DataFunc
	onError ErrorFunc
	closed  atomic.Bool

	// last known state, guarded by MQTT.mu
	value    any
	exists   bool
	children map[string]any
}

// topicClient is the part of the connection that changes subscriptions
type topicClient interface {
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
	Unsubscribe(ctx context.Context, u *paho.Unsubscribe) (*paho.Unsuback, error)
}

// topicOp asks the broker side of a topic to match the subscriptions that
// want it. fresh is a new subscription that needs the retained values.
type topicOp struct {
	topic string
	fresh *mqttSub
}

func (s *mqttSub) topic() string {
	if s.query.IsList() {
		return s.path + "/+"
	}
	return s.path
}

func NewMQTT(cfg MQTTConfig) *MQTT {
	return &MQTT{
		config:  cfg,
		subs:     make(map[uint64]*mqttSub),
		atBroker: make(map[string]bool),
		pending:  make(map[string]chan *events.HistoryResponse),
	}
}

func (c *MQTT) Connect(ctx context.Context) error {
	parsedURL, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return fmt.Errorf("failed to parse server URL (%s): %w", c.config.ServerURL, err)
	}

	cliCfg := autopaho.ClientConfig{
		BrokerUrls:                    []*url.URL{parsedURL},
		KeepAlive:                     c.config.KeepAlive,
		CleanStartOnInitialConnection: true,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			log.Info().Msg("MQTT connection up")
			c.isConnected.Store(true)

			subscriptions := c.resubscriptions()
			if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
				Subscriptions: subscriptions,
			}); err != nil {
				log.Error().Msgf("Failed to subscribe: %s", err)
				c.connectionLost(fmt.Errorf("subscribe: %w", err))
				return
			}
			c.mu.Lock()
			c.atBroker = make(map[string]bool, len(subscriptions))
			for _, s := range subscriptions {
				c.atBroker[s.Topic] = true
			}
			c.mu.Unlock()
			log.Info().Msgf("MQTT subscriptions made (%d topics)", len(subscriptions))
			c.notifyConnectivity()
		},

		OnConnectError: func(err error) {
			log.Error().Msgf("Error whilst attempting connection: %s", err)
			c.connectionLost(err)
		},

		ClientConfig: paho.ClientConfig{
			ClientID: c.config.ClientID,
			Router:   paho.NewStandardRouterWithDefault(c.route),
			OnClientError: func(err error) {
				log.Error().Msgf("Client error: %s", err)
				c.connectionLost(err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					log.Error().Msgf("Server requested disconnect: %s", d.Properties.ReasonString)
				} else {
					log.Error().Msgf("Server requested disconnect with reason code: %d", d.ReasonCode)
				}
				c.connectionLost(fmt.Errorf("server disconnect (reason %d)", d.ReasonCode))
			},
		},
	}

	if c.config.Username != "" {
		cliCfg.ConnectUsername = c.config.Username
		cliCfg.ConnectPassword = []byte(c.config.Password)
	}

	log.Info().Msgf("Connect to MQTT broker %s...", parsedURL.Host)
	c.client, err = autopaho.NewConnection(ctx, cliCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to MQTT: %w", err)
	}
	c.mu.Lock()
	c.topics = c.client
	c.mu.Unlock()
	// Wait for the connection to come up
	if err = c.client.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("failed to connect to MQTT: %w", err)
	}
	return nil
}

func (c *MQTT) Disconnect(ctx context.Context) {
	if c.client != nil {
		err := c.client.Disconnect(ctx)
		if err != nil {
			log.Error().Msgf("Failed to disconnect: %s", err)
		}
	}
	c.isConnected.Store(false)
	c.notifyConnectivity()
	log.Info().Msg("Disconnected from MQTT")
}

func (c *MQTT) Subscribe(path string, q Query, onData DataFunc, onError ErrorFunc) func() {
	sub := &mqttSub{path: path, query: q, onData: onData, onError: onError}
	if q.IsList() {
		sub.children = make(map[string]any)
	}

	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = sub
	c.mu.Unlock()

	switch {
	case path == ConnectivityPath:
		c.deliver(sub, Snapshot{Path: path, Exists: true, Value: c.isConnected.Load()})
	case c.isConnected.Load():
		c.enqueue(topicOp{topic: sub.topic(), fresh: sub})
	}

	return func() {
		if sub.closed.Swap(true) {
			return
		}
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()

		if path != ConnectivityPath && c.isConnected.Load() {
			c.enqueue(topicOp{topic: sub.topic()})
		}
	}
}

// FetchLast sends a history request and waits for the matching response
func (c *MQTT) FetchLast(ctx context.Context, path, orderKey string, limit int) ([]Child, error) {
	if !c.isConnected.Load() {
		return nil, fmt.Errorf("fetch %s: %w", path, ErrDisconnected)
	}

	requestId := fmt.Sprintf("%d", c.historyRequestCounter.Add(1))
	respCh := make(chan *events.HistoryResponse, 1)
	c.mu.Lock()
	c.pending[requestId] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestId)
		c.mu.Unlock()
	}()

	req := events.HistoryRequest{Path: path, OrderKey: orderKey, Limit: limit}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal history request: %w", err)
	}
	log.Debug().Msgf("Requesting history #%s: %s", requestId, payload)
	if _, err := c.client.Publish(ctx, &paho.Publish{
		QoS:     qos,
		Topic:   historyRequestTopic + requestId,
		Payload: payload,
	}); err != nil {
		return nil, fmt.Errorf("publish history request: %w", err)
	}

	timeout := c.config.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case resp := <-respCh:
		if resp.Error != "" {
			return nil, fmt.Errorf("history request %s: %s", requestId, resp.Error)
		}
		children := make([]Child, 0, len(resp.Records))
		for k, rec := range resp.Records {
			children = append(children, Child{Key: k, Value: map[string]any(rec)})
		}
		return LastN(children, orderKey, limit), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("history request %s timed out after %s", requestId, timeout)
	}
}

// Set publishes a retained single value
func (c *MQTT) Set(ctx context.Context, path string, value events.Record) error {
	return c.publishRetained(ctx, path, value)
}

// Push publishes a retained child; empty keys get a random uuid
func (c *MQTT) Push(ctx context.Context, path, key string, value events.Record) (string, error) {
	if key == "" {
		key = uuid.NewString()
	}
	return key, c.publishRetained(ctx, path+"/"+key, value)
}

func (c *MQTT) publishRetained(ctx context.Context, topic string, value events.Record) error {
	if !c.isConnected.Load() {
		return fmt.Errorf("publish %s: %w", topic, ErrDisconnected)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	if _, err := c.client.Publish(ctx, &paho.Publish{
		QoS:     qos,
		Topic:   topic,
		Payload: payload,
		Retain:  true,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	log.Debug().Msgf("Published %s: %s", topic, payload)
	return nil
}

// resubscriptions lists every topic in use and drops cached list state, the
// broker is about to re-deliver all retained children
func (c *MQTT) resubscriptions() []paho.SubscribeOptions {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := map[string]bool{historyResponseTopic + "+": true}
	subscriptions := []paho.SubscribeOptions{
		// listen to history responses
		{Topic: historyResponseTopic + "+", QoS: qos},
	}
	for _, sub := range c.subs {
		if sub.path == ConnectivityPath {
			continue
		}
		if sub.query.IsList() {
			sub.children = make(map[string]any)
		}
		if topic := sub.topic(); !seen[topic] {
			seen[topic] = true
			subscriptions = append(subscriptions, paho.SubscribeOptions{Topic: topic, QoS: qos})
		}
	}
	return subscriptions
}

func (c *MQTT) enqueue(op topicOp) {
	c.mu.Lock()
	c.ops = append(c.ops, op)
	start := !c.draining
	c.draining = true
	c.mu.Unlock()

	if start {
		go c.drain()
	}
}

// drain applies queued topic operations in order. Each one looks at the
// subscriptions as they are when it runs, so an unsubscribe queued before a
// resubscription of the same topic leaves the topic subscribed.
func (c *MQTT) drain() {
	for {
		c.mu.Lock()
		if len(c.ops) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		op := c.ops[0]
		c.ops = c.ops[1:]
		wanted := c.wantedLocked(op.topic)
		subscribed := c.atBroker[op.topic]
		client := c.topics
		c.mu.Unlock()

		// the next connection subscribes everything again
		if client == nil || !c.isConnected.Load() {
			continue
		}
		switch {
		case wanted && (!subscribed || (op.fresh != nil && !op.fresh.closed.Load())):
			c.subscribeTopic(client, op.topic)
		case !wanted && subscribed:
			c.unsubscribeTopic(client, op.topic)
		}
	}
}

func (c *MQTT) wantedLocked(topic string) bool {
	for _, sub := range c.subs {
		if sub.path != ConnectivityPath && !sub.closed.Load() && sub.topic() == topic {
			return true
		}
	}
	return false
}

func (c *MQTT) subscribeTopic(client topicClient, topic string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout())
	defer cancel()
	_, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qos}},
	})

	c.mu.Lock()
	var failed []*mqttSub
	if err == nil {
		c.atBroker[topic] = true
	} else {
		for _, sub := range c.subs {
			if sub.path != ConnectivityPath && sub.topic() == topic {
				failed = append(failed, sub)
			}
		}
	}
	c.mu.Unlock()

	if err != nil {
		log.Error().Msgf("Failed to subscribe to %s: %s", topic, err)
		for _, sub := range failed {
			if !sub.closed.Load() && sub.onError != nil {
				sub.onError(fmt.Errorf("subscribe %s: %w", topic, err))
			}
		}
	}
}

func (c *MQTT) unsubscribeTopic(client topicClient, topic string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout())
	defer cancel()
	if _, err := client.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}}); err != nil {
		log.Error().Msgf("Failed to unsubscribe from %s: %s", topic, err)
		return
	}
	c.mu.Lock()
	delete(c.atBroker, topic)
	c.mu.Unlock()
}

func (c *MQTT) requestTimeout() time.Duration {
	if c.config.RequestTimeout > 0 {
		return c.config.RequestTimeout
	}
	return 5 * time.Second
}

// connectionLost reports the error to every data subscription once per outage
func (c *MQTT) connectionLost(err error) {
	if !c.isConnected.Swap(false) {
		return
	}
	if err == nil {
		err = ErrDisconnected
	}
	wrapped := errors.Join(ErrDisconnected, err)

	c.mu.Lock()
	subs := make([]*mqttSub, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		if sub.path == ConnectivityPath {
			c.deliver(sub, Snapshot{Path: sub.path, Exists: true, Value: false})
			continue
		}
		if !sub.closed.Load() && sub.onError != nil {
			sub.onError(wrapped)
		}
	}
}

func (c *MQTT) notifyConnectivity() {
	c.mu.Lock()
	var subs []*mqttSub
	for _, sub := range c.subs {
		if sub.path == ConnectivityPath {
			subs = append(subs, sub)
		}
	}
	c.mu.Unlock()

	connected := c.isConnected.Load()
	for _, sub := range subs {
		c.deliver(sub, Snapshot{Path: sub.path, Exists: true, Value: connected})
	}
}

// route handles every incoming publish
func (c *MQTT) route(msg *paho.Publish) {
	// history responses
	if id, found := strings.CutPrefix(msg.Topic, historyResponseTopic); found {
		log.Debug().Msgf("History response received with id #%s", id)
		resp := events.HistoryResponse{Id: id}
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			log.Error().Msgf("Failed to unmarshal history response: %s. Payload: %s", err, msg.Payload)
			resp.Error = "malformed response"
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		c.mu.Unlock()
		if !ok {
			log.Warn().Msgf("No pending history request #%s", id)
			return
		}
		select {
		case ch <- &resp:
		default:
		}
		return
	}

	var value any
	deleted := len(msg.Payload) == 0
	if !deleted {
		if err := json.Unmarshal(msg.Payload, &value); err != nil {
			// not JSON, hand the raw text on and let the normalizer reject it
			value = string(msg.Payload)
		}
	}

	parent, key := splitTopic(msg.Topic)

	type pendingDelivery struct {
		sub  *mqttSub
		snap Snapshot
	}
	var out []pendingDelivery

	c.mu.Lock()
	for _, sub := range c.subs {
		switch {
		case !sub.query.IsList() && sub.path == msg.Topic:
			sub.value, sub.exists = value, !deleted
			out = append(out, pendingDelivery{sub, Snapshot{Path: sub.path, Exists: sub.exists, Value: sub.value}})
		case sub.query.IsList() && sub.path == parent:
			if deleted {
				delete(sub.children, key)
			} else {
				sub.children[key] = value
			}
			children := make([]Child, 0, len(sub.children))
			for k, v := range sub.children {
				children = append(children, Child{Key: k, Value: v})
			}
			children = LastN(children, sub.query.OrderKey, sub.query.Limit)
			out = append(out, pendingDelivery{sub, Snapshot{Path: sub.path, Exists: len(children) > 0, Children: children}})
		}
	}
	c.mu.Unlock()

	if len(out) == 0 {
		log.Debug().Msgf("Unrouted message on %s", msg.Topic)
	}
	for _, d := range out {
		c.deliver(d.sub, d.snap)
	}
}

func (c *MQTT) deliver(sub *mqttSub, snap Snapshot) {
	if sub.closed.Load() || sub.onData == nil {
		return
	}
	sub.onData(snap)
}

func splitTopic(topic string) (parent, key string) {
	i := strings.LastIndex(topic, "/")
	if i < 0 {
		return "", topic
	}
	return topic[:i], topic[i+1:]
}
