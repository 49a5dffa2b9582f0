package mqtt

import (
	"strings"
	"sync"
)

// MatchTopic reports whether topic matches the subscription filter,
// following MQTT 3.1.1 wildcard rules: "+" matches one level, a trailing
// "#" matches the remaining levels (including none), and wildcards never
// match topics starting with "$" at the first level.
func MatchTopic(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return i == len(f)-1
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// Broker is an in-memory MQTT broker. Clients attached to the same Broker
// see each other's publications. Delivery to each client is asynchronous
// and in publish order, as with paho's ordered delivery.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Broker struct {
	mu       sync.RWMutex
	clients  map[*LoopbackClient]struct{}
	retained map[string][]byte
}

// NewBroker creates an empty in-memory broker.
func NewBroker() *Broker {
	return &Broker{
		clients:  make(map[*LoopbackClient]struct{}),
		retained: make(map[string][]byte),
	}
}

// Connect attaches a new connected client.
func (b *Broker) Connect(clientID string) *LoopbackClient {
	c := &LoopbackClient{
		broker:    b,
		id:        clientID,
		subs:      make(map[string]MessageHandler),
		connected: true,
	}
	c.cond = sync.NewCond(&c.qmu)
	c.done = make(chan struct{})
	go c.deliver()

	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	return c
}

// Retained returns the retained payload stored for topic.
func (b *Broker) Retained(topic string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.retained[topic]
	return p, ok
}

func (b *Broker) route(topic string, payload []byte, retained bool) {
	b.mu.Lock()
	if retained {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = payload
		}
	}
	clients := make([]*LoopbackClient, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		c.offer(topic, payload)
	}
}

func (b *Broker) retainedMatching(filter string) []delivery {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []delivery
	for topic, payload := range b.retained {
		if MatchTopic(filter, topic) {
			out = append(out, delivery{topic: topic, payload: payload})
		}
	}
	return out
}

func (b *Broker) detach(c *LoopbackClient) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

type delivery struct {
	topic   string
	payload []byte
	handler MessageHandler
}

// LoopbackClient is one connection to a Broker. It offers the same
// publish and subscribe surface as Client.
type LoopbackClient struct {
	broker *Broker
	id     string

	mu        sync.RWMutex
	subs      map[string]MessageHandler
	connected bool
	onConnect func()
	logger    Logger

	qmu    sync.Mutex
	cond   *sync.Cond
	queue  []delivery
	closed bool
	done   chan struct{}
}

// ID returns the client id given to Connect.
func (c *LoopbackClient) ID() string { return c.id }

// Publish delivers payload to every client subscribed to a matching filter.
func (c *LoopbackClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.broker.route(topic, append([]byte(nil), payload...), retained)
	return nil
}

// Subscribe registers handler for filter. Matching retained messages are
// delivered straight away.
func (c *LoopbackClient) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return ErrSubscribeFailed
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	c.subs[filter] = handler
	c.mu.Unlock()

	for _, d := range c.broker.retainedMatching(filter) {
		d.handler = handler
		c.enqueue(d)
	}
	return nil
}

// Unsubscribe removes filter.
func (c *LoopbackClient) Unsubscribe(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	c.mu.Lock()
	delete(c.subs, filter)
	c.mu.Unlock()
	return nil
}

// HasSubscription checks whether filter is subscribed.
func (c *LoopbackClient) HasSubscription(filter string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[filter]
	return ok
}

// IsConnected returns the simulated connection state.
func (c *LoopbackClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SetOnConnect sets a callback run by Reconnect.
func (c *LoopbackClient) SetOnConnect(callback func()) {
	c.mu.Lock()
	c.onConnect = callback
	c.mu.Unlock()
}

// SetLogger sets a logger for handler errors and panics.
func (c *LoopbackClient) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

// Disconnect simulates a dropped connection. Subscriptions are kept.
func (c *LoopbackClient) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// Reconnect restores the connection and runs the OnConnect callback.
func (c *LoopbackClient) Reconnect() {
	c.mu.Lock()
	c.connected = true
	callback := c.onConnect
	c.mu.Unlock()
	if callback != nil {
		callback()
	}
}

// Close detaches from the broker and stops delivery once queued
// messages have been handled.
func (c *LoopbackClient) Close() error {
	c.Disconnect()
	c.broker.detach(c)

	c.qmu.Lock()
	if !c.closed {
		c.closed = true
		c.cond.Broadcast()
	}
	c.qmu.Unlock()
	<-c.done
	return nil
}

func (c *LoopbackClient) offer(topic string, payload []byte) {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return
	}
	var matched []MessageHandler
	for filter, h := range c.subs {
		if MatchTopic(filter, topic) {
			matched = append(matched, h)
		}
	}
	c.mu.RUnlock()

	for _, h := range matched {
		c.enqueue(delivery{topic: topic, payload: payload, handler: h})
	}
}

func (c *LoopbackClient) enqueue(d delivery) {
	c.qmu.Lock()
	if !c.closed {
		c.queue = append(c.queue, d)
	}
	c.qmu.Unlock()
	c.cond.Signal()
}

func (c *LoopbackClient) deliver() {
	defer close(c.done)
	for {
		c.qmu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if len(c.queue) == 0 {
			c.qmu.Unlock()
			return
		}
		batch := c.queue
		c.queue = nil
		c.qmu.Unlock()

		for _, d := range batch {
			c.call(d)
		}
	}
}

func (c *LoopbackClient) call(d delivery) {
	c.mu.RLock()
	logger := c.logger
	c.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Error("MQTT handler panic recovered", "topic", d.topic, "panic", r)
		}
	}()
	if err := d.handler(d.topic, d.payload); err != nil && logger != nil {
		logger.Warn("MQTT handler returned error", "topic", d.topic, "error", err)
	}
}
