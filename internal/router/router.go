package router

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/lwmqn/shepherd-sub001/internal/codec"
	"github.com/lwmqn/shepherd-sub001/internal/coordinator"
	"github.com/lwmqn/shepherd-sub001/internal/events"
	"github.com/lwmqn/shepherd-sub001/internal/infrastructure/mqtt"
	"github.com/lwmqn/shepherd-sub001/internal/protocol"
	"github.com/lwmqn/shepherd-sub001/internal/registry"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultShards    = 8
	DefaultQueueSize = 256
)

// Transport is the subset of an MQTT connection the router needs.
// Both *mqtt.Client and *mqtt.LoopbackClient satisfy it.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Authorizer decides whether a device may register. A non-nil error
// rejects the registration with 401.
type Authorizer interface {
	Authorize(ctx context.Context, clientID string, meta registry.Metadata) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, clientID string, meta registry.Metadata) error

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, clientID string, meta registry.Metadata) error {
	return f(ctx, clientID, meta)
}

type allowAll struct{}

func (allowAll) Authorize(context.Context, string, registry.Metadata) error { return nil }

// AllowAll accepts every device.
var AllowAll Authorizer = allowAll{}

// Logger defines the logging interface used by the Router.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config configures a Router.
type Config struct {
	Topics mqtt.Topics
	Codec  codec.Codec

	// QoS is used for subscriptions and acknowledgements.
	QoS byte

	// Shards is the number of worker goroutines.
	Shards int

	// QueueSize bounds each shard's backlog.
	QueueSize int

	// Authorizer defaults to AllowAll.
	Authorizer Authorizer

	// Joinable reports whether new devices may register. Nil means always.
	Joinable func() bool
}

// inbound is a decoded message waiting for its shard worker.
type inbound struct {
	verb     string
	clientID string
	msg      any
	epoch    uint64
}

// Router dispatches device messages.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Router struct {
	transport Transport
	registry  *registry.Registry
	coord     *coordinator.Coordinator
	bus       *events.Bus
	cfg       Config

	mu         sync.RWMutex
	ctx        context.Context
	started    bool
	stopped    bool
	shards     []chan inbound
	subscribed []string
	wg         sync.WaitGroup

	epoch   atomic.Uint64
	dropped atomic.Int64

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates a Router. Call Start to subscribe.
func New(transport Transport, reg *registry.Registry, coord *coordinator.Coordinator, bus *events.Bus, cfg Config) *Router {
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON{}
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = AllowAll
	}
	if cfg.Joinable == nil {
		cfg.Joinable = func() bool { return true }
	}
	return &Router{
		transport: transport,
		registry:  reg,
		coord:     coord,
		bus:       bus,
		cfg:       cfg,
		ctx:       context.Background(),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the Router.
func (r *Router) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	defer r.loggerMu.Unlock()
	r.logger = logger
}

func (r *Router) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// Start launches the shard workers and subscribes to every inbound topic.
// If a subscription fails, those already made are undone and the workers
// are stopped.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	r.ctx = ctx
	r.shards = make([]chan inbound, r.cfg.Shards)
	for i := range r.shards {
		q := make(chan inbound, r.cfg.QueueSize)
		r.shards[i] = q
		r.wg.Add(1)
		go r.work(q)
	}
	r.mu.Unlock()

	for _, filter := range r.cfg.Topics.Subscriptions() {
		if err := r.transport.Subscribe(filter, r.cfg.QoS, r.handleMessage); err != nil {
			r.Stop()
			return fmt.Errorf("subscribing %s: %w", filter, err)
		}
		r.mu.Lock()
		r.subscribed = append(r.subscribed, filter)
		r.mu.Unlock()
	}

	r.getLogger().Info("router started",
		"shards", r.cfg.Shards,
		"queue_size", r.cfg.QueueSize,
		"subscriptions", len(r.subscribed))
	return nil
}

// Stop unsubscribes, then lets the workers finish what is already queued.
// It is safe to call more than once.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	filters := r.subscribed
	r.subscribed = nil
	r.mu.Unlock()

	for _, filter := range filters {
		if err := r.transport.Unsubscribe(filter); err != nil {
			r.getLogger().Warn("unsubscribe failed", "topic", filter, "error", err)
		}
	}

	// No dispatch can be sending once stopped is set under the write lock.
	r.mu.Lock()
	for _, q := range r.shards {
		close(q)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Reconnected bumps the epoch after the transport reconnects. Messages
// from before and after the boundary carry different epochs in the logs.
func (r *Router) Reconnected() {
	epoch := r.epoch.Add(1)
	r.getLogger().Info("router epoch advanced after reconnect", "epoch", epoch)
}

// Epoch returns the current reconnect epoch.
func (r *Router) Epoch() uint64 {
	return r.epoch.Load()
}

// Dropped returns how many messages were discarded because a shard queue
// was full.
func (r *Router) Dropped() int64 {
	return r.dropped.Load()
}

// handleMessage runs in the transport goroutine. It decodes the payload and
// queues it without blocking.
func (r *Router) handleMessage(topic string, payload []byte) error {
	verb, topicID, ok := r.cfg.Topics.Parse(topic)
	if !ok {
		r.getLogger().Debug("ignoring message on unexpected topic", "topic", topic)
		return nil
	}

	clientID, msg, err := r.decode(verb, payload)
	if err != nil {
		r.malformed(verb, topicID, fmt.Errorf("%w: decoding %s payload: %w", protocol.ErrBadRequest, verb, err))
		return nil
	}
	switch {
	case topicID != "" && clientID != "" && topicID != clientID:
		r.malformed(verb, topicID, fmt.Errorf("%w: topic %q, payload %q", ErrClientMismatch, topicID, clientID))
		return nil
	case clientID == "":
		clientID = topicID
	}
	if clientID == "" {
		r.malformed(verb, "", ErrMissingClientID)
		return nil
	}

	r.dispatch(inbound{verb: verb, clientID: clientID, msg: msg, epoch: r.epoch.Load()})
	return nil
}

func (r *Router) decode(verb string, payload []byte) (string, any, error) {
	c := r.cfg.Codec
	switch verb {
	case mqtt.VerbRegister:
		var m protocol.RegisterMessage
		err := c.Unmarshal(payload, &m)
		return m.ClientID, m, err
	case mqtt.VerbDeregister:
		var m protocol.DeregisterMessage
		err := c.Unmarshal(payload, &m)
		return m.ClientID, m, err
	case mqtt.VerbUpdate:
		var m protocol.UpdateMessage
		err := c.Unmarshal(payload, &m)
		return m.ClientID, m, err
	case mqtt.VerbNotify:
		var m protocol.NotifyMessage
		err := c.Unmarshal(payload, &m)
		return m.ClientID, m, err
	case mqtt.VerbResponse:
		var m protocol.ResponseMessage
		err := c.Unmarshal(payload, &m)
		return m.ClientID, m, err
	case mqtt.VerbPing:
		var m protocol.PingMessage
		err := c.Unmarshal(payload, &m)
		return m.ClientID, m, err
	default:
		return "", nil, fmt.Errorf("unknown verb %q", verb)
	}
}

func (r *Router) shardFor(clientID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return int(h.Sum32() % uint32(len(r.shards)))
}

func (r *Router) dispatch(m inbound) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.started || r.stopped {
		return
	}

	select {
	case r.shards[r.shardFor(m.clientID)] <- m:
	default:
		r.dropped.Add(1)
		r.getLogger().Warn("shard queue full, message dropped",
			"verb", m.verb,
			"client_id", m.clientID,
			"epoch", m.epoch)
		r.bus.Emit(events.Event{Kind: events.KindError, ClientID: m.clientID, Err: ErrQueueFull})
	}
}

func (r *Router) work(q <-chan inbound) {
	defer r.wg.Done()
	for m := range q {
		r.process(m)
	}
}

func (r *Router) process(m inbound) {
	defer func() {
		if rec := recover(); rec != nil {
			r.getLogger().Error("router handler panic recovered",
				"verb", m.verb,
				"client_id", m.clientID,
				"panic", rec)
		}
	}()

	r.getLogger().Debug("handling message", "verb", m.verb, "client_id", m.clientID, "epoch", m.epoch)

	switch msg := m.msg.(type) {
	case protocol.RegisterMessage:
		r.handleRegister(m, msg)
	case protocol.DeregisterMessage:
		r.handleDeregister(m)
	case protocol.UpdateMessage:
		r.handleUpdate(m, msg)
	case protocol.NotifyMessage:
		r.handleNotify(m, msg)
	case protocol.ResponseMessage:
		r.handleResponse(m, msg)
	case protocol.PingMessage:
		r.handlePing(m)
	}
}

// malformed logs a rejected message, raises an error event and, when the
// sender is known, answers 400.
func (r *Router) malformed(verb, clientID string, err error) {
	r.getLogger().Warn("malformed message dropped", "verb", verb, "client_id", clientID, "error", err)
	r.bus.Emit(events.Event{Kind: events.KindError, ClientID: clientID, Err: err})
	if clientID != "" && verb != mqtt.VerbResponse {
		r.ack(verb, clientID, protocol.StatusBadRequest)
	}
}

func (r *Router) ack(verb, clientID string, status protocol.Status) {
	payload, err := r.cfg.Codec.Marshal(protocol.StatusMessage{Status: status})
	if err != nil {
		r.getLogger().Error("encoding ack failed", "verb", verb, "client_id", clientID, "error", err)
		return
	}
	topic := r.cfg.Topics.Ack(verb, clientID)
	if err := r.transport.Publish(topic, payload, r.cfg.QoS, false); err != nil {
		r.getLogger().Warn("publishing ack failed", "topic", topic, "error", err)
		r.bus.Emit(events.Event{Kind: events.KindError, ClientID: clientID, Err: fmt.Errorf("%w: %w", protocol.ErrTransport, err)})
	}
}
