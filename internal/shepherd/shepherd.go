// Package shepherd owns every core component of an LwMQN server and wires
// them together: the device registry, the request coordinator, the inbound
// router, the event bus and the two sweepers.
//
// A Shepherd holds no globals. Several can run side by side in one process,
// which is how the end-to-end tests use it.
//
// # Lifecycle
//
//	s, err := shepherd.New(shepherd.Options{Config: cfg.Shepherd, Transport: client})
//	if err != nil {
//	    return err
//	}
//	if err := s.Start(ctx); err != nil {
//	    return err // e.g. `setup step "subscribe router": ...`
//	}
//	defer s.Stop(context.Background())
//
//	v, err := s.Read(ctx, "dev1", protocol.ResourcePath(3303, 0, 5700))
package shepherd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lwmqn/shepherd-sub001/internal/codec"
	"github.com/lwmqn/shepherd-sub001/internal/coordinator"
	"github.com/lwmqn/shepherd-sub001/internal/events"
	"github.com/lwmqn/shepherd-sub001/internal/infrastructure/config"
	"github.com/lwmqn/shepherd-sub001/internal/infrastructure/mqtt"
	"github.com/lwmqn/shepherd-sub001/internal/protocol"
	"github.com/lwmqn/shepherd-sub001/internal/registry"
	"github.com/lwmqn/shepherd-sub001/internal/router"
)

// Sweeper defaults when the configuration leaves an interval unset.
const (
	defaultSweepInterval  = 100 * time.Millisecond
	defaultExpiryInterval = 30 * time.Second
)

// Domain errors for the shepherd package.
var (
	// ErrDeviceOffline is returned for requests to a device that is
	// registered but not online. It matches protocol.ErrNotFound.
	ErrDeviceOffline = fmt.Errorf("shepherd: device offline: %w", protocol.ErrNotFound)

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("shepherd: already started")

	// ErrNoTransport is returned by New without a transport.
	ErrNoTransport = errors.New("shepherd: transport is required")
)

// Transport is the MQTT connection the shepherd publishes and subscribes on.
type Transport = router.Transport

// Authorizer decides whether a device may register.
type Authorizer = router.Authorizer

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc = router.AuthorizerFunc

// AllowAll accepts every device. It is the default Authorizer.
var AllowAll = router.AllowAll

// Logger defines the logging interface shared by all components.
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

// Options configures New.
type Options struct {
	Config config.ShepherdConfig

	// Transport is required.
	Transport Transport

	// QoS is used for every publish and subscription.
	QoS byte

	// Repository persists device records. Nil keeps them in memory only.
	Repository registry.Repository

	// Authorizer defaults to AllowAll.
	Authorizer Authorizer

	// Codec overrides Config.Codec.
	Codec codec.Codec

	Logger Logger

	// Now overrides the clock for every component. Defaults to time.Now.
	Now func() time.Time
}

// Stats is a point-in-time summary used by health endpoints.
type Stats struct {
	Devices  int    `json:"devices"`
	Pending  int    `json:"pending_requests"`
	Dropped  int64  `json:"dropped_messages"`
	Epoch    uint64 `json:"epoch"`
	Joinable bool   `json:"joinable"`
}

// Shepherd is the server context.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Shepherd struct {
	cfg       config.ShepherdConfig
	topics    mqtt.Topics
	codec     codec.Codec
	qos       byte
	transport Transport

	registry *registry.Registry
	coord    *coordinator.Coordinator
	router   *router.Router
	bus      *events.Bus

	logger Logger
	now    func() time.Time

	mu        sync.Mutex
	started   bool
	stopped   bool
	joinUntil time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a Shepherd. Nothing is subscribed until Start.
func New(opts Options) (*Shepherd, error) {
	if opts.Transport == nil {
		return nil, ErrNoTransport
	}
	c := opts.Codec
	if c == nil {
		var err error
		if c, err = codec.ByName(opts.Config.Codec); err != nil {
			return nil, err
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	s := &Shepherd{
		cfg:       opts.Config,
		topics:    mqtt.Topics{Prefix: opts.Config.TopicPrefix},
		codec:     c,
		qos:       opts.QoS,
		transport: opts.Transport,
		logger:    logger,
		now:       now,
		bus:       events.NewBus(),
	}

	s.registry = registry.New(opts.Repository, registry.Options{
		AllowRenew:        opts.Config.AllowRenew,
		DefaultLifetime:   opts.Config.DefaultLifetime,
		DefaultAttributes: attributesFromConfig(opts.Config.DefaultAttributes),
		Now:               now,
	})
	s.coord = coordinator.New(coordinator.SenderFunc(s.sendRequest), coordinator.Options{
		Window:  opts.Config.TransactionWindow,
		Timeout: opts.Config.RequestTimeout,
		Now:     now,
	})
	s.router = router.New(opts.Transport, s.registry, s.coord, s.bus, router.Config{
		Topics:     s.topics,
		Codec:      c,
		QoS:        opts.QoS,
		Shards:     opts.Config.RouterShards,
		QueueSize:  opts.Config.RouterQueue,
		Authorizer: opts.Authorizer,
		Joinable:   s.Joinable,
	})

	s.registry.SetLogger(logger)
	s.coord.SetLogger(logger)
	s.router.SetLogger(logger)
	s.bus.SetLogger(logger)
	return s, nil
}

func attributesFromConfig(a config.AttributesConfig) protocol.Attributes {
	return protocol.Attributes{
		Pmin:   a.Pmin,
		Pmax:   a.Pmax,
		Gt:     a.Gt,
		Lt:     a.Lt,
		Step:   a.Step,
		Cancel: a.Cancel,
	}.Clone()
}

// sendRequest implements coordinator.Sender.
func (s *Shepherd) sendRequest(clientID string, msg protocol.RequestMessage) error {
	payload, err := s.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	s.logger.Debug("sending request", "client_id", clientID, "request", msg.String())
	return s.transport.Publish(s.topics.Request(clientID), payload, s.qos, false)
}

// Start runs the setup pipeline. It stops at the first failing step and
// returns `setup step "<name>": <err>`.
func (s *Shepherd) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	err := runPipeline(ctx, []step{
		{"load registry", s.registry.Load},
		{"subscribe router", s.router.Start},
		{"start sweepers", s.startSweepers},
		{"emit ready", s.emitReady},
	})
	if err != nil {
		s.logger.Error("shepherd setup failed", "error", err)
		return err
	}
	s.logger.Info("shepherd ready",
		"id", s.cfg.ID,
		"codec", s.codec.Name(),
		"devices", s.registry.Count())
	return nil
}

func (s *Shepherd) emitReady(context.Context) error {
	s.bus.Emit(events.Event{Kind: events.KindReady})
	return nil
}

// Stop unsubscribes, stops the sweepers, cancels every pending request,
// flushes persistence and closes the event bus. Requests issued afterwards
// fail with coordinator.ErrClosed. It is safe to call more than once.
func (s *Shepherd) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	s.router.Stop()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	cancelled := s.coord.Close()
	err := s.registry.Close(ctx)
	s.bus.Close()

	s.logger.Info("shepherd stopped", "cancelled_requests", cancelled)
	if err != nil {
		return fmt.Errorf("flushing registry: %w", err)
	}
	return nil
}

// Reconnected tells the router the transport came back.
func (s *Shepherd) Reconnected() {
	s.router.Reconnected()
}

// Events returns the lifecycle event bus.
func (s *Shepherd) Events() *events.Bus {
	return s.bus
}

// Topics returns the topic layout in use.
func (s *Shepherd) Topics() mqtt.Topics {
	return s.topics
}

// Stats returns a summary of the shepherd's state.
func (s *Shepherd) Stats() Stats {
	return Stats{
		Devices:  s.registry.Count(),
		Pending:  s.coord.Pending(""),
		Dropped:  s.router.Dropped(),
		Epoch:    s.router.Epoch(),
		Joinable: s.Joinable(),
	}
}

// =============================================================================
// Join window
// =============================================================================

// PermitJoin opens the join window for d and returns when it closes.
// A non-positive d closes it at once. With permit_join configured the
// window is always open.
func (s *Shepherd) PermitJoin(d time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		s.joinUntil = time.Time{}
	} else {
		s.joinUntil = s.now().Add(d)
	}
	s.logger.Info("join window set", "until", s.joinUntil)
	return s.joinUntil
}

// Joinable reports whether a new device may register now.
func (s *Shepherd) Joinable() bool {
	if s.cfg.PermitJoin {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Before(s.joinUntil)
}

// =============================================================================
// Registry access
// =============================================================================

// Find returns a copy of a device record.
func (s *Shepherd) Find(clientID string) (*registry.Device, bool) {
	return s.registry.Find(clientID)
}

// List returns copies of every device record, ordered by client id.
func (s *Shepherd) List() []*registry.Device {
	return s.registry.List()
}

// Observations returns the active observations of a device.
func (s *Shepherd) Observations(clientID string) []coordinator.Observation {
	return s.coord.Observations(clientID)
}

// Remove deletes a device on an operator's behalf. Its pending requests and
// observations are cancelled.
func (s *Shepherd) Remove(ctx context.Context, clientID string) (*registry.Device, error) {
	mark := s.coord.Mark()
	dev, err := s.registry.Deregister(ctx, clientID)
	if err != nil {
		return nil, err
	}
	cancelled := s.coord.CancelDeviceBefore(clientID, mark)
	s.logger.Info("device removed", "client_id", clientID, "cancelled_requests", cancelled)
	s.bus.Emit(events.Event{Kind: events.KindDeregistered, ClientID: clientID, Device: dev, Removed: true})
	return dev, nil
}
