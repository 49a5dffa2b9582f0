// Package nodesim runs a simulated LwMQN device over an MQTT transport.
//
// A Node publishes register, update, notify, ping and deregister messages,
// waits for the shepherd's acknowledgements, and answers requests from its
// smartobject.Store. It drives end-to-end tests and the demo command.
package nodesim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lwmqn/shepherd-sub001/internal/codec"
	"github.com/lwmqn/shepherd-sub001/internal/infrastructure/mqtt"
	"github.com/lwmqn/shepherd-sub001/internal/protocol"
	"github.com/lwmqn/shepherd-sub001/internal/smartobject"
)

// ErrAckPending is returned when a second message of the same kind is sent
// before the first one was acknowledged.
var ErrAckPending = errors.New("nodesim: acknowledgement already pending")

// Transport is the subset of an MQTT connection a Node needs.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Config describes the simulated device.
type Config struct {
	Topics   mqtt.Topics
	Codec    codec.Codec
	QoS      byte
	Lifetime int
	Version  string
	IP       string
}

// Node is one simulated device.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Node struct {
	clientID  string
	transport Transport
	store     *smartobject.Store
	cfg       Config

	mu       sync.Mutex
	waiters  map[string]chan protocol.Status
	observed map[string]protocol.Path
	requests int
}

// New creates a Node answering from store.
func New(clientID string, transport Transport, store *smartobject.Store, cfg Config) *Node {
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON{}
	}
	return &Node{
		clientID:  clientID,
		transport: transport,
		store:     store,
		cfg:       cfg,
		waiters:   make(map[string]chan protocol.Status),
		observed:  make(map[string]protocol.Path),
	}
}

// ClientID returns the device's client id.
func (n *Node) ClientID() string { return n.clientID }

// Store returns the device's resource tree.
func (n *Node) Store() *smartobject.Store { return n.store }

// Start subscribes to requests and acknowledgements addressed to the node.
func (n *Node) Start() error {
	if err := n.transport.Subscribe(n.cfg.Topics.Request(n.clientID), n.cfg.QoS, n.handleRequest); err != nil {
		return fmt.Errorf("subscribing to requests: %w", err)
	}
	if err := n.transport.Subscribe(n.cfg.Topics.AckWildcard(n.clientID), n.cfg.QoS, n.handleAck); err != nil {
		return fmt.Errorf("subscribing to acks: %w", err)
	}
	return nil
}

// Stop unsubscribes.
func (n *Node) Stop() error {
	return errors.Join(
		n.transport.Unsubscribe(n.cfg.Topics.Request(n.clientID)),
		n.transport.Unsubscribe(n.cfg.Topics.AckWildcard(n.clientID)),
	)
}

// Register announces the node and returns the shepherd's status.
func (n *Node) Register(ctx context.Context) (protocol.Status, error) {
	return n.send(ctx, mqtt.VerbRegister, protocol.RegisterMessage{
		ClientID: n.clientID,
		Lifetime: n.cfg.Lifetime,
		Version:  n.cfg.Version,
		ObjList:  n.store.ObjectList(),
		IP:       n.cfg.IP,
	})
}

// Update reports the node's current object list and any changed metadata.
func (n *Node) Update(ctx context.Context, lifetime *int, ip *string) (protocol.Status, error) {
	return n.send(ctx, mqtt.VerbUpdate, protocol.UpdateMessage{
		ClientID: n.clientID,
		Lifetime: lifetime,
		IP:       ip,
		ObjList:  n.store.ObjectList(),
	})
}

// Deregister leaves the network.
func (n *Node) Deregister(ctx context.Context) (protocol.Status, error) {
	return n.send(ctx, mqtt.VerbDeregister, protocol.DeregisterMessage{ClientID: n.clientID})
}

// Ping checks in without changing anything.
func (n *Node) Ping(ctx context.Context) (protocol.Status, error) {
	return n.send(ctx, mqtt.VerbPing, protocol.PingMessage{ClientID: n.clientID})
}

// Notify reports the current value at path, read from the store.
func (n *Node) Notify(ctx context.Context, path protocol.Path) (protocol.Status, error) {
	value, err := n.store.Read(path)
	if err != nil {
		return 0, err
	}
	oid, iid := path.ObjectID, path.InstanceID
	msg := protocol.NotifyMessage{ClientID: n.clientID, ObjID: &oid, InstID: &iid, Value: value}
	if path.HasResource() {
		rid := path.ResourceID
		msg.RID = &rid
	}
	return n.send(ctx, mqtt.VerbNotify, msg)
}

// NotifyObserved sends a notification for every observed path, in path order.
func (n *Node) NotifyObserved(ctx context.Context) error {
	for _, p := range n.Observed() {
		status, err := n.Notify(ctx, p)
		if err != nil {
			return fmt.Errorf("notifying %s: %w", p, err)
		}
		if !status.IsSuccess() {
			return fmt.Errorf("notifying %s: %w", p, &protocol.StatusError{Status: status})
		}
	}
	return nil
}

// Observed returns the paths the shepherd currently observes.
func (n *Node) Observed() []protocol.Path {
	n.mu.Lock()
	defer n.mu.Unlock()
	keys := make([]string, 0, len(n.observed))
	for k := range n.observed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]protocol.Path, len(keys))
	for i, k := range keys {
		out[i] = n.observed[k]
	}
	return out
}

// Requests returns how many requests the node has answered.
func (n *Node) Requests() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.requests
}

// send publishes msg on the node's per-client topic for verb and waits
// for the acknowledgement.
func (n *Node) send(ctx context.Context, verb string, msg any) (protocol.Status, error) {
	payload, err := n.cfg.Codec.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encoding %s: %w", verb, err)
	}

	ch := make(chan protocol.Status, 1)
	n.mu.Lock()
	if _, busy := n.waiters[verb]; busy {
		n.mu.Unlock()
		return 0, ErrAckPending
	}
	n.waiters[verb] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.waiters, verb)
		n.mu.Unlock()
	}()

	if err := n.transport.Publish(n.cfg.Topics.InboundFor(verb, n.clientID), payload, n.cfg.QoS, false); err != nil {
		return 0, fmt.Errorf("publishing %s: %w", verb, err)
	}

	select {
	case status := <-ch:
		return status, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("waiting for %s ack: %w", verb, ctx.Err())
	}
}

func (n *Node) handleAck(topic string, payload []byte) error {
	verb, _, ok := n.cfg.Topics.ParseAck(topic)
	if !ok {
		return nil
	}
	var msg protocol.StatusMessage
	if err := n.cfg.Codec.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding %s ack: %w", verb, err)
	}

	n.mu.Lock()
	ch, ok := n.waiters[verb]
	n.mu.Unlock()
	if ok {
		select {
		case ch <- msg.Status:
		default:
		}
	}
	return nil
}

func (n *Node) handleRequest(_ string, payload []byte) error {
	var req protocol.RequestMessage
	if err := n.cfg.Codec.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decoding request: %w", err)
	}

	status, data := n.answer(req)

	n.mu.Lock()
	n.requests++
	n.mu.Unlock()

	transID := req.TransID
	resp := protocol.ResponseMessage{TransID: &transID, ClientID: n.clientID, Status: status, Data: data}
	out, err := n.cfg.Codec.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return n.transport.Publish(n.cfg.Topics.InboundFor(mqtt.VerbResponse, n.clientID), out, n.cfg.QoS, false)
}

func (n *Node) answer(req protocol.RequestMessage) (protocol.Status, any) {
	path := req.Path()
	if !path.Valid() {
		return protocol.StatusBadRequest, nil
	}

	switch req.CmdID {
	case protocol.CmdRead:
		v, err := n.store.Read(path)
		if err != nil {
			return protocol.StatusForError(err), nil
		}
		return protocol.StatusContent, v

	case protocol.CmdWrite:
		if err := n.store.Write(path, req.Data); err != nil {
			return protocol.StatusForError(err), nil
		}
		return protocol.StatusChanged, nil

	case protocol.CmdDiscover:
		d, err := n.store.Discover(path)
		if err != nil {
			return protocol.StatusForError(err), nil
		}
		return protocol.StatusContent, d

	case protocol.CmdWriteAttrs:
		var attrs protocol.Attributes
		if err := n.recode(req.Data, &attrs); err != nil {
			return protocol.StatusBadRequest, nil
		}
		if err := n.store.WriteAttrs(path, attrs); err != nil {
			return protocol.StatusForError(err), nil
		}
		if attrs.Cancel {
			n.mu.Lock()
			delete(n.observed, path.String())
			n.mu.Unlock()
		}
		return protocol.StatusChanged, nil

	case protocol.CmdExecute:
		args, _ := req.Data.([]any)
		if err := n.store.Execute(path, args); err != nil {
			return protocol.StatusForError(err), nil
		}
		return protocol.StatusChanged, nil

	case protocol.CmdObserve:
		v, err := n.store.Read(path)
		if err != nil {
			return protocol.StatusForError(err), nil
		}
		n.mu.Lock()
		n.observed[path.String()] = path
		n.mu.Unlock()
		return protocol.StatusContent, v

	default:
		return protocol.StatusBadRequest, nil
	}
}

// recode converts a decoded untyped value into out through the codec.
func (n *Node) recode(in, out any) error {
	raw, err := n.cfg.Codec.Marshal(in)
	if err != nil {
		return err
	}
	return n.cfg.Codec.Unmarshal(raw, out)
}
