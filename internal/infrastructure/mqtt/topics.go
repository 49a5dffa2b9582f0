package mqtt

import "strings"

// Inbound message kinds. Each is also the root topic devices publish on.
const (
	VerbRegister   = "register"
	VerbDeregister = "deregister"
	VerbUpdate     = "update"
	VerbNotify     = "notify"
	VerbResponse   = "response"
	VerbPing       = "ping"
)

// InboundVerbs lists every kind the shepherd subscribes to.
var InboundVerbs = []string{VerbRegister, VerbDeregister, VerbUpdate, VerbNotify, VerbResponse, VerbPing}

const (
	// segmentRequest is the root of shepherd-to-device requests.
	segmentRequest = "request"

	// segmentAck sits between the verb and the client id on acknowledgements.
	segmentAck = "response"

	// statusTopic carries the shepherd's own online/offline state.
	statusTopic = "shepherd/status"
)

// Topics provides builders for LwMQN topics.
// Using these helpers keeps topic naming consistent across the codebase.
//
// Prefix, when set, is prepended to every topic:
//
//	topics := mqtt.Topics{Prefix: "site1"}
//	topics.Request("dev1")         // "site1/request/dev1"
//	topics.Ack("register", "dev1") // "site1/register/response/dev1"
type Topics struct {
	Prefix string
}

func (t Topics) join(parts ...string) string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return strings.Join(parts, "/")
	}
	return p + "/" + strings.Join(parts, "/")
}

// =============================================================================
// Device to shepherd
// =============================================================================

// Inbound returns the shared root topic for verb.
//
// Example: register
func (t Topics) Inbound(verb string) string {
	return t.join(verb)
}

// InboundFor returns the per-client topic for verb.
//
// Example: register/dev1
func (t Topics) InboundFor(verb, clientID string) string {
	return t.join(verb, clientID)
}

// InboundWildcard returns the subscription filter for every per-client form of verb.
//
// Example: register/+
func (t Topics) InboundWildcard(verb string) string {
	return t.join(verb, "+")
}

// Subscriptions returns every filter the shepherd subscribes to.
func (t Topics) Subscriptions() []string {
	filters := make([]string, 0, 2*len(InboundVerbs))
	for _, verb := range InboundVerbs {
		filters = append(filters, t.Inbound(verb), t.InboundWildcard(verb))
	}
	return filters
}

// Parse splits an inbound topic into its verb and, for per-client forms,
// the client id. ok is false for anything that is not an inbound topic,
// including acknowledgements and requests.
func (t Topics) Parse(topic string) (verb, clientID string, ok bool) {
	rest, ok := t.trim(topic)
	if !ok {
		return "", "", false
	}

	parts := strings.Split(rest, "/")
	if len(parts) > 2 || !isInbound(parts[0]) {
		return "", "", false
	}
	if len(parts) == 2 {
		if parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], true
	}
	return parts[0], "", true
}

func (t Topics) trim(topic string) (string, bool) {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return topic, true
	}
	return strings.CutPrefix(topic, p+"/")
}

func isInbound(verb string) bool {
	for _, v := range InboundVerbs {
		if v == verb {
			return true
		}
	}
	return false
}

// =============================================================================
// Shepherd to device
// =============================================================================

// Request returns the topic requests to a device are published on.
//
// Example: request/dev1
func (t Topics) Request(clientID string) string {
	return t.join(segmentRequest, clientID)
}

// RequestWildcard matches requests to every device. Device-side code uses it.
//
// Example: request/+
func (t Topics) RequestWildcard() string {
	return t.join(segmentRequest, "+")
}

// Ack returns the acknowledgement topic for verb.
//
// Example: register/response/dev1
func (t Topics) Ack(verb, clientID string) string {
	return t.join(verb, segmentAck, clientID)
}

// AckWildcard matches every acknowledgement addressed to clientID.
// Device-side code uses it.
//
// Example: +/response/dev1
func (t Topics) AckWildcard(clientID string) string {
	return t.join("+", segmentAck, clientID)
}

// ParseAck splits an acknowledgement topic into the verb it answers and
// the client id.
func (t Topics) ParseAck(topic string) (verb, clientID string, ok bool) {
	rest, ok := t.trim(topic)
	if !ok {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != segmentAck || !isInbound(parts[0]) || parts[2] == "" {
		return "", "", false
	}
	return parts[0], parts[2], true
}

// Status returns the shepherd status topic used for the LWT.
//
// Example: shepherd/status
func (t Topics) Status() string {
	return t.join(statusTopic)
}
