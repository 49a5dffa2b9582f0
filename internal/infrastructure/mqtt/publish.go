package mqtt

import (
	"fmt"
)

// maxPayloadSize caps outbound payloads (1MB), in line with common broker limits.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic.
//
// Parameters:
//   - topic: The topic to publish to (e.g., "request/dev1")
//   - payload: The codec-encoded payload, max 1MB
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: Whether the broker keeps the message for new subscribers
//
// Requests and acknowledgements are never retained; only the shepherd
// status topic is.
//
// Returns:
//   - error: nil on success, or a wrapped ErrPublishFailed / ErrNotConnected
//
// Example:
//
//	topic := mqtt.Topics{}.Ack(mqtt.VerbRegister, "dev1")
//	err := client.Publish(topic, []byte(`{"status":201}`), 1, false)
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %w after %v", ErrPublishFailed, ErrTimeout, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}
