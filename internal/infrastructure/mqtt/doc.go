// Package mqtt provides MQTT connectivity for the shepherd.
//
// This package manages:
//   - Connection to the broker, with backoff on startup and auto-reconnect after
//   - Publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - A retained status topic with Last Will and Testament
//   - The LwMQN topic layout (Topics)
//   - An in-memory Broker for tests and device simulation
//
// # Architecture
//
// Devices and the shepherd never talk directly; every exchange is a
// publication on a well-known topic:
//
//	device ── register/<id>, notify/<id>, response/<id> ──▶ broker ──▶ shepherd
//	device ◀── request/<id>, <verb>/response/<id> ──────── broker ◀── shepherd
//
// # Security Considerations
//
//   - Use TLS outside the lab (cfg.Broker.TLS=true)
//   - Broker ACLs should restrict each device to its own client id topics
//   - Payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	topics := mqtt.Topics{Prefix: cfg.Shepherd.TopicPrefix}
//	client, err := mqtt.ConnectWithRetry(ctx, cfg.MQTT, topics)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(topics.InboundWildcard(mqtt.VerbRegister), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("register on %s", topic)
//	        return nil
//	    })
package mqtt
