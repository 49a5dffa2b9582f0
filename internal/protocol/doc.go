// Package protocol holds the LwMQN vocabulary shared by the shepherd's
// components: resource paths, command ids, status codes, reporting
// attributes, the wire messages exchanged with devices, and the error
// taxonomy every operation reports through.
//
// Nothing in this package holds state. It is safe to import from any layer.
package protocol
