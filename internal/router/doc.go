// Package router turns inbound MQTT publications from devices into
// registry mutations, coordinator resolutions and lifecycle events.
//
// The router subscribes to every inbound verb on both its shared root
// ("register") and its per-client form ("register/+"). Each message is
// decoded in the transport goroutine and handed to a shard worker picked
// by hashing the client id, so one device's messages are handled in
// arrival order while different devices proceed in parallel.
//
// Acknowledgements go back on "<verb>/response/<clientId>":
//
//	register    201 Created, 400, 401, 405 or 409
//	deregister  202 Deleted or 404
//	update      204 Changed, 400 or 404
//	notify      204 Changed, 400 or 404
//	ping        200 OK or 404
//
// Responses to shepherd requests are not acknowledged; they settle the
// matching pending request in the coordinator.
//
// A malformed message is logged and dropped and raises an error event.
// The router itself never stops on bad input.
package router
