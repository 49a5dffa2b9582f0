// Package api implements the HTTP REST API and WebSocket event stream of
// the LwMQN shepherd.
//
// This package provides:
//   - REST endpoints to list, inspect and remove devices
//   - Endpoints that issue read, write, discover, execute, observe and
//     writeAttrs requests and wait for the device's answer
//   - A WebSocket hub that streams lifecycle events by kind
//   - JWT bearer authentication with single-use WebSocket tickets
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Errors
//
// Request failures map to HTTP statuses:
//
//	not found          404
//	bad request        400
//	timeout            504
//	cancelled          409
//	device error       502 (device status in the body)
//	transport          503
//
// # Security
//
// With security.jwt.secret set, every /api/v1 route except health needs
// an HS256 bearer token. WebSocket clients first fetch a ticket with that
// token and pass it as ?ticket=. With no secret the API is open.
package api
