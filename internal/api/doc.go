// Package api provides the local HTTP REST API and WebSocket feed of the
// Crestron bridge.
//
// Clients list accessories, read and write characteristics, page through
// characteristic history and receive live changes over a WebSocket on the
// "characteristic.changed" channel. When security.jwt.secret is set every
// route except /api/v1/health requires a bearer token (see package auth).
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
