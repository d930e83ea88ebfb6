// Package api implements the HTTP REST API and WebSocket server for HomeSync Core.
//
// This package provides:
//   - REST endpoints for login, device provisioning, commands and alerts
//   - The Hub, which fans device state changes out to live sessions
//   - WebSocket sessions carrying control, resync and ping from clients
//   - Middleware stack (request ID, logging, recovery, CORS, bearer auth)
//
// # Sessions
//
// A client logs in (POST /api/v1/auth/login), exchanges its access token for
// a single-use ticket (POST /api/v1/auth/ws-ticket) and opens
// GET /api/v1/ws?ticket=... The first frame it receives is a snapshot of
// every device it may see; after that it receives a status frame for every
// change, in per-device sequence order. A session that cannot keep up is
// disconnected and recovers by reconnecting and taking a fresh snapshot.
//
// # Visibility
//
// Users see the devices they own. Admin and owner accounts see every device.
// A device the caller cannot see is reported as not found.
package api
