// Package agent is the client side of a HomeSync session.
//
// An Agent logs in over REST, exchanges its access token for a WebSocket
// ticket and keeps a local copy of every device it may see. The copy is
// reconciled with the server as frames arrive:
//
//   - snapshot replaces the local state wholesale
//   - status overwrites exactly the fields it carries; a sequence at or
//     below the one already held is stale and ignored
//   - rejected restores the authoritative device carried in the frame
//
// Control applies a command to the local copy before the server has seen
// it, using the same translation the server uses, and then sends it. If the
// server disagrees, the rejection puts the local copy back.
//
// Reconnects are driven by a session.Machine. Every (re)connect is followed
// by a resync, so state missed while disconnected is recovered from the
// snapshot. Offline reports when the reconnect budget has been spent.
package agent
