// Package auth provides authentication and authorisation for HomeSync Core.
//
// Users log in with a username and password (Argon2id hashes) and receive a
// short-lived HS256 access token. Every token carries the user's role:
//
//   - user: sees and controls the devices they own
//   - admin: sees and controls every device, manages users
//   - owner: everything admin can do; created on first boot
//
// The Identity extracted from a token decides device visibility and is
// passed to the command dispatcher as its device.Viewer.
package auth
