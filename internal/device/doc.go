// Package device holds the authoritative in-memory view of every device
// HomeSync controls.
//
// The Registry is an owned container created once at startup and injected
// into the command dispatcher and the HTTP layer. Reads return deep copies;
// writes go through Apply, which merges a partial Delta with field-level
// last-write-wins and reports the effective delta back to the caller so it
// can be broadcast explicitly.
//
// Each device type carries its own attribute struct (LightAttributes,
// LockAttributes, ...). A field that does not belong to a type can neither
// be stored nor applied: a lock never has a brightness.
//
// Persistence is a collaborator (Store); SQLStore implements it on top of
// the database package for SQLite and PostgreSQL.
package device
