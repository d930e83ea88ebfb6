// Package eventlog keeps a bounded history of alerts and delivery failures
// in a Redis stream.
//
// Each entry has a kind field ("alert" or "delivery_failure"), a JSON data
// field and a timestamp. The stream is trimmed to MaxLen on every append.
// Recent reads newest first, which is what the alerts endpoint serves.
package eventlog
