// Package alert raises notifications from device state changes.
//
// The Engine is registered as a command.Observer. For every applied change
// it evaluates three rule families:
//
//   - security: motion detected by a camera or sensor, or a lock whose
//     battery drops below the configured percentage
//   - energy: energy usage rising above the configured threshold
//   - water: a leak detected by a sensor
//
// Threshold rules fire once per crossing; they re-arm when the value falls
// back. Each alert goes to the owner's live sessions and, when configured,
// to the event log.
package alert
