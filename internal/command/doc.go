// Package command validates control commands and applies them to the
// device registry.
//
// The Dispatcher is the only writer of device state. For every accepted
// command it:
//
//  1. takes the device's lock, so commands for one device are serialised
//     while different devices proceed in parallel
//  2. translates the command into a device.Delta against the current state
//  3. applies the delta to the registry with the server receipt time
//  4. emits the effective delta to live sessions (only if something changed)
//  5. persists the device and notifies observers (alerts, telemetry)
//  6. hands the requested delta to the bridge without waiting for delivery
//
// Hardware reports follow the same path through HandleReport, minus step 6.
//
// Translate is pure and exported so the client agent can compute the same
// optimistic delta the server will apply.
package command
