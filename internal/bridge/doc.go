// Package bridge connects HomeSync Core to physical devices over MQTT.
//
// Outbound, Publish queues a command delta for a device and returns at once.
// A fixed pool of workers, sharded by device ID, delivers queued commands to
// homesync/{id}/command so commands for one device reach hardware in the
// order they were applied. Each delivery is retried with bounded exponential
// backoff; when the budget is exhausted a DeliveryFailure is reported through
// the OnDeliveryFailure callback. The registry is never rolled back.
//
// Inbound, the bridge subscribes to homesync/+/status and homesync/+/sensor
// and turns each message into a device.Report for the OnReport callback.
// Payloads that are not JSON are treated as {"value": <payload>}.
//
// Announce and Retract maintain retained discovery records under
// homesync/_discovery/{id}.
//
// Topic scheme:
//
//	homesync/{id}/command      core -> device   {"command": {...}, "timestamp": "..."}
//	homesync/{id}/status       device -> core   {"status": "on", ...}
//	homesync/{id}/sensor       device -> core   {"currentTemperature": 71.5, ...}
//	homesync/_discovery/{id}   retained device metadata
package bridge
