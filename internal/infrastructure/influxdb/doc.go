// Package influxdb records device telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. The Client is
// registered with the command dispatcher as an observer, so every applied
// state change (from a user command or a hardware report) becomes a point:
//
//   - device_state: one field per changed attribute, tagged with device_id,
//     type and user_id
//   - energy: power_watts for devices that report energy usage
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Asynchronous write errors are delivered to the callback
// set with SetOnError.
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package influxdb
