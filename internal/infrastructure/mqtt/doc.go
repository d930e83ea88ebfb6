// Package mqtt connects HomeSync Core to the MQTT broker that fronts the
// physical devices.
//
// The client wraps paho.mqtt.golang and adds:
//   - auto-reconnect with subscriptions restored on every reconnect
//   - a retained online/offline status with a Last Will for crashes
//   - input validation (topic, QoS, 1MB payload cap) before publishing
//   - panic recovery around message handlers
//
// Topic layout:
//
//	homesync/{device_id}/command   core → device
//	homesync/{device_id}/status    device → core
//	homesync/{device_id}/sensor    device → core
//	homesync/_discovery/{device_id} retained discovery config
//	homesync/_system/status        retained core status (LWT)
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceStatus(), 1,
//	    func(topic string, payload []byte) error {
//	        id, _, _ := mqtt.ParseDeviceTopic(topic)
//	        return handleReport(id, payload)
//	    })
package mqtt
