package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every HomeSync topic.
//
// Device topics use the scheme homesync/{device_id}/{kind}. Reserved
// segments start with an underscore so they never collide with a device id,
// which must start with a letter or digit.
const TopicPrefix = "homesync"

// Device topic kinds.
const (
	KindCommand = "command"
	KindStatus  = "status"
	KindSensor  = "sensor"
)

const (
	segmentDiscovery = "_discovery"
	segmentSystem    = "_system"
)

// Topics provides builders for HomeSync MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.DeviceCommand("light-kitchen") // homesync/light-kitchen/command
type Topics struct{}

// DeviceCommand returns the topic the core publishes commands on.
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, deviceID, KindCommand)
}

// DeviceStatus returns the topic hardware publishes state reports on.
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, deviceID, KindStatus)
}

// Discovery returns the retained discovery config topic for a device.
//
// Example: homesync/_discovery/light-kitchen
func (Topics) Discovery(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, segmentDiscovery, deviceID)
}

// SystemStatus returns the retained core online/offline topic (also the LWT).
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/%s/status", TopicPrefix, segmentSystem)
}

// AllDeviceStatus matches status reports from every device.
//
// Pattern: homesync/+/status
func (Topics) AllDeviceStatus() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefix, KindStatus)
}

// AllDeviceSensors matches sensor readings from every device.
//
// Pattern: homesync/+/sensor
func (Topics) AllDeviceSensors() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefix, KindSensor)
}

// ParseDeviceTopic splits homesync/{device_id}/{kind}.
// ok is false for reserved segments and for anything that does not have
// exactly three levels.
func ParseDeviceTopic(topic string) (deviceID, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix {
		return "", "", false
	}
	if parts[1] == "" || strings.HasPrefix(parts[1], "_") {
		return "", "", false
	}
	switch parts[2] {
	case KindCommand, KindStatus, KindSensor:
		return parts[1], parts[2], true
	default:
		return "", "", false
	}
}
