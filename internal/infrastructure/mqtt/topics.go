package mqtt

import (
	"fmt"
	"strings"
)

// Topics provides builders for the gateway's MQTT topic scheme.
// Using these helpers keeps topic naming consistent across the codebase.
//
// Device telemetry uses the scheme: <root>/devices/<device_id>/data
//
//	topics := mqtt.Topics{}
//	pattern := topics.AllDeviceData("smartsensor")
//	// Returns: "smartsensor/devices/+/data"
type Topics struct{}

// DeviceData returns the telemetry topic for one device.
//
// Example: smartsensor/devices/HK_000001/data
func (Topics) DeviceData(root, deviceID string) string {
	return fmt.Sprintf("%s/devices/%s/data", root, deviceID)
}

// AllDeviceData returns the wildcard subscription pattern covering
// every device's telemetry topic.
//
// Example: smartsensor/devices/+/data
func (Topics) AllDeviceData(root string) string {
	return fmt.Sprintf("%s/devices/+/data", root)
}

// GatewayStatus returns the gateway's retained status topic, also used
// for the Last Will and Testament.
//
// Example: smartsensor/gateway/status
func (Topics) GatewayStatus(root string) string {
	return fmt.Sprintf("%s/gateway/status", root)
}

// DeviceFromDataTopic extracts the device id from a telemetry topic.
//
// Returns an empty string if the topic does not match the
// <root>/devices/<device_id>/data scheme. The id in the topic is
// advisory; the payload's device_id is authoritative and the two are
// cross-checked at ingest.
func DeviceFromDataTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 {
		return ""
	}
	if parts[len(parts)-1] != "data" || parts[len(parts)-3] != "devices" {
		return ""
	}
	return parts[len(parts)-2]
}
