package utils

import "strings"

// ParseDeviceID returns the device segment of a topic such as
// "iot/data/TEMP-001" or "devices/TEMP-001/state"
func ParseDeviceID(topic string) string {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "iot":
		return parts[2]
	case len(parts) > 1 && parts[0] != "iot":
		return parts[1]
	}
	return ""
}
