// Package bledb maps well-known Bluetooth SIG UUIDs to their assigned names.
// The tables cover the entries that commonly show up in inspect output; an
// unknown UUID resolves to "".
package bledb

import "strings"

// normalize reduces a UUID to the 16-bit short form lookup key where
// possible: lowercase, no dashes, base-UUID prefix/suffix stripped.
func normalize(uuid string) string {
	u := strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
	// 0000xxxx00001000800000805f9b34fb -> xxxx
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, "00001000800000805f9b34fb") {
		return u[4:8]
	}
	return u
}

var services = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"1812": "Human Interface Device",
	"181a": "Environmental Sensing",
	"fe59": "Nordic Secure DFU",
	"6e400001b5a3f393e0a9e50e24dcca9e": "Nordic UART Service",
}

var characteristics = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a05": "Service Changed",
	"2a19": "Battery Level",
	"2a24": "Model Number String",
	"2a25": "Serial Number String",
	"2a26": "Firmware Revision String",
	"2a29": "Manufacturer Name String",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"2a39": "Heart Rate Control Point",
	"2a6e": "Temperature",
	"6e400002b5a3f393e0a9e50e24dcca9e": "UART RX",
	"6e400003b5a3f393e0a9e50e24dcca9e": "UART TX",
}

var descriptors = map[string]string{
	"2900": "Characteristic Extended Properties",
	"2901": "Characteristic User Description",
	"2902": "Client Characteristic Configuration",
	"2903": "Server Characteristic Configuration",
	"2904": "Characteristic Presentation Format",
	"2906": "Valid Range",
}

// LookupService returns the assigned name of a service UUID, or "".
func LookupService(uuid string) string {
	return services[normalize(uuid)]
}

// LookupCharacteristic returns the assigned name of a characteristic UUID, or "".
func LookupCharacteristic(uuid string) string {
	return characteristics[normalize(uuid)]
}

// LookupDescriptor returns the assigned name of a descriptor UUID, or "".
func LookupDescriptor(uuid string) string {
	return descriptors[normalize(uuid)]
}
