package goble

import (
	"strings"

	"github.com/mpetrov/gattlink/gatt"
)

// attStatus maps go-ble error strings to ATT status codes so the coordinator
// sees uniform completions regardless of platform. The matching is by
// substring because the upstream library reports errors as free text.
func attStatus(err error) gatt.Status {
	if err == nil {
		return gatt.StatusSuccess
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "read not permitted"):
		return gatt.StatusReadNotPermitted
	case strings.Contains(msg, "write not permitted"):
		return gatt.StatusWriteNotPermitted
	case strings.Contains(msg, "not permitted"):
		return gatt.StatusRequestNotSupported
	case strings.Contains(msg, "not supported"):
		return gatt.StatusRequestNotSupported
	case strings.Contains(msg, "authentication"):
		return gatt.StatusInsufficientAuthentication
	case strings.Contains(msg, "authorization"):
		return gatt.StatusInsufficientAuthorization
	case strings.Contains(msg, "encryption"):
		return gatt.StatusInsufficientEncryption
	case strings.Contains(msg, "invalid handle"), strings.Contains(msg, "not found"):
		return gatt.StatusInvalidHandle
	case strings.Contains(msg, "invalid offset"):
		return gatt.StatusInvalidOffset
	case strings.Contains(msg, "length"):
		return gatt.StatusInvalidAttributeValueLen
	default:
		return gatt.StatusUnlikelyError
	}
}
