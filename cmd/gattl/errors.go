package main

import (
	"errors"
	"fmt"

	"github.com/mpetrov/gattlink/gatt"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the BLE connection was unexpectedly lost
	// during operation, as opposed to gatt.ErrLinkLost surfacing from an
	// operation issued after the loss.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError converts library errors into messages suitable for a
// terminal user, without Go error-chain noise.
func FormatUserError(err error) string {
	var notFound *gatt.NotFoundError
	if errors.As(err, &notFound) {
		return notFound.Error() + " (use 'gattl inspect' to list the device's attributes)"
	}

	var capability *gatt.CapabilityError
	if errors.As(err, &capability) {
		return fmt.Sprintf("characteristic %s does not support %s (declared: %s)",
			capability.Target.UUID, capability.Op, capability.Declared)
	}

	var missingDesc *gatt.MissingDescriptorError
	if errors.As(err, &missingDesc) {
		return fmt.Sprintf("characteristic %s cannot be subscribed: no %s descriptor",
			missingDesc.Target.UUID, missingDesc.Descriptor)
	}

	var opErr *gatt.OperationError
	if errors.As(err, &opErr) {
		return fmt.Sprintf("device rejected %s: %s", opErr.Kind, opErr.Status)
	}

	switch {
	case errors.Is(err, gatt.ErrLinkLost), errors.Is(err, ErrConnectionLost):
		return "connection to the device was lost"
	case errors.Is(err, gatt.ErrClosed):
		return "connection is closed"
	}

	return err.Error()
}
