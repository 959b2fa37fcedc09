package gatt

import (
	"errors"
	"fmt"
)

// Status is an ATT status code reported by the transport for a completed
// request. Zero means success.
type Status uint8

const (
	StatusSuccess                    Status = 0x00
	StatusInvalidHandle              Status = 0x01
	StatusReadNotPermitted           Status = 0x02
	StatusWriteNotPermitted          Status = 0x03
	StatusInvalidPDU                 Status = 0x04
	StatusInsufficientAuthentication Status = 0x05
	StatusRequestNotSupported        Status = 0x06
	StatusInvalidOffset              Status = 0x07
	StatusInsufficientAuthorization  Status = 0x08
	StatusPrepareQueueFull           Status = 0x09
	StatusAttributeNotFound          Status = 0x0a
	StatusInvalidAttributeValueLen   Status = 0x0d
	StatusUnlikelyError              Status = 0x0e
	StatusInsufficientEncryption     Status = 0x0f
)

var statusNames = map[Status]string{
	StatusSuccess:                    "success",
	StatusInvalidHandle:              "invalid handle",
	StatusReadNotPermitted:           "read not permitted",
	StatusWriteNotPermitted:          "write not permitted",
	StatusInvalidPDU:                 "invalid PDU",
	StatusInsufficientAuthentication: "insufficient authentication",
	StatusRequestNotSupported:        "request not supported",
	StatusInvalidOffset:              "invalid offset",
	StatusInsufficientAuthorization:  "insufficient authorization",
	StatusPrepareQueueFull:           "prepare queue full",
	StatusAttributeNotFound:          "attribute not found",
	StatusInvalidAttributeValueLen:   "invalid attribute value length",
	StatusUnlikelyError:              "unlikely error",
	StatusInsufficientEncryption:     "insufficient encryption",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status 0x%02x", uint8(s))
}

// Sentinel errors for link lifecycle failures.
var (
	// ErrLinkLost is returned to a waiter whose link transitioned to
	// Disconnected while its operation was pending, and by operations
	// issued on a link that is no longer connected.
	ErrLinkLost = errors.New("link lost")

	// ErrClosed is returned by operations on a link that was explicitly
	// closed by the application.
	ErrClosed = errors.New("link closed")
)

// NotFoundError reports a lookup of a service, characteristic or descriptor
// that is not present in the discovered tree.
type NotFoundError struct {
	Resource string   // "service", "characteristic", "descriptor"
	UUIDs    []string // parent UUID(s) first, target UUID last
}

func (e *NotFoundError) Error() string {
	switch len(e.UUIDs) {
	case 0:
		return fmt.Sprintf("%s not found", e.Resource)
	case 1:
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	default:
		parent := "service"
		if e.Resource == "descriptor" {
			parent = "characteristic"
		}
		return fmt.Sprintf("%s %q not found in %s %q",
			e.Resource, e.UUIDs[len(e.UUIDs)-1], parent, e.UUIDs[0])
	}
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// CapabilityError reports an operation issued against an entity that does not
// declare the required capability. It is raised before any transport call.
type CapabilityError struct {
	Op       string // "read", "write", "subscribe", ...
	Target   AttrID
	Need     Property
	Declared Property
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("characteristic %s does not support %s (need %s, declared %s)",
		e.Target, e.Op, e.Need, e.Declared)
}

// Is allows errors.Is comparison against a bare *CapabilityError.
func (e *CapabilityError) Is(target error) bool {
	_, ok := target.(*CapabilityError)
	return ok
}

// MissingDescriptorError reports a subscription attempt on a characteristic
// whose client configuration descriptor is absent from the discovered tree.
type MissingDescriptorError struct {
	Target     AttrID
	Descriptor string // descriptor UUID that was required
}

func (e *MissingDescriptorError) Error() string {
	return fmt.Sprintf("characteristic %s has no %s descriptor", e.Target, e.Descriptor)
}

func (e *MissingDescriptorError) Is(target error) bool {
	_, ok := target.(*MissingDescriptorError)
	return ok
}

// OperationError reports a non-success ATT status for a completed request.
type OperationError struct {
	Kind   RequestKind
	Target AttrID
	Status Status
}

func (e *OperationError) Error() string {
	if e.Target.IsZero() {
		return fmt.Sprintf("%s failed: %s", e.Kind, e.Status)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Kind, e.Target, e.Status)
}

// Is allows errors.Is comparison; two OperationErrors match when their status
// codes match, and any OperationError matches the zero-status template.
func (e *OperationError) Is(target error) bool {
	t, ok := target.(*OperationError)
	if !ok {
		return false
	}
	return t.Status == 0 || t.Status == e.Status
}
