package gatt

import (
	"context"
	"fmt"
	"strings"
)

// ----------------------------
// Attribute identity
// ----------------------------

// AttrID identifies a characteristic or descriptor inside a service tree.
// UUIDs are not unique within a tree (a service may expose the same
// characteristic UUID twice), so the transport assigns an instance number to
// disambiguate duplicates. The pair is the correlation key for every request
// and completion event on a link.
type AttrID struct {
	UUID     string // normalized: lowercase, no dashes
	Instance uint16
}

func (id AttrID) String() string {
	return fmt.Sprintf("%s#%d", id.UUID, id.Instance)
}

// IsZero reports whether the ID carries no identity (link-level events).
func (id AttrID) IsZero() bool {
	return id.UUID == "" && id.Instance == 0
}

// NormalizeUUID converts a UUID string to the internal format: lowercase, no
// dashes, and 128-bit values on the Bluetooth base UUID reduced to their
// 16-bit short form. "0000180F-0000-1000-8000-00805F9B34FB" and "180f" name
// the same service.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, "00001000800000805f9b34fb") {
		return u[4:8]
	}
	return u
}

// ----------------------------
// Declared capabilities
// ----------------------------

// Property is the capability bitmask a characteristic declares. Bit values
// follow the GATT characteristic properties field.
type Property uint8

const (
	PropBroadcast Property = 1 << iota
	PropRead
	PropWriteNoResponse
	PropWrite
	PropNotify
	PropIndicate
	PropSignedWrite
	PropExtended
)

var propNames = []struct {
	p    Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteNoResponse, "write-no-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropSignedWrite, "signed-write"},
	{PropExtended, "extended"},
}

// Has reports whether all bits of p are declared.
func (props Property) Has(p Property) bool {
	return props&p == p
}

func (props Property) String() string {
	var parts []string
	for _, n := range propNames {
		if props&n.p != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Permission is the server-side access mask of an attribute.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
)

// PHY identifies a physical layer transmission mode, per direction.
type PHY int

const (
	PHY1M    PHY = 1
	PHY2M    PHY = 2
	PHYCoded PHY = 3
)

func (p PHY) String() string {
	switch p {
	case PHY1M:
		return "1M"
	case PHY2M:
		return "2M"
	case PHYCoded:
		return "coded"
	default:
		return fmt.Sprintf("phy(%d)", int(p))
	}
}

// ----------------------------
// Discovery result
// ----------------------------

// DescriptorDef describes one discovered descriptor.
type DescriptorDef struct {
	UUID     string
	Instance uint16
}

// CharacteristicDef describes one discovered characteristic.
type CharacteristicDef struct {
	UUID        string
	Instance    uint16
	Properties  Property
	Permissions Permission
	Value       []byte // initial value; used by the server-role template
	Descriptors []DescriptorDef
}

// ServiceDef describes one discovered service. The slice ordering is the
// discovery order and is preserved by the service tree.
type ServiceDef struct {
	UUID            string
	Instance        uint16
	Characteristics []CharacteristicDef
}

// ----------------------------
// Requests
// ----------------------------

// RequestKind enumerates the operations a link transport accepts.
type RequestKind int

const (
	RequestDiscover RequestKind = iota
	RequestRead
	RequestWrite
	RequestWriteNoResponse
	RequestSignedWrite
	RequestDescriptorRead
	RequestDescriptorWrite
	RequestReadRSSI
	RequestReadPHY
)

var requestKindNames = map[RequestKind]string{
	RequestDiscover:        "discover",
	RequestRead:            "read",
	RequestWrite:           "write",
	RequestWriteNoResponse: "write-no-response",
	RequestSignedWrite:     "signed-write",
	RequestDescriptorRead:  "descriptor-read",
	RequestDescriptorWrite: "descriptor-write",
	RequestReadRSSI:        "read-rssi",
	RequestReadPHY:         "read-phy",
}

func (k RequestKind) String() string {
	if s, ok := requestKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("request(%d)", int(k))
}

// Request is one operation submitted to the link transport. The transport
// accepts exactly one outstanding request per link and reports completion or
// failure for every accepted request via the event stream.
type Request struct {
	Kind   RequestKind
	Target AttrID // empty for link-level requests (discover, rssi, phy)
	Value  []byte // payload for writes
}

// ----------------------------
// Events
// ----------------------------

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventConnectionState EventKind = iota
	EventServicesDiscovered
	EventCharacteristicRead
	EventCharacteristicWrite
	EventCharacteristicChanged
	EventDescriptorRead
	EventDescriptorWrite
	EventMTUChanged
	EventPHYUpdated
	EventRSSIRead
	EventServiceChanged
)

var eventKindNames = map[EventKind]string{
	EventConnectionState:       "connection-state",
	EventServicesDiscovered:    "services-discovered",
	EventCharacteristicRead:    "characteristic-read",
	EventCharacteristicWrite:   "characteristic-write",
	EventCharacteristicChanged: "characteristic-changed",
	EventDescriptorRead:        "descriptor-read",
	EventDescriptorWrite:       "descriptor-write",
	EventMTUChanged:            "mtu-changed",
	EventPHYUpdated:            "phy-updated",
	EventRSSIRead:              "rssi-read",
	EventServiceChanged:        "service-changed",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one tagged completion or unsolicited update delivered by the link
// transport. Events for a given link arrive in order on a single stream; the
// coordinator switches on Kind rather than on concrete event types.
type Event struct {
	Kind   EventKind
	Device string

	// EventConnectionState
	State ConnectionState

	// EventServicesDiscovered
	Services []ServiceDef

	// Attribute completions and value changes
	Target AttrID
	Status Status
	Value  []byte

	// Link attribute updates
	MTU          int
	TxPHY, RxPHY PHY
	RSSI         int
}

// ----------------------------
// Transport collaborators
// ----------------------------

// Transport is the platform GATT stack. It is an external collaborator; the
// coordinator never encodes PDUs itself.
type Transport interface {
	// Open initiates a connection to the remote device and returns the
	// per-link transport. The connection is not usable yet: the transport
	// reports progress through connection-state events on the link stream.
	Open(ctx context.Context, addr string) (LinkTransport, error)
}

// LinkTransport is one physical link to a remote device.
type LinkTransport interface {
	// Events returns the ordered event stream for this link. The transport
	// closes the channel after the final Disconnected state event.
	Events() <-chan Event

	// Submit hands one request to the link. The caller guarantees no other
	// request is outstanding; the transport reports the outcome through a
	// matching completion event.
	Submit(req Request) error

	// Close tears the link down. A Disconnected state event follows on the
	// event stream.
	Close() error
}
