package gatt

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/mpetrov/gattlink/internal/bledb"
)

// CCCDUUID is the Client Characteristic Configuration descriptor. Writing it
// through the correlator is how the notification hub crosses the hardware
// enable/disable threshold.
const CCCDUUID = "2902"

// CCCD values written to enable or disable value pushes.
var (
	cccdEnableNotify   = []byte{0x01, 0x00}
	cccdEnableIndicate = []byte{0x02, 0x00}
	cccdDisable        = []byte{0x00, 0x00}
)

// ----------------------------
// Service tree
// ----------------------------

// ServiceTree is the discovered attribute hierarchy of one link. The topology
// is immutable after discovery and may be read concurrently; only
// characteristic values mutate. Entries are keyed by (UUID, instance-id) and
// iterate in discovery order.
type ServiceTree struct {
	services *orderedmap.OrderedMap[AttrID, *Service]

	// Flat indexes for event routing.
	chars map[AttrID]*Characteristic
	descs map[AttrID]*Descriptor
}

// newServiceTree builds a tree from a discovery result. link is nil for
// server-role trees, whose characteristics carry values but no client
// operations.
func newServiceTree(defs []ServiceDef, link *Link) *ServiceTree {
	t := &ServiceTree{
		services: orderedmap.New[AttrID, *Service](),
		chars:    make(map[AttrID]*Characteristic),
		descs:    make(map[AttrID]*Descriptor),
	}

	for _, sd := range defs {
		svc := &Service{
			id:        AttrID{UUID: NormalizeUUID(sd.UUID), Instance: sd.Instance},
			knownName: bledb.LookupService(sd.UUID),
			chars:     orderedmap.New[AttrID, *Characteristic](),
		}
		for _, cd := range sd.Characteristics {
			ch := &Characteristic{
				id:        AttrID{UUID: NormalizeUUID(cd.UUID), Instance: cd.Instance},
				knownName: bledb.LookupCharacteristic(cd.UUID),
				props:     cd.Properties,
				perms:     cd.Permissions,
				service:   svc,
				link:      link,
			}
			if len(cd.Value) > 0 {
				ch.value = append([]byte(nil), cd.Value...)
			}
			for _, dd := range cd.Descriptors {
				d := &Descriptor{
					id:        AttrID{UUID: NormalizeUUID(dd.UUID), Instance: dd.Instance},
					knownName: bledb.LookupDescriptor(dd.UUID),
					char:      ch,
					link:      link,
				}
				ch.descriptors = append(ch.descriptors, d)
				t.descs[d.id] = d
			}
			svc.chars.Set(ch.id, ch)
			t.chars[ch.id] = ch
		}
		t.services.Set(svc.id, svc)
	}

	return t
}

// Services returns all services in discovery order.
func (t *ServiceTree) Services() []*Service {
	result := make([]*Service, 0, t.services.Len())
	for pair := t.services.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// Service returns the first service instance with the given UUID.
func (t *ServiceTree) Service(uuid string) (*Service, error) {
	normalized := NormalizeUUID(uuid)
	for pair := t.services.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.id.UUID == normalized {
			return pair.Value, nil
		}
	}
	return nil, &NotFoundError{Resource: "service", UUIDs: []string{uuid}}
}

// ServiceAt returns the service with the exact (UUID, instance-id) key.
func (t *ServiceTree) ServiceAt(id AttrID) (*Service, error) {
	id.UUID = NormalizeUUID(id.UUID)
	if svc, ok := t.services.Get(id); ok {
		return svc, nil
	}
	return nil, &NotFoundError{Resource: "service", UUIDs: []string{id.String()}}
}

// Characteristic returns the first characteristic instance with the given
// UUID inside the first service instance with the given UUID.
func (t *ServiceTree) Characteristic(serviceUUID, charUUID string) (*Characteristic, error) {
	svc, err := t.Service(serviceUUID)
	if err != nil {
		return nil, err
	}
	return svc.Characteristic(charUUID)
}

// characteristicAt resolves the flat index used by the event loop.
func (t *ServiceTree) characteristicAt(id AttrID) (*Characteristic, bool) {
	ch, ok := t.chars[id]
	return ch, ok
}

// ----------------------------
// Service
// ----------------------------

// Service is one discovered GATT service.
type Service struct {
	id        AttrID
	knownName string
	chars     *orderedmap.OrderedMap[AttrID, *Characteristic]
}

func (s *Service) ID() AttrID { return s.id }

func (s *Service) UUID() string { return s.id.UUID }

// KnownName returns the assigned name for well-known UUIDs, or "".
func (s *Service) KnownName() string { return s.knownName }

// Characteristics returns the service's characteristics in discovery order.
func (s *Service) Characteristics() []*Characteristic {
	result := make([]*Characteristic, 0, s.chars.Len())
	for pair := s.chars.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// Characteristic returns the first characteristic instance with the given UUID.
func (s *Service) Characteristic(uuid string) (*Characteristic, error) {
	normalized := NormalizeUUID(uuid)
	for pair := s.chars.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.id.UUID == normalized {
			return pair.Value, nil
		}
	}
	return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{s.id.UUID, uuid}}
}

// CharacteristicAt returns the characteristic with the exact key.
func (s *Service) CharacteristicAt(id AttrID) (*Characteristic, error) {
	id.UUID = NormalizeUUID(id.UUID)
	if ch, ok := s.chars.Get(id); ok {
		return ch, nil
	}
	return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{s.id.UUID, id.String()}}
}

// ----------------------------
// Characteristic
// ----------------------------

// Characteristic is one discovered GATT characteristic. Client operations
// (Read, Write, Subscribe, SplitWrite) live in correlator.go, fragment.go and
// notify.go; they serialize through the owning link's single request slot.
type Characteristic struct {
	id          AttrID
	knownName   string
	props       Property
	perms       Permission
	descriptors []*Descriptor
	service     *Service
	link        *Link // nil in server-role trees

	mu    sync.RWMutex // guards value and subs
	value []byte
	subs  []*Subscription

	// subGate serializes the notification refcount threshold transitions
	// (0->1 and 1->0) so that exactly one enable and one disable request
	// reach the transport.
	subGate sync.Mutex
}

func (c *Characteristic) ID() AttrID { return c.id }

func (c *Characteristic) UUID() string { return c.id.UUID }

// KnownName returns the assigned name for well-known UUIDs, or "".
func (c *Characteristic) KnownName() string { return c.knownName }

// Properties returns the declared capability mask.
func (c *Characteristic) Properties() Property { return c.props }

// Service returns the owning service.
func (c *Characteristic) Service() *Service { return c.service }

// Descriptors returns the characteristic's descriptors in discovery order.
func (c *Characteristic) Descriptors() []*Descriptor {
	return c.descriptors
}

// Descriptor returns the first descriptor instance with the given UUID.
func (c *Characteristic) Descriptor(uuid string) (*Descriptor, error) {
	normalized := NormalizeUUID(uuid)
	for _, d := range c.descriptors {
		if d.id.UUID == normalized {
			return d, nil
		}
	}
	return nil, &NotFoundError{Resource: "descriptor", UUIDs: []string{c.id.UUID, uuid}}
}

// Value returns the last value seen for this characteristic: the most recent
// read completion, value-change event, or server-role write. The returned
// slice is a copy.
func (c *Characteristic) Value() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.value == nil {
		return nil
	}
	return append([]byte(nil), c.value...)
}

func (c *Characteristic) setValue(value []byte) {
	c.mu.Lock()
	c.value = append(c.value[:0], value...)
	c.mu.Unlock()
}

// ----------------------------
// Descriptor
// ----------------------------

// Descriptor is one discovered GATT descriptor.
type Descriptor struct {
	id        AttrID
	knownName string
	char      *Characteristic
	link      *Link
}

func (d *Descriptor) ID() AttrID { return d.id }

func (d *Descriptor) UUID() string { return d.id.UUID }

// KnownName returns the assigned name for well-known UUIDs, or "".
func (d *Descriptor) KnownName() string { return d.knownName }

// Characteristic returns the owning characteristic.
func (d *Descriptor) Characteristic() *Characteristic { return d.char }
