package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/mpetrov/gattlink/gatt"
	"github.com/mpetrov/gattlink/internal/groutine"
)

const eventBuffer = 64

// preferredMTU is requested during the MTU exchange; the controller may
// settle on less.
const preferredMTU = 247

// linkTransport is one go-ble connection adapted to gatt.LinkTransport. The
// coordinator guarantees a single outstanding request, so each submitted
// request runs on its own short-lived goroutine and reports back through the
// event stream.
type linkTransport struct {
	addr   string
	logger *logrus.Logger
	events chan gatt.Event

	mu         sync.Mutex
	closed     bool
	client     ble.Client
	chars      map[gatt.AttrID]*ble.Characteristic
	descs      map[gatt.AttrID]*ble.Descriptor
	cccdOwner  map[gatt.AttrID]gatt.AttrID // CCCD id -> owning characteristic id
	subscribed map[gatt.AttrID]bool        // characteristic id -> indication mode
	indication map[gatt.AttrID]bool
}

func newLinkTransport(addr string, logger *logrus.Logger) *linkTransport {
	return &linkTransport{
		addr:       addr,
		logger:     logger,
		events:     make(chan gatt.Event, eventBuffer),
		chars:      make(map[gatt.AttrID]*ble.Characteristic),
		descs:      make(map[gatt.AttrID]*ble.Descriptor),
		cccdOwner:  make(map[gatt.AttrID]gatt.AttrID),
		subscribed: make(map[gatt.AttrID]bool),
		indication: make(map[gatt.AttrID]bool),
	}
}

// start dials in the background and pumps connection state onto the stream.
func (t *linkTransport) start(ctx context.Context) {
	t.emit(gatt.Event{Kind: gatt.EventConnectionState, Device: t.addr, State: gatt.StateConnecting})

	groutine.Go(ctx, "goble-dial-"+t.addr, func(ctx context.Context) {
		client, err := ble.Dial(ctx, ble.NewAddr(t.addr))
		if err != nil {
			t.logger.WithFields(logrus.Fields{
				"address": t.addr,
				"error":   err,
			}).Error("Failed to dial BLE device")
			t.emit(gatt.Event{
				Kind:   gatt.EventConnectionState,
				Device: t.addr,
				State:  gatt.StateDisconnected,
				Status: attStatus(err),
			})
			t.closeStream()
			return
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = client.CancelConnection()
			return
		}
		t.client = client
		t.mu.Unlock()

		t.emit(gatt.Event{Kind: gatt.EventConnectionState, Device: t.addr, State: gatt.StateConnected})

		if mtu, err := client.ExchangeMTU(preferredMTU); err == nil {
			t.emit(gatt.Event{Kind: gatt.EventMTUChanged, Device: t.addr, MTU: mtu})
		} else {
			t.logger.WithFields(logrus.Fields{
				"address": t.addr,
				"error":   err,
			}).Debug("MTU exchange not supported, keeping ATT default")
		}

		<-client.Disconnected()
		t.emit(gatt.Event{
			Kind:   gatt.EventConnectionState,
			Device: t.addr,
			State:  gatt.StateDisconnected,
		})
		t.closeStream()
	})
}

// ----------------------------
// gatt.LinkTransport
// ----------------------------

func (t *linkTransport) Events() <-chan gatt.Event { return t.events }

func (t *linkTransport) Submit(req gatt.Request) error {
	t.mu.Lock()
	client := t.client
	closed := t.closed
	t.mu.Unlock()
	if closed || client == nil {
		return fmt.Errorf("link to %s is not connected", t.addr)
	}

	groutine.Go(context.Background(), "goble-"+req.Kind.String()+"-"+t.addr, func(context.Context) {
		t.execute(client, req)
	})
	return nil
}

func (t *linkTransport) Close() error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		// Dial still in flight; mark closed so the dial goroutine cancels.
		t.mu.Lock()
		alreadyClosed := t.closed
		t.mu.Unlock()
		if !alreadyClosed {
			t.emit(gatt.Event{
				Kind:   gatt.EventConnectionState,
				Device: t.addr,
				State:  gatt.StateDisconnected,
			})
			t.closeStream()
		}
		return nil
	}

	t.emit(gatt.Event{Kind: gatt.EventConnectionState, Device: t.addr, State: gatt.StateDisconnecting})
	// CancelConnection triggers the Disconnected signal the dial goroutine
	// is blocked on; the final state event and stream close happen there.
	return client.CancelConnection()
}

// ----------------------------
// Request execution
// ----------------------------

func (t *linkTransport) execute(client ble.Client, req gatt.Request) {
	switch req.Kind {
	case gatt.RequestDiscover:
		t.discover(client)

	case gatt.RequestRead:
		char, ok := t.characteristic(req.Target)
		if !ok {
			t.complete(gatt.EventCharacteristicRead, req.Target, gatt.StatusInvalidHandle, nil)
			return
		}
		value, err := client.ReadCharacteristic(char)
		t.complete(gatt.EventCharacteristicRead, req.Target, attStatus(err), value)

	case gatt.RequestWrite, gatt.RequestWriteNoResponse:
		char, ok := t.characteristic(req.Target)
		if !ok {
			t.complete(gatt.EventCharacteristicWrite, req.Target, gatt.StatusInvalidHandle, nil)
			return
		}
		noRsp := req.Kind == gatt.RequestWriteNoResponse
		err := client.WriteCharacteristic(char, req.Value, noRsp)
		t.complete(gatt.EventCharacteristicWrite, req.Target, attStatus(err), nil)

	case gatt.RequestSignedWrite:
		// go-ble exposes no signed write; report it like the remote would.
		t.complete(gatt.EventCharacteristicWrite, req.Target, gatt.StatusRequestNotSupported, nil)

	case gatt.RequestDescriptorRead:
		desc, ok := t.descriptor(req.Target)
		if !ok {
			t.complete(gatt.EventDescriptorRead, req.Target, gatt.StatusInvalidHandle, nil)
			return
		}
		value, err := client.ReadDescriptor(desc)
		t.complete(gatt.EventDescriptorRead, req.Target, attStatus(err), value)

	case gatt.RequestDescriptorWrite:
		t.writeDescriptor(client, req)

	case gatt.RequestReadRSSI:
		rssi := client.ReadRSSI()
		t.emit(gatt.Event{Kind: gatt.EventRSSIRead, Device: t.addr, RSSI: rssi})

	case gatt.RequestReadPHY:
		// Not exposed by go-ble.
		t.emit(gatt.Event{
			Kind:   gatt.EventPHYUpdated,
			Device: t.addr,
			Status: gatt.StatusRequestNotSupported,
		})

	default:
		t.logger.WithFields(logrus.Fields{
			"address": t.addr,
			"kind":    req.Kind,
		}).Warn("Dropping unsupported request")
	}
}

// writeDescriptor intercepts CCCD writes and maps them onto the platform
// subscribe calls; go-ble owns the actual configuration write. Other
// descriptors are written directly.
func (t *linkTransport) writeDescriptor(client ble.Client, req gatt.Request) {
	t.mu.Lock()
	charID, isCCCD := t.cccdOwner[req.Target]
	t.mu.Unlock()

	if !isCCCD {
		desc, ok := t.descriptor(req.Target)
		if !ok {
			t.complete(gatt.EventDescriptorWrite, req.Target, gatt.StatusInvalidHandle, nil)
			return
		}
		err := client.WriteDescriptor(desc, req.Value)
		t.complete(gatt.EventDescriptorWrite, req.Target, attStatus(err), nil)
		return
	}

	char, ok := t.characteristic(charID)
	if !ok {
		t.complete(gatt.EventDescriptorWrite, req.Target, gatt.StatusInvalidHandle, nil)
		return
	}

	var err error
	switch {
	case len(req.Value) > 0 && req.Value[0] == 0x01:
		err = t.subscribe(client, char, charID, false)
	case len(req.Value) > 0 && req.Value[0] == 0x02:
		err = t.subscribe(client, char, charID, true)
	default:
		err = t.unsubscribe(client, char, charID)
	}
	t.complete(gatt.EventDescriptorWrite, req.Target, attStatus(err), nil)
}

func (t *linkTransport) subscribe(client ble.Client, char *ble.Characteristic, charID gatt.AttrID, indicate bool) error {
	t.mu.Lock()
	already := t.subscribed[charID]
	t.mu.Unlock()
	if already {
		return nil
	}

	err := client.Subscribe(char, indicate, func(data []byte) {
		t.emit(gatt.Event{
			Kind:   gatt.EventCharacteristicChanged,
			Device: t.addr,
			Target: charID,
			Value:  data,
		})
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.subscribed[charID] = true
	t.indication[charID] = indicate
	t.mu.Unlock()
	return nil
}

func (t *linkTransport) unsubscribe(client ble.Client, char *ble.Characteristic, charID gatt.AttrID) error {
	t.mu.Lock()
	active := t.subscribed[charID]
	indicate := t.indication[charID]
	delete(t.subscribed, charID)
	delete(t.indication, charID)
	t.mu.Unlock()
	if !active {
		return nil
	}
	return client.Unsubscribe(char, indicate)
}

// discover walks the profile and assigns instance numbers so duplicate UUIDs
// stay individually addressable. The handle maps are rebuilt atomically.
func (t *linkTransport) discover(client ble.Client) {
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": t.addr,
			"error":   err,
		}).Error("Failed to discover profile")
		t.emit(gatt.Event{
			Kind:   gatt.EventServicesDiscovered,
			Device: t.addr,
			Status: attStatus(err),
		})
		return
	}

	chars := make(map[gatt.AttrID]*ble.Characteristic)
	descs := make(map[gatt.AttrID]*ble.Descriptor)
	cccdOwner := make(map[gatt.AttrID]gatt.AttrID)
	svcSeen := make(map[string]uint16)
	charSeen := make(map[string]uint16)
	descSeen := make(map[string]uint16)

	defs := make([]gatt.ServiceDef, 0, len(profile.Services))
	for _, svc := range profile.Services {
		svcUUID := gatt.NormalizeUUID(svc.UUID.String())
		svcDef := gatt.ServiceDef{
			UUID:     svcUUID,
			Instance: svcSeen[svcUUID],
		}
		svcSeen[svcUUID]++

		for _, char := range svc.Characteristics {
			charUUID := gatt.NormalizeUUID(char.UUID.String())
			charID := gatt.AttrID{UUID: charUUID, Instance: charSeen[charUUID]}
			charSeen[charUUID]++
			chars[charID] = char

			charDef := gatt.CharacteristicDef{
				UUID:       charUUID,
				Instance:   charID.Instance,
				Properties: gatt.Property(char.Property),
			}
			for _, desc := range char.Descriptors {
				descUUID := gatt.NormalizeUUID(desc.UUID.String())
				descID := gatt.AttrID{UUID: descUUID, Instance: descSeen[descUUID]}
				descSeen[descUUID]++
				descs[descID] = desc
				if descUUID == gatt.CCCDUUID {
					cccdOwner[descID] = charID
				}
				charDef.Descriptors = append(charDef.Descriptors, gatt.DescriptorDef{
					UUID:     descUUID,
					Instance: descID.Instance,
				})
			}
			svcDef.Characteristics = append(svcDef.Characteristics, charDef)
		}
		defs = append(defs, svcDef)
	}

	t.mu.Lock()
	t.chars = chars
	t.descs = descs
	t.cccdOwner = cccdOwner
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"address":  t.addr,
		"services": len(defs),
	}).Debug("Profile discovered")

	t.emit(gatt.Event{
		Kind:     gatt.EventServicesDiscovered,
		Device:   t.addr,
		Services: defs,
	})
}

// ----------------------------
// Helpers
// ----------------------------

func (t *linkTransport) characteristic(id gatt.AttrID) (*ble.Characteristic, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	char, ok := t.chars[id]
	return char, ok
}

func (t *linkTransport) descriptor(id gatt.AttrID) (*ble.Descriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	desc, ok := t.descs[id]
	return desc, ok
}

func (t *linkTransport) complete(kind gatt.EventKind, target gatt.AttrID, status gatt.Status, value []byte) {
	t.emit(gatt.Event{
		Kind:   kind,
		Device: t.addr,
		Target: target,
		Status: status,
		Value:  value,
	})
}

func (t *linkTransport) emit(ev gatt.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.events <- ev
}

func (t *linkTransport) closeStream() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.events)
}
