// Package testutils provides a scripted in-memory GATT transport for tests.
// A FakeLink auto-responds to submitted requests from a value table by
// default; individual targets can be held back or forced to fail so tests
// can exercise correlation, ordering and loss behavior.
package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mpetrov/gattlink/gatt"
)

// RandomAddr returns a unique fake device address.
func RandomAddr() string {
	return "fake-" + uuid.NewString()[:8]
}

// FakeTransport hands out provisioned FakeLinks by address.
type FakeTransport struct {
	mu    sync.Mutex
	links map[string]*FakeLink

	// OpenErr, when set, fails every Open call.
	OpenErr error
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{links: make(map[string]*FakeLink)}
}

// Provision registers a fake device at addr and returns its link for
// scripting. Must be called before Open.
func (t *FakeTransport) Provision(addr string) *FakeLink {
	l := &FakeLink{
		addr:       addr,
		mtu:        gatt.DefaultMTU,
		rssi:       -60,
		txPHY:      gatt.PHY1M,
		rxPHY:      gatt.PHY1M,
		events:     make(chan gatt.Event, 64),
		values:     make(map[gatt.AttrID][]byte),
		descValues: make(map[gatt.AttrID][]byte),
		statuses:   make(map[gatt.AttrID]gatt.Status),
		failAfter:  make(map[gatt.AttrID]*failRule),
		held:       make(map[gatt.AttrID]bool),
	}
	t.mu.Lock()
	t.links[addr] = l
	t.mu.Unlock()
	return l
}

// Open starts the scripted connect sequence of the provisioned link.
func (t *FakeTransport) Open(_ context.Context, addr string) (gatt.LinkTransport, error) {
	if t.OpenErr != nil {
		return nil, t.OpenErr
	}
	t.mu.Lock()
	l, ok := t.links[addr]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no such device: %s", addr)
	}

	go func() {
		l.Emit(gatt.Event{Kind: gatt.EventConnectionState, Device: addr, State: gatt.StateConnecting})
		if l.connectStatus != gatt.StatusSuccess {
			l.Emit(gatt.Event{
				Kind:   gatt.EventConnectionState,
				Device: addr,
				State:  gatt.StateDisconnected,
				Status: l.connectStatus,
			})
			l.closeStream()
			return
		}
		l.Emit(gatt.Event{Kind: gatt.EventConnectionState, Device: addr, State: gatt.StateConnected})
		l.Emit(gatt.Event{Kind: gatt.EventMTUChanged, Device: addr, MTU: l.mtu})
	}()
	return l, nil
}

// FakeLink is one scripted device link. It implements gatt.LinkTransport.
type FakeLink struct {
	addr          string
	mtu           int
	rssi          int
	txPHY, rxPHY  gatt.PHY
	services      []gatt.ServiceDef
	connectStatus gatt.Status

	events chan gatt.Event

	mu         sync.Mutex
	closed     bool
	submitted  []gatt.Request
	values     map[gatt.AttrID][]byte
	descValues map[gatt.AttrID][]byte
	statuses   map[gatt.AttrID]gatt.Status
	failAfter  map[gatt.AttrID]*failRule
	held       map[gatt.AttrID]bool
	holdAll    bool

	// inFlight counts accepted requests whose completion has not been
	// emitted yet; maxInFlight records the worst case ever observed.
	inFlight    int
	maxInFlight int
}

type failRule struct {
	remaining int
	status    gatt.Status
}

// ----------------------------
// Scripting
// ----------------------------

// WithServices sets the discovery result.
func (l *FakeLink) WithServices(services ...gatt.ServiceDef) *FakeLink {
	l.services = services
	return l
}

// WithMTU sets the MTU announced after connect.
func (l *FakeLink) WithMTU(mtu int) *FakeLink {
	l.mtu = mtu
	return l
}

// WithRSSI sets the value returned by RSSI reads.
func (l *FakeLink) WithRSSI(rssi int) *FakeLink {
	l.rssi = rssi
	return l
}

// FailConnect scripts the connect attempt to end in Disconnected with the
// given status.
func (l *FakeLink) FailConnect(status gatt.Status) *FakeLink {
	l.connectStatus = status
	return l
}

// SetValue seeds the value returned by reads of target.
func (l *FakeLink) SetValue(target gatt.AttrID, value []byte) {
	l.mu.Lock()
	l.values[target] = append([]byte(nil), value...)
	l.mu.Unlock()
}

// FailTarget makes every completion for target carry the given status.
func (l *FakeLink) FailTarget(target gatt.AttrID, status gatt.Status) {
	l.mu.Lock()
	l.statuses[target] = status
	l.mu.Unlock()
}

// FailAfter lets the first n completions for target succeed, then makes
// every later one carry the given status.
func (l *FakeLink) FailAfter(target gatt.AttrID, n int, status gatt.Status) {
	l.mu.Lock()
	l.failAfter[target] = &failRule{remaining: n, status: status}
	l.mu.Unlock()
}

// MaxInFlight returns the largest number of requests that were ever
// outstanding at once. A correctly serialized caller never exceeds 1.
func (l *FakeLink) MaxInFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxInFlight
}

// Hold withholds completion events for target; the request is recorded but
// nothing is emitted until the test emits a completion itself.
func (l *FakeLink) Hold(target gatt.AttrID) {
	l.mu.Lock()
	l.held[target] = true
	l.mu.Unlock()
}

// HoldAll withholds every completion.
func (l *FakeLink) HoldAll() {
	l.mu.Lock()
	l.holdAll = true
	l.mu.Unlock()
}

// Emit injects an event into the link's stream. Safe after close (dropped).
func (l *FakeLink) Emit(ev gatt.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.events <- ev
}

// Notify injects a characteristic value change.
func (l *FakeLink) Notify(target gatt.AttrID, value []byte) {
	l.Emit(gatt.Event{
		Kind:   gatt.EventCharacteristicChanged,
		Device: l.addr,
		Target: target,
		Value:  value,
	})
}

// Drop simulates remote link loss: a Disconnected state event followed by
// stream close.
func (l *FakeLink) Drop() {
	l.Emit(gatt.Event{
		Kind:   gatt.EventConnectionState,
		Device: l.addr,
		State:  gatt.StateDisconnected,
		Status: gatt.StatusUnlikelyError,
	})
	l.closeStream()
}

// Submitted returns a copy of every request accepted so far.
func (l *FakeLink) Submitted() []gatt.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]gatt.Request(nil), l.submitted...)
}

// CountSubmitted returns how many requests of the given kind and target were
// accepted. A zero target matches any.
func (l *FakeLink) CountSubmitted(kind gatt.RequestKind, target gatt.AttrID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, req := range l.submitted {
		if req.Kind == kind && (target.IsZero() || req.Target == target) {
			n++
		}
	}
	return n
}

// DescriptorValue returns the last value written to a descriptor.
func (l *FakeLink) DescriptorValue(target gatt.AttrID) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.descValues[target]...)
}

// Closed reports whether the link transport has been closed.
func (l *FakeLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// ----------------------------
// gatt.LinkTransport
// ----------------------------

func (l *FakeLink) Events() <-chan gatt.Event { return l.events }

func (l *FakeLink) Submit(req gatt.Request) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New("link closed")
	}
	l.submitted = append(l.submitted, req)
	l.inFlight++
	if l.inFlight > l.maxInFlight {
		l.maxInFlight = l.inFlight
	}
	if l.holdAll || l.held[req.Target] {
		l.mu.Unlock()
		return nil
	}
	ev := l.respondLocked(req)
	l.mu.Unlock()

	go func() {
		l.Emit(ev)
		l.mu.Lock()
		l.inFlight--
		l.mu.Unlock()
	}()
	return nil
}

func (l *FakeLink) Close() error {
	l.mu.Lock()
	alreadyClosed := l.closed
	l.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	l.Emit(gatt.Event{
		Kind:   gatt.EventConnectionState,
		Device: l.addr,
		State:  gatt.StateDisconnected,
	})
	l.closeStream()
	return nil
}

func (l *FakeLink) closeStream() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.events)
}

func (l *FakeLink) respondLocked(req gatt.Request) gatt.Event {
	status := l.statuses[req.Target]
	if rule, ok := l.failAfter[req.Target]; ok {
		if rule.remaining > 0 {
			rule.remaining--
		} else {
			status = rule.status
		}
	}
	switch req.Kind {
	case gatt.RequestDiscover:
		return gatt.Event{
			Kind:     gatt.EventServicesDiscovered,
			Device:   l.addr,
			Services: l.services,
		}
	case gatt.RequestRead:
		return gatt.Event{
			Kind:   gatt.EventCharacteristicRead,
			Device: l.addr,
			Target: req.Target,
			Status: status,
			Value:  append([]byte(nil), l.values[req.Target]...),
		}
	case gatt.RequestWrite, gatt.RequestWriteNoResponse, gatt.RequestSignedWrite:
		if status == gatt.StatusSuccess {
			l.values[req.Target] = append([]byte(nil), req.Value...)
		}
		return gatt.Event{
			Kind:   gatt.EventCharacteristicWrite,
			Device: l.addr,
			Target: req.Target,
			Status: status,
		}
	case gatt.RequestDescriptorRead:
		return gatt.Event{
			Kind:   gatt.EventDescriptorRead,
			Device: l.addr,
			Target: req.Target,
			Status: status,
			Value:  append([]byte(nil), l.descValues[req.Target]...),
		}
	case gatt.RequestDescriptorWrite:
		if status == gatt.StatusSuccess {
			l.descValues[req.Target] = append([]byte(nil), req.Value...)
		}
		return gatt.Event{
			Kind:   gatt.EventDescriptorWrite,
			Device: l.addr,
			Target: req.Target,
			Status: status,
		}
	case gatt.RequestReadRSSI:
		return gatt.Event{Kind: gatt.EventRSSIRead, Device: l.addr, RSSI: l.rssi}
	case gatt.RequestReadPHY:
		return gatt.Event{Kind: gatt.EventPHYUpdated, Device: l.addr, TxPHY: l.txPHY, RxPHY: l.rxPHY}
	}
	return gatt.Event{Kind: gatt.EventKind(-1), Device: l.addr}
}
