package gatt

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mpetrov/gattlink/internal/groutine"
	"github.com/mpetrov/gattlink/internal/ringchan"
)

const (
	// DefaultMTU is the ATT default before any exchange has happened.
	DefaultMTU = 23

	// DefaultSubscriberBuffer is the per-subscriber notification buffer.
	// Overflow drops the oldest value: subscribers care about the most
	// recent state, not the full backlog.
	DefaultSubscriberBuffer = 128

	// stateObservableBuffer bounds each connection-state stream.
	stateObservableBuffer = 16
)

// Link is one physical client connection to a remote device. It owns the
// single event-processing loop for the link, the discovered service tree,
// and the one-request-at-a-time slot every operation serializes through.
type Link struct {
	addr   string
	tr     LinkTransport
	logger *logrus.Logger

	slot slotGate

	mu           sync.Mutex // guards everything below
	closing      bool       // Close was called; teardown reports ErrClosed
	state        ConnectionState
	mtu          int
	txPHY, rxPHY PHY
	rssi         int
	tree         *ServiceTree
	treeStale    bool
	pending      *pendingOp
	stateSubs    []*ringchan.Ring[ConnectionState]

	ready     chan struct{} // closed once connected and discovered (or failed)
	readyErr  error
	readyOnce sync.Once

	done      chan struct{} // closed on teardown
	closeOnce sync.Once
}

// Dial connects to the remote device and suspends until the link is
// Connected and service discovery has completed. The returned link is ready
// for per-entity operations. There is no implicit retry: a lost link must be
// re-dialed.
func Dial(ctx context.Context, tr Transport, addr string, logger *logrus.Logger) (*Link, error) {
	if logger == nil {
		logger = logrus.New()
	}

	lt, err := tr.Open(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open link to %q: %w", addr, err)
	}

	l := &Link{
		addr:   addr,
		tr:     lt,
		logger: logger,
		state:  StateDisconnected,
		mtu:    DefaultMTU,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	groutine.Go(context.Background(), "gatt-link-"+addr, func(context.Context) {
		l.run()
	})

	select {
	case <-l.ready:
		if l.readyErr != nil {
			_ = lt.Close()
			return nil, l.readyErr
		}
		l.logger.WithFields(logrus.Fields{
			"address":  addr,
			"services": l.tree.services.Len(),
		}).Info("Link connected and discovered")
		return l, nil
	case <-ctx.Done():
		_ = lt.Close()
		return nil, ctx.Err()
	}
}

// Addr returns the remote device address.
func (l *Link) Addr() string { return l.addr }

// State returns the current connection state.
func (l *Link) State() ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// MTU returns the negotiated MTU.
func (l *Link) MTU() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mtu
}

// PHY returns the negotiated tx/rx physical layer modes (zero if the
// transport never reported them).
func (l *Link) PHY() (tx, rx PHY) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.txPHY, l.rxPHY
}

// RSSI returns the last known signal strength.
func (l *Link) RSSI() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rssi
}

// TreeStale reports whether the remote side announced a service change since
// discovery. The tree is not rediscovered implicitly; reconnect to refresh.
func (l *Link) TreeStale() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.treeStale
}

// Services returns the discovered services in discovery order.
func (l *Link) Services() []*Service {
	l.mu.Lock()
	tree := l.tree
	l.mu.Unlock()
	if tree == nil {
		return nil
	}
	return tree.Services()
}

// Service returns the first service instance with the given UUID.
func (l *Link) Service(uuid string) (*Service, error) {
	l.mu.Lock()
	tree := l.tree
	l.mu.Unlock()
	if tree == nil {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return tree.Service(uuid)
}

// Characteristic returns the first characteristic instance with the given
// UUID inside the first service instance with the given UUID.
func (l *Link) Characteristic(serviceUUID, charUUID string) (*Characteristic, error) {
	l.mu.Lock()
	tree := l.tree
	l.mu.Unlock()
	if tree == nil {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{serviceUUID}}
	}
	return tree.Characteristic(serviceUUID, charUUID)
}

// States returns a bounded drop-oldest stream of connection-state
// transitions. The channel is closed when the link is torn down.
func (l *Link) States() <-chan ConnectionState {
	ring := ringchan.New[ConnectionState](stateObservableBuffer)
	l.mu.Lock()
	select {
	case <-l.done:
		l.mu.Unlock()
		ring.Close()
		return ring.C()
	default:
	}
	ring.Put(l.state)
	l.stateSubs = append(l.stateSubs, ring)
	l.mu.Unlock()
	return ring.C()
}

// Done is closed when the link has been torn down.
func (l *Link) Done() <-chan struct{} { return l.done }

// ReadRSSI requests a signal strength measurement through the request slot
// and returns the updated value.
func (l *Link) ReadRSSI(ctx context.Context) (int, error) {
	if _, err := l.roundTrip(ctx, Request{Kind: RequestReadRSSI}); err != nil {
		return 0, err
	}
	return l.RSSI(), nil
}

// ReadPHY requests the current tx/rx PHY through the request slot.
func (l *Link) ReadPHY(ctx context.Context) (tx, rx PHY, err error) {
	if _, err := l.roundTrip(ctx, Request{Kind: RequestReadPHY}); err != nil {
		return 0, 0, err
	}
	tx, rx = l.PHY()
	return tx, rx, nil
}

// Close disconnects the link. The single outstanding operation, all
// notification streams and all state observers are terminated. Close is
// idempotent.
func (l *Link) Close() error {
	select {
	case <-l.done:
		return nil
	default:
	}
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	l.logger.WithField("address", l.addr).Info("Disconnecting link...")
	err := l.tr.Close()
	<-l.done
	return err
}

// closeCause distinguishes an application-requested disconnect from a lost
// link when teardown picks its cause.
func (l *Link) closeCause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		return ErrClosed
	}
	return ErrLinkLost
}

// ----------------------------
// Event loop
// ----------------------------

// run consumes the link's ordered event stream. It is the only goroutine
// that mutates the state machine, resolves pending operations and fans out
// value changes.
func (l *Link) run() {
	for ev := range l.tr.Events() {
		l.handleEvent(ev)
	}
	// Stream ended without a final Disconnected event: unless the
	// application asked for the disconnect, treat it as link loss.
	l.teardown(l.closeCause())
}

func (l *Link) handleEvent(ev Event) {
	switch ev.Kind {
	case EventConnectionState:
		l.handleConnectionState(ev)

	case EventServicesDiscovered:
		l.handleServicesDiscovered(ev)

	case EventCharacteristicRead, EventCharacteristicWrite,
		EventDescriptorRead, EventDescriptorWrite:
		l.completeIfMatch(ev)

	case EventCharacteristicChanged:
		l.handleValueChanged(ev)

	case EventMTUChanged:
		l.mu.Lock()
		l.mtu = ev.MTU
		l.mu.Unlock()
		l.logger.WithFields(logrus.Fields{
			"address": l.addr,
			"mtu":     ev.MTU,
		}).Debug("MTU changed")

	case EventPHYUpdated:
		l.mu.Lock()
		l.txPHY, l.rxPHY = ev.TxPHY, ev.RxPHY
		l.mu.Unlock()
		l.completeIfMatch(ev)

	case EventRSSIRead:
		l.mu.Lock()
		l.rssi = ev.RSSI
		l.mu.Unlock()
		l.completeIfMatch(ev)

	case EventServiceChanged:
		l.mu.Lock()
		l.treeStale = true
		l.mu.Unlock()
		l.logger.WithField("address", l.addr).Warn("Remote service tree changed; reconnect to rediscover")

	default:
		l.logger.WithFields(logrus.Fields{
			"address": l.addr,
			"kind":    ev.Kind,
		}).Debug("Dropping unroutable event")
	}
}

func (l *Link) handleConnectionState(ev Event) {
	l.mu.Lock()
	from := l.state
	if !validTransition(from, ev.State) {
		l.mu.Unlock()
		l.logger.WithFields(logrus.Fields{
			"address": l.addr,
			"from":    from,
			"to":      ev.State,
		}).Warn("Ignoring invalid connection state transition")
		return
	}
	l.state = ev.State
	subs := append([]*ringchan.Ring[ConnectionState](nil), l.stateSubs...)
	l.mu.Unlock()

	for _, ring := range subs {
		ring.Put(ev.State)
	}

	l.logger.WithFields(logrus.Fields{
		"address": l.addr,
		"from":    from,
		"to":      ev.State,
	}).Debug("Connection state changed")

	switch ev.State {
	case StateConnected:
		// The link is not usable until the tree is populated; kick
		// discovery off the event loop so completions can be processed.
		groutine.Go(context.Background(), "gatt-discover-"+l.addr, func(context.Context) {
			if _, err := l.roundTrip(context.Background(), Request{Kind: RequestDiscover}); err != nil {
				l.logger.WithFields(logrus.Fields{
					"address": l.addr,
					"error":   err,
				}).Error("Service discovery failed")
				l.failReady(fmt.Errorf("service discovery failed: %w", err))
				_ = l.tr.Close()
			}
		})

	case StateDisconnected:
		cause := l.closeCause()
		if ev.Status != StatusSuccess {
			cause = fmt.Errorf("%w: %s", cause, ev.Status)
		}
		l.teardown(cause)
	}
}

func (l *Link) handleServicesDiscovered(ev Event) {
	if ev.Status == StatusSuccess {
		tree := newServiceTree(ev.Services, l)
		l.mu.Lock()
		l.tree = tree
		l.mu.Unlock()
	}
	l.completeIfMatch(ev)
	if ev.Status == StatusSuccess {
		l.signalReady()
	}
}

func (l *Link) handleValueChanged(ev Event) {
	l.mu.Lock()
	tree := l.tree
	l.mu.Unlock()

	var ch *Characteristic
	if tree != nil {
		ch, _ = tree.characteristicAt(ev.Target)
	}
	if ch == nil {
		l.logger.WithFields(logrus.Fields{
			"address": l.addr,
			"target":  ev.Target,
		}).Debug("Dropping value change for unknown characteristic")
		return
	}

	if dropped := ch.dispatchValue(ev.Value); dropped > 0 {
		l.logger.WithFields(logrus.Fields{
			"address": l.addr,
			"target":  ev.Target,
			"dropped": dropped,
		}).Debug("Subscriber buffers full, dropped oldest values")
	}
}

// completeIfMatch resolves the pending operation if the event carries its
// correlation identity. Events that do not match the awaiting request are
// ignored: they belong to an earlier, already-abandoned wait and must never
// resolve a sibling entity's operation.
func (l *Link) completeIfMatch(ev Event) {
	l.mu.Lock()
	p := l.pending
	if p == nil || !p.matches(ev) {
		l.mu.Unlock()
		l.logger.WithFields(logrus.Fields{
			"address": l.addr,
			"kind":    ev.Kind,
			"target":  ev.Target,
		}).Debug("Ignoring completion event with no matching pending operation")
		return
	}
	l.pending = nil
	l.mu.Unlock()

	if ev.Status != StatusSuccess {
		p.resolve(nil, &OperationError{Kind: p.req.Kind, Target: p.req.Target, Status: ev.Status})
	} else {
		p.resolve(ev.Value, nil)
	}
	l.slot.release()
}

// teardown moves the link to Disconnected, fails the pending operation with
// the given cause, terminates every notification stream and state observer,
// and wakes all slot waiters. Idempotent.
func (l *Link) teardown(cause error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.state = StateDisconnected
		p := l.pending
		l.pending = nil
		stateSubs := l.stateSubs
		l.stateSubs = nil
		tree := l.tree
		l.mu.Unlock()

		if p != nil {
			p.resolve(nil, cause)
		}
		l.failReady(cause)
		close(l.done)

		if tree != nil {
			for _, ch := range tree.chars {
				ch.closeStreams()
			}
		}
		for _, ring := range stateSubs {
			ring.Close()
		}

		l.logger.WithFields(logrus.Fields{
			"address": l.addr,
			"cause":   cause,
		}).Info("Link torn down")
	})
}

func (l *Link) failReady(err error) {
	l.readyOnce.Do(func() {
		l.readyErr = err
		close(l.ready)
	})
}

func (l *Link) signalReady() {
	l.readyOnce.Do(func() {
		close(l.ready)
	})
}
