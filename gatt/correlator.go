package gatt

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// errServerRole guards client operations on server-role tree entities.
var errServerRole = errors.New("entity is not bound to a client link")

// WriteType selects the ATT write procedure.
type WriteType int

const (
	// WriteDefault is an acknowledged write request.
	WriteDefault WriteType = iota
	// WriteWithoutResponse is an unacknowledged write command. The
	// transport still reports a local completion event, so the request
	// slot is held until the command has been handed to the controller.
	WriteWithoutResponse
	// WriteSigned is a signed write command.
	WriteSigned
)

// ----------------------------
// Request slot
// ----------------------------

// slotGate admits exactly one in-flight request per link and parks further
// callers in FIFO order. Release hands the slot directly to the head waiter,
// so a caller that arrives later can never overtake one already queued.
type slotGate struct {
	mu    sync.Mutex
	busy  bool
	queue []chan struct{}
}

func (g *slotGate) acquire(ctx context.Context, down <-chan struct{}) error {
	g.mu.Lock()
	if !g.busy {
		g.busy = true
		g.mu.Unlock()
		return nil
	}
	waiter := make(chan struct{})
	g.queue = append(g.queue, waiter)
	g.mu.Unlock()

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		g.abandon(waiter)
		return ctx.Err()
	case <-down:
		g.abandon(waiter)
		return ErrLinkLost
	}
}

// abandon removes a waiter that gave up. If the slot was handed to it
// concurrently with the cancellation, pass the slot on so the queue keeps
// draining.
func (g *slotGate) abandon(waiter chan struct{}) {
	g.mu.Lock()
	for i, w := range g.queue {
		if w == waiter {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			g.mu.Unlock()
			return
		}
	}
	g.mu.Unlock()
	g.release()
}

func (g *slotGate) release() {
	g.mu.Lock()
	if len(g.queue) > 0 {
		waiter := g.queue[0]
		g.queue = g.queue[1:]
		g.mu.Unlock()
		// Handoff: busy stays true for the new owner.
		close(waiter)
		return
	}
	g.busy = false
	g.mu.Unlock()
}

// ----------------------------
// Pending operation
// ----------------------------

type opResult struct {
	value []byte
	err   error
}

// pendingOp is the single in-flight request of a link. done is buffered so
// the event loop can resolve an operation whose caller has already given up
// waiting; the slot is still only released by that resolution.
type pendingOp struct {
	req  Request
	done chan opResult
}

func newPendingOp(req Request) *pendingOp {
	return &pendingOp{req: req, done: make(chan opResult, 1)}
}

// resolve delivers the result exactly once; later calls are no-ops.
func (p *pendingOp) resolve(value []byte, err error) {
	select {
	case p.done <- opResult{value: value, err: err}:
	default:
	}
}

// matches reports whether ev is the completion of this operation. Completion
// identity is (event kind, target key): an event for a sibling entity with
// the same UUID but a different instance-id does not match.
func (p *pendingOp) matches(ev Event) bool {
	switch ev.Kind {
	case EventServicesDiscovered:
		return p.req.Kind == RequestDiscover
	case EventCharacteristicRead:
		return p.req.Kind == RequestRead && p.req.Target == ev.Target
	case EventCharacteristicWrite:
		switch p.req.Kind {
		case RequestWrite, RequestWriteNoResponse, RequestSignedWrite:
			return p.req.Target == ev.Target
		}
		return false
	case EventDescriptorRead:
		return p.req.Kind == RequestDescriptorRead && p.req.Target == ev.Target
	case EventDescriptorWrite:
		return p.req.Kind == RequestDescriptorWrite && p.req.Target == ev.Target
	case EventRSSIRead:
		return p.req.Kind == RequestReadRSSI
	case EventPHYUpdated:
		return p.req.Kind == RequestReadPHY
	}
	return false
}

// roundTrip serializes one request through the link's slot and waits for its
// matching completion event. If the caller's context expires first, the
// request stays pending on the transport side and the slot is released only
// when its completion event (or link loss) arrives.
func (l *Link) roundTrip(ctx context.Context, req Request) ([]byte, error) {
	if err := l.slot.acquire(ctx, l.done); err != nil {
		if errors.Is(err, ErrLinkLost) {
			// The gate only sees the down channel; the link knows whether
			// the teardown was an explicit close.
			err = l.closeCause()
		}
		return nil, err
	}

	l.mu.Lock()
	if l.state != StateConnected {
		closing := l.closing
		l.mu.Unlock()
		l.slot.release()
		if closing {
			return nil, ErrClosed
		}
		return nil, ErrLinkLost
	}
	p := newPendingOp(req)
	l.pending = p
	l.mu.Unlock()

	if err := l.tr.Submit(req); err != nil {
		l.mu.Lock()
		l.pending = nil
		l.mu.Unlock()
		l.slot.release()
		return nil, fmt.Errorf("failed to submit %s: %w", req.Kind, err)
	}

	select {
	case res := <-p.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ----------------------------
// Client operations
// ----------------------------

// Read issues an acknowledged read and returns the value carried by its
// completion event. The characteristic must declare the read property;
// otherwise the call fails without touching the transport.
func (c *Characteristic) Read(ctx context.Context) ([]byte, error) {
	if c.link == nil {
		return nil, errServerRole
	}
	if !c.props.Has(PropRead) {
		return nil, &CapabilityError{Op: "read", Target: c.id, Need: PropRead, Declared: c.props}
	}

	value, err := c.link.roundTrip(ctx, Request{Kind: RequestRead, Target: c.id})
	if err != nil {
		return nil, err
	}
	c.setValue(value)
	return value, nil
}

// Write issues a single write of the given type. The declared properties are
// checked before any transport call.
func (c *Characteristic) Write(ctx context.Context, value []byte, wt WriteType) error {
	if c.link == nil {
		return errServerRole
	}

	var kind RequestKind
	var need Property
	switch wt {
	case WriteWithoutResponse:
		kind, need = RequestWriteNoResponse, PropWriteNoResponse
	case WriteSigned:
		kind, need = RequestSignedWrite, PropSignedWrite
	default:
		kind, need = RequestWrite, PropWrite
	}
	if !c.props.Has(need) {
		return &CapabilityError{Op: "write", Target: c.id, Need: need, Declared: c.props}
	}

	_, err := c.link.roundTrip(ctx, Request{Kind: kind, Target: c.id, Value: value})
	return err
}

// Read issues an acknowledged descriptor read.
func (d *Descriptor) Read(ctx context.Context) ([]byte, error) {
	if d.link == nil {
		return nil, errServerRole
	}
	return d.link.roundTrip(ctx, Request{Kind: RequestDescriptorRead, Target: d.id})
}

// Write issues an acknowledged descriptor write.
func (d *Descriptor) Write(ctx context.Context, value []byte) error {
	if d.link == nil {
		return errServerRole
	}
	_, err := d.link.roundTrip(ctx, Request{Kind: RequestDescriptorWrite, Target: d.id, Value: value})
	return err
}
