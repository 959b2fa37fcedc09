package gatt

import (
	"context"
	"errors"
	"sync"

	"github.com/mpetrov/gattlink/internal/ringchan"
)

// Subscription is one consumer of a characteristic's value changes. Values
// arrive on C in notification order; when the consumer falls behind its
// bounded buffer, the oldest values are dropped. C is closed by Unsubscribe
// or by link loss.
type Subscription struct {
	char *Characteristic
	ring *ringchan.Ring[[]byte]
	once sync.Once
}

// C returns the value stream. Received slices are shared between subscribers
// and must not be mutated.
func (s *Subscription) C() <-chan []byte { return s.ring.C() }

// Unsubscribe removes this consumer and closes its stream. The last consumer
// to leave writes the disable value to the client configuration descriptor.
// Idempotent.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		err = s.char.dropSubscriber(ctx, s)
	})
	return err
}

// Subscribe registers a consumer for this characteristic's value changes.
//
// The first consumer triggers exactly one enable write to the client
// configuration descriptor (notifications preferred over indications);
// further consumers attach without touching the transport. A characteristic
// that declares neither notify nor indicate fails with CapabilityError, and
// one that lacks the configuration descriptor fails with
// MissingDescriptorError, both before any transport call.
func (c *Characteristic) Subscribe(ctx context.Context) (*Subscription, error) {
	if c.link == nil {
		return nil, errServerRole
	}
	if !c.props.Has(PropNotify) && !c.props.Has(PropIndicate) {
		return nil, &CapabilityError{
			Op:       "subscribe",
			Target:   c.id,
			Need:     PropNotify | PropIndicate,
			Declared: c.props,
		}
	}
	cccd, err := c.Descriptor(CCCDUUID)
	if err != nil {
		return nil, &MissingDescriptorError{Target: c.id, Descriptor: CCCDUUID}
	}

	c.subGate.Lock()
	defer c.subGate.Unlock()

	c.mu.RLock()
	active := len(c.subs)
	c.mu.RUnlock()

	if active == 0 {
		enable := cccdEnableNotify
		if !c.props.Has(PropNotify) {
			enable = cccdEnableIndicate
		}
		if err := cccd.Write(ctx, enable); err != nil {
			return nil, err
		}
	}

	sub := &Subscription{
		char: c,
		ring: ringchan.New[[]byte](DefaultSubscriberBuffer),
	}

	c.mu.Lock()
	select {
	case <-c.link.done:
		// Lost the link between the enable write and registration. The
		// teardown sweep has already run, so close the orphan here.
		c.mu.Unlock()
		sub.ring.Close()
		return nil, ErrLinkLost
	default:
	}
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	return sub, nil
}

// dropSubscriber detaches sub and, if it was the last one, writes the
// disable value through the request slot.
func (c *Characteristic) dropSubscriber(ctx context.Context, sub *Subscription) error {
	c.subGate.Lock()
	defer c.subGate.Unlock()

	c.mu.Lock()
	removed := false
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			removed = true
			break
		}
	}
	remaining := len(c.subs)
	c.mu.Unlock()

	if !removed {
		// Already swept by link teardown.
		return nil
	}
	sub.ring.Close()

	if remaining > 0 {
		return nil
	}

	cccd, err := c.Descriptor(CCCDUUID)
	if err != nil {
		return err
	}
	if err := cccd.Write(ctx, cccdDisable); err != nil {
		// A dead link has no hardware state left to disable.
		if errors.Is(err, ErrLinkLost) || errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	return nil
}

// dispatchValue caches the new value and fans it out to every subscriber
// without blocking. It returns the number of values dropped from full
// subscriber buffers. Called only from the link's event loop.
func (c *Characteristic) dispatchValue(value []byte) int {
	v := append([]byte(nil), value...)
	c.setValue(v)

	dropped := 0
	c.mu.RLock()
	for _, sub := range c.subs {
		if !sub.ring.Put(v) {
			dropped++
		}
	}
	c.mu.RUnlock()
	return dropped
}

// closeStreams terminates every subscriber stream without descriptor
// traffic. Called by link teardown.
func (c *Characteristic) closeStreams() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		sub.ring.Close()
	}
}
