package gatt

import (
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
)

// CentralEventKind is the direction-reversed request kind: what a connected
// central is asking of the local server.
type CentralEventKind int

const (
	CentralRead CentralEventKind = iota
	CentralWrite
)

func (k CentralEventKind) String() string {
	switch k {
	case CentralRead:
		return "central-read"
	case CentralWrite:
		return "central-write"
	}
	return "central-unknown"
}

// CentralEvent is one inbound request from a connected central, delivered by
// the server transport.
type CentralEvent struct {
	Central string // central identity (address)
	Kind    CentralEventKind
	Target  AttrID
	Value   []byte // write payload
	// NoResponse marks an unacknowledged write command; no response is
	// sent for it, success or failure.
	NoResponse bool
}

// Responder sends request responses back to a central. The server transport
// implements it.
type Responder interface {
	Respond(central string, target AttrID, status Status, value []byte) error
}

// WriteObserver is called after a central's write has been accepted into the
// per-central tree.
type WriteObserver func(central string, target AttrID, value []byte)

// Registry tracks server-role connections keyed by central identity. Each
// connected central gets its own clone of the service template, so reads,
// writes and descriptor state on one connection never leak into another.
type Registry struct {
	template  []ServiceDef
	responder Responder
	logger    *logrus.Logger
	conns     *hashmap.Map[string, *ServerConn]

	mu      sync.RWMutex
	onWrite WriteObserver
}

// NewRegistry creates a registry over the given service template.
func NewRegistry(template []ServiceDef, responder Responder, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		template:  template,
		responder: responder,
		logger:    logger,
		conns:     hashmap.New[string, *ServerConn](),
	}
}

// SetWriteObserver registers a callback for accepted central writes.
func (r *Registry) SetWriteObserver(fn WriteObserver) {
	r.mu.Lock()
	r.onWrite = fn
	r.mu.Unlock()
}

// HandleConnect registers a central and returns its connection. Reconnecting
// an already-known central resets its state to a fresh template clone.
func (r *Registry) HandleConnect(central string) *ServerConn {
	conn := &ServerConn{
		central:    central,
		tree:       newServiceTree(r.template, nil),
		descValues: make(map[AttrID][]byte),
		registry:   r,
	}
	r.conns.Set(central, conn)
	r.logger.WithFields(logrus.Fields{
		"central": central,
		"total":   r.conns.Len(),
	}).Info("Central connected")
	return conn
}

// HandleDisconnect removes a central and discards its state.
func (r *Registry) HandleDisconnect(central string) {
	if !r.conns.Del(central) {
		r.logger.WithField("central", central).Debug("Disconnect for unknown central")
		return
	}
	r.logger.WithFields(logrus.Fields{
		"central": central,
		"total":   r.conns.Len(),
	}).Info("Central disconnected")
}

// Connection returns the live connection for a central, if any.
func (r *Registry) Connection(central string) (*ServerConn, bool) {
	return r.conns.Get(central)
}

// Len returns the number of connected centrals.
func (r *Registry) Len() int { return r.conns.Len() }

// Forward routes an inbound central request to its connection. Events from
// centrals the registry has never seen (or already dropped) are logged and
// discarded; they must not reach any other central's state.
func (r *Registry) Forward(ev CentralEvent) {
	conn, ok := r.conns.Get(ev.Central)
	if !ok {
		r.logger.WithFields(logrus.Fields{
			"central": ev.Central,
			"kind":    ev.Kind,
			"target":  ev.Target,
		}).Warn("Dropping request from unknown central")
		return
	}
	conn.handle(ev)
}

// ----------------------------
// ServerConn
// ----------------------------

// ServerConn is the server's view of one connected central: a private clone
// of the service template plus per-connection descriptor state.
type ServerConn struct {
	central    string
	tree       *ServiceTree
	registry   *Registry
	mu         sync.Mutex // serializes request handling for this central
	descValues map[AttrID][]byte
}

// Central returns the central's identity.
func (sc *ServerConn) Central() string { return sc.central }

// Tree returns this central's private attribute tree.
func (sc *ServerConn) Tree() *ServiceTree { return sc.tree }

func (sc *ServerConn) handle(ev CentralEvent) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	switch ev.Kind {
	case CentralRead:
		sc.handleRead(ev)
	case CentralWrite:
		sc.handleWrite(ev)
	default:
		sc.registry.logger.WithFields(logrus.Fields{
			"central": sc.central,
			"kind":    ev.Kind,
		}).Warn("Dropping unsupported central request")
	}
}

func (sc *ServerConn) handleRead(ev CentralEvent) {
	if _, ok := sc.tree.descs[ev.Target]; ok {
		sc.respond(ev.Target, StatusSuccess, sc.descValues[ev.Target])
		return
	}

	ch, ok := sc.tree.characteristicAt(ev.Target)
	if !ok {
		sc.respond(ev.Target, StatusAttributeNotFound, nil)
		return
	}
	if ch.perms&PermRead == 0 {
		sc.respond(ev.Target, StatusReadNotPermitted, nil)
		return
	}
	sc.respond(ev.Target, StatusSuccess, ch.Value())
}

func (sc *ServerConn) handleWrite(ev CentralEvent) {
	if _, ok := sc.tree.descs[ev.Target]; ok {
		sc.descValues[ev.Target] = append([]byte(nil), ev.Value...)
		if !ev.NoResponse {
			sc.respond(ev.Target, StatusSuccess, nil)
		}
		return
	}

	ch, ok := sc.tree.characteristicAt(ev.Target)
	if !ok {
		if !ev.NoResponse {
			sc.respond(ev.Target, StatusAttributeNotFound, nil)
		}
		return
	}
	if ch.perms&PermWrite == 0 {
		if !ev.NoResponse {
			sc.respond(ev.Target, StatusWriteNotPermitted, nil)
		}
		return
	}

	ch.setValue(ev.Value)
	if !ev.NoResponse {
		sc.respond(ev.Target, StatusSuccess, nil)
	}

	sc.registry.mu.RLock()
	observer := sc.registry.onWrite
	sc.registry.mu.RUnlock()
	if observer != nil {
		observer(sc.central, ev.Target, append([]byte(nil), ev.Value...))
	}
}

func (sc *ServerConn) respond(target AttrID, status Status, value []byte) {
	if err := sc.registry.responder.Respond(sc.central, target, status, value); err != nil {
		sc.registry.logger.WithFields(logrus.Fields{
			"central": sc.central,
			"target":  target,
			"status":  status,
			"error":   err,
		}).Warn("Failed to send response to central")
	}
}
