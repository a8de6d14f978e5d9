package transport

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrUnknownDestination indicates a send to a node the loopback has never seen.
var ErrUnknownDestination = errors.New("unknown destination node")

// ErrTransportClosed indicates an operation on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// Loopback is an in-memory radio link connecting any number of nodes inside
// one process. Delivery is synchronous on the caller's goroutine, which
// deliberately exercises the engine's rule that locks are never held across
// a send. A DropFunc can simulate loss.
type Loopback struct {
	mu    sync.Mutex
	nodes map[string]*LoopbackNode

	// DropFunc, when set, is consulted before each delivery; returning true
	// silently discards the payload, like a radio frame lost in the air.
	DropFunc func(from, to string, payload []byte) bool
}

// NewLoopback creates an empty in-memory link.
func NewLoopback() *Loopback {
	return &Loopback{nodes: make(map[string]*LoopbackNode)}
}

// Node returns the transport endpoint for the given node ID, creating it on
// first use.
func (l *Loopback) Node(id string) *LoopbackNode {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n, ok := l.nodes[id]; ok {
		return n
	}
	n := &LoopbackNode{
		id:       id,
		link:     l,
		handlers: make(map[uint32]Handler),
	}
	l.nodes[id] = n
	return n
}

func (l *Loopback) deliver(from, to string, payload []byte, channel uint32, isBroadcast bool) error {
	l.mu.Lock()
	dest, ok := l.nodes[to]
	drop := l.DropFunc
	l.mu.Unlock()

	if !ok {
		return ErrUnknownDestination
	}
	if drop != nil && drop(from, to, payload) {
		logrus.WithFields(logrus.Fields{
			"function": "deliver",
			"from":     from,
			"to":       to,
			"bytes":    len(payload),
		}).Debug("Loopback dropped payload")
		return nil
	}

	dest.mu.Lock()
	handler := dest.handlers[channel]
	closed := dest.closed
	dest.mu.Unlock()

	if closed || handler == nil {
		return nil
	}
	// Copy so a handler cannot observe later mutation by the sender.
	data := make([]byte, len(payload))
	copy(data, payload)
	handler(from, data, isBroadcast)
	return nil
}

// LoopbackNode is one endpoint on a Loopback link. It implements Transport.
type LoopbackNode struct {
	id   string
	link *Loopback

	mu       sync.Mutex
	handlers map[uint32]Handler
	closed   bool
}

// ID returns the node identifier this endpoint answers to.
func (n *LoopbackNode) ID() string { return n.id }

// Send delivers payload to the destination node synchronously.
func (n *LoopbackNode) Send(destination string, payload []byte, channel uint32) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	return n.link.deliver(n.id, destination, payload, channel, false)
}

// Broadcast delivers payload to every other node on the link.
func (n *LoopbackNode) Broadcast(payload []byte, channel uint32) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	n.link.mu.Lock()
	ids := make([]string, 0, len(n.link.nodes))
	for id := range n.link.nodes {
		if id != n.id {
			ids = append(ids, id)
		}
	}
	n.link.mu.Unlock()

	for _, id := range ids {
		if err := n.link.deliver(n.id, id, payload, channel, true); err != nil {
			return err
		}
	}
	return nil
}

// RegisterHandler installs the handler for a channel.
func (n *LoopbackNode) RegisterHandler(channel uint32, handler Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[channel] = handler
}

// Close detaches the node from the link.
func (n *LoopbackNode) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}
