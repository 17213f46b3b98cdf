package network

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/VanDung-dev/PeerHub-Engine/node"
	"github.com/VanDung-dev/PeerHub-Engine/wire"
)

// Message is a domain payload delivered to message listeners. A zero To
// means it was broadcast.
type Message struct {
	From    node.Node
	To      node.Node
	Payload wire.Payload
}

// IsBroadcast reports whether the message had no explicit recipient.
func (m Message) IsBroadcast() bool {
	return m.To.IsZero()
}

// MessageListener receives domain payloads. It runs on a pool worker.
type MessageListener interface {
	MessageReceived(msg Message)
}

// ConnectionChangeListener is notified when nodes join or leave the mesh.
type ConnectionChangeListener interface {
	ConnectionAdded(n node.Node)
	ConnectionRemoved(n node.Node)
}

// ErrorListener is notified when a connection fails. unsent holds the
// payloads that were still queued for that peer.
type ErrorListener interface {
	ConnectionLost(n node.Node, err error, unsent []wire.Payload)
}

// MessageListenerFunc adapts a function to MessageListener.
type MessageListenerFunc func(msg Message)

func (f MessageListenerFunc) MessageReceived(msg Message) { f(msg) }

// ErrorListenerFunc adapts a function to ErrorListener.
type ErrorListenerFunc func(n node.Node, err error, unsent []wire.Payload)

func (f ErrorListenerFunc) ConnectionLost(n node.Node, err error, unsent []wire.Payload) {
	f(n, err, unsent)
}

// ConnectionChangeFuncs adapts a pair of functions to
// ConnectionChangeListener. Either may be nil.
type ConnectionChangeFuncs struct {
	Added   func(n node.Node)
	Removed func(n node.Node)
}

func (f ConnectionChangeFuncs) ConnectionAdded(n node.Node) {
	if f.Added != nil {
		f.Added(n)
	}
}

func (f ConnectionChangeFuncs) ConnectionRemoved(n node.Node) {
	if f.Removed != nil {
		f.Removed(n)
	}
}

// Subscription identifies a registered listener.
type Subscription uint64

type subscriber[T any] struct {
	id       Subscription
	listener T
}

// registry is a copy-on-write subscriber list.
type registry[T any] struct {
	mu      sync.RWMutex
	next    Subscription
	entries []subscriber[T]
}

func (r *registry[T]) add(l T) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	entries := make([]subscriber[T], len(r.entries), len(r.entries)+1)
	copy(entries, r.entries)
	r.entries = append(entries, subscriber[T]{id: r.next, listener: l})
	return r.next
}

func (r *registry[T]) remove(id Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.id != id {
			continue
		}
		entries := make([]subscriber[T], 0, len(r.entries)-1)
		entries = append(entries, r.entries[:i]...)
		r.entries = append(entries, r.entries[i+1:]...)
		return true
	}
	return false
}

func (r *registry[T]) snapshot() []subscriber[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries
}

// each calls fn for every listener. A panicking listener is logged and
// does not stop the others.
func (r *registry[T]) each(logger zerolog.Logger, fn func(T)) {
	for _, e := range r.snapshot() {
		func() {
			defer func() {
				if p := recover(); p != nil {
					logger.Error().Interface("panic", p).Uint64("subscription", uint64(e.id)).Msg("Listener panicked")
				}
			}()
			fn(e.listener)
		}()
	}
}

// listeners holds the three registries of one messenger.
type listeners struct {
	messages registry[MessageListener]
	changes  registry[ConnectionChangeListener]
	errors   registry[ErrorListener]
}

// AddMessageListener registers l for domain payloads.
func (l *listeners) AddMessageListener(ml MessageListener) Subscription {
	return l.messages.add(ml)
}

// RemoveMessageListener unregisters a message listener.
func (l *listeners) RemoveMessageListener(s Subscription) bool {
	return l.messages.remove(s)
}

// AddConnectionChangeListener registers l for membership changes.
func (l *listeners) AddConnectionChangeListener(cl ConnectionChangeListener) Subscription {
	return l.changes.add(cl)
}

// RemoveConnectionChangeListener unregisters a membership listener.
func (l *listeners) RemoveConnectionChangeListener(s Subscription) bool {
	return l.changes.remove(s)
}

// AddErrorListener registers l for connection failures.
func (l *listeners) AddErrorListener(el ErrorListener) Subscription {
	return l.errors.add(el)
}

// RemoveErrorListener unregisters an error listener.
func (l *listeners) RemoveErrorListener(s Subscription) bool {
	return l.errors.remove(s)
}

func (l *listeners) notifyMessage(logger zerolog.Logger, msg Message) {
	l.messages.each(logger, func(ml MessageListener) { ml.MessageReceived(msg) })
}

func (l *listeners) notifyAdded(logger zerolog.Logger, n node.Node) {
	l.changes.each(logger, func(cl ConnectionChangeListener) { cl.ConnectionAdded(n) })
}

func (l *listeners) notifyRemoved(logger zerolog.Logger, n node.Node) {
	l.changes.each(logger, func(cl ConnectionChangeListener) { cl.ConnectionRemoved(n) })
}

func (l *listeners) notifyLost(logger zerolog.Logger, n node.Node, err error, unsent []*wire.Envelope) {
	payloads := make([]wire.Payload, 0, len(unsent))
	for _, env := range unsent {
		if env.Kind == wire.KindPayload {
			payloads = append(payloads, env.Payload)
		}
	}
	l.errors.each(logger, func(el ErrorListener) { el.ConnectionLost(n, err, payloads) })
}
