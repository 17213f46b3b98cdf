package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/VanDung-dev/PeerHub-Engine/core"
	"github.com/VanDung-dev/PeerHub-Engine/node"
	"github.com/VanDung-dev/PeerHub-Engine/wire"
)

// ClientMessenger is a mesh participant connected to a hub.
type ClientMessenger struct {
	listeners

	conn     *Connection
	server   node.Node
	opts     options
	logger   zerolog.Logger
	pool     *core.WorkerPool
	ownsPool bool

	mu        sync.RWMutex
	local     node.Node
	nodes     map[uuid.UUID]node.Node
	connected bool

	closeOnce sync.Once
}

// DialClient connects to the hub at addr proposing name. It returns once
// the hub has sent its join snapshot; LocalNode then carries the name the
// hub resolved. A refused join returns a *RefusedError.
func DialClient(ctx context.Context, addr, name string, opts ...Option) (*ClientMessenger, error) {
	o := newOptions(opts)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	host, port := "", 0
	if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		host, port = tcp.IP.String(), tcp.Port
	}
	self := node.New(name, host, port)

	deadline := time.Time{}
	if o.handshakeTimeout > 0 {
		deadline = time.Now().Add(o.handshakeTimeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}

	enc := wire.NewEncoder(conn, o.wire)
	dec := wire.NewDecoder(conn, o.wire)
	hello, err := exchangeHello(conn, enc, dec, wire.NewHello(self, o.credential), deadline)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	first, err := dec.Decode()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: no join snapshot: %v", ErrBadHandshake, err)
	}
	switch first.Kind {
	case wire.KindJoin:
		if first.To.Key() != self.Key() {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: join snapshot for %s", ErrBadHandshake, first.To)
		}
	case wire.KindRefused:
		_ = conn.Close()
		return nil, &RefusedError{Reason: first.Reason}
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("%w: expected join, got %s", ErrBadHandshake, first.Kind)
	}
	_ = conn.SetDeadline(time.Time{})

	local := first.To
	m := &ClientMessenger{
		server: hello.From,
		opts:   o,
		logger: o.logger.With().
			Str("component", "client").
			Str("node", local.Name()).
			Logger(),
		local:     local,
		nodes:     make(map[uuid.UUID]node.Node, len(first.Nodes)),
		connected: true,
	}
	for _, n := range first.Nodes {
		m.nodes[n.Key()] = n
	}
	m.pool, m.ownsPool = newDispatchPool(local.Name(), o)
	m.conn = newConnection(conn, enc, dec, local, hello.From, m, m.pool, o)
	m.conn.start()

	m.logger.Info().Stringer("hub", m.server).Int("nodes", len(first.Nodes)).Msg("Joined mesh")
	return m, nil
}

// LocalNode returns this client's identity as resolved by the hub.
func (m *ClientMessenger) LocalNode() node.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local
}

// ServerNode returns the hub's identity.
func (m *ClientMessenger) ServerNode() node.Node {
	return m.server
}

// IsConnected reports whether the link to the hub is up.
func (m *ClientMessenger) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Nodes returns the members this client knows of, itself and the hub
// included, sorted by name.
func (m *ClientMessenger) Nodes() []node.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]node.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	node.Sort(nodes)
	return nodes
}

// Send hands p to the hub for delivery to one node; a zero to broadcasts.
// It is a no-op once disconnected.
func (m *ClientMessenger) Send(p wire.Payload, to node.Node) {
	if !m.IsConnected() {
		return
	}
	m.conn.Send(wire.NewPayload(m.LocalNode(), to, p))
}

// Broadcast sends p to every other node.
func (m *ClientMessenger) Broadcast(p wire.Payload) {
	m.Send(p, node.Node{})
}

// Flush waits until everything queued has been written to the hub.
func (m *ClientMessenger) Flush() {
	m.conn.Flush()
}

// ShutDown leaves the mesh. Calling it again is a no-op.
func (m *ClientMessenger) ShutDown() {
	m.closeOnce.Do(func() {
		m.disconnect()
		m.conn.ShutDown()
		if m.ownsPool {
			stopDispatchPool(m.pool, m.logger)
		}
		m.logger.Info().Msg("Client shut down")
	})
}

// disconnect clears the node set and returns the nodes that were known
// besides ourselves.
func (m *ClientMessenger) disconnect() []node.Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = false
	gone := make([]node.Node, 0, len(m.nodes))
	for id, n := range m.nodes {
		if id != m.local.Key() {
			gone = append(gone, n)
		}
	}
	m.nodes = make(map[uuid.UUID]node.Node)
	node.Sort(gone)
	return gone
}

func (m *ClientMessenger) connectionLost(c *Connection, err error, unsent []*wire.Envelope) {
	m.notifyLost(m.logger, c.RemoteNode(), err, unsent)
	for _, n := range m.disconnect() {
		m.notifyRemoved(m.logger, n)
	}
}

func (m *ClientMessenger) messageReceived(c *Connection, env *wire.Envelope) {
	switch env.Kind {
	case wire.KindNodeAdded:
		n, _ := env.Subject()
		m.mu.Lock()
		if !m.connected {
			m.mu.Unlock()
			return
		}
		m.nodes[n.Key()] = n
		m.mu.Unlock()
		m.notifyAdded(m.logger, n)

	case wire.KindNodeRemoved:
		n, _ := env.Subject()
		m.mu.Lock()
		_, known := m.nodes[n.Key()]
		delete(m.nodes, n.Key())
		m.mu.Unlock()
		if known {
			m.notifyRemoved(m.logger, n)
		}

	case wire.KindPayload:
		local := m.LocalNode()
		if !env.To.IsZero() && env.To.Key() != local.Key() {
			m.logger.Debug().Stringer("to", env.To).Msg("Discarded payload for another node")
			return
		}
		m.notifyMessage(m.logger, Message{From: env.From, To: env.To, Payload: env.Payload})

	default:
		m.logger.Debug().Stringer("kind", env.Kind).Msg("Discarded unexpected control envelope")
	}
}
