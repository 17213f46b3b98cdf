package network

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/VanDung-dev/PeerHub-Engine/core"
	"github.com/VanDung-dev/PeerHub-Engine/monitoring"
	"github.com/VanDung-dev/PeerHub-Engine/node"
	"github.com/VanDung-dev/PeerHub-Engine/wire"
)

// ServerMessenger is the hub of a star mesh. It owns the authoritative
// node set, admits joiners and routes every payload.
type ServerMessenger struct {
	listeners

	self     node.Node
	listener net.Listener
	opts     options
	logger   zerolog.Logger

	pool     *core.WorkerPool
	ownsPool bool

	// mu guards every field below.
	mu          sync.Mutex
	knownNodes  map[uuid.UUID]node.Node
	connections map[uuid.UUID]*Connection
	handshaking map[net.Conn]struct{}
	closed      bool

	accepting atomic.Bool
	wg        sync.WaitGroup
}

// NewServerMessenger binds host:port and starts accepting peers. Port 0
// picks an ephemeral port; the local node records the real one.
func NewServerMessenger(name string, port int, opts ...Option) (*ServerMessenger, error) {
	o := newOptions(opts)

	address := net.JoinHostPort(o.host, strconv.Itoa(port))
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	if tcp, ok := lis.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}

	self := node.New(name, o.host, port)
	s := &ServerMessenger{
		self:     self,
		listener: lis,
		opts:     o,
		logger: o.logger.With().
			Str("component", "hub").
			Str("node", self.Name()).
			Logger(),
		knownNodes:  map[uuid.UUID]node.Node{self.Key(): self},
		connections: make(map[uuid.UUID]*Connection),
		handshaking: make(map[net.Conn]struct{}),
	}
	s.pool, s.ownsPool = newDispatchPool(name, o)
	// Refuses early; addConnection checks the limit again under s.mu.
	if o.maxNodes > 0 {
		s.opts.admission = ChainAdmission(s.opts.admission, MaxNodesAdmission(o.maxNodes, s.nodeCount))
	}
	s.accepting.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Hub listening")
	return s, nil
}

// Addr returns the address the hub is listening on.
func (s *ServerMessenger) Addr() net.Addr {
	return s.listener.Addr()
}

// LocalNode returns the hub's own identity.
func (s *ServerMessenger) LocalNode() node.Node {
	return s.self
}

// SetAcceptNewConnections toggles whether joiners are accepted. Rejected
// sockets are closed without a reply.
func (s *ServerMessenger) SetAcceptNewConnections(accept bool) {
	s.accepting.Store(accept)
}

// IsAcceptingNewConnections reports the current accept toggle.
func (s *ServerMessenger) IsAcceptingNewConnections() bool {
	return s.accepting.Load()
}

// IsConnected reports whether the hub has not been shut down.
func (s *ServerMessenger) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Nodes returns the current members, hub included, sorted by name.
func (s *ServerMessenger) Nodes() []node.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodesLocked()
}

func (s *ServerMessenger) nodesLocked() []node.Node {
	nodes := make([]node.Node, 0, len(s.knownNodes))
	for _, n := range s.knownNodes {
		nodes = append(nodes, n)
	}
	node.Sort(nodes)
	return nodes
}

func (s *ServerMessenger) nodeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.knownNodes)
}

func (s *ServerMessenger) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !s.IsConnected() {
				return
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}

		if !s.accepting.Load() {
			s.opts.metrics.RecordRejection(monitoring.RejectClosed)
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			c, slow := s.addConnection(conn)
			s.wg.Done()
			if c == nil {
				return
			}
			s.notifyAdded(s.logger, c.RemoteNode())
			c.start()
			s.evict(slow)
		}()
	}
}

// addConnection runs the handshake and admission for one socket, then
// registers the joiner and queues its join snapshot ahead of the
// announcement to everyone else. The caller notifies local listeners,
// starts the returned connection and evicts the peers listed in slow.
func (s *ServerMessenger) addConnection(conn net.Conn) (c *Connection, slow []*Connection) {
	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	if !s.trackHandshake(conn) {
		_ = conn.Close()
		return nil, nil
	}
	defer s.untrackHandshake(conn)

	enc := wire.NewEncoder(conn, s.opts.wire)
	dec := wire.NewDecoder(conn, s.opts.wire)

	hello, err := exchangeHello(conn, enc, dec, wire.NewHello(s.self, ""), s.deadline())
	if err != nil {
		logger.Warn().Err(err).Msg("Could not add connection")
		s.opts.metrics.RecordRejection(monitoring.RejectHandshake)
		_ = conn.Close()
		return nil, nil
	}
	if s.opts.admission != nil {
		if err := s.opts.admission.Admit(hello, conn.RemoteAddr()); err != nil {
			s.refuse(conn, enc, logger, err, monitoring.RejectAdmission)
			return nil, nil
		}
	}
	_ = conn.SetDeadline(time.Time{})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, nil
	}
	if _, dup := s.knownNodes[hello.From.Key()]; dup {
		s.mu.Unlock()
		s.refuse(conn, enc, logger, fmt.Errorf("%w: %s", ErrDuplicateNode, hello.From.ID()), monitoring.RejectDuplicate)
		return nil, nil
	}

	if limit := s.opts.maxNodes; limit > 0 && len(s.knownNodes) >= limit {
		count := len(s.knownNodes)
		s.mu.Unlock()
		s.refuse(conn, enc, logger, fmt.Errorf("%w: mesh is full (%d nodes)", ErrAdmissionDenied, count), monitoring.RejectAdmission)
		return nil, nil
	}

	existing := make([]string, 0, len(s.knownNodes))
	for _, n := range s.knownNodes {
		existing = append(existing, n.Name())
	}
	remote := hello.From
	if name, changed := resolveName(remote.Name(), existing); changed {
		logger.Info().Str("proposed", remote.Name()).Str("resolved", name).Msg("Renamed joiner")
		remote = remote.WithName(name)
		s.opts.metrics.RecordRename()
	}

	c = newConnection(conn, enc, dec, s.self, remote, s, s.pool, s.opts)
	s.knownNodes[remote.Key()] = remote
	_ = c.Offer(wire.NewJoin(s.self, remote, s.nodesLocked()), 0)
	slow = s.announceLocked(wire.NewNodeAdded(s.self, remote))
	s.connections[remote.Key()] = c
	s.opts.metrics.ConnectionOpened()
	s.mu.Unlock()

	logger.Info().Stringer("joiner", remote).Msg("Node joined")
	return c, slow
}

// announceLocked queues a membership envelope on every registered
// connection without waiting. It returns the connections whose queues were
// full. s.mu must be held.
func (s *ServerMessenger) announceLocked(env *wire.Envelope) []*Connection {
	var slow []*Connection
	for _, c := range s.connections {
		if err := c.Offer(env, 0); errors.Is(err, ErrSlowPeer) {
			slow = append(slow, c)
		}
	}
	return slow
}

// evict fails connections that fell behind, reporting what they had not
// sent. It must not be called with s.mu held.
func (s *ServerMessenger) evict(slow []*Connection) {
	for _, c := range slow {
		s.logger.Warn().Stringer("node", c.RemoteNode()).Int("pending", c.Pending()).Msg("Evicting slow peer")
		c.fail(fmt.Errorf("%w: %s", ErrSlowPeer, c.RemoteNode()))
	}
}

// refuse answers a joiner with the reason it was turned away.
func (s *ServerMessenger) refuse(conn net.Conn, enc *wire.Encoder, logger zerolog.Logger, reason error, label string) {
	logger.Warn().Err(reason).Msg("Refused connection")
	s.opts.metrics.RecordRejection(label)

	_ = conn.SetWriteDeadline(s.deadline())
	if err := enc.Encode(wire.NewRefused(s.self, reason.Error())); err != nil {
		logger.Debug().Err(err).Msg("Could not deliver refusal")
	}
	_ = conn.Close()
}

func (s *ServerMessenger) deadline() time.Time {
	if s.opts.handshakeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.opts.handshakeTimeout)
}

func (s *ServerMessenger) trackHandshake(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.handshaking[conn] = struct{}{}
	return true
}

func (s *ServerMessenger) untrackHandshake(conn net.Conn) {
	s.mu.Lock()
	delete(s.handshaking, conn)
	s.mu.Unlock()
}

// RemoveNode disconnects n and announces its departure. The hub's own node
// cannot be removed.
func (s *ServerMessenger) RemoveNode(n node.Node) error {
	if n.Key() == s.self.Key() {
		return ErrRemoveLocalNode
	}
	s.mu.Lock()
	c, ok := s.connections[n.Key()]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, n)
	}
	s.removeConnection(c, false, 0)
	return nil
}

// removeConnection unregisters c if it is still the connection of its node.
func (s *ServerMessenger) removeConnection(c *Connection, lost bool, unsent int) {
	remote := c.RemoteNode()

	s.mu.Lock()
	if cur, ok := s.connections[remote.Key()]; !ok || cur != c {
		s.mu.Unlock()
		c.ShutDown()
		return
	}
	delete(s.connections, remote.Key())
	delete(s.knownNodes, remote.Key())
	slow := s.announceLocked(wire.NewNodeRemoved(s.self, remote))
	s.mu.Unlock()

	c.ShutDown()
	s.opts.metrics.ConnectionClosed(lost, unsent)
	s.logger.Info().Stringer("node", remote).Bool("lost", lost).Msg("Node left")
	s.notifyRemoved(s.logger, remote)
	s.evict(slow)
}

func (s *ServerMessenger) connectionLost(c *Connection, err error, unsent []*wire.Envelope) {
	s.notifyLost(s.logger, c.RemoteNode(), err, unsent)
	s.removeConnection(c, true, len(unsent))
}

// messageReceived routes one envelope from a client.
func (s *ServerMessenger) messageReceived(c *Connection, env *wire.Envelope) {
	from := c.RemoteNode()
	if env.Kind != wire.KindPayload {
		s.logger.Debug().Stringer("kind", env.Kind).Stringer("from", from).Msg("Discarded control envelope from client")
		return
	}

	if !env.To.IsZero() {
		s.mu.Lock()
		known, ok := s.knownNodes[env.To.Key()]
		s.mu.Unlock()
		if ok {
			if err := known.Verify(env.To); err != nil {
				s.logger.Error().Err(err).Stringer("from", from).Msg("Identity violation, dropping connection")
				s.removeConnection(c, false, 0)
				return
			}
		}
	}

	routed := *env
	routed.From = from
	s.route(&routed, c)
}

// route delivers env locally and/or forwards it. origin is nil for traffic
// the hub itself sends.
func (s *ServerMessenger) route(env *wire.Envelope, origin *Connection) {
	if env.IsBroadcast() {
		if origin != nil {
			s.deliver(env)
		}
		s.mu.Lock()
		targets := make([]*Connection, 0, len(s.connections))
		for id, c := range s.connections {
			if id != env.From.Key() {
				targets = append(targets, c)
			}
		}
		s.mu.Unlock()

		s.opts.metrics.RecordRoute(monitoring.RouteBroadcast)
		var slow []*Connection
		for _, c := range targets {
			if !s.forward(c, env) {
				slow = append(slow, c)
			}
		}
		s.evict(slow)
		return
	}

	if env.To.Key() == s.self.Key() {
		s.opts.metrics.RecordRoute(monitoring.RouteLocal)
		s.deliver(env)
		return
	}

	s.mu.Lock()
	target, ok := s.connections[env.To.Key()]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug().Stringer("to", env.To).Stringer("from", env.From).Msg("Dropped message for unknown node")
		s.opts.metrics.RecordRoute(monitoring.RouteDropped)
		return
	}
	s.opts.metrics.RecordRoute(monitoring.RouteUnicast)
	if !s.forward(target, env) {
		s.evict([]*Connection{target})
	}
}

// forward queues env on c, waiting at most the slow-peer timeout. It
// reports false when c should be evicted.
func (s *ServerMessenger) forward(c *Connection, env *wire.Envelope) bool {
	return !errors.Is(c.Offer(env, s.opts.slowPeerTimeout), ErrSlowPeer)
}

func (s *ServerMessenger) deliver(env *wire.Envelope) {
	s.notifyMessage(s.logger, Message{From: env.From, To: env.To, Payload: env.Payload})
}

// Send routes p from the hub to one node; a zero to broadcasts. It is a
// no-op once the hub is shut down.
func (s *ServerMessenger) Send(p wire.Payload, to node.Node) {
	if !s.IsConnected() {
		return
	}
	s.route(wire.NewPayload(s.self, to, p), nil)
}

// Broadcast sends p to every client.
func (s *ServerMessenger) Broadcast(p wire.Payload) {
	s.Send(p, node.Node{})
}

// Flush waits until every connection has written what was queued. A peer
// that does not drain within the slow-peer timeout is evicted.
func (s *ServerMessenger) Flush() {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var slow []*Connection
	for _, c := range conns {
		if err := c.FlushWithin(s.opts.slowPeerTimeout); err != nil {
			slow = append(slow, c)
		}
	}
	s.evict(slow)
}

// ShutDown stops accepting, closes every connection and forgets every
// node. Calling it again is a no-op.
func (s *ServerMessenger) ShutDown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := s.connections
	pending := s.handshaking
	s.connections = make(map[uuid.UUID]*Connection)
	s.handshaking = make(map[net.Conn]struct{})
	s.knownNodes = make(map[uuid.UUID]node.Node)
	s.mu.Unlock()

	s.accepting.Store(false)
	_ = s.listener.Close()
	for conn := range pending {
		_ = conn.Close()
	}
	for _, c := range conns {
		c.ShutDown()
		s.opts.metrics.ConnectionClosed(false, 0)
	}
	s.wg.Wait()

	if s.ownsPool {
		stopDispatchPool(s.pool, s.logger)
	}
	s.logger.Info().Int("connections", len(conns)).Msg("Hub shut down")
}
