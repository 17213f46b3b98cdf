package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/VanDung-dev/PeerHub-Engine/core"
	"github.com/VanDung-dev/PeerHub-Engine/monitoring"
	"github.com/VanDung-dev/PeerHub-Engine/node"
	"github.com/VanDung-dev/PeerHub-Engine/wire"
)

// connHandler is the messenger a Connection reports to.
type connHandler interface {
	// messageReceived runs on a pool worker, one call per inbound envelope.
	messageReceived(c *Connection, env *wire.Envelope)
	// connectionLost is called at most once, after a read or write failure
	// that was not caused by ShutDown.
	connectionLost(c *Connection, err error, unsent []*wire.Envelope)
}

// outboundItem is either an envelope or a flush marker.
type outboundItem struct {
	env     *wire.Envelope
	flushed chan struct{}
}

// Connection is a live duplex link to exactly one remote node.
type Connection struct {
	conn    net.Conn
	enc     *wire.Encoder
	dec     *wire.Decoder
	handler connHandler

	mu     sync.RWMutex
	local  node.Node
	remote node.Node

	pool *core.WorkerPool
	lane *core.OrderedLane

	// sealMu orders enqueues against close: senders hold it shared, close
	// takes it exclusively once to set sealed.
	sealMu     sync.RWMutex
	sealed     bool
	outbound   chan outboundItem
	inflight   atomic.Pointer[wire.Envelope]
	writerDone chan struct{}
	started    atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger  zerolog.Logger
	metrics *monitoring.Metrics
}

// newConnection wraps a socket whose hello exchange has completed. The
// encoder and decoder must be the ones used for the handshake, since the
// decoder may already hold buffered frames.
func newConnection(conn net.Conn, enc *wire.Encoder, dec *wire.Decoder, local, remote node.Node,
	handler connHandler, pool *core.WorkerPool, o options) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	return &Connection{
		conn:       conn,
		enc:        enc,
		dec:        dec,
		handler:    handler,
		local:      local,
		remote:     remote,
		pool:       pool,
		lane:       pool.NewOrderedLane(),
		outbound:   make(chan outboundItem, o.outboundQueue),
		writerDone: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		logger: o.logger.With().
			Str("component", "connection").
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
		metrics: o.metrics,
	}
}

// exchangeHello writes our hello and reads the peer's. Both directions run
// at once so that synchronous transports cannot deadlock. A zero deadline
// means no time limit; the caller clears the deadline afterwards.
func exchangeHello(conn net.Conn, enc *wire.Encoder, dec *wire.Decoder, hello *wire.Envelope, deadline time.Time) (*wire.Envelope, error) {
	if !deadline.IsZero() {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
		}
	}

	written := make(chan error, 1)
	go func() {
		written <- enc.Encode(hello)
	}()

	peer, err := dec.Decode()
	if err != nil {
		_ = conn.Close()
		<-written
		return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	if err := <-written; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	if peer.Kind != wire.KindHello {
		return nil, fmt.Errorf("%w: expected hello, got %s", ErrBadHandshake, peer.Kind)
	}
	return peer, nil
}

// start launches the reader and writer goroutines. It does nothing once
// the connection has failed.
func (c *Connection) start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.writeLoop()
	go c.readLoop()
}

// LocalNode returns our identity on this link.
func (c *Connection) LocalNode() node.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.local
}

// RemoteNode returns the authoritative identity of the peer.
func (c *Connection) RemoteNode() node.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remote
}

// RemoteAddr returns the peer's socket address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// IsConnected reports whether the connection has not been shut down.
func (c *Connection) IsConnected() bool {
	return c.ctx.Err() == nil
}

// Pending returns the number of queued outbound items.
func (c *Connection) Pending() int {
	return len(c.outbound)
}

// Send queues env for the writer. It blocks only while the queue is full
// and is a no-op once the connection is shut down.
func (c *Connection) Send(env *wire.Envelope) {
	_ = c.enqueue(outboundItem{env: env}, -1)
}

// Offer queues env, waiting at most wait for room. A zero wait never
// blocks. It returns ErrSlowPeer when the queue stayed full and
// net.ErrClosed once the connection is shut down.
func (c *Connection) Offer(env *wire.Envelope, wait time.Duration) error {
	return c.enqueue(outboundItem{env: env}, wait)
}

// enqueue adds item to the outbound queue. A negative wait blocks until
// there is room or the connection shuts down.
func (c *Connection) enqueue(item outboundItem, wait time.Duration) error {
	c.sealMu.RLock()
	defer c.sealMu.RUnlock()
	if c.sealed || c.ctx.Err() != nil {
		return net.ErrClosed
	}

	select {
	case c.outbound <- item:
		return nil
	default:
	}
	if wait == 0 {
		return ErrSlowPeer
	}

	var expired <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case c.outbound <- item:
		return nil
	case <-c.ctx.Done():
		return net.ErrClosed
	case <-expired:
		return ErrSlowPeer
	}
}

// Flush blocks until everything queued before the call has been written,
// or the connection has shut down.
func (c *Connection) Flush() {
	_ = c.FlushWithin(-1)
}

// FlushWithin is Flush bounded by wait; a negative wait means no limit. It
// returns ErrSlowPeer when the queue was not written in time.
func (c *Connection) FlushWithin(wait time.Duration) error {
	start := time.Now()
	marker := make(chan struct{})
	if err := c.enqueue(outboundItem{flushed: marker}, wait); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	}

	var expired <-chan time.Time
	if wait >= 0 {
		timer := time.NewTimer(wait - time.Since(start))
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-marker:
	case <-c.ctx.Done():
		return nil
	case <-expired:
		return ErrSlowPeer
	}
	c.metrics.RecordFlush(time.Since(start))
	return nil
}

// ShutDown closes the socket and wakes anything blocked on the connection.
// Calling it again is a no-op.
func (c *Connection) ShutDown() {
	c.close()
}

// close reports whether this call did the closing. Once it returns no
// further item can enter the outbound queue.
func (c *Connection) close() bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.cancel()
		_ = c.conn.Close()

		c.sealMu.Lock()
		c.sealed = true
		c.sealMu.Unlock()
	})
	return first
}

// fail shuts the connection down after a transport error and hands the
// unsent envelopes to the handler. Only the first failure is reported.
func (c *Connection) fail(err error) {
	if !c.close() {
		return
	}
	if c.started.CompareAndSwap(false, true) {
		close(c.writerDone)
	}
	<-c.writerDone

	var unsent []*wire.Envelope
	if env := c.inflight.Swap(nil); env != nil {
		unsent = append(unsent, env)
	}
drain:
	for {
		select {
		case item := <-c.outbound:
			if item.env != nil {
				unsent = append(unsent, item.env)
			}
		default:
			break drain
		}
	}

	c.logger.Warn().Err(err).Int("unsent", len(unsent)).Stringer("node", c.RemoteNode()).Msg("Connection lost")
	c.handler.connectionLost(c, err, unsent)
}

func (c *Connection) writeLoop() {
	err := c.writeQueued()
	close(c.writerDone)
	if err != nil && c.ctx.Err() == nil {
		c.fail(err)
	}
}

// writeQueued writes items until the connection closes or the socket fails.
// An item taken but not written is left in inflight.
func (c *Connection) writeQueued() error {
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case item := <-c.outbound:
			if item.flushed != nil {
				close(item.flushed)
				continue
			}

			c.inflight.Store(item.env)
			if c.ctx.Err() != nil {
				return nil
			}
			if err := c.enc.Encode(item.env); err != nil {
				if isEnvelopeError(err) {
					c.inflight.Store(nil)
					c.logger.Error().Err(err).Stringer("kind", item.env.Kind).Msg("Dropped unencodable envelope")
					continue
				}
				return err
			}
			c.inflight.Store(nil)
			c.metrics.RecordFrameWritten()

			if len(c.outbound) == 0 {
				c.enc.Reset()
			}
		}
	}
}

// isEnvelopeError reports errors that concern one envelope rather than the
// socket.
func isEnvelopeError(err error) bool {
	return errors.Is(err, wire.ErrFrameTooLarge) ||
		errors.Is(err, wire.ErrMalformed) ||
		errors.Is(err, wire.ErrUnknownKind) ||
		errors.Is(err, wire.ErrUnknownFormat) ||
		errors.Is(err, wire.ErrUnknownCompress)
}

func (c *Connection) readLoop() {
	for {
		env, err := c.dec.Decode()
		if err != nil {
			if c.ctx.Err() == nil {
				c.fail(err)
			}
			return
		}
		c.metrics.RecordFrameRead()
		c.dispatch(env)
	}
}

// dispatch hands one envelope to the pool. Ordered envelopes go through the
// connection's lane so they are handled one after another.
func (c *Connection) dispatch(env *wire.Envelope) {
	received := time.Now()

	task := core.NewTask(env.Kind.String(), env, func(data interface{}) (interface{}, error) {
		c.handler.messageReceived(c, data.(*wire.Envelope))
		return nil, nil
	})
	task.OnComplete = func(result *core.Result) {
		c.metrics.RecordDispatch(time.Since(received))
		if !result.Success {
			c.logger.Error().Err(result.Error).Str("kind", result.TaskID).Msg("Handler failed")
		}
	}

	var err error
	if env.Ordered() {
		err = c.lane.Submit(c.ctx, task)
	} else {
		err = c.pool.Submit(c.ctx, task)
	}
	if err != nil && c.ctx.Err() == nil {
		c.logger.Warn().Err(err).Stringer("kind", env.Kind).Msg("Dropped inbound envelope")
	}
}
