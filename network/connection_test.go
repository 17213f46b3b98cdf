package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/VanDung-dev/PeerHub-Engine/core"
	"github.com/VanDung-dev/PeerHub-Engine/node"
	"github.com/VanDung-dev/PeerHub-Engine/wire"
)

var (
	hubNode  = node.New("hub", "127.0.0.1", 3300)
	peerNode = node.New("peer", "127.0.0.1", 5000)
)

type lostEvent struct {
	err    error
	unsent []*wire.Envelope
}

type recordingHandler struct {
	mu       sync.Mutex
	received []*wire.Envelope
	arrived  chan struct{}
	lost     chan lostEvent
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		arrived: make(chan struct{}, 128),
		lost:    make(chan lostEvent, 1),
	}
}

func (h *recordingHandler) messageReceived(c *Connection, env *wire.Envelope) {
	h.mu.Lock()
	h.received = append(h.received, env)
	h.mu.Unlock()
	h.arrived <- struct{}{}
}

func (h *recordingHandler) connectionLost(c *Connection, err error, unsent []*wire.Envelope) {
	h.lost <- lostEvent{err: err, unsent: unsent}
}

// countingConn counts completed writes.
type countingConn struct {
	net.Conn
	writes atomic.Int64
}

func (c *countingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if err == nil {
		c.writes.Add(1)
	}
	return n, err
}

func testOptions() options {
	return newOptions([]Option{WithLogger(zerolog.Nop()), WithOutboundQueue(16)})
}

func payloadEnv(i int) *wire.Envelope {
	return wire.NewPayload(hubNode, peerNode, wire.Payload{Type: fmt.Sprintf("p%d", i), Data: []byte{byte(i)}})
}

func startPipeConnection(t *testing.T, conn net.Conn, h connHandler) *Connection {
	t.Helper()
	o := testOptions()
	pool := core.NewWorkerPool("test", 4)
	t.Cleanup(pool.Shutdown)

	c := newConnection(conn, wire.NewEncoder(conn, o.wire), wire.NewDecoder(conn, o.wire), hubNode, peerNode, h, pool, o)
	c.start()
	t.Cleanup(c.ShutDown)
	return c
}

func discard(conn net.Conn) {
	dec := wire.NewDecoder(conn, wire.DefaultOptions())
	for {
		if _, err := dec.Decode(); err != nil {
			return
		}
	}
}

func TestExchangeHello(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	o := testOptions()
	deadline := time.Now().Add(time.Second)

	type result struct {
		env *wire.Envelope
		err error
	}
	other := make(chan result, 1)
	go func() {
		env, err := exchangeHello(b, wire.NewEncoder(b, o.wire), wire.NewDecoder(b, o.wire), wire.NewHello(peerNode, "token"), deadline)
		other <- result{env, err}
	}()

	got, err := exchangeHello(a, wire.NewEncoder(a, o.wire), wire.NewDecoder(a, o.wire), wire.NewHello(hubNode, ""), deadline)
	if err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	if got.From.ID() != peerNode.ID() || got.Credential != "token" {
		t.Errorf("Unexpected peer hello: %+v", got)
	}

	r := <-other
	if r.err != nil {
		t.Fatalf("Peer handshake failed: %v", r.err)
	}
	if r.env.From.ID() != hubNode.ID() {
		t.Errorf("Peer saw wrong identity: %v", r.env.From)
	}
}

func TestExchangeHelloRejectsNonHello(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	o := testOptions()

	go func() {
		enc := wire.NewEncoder(b, o.wire)
		_ = enc.Encode(payloadEnv(0))
		discard(b)
	}()

	_, err := exchangeHello(a, wire.NewEncoder(a, o.wire), wire.NewDecoder(a, o.wire), wire.NewHello(hubNode, ""), time.Now().Add(time.Second))
	if !errors.Is(err, ErrBadHandshake) {
		t.Errorf("Expected ErrBadHandshake, got %v", err)
	}
}

func TestExchangeHelloRejectsGarbage(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	o := testOptions()

	go func() {
		_, _ = b.Write([]byte("GET / HTTP/1.1\r\nHost: hub\r\n\r\n"))
	}()

	_, err := exchangeHello(a, wire.NewEncoder(a, o.wire), wire.NewDecoder(a, o.wire), wire.NewHello(hubNode, ""), time.Now().Add(time.Second))
	if !errors.Is(err, ErrBadHandshake) {
		t.Errorf("Expected ErrBadHandshake, got %v", err)
	}
}

func TestExchangeHelloTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	o := testOptions()

	start := time.Now()
	_, err := exchangeHello(a, wire.NewEncoder(a, o.wire), wire.NewDecoder(a, o.wire), wire.NewHello(hubNode, ""), time.Now().Add(50*time.Millisecond))
	if !errors.Is(err, ErrBadHandshake) {
		t.Errorf("Expected ErrBadHandshake, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Handshake did not honour its deadline")
	}
}

func TestConnectionFlushWritesQueued(t *testing.T) {
	local, peer := net.Pipe()
	defer peer.Close()
	go discard(peer)

	counted := &countingConn{Conn: local}
	c := startPipeConnection(t, counted, newRecordingHandler())

	const n = 5
	for i := 0; i < n; i++ {
		c.Send(payloadEnv(i))
	}
	c.Flush()

	if got := counted.writes.Load(); got != n {
		t.Errorf("Expected %d frames written after Flush, got %d", n, got)
	}
	if c.Pending() != 0 {
		t.Errorf("Expected empty queue, got %d", c.Pending())
	}
}

func TestConnectionFlushReturnsOnShutdown(t *testing.T) {
	local, peer := net.Pipe()
	defer peer.Close()

	h := newRecordingHandler()
	c := startPipeConnection(t, local, h)
	c.Send(payloadEnv(0))
	c.Send(payloadEnv(1))

	done := make(chan struct{})
	go func() {
		c.Flush()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Flush returned while nothing was read")
	case <-time.After(50 * time.Millisecond):
	}

	c.ShutDown()
	c.ShutDown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Flush hung after shutdown")
	}
	if c.IsConnected() {
		t.Error("Connection should be down")
	}

	select {
	case ev := <-h.lost:
		t.Errorf("Intentional shutdown reported as loss: %v", ev.err)
	case <-time.After(50 * time.Millisecond):
	}

	// Sending after shutdown is a no-op.
	c.Send(payloadEnv(2))
	c.Flush()
}

func TestConnectionReportsUnsentOnFailure(t *testing.T) {
	local, peer := net.Pipe()
	h := newRecordingHandler()
	c := startPipeConnection(t, local, h)

	for i := 0; i < 3; i++ {
		c.Send(payloadEnv(i))
	}

	// Wait for the writer to block on the first frame.
	deadline := time.Now().Add(time.Second)
	for c.Pending() != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	_ = peer.Close()

	select {
	case ev := <-h.lost:
		if ev.err == nil {
			t.Error("Expected a transport error")
		}
		var types []string
		for _, env := range ev.unsent {
			types = append(types, env.Payload.Type)
		}
		if diff := cmp.Diff([]string{"p0", "p1", "p2"}, types); diff != "" {
			t.Errorf("Unsent mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for connection loss")
	}

	if c.IsConnected() {
		t.Error("Failed connection should be down")
	}
	select {
	case <-h.lost:
		t.Error("Loss must be reported once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectionDispatchesOrderedInSequence(t *testing.T) {
	local, peer := net.Pipe()
	defer peer.Close()

	h := newRecordingHandler()
	startPipeConnection(t, local, h)

	const n = 20
	go func() {
		enc := wire.NewEncoder(peer, wire.DefaultOptions())
		for i := 0; i < n; i++ {
			env := payloadEnv(i)
			env.Payload.Ordered = true
			if err := enc.Encode(env); err != nil {
				return
			}
		}
	}()

	for i := 0; i < n; i++ {
		select {
		case <-h.arrived:
		case <-time.After(2 * time.Second):
			t.Fatalf("Timeout after %d envelopes", i)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, env := range h.received {
		if want := fmt.Sprintf("p%d", i); env.Payload.Type != want {
			t.Fatalf("Position %d: expected %s, got %s", i, want, env.Payload.Type)
		}
	}
}

func TestConnectionOfferReportsSlowPeer(t *testing.T) {
	local, peer := net.Pipe()
	defer peer.Close()
	c := startPipeConnection(t, local, newRecordingHandler())

	var err error
	for i := 0; i < 64 && err == nil; i++ {
		err = c.Offer(payloadEnv(i), 0)
	}
	if !errors.Is(err, ErrSlowPeer) {
		t.Fatalf("Expected ErrSlowPeer from a full queue, got %v", err)
	}

	start := time.Now()
	if err := c.Offer(payloadEnv(99), 20*time.Millisecond); !errors.Is(err, ErrSlowPeer) {
		t.Errorf("Expected ErrSlowPeer after waiting, got %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Offer gave up before its wait elapsed")
	}
	if err := c.FlushWithin(20 * time.Millisecond); !errors.Is(err, ErrSlowPeer) {
		t.Errorf("Expected FlushWithin to time out, got %v", err)
	}

	c.ShutDown()
	if err := c.Offer(payloadEnv(100), 0); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Expected net.ErrClosed after shutdown, got %v", err)
	}
}

func TestConnectionUnsentMatchesAcceptedSends(t *testing.T) {
	local, peer := net.Pipe()
	h := newRecordingHandler()
	c := startPipeConnection(t, local, h)

	const senders, perSender = 8, 10
	var accepted atomic.Int64
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if c.Offer(payloadEnv(s*perSender+i), -1) == nil {
					accepted.Add(1)
				}
			}
		}(s)
	}

	deadline := time.Now().Add(time.Second)
	for c.Pending() < cap(c.outbound) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	_ = peer.Close()

	var ev lostEvent
	select {
	case ev = <-h.lost:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for connection loss")
	}
	wg.Wait()

	// Nothing is written because the peer never reads, so every accepted
	// envelope must come back as unsent.
	if got, want := int64(len(ev.unsent)), accepted.Load(); got != want {
		t.Errorf("Expected %d unsent envelopes, got %d", want, got)
	}
}
