package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/VanDung-dev/PeerHub-Engine/node"
)

// Topics published by ZmqEventPublisher. Subscribers can filter on the
// common "peerhub.node." prefix.
const (
	TopicNodeAdded   = "peerhub.node.added"
	TopicNodeRemoved = "peerhub.node.removed"
)

// ErrPublisherNotRunning is returned when publishing before Start or after Close.
var ErrPublisherNotRunning = errors.New("event publisher is not running")

// MembershipEvent is the JSON body of a published event.
type MembershipEvent struct {
	Topic     string    `json:"topic"`
	Source    node.Node `json:"source"`
	Node      node.Node `json:"node"`
	Timestamp time.Time `json:"timestamp"`
}

// ZmqEventPublisher republishes membership changes on a ZeroMQ PUB socket
// as two-frame messages [topic, json]. Register it as a
// ConnectionChangeListener.
type ZmqEventPublisher struct {
	endpoint string
	source   node.Node

	ctx    context.Context
	cancel context.CancelFunc
	pub    zmq4.Socket

	running bool
	mu      sync.Mutex
	logger  zerolog.Logger
}

// NewZmqEventPublisher creates a publisher that will bind endpoint, e.g.
// "tcp://127.0.0.1:5557". source is stamped on every event.
func NewZmqEventPublisher(endpoint string, source node.Node, logger zerolog.Logger) *ZmqEventPublisher {
	ctx, cancel := context.WithCancel(context.Background())
	return &ZmqEventPublisher{
		endpoint: endpoint,
		source:   source,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With().Str("component", "events").Logger(),
	}
}

// Start binds the PUB socket.
func (p *ZmqEventPublisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.New("event publisher already running")
	}
	pub := zmq4.NewPub(p.ctx)
	if err := pub.Listen(p.endpoint); err != nil {
		_ = pub.Close()
		return fmt.Errorf("failed to bind publisher: %w", err)
	}
	p.pub = pub
	p.running = true
	p.logger.Info().Str("endpoint", p.endpoint).Msg("Publishing membership events")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (p *ZmqEventPublisher) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pub == nil {
		return nil
	}
	return p.pub.Addr()
}

// Publish sends one event.
func (p *ZmqEventPublisher) Publish(topic string, n node.Node) error {
	body, err := json.Marshal(MembershipEvent{
		Topic:     topic,
		Source:    p.source,
		Node:      n,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrPublisherNotRunning
	}
	if err := p.pub.Send(zmq4.NewMsgFrom([]byte(topic), body)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	return nil
}

// ConnectionAdded publishes TopicNodeAdded.
func (p *ZmqEventPublisher) ConnectionAdded(n node.Node) {
	if err := p.Publish(TopicNodeAdded, n); err != nil {
		p.logger.Warn().Err(err).Stringer("node", n).Msg("Could not publish event")
	}
}

// ConnectionRemoved publishes TopicNodeRemoved.
func (p *ZmqEventPublisher) ConnectionRemoved(n node.Node) {
	if err := p.Publish(TopicNodeRemoved, n); err != nil {
		p.logger.Warn().Err(err).Stringer("node", n).Msg("Could not publish event")
	}
}

// Close stops the publisher. Calling it again is a no-op.
func (p *ZmqEventPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false
	p.cancel()
	return p.pub.Close()
}
