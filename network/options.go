package network

import (
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/VanDung-dev/PeerHub-Engine/core"
	"github.com/VanDung-dev/PeerHub-Engine/monitoring"
	"github.com/VanDung-dev/PeerHub-Engine/wire"
)

// Defaults used when no option overrides them.
const (
	DefaultHost             = "0.0.0.0"
	DefaultOutboundQueue    = 256
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultSlowPeerTimeout  = 5 * time.Second
)

type options struct {
	host             string
	pool             *core.WorkerPool
	workers          int
	logger           zerolog.Logger
	metrics          *monitoring.Metrics
	admission        AdmissionPolicy
	maxNodes         int
	wire             wire.Options
	outboundQueue    int
	handshakeTimeout time.Duration
	slowPeerTimeout  time.Duration
	credential       string
}

// Option configures a messenger.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		host:             DefaultHost,
		workers:          runtime.NumCPU(),
		logger:           log.Logger,
		wire:             wire.DefaultOptions(),
		outboundQueue:    DefaultOutboundQueue,
		handshakeTimeout: DefaultHandshakeTimeout,
		slowPeerTimeout:  DefaultSlowPeerTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.outboundQueue < 1 {
		o.outboundQueue = 1
	}
	if o.slowPeerTimeout <= 0 {
		o.slowPeerTimeout = DefaultSlowPeerTimeout
	}
	if o.wire.MaxFrameSize <= 0 {
		o.wire.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	return o
}

// WithHost sets the interface a hub binds to.
func WithHost(host string) Option {
	return func(o *options) { o.host = host }
}

// WithPool shares an existing dispatch pool. A shared pool is never shut
// down by the messenger.
func WithPool(pool *core.WorkerPool) Option {
	return func(o *options) { o.pool = pool }
}

// WithWorkers sets the size of the messenger's own dispatch pool.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithLogger sets the base logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records connection and routing metrics.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAdmission installs a policy consulted for every joiner.
func WithAdmission(policy AdmissionPolicy) Option {
	return func(o *options) { o.admission = policy }
}

// WithMaxNodes refuses joiners once the mesh holds n nodes, hub included.
func WithMaxNodes(n int) Option {
	return func(o *options) { o.maxNodes = n }
}

// WithWireOptions sets the frame format, compression and size limit.
func WithWireOptions(w wire.Options) Option {
	return func(o *options) { o.wire = w }
}

// WithOutboundQueue sets the per-connection outbound queue length.
func WithOutboundQueue(n int) Option {
	return func(o *options) { o.outboundQueue = n }
}

// WithHandshakeTimeout bounds the hello exchange.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithSlowPeerTimeout sets how long the hub waits for room in a peer's
// outbound queue, or for a flush, before it evicts that peer. Membership
// announcements never wait.
func WithSlowPeerTimeout(d time.Duration) Option {
	return func(o *options) { o.slowPeerTimeout = d }
}

// WithCredential sets the token a client presents in its hello.
func WithCredential(token string) Option {
	return func(o *options) { o.credential = token }
}
