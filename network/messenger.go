package network

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/VanDung-dev/PeerHub-Engine/core"
	"github.com/VanDung-dev/PeerHub-Engine/node"
	"github.com/VanDung-dev/PeerHub-Engine/wire"
)

// Messenger is the surface collaborators use, whether they run the hub or
// a client.
type Messenger interface {
	// Send delivers p to one node. A zero to broadcasts.
	Send(p wire.Payload, to node.Node)
	// Broadcast delivers p to every other node in the mesh.
	Broadcast(p wire.Payload)
	// Flush blocks until queued traffic has been written.
	Flush()
	Nodes() []node.Node
	LocalNode() node.Node
	IsConnected() bool
	ShutDown()

	AddMessageListener(l MessageListener) Subscription
	RemoveMessageListener(s Subscription) bool
	AddConnectionChangeListener(l ConnectionChangeListener) Subscription
	RemoveConnectionChangeListener(s Subscription) bool
	AddErrorListener(l ErrorListener) Subscription
	RemoveErrorListener(s Subscription) bool
}

var (
	_ Messenger = (*ServerMessenger)(nil)
	_ Messenger = (*ClientMessenger)(nil)
)

// newDispatchPool returns the shared pool from o, or a new pool owned by
// the caller.
func newDispatchPool(name string, o options) (pool *core.WorkerPool, owned bool) {
	if o.pool != nil {
		return o.pool, false
	}
	pool = core.NewWorkerPool(name+"-dispatch", o.workers)
	o.metrics.RegisterPool("peerhub", pool)
	return pool, true
}

// stopDispatchPool shuts down an owned pool. The timeout keeps a ShutDown
// issued from inside a listener from waiting on its own worker.
func stopDispatchPool(pool *core.WorkerPool, logger zerolog.Logger) {
	if err := pool.ShutdownWithTimeout(poolStopTimeout); err != nil {
		logger.Warn().Err(err).Str("pool", pool.Name()).Msg("Dispatch pool did not stop in time")
	}
}

const poolStopTimeout = 5 * time.Second
