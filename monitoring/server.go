package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VanDung-dev/PeerHub-Engine/node"
)

// Roster is anything that can list the nodes of a mesh.
type Roster interface {
	Nodes() []node.Node
	LocalNode() node.Node
	IsConnected() bool
}

// rosterResponse is the body served on /nodes.
type rosterResponse struct {
	Local     node.Node   `json:"local"`
	Connected bool        `json:"connected"`
	Count     int         `json:"count"`
	Nodes     []node.Node `json:"nodes"`
}

// StatusServer runs an HTTP server exposing /metrics, /health and /nodes.
type StatusServer struct {
	server   *http.Server
	listener net.Listener
	mu       sync.Mutex
}

// NewStatusServer creates a status server on the given address. Either
// metrics or roster may be nil; the matching endpoint is then not served.
func NewStatusServer(addr string, metrics *Metrics, roster Roster) *StatusServer {
	return &StatusServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           NewStatusHandler(metrics, roster),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// NewStatusHandler builds the status mux.
func NewStatusHandler(metrics *Metrics, roster Roster) http.Handler {
	mux := http.NewServeMux()
	if reg := metrics.Registry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if roster != nil && !roster.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("DOWN"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if roster != nil {
		mux.HandleFunc("/nodes", func(w http.ResponseWriter, r *http.Request) {
			nodes := roster.Nodes()
			node.Sort(nodes)
			body, err := json.Marshal(rosterResponse{
				Local:     roster.LocalNode(),
				Connected: roster.IsConnected(),
				Count:     len(nodes),
				Nodes:     nodes,
			})
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(body)
		})
	}
	return mux
}

// Start listens and serves until Stop (blocking).
func (s *StatusServer) Start() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start has listened.
func (s *StatusServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the status server.
func (s *StatusServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
