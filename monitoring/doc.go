// Package monitoring provides Prometheus metrics and an HTTP status endpoint
// for PeerHub messengers.
package monitoring
