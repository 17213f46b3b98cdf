// Package network provides the star-topology messaging layer of PeerHub.
//
// This package implements:
//   - Connection: one framed TCP link to a remote node, with a writer
//     goroutine draining an outbound channel and a reader dispatching
//     inbound envelopes to a shared worker pool
//   - ServerMessenger: the hub that owns the authoritative node set,
//     resolves joiner names and routes unicast and broadcast traffic
//   - ClientMessenger: a participant dialing a hub
//   - Admission policies and a ZeroMQ membership event publisher
package network
