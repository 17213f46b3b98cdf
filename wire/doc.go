// Package wire provides the on-the-wire representation of PeerHub traffic.
//
// This package implements:
//   - Envelope: the tagged sum of handshake, membership and payload messages
//   - A protobuf-encoded binary schema and a JSON rendering of it
//   - Length-prefixed, versioned frames with optional zstd/s2 compression
package wire
