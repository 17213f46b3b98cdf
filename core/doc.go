// Package core provides the inbound dispatch machinery for PeerHub.
// This package implements:
// - Worker pool with goroutines shared by every connection of a process
// - Ordered lanes that run marked tasks strictly one after another
package core
