package network

import (
	"errors"
	"fmt"
)

// Common errors for messenger operations.
var (
	ErrBadHandshake    = errors.New("bad handshake")
	ErrRemoveLocalNode = errors.New("cannot remove the local node")
	ErrNodeNotFound    = errors.New("node not found")
	ErrAdmissionDenied = errors.New("admission denied")
	ErrDuplicateNode   = errors.New("node already connected")
	ErrSlowPeer        = errors.New("peer is not draining its outbound queue")
)

// RefusedError is returned by DialClient when the hub refuses the join.
type RefusedError struct {
	Reason string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("connection refused by hub: %s", e.Reason)
}

func (e *RefusedError) Unwrap() error {
	return ErrAdmissionDenied
}
