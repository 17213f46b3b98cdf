// Package node provides the immutable identity of a mesh participant.
package node

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrIdentityConflict is reported when two nodes share an id but not a name.
var ErrIdentityConflict = errors.New("node identity conflict")

// InvariantError describes a broken id/name pairing between two nodes.
// Equal panics with it; Verify returns it.
type InvariantError struct {
	ID    uuid.UUID
	Left  string
	Right string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%v: id %s carries names %q and %q", ErrIdentityConflict, e.ID, e.Left, e.Right)
}

func (e *InvariantError) Unwrap() error {
	return ErrIdentityConflict
}

// Node is the identity of one participant: name, network address, port and a
// unique id. Nodes are compared and hashed by id alone.
type Node struct {
	name    string
	address string
	port    int
	id      uuid.UUID
}

// New creates a node with a fresh random id.
func New(name, address string, port int) Node {
	return NewWithID(uuid.New(), name, address, port)
}

// NewWithID rebuilds a node whose id is already known, e.g. after decoding.
func NewWithID(id uuid.UUID, name, address string, port int) Node {
	return Node{
		name:    name,
		address: address,
		port:    port,
		id:      id,
	}
}

func (n Node) Name() string { return n.name }
func (n Node) Address() string { return n.address }
func (n Node) Port() int { return n.port }
func (n Node) ID() uuid.UUID { return n.id }

// Key returns the value to use when a node indexes a map or set.
func (n Node) Key() uuid.UUID {
	return n.id
}

// IsZero reports whether n is the absent node.
func (n Node) IsZero() bool {
	return n.id == uuid.Nil
}

// WithName returns a copy of n carrying a different name and the same id.
// Only the hub uses it, while resolving a joiner's name before announcing it.
func (n Node) WithName(name string) Node {
	n.name = name
	return n
}

// Equal reports whether both nodes have the same id. Two nodes with the same
// id and different names mean the protocol state is corrupt, so Equal panics
// with an *InvariantError instead of answering.
func (n Node) Equal(other Node) bool {
	if err := n.Verify(other); err != nil {
		panic(err)
	}
	return n.id == other.id
}

// Verify returns an *InvariantError when n and other share an id but not a name.
func (n Node) Verify(other Node) error {
	if n.id == other.id && n.name != other.name {
		return &InvariantError{ID: n.id, Left: n.name, Right: other.name}
	}
	return nil
}

// HostPort returns address:port.
func (n Node) HostPort() string {
	return n.address + ":" + strconv.Itoa(n.port)
}

func (n Node) String() string {
	if n.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s (%s)", n.name, n.HostPort())
}

type nodeJSON struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// MarshalJSON implements json.Marshaler.
func (n Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(nodeJSON{
		ID:      n.id.String(),
		Name:    n.name,
		Address: n.address,
		Port:    n.port,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Node) UnmarshalJSON(data []byte) error {
	var v nodeJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	id, err := uuid.Parse(v.ID)
	if err != nil {
		return fmt.Errorf("invalid node id %q: %w", v.ID, err)
	}
	*n = NewWithID(id, v.Name, v.Address, v.Port)
	return nil
}

// Sort orders nodes by name, then id, so snapshots are deterministic.
func Sort(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].name != nodes[j].name {
			return nodes[i].name < nodes[j].name
		}
		return nodes[i].id.String() < nodes[j].id.String()
	})
}
