package wire

import (
	"errors"
	"fmt"

	"github.com/VanDung-dev/PeerHub-Engine/node"
)

// Common errors for envelope decoding.
var (
	ErrUnknownKind     = errors.New("unknown envelope kind")
	ErrMalformed       = errors.New("malformed envelope")
	ErrUnknownFormat   = errors.New("unknown wire format")
	ErrUnknownCompress = errors.New("unknown compression")
)

// Kind discriminates the envelope variants.
type Kind int

const (
	KindHello Kind = iota + 1
	KindJoin
	KindNodeAdded
	KindNodeRemoved
	KindRefused
	KindPayload
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindJoin:
		return "join"
	case KindNodeAdded:
		return "node_added"
	case KindNodeRemoved:
		return "node_removed"
	case KindRefused:
		return "refused"
	case KindPayload:
		return "payload"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k := KindHello; k <= KindPayload; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k >= KindHello && k <= KindPayload
}

// Payload is the opaque domain content of a KindPayload envelope. Type is a
// free-form discriminant for collaborators. Ordered payloads are handled one
// after another per connection.
type Payload struct {
	Type    string
	Data    []byte
	Ordered bool
}

// Envelope is one unit of traffic. A zero To means broadcast.
type Envelope struct {
	Kind       Kind
	From       node.Node
	To         node.Node
	Payload    Payload
	Nodes      []node.Node
	Reason     string
	Credential string
}

// NewHello builds the handshake envelope announcing self.
func NewHello(self node.Node, credential string) *Envelope {
	return &Envelope{Kind: KindHello, From: self, Credential: credential}
}

// NewJoin builds the snapshot sent once to a joiner. To is the joiner's
// resolved identity.
func NewJoin(from, joiner node.Node, nodes []node.Node) *Envelope {
	return &Envelope{Kind: KindJoin, From: from, To: joiner, Nodes: nodes}
}

// NewNodeAdded announces n to existing members.
func NewNodeAdded(from, n node.Node) *Envelope {
	return &Envelope{Kind: KindNodeAdded, From: from, Nodes: []node.Node{n}}
}

// NewNodeRemoved announces the departure of n.
func NewNodeRemoved(from, n node.Node) *Envelope {
	return &Envelope{Kind: KindNodeRemoved, From: from, Nodes: []node.Node{n}}
}

// NewRefused is sent instead of a join snapshot when admission fails.
func NewRefused(from node.Node, reason string) *Envelope {
	return &Envelope{Kind: KindRefused, From: from, Reason: reason}
}

// NewPayload wraps domain content. A zero to broadcasts.
func NewPayload(from, to node.Node, p Payload) *Envelope {
	return &Envelope{Kind: KindPayload, From: from, To: to, Payload: p}
}

// IsBroadcast reports whether the envelope has no explicit recipient.
func (e *Envelope) IsBroadcast() bool {
	return e.To.IsZero()
}

// IsControl reports whether the envelope is internal to the messengers.
func (e *Envelope) IsControl() bool {
	return e.Kind != KindPayload
}

// Ordered reports whether handling must be serialized per connection.
// Membership changes are always ordered so peers apply them in sequence.
func (e *Envelope) Ordered() bool {
	switch e.Kind {
	case KindJoin, KindNodeAdded, KindNodeRemoved:
		return true
	case KindPayload:
		return e.Payload.Ordered
	default:
		return false
	}
}

// Subject returns the single node carried by NodeAdded/NodeRemoved.
func (e *Envelope) Subject() (node.Node, bool) {
	if len(e.Nodes) != 1 {
		return node.Node{}, false
	}
	return e.Nodes[0], true
}

func (e *Envelope) validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, int(e.Kind))
	}
	switch e.Kind {
	case KindHello:
		if e.From.IsZero() {
			return fmt.Errorf("%w: hello without identity", ErrMalformed)
		}
	case KindNodeAdded, KindNodeRemoved:
		if len(e.Nodes) != 1 {
			return fmt.Errorf("%w: %s carries %d nodes", ErrMalformed, e.Kind, len(e.Nodes))
		}
	}
	return nil
}
