package wire

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/VanDung-dev/PeerHub-Engine/node"
)

// Envelope field numbers. Numbers are never reused; decoders skip fields
// they do not know.
const (
	fieldKind        protowire.Number = 1
	fieldFrom        protowire.Number = 2
	fieldTo          protowire.Number = 3
	fieldPayloadType protowire.Number = 4
	fieldPayloadData protowire.Number = 5
	fieldOrdered     protowire.Number = 6
	fieldNodes       protowire.Number = 7
	fieldReason      protowire.Number = 8
	fieldCredential  protowire.Number = 9
)

// Node field numbers.
const (
	nodeFieldID      protowire.Number = 1
	nodeFieldName    protowire.Number = 2
	nodeFieldAddress protowire.Number = 3
	nodeFieldPort    protowire.Number = 4
)

// appendProto appends the protobuf encoding of e to b.
func appendProto(b []byte, e *Envelope) []byte {
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	if !e.From.IsZero() {
		b = appendNode(b, fieldFrom, e.From)
	}
	if !e.To.IsZero() {
		b = appendNode(b, fieldTo, e.To)
	}
	if e.Payload.Type != "" {
		b = protowire.AppendTag(b, fieldPayloadType, protowire.BytesType)
		b = protowire.AppendString(b, e.Payload.Type)
	}
	if len(e.Payload.Data) > 0 {
		b = protowire.AppendTag(b, fieldPayloadData, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload.Data)
	}
	if e.Payload.Ordered {
		b = protowire.AppendTag(b, fieldOrdered, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	for _, n := range e.Nodes {
		b = appendNode(b, fieldNodes, n)
	}
	if e.Reason != "" {
		b = protowire.AppendTag(b, fieldReason, protowire.BytesType)
		b = protowire.AppendString(b, e.Reason)
	}
	if e.Credential != "" {
		b = protowire.AppendTag(b, fieldCredential, protowire.BytesType)
		b = protowire.AppendString(b, e.Credential)
	}
	return b
}

func appendNode(b []byte, num protowire.Number, n node.Node) []byte {
	id := n.ID()
	var nb []byte
	nb = protowire.AppendTag(nb, nodeFieldID, protowire.BytesType)
	nb = protowire.AppendBytes(nb, id[:])
	nb = protowire.AppendTag(nb, nodeFieldName, protowire.BytesType)
	nb = protowire.AppendString(nb, n.Name())
	nb = protowire.AppendTag(nb, nodeFieldAddress, protowire.BytesType)
	nb = protowire.AppendString(nb, n.Address())
	nb = protowire.AppendTag(nb, nodeFieldPort, protowire.VarintType)
	nb = protowire.AppendVarint(nb, uint64(n.Port()))

	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, nb)
}

// parseProto decodes a protobuf-encoded envelope.
func parseProto(b []byte) (*Envelope, error) {
	e := &Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: kind: %v", ErrMalformed, protowire.ParseError(m))
			}
			e.Kind = Kind(v)
			n = m
		case num == fieldOrdered && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: ordered: %v", ErrMalformed, protowire.ParseError(m))
			}
			e.Payload.Ordered = protowire.DecodeBool(v)
			n = m
		case typ == protowire.BytesType && isBytesField(num):
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			if err := setBytesField(e, num, v); err != nil {
				return nil, err
			}
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			n = m
		}
		b = b[n:]
	}
	return e, nil
}

func isBytesField(num protowire.Number) bool {
	switch num {
	case fieldFrom, fieldTo, fieldPayloadType, fieldPayloadData, fieldNodes, fieldReason, fieldCredential:
		return true
	}
	return false
}

func setBytesField(e *Envelope, num protowire.Number, v []byte) error {
	switch num {
	case fieldFrom, fieldTo, fieldNodes:
		n, err := parseNode(v)
		if err != nil {
			return err
		}
		switch num {
		case fieldFrom:
			e.From = n
		case fieldTo:
			e.To = n
		default:
			e.Nodes = append(e.Nodes, n)
		}
	case fieldPayloadType:
		e.Payload.Type = string(v)
	case fieldPayloadData:
		e.Payload.Data = v
	case fieldReason:
		e.Reason = string(v)
	case fieldCredential:
		e.Credential = string(v)
	}
	return nil
}

func parseNode(b []byte) (node.Node, error) {
	var (
		id      uuid.UUID
		name    string
		address string
		port    uint64
		haveID  bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return node.Node{}, fmt.Errorf("%w: node: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == nodeFieldPort && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return node.Node{}, fmt.Errorf("%w: node port: %v", ErrMalformed, protowire.ParseError(m))
			}
			port = v
			n = m
		case typ == protowire.BytesType && (num == nodeFieldID || num == nodeFieldName || num == nodeFieldAddress):
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return node.Node{}, fmt.Errorf("%w: node field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			switch num {
			case nodeFieldID:
				parsed, err := uuid.FromBytes(v)
				if err != nil {
					return node.Node{}, fmt.Errorf("%w: node id: %v", ErrMalformed, err)
				}
				id = parsed
				haveID = true
			case nodeFieldName:
				name = string(v)
			case nodeFieldAddress:
				address = string(v)
			}
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return node.Node{}, fmt.Errorf("%w: node field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			n = m
		}
		b = b[n:]
	}
	if !haveID || id == uuid.Nil {
		return node.Node{}, fmt.Errorf("%w: node without id", ErrMalformed)
	}
	if port > 65535 {
		return node.Node{}, fmt.Errorf("%w: node port %d out of range", ErrMalformed, port)
	}
	return node.NewWithID(id, name, address, int(port)), nil
}
