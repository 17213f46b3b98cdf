package wire

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/VanDung-dev/PeerHub-Engine/node"
)

// envelopeJSON is the JSON rendering of an Envelope.
type envelopeJSON struct {
	Kind        string      `json:"kind"`
	From        *node.Node  `json:"from,omitempty"`
	To          *node.Node  `json:"to,omitempty"`
	PayloadType string      `json:"payload_type,omitempty"`
	PayloadData []byte      `json:"payload_data,omitempty"`
	Ordered     bool        `json:"ordered,omitempty"`
	Nodes       []node.Node `json:"nodes,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Credential  string      `json:"credential,omitempty"`
}

func marshalJSON(e *Envelope) ([]byte, error) {
	v := envelopeJSON{
		Kind:        e.Kind.String(),
		PayloadType: e.Payload.Type,
		PayloadData: e.Payload.Data,
		Ordered:     e.Payload.Ordered,
		Nodes:       e.Nodes,
		Reason:      e.Reason,
		Credential:  e.Credential,
	}
	if !e.From.IsZero() {
		from := e.From
		v.From = &from
	}
	if !e.To.IsZero() {
		to := e.To
		v.To = &to
	}
	return json.Marshal(v)
}

func parseJSON(data []byte) (*Envelope, error) {
	var v envelopeJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	kind, err := ParseKind(v.Kind)
	if err != nil {
		return nil, err
	}
	e := &Envelope{
		Kind: kind,
		Payload: Payload{
			Type:    v.PayloadType,
			Data:    v.PayloadData,
			Ordered: v.Ordered,
		},
		Nodes:      v.Nodes,
		Reason:     v.Reason,
		Credential: v.Credential,
	}
	if v.From != nil {
		e.From = *v.From
	}
	if v.To != nil {
		e.To = *v.To
	}
	return e, nil
}
