package protocol

import (
	"encoding/json"
	"fmt"

	"streamsync/pkg/streamid"
)

// PayloadKind is the wire discriminator of a payload family.
type PayloadKind string

const (
	PayloadInception       PayloadKind = "inception"
	PayloadMiniblockHeader PayloadKind = "miniblock_header"
	PayloadMessage         PayloadKind = "message"
	PayloadMembership      PayloadKind = "membership"
)

// Payload is the closed set of event payload families. Variants unknown to
// this build decode to *UnknownPayload so the stream keeps flowing.
type Payload interface {
	Kind() PayloadKind
	isPayload()
}

// InceptionPayload is the first event of every stream.
type InceptionPayload struct {
	StreamID streamid.ID       `json:"stream_id"`
	SpaceID  *streamid.ID      `json:"space_id,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
}

// EncryptedData is opaque to the engine; only the encryption collaborator
// interprets it.
type EncryptedData struct {
	Algorithm  string `json:"algorithm"`
	SessionID  string `json:"session_id,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
}

// MessagePayload is an encrypted content event.
type MessagePayload struct {
	ContentKind string         `json:"content_kind"`
	Data        *EncryptedData `json:"data,omitempty"`
}

// MembershipOp enumerates membership changes.
type MembershipOp string

const (
	MembershipJoin   MembershipOp = "join"
	MembershipLeave  MembershipOp = "leave"
	MembershipInvite MembershipOp = "invite"
)

// MembershipPayload changes a user's membership of the stream.
type MembershipPayload struct {
	Op   MembershipOp `json:"op"`
	User string       `json:"user"`
}

// UnknownPayload preserves a variant this build cannot interpret.
type UnknownPayload struct {
	RawKind string          `json:"-"`
	Raw     json.RawMessage `json:"-"`
}

func (*InceptionPayload) Kind() PayloadKind { return PayloadInception }
func (*MiniblockHeader) Kind() PayloadKind  { return PayloadMiniblockHeader }
func (*MessagePayload) Kind() PayloadKind   { return PayloadMessage }
func (*MembershipPayload) Kind() PayloadKind {
	return PayloadMembership
}
func (p *UnknownPayload) Kind() PayloadKind { return PayloadKind(p.RawKind) }

func (*InceptionPayload) isPayload()  {}
func (*MiniblockHeader) isPayload()   {}
func (*MessagePayload) isPayload()    {}
func (*MembershipPayload) isPayload() {}
func (*UnknownPayload) isPayload()    {}

type payloadJSON struct {
	Kind  PayloadKind     `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
}

func encodePayload(p Payload) (payloadJSON, error) {
	if p == nil {
		return payloadJSON{}, fmt.Errorf("event has no payload")
	}
	if unknown, ok := p.(*UnknownPayload); ok {
		return payloadJSON{Kind: PayloadKind(unknown.RawKind), Value: unknown.Raw}, nil
	}
	value, err := json.Marshal(p)
	if err != nil {
		return payloadJSON{}, fmt.Errorf("marshal %s payload: %w", p.Kind(), err)
	}
	return payloadJSON{Kind: p.Kind(), Value: value}, nil
}

func decodePayload(raw payloadJSON) (Payload, error) {
	var p Payload
	switch raw.Kind {
	case PayloadInception:
		p = &InceptionPayload{}
	case PayloadMiniblockHeader:
		p = &MiniblockHeader{}
	case PayloadMessage:
		p = &MessagePayload{}
	case PayloadMembership:
		p = &MembershipPayload{}
	case "":
		return nil, fmt.Errorf("payload kind is empty")
	default:
		return &UnknownPayload{RawKind: string(raw.Kind), Raw: raw.Value}, nil
	}
	if len(raw.Value) > 0 {
		if err := json.Unmarshal(raw.Value, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", raw.Kind, err)
		}
	}
	return p, nil
}
