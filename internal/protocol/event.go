package protocol

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope is a signed, hashed event as carried on the wire and persisted.
type Envelope struct {
	Hash      Hash   `json:"hash"`
	Signature []byte `json:"signature"`
	Event     []byte `json:"event"`
}

// StreamEvent is the signed body of an envelope.
type StreamEvent struct {
	CreatorAddress    string
	Salt              []byte
	PrevMiniblockHash *Hash
	CreatedAtEpochMs  int64
	Payload           Payload
}

type streamEventJSON struct {
	CreatorAddress    string      `json:"creator_address"`
	Salt              []byte      `json:"salt,omitempty"`
	PrevMiniblockHash *Hash       `json:"prev_miniblock_hash,omitempty"`
	CreatedAtEpochMs  int64       `json:"created_at_epoch_ms"`
	Payload           payloadJSON `json:"payload"`
}

func (e StreamEvent) MarshalJSON() ([]byte, error) {
	payload, err := encodePayload(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(streamEventJSON{
		CreatorAddress:    e.CreatorAddress,
		Salt:              e.Salt,
		PrevMiniblockHash: e.PrevMiniblockHash,
		CreatedAtEpochMs:  e.CreatedAtEpochMs,
		Payload:           payload,
	})
}

func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	var raw streamEventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := decodePayload(raw.Payload)
	if err != nil {
		return err
	}
	*e = StreamEvent{
		CreatorAddress:    raw.CreatorAddress,
		Salt:              raw.Salt,
		PrevMiniblockHash: raw.PrevMiniblockHash,
		CreatedAtEpochMs:  raw.CreatedAtEpochMs,
		Payload:           payload,
	}
	return nil
}

// ParsedEvent is an envelope whose hash and signature have been verified.
type ParsedEvent struct {
	Envelope *Envelope
	Event    *StreamEvent
	Hash     Hash
	HashStr  string
	Creator  string
}

// MiniblockHeader returns the header when the event is a miniblock header.
func (p *ParsedEvent) MiniblockHeader() (*MiniblockHeader, bool) {
	h, ok := p.Event.Payload.(*MiniblockHeader)
	return h, ok
}

// CreatedAt is the creation time claimed by the creator.
func (p *ParsedEvent) CreatedAt() time.Time {
	return time.UnixMilli(p.Event.CreatedAtEpochMs)
}

// MakeEnvelope serializes, hashes and signs an event built against
// prevMiniblockHash. A zero prevMiniblockHash is omitted.
func MakeEnvelope(w *Wallet, payload Payload, prevMiniblockHash Hash) (*Envelope, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	event := StreamEvent{
		CreatorAddress:   w.Address(),
		Salt:             salt,
		CreatedAtEpochMs: time.Now().UnixMilli(),
		Payload:          payload,
	}
	if !prevMiniblockHash.IsZero() {
		prev := prevMiniblockHash
		event.PrevMiniblockHash = &prev
	}
	return SignEvent(w, event)
}

// SignEvent serializes and signs a fully specified event.
func SignEvent(w *Wallet, event StreamEvent) (*Envelope, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	hash := Keccak256(body)
	return &Envelope{Hash: hash, Signature: w.Sign(hash), Event: body}, nil
}

// ParseEnvelope verifies the content hash and the creator signature.
func ParseEnvelope(env *Envelope) (*ParsedEvent, error) {
	if env == nil {
		return nil, ProtocolViolationf("nil envelope")
	}
	if got := Keccak256(env.Event); got != env.Hash {
		return nil, ProtocolViolationf("event hash mismatch: envelope %s, computed %s", env.Hash, got)
	}
	var event StreamEvent
	if err := json.Unmarshal(env.Event, &event); err != nil {
		return nil, ProtocolViolationf("event %s does not decode: %v", env.Hash, err)
	}
	signer, err := RecoverAddress(env.Hash, env.Signature)
	if err != nil {
		return nil, ProtocolViolationf("event %s signature: %v", env.Hash, err)
	}
	if !strings.EqualFold(signer, event.CreatorAddress) {
		return nil, ProtocolViolationf("event %s signed by %s, claims creator %s", env.Hash, signer, event.CreatorAddress)
	}
	return &ParsedEvent{
		Envelope: env,
		Event:    &event,
		Hash:     env.Hash,
		HashStr:  env.Hash.String(),
		Creator:  signer,
	}, nil
}

// ParseEnvelopes parses a batch, failing on the first bad envelope.
func ParseEnvelopes(envs []*Envelope) ([]*ParsedEvent, error) {
	out := make([]*ParsedEvent, 0, len(envs))
	for _, env := range envs {
		parsed, err := ParseEnvelope(env)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, nil
}
