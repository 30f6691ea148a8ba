package protocol

import (
	"fmt"
)

// Snapshot is the reconstructable stream state as of a miniblock boundary.
type Snapshot struct {
	Inception  *InceptionPayload `json:"inception"`
	Members    []string          `json:"members,omitempty"`
	EventCount int64             `json:"event_count"`
}

// MiniblockHeader is the payload of the event that closes a miniblock.
type MiniblockHeader struct {
	MiniblockNum             int64     `json:"miniblock_num"`
	PrevMiniblockHash        Hash      `json:"prev_miniblock_hash"`
	EventHashes              []Hash    `json:"event_hashes"`
	Snapshot                 *Snapshot `json:"snapshot,omitempty"`
	PrevSnapshotMiniblockNum int64     `json:"prev_snapshot_miniblock_num"`
	EventNumOffset           int64     `json:"event_num_offset"`
	TimestampMs              int64     `json:"timestamp_ms"`
}

// SnapshotMiniblockNum is the miniblock holding the replay baseline for
// this header: itself when it embeds a snapshot.
func (h *MiniblockHeader) SnapshotMiniblockNum() int64 {
	if h.Snapshot != nil {
		return h.MiniblockNum
	}
	return h.PrevSnapshotMiniblockNum
}

// Miniblock is the wire and storage form of a confirmed batch.
type Miniblock struct {
	Events []*Envelope `json:"events"`
	Header *Envelope   `json:"header"`
}

// ParsedMiniblock is a verified miniblock. Its hash is the header event hash.
type ParsedMiniblock struct {
	Hash        Hash
	Header      *MiniblockHeader
	HeaderEvent *ParsedEvent
	Events      []*ParsedEvent
}

// Num is the miniblock number.
func (m *ParsedMiniblock) Num() int64 { return m.Header.MiniblockNum }

// Miniblock returns the wire form.
func (m *ParsedMiniblock) Miniblock() *Miniblock {
	events := make([]*Envelope, len(m.Events))
	for i, e := range m.Events {
		events[i] = e.Envelope
	}
	return &Miniblock{Events: events, Header: m.HeaderEvent.Envelope}
}

// ParseMiniblock verifies every envelope and that the header lists exactly
// the carried events in order.
func ParseMiniblock(mb *Miniblock) (*ParsedMiniblock, error) {
	if mb == nil || mb.Header == nil {
		return nil, ProtocolViolationf("miniblock without header")
	}
	headerEvent, err := ParseEnvelope(mb.Header)
	if err != nil {
		return nil, err
	}
	header, ok := headerEvent.MiniblockHeader()
	if !ok {
		return nil, ProtocolViolationf("miniblock header event %s carries %s payload", headerEvent.HashStr, headerEvent.Event.Payload.Kind())
	}
	if len(header.EventHashes) != len(mb.Events) {
		return nil, ProtocolViolationf("miniblock %d lists %d events, carries %d", header.MiniblockNum, len(header.EventHashes), len(mb.Events))
	}
	events, err := ParseEnvelopes(mb.Events)
	if err != nil {
		return nil, fmt.Errorf("miniblock %d: %w", header.MiniblockNum, err)
	}
	for i, e := range events {
		if e.Hash != header.EventHashes[i] {
			return nil, ProtocolViolationf("miniblock %d event %d is %s, header lists %s", header.MiniblockNum, i, e.Hash, header.EventHashes[i])
		}
	}
	return &ParsedMiniblock{
		Hash:        headerEvent.Hash,
		Header:      header,
		HeaderEvent: headerEvent,
		Events:      events,
	}, nil
}

// ParseMiniblocks parses a batch and requires consecutive numbering.
func ParseMiniblocks(mbs []*Miniblock) ([]*ParsedMiniblock, error) {
	out := make([]*ParsedMiniblock, 0, len(mbs))
	for _, mb := range mbs {
		parsed, err := ParseMiniblock(mb)
		if err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].Num()+1 != parsed.Num() {
			return nil, ProtocolViolationf("miniblocks not contiguous: %d follows %d", parsed.Num(), out[n-1].Num())
		}
		out = append(out, parsed)
	}
	return out, nil
}
