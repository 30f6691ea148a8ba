// Package stream holds the in-memory reconciled view of one stream: the
// confirmed timeline, the minipool and the client's local pending events.
//
// A State is not safe for concurrent use. Callers serialize every method
// call for one stream (see internal/synced).
package stream

import (
	"errors"
	"sort"
	"time"

	"streamsync/internal/protocol"
	"streamsync/pkg/logging"
	"streamsync/pkg/streamid"
)

// ErrNotInitialized is returned by mutations that need a loaded stream.
var ErrNotInitialized = errors.New("stream not initialized")

// Event is a verified event tracked by the engine. Callers must treat it as
// read-only.
type Event struct {
	*protocol.ParsedEvent
	// MiniblockNum and EventNum are -1 while the event sits in the minipool.
	MiniblockNum int64
	EventNum     int64
	// LocalID is set when the event confirmed one of this client's local
	// pending events.
	LocalID string
}

func newEvent(p *protocol.ParsedEvent) *Event {
	return &Event{ParsedEvent: p, MiniblockNum: -1, EventNum: -1}
}

// ID is the event id, the hex form of its hash.
func (e *Event) ID() string { return e.HashStr }

// Confirmed reports whether the event is part of a miniblock.
func (e *Event) Confirmed() bool { return e.MiniblockNum >= 0 }

type miniblockRef struct {
	hash        protocol.Hash
	header      *protocol.MiniblockHeader
	headerEvent *protocol.ParsedEvent
	events      []*Event
}

func (r *miniblockRef) num() int64 { return r.header.MiniblockNum }

func (r *miniblockRef) parsed() *protocol.ParsedMiniblock {
	events := make([]*protocol.ParsedEvent, len(r.events))
	for i, e := range r.events {
		events[i] = e.ParsedEvent
	}
	return &protocol.ParsedMiniblock{
		Hash:        r.hash,
		Header:      r.header,
		HeaderEvent: r.headerEvent,
		Events:      events,
	}
}

// view is everything Initialize replaces in one assignment.
type view struct {
	cookie                   *protocol.SyncCookie
	snapshot                 *protocol.Snapshot
	prevSnapshotMiniblockNum int64
	miniblocks               []*miniblockRef
	confirmed                []*Event
	minipool                 []*Event
	events                   map[protocol.Hash]*Event
	members                  map[string]struct{}
	terminus                 bool
}

// Boundary identifies the oldest edge of the loaded timeline. Any
// reinitialize or prepend changes it.
type Boundary struct {
	Generation      uint64
	MinMiniblockNum int64
}

// MiniblockInfo is the loaded miniblock range.
type MiniblockInfo struct {
	Min      int64
	Max      int64
	Terminus bool
}

// State is the reconciled view of one stream.
type State struct {
	streamID streamid.ID
	logger   logging.Logger

	generation uint64
	v          *view
	cleartexts map[string]string

	local       []*LocalEvent
	localByID   map[string]*LocalEvent
	localByHash map[protocol.Hash]string
}

// New creates an empty, uninitialized state.
func New(id streamid.ID, logger logging.Logger) *State {
	return &State{
		streamID:    id,
		logger:      logging.OrDiscard(logger),
		cleartexts:  make(map[string]string),
		localByID:   make(map[string]*LocalEvent),
		localByHash: make(map[protocol.Hash]string),
	}
}

func (s *State) log() logging.Entry {
	return s.logger.WithField("stream_id", s.streamID.String())
}

func (s *State) StreamID() streamid.ID { return s.streamID }

// Initialized reports whether Initialize has succeeded at least once.
func (s *State) Initialized() bool { return s.v != nil }

// Generation counts successful Initialize calls.
func (s *State) Generation() uint64 { return s.generation }

// Boundary returns the current oldest edge. The zero Boundary means the
// state is not initialized.
func (s *State) Boundary() Boundary {
	if s.v == nil {
		return Boundary{}
	}
	return Boundary{Generation: s.generation, MinMiniblockNum: s.v.miniblocks[0].num()}
}

// MiniblockInfo returns the loaded range.
func (s *State) MiniblockInfo() MiniblockInfo {
	if s.v == nil {
		return MiniblockInfo{Min: -1, Max: -1}
	}
	return MiniblockInfo{
		Min:      s.v.miniblocks[0].num(),
		Max:      s.lastRef().num(),
		Terminus: s.v.terminus,
	}
}

func (s *State) lastRef() *miniblockRef {
	return s.v.miniblocks[len(s.v.miniblocks)-1]
}

func (s *State) ref(num int64) *miniblockRef {
	if s.v == nil || len(s.v.miniblocks) == 0 {
		return nil
	}
	idx := num - s.v.miniblocks[0].num()
	if idx < 0 || idx >= int64(len(s.v.miniblocks)) {
		return nil
	}
	return s.v.miniblocks[idx]
}

// SyncCookie is the position to resume live sync from.
func (s *State) SyncCookie() *protocol.SyncCookie {
	if s.v == nil {
		return nil
	}
	return s.v.cookie
}

// LastMiniblockHash is the hash new events are built against.
func (s *State) LastMiniblockHash() protocol.Hash {
	if s.v == nil {
		return protocol.ZeroHash
	}
	return s.lastRef().hash
}

func (s *State) Snapshot() *protocol.Snapshot {
	if s.v == nil {
		return nil
	}
	return s.v.snapshot
}

func (s *State) PrevSnapshotMiniblockNum() int64 {
	if s.v == nil {
		return -1
	}
	return s.v.prevSnapshotMiniblockNum
}

// Members returns the current member addresses in sorted order.
func (s *State) Members() []string {
	if s.v == nil {
		return nil
	}
	out := make([]string, 0, len(s.v.members))
	for m := range s.v.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (s *State) IsMember(address string) bool {
	if s.v == nil {
		return false
	}
	_, ok := s.v.members[normalizeAddress(address)]
	return ok
}

// Event looks up a confirmed or minipool event.
func (s *State) Event(hash protocol.Hash) (*Event, bool) {
	if s.v == nil {
		return nil, false
	}
	e, ok := s.v.events[hash]
	return e, ok
}

// EventByID looks up an event by its hex id.
func (s *State) EventByID(id string) (*Event, bool) {
	hash, err := protocol.HashFromHex(id)
	if err != nil {
		return nil, false
	}
	return s.Event(hash)
}

// ConfirmedEvents returns confirmed events ordered by (miniblock, position).
func (s *State) ConfirmedEvents() []*Event {
	if s.v == nil {
		return nil
	}
	return append([]*Event(nil), s.v.confirmed...)
}

// MinipoolEvents returns unconfirmed events in arrival order.
func (s *State) MinipoolEvents() []*Event {
	if s.v == nil {
		return nil
	}
	return append([]*Event(nil), s.v.minipool...)
}

// MinipoolEnvelopes is the persisted form of the minipool.
func (s *State) MinipoolEnvelopes() []*protocol.Envelope {
	if s.v == nil {
		return nil
	}
	out := make([]*protocol.Envelope, len(s.v.minipool))
	for i, e := range s.v.minipool {
		out[i] = e.Envelope
	}
	return out
}

// EventIDs lists every confirmed and minipool event id.
func (s *State) EventIDs() []string {
	if s.v == nil {
		return nil
	}
	out := make([]string, 0, len(s.v.confirmed)+len(s.v.minipool))
	for _, e := range s.v.confirmed {
		out = append(out, e.HashStr)
	}
	for _, e := range s.v.minipool {
		out = append(out, e.HashStr)
	}
	return out
}

// Miniblock returns one loaded miniblock.
func (s *State) Miniblock(num int64) (*protocol.ParsedMiniblock, bool) {
	r := s.ref(num)
	if r == nil {
		return nil, false
	}
	return r.parsed(), true
}

// Miniblocks returns the loaded miniblocks in [from, toInclusive].
func (s *State) Miniblocks(from, toInclusive int64) []*protocol.ParsedMiniblock {
	var out []*protocol.ParsedMiniblock
	for n := from; n <= toInclusive; n++ {
		if r := s.ref(n); r != nil {
			out = append(out, r.parsed())
		}
	}
	return out
}

// OldestEventTime is the creation time of the oldest loaded event, falling
// back to the oldest miniblock header.
func (s *State) OldestEventTime() (time.Time, bool) {
	if s.v == nil {
		return time.Time{}, false
	}
	if len(s.v.confirmed) > 0 {
		return s.v.confirmed[0].CreatedAt(), true
	}
	return s.v.miniblocks[0].headerEvent.CreatedAt(), true
}

func (s *State) Cleartext(eventID string) (string, bool) {
	text, ok := s.cleartexts[eventID]
	return text, ok
}

func (s *State) SetCleartext(eventID, text string) {
	s.cleartexts[eventID] = text
}

// Cleartexts returns a copy of the cleartext cache.
func (s *State) Cleartexts() map[string]string {
	out := make(map[string]string, len(s.cleartexts))
	for k, v := range s.cleartexts {
		out[k] = v
	}
	return out
}

func (s *State) mergeCleartexts(texts map[string]string) {
	for k, v := range texts {
		s.cleartexts[k] = v
	}
}

// TimelineEntry is one visible row: a tracked event or a local event that
// has not been matched to one yet.
type TimelineEntry struct {
	Event *Event
	Local *LocalEvent
}

// ID is the event id, or the local id for unmatched local events.
func (t TimelineEntry) ID() string {
	if t.Event != nil {
		return t.Event.HashStr
	}
	return t.Local.LocalID
}

// Timeline returns confirmed events by (miniblock, position), then the
// minipool in arrival order, then local events in submission order.
func (s *State) Timeline() []TimelineEntry {
	var out []TimelineEntry
	if s.v != nil {
		out = make([]TimelineEntry, 0, len(s.v.confirmed)+len(s.v.minipool)+len(s.local))
		for _, e := range s.v.confirmed {
			out = append(out, TimelineEntry{Event: e})
		}
		for _, e := range s.v.minipool {
			out = append(out, TimelineEntry{Event: e})
		}
	}
	for _, l := range s.local {
		out = append(out, TimelineEntry{Local: l})
	}
	return out
}

func (s *State) applyMembership(v *view, e *Event) {
	p, ok := e.Event.Payload.(*protocol.MembershipPayload)
	if !ok {
		return
	}
	user := normalizeAddress(p.User)
	switch p.Op {
	case protocol.MembershipJoin:
		v.members[user] = struct{}{}
	case protocol.MembershipLeave:
		delete(v.members, user)
	case protocol.MembershipInvite:
	default:
		s.log().WithField("op", p.Op).Warn("Unknown membership op")
	}
}

func membersFrom(snapshot *protocol.Snapshot) map[string]struct{} {
	members := make(map[string]struct{}, len(snapshot.Members))
	for _, m := range snapshot.Members {
		members[normalizeAddress(m)] = struct{}{}
	}
	return members
}

func (s *State) noteUnknown(e *Event) {
	if u, ok := e.Event.Payload.(*protocol.UnknownPayload); ok {
		s.log().WithFields(logging.Fields{
			"event_id": e.HashStr,
			"kind":     u.RawKind,
		}).Info("Carrying event with unknown payload kind")
	}
}
