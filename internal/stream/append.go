package stream

import (
	"streamsync/internal/protocol"
	"streamsync/pkg/logging"
)

// AppendResult describes what one AppendEvents call changed.
type AppendResult struct {
	// Appended are new minipool events, in arrival order.
	Appended []*Event
	// Finalized are the miniblocks closed by header events in the batch.
	Finalized  []*protocol.ParsedMiniblock
	Reconciled []Reconciliation
	// Duplicates counts events and headers that were already applied.
	Duplicates int
}

// Changed reports whether the call mutated the timeline.
func (r *AppendResult) Changed() bool {
	return len(r.Appended) > 0 || len(r.Finalized) > 0
}

type appendOp struct {
	event  *protocol.ParsedEvent
	header *protocol.MiniblockHeader
}

// AppendEvents applies a live delta. Non-header events join the minipool;
// a miniblock header moves the events it lists from the minipool into the
// confirmed timeline. The whole batch is validated before anything is
// applied: a header that references an event not resolvable locally fails
// the call with ErrProtocolViolation and leaves the state unchanged.
// Redelivered events and headers are skipped.
func (s *State) AppendEvents(events []*protocol.ParsedEvent, next *protocol.SyncCookie, cleartexts map[string]string) (*AppendResult, error) {
	if s.v == nil {
		return nil, ErrNotInitialized
	}
	if next != nil && next.StreamID != s.streamID {
		return nil, protocol.ProtocolViolationf("stream %s: sync cookie is for stream %s", s.streamID, next.StreamID)
	}

	ops, dups, err := s.planAppend(events)
	if err != nil {
		return nil, err
	}

	res := &AppendResult{Duplicates: dups}
	for _, op := range ops {
		if op.header == nil {
			e := newEvent(op.event)
			s.v.events[e.Hash] = e
			s.v.minipool = append(s.v.minipool, e)
			res.Appended = append(res.Appended, e)
			s.noteUnknown(e)
			if localID, ok := s.localByHash[e.Hash]; ok {
				res.Reconciled = append(res.Reconciled, s.reconcile(s.localByID[localID], e))
			}
			continue
		}
		res.Finalized = append(res.Finalized, s.finalize(op.event, op.header))
	}
	if next != nil {
		s.v.cookie = next
	}
	s.mergeCleartexts(cleartexts)

	if len(res.Finalized) > 0 {
		s.log().WithFields(logging.Fields{
			"finalized": len(res.Finalized),
			"max":       s.lastRef().num(),
			"minipool":  len(s.v.minipool),
		}).Debug("Finalized miniblocks")
	}
	return res, nil
}

// planAppend validates the batch against a simulated minipool without
// touching the state.
func (s *State) planAppend(events []*protocol.ParsedEvent) ([]appendOp, int, error) {
	pending := make(map[protocol.Hash]struct{}, len(s.v.minipool)+len(events))
	for _, e := range s.v.minipool {
		pending[e.Hash] = struct{}{}
	}
	seen := make(map[protocol.Hash]struct{}, len(events))
	planned := make(map[protocol.Hash]struct{}, len(events))
	// events listed by headers below the loaded range
	stale := make(map[protocol.Hash]struct{})
	last := s.lastRef()
	lastNum, lastHash := last.num(), last.hash
	floor := s.v.miniblocks[0].num()

	var (
		ops  []appendOp
		dups int
	)
	for _, pe := range events {
		if _, ok := seen[pe.Hash]; ok {
			dups++
			continue
		}
		seen[pe.Hash] = struct{}{}

		header, isHeader := pe.MiniblockHeader()
		if !isHeader {
			if _, known := s.v.events[pe.Hash]; known {
				dups++
				continue
			}
			if _, old := stale[pe.Hash]; old {
				dups++
				continue
			}
			pending[pe.Hash] = struct{}{}
			planned[pe.Hash] = struct{}{}
			ops = append(ops, appendOp{event: pe})
			continue
		}

		// Redelivered from before a reset moved the snapshot forward. The
		// events it confirms are not loaded and must not join the minipool.
		if header.MiniblockNum < floor {
			for _, h := range header.EventHashes {
				stale[h] = struct{}{}
				if _, ok := planned[h]; ok {
					delete(planned, h)
					delete(pending, h)
					dups++
				}
			}
			dups++
			continue
		}
		if header.MiniblockNum <= lastNum {
			if r := s.ref(header.MiniblockNum); r != nil && r.hash == pe.Hash {
				dups++
				continue
			}
			return nil, 0, protocol.ProtocolViolationf("stream %s: miniblock %d header %s conflicts with local miniblock",
				s.streamID, header.MiniblockNum, pe.HashStr)
		}
		if header.MiniblockNum != lastNum+1 {
			return nil, 0, protocol.ProtocolViolationf("stream %s: expected miniblock %d, got %d",
				s.streamID, lastNum+1, header.MiniblockNum)
		}
		if header.PrevMiniblockHash != lastHash {
			return nil, 0, protocol.ProtocolViolationf("stream %s: miniblock %d links to %s, local head is %s",
				s.streamID, header.MiniblockNum, header.PrevMiniblockHash, lastHash)
		}
		for _, h := range header.EventHashes {
			if _, ok := pending[h]; !ok {
				if e, known := s.v.events[h]; known && e.Confirmed() {
					return nil, 0, protocol.ProtocolViolationf("stream %s: miniblock %d lists event %s already confirmed in miniblock %d",
						s.streamID, header.MiniblockNum, h, e.MiniblockNum)
				}
				return nil, 0, protocol.ProtocolViolationf("stream %s: miniblock %d references event %s that is not resolvable locally",
					s.streamID, header.MiniblockNum, h)
			}
			delete(pending, h)
		}
		lastNum, lastHash = header.MiniblockNum, pe.Hash
		ops = append(ops, appendOp{event: pe, header: header})
	}
	if len(stale) == 0 {
		return ops, dups, nil
	}
	kept := ops[:0]
	for _, op := range ops {
		if _, ok := planned[op.event.Hash]; op.header != nil || ok {
			kept = append(kept, op)
		}
	}
	return kept, dups, nil
}

// finalize moves the events listed by header from the minipool into the
// confirmed timeline. planAppend has already checked every reference.
func (s *State) finalize(headerEvent *protocol.ParsedEvent, header *protocol.MiniblockHeader) *protocol.ParsedMiniblock {
	ref := &miniblockRef{hash: headerEvent.Hash, header: header, headerEvent: headerEvent}
	confirmed := make(map[protocol.Hash]struct{}, len(header.EventHashes))
	for i, h := range header.EventHashes {
		e := s.v.events[h]
		e.MiniblockNum = header.MiniblockNum
		e.EventNum = header.EventNumOffset + int64(i)
		ref.events = append(ref.events, e)
		confirmed[h] = struct{}{}
		s.applyMembership(s.v, e)
	}
	s.v.confirmed = append(s.v.confirmed, ref.events...)

	remaining := make([]*Event, 0, len(s.v.minipool))
	for _, e := range s.v.minipool {
		if _, ok := confirmed[e.Hash]; !ok {
			remaining = append(remaining, e)
		}
	}
	s.v.minipool = remaining
	s.v.miniblocks = append(s.v.miniblocks, ref)

	if header.Snapshot != nil {
		s.v.snapshot = header.Snapshot
		s.v.prevSnapshotMiniblockNum = header.MiniblockNum
		s.v.members = membersFrom(header.Snapshot)
	}
	return ref.parsed()
}
