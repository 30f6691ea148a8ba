package stream

import (
	"fmt"

	"streamsync/internal/protocol"
)

// PrependResult describes a successful prepend.
type PrependResult struct {
	Events        []*Event
	FromInclusive int64
	Terminus      bool
}

// PrependMiniblocks adds older miniblocks at the front of the timeline.
// expected is the Boundary observed when the fetch was issued; if the
// stream has moved since, the batch is discarded with ErrStaleRace and
// nothing changes. mbs must end right before the oldest loaded miniblock.
func (s *State) PrependMiniblocks(mbs []*protocol.ParsedMiniblock, cleartexts map[string]string, terminus bool, expected Boundary) (*PrependResult, error) {
	if s.v == nil {
		return nil, ErrNotInitialized
	}
	if current := s.Boundary(); current != expected {
		return nil, fmt.Errorf("stream %s: %w: boundary moved from %+v to %+v", s.streamID, protocol.ErrStaleRace, expected, current)
	}

	oldest := s.v.miniblocks[0]
	if len(mbs) > 0 {
		linked := append(append([]*protocol.ParsedMiniblock(nil), mbs...), oldest.parsed())
		if err := CheckChain(linked...); err != nil {
			return nil, fmt.Errorf("stream %s: %w", s.streamID, err)
		}
		for _, mb := range mbs {
			for _, pe := range mb.Events {
				if _, dup := s.v.events[pe.Hash]; dup {
					return nil, protocol.ProtocolViolationf("stream %s: prepended event %s is already loaded", s.streamID, pe.HashStr)
				}
			}
		}
	}

	res := &PrependResult{FromInclusive: oldest.num()}
	refs := make([]*miniblockRef, 0, len(mbs)+len(s.v.miniblocks))
	var events []*Event
	for _, mb := range mbs {
		ref := &miniblockRef{hash: mb.Hash, header: mb.Header, headerEvent: mb.HeaderEvent}
		for j, pe := range mb.Events {
			e := &Event{ParsedEvent: pe, MiniblockNum: mb.Num(), EventNum: mb.Header.EventNumOffset + int64(j)}
			s.v.events[pe.Hash] = e
			ref.events = append(ref.events, e)
			events = append(events, e)
			s.noteUnknown(e)
		}
		refs = append(refs, ref)
	}
	if len(mbs) > 0 {
		res.FromInclusive = mbs[0].Num()
		s.v.miniblocks = append(refs, s.v.miniblocks...)
		s.v.confirmed = append(events, s.v.confirmed...)
	}
	s.v.terminus = s.v.terminus || terminus || s.v.miniblocks[0].num() == 0
	s.mergeCleartexts(cleartexts)

	res.Events = events
	res.Terminus = s.v.terminus
	return res, nil
}
