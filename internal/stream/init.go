package stream

import (
	"strings"

	"streamsync/internal/protocol"
	"streamsync/pkg/logging"
)

// InitParams is a full stream load, from the network or the local cache.
type InitParams struct {
	Cookie         *protocol.SyncCookie
	MinipoolEvents []*protocol.ParsedEvent
	Snapshot       *protocol.Snapshot
	// Miniblocks starts at the snapshot miniblock and runs to the newest.
	Miniblocks []*protocol.ParsedMiniblock
	// PrependedMiniblocks are older, already fetched miniblocks ending right
	// before Miniblocks[0].
	PrependedMiniblocks      []*protocol.ParsedMiniblock
	PrevSnapshotMiniblockNum int64
	Cleartexts               map[string]string
}

// ParamsFromUnpacked builds InitParams from a GetStream response.
func ParamsFromUnpacked(u *protocol.UnpackedStream) InitParams {
	return InitParams{
		Cookie:                   u.Cookie,
		MinipoolEvents:           u.MinipoolEvents,
		Snapshot:                 u.Snapshot,
		Miniblocks:               u.Miniblocks,
		PrevSnapshotMiniblockNum: u.PrevSnapshotMiniblockNum,
	}
}

// InitResult reports what Initialize changed besides the timeline itself.
type InitResult struct {
	Reconciled []Reconciliation
}

// Initialize replaces the loaded stream. The new state is built completely
// before it is swapped in, so a ProtocolViolation leaves the previous state
// untouched. Local events survive and are matched against the new events.
func (s *State) Initialize(p InitParams) (*InitResult, error) {
	next, err := s.build(p)
	if err != nil {
		return nil, err
	}

	s.generation++
	s.v = next
	s.cleartexts = make(map[string]string, len(p.Cleartexts))
	s.mergeCleartexts(p.Cleartexts)

	res := &InitResult{}
	for _, l := range append([]*LocalEvent(nil), s.local...) {
		if l.Hash.IsZero() {
			continue
		}
		if e, ok := next.events[l.Hash]; ok {
			res.Reconciled = append(res.Reconciled, s.reconcile(l, e))
		}
	}

	info := s.MiniblockInfo()
	s.log().WithFields(logging.Fields{
		"generation": s.generation,
		"min":        info.Min,
		"max":        info.Max,
		"minipool":   len(next.minipool),
		"terminus":   info.Terminus,
	}).Debug("Initialized stream state")
	return res, nil
}

func (s *State) build(p InitParams) (*view, error) {
	if p.Cookie == nil {
		return nil, protocol.ProtocolViolationf("stream %s: initialize without sync cookie", s.streamID)
	}
	if p.Cookie.StreamID != s.streamID {
		return nil, protocol.ProtocolViolationf("stream %s: sync cookie is for stream %s", s.streamID, p.Cookie.StreamID)
	}
	if p.Snapshot == nil {
		return nil, protocol.ProtocolViolationf("stream %s: initialize without snapshot", s.streamID)
	}
	if len(p.Miniblocks) == 0 {
		return nil, protocol.ProtocolViolationf("stream %s: initialize without miniblocks", s.streamID)
	}
	if first := p.Miniblocks[0]; first.Num() != p.PrevSnapshotMiniblockNum {
		return nil, protocol.ProtocolViolationf("stream %s: snapshot is at miniblock %d but range starts at %d",
			s.streamID, p.PrevSnapshotMiniblockNum, first.Num())
	}

	all := make([]*protocol.ParsedMiniblock, 0, len(p.PrependedMiniblocks)+len(p.Miniblocks))
	all = append(all, p.PrependedMiniblocks...)
	all = append(all, p.Miniblocks...)

	v := &view{
		cookie:                   p.Cookie,
		snapshot:                 p.Snapshot,
		prevSnapshotMiniblockNum: p.PrevSnapshotMiniblockNum,
		miniblocks:               make([]*miniblockRef, 0, len(all)),
		events:                   make(map[protocol.Hash]*Event),
		members:                  membersFrom(p.Snapshot),
		terminus:                 all[0].Num() == 0,
	}

	for i, mb := range all {
		if i > 0 {
			if err := CheckChain(all[i-1], mb); err != nil {
				return nil, err
			}
		}
		ref := &miniblockRef{hash: mb.Hash, header: mb.Header, headerEvent: mb.HeaderEvent}
		for j, pe := range mb.Events {
			if _, dup := v.events[pe.Hash]; dup {
				return nil, protocol.ProtocolViolationf("stream %s: event %s appears twice in miniblocks", s.streamID, pe.HashStr)
			}
			e := &Event{ParsedEvent: pe, MiniblockNum: mb.Num(), EventNum: mb.Header.EventNumOffset + int64(j)}
			v.events[pe.Hash] = e
			ref.events = append(ref.events, e)
			v.confirmed = append(v.confirmed, e)
			if mb.Num() > p.PrevSnapshotMiniblockNum {
				s.applyMembership(v, e)
			}
			s.noteUnknown(e)
		}
		v.miniblocks = append(v.miniblocks, ref)
	}

	last := all[len(all)-1]
	if !p.Cookie.PrevMiniblockHash.IsZero() && p.Cookie.PrevMiniblockHash != last.Hash {
		return nil, protocol.ProtocolViolationf("stream %s: sync cookie follows %s, last miniblock %d is %s",
			s.streamID, p.Cookie.PrevMiniblockHash, last.Num(), last.Hash)
	}

	for _, pe := range p.MinipoolEvents {
		if existing, ok := v.events[pe.Hash]; ok {
			if existing.Confirmed() {
				return nil, protocol.ProtocolViolationf("stream %s: minipool event %s is already in miniblock %d",
					s.streamID, pe.HashStr, existing.MiniblockNum)
			}
			continue
		}
		e := newEvent(pe)
		v.events[pe.Hash] = e
		v.minipool = append(v.minipool, e)
		s.noteUnknown(e)
	}
	return v, nil
}

// CheckChain requires every miniblock to directly follow the one before it,
// by number and by hash.
func CheckChain(mbs ...*protocol.ParsedMiniblock) error {
	for i := 1; i < len(mbs); i++ {
		prev, next := mbs[i-1], mbs[i]
		if next.Num() != prev.Num()+1 {
			return protocol.ProtocolViolationf("miniblock %d follows %d", next.Num(), prev.Num())
		}
		if next.Header.PrevMiniblockHash != prev.Hash {
			return protocol.ProtocolViolationf("miniblock %d links to %s, miniblock %d is %s",
				next.Num(), next.Header.PrevMiniblockHash, prev.Num(), prev.Hash)
		}
	}
	return nil
}

func normalizeAddress(addr string) string {
	return strings.ToLower(addr)
}
