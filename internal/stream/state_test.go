package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamsync/internal/protocol"
	"streamsync/internal/protocol/prototest"
)

func newState(t *testing.T, chain *prototest.Chain) *State {
	t.Helper()
	s := New(chain.StreamID, nil)
	_, err := s.Initialize(ParamsFromUnpacked(chain.Unpacked()))
	require.NoError(t, err)
	return s
}

func timelineIDs(s *State) []string {
	var out []string
	for _, e := range s.Timeline() {
		out = append(out, e.ID())
	}
	return out
}

func eventIDs(envs ...*protocol.Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Hash.String()
	}
	return out
}

func TestInitialize_FromNetwork(t *testing.T) {
	chain := prototest.NewChain(t, prototest.RandomStreamID(t))
	confirmed := chain.Post(2)
	chain.Seal(false)
	pending := chain.Post(1)

	s := newState(t, chain)

	assert.Equal(t, uint64(1), s.Generation())
	assert.Equal(t, MiniblockInfo{Min: 0, Max: 1, Terminus: true}, s.MiniblockInfo())
	assert.Equal(t, chain.LastHash(), s.LastMiniblockHash())
	assert.True(t, s.IsMember(chain.Wallet.Address()))

	ids := timelineIDs(s)
	require.Len(t, ids, 4, "inception, two confirmed, one minipool")
	assert.Equal(t, eventIDs(confirmed...), ids[1:3])
	assert.Equal(t, eventIDs(pending...), ids[3:])

	mp := s.MinipoolEvents()
	require.Len(t, mp, 1)
	assert.False(t, mp[0].Confirmed())
	for _, e := range s.ConfirmedEvents() {
		assert.True(t, e.Confirmed())
	}
}

func TestInitialize_InconsistentInputLeavesStateIntact(t *testing.T) {
	chain := prototest.NewChain(t, prototest.RandomStreamID(t))
	chain.Post(1)
	chain.Seal(false)
	chain.Post(1)
	chain.Seal(false)
	s := newState(t, chain)
	before := timelineIDs(s)

	cases := map[string]func(p *InitParams){
		"cookie ahead of miniblocks": func(p *InitParams) {
			p.Cookie = &protocol.SyncCookie{StreamID: chain.StreamID, PrevMiniblockHash: protocol.Keccak256([]byte("elsewhere"))}
		},
		"gap in miniblocks": func(p *InitParams) {
			p.Miniblocks = []*protocol.ParsedMiniblock{p.Miniblocks[0], p.Miniblocks[2]}
		},
		"missing snapshot": func(p *InitParams) {
			p.Snapshot = nil
		},
		"baseline mismatch": func(p *InitParams) {
			p.PrevSnapshotMiniblockNum = 1
		},
		"cookie for another stream": func(p *InitParams) {
			p.Cookie = &protocol.SyncCookie{StreamID: prototest.RandomStreamID(t)}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := ParamsFromUnpacked(chain.Unpacked())
			mutate(&p)
			_, err := s.Initialize(p)
			require.ErrorIs(t, err, protocol.ErrProtocolViolation)
			assert.Equal(t, uint64(1), s.Generation())
			assert.Equal(t, before, timelineIDs(s))
		})
	}
}

func TestAppendEvents_FinalizesMiniblock(t *testing.T) {
	chain := prototest.NewChain(t, prototest.RandomStreamID(t))
	s := newState(t, chain)

	posted := chain.Post(3)
	res, err := s.AppendEvents(prototest.ParseAll(t, posted...), chain.Cookie(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Appended, 3)
	assert.Empty(t, res.Finalized)
	assert.Len(t, s.MinipoolEvents(), 3)

	mb := chain.Seal(false)
	res, err = s.AppendEvents(prototest.ParseAll(t, mb.Header), chain.Cookie(), nil)
	require.NoError(t, err)
	require.Len(t, res.Finalized, 1)
	assert.Equal(t, int64(1), res.Finalized[0].Num())
	assert.Empty(t, s.MinipoolEvents())
	assert.Equal(t, int64(1), s.MiniblockInfo().Max)
	assert.Equal(t, chain.Cookie(), s.SyncCookie())

	for i, e := range s.ConfirmedEvents()[1:] {
		assert.Equal(t, posted[i].Hash, e.Hash)
		assert.Equal(t, int64(1), e.MiniblockNum)
		assert.Equal(t, int64(1+i), e.EventNum)
	}
}

func TestAppendEvents_EventsAndHeaderInOneBatch(t *testing.T) {
	chain := prototest.NewChain(t, prototest.RandomStreamID(t))
	s := newState(t, chain)

	posted := chain.Post(2)
	mb := chain.Seal(false)
	batch := prototest.ParseAll(t, append(posted, mb.Header)...)
	res, err := s.AppendEvents(batch, chain.Cookie(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Appended, 2)
	assert.Len(t, res.Finalized, 1)
	assert.Empty(t, s.MinipoolEvents())
}

func TestAppendEvents_UnresolvableHashFailsWithoutMutation(t *testing.T) {
	chain := prototest.NewChain(t, prototest.RandomStreamID(t))
	s := newState(t, chain)

	posted := chain.Post(2)
	_, err := s.AppendEvents(prototest.ParseAll(t, posted[0]), chain.Cookie(), nil)
	require.NoError(t, err)

	beforeTimeline := timelineIDs(s)
	beforeCookie := s.SyncCookie()
	beforeInfo := s.MiniblockInfo()

	mb := chain.Seal(false)
	stray := chain.Message("arrives with the header")
	_, err = s.AppendEvents(prototest.ParseAll(t, stray, mb.Header), chain.Cookie(), map[string]string{"x": "y"})
	require.ErrorIs(t, err, protocol.ErrProtocolViolation)

	assert.Equal(t, beforeTimeline, timelineIDs(s))
	assert.Equal(t, beforeCookie, s.SyncCookie())
	assert.Equal(t, beforeInfo, s.MiniblockInfo())
	_, known := s.Event(stray.Hash)
	assert.False(t, known)
	_, ok := s.Cleartext("x")
	assert.False(t, ok)
}

func TestAppendEvents_GapInMiniblocksIsViolation(t *testing.T) {
	chain := prototest.NewChain(t, prototest.RandomStreamID(t))
	s := newState(t, chain)

	chain.Seal(false)
	chain.Seal(false)
	next := chain.Seal(false)
	_, err := s.AppendEvents(prototest.ParseAll(t, next.Header), chain.Cookie(), nil)
	assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
	assert.Equal(t, int64(0), s.MiniblockInfo().Max)
}

func TestAppendEvents_ReplayIsIdempotent(t *testing.T) {
	chain := prototest.NewChain(t, prototest.RandomStreamID(t))
	s := newState(t, chain)

	posted := chain.Post(2)
	mb := chain.Seal(false)
	tail := chain.Post(1)
	batch := prototest.ParseAll(t, append(append(posted, mb.Header), tail...)...)

	_, err := s.AppendEvents(batch, chain.Cookie(), nil)
	require.NoError(t, err)
	timeline := timelineIDs(s)
	minipool := s.MinipoolEnvelopes()
	info := s.MiniblockInfo()

	res, err := s.AppendEvents(batch, chain.Cookie(), nil)
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Equal(t, len(batch), res.Duplicates)
	assert.Equal(t, timeline, timelineIDs(s))
	assert.Equal(t, minipool, s.MinipoolEnvelopes())
	assert.Equal(t, info, s.MiniblockInfo())
}

func TestAppendEvents_MiniblockBelowLoadedRangeIsDuplicate(t *testing.T) {
	chain := prototest.NewChain(t, prototest.RandomStreamID(t))
	posted := chain.Post(2)
	old := chain.Seal(false)
	chain.Post(1)
	chain.Seal(true)

	// loaded from the snapshot at miniblock 2, as after a reset
	s := newState(t, chain)
	require.Equal(t, int64(2), s.MiniblockInfo().Min)
	timeline := timelineIDs(s)
	info := s.MiniblockInfo()

	batch := prototest.ParseAll(t, append(posted, old.Header)...)
	res, err := s.AppendEvents(batch, chain.Cookie(), nil)
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Equal(t, len(batch), res.Duplicates)
	assert.Empty(t, s.MinipoolEvents())
	assert.Equal(t, timeline, timelineIDs(s))
	assert.Equal(t, info, s.MiniblockInfo())

	// new events in the same batch still apply
	fresh := chain.Post(1)
	batch = prototest.ParseAll(t, append(append(posted, old.Header), fresh...)...)
	res, err = s.AppendEvents(batch, chain.Cookie(), nil)
	require.NoError(t, err)
	require.Len(t, res.Appended, 1)
	assert.Equal(t, fresh[0].Hash, res.Appended[0].Hash)
	assert.Len(t, s.MinipoolEvents(), 1)
}

func TestLocalEvent_ReconciledOnConfirmation(t *testing.T) {
	chain := prototest.NewChain(t, prototest.RandomStreamID(t))
	s := newState(t, chain)

	payload := &protocol.MessagePayload{ContentKind: "text"}
	local, err := s.AddLocalPendingEvent("local-x", payload)
	require.NoError(t, err)
	assert.Equal(t, LocalPending, local.Status)
	ids := timelineIDs(s)
	assert.Equal(t, "local-x", ids[len(ids)-1])

	env := chain.NewEvent(payload)
	r, err := s.UpdateLocalEvent("local-x", env.Hash, LocalSent)
	require.NoError(t, err)
	assert.Nil(t, r)

	before := chain.Post(1)
	chain.Accept(env)
	after := chain.Post(1)
	mb := chain.Seal(false)

	batch := prototest.ParseAll(t, before[0], env, after[0], mb.Header)
	res, err := s.AppendEvents(batch, chain.Cookie(), nil)
	require.NoError(t, err)
	require.Len(t, res.Reconciled, 1)
	assert.Equal(t, "local-x", res.Reconciled[0].LocalID)

	assert.Empty(t, s.LocalEvents())
	_, ok := s.LocalEvent("local-x")
	assert.False(t, ok)

	var positions []int
	for i, id := range timelineIDs(s) {
		if id == env.Hash.String() {
			positions = append(positions, i)
		}
		assert.NotEqual(t, "local-x", id)
	}
	require.Len(t, positions, 1)
	// genesis holds one event; the miniblock lists before, env, after
	assert.Equal(t, 2, positions[0])

	e, ok := s.Event(env.Hash)
	require.True(t, ok)
	assert.Equal(t, "local-x", e.LocalID)
	assert.Equal(t, int64(1), e.MiniblockNum)
}

func TestLocalEvent_SyncBeforeSubmitResponse(t *testing.T) {
	chain := prototest.NewChain(t, prototest.RandomStreamID(t))
	s := newState(t, chain)

	payload := &protocol.MessagePayload{ContentKind: "text"}
	_, err := s.AddLocalPendingEvent("early", payload)
	require.NoError(t, err)

	env := chain.Accept(chain.NewEvent(payload))[0]
	_, err = s.AppendEvents(prototest.ParseAll(t, env), chain.Cookie(), nil)
	require.NoError(t, err)

	r, err := s.UpdateLocalEvent("early", env.Hash, LocalSent)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, env.Hash, r.Event.Hash)
	assert.Empty(t, s.LocalEvents())
}

func TestLocalEvent_FailedStaysVisible(t *testing.T) {
	chain := prototest.NewChain(t, prototest.RandomStreamID(t))
	s := newState(t, chain)

	_, err := s.AddLocalPendingEvent("a", &protocol.MessagePayload{ContentKind: "text"})
	require.NoError(t, err)
	_, err = s.AddLocalPendingEvent("b", &protocol.MessagePayload{ContentKind: "text"})
	require.NoError(t, err)
	_, err = s.AddLocalPendingEvent("a", &protocol.MessagePayload{ContentKind: "text"})
	assert.Error(t, err)

	cause := &protocol.RejectedError{Message: "duplicate"}
	require.NoError(t, s.MarkLocalEventFailed("a", cause))

	locals := s.LocalEvents()
	require.Len(t, locals, 2)
	assert.Equal(t, "a", locals[0].LocalID)
	assert.Equal(t, LocalFailed, locals[0].Status)
	assert.True(t, errors.Is(locals[0].Err, protocol.ErrRejected))
	assert.Equal(t, LocalPending, locals[1].Status)

	assert.ErrorIs(t, s.MarkLocalEventFailed("missing", cause), ErrUnknownLocalEvent)
	assert.True(t, s.RemoveLocalEvent("a"))
	assert.Len(t, s.LocalEvents(), 1)
}

func TestLocalEvent_SurvivesReinitialize(t *testing.T) {
	chain := prototest.NewChain(t, prototest.RandomStreamID(t))
	s := newState(t, chain)

	payload := &protocol.MessagePayload{ContentKind: "text"}
	_, err := s.AddLocalPendingEvent("kept", payload)
	require.NoError(t, err)
	_, err = s.AddLocalPendingEvent("confirmed", payload)
	require.NoError(t, err)

	env := chain.Accept(chain.NewEvent(payload))[0]
	chain.Seal(false)
	_, err = s.UpdateLocalEvent("confirmed", env.Hash, LocalSent)
	require.NoError(t, err)

	res, err := s.Initialize(ParamsFromUnpacked(chain.Unpacked()))
	require.NoError(t, err)
	require.Len(t, res.Reconciled, 1)
	assert.Equal(t, "confirmed", res.Reconciled[0].LocalID)

	locals := s.LocalEvents()
	require.Len(t, locals, 1)
	assert.Equal(t, "kept", locals[0].LocalID)
}

func TestPrependMiniblocks(t *testing.T) {
	chain := prototest.NewChain(t, prototest.RandomStreamID(t))
	for i := 0; i < 2; i++ {
		chain.Post(1)
		chain.Seal(false)
	}
	chain.Post(1)
	chain.Seal(true) // miniblock 3 carries the snapshot
	chain.Post(1)
	chain.Seal(false)

	s := newState(t, chain)
	require.Equal(t, MiniblockInfo{Min: 3, Max: 4}, s.MiniblockInfo())

	res, err := s.PrependMiniblocks(chain.Parsed(1, 3), nil, false, s.Boundary())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.FromInclusive)
	assert.False(t, res.Terminus)
	assert.Len(t, res.Events, 2)

	res, err = s.PrependMiniblocks(chain.Parsed(0, 1), nil, true, s.Boundary())
	require.NoError(t, err)
	assert.True(t, res.Terminus)
	assert.Equal(t, MiniblockInfo{Min: 0, Max: 4, Terminus: true}, s.MiniblockInfo())

	var prev int64 = -1
	for _, e := range s.ConfirmedEvents() {
		assert.Greater(t, e.EventNum, prev)
		prev = e.EventNum
	}
	assert.Len(t, s.ConfirmedEvents(), 5)
}

func TestPrependMiniblocks_RejectsStaleAndDetachedBatches(t *testing.T) {
	chain := prototest.NewChain(t, prototest.RandomStreamID(t))
	chain.Seal(false)
	chain.Seal(false)
	chain.Seal(true)
	s := newState(t, chain)
	issued := s.Boundary()

	_, err := s.Initialize(ParamsFromUnpacked(chain.Unpacked()))
	require.NoError(t, err)

	_, err = s.PrependMiniblocks(chain.Parsed(0, 3), nil, true, issued)
	assert.ErrorIs(t, err, protocol.ErrStaleRace)
	assert.Equal(t, int64(3), s.MiniblockInfo().Min)

	_, err = s.PrependMiniblocks(chain.Parsed(0, 2), nil, true, s.Boundary())
	assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
	assert.Equal(t, int64(3), s.MiniblockInfo().Min)
}

func TestMembership(t *testing.T) {
	chain := prototest.NewChain(t, prototest.RandomStreamID(t))
	s := newState(t, chain)

	join := chain.Accept(chain.NewEvent(&protocol.MembershipPayload{Op: protocol.MembershipJoin, User: "0xABCDEF"}))
	mb := chain.Seal(false)
	_, err := s.AppendEvents(prototest.ParseAll(t, append(join, mb.Header)...), chain.Cookie(), nil)
	require.NoError(t, err)
	assert.True(t, s.IsMember("0xabcdef"))

	leave := chain.Accept(chain.NewEvent(&protocol.MembershipPayload{Op: protocol.MembershipLeave, User: "0xabcdef"}))
	_, err = s.AppendEvents(prototest.ParseAll(t, leave...), chain.Cookie(), nil)
	require.NoError(t, err)
	assert.True(t, s.IsMember("0xabcdef"), "minipool events do not change membership")

	mb = chain.Seal(false)
	_, err = s.AppendEvents(prototest.ParseAll(t, mb.Header), chain.Cookie(), nil)
	require.NoError(t, err)
	assert.False(t, s.IsMember("0xabcdef"))
}

func TestUninitialized(t *testing.T) {
	s := New(prototest.RandomStreamID(t), nil)
	assert.False(t, s.Initialized())
	assert.Equal(t, Boundary{}, s.Boundary())
	_, err := s.AppendEvents(nil, nil, nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = s.PrependMiniblocks(nil, nil, false, Boundary{})
	assert.ErrorIs(t, err, ErrNotInitialized)
}
