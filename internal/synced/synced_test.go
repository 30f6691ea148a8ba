package synced

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamsync/internal/protocol"
	"streamsync/internal/protocol/prototest"
	"streamsync/internal/storage"
	"streamsync/internal/stream"
	"streamsync/pkg/notify"
)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(storage.Config{Backend: storage.BackendPebble, Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ids(s *Stream) []string {
	var out []string
	for _, e := range s.Timeline() {
		out = append(out, e.ID())
	}
	return out
}

func buildChain(t *testing.T) *prototest.Chain {
	chain := prototest.NewChain(t, prototest.RandomStreamID(t))
	chain.Post(2)
	chain.Seal(false)
	chain.Post(1)
	chain.Seal(true)
	chain.Post(2)
	chain.Seal(false)
	chain.Post(1)
	return chain
}

func TestWarmStart_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	chain := buildChain(t)

	first := New(chain.StreamID, Config{Store: store})
	assert.False(t, first.InitializeFromPersistence(ctx), "empty cache")
	require.NoError(t, first.Initialize(ctx, chain.Stream()))
	require.NoError(t, first.SetCleartext(ctx, chain.Stream().Events[0].Hash.String(), "hello"))

	bus := notify.NewBus(nil)
	var initialized []notify.StreamInitialized
	sub := notify.On(bus, func(n notify.StreamInitialized) { initialized = append(initialized, n) })
	defer sub.Close()

	second := New(chain.StreamID, Config{Store: store, Bus: bus})
	require.True(t, second.InitializeFromPersistence(ctx))
	assert.Equal(t, ids(first), ids(second))
	assert.Equal(t, first.SyncCookie(), second.SyncCookie())
	assert.Equal(t, first.MiniblockInfo(), second.MiniblockInfo())
	assert.False(t, second.IsUpToDate(), "a cache load is not a live update")

	text, ok := second.Cleartext(chain.Stream().Events[0].Hash.String())
	assert.True(t, ok)
	assert.Equal(t, "hello", text)

	require.Len(t, initialized, 1)
	assert.True(t, initialized[0].FromCache)
}

func TestWarmStart_MissingMiniblockFallsBackCleanly(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	chain := buildChain(t)
	unpacked := chain.Unpacked()

	// envelope claims miniblocks 2..3 but only 3 is stored
	rec := &storage.PersistedSyncedStream{
		StreamID:                 chain.StreamID,
		SyncCookie:               chain.Cookie(),
		LastSnapshotMiniblockNum: 2,
		LastMiniblockNum:         3,
	}
	require.NoError(t, store.SaveStreamState(ctx, rec, []*storage.PersistedMiniblock{
		storage.PersistMiniblock(unpacked.Miniblocks[1]),
	}))

	warm := New(chain.StreamID, Config{Store: store})
	require.False(t, warm.InitializeFromPersistence(ctx))
	assert.False(t, warm.Initialized())
	assert.Empty(t, ids(warm))

	require.NoError(t, warm.Initialize(ctx, chain.Stream()))

	cold := New(chain.StreamID, Config{})
	require.NoError(t, cold.Initialize(ctx, chain.Stream()))

	assert.Equal(t, ids(cold), ids(warm))
	assert.Equal(t, cold.MiniblockInfo(), warm.MiniblockInfo())
	assert.Equal(t, cold.SyncCookie(), warm.SyncCookie())
	assert.Equal(t, cold.LastMiniblockHash(), warm.LastMiniblockHash())
	assert.Equal(t, uint64(1), generation(warm))
}

func TestWarmStart_TamperedMiniblockIsRejected(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	chain := buildChain(t)

	seeded := New(chain.StreamID, Config{Store: store})
	require.NoError(t, seeded.Initialize(ctx, chain.Stream()))

	mb, err := store.GetMiniblock(ctx, chain.StreamID, 3)
	require.NoError(t, err)
	mb.Events[0].Event = append([]byte(nil), mb.Events[0].Event...)
	mb.Events[0].Event[len(mb.Events[0].Event)-2] ^= 0x01
	require.NoError(t, store.SaveMiniblocks(ctx, chain.StreamID, []*storage.PersistedMiniblock{mb}))

	warm := New(chain.StreamID, Config{Store: store})
	assert.False(t, warm.InitializeFromPersistence(ctx))
	assert.False(t, warm.Initialized())
}

func TestWarmStart_LoadsCachedScrollback(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	chain := buildChain(t)

	seeded := New(chain.StreamID, Config{Store: store})
	require.NoError(t, seeded.Initialize(ctx, chain.Stream()))
	require.Equal(t, int64(2), seeded.MiniblockInfo().Min)
	_, err := seeded.PrependMiniblocks(ctx, chain.Parsed(0, 2), true, seeded.Boundary())
	require.NoError(t, err)

	warm := New(chain.StreamID, Config{Store: store})
	require.True(t, warm.InitializeFromPersistence(ctx))
	assert.Equal(t, stream.MiniblockInfo{Min: 0, Max: 3, Terminus: true}, warm.MiniblockInfo())
	assert.Equal(t, ids(seeded), ids(warm))
}

func TestAppendEvents_PersistsFinalizedMiniblocks(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	chain := buildChain(t)

	s := New(chain.StreamID, Config{Store: store})
	require.NoError(t, s.Initialize(ctx, chain.Stream()))

	mb := chain.Seal(false)
	_, err := s.AppendEvents(ctx, []*protocol.Envelope{mb.Header}, chain.Cookie(), nil)
	require.NoError(t, err)

	stored, err := store.GetMiniblock(ctx, chain.StreamID, 4)
	require.NoError(t, err)
	assert.Equal(t, mb.Header.Hash, stored.Hash)

	rec, err := store.GetSyncedStream(ctx, chain.StreamID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.LastMiniblockNum)
	assert.Equal(t, int64(2), rec.LastSnapshotMiniblockNum)
	assert.Empty(t, rec.MinipoolEvents)
	assert.Equal(t, chain.Cookie(), rec.SyncCookie)

	warm := New(chain.StreamID, Config{Store: store})
	require.True(t, warm.InitializeFromPersistence(ctx))
	assert.Equal(t, ids(s), ids(warm))
}

func TestUpToDate_TransitionsOnce(t *testing.T) {
	ctx := context.Background()
	chain := buildChain(t)
	bus := notify.NewBus(nil)
	var count int
	sub := notify.On(bus, func(notify.StreamUpToDate) { count++ })
	defer sub.Close()

	s := New(chain.StreamID, Config{Bus: bus})
	assert.False(t, s.IsUpToDate())
	require.NoError(t, s.Initialize(ctx, chain.Stream()))
	assert.True(t, s.IsUpToDate())
	select {
	case <-s.UpToDate():
	default:
		t.Fatal("channel should be closed")
	}

	_, err := s.AppendEvents(ctx, chain.Post(1), chain.Cookie(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx, chain.Stream()))
	assert.True(t, s.IsUpToDate())
	assert.Equal(t, 1, count)
}

func TestAppendEvents_ViolationIsSurfaced(t *testing.T) {
	ctx := context.Background()
	chain := buildChain(t)
	s := New(chain.StreamID, Config{})
	require.NoError(t, s.Initialize(ctx, chain.Stream()))

	chain.Post(1)
	mb := chain.Seal(false)
	_, err := s.AppendEvents(ctx, []*protocol.Envelope{mb.Header}, chain.Cookie(), nil)
	assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
}

func TestLocalEventNotifications(t *testing.T) {
	ctx := context.Background()
	chain := buildChain(t)
	bus := notify.NewBus(nil)
	var failed []notify.LocalEventFailed
	var reconciled []notify.LocalEventReconciled
	defer notify.On(bus, func(n notify.LocalEventFailed) { failed = append(failed, n) }).Close()
	defer notify.On(bus, func(n notify.LocalEventReconciled) { reconciled = append(reconciled, n) }).Close()

	s := New(chain.StreamID, Config{Bus: bus})
	require.NoError(t, s.Initialize(ctx, chain.Stream()))

	payload := &protocol.MessagePayload{ContentKind: "text"}
	_, err := s.AddLocalPendingEvent("ok", payload)
	require.NoError(t, err)
	_, err = s.AddLocalPendingEvent("bad", payload)
	require.NoError(t, err)

	env := chain.NewEvent(payload)
	require.NoError(t, s.UpdateLocalEvent("ok", env.Hash, stream.LocalSent))
	require.NoError(t, s.MarkLocalEventFailed("bad", &protocol.RejectedError{Message: "nope"}))

	_, err = s.AppendEvents(ctx, chain.Accept(env), chain.Cookie(), nil)
	require.NoError(t, err)

	require.Len(t, reconciled, 1)
	assert.Equal(t, "ok", reconciled[0].LocalID)
	assert.Equal(t, env.Hash.String(), reconciled[0].EventID)
	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].LocalID)
}

func generation(s *Stream) uint64 {
	var g uint64
	s.View(func(st *stream.State) { g = st.Generation() })
	return g
}
