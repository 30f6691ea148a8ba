// Package synced binds a stream.State to the durable local store: it warm
// starts from the cache and persists every confirmed change.
package synced

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"streamsync/internal/protocol"
	"streamsync/internal/scrollback"
	"streamsync/internal/storage"
	"streamsync/internal/stream"
	"streamsync/pkg/logging"
	"streamsync/pkg/monitoring"
	"streamsync/pkg/notify"
	"streamsync/pkg/streamid"
)

// DefaultCachedScrollbackBatches is how many older windows a warm start
// pulls from the cache.
const DefaultCachedScrollbackBatches = 3

// Config wires a Stream to process-scoped collaborators.
type Config struct {
	Store   *storage.Store
	Bus     *notify.Bus
	Logger  logging.Logger
	Metrics *monitoring.EngineMetrics

	CachedScrollbackBatches int
	MaxScrollbackSpan       int64
}

// Stream serializes every operation on one stream.State and mirrors
// confirmed state into the store.
type Stream struct {
	id      streamid.ID
	store   *storage.Store
	bus     *notify.Bus
	logger  logging.Logger
	metrics *monitoring.EngineMetrics

	cachedBatches int
	maxSpan       int64

	mu    sync.Mutex
	state *stream.State

	upToDateOnce sync.Once
	upToDate     chan struct{}
}

// New creates an uninitialized stream.
func New(id streamid.ID, cfg Config) *Stream {
	logger := logging.OrDiscard(cfg.Logger)
	if cfg.CachedScrollbackBatches <= 0 {
		cfg.CachedScrollbackBatches = DefaultCachedScrollbackBatches
	}
	if cfg.MaxScrollbackSpan <= 0 {
		cfg.MaxScrollbackSpan = scrollback.DefaultMaxSpan
	}
	return &Stream{
		id:            id,
		store:         cfg.Store,
		bus:           cfg.Bus,
		logger:        logger,
		metrics:       cfg.Metrics,
		cachedBatches: cfg.CachedScrollbackBatches,
		maxSpan:       cfg.MaxScrollbackSpan,
		state:         stream.New(id, logger),
		upToDate:      make(chan struct{}),
	}
}

func (s *Stream) StreamID() streamid.ID { return s.id }

func (s *Stream) log() logging.Entry {
	return s.logger.WithField("stream_id", s.id.String())
}

// View runs fn with the state locked. fn must not retain the state.
func (s *Stream) View(fn func(st *stream.State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// Update runs fn with the state locked for local mutations that need no
// persistence, such as local pending events.
func (s *Stream) Update(fn func(st *stream.State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state)
}

func (s *Stream) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Initialized()
}

func (s *Stream) Boundary() stream.Boundary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Boundary()
}

func (s *Stream) MiniblockInfo() stream.MiniblockInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.MiniblockInfo()
}

func (s *Stream) SyncCookie() *protocol.SyncCookie {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SyncCookie()
}

func (s *Stream) LastMiniblockHash() protocol.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastMiniblockHash()
}

func (s *Stream) OldestEventTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.OldestEventTime()
}

func (s *Stream) Timeline() []stream.TimelineEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Timeline()
}

// IsUpToDate reports whether a live delta or a network initialize has been
// applied since this Stream was created.
func (s *Stream) IsUpToDate() bool {
	select {
	case <-s.upToDate:
		return true
	default:
		return false
	}
}

// UpToDate is closed on the first transition to up to date. It never
// reopens.
func (s *Stream) UpToDate() <-chan struct{} { return s.upToDate }

func (s *Stream) markUpToDate() {
	s.upToDateOnce.Do(func() {
		close(s.upToDate)
		s.bus.Publish(notify.StreamUpToDate{StreamID: s.id})
	})
}

// InitializeFromPersistence loads the stream from the local store. It
// returns false, with nothing changed, when any required record is missing
// or fails verification; the caller then initializes from the network.
func (s *Stream) InitializeFromPersistence(ctx context.Context) bool {
	if s.store == nil {
		return false
	}
	params, err := s.loadPersisted(ctx)
	if err != nil {
		outcome := "corrupt"
		if errors.Is(err, storage.ErrNotFound) {
			outcome = "miss"
		}
		s.metrics.WarmStart(outcome)
		s.log().WithError(err).WithField("outcome", outcome).Debug("Warm start unavailable, falling back to network")
		return false
	}

	s.mu.Lock()
	res, err := s.state.Initialize(*params)
	var (
		info  stream.MiniblockInfo
		count int
	)
	if err == nil {
		info = s.state.MiniblockInfo()
		count = len(s.state.EventIDs())
	}
	s.mu.Unlock()
	if err != nil {
		s.metrics.WarmStart("corrupt")
		s.log().WithError(err).Debug("Cached stream state is inconsistent, falling back to network")
		return false
	}

	s.metrics.WarmStart("hit")
	s.publishReconciled(res.Reconciled)
	s.bus.Publish(notify.StreamInitialized{
		StreamID:    s.id,
		FromCache:   true,
		EventCount:  count,
		MiniblockTo: info.Max,
	})
	s.log().WithFields(logging.Fields{
		"min":      info.Min,
		"max":      info.Max,
		"terminus": info.Terminus,
	}).Debug("Warm started stream from cache")
	return true
}

func (s *Stream) loadPersisted(ctx context.Context) (*stream.InitParams, error) {
	rec, err := s.store.GetSyncedStream(ctx, s.id)
	if err != nil {
		return nil, err
	}
	if rec.SyncCookie == nil || rec.LastMiniblockNum < rec.LastSnapshotMiniblockNum || rec.LastSnapshotMiniblockNum < 0 {
		return nil, protocol.ErrCorruptPersistedState
	}

	stored, err := s.store.GetMiniblocks(ctx, s.id, rec.LastSnapshotMiniblockNum, rec.LastMiniblockNum)
	if err != nil {
		return nil, err
	}
	miniblocks := make([]*protocol.ParsedMiniblock, 0, len(stored))
	for _, mb := range stored {
		parsed, err := mb.Parse()
		if err != nil {
			return nil, errors.Join(protocol.ErrCorruptPersistedState, err)
		}
		miniblocks = append(miniblocks, parsed)
	}
	first := miniblocks[0]
	if first.Header.Snapshot == nil {
		return nil, errors.Join(protocol.ErrCorruptPersistedState,
			protocol.ProtocolViolationf("cached miniblock %d has no snapshot", first.Num()))
	}
	minipool, err := protocol.ParseEnvelopes(rec.MinipoolEvents)
	if err != nil {
		return nil, errors.Join(protocol.ErrCorruptPersistedState, err)
	}

	older := scrollback.LoadCached(ctx, s.store, s.id, first, rec.LastMiniblockNum, s.cachedBatches, s.maxSpan)

	ids := make([]string, 0)
	for _, mb := range older {
		ids = appendEventIDs(ids, mb.Events)
	}
	for _, mb := range miniblocks {
		ids = appendEventIDs(ids, mb.Events)
	}
	ids = appendEventIDs(ids, minipool)
	cleartexts, err := s.store.GetCleartexts(ctx, ids)
	if err != nil {
		return nil, err
	}

	return &stream.InitParams{
		Cookie:                   rec.SyncCookie,
		MinipoolEvents:           minipool,
		Snapshot:                 first.Header.Snapshot,
		Miniblocks:               miniblocks,
		PrependedMiniblocks:      older,
		PrevSnapshotMiniblockNum: first.Num(),
		Cleartexts:               cleartexts,
	}, nil
}

func appendEventIDs(ids []string, events []*protocol.ParsedEvent) []string {
	for _, e := range events {
		ids = append(ids, e.HashStr)
	}
	return ids
}

// Initialize replaces the stream with a full network response, persists it
// and marks the stream up to date.
func (s *Stream) Initialize(ctx context.Context, sc *protocol.StreamAndCookie) error {
	unpacked, err := protocol.UnpackStream(sc)
	if err != nil {
		return err
	}
	params := stream.ParamsFromUnpacked(unpacked)
	if s.store != nil {
		ids := make([]string, 0)
		for _, mb := range unpacked.Miniblocks {
			ids = appendEventIDs(ids, mb.Events)
		}
		ids = appendEventIDs(ids, unpacked.MinipoolEvents)
		if params.Cleartexts, err = s.store.GetCleartexts(ctx, ids); err != nil {
			s.log().WithError(err).Warn("Failed to load cached cleartexts")
			params.Cleartexts = nil
		}
	}

	s.mu.Lock()
	res, err := s.state.Initialize(params)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	count := len(s.state.EventIDs())
	s.persistLocked(ctx, unpacked.Miniblocks)
	s.mu.Unlock()

	s.publishReconciled(res.Reconciled)
	s.bus.Publish(notify.StreamInitialized{
		StreamID:    s.id,
		EventCount:  count,
		MiniblockTo: unpacked.Miniblocks[len(unpacked.Miniblocks)-1].Num(),
	})
	s.markUpToDate()
	return nil
}

// AppendEvents applies a live delta. Finalized miniblocks and a refreshed
// envelope are persisted before the call returns.
func (s *Stream) AppendEvents(ctx context.Context, envs []*protocol.Envelope, next *protocol.SyncCookie, cleartexts map[string]string) (*stream.AppendResult, error) {
	events, err := protocol.ParseEnvelopes(envs)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	res, err := s.state.AppendEvents(events, next, cleartexts)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if len(res.Finalized) > 0 {
		s.persistLocked(ctx, res.Finalized)
	}
	s.mu.Unlock()

	if len(res.Appended) > 0 {
		ids := make([]string, len(res.Appended))
		for i, e := range res.Appended {
			ids[i] = e.HashStr
		}
		s.bus.Publish(notify.EventsAppended{StreamID: s.id, EventIDs: ids})
	}
	for _, mb := range res.Finalized {
		ids := make([]string, len(mb.Events))
		for i, e := range mb.Events {
			ids[i] = e.HashStr
		}
		s.bus.Publish(notify.MiniblockHeaderApplied{StreamID: s.id, MiniblockNum: mb.Num(), EventIDs: ids})
	}
	s.publishReconciled(res.Reconciled)
	s.markUpToDate()
	return res, nil
}

// persistLocked writes mbs and the current envelope in one batch. A write
// failure leaves the cache behind the in-memory state; the next warm start
// resumes from the older cookie.
func (s *Stream) persistLocked(ctx context.Context, mbs []*protocol.ParsedMiniblock) {
	if s.store == nil {
		return
	}
	records := make([]*storage.PersistedMiniblock, len(mbs))
	for i, mb := range mbs {
		records[i] = storage.PersistMiniblock(mb)
	}
	rec := &storage.PersistedSyncedStream{
		StreamID:                 s.id,
		SyncCookie:               s.state.SyncCookie(),
		LastSnapshotMiniblockNum: s.state.PrevSnapshotMiniblockNum(),
		LastMiniblockNum:         s.state.MiniblockInfo().Max,
		MinipoolEvents:           s.state.MinipoolEnvelopes(),
	}
	if err := s.store.SaveStreamState(ctx, rec, records); err != nil {
		s.log().WithError(err).Warn("Failed to persist stream state")
	}
}

// PrependMiniblocks adds scrollback results and caches them. expected is
// the boundary seen when the fetch was issued; stale batches fail with
// protocol.ErrStaleRace.
func (s *Stream) PrependMiniblocks(ctx context.Context, mbs []*protocol.ParsedMiniblock, terminus bool, expected stream.Boundary) (*stream.PrependResult, error) {
	var cleartexts map[string]string
	if s.store != nil && len(mbs) > 0 {
		ids := make([]string, 0)
		for _, mb := range mbs {
			ids = appendEventIDs(ids, mb.Events)
		}
		var err error
		if cleartexts, err = s.store.GetCleartexts(ctx, ids); err != nil {
			s.log().WithError(err).Warn("Failed to load cached cleartexts")
			cleartexts = nil
		}
	}

	s.mu.Lock()
	res, err := s.state.PrependMiniblocks(mbs, cleartexts, terminus, expected)
	if err == nil && s.store != nil && len(mbs) > 0 {
		records := make([]*storage.PersistedMiniblock, len(mbs))
		for i, mb := range mbs {
			records[i] = storage.PersistMiniblock(mb)
		}
		if serr := s.store.SaveMiniblocks(ctx, s.id, records); serr != nil {
			s.log().WithError(serr).Warn("Failed to persist scrollback miniblocks")
		}
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(res.Events))
	for i, e := range res.Events {
		ids[i] = e.HashStr
	}
	s.bus.Publish(notify.EventsPrepended{
		StreamID:      s.id,
		EventIDs:      ids,
		FromInclusive: res.FromInclusive,
		Terminus:      res.Terminus,
	})
	return res, nil
}

// AddLocalPendingEvent renders an optimistic event.
func (s *Stream) AddLocalPendingEvent(localID string, payload protocol.Payload) (*stream.LocalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AddLocalPendingEvent(localID, payload)
}

// UpdateLocalEvent records submission progress for a local event.
func (s *Stream) UpdateLocalEvent(localID string, hash protocol.Hash, status stream.LocalStatus) error {
	s.mu.Lock()
	r, err := s.state.UpdateLocalEvent(localID, hash, status)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if r != nil {
		s.publishReconciled([]stream.Reconciliation{*r})
	}
	return nil
}

// MarkLocalEventFailed surfaces a rejected submission.
func (s *Stream) MarkLocalEventFailed(localID string, cause error) error {
	s.mu.Lock()
	err := s.state.MarkLocalEventFailed(localID, cause)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.bus.Publish(notify.LocalEventFailed{StreamID: s.id, LocalID: localID, Err: cause})
	return nil
}

// RemoveLocalEvent drops a local event that never reconciled, usually a
// failed one the user dismissed.
func (s *Stream) RemoveLocalEvent(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.RemoveLocalEvent(localID) {
		return fmt.Errorf("%w: %s", stream.ErrUnknownLocalEvent, localID)
	}
	return nil
}

// Cleartext returns the cached plaintext of an event.
func (s *Stream) Cleartext(eventID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Cleartext(eventID)
}

// SetCleartext caches a decrypted event in memory and in the store.
func (s *Stream) SetCleartext(ctx context.Context, eventID, text string) error {
	s.mu.Lock()
	s.state.SetCleartext(eventID, text)
	s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	return s.store.SaveCleartext(ctx, eventID, text)
}

func (s *Stream) publishReconciled(rs []stream.Reconciliation) {
	for _, r := range rs {
		s.bus.Publish(notify.LocalEventReconciled{StreamID: s.id, LocalID: r.LocalID, EventID: r.Event.HashStr})
	}
}
