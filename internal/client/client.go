// Package client is the process-scoped root of the engine. It owns the
// store, the node transport, the registry of loaded streams, the scrollback
// coordinator and the sync subscription, and wires them to each other.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"streamsync/internal/protocol"
	"streamsync/internal/rpc"
	"streamsync/internal/scrollback"
	"streamsync/internal/storage"
	"streamsync/internal/stream"
	"streamsync/internal/synced"
	"streamsync/internal/syncer"
	"streamsync/pkg/clients"
	"streamsync/pkg/logging"
	"streamsync/pkg/monitoring"
	"streamsync/pkg/notify"
	"streamsync/pkg/streamid"
)

// DefaultWarmUpConcurrency bounds parallel stream loads in WarmUp.
const DefaultWarmUpConcurrency = 8

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client closed")

// Encryption seals and opens group message content.
type Encryption interface {
	EncryptGroupEvent(id streamid.ID, plaintext string) (*protocol.EncryptedData, error)
	DecryptGroupEvent(id streamid.ID, data *protocol.EncryptedData) (string, error)
}

// Node is the node surface the client uses.
type Node interface {
	syncer.Transport
	scrollback.Fetcher
	AddEvent(ctx context.Context, id streamid.ID, env *protocol.Envelope) error
}

var _ Node = (*rpc.Transport)(nil)

// Config wires a Client. Node and Wallet are required; Store and
// Encryption are optional.
type Config struct {
	Node       Node
	Store      *storage.Store
	Wallet     *protocol.Wallet
	Encryption Encryption

	SyncBackoff     clients.Backoff
	MaxSyncAttempts int
	SyncStopTimeout time.Duration

	CachedScrollbackBatches int
	MaxScrollbackSpan       int64
	MaxScrollbackIterations int
	WarmUpConcurrency       int

	Logger  logging.Logger
	Metrics *monitoring.EngineMetrics
	Bus     *notify.Bus
}

// Client is safe for concurrent use.
type Client struct {
	node       Node
	store      *storage.Store
	wallet     *protocol.Wallet
	encryption Encryption
	logger     logging.Logger
	metrics    *monitoring.EngineMetrics
	bus        *notify.Bus

	streamCfg   synced.Config
	coordinator *scrollback.Coordinator
	syncer      *syncer.Syncer
	warmUpLimit int

	mu      sync.RWMutex
	streams map[streamid.ID]*synced.Stream
	closed  bool
	loading singleflight.Group

	subs []*notify.Subscription
}

// New creates a client. Streams are loaded lazily by GetStream.
func New(cfg Config) (*Client, error) {
	if cfg.Node == nil {
		return nil, errors.New("client: node transport is required")
	}
	if cfg.Wallet == nil {
		return nil, errors.New("client: wallet is required")
	}
	logger := logging.OrDiscard(cfg.Logger)
	if cfg.Bus == nil {
		cfg.Bus = notify.NewBus(logger)
	}
	if cfg.WarmUpConcurrency <= 0 {
		cfg.WarmUpConcurrency = DefaultWarmUpConcurrency
	}

	var cache scrollback.MiniblockCache
	if cfg.Store != nil {
		cache = cfg.Store
	}
	c := &Client{
		node:       cfg.Node,
		store:      cfg.Store,
		wallet:     cfg.Wallet,
		encryption: cfg.Encryption,
		logger:     logger,
		metrics:    cfg.Metrics,
		bus:        cfg.Bus,
		streamCfg: synced.Config{
			Store:                   cfg.Store,
			Bus:                     cfg.Bus,
			Logger:                  logger,
			Metrics:                 cfg.Metrics,
			CachedScrollbackBatches: cfg.CachedScrollbackBatches,
			MaxScrollbackSpan:       cfg.MaxScrollbackSpan,
		},
		coordinator: scrollback.NewCoordinator(scrollback.Config{
			Fetcher:       cfg.Node,
			Cache:         cache,
			MaxSpan:       cfg.MaxScrollbackSpan,
			MaxIterations: cfg.MaxScrollbackIterations,
			Logger:        logger,
			Metrics:       cfg.Metrics,
		}),
		syncer: syncer.New(syncer.Config{
			Transport:   cfg.Node,
			Backoff:     cfg.SyncBackoff,
			MaxAttempts: cfg.MaxSyncAttempts,
			StopTimeout: cfg.SyncStopTimeout,
			Logger:      logger,
			Metrics:     cfg.Metrics,
			Bus:         cfg.Bus,
		}),
		warmUpLimit: cfg.WarmUpConcurrency,
		streams:     make(map[streamid.ID]*synced.Stream),
	}

	if c.encryption != nil {
		c.subs = append(c.subs,
			notify.On(c.bus, func(n notify.StreamInitialized) { c.decryptStream(n.StreamID, nil) }),
			notify.On(c.bus, func(n notify.EventsAppended) { c.decryptStream(n.StreamID, n.EventIDs) }),
			notify.On(c.bus, func(n notify.EventsPrepended) { c.decryptStream(n.StreamID, n.EventIDs) }),
		)
	}
	return c, nil
}

// Bus is the client's notification bus.
func (c *Client) Bus() *notify.Bus { return c.bus }

// Address is the creator address of events this client signs.
func (c *Client) Address() string { return c.wallet.Address() }

func (c *Client) lookup(id streamid.ID) (*synced.Stream, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, false, ErrClosed
	}
	s, ok := c.streams[id]
	return s, ok, nil
}

// Stream returns an already loaded stream.
func (c *Client) Stream(id streamid.ID) (*synced.Stream, bool) {
	s, ok, _ := c.lookup(id)
	return s, ok
}

// Streams counts loaded streams.
func (c *Client) Streams() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.streams)
}

// GetStream returns the loaded stream for id, loading it on first access:
// from the local cache when it holds a consistent copy, otherwise from the
// node. The stream is added to the sync subscription once loaded.
func (c *Client) GetStream(ctx context.Context, id streamid.ID) (*synced.Stream, error) {
	if s, ok, err := c.lookup(id); err != nil || ok {
		return s, err
	}
	// the load is shared, so one caller giving up must not fail the others
	shared := context.WithoutCancel(ctx)
	ch := c.loading.DoChan(id.String(), func() (any, error) {
		if s, ok, err := c.lookup(id); err != nil || ok {
			return s, err
		}
		return c.load(shared, id)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*synced.Stream), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) load(ctx context.Context, id streamid.ID) (*synced.Stream, error) {
	log := c.logger.WithField("stream_id", id.String())
	s := synced.New(id, c.streamCfg)
	if !s.InitializeFromPersistence(ctx) {
		sc, err := c.node.GetStream(ctx, id, false)
		if err != nil {
			return nil, fmt.Errorf("load stream %s: %w", id, err)
		}
		if err := s.Initialize(ctx, sc); err != nil {
			return nil, fmt.Errorf("load stream %s: %w", id, err)
		}
		log.Debug("Loaded stream from node")
	} else {
		log.Debug("Loaded stream from cache")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.streams[id] = s
	n := len(c.streams)
	c.mu.Unlock()
	c.metrics.SetStreamsTracked("loaded", n)
	if c.encryption != nil {
		// initialization notified the bus before the stream was registered
		c.decryptStream(id, nil)
	}

	if err := c.syncer.AddStream(ctx, s); err != nil {
		// the stream joins with its current cookie on the next restart
		log.WithError(err).Warn("Failed to add stream to live sync")
	}
	return s, nil
}

// WarmUp loads ids in parallel. The first failure cancels the rest.
func (c *Client) WarmUp(ctx context.Context, ids []streamid.ID) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.warmUpLimit)
	for _, id := range ids {
		g.Go(func() error {
			_, err := c.GetStream(ctx, id)
			return err
		})
	}
	return g.Wait()
}

// UnloadStream drops a stream from memory and from the subscription. Its
// cache stays on disk.
func (c *Client) UnloadStream(ctx context.Context, id streamid.ID) error {
	c.mu.Lock()
	_, ok := c.streams[id]
	delete(c.streams, id)
	n := len(c.streams)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	c.metrics.SetStreamsTracked("loaded", n)
	return c.syncer.RemoveStream(ctx, id)
}

// ForgetStream unloads a stream and drops its cached envelope so the next
// GetStream loads it from the node.
func (c *Client) ForgetStream(ctx context.Context, id streamid.ID) error {
	if err := c.UnloadStream(ctx, id); err != nil {
		return err
	}
	if c.store == nil {
		return nil
	}
	return c.store.DeleteStream(ctx, id)
}

// SendEvent renders payload as a local event, signs it against the stream's
// last miniblock and submits it. Confirmation arrives through sync; a node
// rejection marks the local event failed and is returned.
func (c *Client) SendEvent(ctx context.Context, id streamid.ID, payload protocol.Payload, localID string) (*stream.LocalEvent, error) {
	s, err := c.GetStream(ctx, id)
	if err != nil {
		return nil, err
	}
	local, err := s.AddLocalPendingEvent(localID, payload)
	if err != nil {
		return nil, err
	}
	log := c.logger.WithFields(logging.Fields{
		"stream_id": id.String(),
		"local_id":  local.LocalID,
	})

	env, err := protocol.MakeEnvelope(c.wallet, payload, s.LastMiniblockHash())
	if err != nil {
		_ = s.MarkLocalEventFailed(local.LocalID, err)
		return local, err
	}
	if err := s.UpdateLocalEvent(local.LocalID, env.Hash, stream.LocalSending); err != nil {
		return local, err
	}

	if err := c.node.AddEvent(ctx, id, env); err != nil {
		if markErr := s.MarkLocalEventFailed(local.LocalID, err); markErr != nil && !errors.Is(markErr, stream.ErrUnknownLocalEvent) {
			log.WithError(markErr).Warn("Failed to mark local event failed")
		}
		return local, err
	}

	// sync may already have confirmed and reconciled the event
	if err := s.UpdateLocalEvent(local.LocalID, env.Hash, stream.LocalSent); err != nil && !errors.Is(err, stream.ErrUnknownLocalEvent) {
		return local, err
	}
	log.WithField("event_id", env.Hash.String()).Debug("Event submitted")
	return local, nil
}

// DiscardLocalEvent removes a failed or abandoned local event from a loaded
// stream's timeline.
func (c *Client) DiscardLocalEvent(id streamid.ID, localID string) error {
	s, ok := c.Stream(id)
	if !ok {
		return fmt.Errorf("stream %s is not loaded", id)
	}
	return s.RemoveLocalEvent(localID)
}

// SendMessage encrypts text for the stream and sends it. The plaintext is
// cached under the event id so the sender never has to decrypt its own
// message.
func (c *Client) SendMessage(ctx context.Context, id streamid.ID, text string) (*stream.LocalEvent, error) {
	if c.encryption == nil {
		return nil, errors.New("client: no encryption configured")
	}
	data, err := c.encryption.EncryptGroupEvent(id, text)
	if err != nil {
		return nil, err
	}
	local, err := c.SendEvent(ctx, id, &protocol.MessagePayload{ContentKind: "text", Data: data}, "")
	if local == nil || local.Hash.IsZero() {
		return local, err
	}
	if s, ok := c.Stream(id); ok {
		if cacheErr := s.SetCleartext(ctx, local.Hash.String(), text); cacheErr != nil {
			c.logger.WithError(cacheErr).WithField("stream_id", id.String()).Warn("Failed to cache sent message")
		}
	}
	return local, err
}

// decryptStream fills in cleartexts for message events that lack one. With
// ids nil every loaded event is considered.
func (c *Client) decryptStream(id streamid.ID, ids []string) {
	s, ok := c.Stream(id)
	if !ok {
		return
	}
	type pending struct {
		id   string
		data *protocol.EncryptedData
	}
	var todo []pending
	s.View(func(st *stream.State) {
		if ids == nil {
			ids = st.EventIDs()
		}
		for _, eventID := range ids {
			e, ok := st.EventByID(eventID)
			if !ok {
				continue
			}
			msg, ok := e.Event.Payload.(*protocol.MessagePayload)
			if !ok || msg.Data == nil {
				continue
			}
			if _, done := st.Cleartext(eventID); done {
				continue
			}
			todo = append(todo, pending{id: eventID, data: msg.Data})
		}
	})

	ctx := context.Background()
	for _, p := range todo {
		text, err := c.encryption.DecryptGroupEvent(id, p.data)
		if err != nil {
			c.logger.WithError(err).WithFields(logging.Fields{
				"stream_id": id.String(),
				"event_id":  p.id,
			}).Debug("Could not decrypt event")
			continue
		}
		if err := s.SetCleartext(ctx, p.id, text); err != nil {
			c.logger.WithError(err).WithField("event_id", p.id).Warn("Failed to persist cleartext")
		}
	}
}

// Scrollback loads the next older window of a loaded stream.
func (c *Client) Scrollback(ctx context.Context, id streamid.ID) (*scrollback.Result, error) {
	s, err := c.GetStream(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.coordinator.Scrollback(ctx, s)
}

// ScrollbackToDate pages back until events older than target are loaded.
func (c *Client) ScrollbackToDate(ctx context.Context, id streamid.ID, target time.Time) (*scrollback.Result, error) {
	s, err := c.GetStream(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.coordinator.ScrollbackToDate(ctx, s, target)
}

// StartSync opens the sync subscription for every loaded stream.
func (c *Client) StartSync(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return c.syncer.Start(ctx)
}

// StopSync cancels the subscription and waits for it to end.
func (c *Client) StopSync(ctx context.Context) error {
	return c.syncer.Stop(ctx)
}

// WaitSync blocks until the subscription ends and returns its terminal
// error.
func (c *Client) WaitSync() error { return c.syncer.Wait() }

// SyncState reports the subscription state and consecutive failures.
func (c *Client) SyncState() (syncer.State, int) {
	return c.syncer.State(), c.syncer.Failures()
}

// SyncErr is the terminal error of the last subscription run.
func (c *Client) SyncErr() error { return c.syncer.Err() }

// Close stops sync and releases the bus subscriptions. The store and the
// transport belong to the caller.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.syncer.Stop(ctx)
	for _, sub := range c.subs {
		sub.Close()
	}
	return err
}
