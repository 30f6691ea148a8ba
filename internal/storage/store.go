package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"streamsync/pkg/logging"
	"streamsync/pkg/monitoring"
	"streamsync/pkg/streamid"
)

// Backends accepted by Open.
const (
	BackendPebble = "pebble"
	BackendSQLite = "sqlite"
)

// Config selects and tunes the durable store.
type Config struct {
	Backend string
	// Path is a directory for pebble and a file for sqlite.
	Path string

	ReadAttempts int
	ReadPause    time.Duration

	Logger  logging.Logger
	Metrics *monitoring.EngineMetrics
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendPebble
	}
	if c.ReadAttempts <= 0 {
		c.ReadAttempts = DefaultReadAttempts
	}
	if c.ReadPause <= 0 {
		c.ReadPause = DefaultReadPause
	}
	c.Logger = logging.OrDiscard(c.Logger)
	return c
}

// Store exposes the cached stream tables. Writes within one stream are
// ordered by the caller; the store adds no locking of its own.
type Store struct {
	kv           KV
	logger       logging.Logger
	metrics      *monitoring.EngineMetrics
	readAttempts int
	readPause    time.Duration

	cleartexts    *Table[string]
	syncedStreams *Table[PersistedSyncedStream]
	miniblocks    *Table[PersistedMiniblock]
}

// Open opens the configured backend.
func Open(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if cfg.Path == "" {
		return nil, errors.New("store path is required")
	}

	var (
		kv  KV
		err error
	)
	switch cfg.Backend {
	case BackendPebble:
		kv, err = OpenPebble(cfg.Path)
	case BackendSQLite:
		if filepath.Ext(cfg.Path) == "" {
			cfg.Path += ".db"
		}
		kv, err = OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	cfg.Logger.WithFields(logging.Fields{
		"backend": cfg.Backend,
		"path":    cfg.Path,
	}).Info("Opened local store")
	return New(kv, cfg), nil
}

// New wraps an already open KV.
func New(kv KV, cfg Config) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		kv:            kv,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		readAttempts:  cfg.ReadAttempts,
		readPause:     cfg.ReadPause,
		cleartexts:    NewTable[string](kv, TableCleartexts),
		syncedStreams: NewTable[PersistedSyncedStream](kv, TableSyncedStreams),
		miniblocks:    NewTable[PersistedMiniblock](kv, TableMiniblocks),
	}
}

func (s *Store) Close() error { return s.kv.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.kv.Ping(ctx) }

// GetSyncedStream loads a stream envelope; ErrNotFound when never saved.
func (s *Store) GetSyncedStream(ctx context.Context, id streamid.ID) (*PersistedSyncedStream, error) {
	return readWithRetry(ctx, s, TableSyncedStreams, func() (*PersistedSyncedStream, error) {
		return s.syncedStreams.Get(ctx, streamKey(id))
	})
}

// GetMiniblock loads one miniblock.
func (s *Store) GetMiniblock(ctx context.Context, id streamid.ID, num int64) (*PersistedMiniblock, error) {
	return readWithRetry(ctx, s, TableMiniblocks, func() (*PersistedMiniblock, error) {
		return s.miniblocks.Get(ctx, miniblockKey(id, num))
	})
}

// GetMiniblocks loads [from, toInclusive]. Every number in the range must
// be present; a gap yields ErrNotFound.
func (s *Store) GetMiniblocks(ctx context.Context, id streamid.ID, from, toInclusive int64) ([]*PersistedMiniblock, error) {
	if from < 0 || toInclusive < from {
		return nil, fmt.Errorf("invalid miniblock range [%d, %d]", from, toInclusive)
	}
	entries, err := readWithRetry(ctx, s, TableMiniblocks, func() ([]Entry[PersistedMiniblock], error) {
		return s.miniblocks.Range(ctx, miniblockKey(id, from), miniblockKey(id, toInclusive+1))
	})
	if err != nil {
		return nil, err
	}
	out := make([]*PersistedMiniblock, 0, len(entries))
	for i, e := range entries {
		if want := from + int64(i); e.Value.Num != want {
			return nil, fmt.Errorf("stream %s miniblock %d: %w", id, want, ErrNotFound)
		}
		out = append(out, e.Value)
	}
	if int64(len(out)) != toInclusive-from+1 {
		return nil, fmt.Errorf("stream %s miniblock %d: %w", id, from+int64(len(out)), ErrNotFound)
	}
	return out, nil
}

// SaveMiniblocks writes miniblocks in one batch.
func (s *Store) SaveMiniblocks(ctx context.Context, id streamid.ID, mbs []*PersistedMiniblock) error {
	if len(mbs) == 0 {
		return nil
	}
	b := NewBatch()
	if err := s.stageMiniblocks(b, id, mbs); err != nil {
		return err
	}
	return s.kv.Apply(ctx, b)
}

func (s *Store) stageMiniblocks(b *Batch, id streamid.ID, mbs []*PersistedMiniblock) error {
	for _, mb := range mbs {
		if err := s.miniblocks.Stage(b, miniblockKey(id, mb.Num), mb); err != nil {
			return err
		}
	}
	return nil
}

// SaveStreamState writes the envelope and miniblocks atomically.
func (s *Store) SaveStreamState(ctx context.Context, rec *PersistedSyncedStream, mbs []*PersistedMiniblock) error {
	b := NewBatch()
	if err := s.stageMiniblocks(b, rec.StreamID, mbs); err != nil {
		return err
	}
	if err := s.syncedStreams.Stage(b, streamKey(rec.StreamID), rec); err != nil {
		return err
	}
	return s.kv.Apply(ctx, b)
}

// DeleteStream removes the envelope so the next start goes to the network.
// Miniblocks are kept for scrollback.
func (s *Store) DeleteStream(ctx context.Context, id streamid.ID) error {
	b := NewBatch()
	s.syncedStreams.StageDelete(b, streamKey(id))
	return s.kv.Apply(ctx, b)
}

// GetCleartext loads the decrypted text of an event.
func (s *Store) GetCleartext(ctx context.Context, eventID string) (string, error) {
	v, err := readWithRetry(ctx, s, TableCleartexts, func() (*string, error) {
		return s.cleartexts.Get(ctx, []byte(eventID))
	})
	if err != nil {
		return "", err
	}
	return *v, nil
}

// GetCleartexts loads the cleartexts that exist among eventIDs.
func (s *Store) GetCleartexts(ctx context.Context, eventIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(eventIDs))
	for _, id := range eventIDs {
		text, err := s.GetCleartext(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = text
	}
	return out, nil
}

// SaveCleartext stores the decrypted text of an event.
func (s *Store) SaveCleartext(ctx context.Context, eventID, text string) error {
	return s.cleartexts.Put(ctx, []byte(eventID), &text)
}

// SaveCleartexts stores several cleartexts in one batch.
func (s *Store) SaveCleartexts(ctx context.Context, texts map[string]string) error {
	if len(texts) == 0 {
		return nil
	}
	b := NewBatch()
	for id, text := range texts {
		if err := s.cleartexts.Stage(b, []byte(id), &text); err != nil {
			return err
		}
	}
	return s.kv.Apply(ctx, b)
}
