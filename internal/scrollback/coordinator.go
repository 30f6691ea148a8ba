// Package scrollback pages older history into loaded streams. At most one
// fetch per stream is in flight; concurrent callers share its result.
package scrollback

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"streamsync/internal/protocol"
	"streamsync/internal/stream"
	"streamsync/pkg/logging"
	"streamsync/pkg/monitoring"
	"streamsync/pkg/streamid"
)

// DefaultMaxIterations bounds ScrollbackToDate.
const DefaultMaxIterations = 20

// Stream is the loaded stream scrollback extends.
type Stream interface {
	StreamID() streamid.ID
	Boundary() stream.Boundary
	MiniblockInfo() stream.MiniblockInfo
	OldestEventTime() (time.Time, bool)
	PrependMiniblocks(ctx context.Context, mbs []*protocol.ParsedMiniblock, terminus bool, expected stream.Boundary) (*stream.PrependResult, error)
}

// Fetcher reads miniblocks from a node.
type Fetcher interface {
	GetMiniblocks(ctx context.Context, id streamid.ID, from, to int64) (*protocol.GetMiniblocksResponse, error)
}

// Config for a Coordinator. Cache is optional.
type Config struct {
	Fetcher       Fetcher
	Cache         MiniblockCache
	MaxSpan       int64
	MaxIterations int
	Logger        logging.Logger
	Metrics       *monitoring.EngineMetrics
}

// Result of one scrollback.
type Result struct {
	FromInclusive int64
	ToExclusive   int64
	Miniblocks    []*protocol.ParsedMiniblock
	Terminus      bool
	// Discarded is set when the stream moved while the fetch was in flight
	// and the batch was dropped.
	Discarded bool
	// Source is "cache", "network" or "" when nothing was fetched.
	Source string
}

// Coordinator deduplicates scrollback per stream id.
type Coordinator struct {
	fetcher       Fetcher
	cache         MiniblockCache
	maxSpan       int64
	maxIterations int
	logger        logging.Logger
	metrics       *monitoring.EngineMetrics

	inflight singleflight.Group
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.MaxSpan <= 0 {
		cfg.MaxSpan = DefaultMaxSpan
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Coordinator{
		fetcher:       cfg.Fetcher,
		cache:         cfg.Cache,
		maxSpan:       cfg.MaxSpan,
		maxIterations: cfg.MaxIterations,
		logger:        logging.OrDiscard(cfg.Logger),
		metrics:       cfg.Metrics,
	}
}

// Scrollback fetches the next older window for s and prepends it. A second
// caller for the same stream while a fetch is in flight receives the same
// *Result. The shared fetch outlives a cancelled caller; that caller returns
// its ctx error without waiting.
func (c *Coordinator) Scrollback(ctx context.Context, s Stream) (*Result, error) {
	shared := context.WithoutCancel(ctx)
	ch := c.inflight.DoChan(s.StreamID().String(), func() (any, error) {
		return c.scrollback(shared, s)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Result), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) scrollback(ctx context.Context, s Stream) (*Result, error) {
	expected := s.Boundary()
	info := s.MiniblockInfo()
	if info.Terminus || info.Min <= 0 {
		return &Result{FromInclusive: info.Min, ToExclusive: info.Min, Terminus: true}, nil
	}
	from, to := Window(info, c.maxSpan)
	log := c.logger.WithFields(logging.Fields{
		"stream_id": s.StreamID().String(),
		"from":      from,
		"to":        to,
	})

	res := &Result{FromInclusive: from, ToExclusive: to}
	mbs, err := c.fromCache(ctx, s.StreamID(), from, to)
	if err == nil {
		res.Source = "cache"
		res.Terminus = from == 0
	} else {
		res.Source = "network"
		mbs, res.Terminus, err = c.fromNetwork(ctx, s.StreamID(), from, to)
		if err != nil {
			c.metrics.ScrollbackFetch(res.Source, "error")
			return nil, err
		}
	}
	if len(mbs) > 0 {
		res.FromInclusive = mbs[0].Num()
	}

	prepended, err := s.PrependMiniblocks(ctx, mbs, res.Terminus, expected)
	if errors.Is(err, protocol.ErrStaleRace) {
		c.metrics.ScrollbackFetch(res.Source, "stale")
		log.WithError(err).Debug("Discarding stale scrollback")
		res.Discarded = true
		res.Miniblocks = nil
		return res, nil
	}
	if err != nil {
		c.metrics.ScrollbackFetch(res.Source, "error")
		return nil, err
	}
	c.metrics.ScrollbackFetch(res.Source, "ok")
	res.Miniblocks = mbs
	res.Terminus = prepended.Terminus
	log.WithFields(logging.Fields{
		"source":   res.Source,
		"count":    len(mbs),
		"terminus": res.Terminus,
	}).Debug("Scrollback applied")
	return res, nil
}

func (c *Coordinator) fromCache(ctx context.Context, id streamid.ID, from, to int64) ([]*protocol.ParsedMiniblock, error) {
	if c.cache == nil {
		return nil, errNoCache
	}
	stored, err := c.cache.GetMiniblocks(ctx, id, from, to-1)
	if err != nil {
		return nil, err
	}
	out := make([]*protocol.ParsedMiniblock, 0, len(stored))
	for _, mb := range stored {
		parsed, err := mb.Parse()
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, nil
}

var errNoCache = errors.New("no miniblock cache")

// fromNetwork fetches [from, to). A node may return a shorter suffix of the
// range; it must still end at to-1.
func (c *Coordinator) fromNetwork(ctx context.Context, id streamid.ID, from, to int64) ([]*protocol.ParsedMiniblock, bool, error) {
	resp, err := c.fetcher.GetMiniblocks(ctx, id, from, to)
	if err != nil {
		return nil, false, err
	}
	mbs, err := protocol.ParseMiniblocks(resp.Miniblocks)
	if err != nil {
		return nil, false, err
	}
	if len(mbs) == 0 {
		if resp.Terminus {
			return nil, true, nil
		}
		return nil, false, protocol.ProtocolViolationf("stream %s: node returned no miniblocks for [%d, %d)", id, from, to)
	}
	first, last := mbs[0], mbs[len(mbs)-1]
	if first.Num() < from || last.Num() != to-1 {
		return nil, false, protocol.ProtocolViolationf("stream %s: asked for [%d, %d), node returned [%d, %d]",
			id, from, to, first.Num(), last.Num())
	}
	return mbs, resp.Terminus || first.Num() == 0, nil
}

// ScrollbackToDate pages back until the oldest loaded event is older than
// target, the stream's creation is reached, or the iteration bound is hit.
// It returns the last Result, or nil when nothing needed fetching.
func (c *Coordinator) ScrollbackToDate(ctx context.Context, s Stream, target time.Time) (*Result, error) {
	var last *Result
	for i := 0; i < c.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		if oldest, ok := s.OldestEventTime(); ok && oldest.Before(target) {
			break
		}
		if info := s.MiniblockInfo(); info.Terminus {
			break
		}
		res, err := c.Scrollback(ctx, s)
		if err != nil {
			return last, err
		}
		last = res
		if res.Terminus {
			break
		}
	}
	return last, nil
}
