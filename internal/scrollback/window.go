package scrollback

import (
	"context"

	"streamsync/internal/protocol"
	"streamsync/internal/storage"
	"streamsync/internal/stream"
	"streamsync/pkg/streamid"
)

// GrowthFactor multiplies the loaded span to size the next fetch.
const GrowthFactor = 4

// DefaultMaxSpan caps a single fetch.
const DefaultMaxSpan = 100

// Window returns the next range to fetch, [from, toExclusive), below the
// loaded range. toExclusive == 0 means there is nothing older.
func Window(info stream.MiniblockInfo, maxSpan int64) (from, toExclusive int64) {
	if maxSpan <= 0 {
		maxSpan = DefaultMaxSpan
	}
	toExclusive = info.Min
	span := (info.Max - info.Min + 1) * GrowthFactor
	if span > maxSpan {
		span = maxSpan
	}
	if span < 1 {
		span = 1
	}
	from = toExclusive - span
	if from < 0 {
		from = 0
	}
	return from, toExclusive
}

// MiniblockCache is the part of the local store scrollback reads and fills.
type MiniblockCache interface {
	GetMiniblocks(ctx context.Context, id streamid.ID, from, toInclusive int64) ([]*storage.PersistedMiniblock, error)
	SaveMiniblocks(ctx context.Context, id streamid.ID, mbs []*storage.PersistedMiniblock) error
}

// loadRange reads [from, toExclusive) from the cache and verifies it links
// onto oldest. Any gap or inconsistency is reported as an error.
func loadRange(ctx context.Context, cache MiniblockCache, id streamid.ID, from, toExclusive int64, oldest *protocol.ParsedMiniblock) ([]*protocol.ParsedMiniblock, error) {
	stored, err := cache.GetMiniblocks(ctx, id, from, toExclusive-1)
	if err != nil {
		return nil, err
	}
	out := make([]*protocol.ParsedMiniblock, 0, len(stored)+1)
	for _, mb := range stored {
		parsed, err := mb.Parse()
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	if err := stream.CheckChain(append(out, oldest)...); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadCached walks backwards from oldest for up to batches windows using
// only cached miniblocks, stopping at the first window the cache cannot
// fully serve. The result is ascending and ends right before oldest.
func LoadCached(ctx context.Context, cache MiniblockCache, id streamid.ID, oldest *protocol.ParsedMiniblock, maxNum int64, batches int, maxSpan int64) []*protocol.ParsedMiniblock {
	var out []*protocol.ParsedMiniblock
	info := stream.MiniblockInfo{Min: oldest.Num(), Max: maxNum}
	for i := 0; i < batches; i++ {
		from, to := Window(info, maxSpan)
		if to == 0 {
			break
		}
		mbs, err := loadRange(ctx, cache, id, from, to, oldest)
		if err != nil {
			break
		}
		out = append(mbs, out...)
		oldest = mbs[0]
		info.Min = from
	}
	return out
}
