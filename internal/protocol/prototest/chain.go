// Package prototest builds signed, internally consistent streams for tests.
package prototest

import (
	"sync"
	"testing"
	"time"

	"streamsync/internal/protocol"
	"streamsync/pkg/streamid"
)

// Chain is an in-memory stream as a node would sequence it: a list of
// sealed miniblocks plus a minipool of accepted events.
type Chain struct {
	t        testing.TB
	Wallet   *protocol.Wallet
	StreamID streamid.ID

	mu         sync.Mutex
	miniblocks []*protocol.Miniblock
	parsed     []*protocol.ParsedMiniblock
	minipool   []*protocol.Envelope
	members    []string
	gen        int64
	eventCount int64
}

// NewChain creates a stream whose genesis miniblock carries the inception
// event and a snapshot.
func NewChain(t testing.TB, id streamid.ID) *Chain {
	t.Helper()
	w, err := protocol.NewWallet()
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	c := &Chain{t: t, Wallet: w, StreamID: id, members: []string{w.Address()}}
	inception := c.sign(&protocol.InceptionPayload{StreamID: id}, protocol.ZeroHash)
	c.minipool = append(c.minipool, inception)
	c.Seal(true)
	return c
}

// RandomStreamID returns a fresh channel stream id.
func RandomStreamID(t testing.TB) streamid.ID {
	t.Helper()
	id, err := streamid.MakeUniqueID(streamid.Channel)
	if err != nil {
		t.Fatalf("stream id: %v", err)
	}
	return id
}

func (c *Chain) sign(p protocol.Payload, prev protocol.Hash) *protocol.Envelope {
	c.t.Helper()
	env, err := protocol.MakeEnvelope(c.Wallet, p, prev)
	if err != nil {
		c.t.Fatalf("make envelope: %v", err)
	}
	return env
}

// NewEvent signs a payload against the current last miniblock without
// adding it to the minipool.
func (c *Chain) NewEvent(p protocol.Payload) *protocol.Envelope {
	c.mu.Lock()
	prev := c.lastHashLocked()
	c.mu.Unlock()
	return c.sign(p, prev)
}

// Message signs an opaque message event.
func (c *Chain) Message(text string) *protocol.Envelope {
	return c.NewEvent(&protocol.MessagePayload{
		ContentKind: "text",
		Data:        &protocol.EncryptedData{Algorithm: "none", Ciphertext: []byte(text)},
	})
}

// Accept adds events to the minipool and returns them.
func (c *Chain) Accept(envs ...*protocol.Envelope) []*protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minipool = append(c.minipool, envs...)
	c.gen++
	return envs
}

// Post signs n messages and accepts them.
func (c *Chain) Post(n int) []*protocol.Envelope {
	out := make([]*protocol.Envelope, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, c.Message("message"))
	}
	return c.Accept(out...)
}

// Seal closes the minipool into a miniblock and returns it.
func (c *Chain) Seal(withSnapshot bool) *protocol.Miniblock {
	c.t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	events := c.minipool
	c.minipool = nil
	c.gen++
	hashes := make([]protocol.Hash, len(events))
	for i, e := range events {
		hashes[i] = e.Hash
	}
	c.eventCount += int64(len(events))

	num := int64(len(c.miniblocks))
	header := &protocol.MiniblockHeader{
		MiniblockNum:      num,
		PrevMiniblockHash: c.lastHashLocked(),
		EventHashes:       hashes,
		EventNumOffset:    c.eventCount - int64(len(events)),
		TimestampMs:       time.Now().UnixMilli(),
	}
	if n := len(c.parsed); n > 0 {
		header.PrevSnapshotMiniblockNum = c.parsed[n-1].Header.SnapshotMiniblockNum()
	}
	if withSnapshot {
		header.Snapshot = &protocol.Snapshot{
			Inception:  &protocol.InceptionPayload{StreamID: c.StreamID},
			Members:    append([]string(nil), c.members...),
			EventCount: c.eventCount,
		}
	}
	mb := &protocol.Miniblock{Events: events, Header: c.sign(header, header.PrevMiniblockHash)}
	parsed, err := protocol.ParseMiniblock(mb)
	if err != nil {
		c.t.Fatalf("seal miniblock %d: %v", num, err)
	}
	c.miniblocks = append(c.miniblocks, mb)
	c.parsed = append(c.parsed, parsed)
	return mb
}

func (c *Chain) lastHashLocked() protocol.Hash {
	if len(c.miniblocks) == 0 {
		return protocol.ZeroHash
	}
	return c.miniblocks[len(c.miniblocks)-1].Header.Hash
}

// LastHash is the hash of the newest miniblock.
func (c *Chain) LastHash() protocol.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHashLocked()
}

// Len is the number of sealed miniblocks.
func (c *Chain) Len() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.miniblocks))
}

// Miniblock returns a sealed miniblock.
func (c *Chain) Miniblock(num int64) *protocol.Miniblock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.miniblocks[num]
}

// Miniblocks returns sealed miniblocks in [from, to), clamped to the chain.
func (c *Chain) Miniblocks(from, to int64) []*protocol.Miniblock {
	c.mu.Lock()
	defer c.mu.Unlock()
	if from < 0 {
		from = 0
	}
	if to > int64(len(c.miniblocks)) {
		to = int64(len(c.miniblocks))
	}
	if from >= to {
		return nil
	}
	return append([]*protocol.Miniblock(nil), c.miniblocks[from:to]...)
}

// Parsed returns sealed miniblocks in [from, to) parsed.
func (c *Chain) Parsed(from, to int64) []*protocol.ParsedMiniblock {
	c.mu.Lock()
	defer c.mu.Unlock()
	if from < 0 {
		from = 0
	}
	if to > int64(len(c.parsed)) {
		to = int64(len(c.parsed))
	}
	if from >= to {
		return nil
	}
	return append([]*protocol.ParsedMiniblock(nil), c.parsed[from:to]...)
}

// Cookie is the current sync position.
func (c *Chain) Cookie() *protocol.SyncCookie {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &protocol.SyncCookie{
		NodeAddress:       "test-node",
		StreamID:          c.StreamID,
		MinipoolGen:       int64(len(c.miniblocks)),
		MinipoolSlot:      c.gen,
		PrevMiniblockHash: c.lastHashLocked(),
	}
}

// LatestSnapshotNum is the newest miniblock carrying a snapshot.
func (c *Chain) LatestSnapshotNum() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parsed[len(c.parsed)-1].Header.SnapshotMiniblockNum()
}

// Stream returns the full state a node serves from GetStream: miniblocks
// from the latest snapshot on plus the minipool.
func (c *Chain) Stream() *protocol.StreamAndCookie {
	from := c.LatestSnapshotNum()
	c.mu.Lock()
	minipool := append([]*protocol.Envelope(nil), c.minipool...)
	c.mu.Unlock()
	return &protocol.StreamAndCookie{
		Events:         minipool,
		NextSyncCookie: c.Cookie(),
		Miniblocks:     c.Miniblocks(from, c.Len()),
	}
}

// Unpacked is Stream parsed.
func (c *Chain) Unpacked() *protocol.UnpackedStream {
	c.t.Helper()
	u, err := protocol.UnpackStream(c.Stream())
	if err != nil {
		c.t.Fatalf("unpack: %v", err)
	}
	return u
}

// Delta is a sync update carrying the given events and optional sealed
// miniblock header, with the current cookie.
func (c *Chain) Delta(events ...*protocol.Envelope) *protocol.StreamAndCookie {
	return &protocol.StreamAndCookie{Events: events, NextSyncCookie: c.Cookie()}
}

// Parse parses an envelope or fails the test.
func Parse(t testing.TB, env *protocol.Envelope) *protocol.ParsedEvent {
	t.Helper()
	p, err := protocol.ParseEnvelope(env)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return p
}

// ParseAll parses envelopes or fails the test.
func ParseAll(t testing.TB, envs ...*protocol.Envelope) []*protocol.ParsedEvent {
	t.Helper()
	out := make([]*protocol.ParsedEvent, len(envs))
	for i, e := range envs {
		out[i] = Parse(t, e)
	}
	return out
}
