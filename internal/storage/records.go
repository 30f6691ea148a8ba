package storage

import (
	"encoding/binary"

	"streamsync/internal/protocol"
	"streamsync/pkg/streamid"
)

// Table names.
const (
	TableCleartexts    = "cleartexts"
	TableSyncedStreams = "syncedStreams"
	TableMiniblocks    = "miniblocks"
)

// PersistedSyncedStream is the per-stream envelope used to warm start.
type PersistedSyncedStream struct {
	StreamID                 streamid.ID          `json:"stream_id"`
	SyncCookie               *protocol.SyncCookie `json:"sync_cookie"`
	LastSnapshotMiniblockNum int64                `json:"last_snapshot_miniblock_num"`
	LastMiniblockNum         int64                `json:"last_miniblock_num"`
	MinipoolEvents           []*protocol.Envelope `json:"minipool_events,omitempty"`
}

// PersistedMiniblock is one confirmed miniblock.
type PersistedMiniblock struct {
	Hash   protocol.Hash        `json:"hash"`
	Num    int64                `json:"num"`
	Header *protocol.Envelope   `json:"header"`
	Events []*protocol.Envelope `json:"events"`
}

// PersistMiniblock converts a verified miniblock to its stored form.
func PersistMiniblock(mb *protocol.ParsedMiniblock) *PersistedMiniblock {
	wire := mb.Miniblock()
	return &PersistedMiniblock{
		Hash:   mb.Hash,
		Num:    mb.Num(),
		Header: wire.Header,
		Events: wire.Events,
	}
}

// Parse re-verifies a stored miniblock and checks it matches its key.
func (m *PersistedMiniblock) Parse() (*protocol.ParsedMiniblock, error) {
	parsed, err := protocol.ParseMiniblock(&protocol.Miniblock{Events: m.Events, Header: m.Header})
	if err != nil {
		return nil, err
	}
	if parsed.Num() != m.Num || parsed.Hash != m.Hash {
		return nil, protocol.ProtocolViolationf("stored miniblock %d does not match its header %d", m.Num, parsed.Num())
	}
	return parsed, nil
}

// miniblockKey orders a stream's miniblocks by number.
func miniblockKey(id streamid.ID, num int64) []byte {
	key := make([]byte, streamid.ByteLength+8)
	copy(key, id[:])
	binary.BigEndian.PutUint64(key[streamid.ByteLength:], uint64(num))
	return key
}

func streamKey(id streamid.ID) []byte {
	return id.Bytes()
}
