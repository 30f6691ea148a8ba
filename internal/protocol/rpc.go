package protocol

import (
	"fmt"

	"streamsync/pkg/streamid"
)

// SyncCookie is the server-issued resume position for one stream.
type SyncCookie struct {
	NodeAddress       string      `json:"node_address,omitempty"`
	StreamID          streamid.ID `json:"stream_id"`
	MinipoolGen       int64       `json:"minipool_gen"`
	MinipoolSlot      int64       `json:"minipool_slot"`
	PrevMiniblockHash Hash        `json:"prev_miniblock_hash"`
}

// StreamAndCookie is a full stream state or a delta.
type StreamAndCookie struct {
	Events         []*Envelope  `json:"events,omitempty"`
	NextSyncCookie *SyncCookie  `json:"next_sync_cookie"`
	Miniblocks     []*Miniblock `json:"miniblocks,omitempty"`
	SyncReset      bool         `json:"sync_reset,omitempty"`
}

// UnpackedStream is a verified full stream response.
type UnpackedStream struct {
	StreamID                 streamid.ID
	Cookie                   *SyncCookie
	Miniblocks               []*ParsedMiniblock
	MinipoolEvents           []*ParsedEvent
	Snapshot                 *Snapshot
	PrevSnapshotMiniblockNum int64
}

// UnpackStream verifies a full stream response. The first miniblock must
// carry the snapshot the rest of the range replays from.
func UnpackStream(sc *StreamAndCookie) (*UnpackedStream, error) {
	if sc == nil || sc.NextSyncCookie == nil {
		return nil, ProtocolViolationf("stream response without sync cookie")
	}
	if len(sc.Miniblocks) == 0 {
		return nil, ProtocolViolationf("stream %s response without miniblocks", sc.NextSyncCookie.StreamID)
	}
	miniblocks, err := ParseMiniblocks(sc.Miniblocks)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", sc.NextSyncCookie.StreamID, err)
	}
	first := miniblocks[0]
	if first.Header.Snapshot == nil {
		return nil, ProtocolViolationf("stream %s: first miniblock %d has no snapshot", sc.NextSyncCookie.StreamID, first.Num())
	}
	minipool, err := ParseEnvelopes(sc.Events)
	if err != nil {
		return nil, fmt.Errorf("stream %s minipool: %w", sc.NextSyncCookie.StreamID, err)
	}
	return &UnpackedStream{
		StreamID:                 sc.NextSyncCookie.StreamID,
		Cookie:                   sc.NextSyncCookie,
		Miniblocks:               miniblocks,
		MinipoolEvents:           minipool,
		Snapshot:                 first.Header.Snapshot,
		PrevSnapshotMiniblockNum: first.Num(),
	}, nil
}

// SyncOp is the operation carried by one SyncStreams response.
type SyncOp string

const (
	SyncOpUnspecified SyncOp = ""
	SyncOpNew         SyncOp = "new"
	SyncOpUpdate      SyncOp = "update"
	SyncOpClose       SyncOp = "close"
	SyncOpDown        SyncOp = "down"
)

type GetStreamRequest struct {
	StreamID streamid.ID `json:"stream_id"`
	Optional bool        `json:"optional,omitempty"`
}

type GetStreamResponse struct {
	Stream *StreamAndCookie `json:"stream,omitempty"`
}

type GetMiniblocksRequest struct {
	StreamID      streamid.ID `json:"stream_id"`
	FromInclusive int64       `json:"from_inclusive"`
	ToExclusive   int64       `json:"to_exclusive"`
}

type GetMiniblocksResponse struct {
	Miniblocks []*Miniblock `json:"miniblocks"`
	Terminus   bool         `json:"terminus"`
}

type AddEventRequest struct {
	StreamID streamid.ID `json:"stream_id"`
	Event    *Envelope   `json:"event"`
}

type AddEventResponse struct{}

type SyncStreamsRequest struct {
	SyncPos []*SyncCookie `json:"sync_pos"`
}

type SyncStreamsResponse struct {
	SyncID   string           `json:"sync_id"`
	SyncOp   SyncOp           `json:"sync_op"`
	Stream   *StreamAndCookie `json:"stream,omitempty"`
	StreamID *streamid.ID     `json:"stream_id,omitempty"`
}

type CancelSyncRequest struct {
	SyncID string `json:"sync_id"`
}

type CancelSyncResponse struct{}

type AddStreamToSyncRequest struct {
	SyncID  string      `json:"sync_id"`
	SyncPos *SyncCookie `json:"sync_pos"`
}

type AddStreamToSyncResponse struct{}

type RemoveStreamFromSyncRequest struct {
	SyncID   string      `json:"sync_id"`
	StreamID streamid.ID `json:"stream_id"`
}

type RemoveStreamFromSyncResponse struct{}

type InfoRequest struct{}

type InfoResponse struct {
	Graffiti  string `json:"graffiti"`
	Version   string `json:"version"`
	StartTime int64  `json:"start_time_ms"`
}
