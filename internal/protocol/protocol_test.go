package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"

	"streamsync/internal/protocol"
	"streamsync/internal/protocol/prototest"
	"streamsync/pkg/streamid"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalletSignRecover(t *testing.T) {
	w, err := protocol.NewWallet()
	require.NoError(t, err)

	hash := protocol.Keccak256([]byte("hello"))
	sig := w.Sign(hash)
	require.Len(t, sig, protocol.SignatureLength)

	addr, err := protocol.RecoverAddress(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), addr)

	other := protocol.Keccak256([]byte("other"))
	addr, err = protocol.RecoverAddress(other, sig)
	if err == nil {
		assert.NotEqual(t, w.Address(), addr)
	}
}

func TestWalletFromHex(t *testing.T) {
	// well-known hardhat account #0
	w, err := protocol.WalletFromHex("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	assert.Equal(t, "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", w.Address())

	_, err = protocol.WalletFromHex("abcd")
	assert.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	w, err := protocol.NewWallet()
	require.NoError(t, err)
	prev := protocol.Keccak256([]byte("prev"))

	env, err := protocol.MakeEnvelope(w, &protocol.MessagePayload{
		ContentKind: "text",
		Data:        &protocol.EncryptedData{Algorithm: "x", Ciphertext: []byte("ct")},
	}, prev)
	require.NoError(t, err)

	parsed, err := protocol.ParseEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), parsed.Creator)
	assert.Equal(t, env.Hash.String(), parsed.HashStr)
	require.NotNil(t, parsed.Event.PrevMiniblockHash)
	assert.Equal(t, prev, *parsed.Event.PrevMiniblockHash)

	msg, ok := parsed.Event.Payload.(*protocol.MessagePayload)
	require.True(t, ok)
	assert.Equal(t, "text", msg.ContentKind)
	assert.Equal(t, []byte("ct"), msg.Data.Ciphertext)
}

func TestParseEnvelopeRejectsTampering(t *testing.T) {
	w, err := protocol.NewWallet()
	require.NoError(t, err)
	env, err := protocol.MakeEnvelope(w, &protocol.MembershipPayload{Op: protocol.MembershipJoin, User: w.Address()}, protocol.ZeroHash)
	require.NoError(t, err)

	t.Run("body", func(t *testing.T) {
		bad := *env
		bad.Event = append([]byte(nil), env.Event...)
		bad.Event[len(bad.Event)-2] ^= 0x01
		_, err := protocol.ParseEnvelope(&bad)
		assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
	})

	t.Run("signer", func(t *testing.T) {
		impostor, err := protocol.NewWallet()
		require.NoError(t, err)
		bad := *env
		bad.Signature = impostor.Sign(env.Hash)
		_, err = protocol.ParseEnvelope(&bad)
		assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
	})

	t.Run("nil", func(t *testing.T) {
		_, err := protocol.ParseEnvelope(nil)
		assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
	})
}

func TestUnknownPayloadIsCarried(t *testing.T) {
	w, err := protocol.NewWallet()
	require.NoError(t, err)
	body := []byte(`{"creator_address":"` + w.Address() + `","created_at_epoch_ms":1,"payload":{"kind":"nft_badge","value":{"x":1}}}`)
	hash := protocol.Keccak256(body)
	env := &protocol.Envelope{Hash: hash, Signature: w.Sign(hash), Event: body}

	parsed, err := protocol.ParseEnvelope(env)
	require.NoError(t, err)
	unknown, ok := parsed.Event.Payload.(*protocol.UnknownPayload)
	require.True(t, ok)
	assert.Equal(t, protocol.PayloadKind("nft_badge"), unknown.Kind())
	assert.JSONEq(t, `{"x":1}`, string(unknown.Raw))

	// re-encoding keeps the raw variant
	again, err := json.Marshal(parsed.Event)
	require.NoError(t, err)
	assert.Contains(t, string(again), `"nft_badge"`)
}

func TestParseMiniblock(t *testing.T) {
	chain := prototest.NewChain(t, prototest.RandomStreamID(t))
	chain.Post(3)
	mb := chain.Seal(false)

	parsed, err := protocol.ParseMiniblock(mb)
	require.NoError(t, err)
	assert.Equal(t, int64(1), parsed.Num())
	assert.Len(t, parsed.Events, 3)
	assert.Equal(t, mb.Header.Hash, parsed.Hash)
	assert.Equal(t, int64(0), parsed.Header.SnapshotMiniblockNum())

	t.Run("missing event", func(t *testing.T) {
		bad := &protocol.Miniblock{Events: mb.Events[:2], Header: mb.Header}
		_, err := protocol.ParseMiniblock(bad)
		assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
	})

	t.Run("reordered events", func(t *testing.T) {
		bad := &protocol.Miniblock{
			Events: []*protocol.Envelope{mb.Events[1], mb.Events[0], mb.Events[2]},
			Header: mb.Header,
		}
		_, err := protocol.ParseMiniblock(bad)
		assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
	})

	t.Run("non header", func(t *testing.T) {
		bad := &protocol.Miniblock{Header: mb.Events[0]}
		_, err := protocol.ParseMiniblock(bad)
		assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
	})
}

func TestParseMiniblocksContiguous(t *testing.T) {
	chain := prototest.NewChain(t, prototest.RandomStreamID(t))
	chain.Post(1)
	chain.Seal(false)
	chain.Post(1)
	chain.Seal(false)

	_, err := protocol.ParseMiniblocks(chain.Miniblocks(0, 3))
	require.NoError(t, err)

	gap := []*protocol.Miniblock{chain.Miniblock(0), chain.Miniblock(2)}
	_, err = protocol.ParseMiniblocks(gap)
	assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
}

func TestUnpackStream(t *testing.T) {
	chain := prototest.NewChain(t, prototest.RandomStreamID(t))
	chain.Post(2)
	chain.Seal(false)
	chain.Post(2)
	chain.Seal(true)
	chain.Post(1)
	chain.Seal(false)
	chain.Post(2)

	u, err := protocol.UnpackStream(chain.Stream())
	require.NoError(t, err)
	assert.Equal(t, chain.StreamID, u.StreamID)
	assert.Equal(t, int64(2), u.PrevSnapshotMiniblockNum)
	assert.Len(t, u.Miniblocks, 2)
	assert.Len(t, u.MinipoolEvents, 2)
	require.NotNil(t, u.Snapshot)

	noSnapshot := chain.Stream()
	noSnapshot.Miniblocks = noSnapshot.Miniblocks[1:]
	_, err = protocol.UnpackStream(noSnapshot)
	assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
}

func TestRejectedError(t *testing.T) {
	cause := errors.New("duplicate event")
	err := error(&protocol.RejectedError{Message: "dup", Cause: cause})
	assert.True(t, protocol.IsRejected(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, protocol.IsRejected(protocol.ErrTransientTransport))
}

func TestWireJSON(t *testing.T) {
	id, err := streamid.Encode(streamid.Channel, "ab")
	require.NoError(t, err)
	cookie := &protocol.SyncCookie{StreamID: id, MinipoolGen: 4, MinipoolSlot: 1}
	data, err := json.Marshal(protocol.SyncStreamsRequest{SyncPos: []*protocol.SyncCookie{cookie}})
	require.NoError(t, err)
	assert.Contains(t, string(data), id.String())

	var back protocol.SyncStreamsRequest
	require.NoError(t, json.Unmarshal(data, &back))
	require.Len(t, back.SyncPos, 1)
	assert.Equal(t, *cookie, *back.SyncPos[0])
}
