// Package rpctest runs in-memory nodes over bufconn for tests.
package rpctest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"streamsync/internal/protocol"
	"streamsync/internal/protocol/prototest"
	"streamsync/internal/rpc"
	"streamsync/pkg/streamid"
)

const bufSize = 1024 * 1024

// Node is a scriptable node backed by prototest chains.
type Node struct {
	mu       sync.Mutex
	chains   map[streamid.ID]*prototest.Chain
	failures map[string][]error
	calls    map[string]int
	metadata map[string][]metadata.MD
	syncs    map[string]*syncSession

	// RejectEvent, when set, can refuse an AddEvent.
	RejectEvent func(*protocol.AddEventRequest) error
	// BeforeGetStream runs before serving GetStream.
	BeforeGetStream func(ctx context.Context, req *protocol.GetStreamRequest)
	// BeforeGetMiniblocks runs before serving GetMiniblocks.
	BeforeGetMiniblocks func(ctx context.Context, req *protocol.GetMiniblocksRequest)
	// CloseAfterCancel controls whether CancelSync answers with CLOSE.
	// Defaults to true.
	CloseAfterCancel bool
}

type syncSession struct {
	id      string
	streams map[streamid.ID]bool
	out     chan *protocol.SyncStreamsResponse
	end     chan error
}

// NewNode creates an empty node.
func NewNode() *Node {
	return &Node{
		chains:           make(map[streamid.ID]*prototest.Chain),
		failures:         make(map[string][]error),
		calls:            make(map[string]int),
		metadata:         make(map[string][]metadata.MD),
		syncs:            make(map[string]*syncSession),
		CloseAfterCancel: true,
	}
}

// AddChain serves chain under its stream id.
func (n *Node) AddChain(c *prototest.Chain) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chains[c.StreamID] = c
}

// Chain returns the chain for id.
func (n *Node) Chain(id streamid.ID) *prototest.Chain {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.chains[id]
}

// FailNext queues errors returned by the next calls to method, one per call.
func (n *Node) FailNext(method string, errs ...error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[method] = append(n.failures[method], errs...)
}

// Calls counts calls to method.
func (n *Node) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

// Metadata returns the incoming metadata of every call to method.
func (n *Node) Metadata(method string) []metadata.MD {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]metadata.MD(nil), n.metadata[method]...)
}

// ActiveSyncs counts open SyncStreams sessions.
func (n *Node) ActiveSyncs() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.syncs)
}

func (n *Node) enter(ctx context.Context, method string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[method]++
	md, _ := metadata.FromIncomingContext(ctx)
	n.metadata[method] = append(n.metadata[method], md)
	if queue := n.failures[method]; len(queue) > 0 {
		n.failures[method] = queue[1:]
		return queue[0]
	}
	return nil
}

func (n *Node) chain(id streamid.ID) (*prototest.Chain, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.chains[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "stream %s not found", id)
	}
	return c, nil
}

func (n *Node) GetStream(ctx context.Context, req *protocol.GetStreamRequest) (*protocol.GetStreamResponse, error) {
	if err := n.enter(ctx, "GetStream"); err != nil {
		return nil, err
	}
	if n.BeforeGetStream != nil {
		n.BeforeGetStream(ctx, req)
	}
	c, err := n.chain(req.StreamID)
	if err != nil {
		return nil, err
	}
	return &protocol.GetStreamResponse{Stream: c.Stream()}, nil
}

func (n *Node) GetMiniblocks(ctx context.Context, req *protocol.GetMiniblocksRequest) (*protocol.GetMiniblocksResponse, error) {
	if err := n.enter(ctx, "GetMiniblocks"); err != nil {
		return nil, err
	}
	if n.BeforeGetMiniblocks != nil {
		n.BeforeGetMiniblocks(ctx, req)
	}
	c, err := n.chain(req.StreamID)
	if err != nil {
		return nil, err
	}
	return &protocol.GetMiniblocksResponse{
		Miniblocks: c.Miniblocks(req.FromInclusive, req.ToExclusive),
		Terminus:   req.FromInclusive <= 0,
	}, nil
}

func (n *Node) AddEvent(ctx context.Context, req *protocol.AddEventRequest) (*protocol.AddEventResponse, error) {
	if err := n.enter(ctx, "AddEvent"); err != nil {
		return nil, err
	}
	c, err := n.chain(req.StreamID)
	if err != nil {
		return nil, err
	}
	if _, err := protocol.ParseEnvelope(req.Event); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if n.RejectEvent != nil {
		if err := n.RejectEvent(req); err != nil {
			return nil, err
		}
	}
	c.Accept(req.Event)
	n.Push(req.StreamID, c.Delta(req.Event))
	return &protocol.AddEventResponse{}, nil
}

// Seal closes the stream's minipool and pushes the header to subscribers.
func (n *Node) Seal(id streamid.ID, withSnapshot bool) *protocol.Miniblock {
	c := n.Chain(id)
	mb := c.Seal(withSnapshot)
	n.Push(id, c.Delta(mb.Header))
	return mb
}

// Post accepts count messages and pushes them to subscribers.
func (n *Node) Post(id streamid.ID, count int) []*protocol.Envelope {
	c := n.Chain(id)
	envs := c.Post(count)
	n.Push(id, c.Delta(envs...))
	return envs
}

// Push delivers an UPDATE to every session following the stream.
func (n *Node) Push(id streamid.ID, delta *protocol.StreamAndCookie) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.syncs {
		if s.streams[id] {
			s.out <- &protocol.SyncStreamsResponse{SyncID: s.id, SyncOp: protocol.SyncOpUpdate, Stream: delta}
		}
	}
}

// PushReset delivers a full stream with SyncReset set.
func (n *Node) PushReset(id streamid.ID) {
	c := n.Chain(id)
	full := c.Stream()
	full.SyncReset = true
	n.Push(id, full)
}

// PushDown tells subscribers the stream's node went away.
func (n *Node) PushDown(id streamid.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.syncs {
		if s.streams[id] {
			sid := id
			s.out <- &protocol.SyncStreamsResponse{SyncID: s.id, SyncOp: protocol.SyncOpDown, StreamID: &sid}
		}
	}
}

// BreakSyncs ends every session with err, as a crashing node would.
func (n *Node) BreakSyncs(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, s := range n.syncs {
		s.end <- err
		delete(n.syncs, id)
	}
}

func (n *Node) SyncStreams(req *protocol.SyncStreamsRequest, stream rpc.SyncStreamsServer) error {
	if err := n.enter(stream.Context(), "SyncStreams"); err != nil {
		return err
	}
	s := &syncSession{
		id:      uuid.NewString(),
		streams: make(map[streamid.ID]bool),
		out:     make(chan *protocol.SyncStreamsResponse, 256),
		end:     make(chan error, 1),
	}
	for _, cookie := range req.SyncPos {
		s.streams[cookie.StreamID] = true
	}
	n.mu.Lock()
	n.syncs[s.id] = s
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.syncs, s.id)
		n.mu.Unlock()
	}()

	if err := stream.Send(&protocol.SyncStreamsResponse{SyncID: s.id, SyncOp: protocol.SyncOpNew}); err != nil {
		return err
	}
	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case err := <-s.end:
			return err
		case msg := <-s.out:
			if err := stream.Send(msg); err != nil {
				return err
			}
			if msg.SyncOp == protocol.SyncOpClose {
				return nil
			}
		}
	}
}

func (n *Node) session(id string) (*syncSession, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.syncs[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "sync %s not found", id)
	}
	return s, nil
}

func (n *Node) CancelSync(ctx context.Context, req *protocol.CancelSyncRequest) (*protocol.CancelSyncResponse, error) {
	if err := n.enter(ctx, "CancelSync"); err != nil {
		return nil, err
	}
	s, err := n.session(req.SyncID)
	if err != nil {
		return nil, err
	}
	if n.CloseAfterCancel {
		s.out <- &protocol.SyncStreamsResponse{SyncID: s.id, SyncOp: protocol.SyncOpClose}
	}
	return &protocol.CancelSyncResponse{}, nil
}

func (n *Node) AddStreamToSync(ctx context.Context, req *protocol.AddStreamToSyncRequest) (*protocol.AddStreamToSyncResponse, error) {
	if err := n.enter(ctx, "AddStreamToSync"); err != nil {
		return nil, err
	}
	s, err := n.session(req.SyncID)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	s.streams[req.SyncPos.StreamID] = true
	n.mu.Unlock()
	return &protocol.AddStreamToSyncResponse{}, nil
}

func (n *Node) RemoveStreamFromSync(ctx context.Context, req *protocol.RemoveStreamFromSyncRequest) (*protocol.RemoveStreamFromSyncResponse, error) {
	if err := n.enter(ctx, "RemoveStreamFromSync"); err != nil {
		return nil, err
	}
	s, err := n.session(req.SyncID)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	delete(s.streams, req.StreamID)
	n.mu.Unlock()
	return &protocol.RemoveStreamFromSyncResponse{}, nil
}

func (n *Node) Info(ctx context.Context, _ *protocol.InfoRequest) (*protocol.InfoResponse, error) {
	if err := n.enter(ctx, "Info"); err != nil {
		return nil, err
	}
	return &protocol.InfoResponse{Graffiti: "rpctest", Version: "test"}, nil
}

// Network serves nodes on in-memory listeners keyed by name. Dial them
// with Address(name) and DialOptions.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
}

// Address is the dial target for a named node.
func Address(name string) string {
	return "passthrough:///" + name
}

// Serve starts every node and stops them when the test ends.
func Serve(t testing.TB, nodes map[string]rpc.NodeServer) *Network {
	t.Helper()
	network := &Network{listeners: make(map[string]*bufconn.Listener)}
	for name, node := range nodes {
		lis := bufconn.Listen(bufSize)
		server := grpc.NewServer()
		rpc.RegisterNodeService(server, node)
		go func() {
			_ = server.Serve(lis)
		}()
		network.listeners[name] = lis
		t.Cleanup(func() {
			server.Stop()
			_ = lis.Close()
		})
	}
	return network
}

// DialOptions route passthrough targets to the matching listener.
func (n *Network) DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			n.mu.Lock()
			lis, ok := n.listeners[addr]
			n.mu.Unlock()
			if !ok {
				return nil, fmt.Errorf("no node at %s", addr)
			}
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}
