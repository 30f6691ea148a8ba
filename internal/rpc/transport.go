// Package rpc is the node RPC transport: bounded retries for unary calls,
// failover to a refreshed node address, and the SyncStreams stream.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"streamsync/internal/protocol"
	"streamsync/pkg/clients"
	"streamsync/pkg/ctxkeys"
	"streamsync/pkg/logging"
	"streamsync/pkg/monitoring"
	"streamsync/pkg/streamid"
)

// Config configures a Transport.
type Config struct {
	NodeURL string

	// RefreshNodeURL resolves a (possibly different) node address after the
	// bound one failed FailoverThreshold times in a row. Optional.
	RefreshNodeURL func(ctx context.Context) (string, error)

	MaxAttempts       int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	CallTimeout       time.Duration
	FailoverThreshold int

	// CircuitBreaker enables a breaker shared by every call. Optional.
	CircuitBreaker *clients.CircuitBreakerConfig

	// ClientID is the logical client identity; generated when empty.
	ClientID string

	MaxIdleConn time.Duration
	DialOptions []grpc.DialOption

	Logger  logging.Logger
	Metrics *monitoring.EngineMetrics
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialRetryDelay <= 0 {
		c.InitialRetryDelay = 100 * time.Millisecond
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.FailoverThreshold <= 0 {
		c.FailoverThreshold = 2
	}
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	if c.MaxIdleConn <= 0 {
		c.MaxIdleConn = 10 * time.Minute
	}
	c.Logger = logging.OrDiscard(c.Logger)
	return c
}

// Transport talks to one node at a time and moves to another when the
// bound node keeps failing.
type Transport struct {
	cfg     Config
	logger  logging.Logger
	metrics *monitoring.EngineMetrics
	breaker *clients.CircuitBreaker
	pool    *connPool

	mu          sync.RWMutex
	addr        string
	consecutive int

	refresh singleflight.Group
}

// NewTransport creates a transport bound to cfg.NodeURL. Connections are
// dialed lazily.
func NewTransport(cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()
	if cfg.NodeURL == "" {
		return nil, errors.New("node url is required")
	}

	t := &Transport{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		addr:    cfg.NodeURL,
	}
	if cfg.CircuitBreaker != nil {
		cbCfg := *cfg.CircuitBreaker
		if cbCfg.Logger == nil {
			cbCfg.Logger = cfg.Logger
		}
		if cbCfg.OnStateChange == nil {
			cbCfg.OnStateChange = clients.CircuitBreakerMetricsCallback()
		}
		t.breaker = clients.NewCircuitBreaker(cbCfg)
	}
	t.pool = newConnPool(t.dial, t.Address, cfg.MaxIdleConn, time.Minute, cfg.Logger)
	return t, nil
}

func (t *Transport) dial(addr string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(protocol.CodecName)),
		grpc.WithChainUnaryInterceptor(identityUnaryInterceptor(t.cfg.ClientID)),
		grpc.WithChainStreamInterceptor(
			identityStreamInterceptor(t.cfg.ClientID),
			clients.GRPCStreamClientInterceptor(t.breaker),
		),
	}
	opts = append(opts, t.cfg.DialOptions...)
	return grpc.NewClient(addr, opts...)
}

// ClientID is the stable identity sent with every call.
func (t *Transport) ClientID() string { return t.cfg.ClientID }

// Address is the node address calls currently go to.
func (t *Transport) Address() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.addr
}

// Close releases every pooled connection.
func (t *Transport) Close() error {
	return t.pool.close()
}

func (t *Transport) current() (*grpc.ClientConn, string, error) {
	addr := t.Address()
	conn, err := t.pool.getOrCreate(addr)
	if err != nil {
		return nil, addr, err
	}
	return conn, addr, nil
}

// observe tracks consecutive unreachable failures of the bound address and
// fails over once the threshold is met.
func (t *Transport) observe(ctx context.Context, addr string, err error) {
	t.mu.Lock()
	if addr != t.addr {
		t.mu.Unlock()
		return
	}
	if !clients.IsNodeUnreachable(err) {
		t.consecutive = 0
		t.mu.Unlock()
		return
	}
	t.consecutive++
	trip := t.consecutive >= t.cfg.FailoverThreshold && t.cfg.RefreshNodeURL != nil
	if trip {
		t.consecutive = 0
	}
	t.mu.Unlock()

	if trip {
		t.failover(ctx, addr)
	}
}

func (t *Transport) failover(ctx context.Context, from string) {
	_, _, _ = t.refresh.Do(from, func() (any, error) {
		next, err := t.cfg.RefreshNodeURL(ctx)
		if err != nil {
			t.metrics.NodeFailover("error")
			t.logger.WithError(err).WithField("addr", from).Warn("Failed to refresh node address")
			return nil, err
		}
		if next == "" || next == from {
			t.metrics.NodeFailover("unchanged")
			t.logger.WithField("addr", from).Debug("Node refresh returned the same address")
			return nil, nil
		}

		t.mu.Lock()
		if t.addr == from {
			t.addr = next
		}
		t.mu.Unlock()

		t.metrics.NodeFailover("switched")
		t.logger.WithFields(logging.Fields{
			"from": from,
			"to":   next,
		}).Warn("Failing over to refreshed node address")
		return nil, nil
	})
}

func (t *Transport) executor(method string) failsafe.Executor[any] {
	return clients.NewGRPCExecutor(clients.GRPCExecutorConfig{
		MaxAttempts:    t.cfg.MaxAttempts,
		BaseDelay:      t.cfg.InitialRetryDelay,
		MaxDelay:       t.cfg.MaxRetryDelay,
		CircuitBreaker: t.breaker,
		OnRetry: func(attempt int, err error) {
			t.metrics.RPCRetry(method)
			t.logger.WithFields(logging.Fields{
				"method":  method,
				"attempt": attempt,
				"code":    status.Code(err).String(),
			}).Debug("Retrying node call")
		},
	})
}

// invoke runs one logical call with retries. Each attempt gets its own
// timeout and is sent to whatever address is bound at that moment.
func (t *Transport) invoke(ctx context.Context, method string, req, resp any) error {
	if ctxkeys.GetRequestID(ctx) == "" {
		ctx = ctxkeys.WithRequestID(ctx, uuid.NewString())
	}
	start := time.Now()
	var attempts atomic.Int32

	_, err := clients.ExecuteGRPC(ctx, t.executor(method), func() (any, error) {
		n := int(attempts.Add(1))
		conn, addr, err := t.current()
		if err != nil {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		callCtx, cancel := context.WithTimeout(withAttempt(ctx, n), t.cfg.CallTimeout)
		defer cancel()

		err = conn.Invoke(callCtx, fullMethod(method), req, resp)
		t.observe(ctx, addr, err)
		return nil, err
	})

	t.metrics.RPCCall(method, status.Code(err).String(), time.Since(start))
	return t.classify(ctx, method, int(attempts.Load()), err)
}

// classify maps a final gRPC failure onto the engine's error taxonomy.
func (t *Transport) classify(ctx context.Context, method string, attempts int, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", method, ctxErr)
	}
	if clients.IsRetryableGRPCError(err) {
		t.logger.WithError(err).WithFields(logging.Fields{
			"method":   method,
			"attempts": attempts,
		}).Warn("Node call failed after retries")
		return fmt.Errorf("%s after %d attempts: %w: %w", method, attempts, protocol.ErrTransientTransport, err)
	}
	st, _ := status.FromError(err)
	return &protocol.RejectedError{Code: st.Code(), Message: st.Message(), Cause: err}
}

// IsNotFound reports a NotFound rejection.
func IsNotFound(err error) bool {
	var rejected *protocol.RejectedError
	return errors.As(err, &rejected) && rejected.Code == codes.NotFound
}

// GetStream fetches the full current state of a stream. With optional set
// a missing stream yields (nil, nil).
func (t *Transport) GetStream(ctx context.Context, id streamid.ID, optional bool) (*protocol.StreamAndCookie, error) {
	resp := &protocol.GetStreamResponse{}
	err := t.invoke(ctx, methodGetStream, &protocol.GetStreamRequest{StreamID: id, Optional: optional}, resp)
	if err != nil {
		if optional && IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if resp.Stream == nil && !optional {
		return nil, protocol.ProtocolViolationf("node returned no stream for %s", id)
	}
	return resp.Stream, nil
}

// GetMiniblocks fetches miniblocks in [from, to).
func (t *Transport) GetMiniblocks(ctx context.Context, id streamid.ID, from, to int64) (*protocol.GetMiniblocksResponse, error) {
	resp := &protocol.GetMiniblocksResponse{}
	req := &protocol.GetMiniblocksRequest{StreamID: id, FromInclusive: from, ToExclusive: to}
	if err := t.invoke(ctx, methodGetMiniblocks, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AddEvent submits a signed event.
func (t *Transport) AddEvent(ctx context.Context, id streamid.ID, env *protocol.Envelope) error {
	return t.invoke(ctx, methodAddEvent, &protocol.AddEventRequest{StreamID: id, Event: env}, &protocol.AddEventResponse{})
}

// CancelSync asks the node to end a subscription; it answers with CLOSE.
func (t *Transport) CancelSync(ctx context.Context, syncID string) error {
	return t.invoke(ctx, methodCancelSync, &protocol.CancelSyncRequest{SyncID: syncID}, &protocol.CancelSyncResponse{})
}

// AddStreamToSync adds a stream to a live subscription.
func (t *Transport) AddStreamToSync(ctx context.Context, syncID string, cookie *protocol.SyncCookie) error {
	return t.invoke(ctx, methodAddStreamToSync, &protocol.AddStreamToSyncRequest{SyncID: syncID, SyncPos: cookie}, &protocol.AddStreamToSyncResponse{})
}

// RemoveStreamFromSync removes a stream from a live subscription.
func (t *Transport) RemoveStreamFromSync(ctx context.Context, syncID string, id streamid.ID) error {
	return t.invoke(ctx, methodRemoveStreamFromSync, &protocol.RemoveStreamFromSyncRequest{SyncID: syncID, StreamID: id}, &protocol.RemoveStreamFromSyncResponse{})
}

// Info returns node information; doubles as a reachability probe.
func (t *Transport) Info(ctx context.Context) (*protocol.InfoResponse, error) {
	resp := &protocol.InfoResponse{}
	if err := t.invoke(ctx, methodInfo, &protocol.InfoRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Ping satisfies monitoring.Pinger.
func (t *Transport) Ping(ctx context.Context) error {
	_, err := t.Info(ctx)
	return err
}

// SyncStream is an open SyncStreams subscription.
type SyncStream interface {
	Recv() (*protocol.SyncStreamsResponse, error)
	Close()
}

type syncStreamClient struct {
	t      *Transport
	addr   string
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// SyncStreams opens a subscription on the bound node. It is not retried
// here; the subscription state machine owns restarts.
func (t *Transport) SyncStreams(ctx context.Context, cookies []*protocol.SyncCookie) (SyncStream, error) {
	conn, addr, err := t.current()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", methodSyncStreams, protocol.ErrTransientTransport, err)
	}
	ctx = ctxkeys.WithRequestID(ctx, uuid.NewString())
	streamCtx, cancel := context.WithCancel(ctx)

	stream, err := conn.NewStream(streamCtx, &syncStreamsDesc, fullMethod(methodSyncStreams))
	if err == nil {
		if err = stream.SendMsg(&protocol.SyncStreamsRequest{SyncPos: cookies}); err == nil {
			err = stream.CloseSend()
		}
	}
	if err != nil {
		cancel()
		t.observe(ctx, addr, err)
		return nil, t.classify(ctx, methodSyncStreams, 1, err)
	}
	return &syncStreamClient{t: t, addr: addr, stream: stream, cancel: cancel}, nil
}

func (s *syncStreamClient) Recv() (*protocol.SyncStreamsResponse, error) {
	resp := &protocol.SyncStreamsResponse{}
	if err := s.stream.RecvMsg(resp); err != nil {
		s.t.observe(context.Background(), s.addr, err)
		return nil, err
	}
	s.t.pool.touch(s.addr)
	return resp, nil
}

func (s *syncStreamClient) Close() {
	s.cancel()
}
