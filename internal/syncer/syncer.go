// Package syncer runs the long-lived SyncStreams subscription that keeps
// every tracked stream live, restarting it with backoff on failure.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"streamsync/internal/protocol"
	"streamsync/internal/rpc"
	"streamsync/internal/stream"
	"streamsync/pkg/clients"
	"streamsync/pkg/logging"
	"streamsync/pkg/monitoring"
	"streamsync/pkg/notify"
	"streamsync/pkg/streamid"
)

// State of the subscription.
type State int

const (
	Idle State = iota
	Starting
	Active
	TransientFailure
	Retrying
	Stopping
)

var allStates = []string{"idle", "starting", "active", "transient_failure", "retrying", "stopping"}

func (s State) String() string {
	if int(s) < len(allStates) {
		return allStates[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Defaults.
const (
	DefaultMaxAttempts = 8
	DefaultStopTimeout = 5 * time.Second
)

var (
	// ErrAlreadyRunning is returned by Start on a running syncer.
	ErrAlreadyRunning = errors.New("sync already running")

	errUnexpectedClose = errors.New("node closed the subscription")
)

// Transport is the node surface the syncer drives.
type Transport interface {
	SyncStreams(ctx context.Context, cookies []*protocol.SyncCookie) (rpc.SyncStream, error)
	CancelSync(ctx context.Context, syncID string) error
	AddStreamToSync(ctx context.Context, syncID string, cookie *protocol.SyncCookie) error
	RemoveStreamFromSync(ctx context.Context, syncID string, id streamid.ID) error
	GetStream(ctx context.Context, id streamid.ID, optional bool) (*protocol.StreamAndCookie, error)
}

// Stream receives the deltas for one stream id.
type Stream interface {
	StreamID() streamid.ID
	SyncCookie() *protocol.SyncCookie
	AppendEvents(ctx context.Context, envs []*protocol.Envelope, next *protocol.SyncCookie, cleartexts map[string]string) (*stream.AppendResult, error)
	Initialize(ctx context.Context, sc *protocol.StreamAndCookie) error
}

// Config for a Syncer.
type Config struct {
	Transport Transport
	Backoff   clients.Backoff
	// MaxAttempts is the number of consecutive failures that ends the
	// subscription with an error.
	MaxAttempts int
	StopTimeout time.Duration
	Logger      logging.Logger
	Metrics     *monitoring.EngineMetrics
	Bus         *notify.Bus
}

// Syncer owns one subscription covering every added stream. Updates are
// applied on a single goroutine, so deltas for one stream are applied in
// the order the node sent them.
type Syncer struct {
	transport   Transport
	backoff     clients.Backoff
	maxAttempts int
	stopTimeout time.Duration
	logger      logging.Logger
	metrics     *monitoring.EngineMetrics
	bus         *notify.Bus

	mu       sync.Mutex
	state    State
	syncID   string
	failures int
	streams  map[streamid.ID]Stream
	running  bool
	stopping bool
	cancel   context.CancelFunc
	closed   chan struct{}
	done     chan struct{}
	err      error
}

// New creates an idle Syncer.
func New(cfg Config) *Syncer {
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = clients.DefaultBackoff()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	done := make(chan struct{})
	close(done)
	return &Syncer{
		transport:   cfg.Transport,
		backoff:     cfg.Backoff,
		maxAttempts: cfg.MaxAttempts,
		stopTimeout: cfg.StopTimeout,
		logger:      logging.OrDiscard(cfg.Logger),
		metrics:     cfg.Metrics,
		bus:         cfg.Bus,
		streams:     make(map[streamid.ID]Stream),
		done:        done,
	}
}

func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failures is the count of consecutive failures since the last NEW.
func (s *Syncer) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// SyncID is the node's id for the current subscription, empty when not
// active.
func (s *Syncer) SyncID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncID
}

// Err is the terminal error of the last run, nil while running or after a
// clean stop.
func (s *Syncer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Streams counts tracked streams.
func (s *Syncer) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *Syncer) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == to || (s.stopping && to != Stopping && to != Idle) {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	s.logger.WithFields(logging.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Debug("Sync state changed")
	s.metrics.SetSyncState(to.String(), allStates)
	s.bus.Publish(notify.SyncStateChanged{From: from.String(), To: to.String()})
}

// Start opens the subscription in the background. Wait returns when it
// ends; ctx cancellation ends it without a CancelSync.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.stopping = false
	s.failures = 0
	s.err = nil
	s.cancel = cancel
	s.closed = make(chan struct{})
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.run(ctx, done)
	return nil
}

// Wait blocks until the subscription has ended and returns the terminal
// error, nil after Stop.
func (s *Syncer) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop cancels the subscription on the node and waits for its CLOSE, up to
// the stop timeout, before tearing the stream down.
func (s *Syncer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	syncID := s.syncID
	wasActive := s.state == Active
	cancel, closed, done := s.cancel, s.closed, s.done
	s.mu.Unlock()

	s.setState(Stopping)
	if wasActive && syncID != "" {
		if err := s.transport.CancelSync(ctx, syncID); err != nil {
			s.logger.WithError(err).WithField("sync_id", syncID).Warn("CancelSync failed")
		} else {
			select {
			case <-closed:
			case <-time.After(s.stopTimeout):
				s.logger.WithField("sync_id", syncID).Warn("No CLOSE after CancelSync")
			case <-ctx.Done():
			}
		}
	}
	cancel()
	<-done
	s.setState(Idle)
	return nil
}

func (s *Syncer) finish(err error) {
	s.mu.Lock()
	s.running = false
	s.syncID = ""
	s.err = err
	s.mu.Unlock()
	s.setState(Idle)
}

func (s *Syncer) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Syncer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		s.setState(Starting)
		err := s.runOnce(ctx)
		if s.isStopping() || ctx.Err() != nil {
			s.finish(nil)
			return
		}
		if err == nil {
			err = errUnexpectedClose
		}

		s.mu.Lock()
		s.failures++
		failures := s.failures
		s.syncID = ""
		s.mu.Unlock()

		s.setState(TransientFailure)
		s.metrics.SyncFailure(failureReason(err))
		log := s.logger.WithError(err).WithField("failures", failures)

		if failures >= s.maxAttempts {
			terminal := fmt.Errorf("sync gave up after %d consecutive failures: %w", failures, err)
			log.Error("Sync subscription failed")
			s.bus.Publish(notify.SyncFailed{Err: terminal, Failures: failures})
			s.finish(terminal)
			return
		}

		delay := s.backoff.Delay(failures)
		log.WithField("delay", delay).Warn("Sync subscription interrupted, retrying")
		s.setState(Retrying)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.finish(nil)
			return
		}
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, errUnexpectedClose):
		return "closed"
	case errors.Is(err, protocol.ErrRejected):
		return "rejected"
	default:
		return "transport"
	}
}

func (s *Syncer) cookies() []*protocol.SyncCookie {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protocol.SyncCookie, 0, len(s.streams))
	for _, st := range s.streams {
		if c := st.SyncCookie(); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// runOnce holds one subscription open. It returns nil after the CLOSE
// answering a Stop.
func (s *Syncer) runOnce(ctx context.Context) error {
	sub, err := s.transport.SyncStreams(ctx, s.cookies())
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		resp, err := sub.Recv()
		if err != nil {
			if s.isStopping() {
				return nil
			}
			return err
		}
		s.metrics.SyncUpdate(string(resp.SyncOp))

		switch resp.SyncOp {
		case protocol.SyncOpNew:
			s.onNew(resp.SyncID)
		case protocol.SyncOpUpdate:
			s.onUpdate(ctx, resp)
		case protocol.SyncOpDown:
			s.onDown(ctx, resp)
		case protocol.SyncOpClose:
			if s.isStopping() {
				s.mu.Lock()
				close(s.closed)
				s.mu.Unlock()
				return nil
			}
			return errUnexpectedClose
		default:
			s.logger.WithField("sync_op", resp.SyncOp).Warn("Ignoring unknown sync op")
		}
	}
}

func (s *Syncer) onNew(syncID string) {
	s.mu.Lock()
	s.syncID = syncID
	s.failures = 0
	s.mu.Unlock()
	s.setState(Active)
	s.logger.WithField("sync_id", syncID).Info("Sync subscription active")
	s.bus.Publish(notify.SyncActive{SyncID: syncID})
}

func (s *Syncer) lookup(id streamid.ID) (Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	return st, ok
}

func (s *Syncer) onUpdate(ctx context.Context, resp *protocol.SyncStreamsResponse) {
	if resp.Stream == nil || resp.Stream.NextSyncCookie == nil {
		s.logger.WithField("sync_id", resp.SyncID).Warn("Update without stream")
		return
	}
	id := resp.Stream.NextSyncCookie.StreamID
	st, ok := s.lookup(id)
	if !ok {
		s.logger.WithField("stream_id", id.String()).Debug("Update for untracked stream")
		return
	}
	log := s.logger.WithField("stream_id", id.String())

	var err error
	if resp.Stream.SyncReset {
		err = st.Initialize(ctx, resp.Stream)
	} else {
		_, err = st.AppendEvents(ctx, resp.Stream.Events, resp.Stream.NextSyncCookie, nil)
	}
	if err == nil {
		return
	}
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		log.WithError(err).Error("Failed to apply sync update")
		return
	}

	// the delta does not fit the local state; reload the stream
	log.WithError(err).Warn("Sync update does not apply, reloading stream")
	sc, err := s.transport.GetStream(ctx, id, false)
	if err == nil {
		err = st.Initialize(ctx, sc)
	}
	if err != nil {
		log.WithError(err).Error("Failed to reload stream")
	}
}

func (s *Syncer) onDown(ctx context.Context, resp *protocol.SyncStreamsResponse) {
	if resp.StreamID == nil {
		return
	}
	st, ok := s.lookup(*resp.StreamID)
	if !ok {
		return
	}
	log := s.logger.WithField("stream_id", resp.StreamID.String())
	log.Info("Stream node down, re-adding to sync")
	if err := s.transport.AddStreamToSync(ctx, resp.SyncID, st.SyncCookie()); err != nil {
		log.WithError(err).Warn("Failed to re-add stream to sync")
	}
}

// AddStream tracks st. While active it is added to the live subscription,
// otherwise it joins on the next (re)start.
func (s *Syncer) AddStream(ctx context.Context, st Stream) error {
	s.mu.Lock()
	s.streams[st.StreamID()] = st
	syncID, active := s.syncID, s.state == Active
	n := len(s.streams)
	s.mu.Unlock()
	s.metrics.SetStreamsTracked("synced", n)

	if !active || syncID == "" {
		return nil
	}
	return s.transport.AddStreamToSync(ctx, syncID, st.SyncCookie())
}

// RemoveStream stops tracking id.
func (s *Syncer) RemoveStream(ctx context.Context, id streamid.ID) error {
	s.mu.Lock()
	_, tracked := s.streams[id]
	delete(s.streams, id)
	syncID, active := s.syncID, s.state == Active
	n := len(s.streams)
	s.mu.Unlock()
	s.metrics.SetStreamsTracked("synced", n)

	if !tracked || !active || syncID == "" {
		return nil
	}
	return s.transport.RemoveStreamFromSync(ctx, syncID, id)
}
