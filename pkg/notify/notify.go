// Package notify is a typed, in-process publish/subscribe bus for engine
// lifecycle signals. Subscriptions are explicit: every Subscribe returns a
// handle that must be closed to stop delivery.
package notify

import (
	"fmt"
	"sort"
	"sync"

	"streamsync/pkg/logging"
	"streamsync/pkg/streamid"
)

// Kind enumerates notification types.
type Kind int

const (
	KindStreamInitialized Kind = iota + 1
	KindStreamUpToDate
	KindMiniblockHeaderApplied
	KindEventsAppended
	KindEventsPrepended
	KindLocalEventReconciled
	KindLocalEventFailed
	KindSyncStateChanged
	KindSyncActive
	KindSyncFailed
)

func (k Kind) String() string {
	switch k {
	case KindStreamInitialized:
		return "stream_initialized"
	case KindStreamUpToDate:
		return "stream_up_to_date"
	case KindMiniblockHeaderApplied:
		return "miniblock_header_applied"
	case KindEventsAppended:
		return "events_appended"
	case KindEventsPrepended:
		return "events_prepended"
	case KindLocalEventReconciled:
		return "local_event_reconciled"
	case KindLocalEventFailed:
		return "local_event_failed"
	case KindSyncStateChanged:
		return "sync_state_changed"
	case KindSyncActive:
		return "sync_active"
	case KindSyncFailed:
		return "sync_failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Notification is implemented by every payload type below.
type Notification interface {
	Kind() Kind
}

type StreamInitialized struct {
	StreamID    streamid.ID
	FromCache   bool
	EventCount  int
	MiniblockTo int64
}

type StreamUpToDate struct {
	StreamID streamid.ID
}

type MiniblockHeaderApplied struct {
	StreamID     streamid.ID
	MiniblockNum int64
	EventIDs     []string
}

type EventsAppended struct {
	StreamID streamid.ID
	EventIDs []string
}

type EventsPrepended struct {
	StreamID      streamid.ID
	EventIDs      []string
	FromInclusive int64
	Terminus      bool
}

type LocalEventReconciled struct {
	StreamID streamid.ID
	LocalID  string
	EventID  string
}

type LocalEventFailed struct {
	StreamID streamid.ID
	LocalID  string
	Err      error
}

type SyncStateChanged struct {
	From string
	To   string
}

type SyncActive struct {
	SyncID string
}

type SyncFailed struct {
	Err      error
	Failures int
}

func (StreamInitialized) Kind() Kind      { return KindStreamInitialized }
func (StreamUpToDate) Kind() Kind         { return KindStreamUpToDate }
func (MiniblockHeaderApplied) Kind() Kind { return KindMiniblockHeaderApplied }
func (EventsAppended) Kind() Kind         { return KindEventsAppended }
func (EventsPrepended) Kind() Kind        { return KindEventsPrepended }
func (LocalEventReconciled) Kind() Kind   { return KindLocalEventReconciled }
func (LocalEventFailed) Kind() Kind       { return KindLocalEventFailed }
func (SyncStateChanged) Kind() Kind       { return KindSyncStateChanged }
func (SyncActive) Kind() Kind             { return KindSyncActive }
func (SyncFailed) Kind() Kind             { return KindSyncFailed }

// Bus delivers notifications synchronously, in publish order, to the
// handlers registered for the notification's kind.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind]map[uint64]func(Notification)
	logger logging.Logger
}

// NewBus creates an empty bus. logger may be nil.
func NewBus(logger logging.Logger) *Bus {
	return &Bus{
		subs:   make(map[Kind]map[uint64]func(Notification)),
		logger: logging.OrDiscard(logger),
	}
}

// Subscription is the disposer returned by Subscribe.
type Subscription struct {
	bus  *Bus
	kind Kind
	id   uint64
	once sync.Once
}

// Close stops delivery to the handler. Safe to call more than once.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if handlers, ok := s.bus.subs[s.kind]; ok {
			delete(handlers, s.id)
			if len(handlers) == 0 {
				delete(s.bus.subs, s.kind)
			}
		}
	})
}

// Subscribe registers fn for one kind.
func (b *Bus) Subscribe(kind Kind, fn func(Notification)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[uint64]func(Notification))
	}
	b.subs[kind][id] = fn
	return &Subscription{bus: b, kind: kind, id: id}
}

// On registers a handler typed by its payload.
func On[T Notification](b *Bus, fn func(T)) *Subscription {
	var zero T
	return b.Subscribe(zero.Kind(), func(n Notification) {
		if typed, ok := n.(T); ok {
			fn(typed)
		}
	})
}

// Publish delivers n to every current subscriber of its kind. A panicking
// handler is logged and does not stop delivery to the others.
func (b *Bus) Publish(n Notification) {
	if b == nil || n == nil {
		return
	}
	b.mu.RLock()
	handlers := b.subs[n.Kind()]
	ids := make([]uint64, 0, len(handlers))
	for id := range handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Notification), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, handlers[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.deliver(n, fn)
	}
}

func (b *Bus) deliver(n Notification, fn func(Notification)) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logging.Fields{
				"kind":  n.Kind().String(),
				"panic": r,
			}).Error("notification handler panicked")
		}
	}()
	fn(n)
}

// Len returns the number of live subscriptions for kind.
func (b *Bus) Len(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
