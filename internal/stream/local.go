package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"streamsync/internal/protocol"
	"streamsync/pkg/logging"
)

// ErrUnknownLocalEvent is returned for a local id the state does not hold.
var ErrUnknownLocalEvent = errors.New("unknown local event")

// LocalStatus tracks a local event through submission.
type LocalStatus string

const (
	LocalPending LocalStatus = "pending"
	LocalSending LocalStatus = "sending"
	LocalSent    LocalStatus = "sent"
	LocalFailed  LocalStatus = "failed"
)

// LocalEvent is a client-originated event rendered before the node
// confirms it.
type LocalEvent struct {
	LocalID   string
	Payload   protocol.Payload
	Status    LocalStatus
	Hash      protocol.Hash
	Err       error
	CreatedAt time.Time
}

// Reconciliation pairs a local event with the event that confirmed it.
type Reconciliation struct {
	LocalID string
	Event   *Event
}

// AddLocalPendingEvent appends an optimistic event after all others. An
// empty localID gets a generated one.
func (s *State) AddLocalPendingEvent(localID string, payload protocol.Payload) (*LocalEvent, error) {
	if localID == "" {
		localID = uuid.NewString()
	}
	if _, exists := s.localByID[localID]; exists {
		return nil, fmt.Errorf("local event %s already exists", localID)
	}
	l := &LocalEvent{
		LocalID:   localID,
		Payload:   payload,
		Status:    LocalPending,
		CreatedAt: time.Now(),
	}
	s.local = append(s.local, l)
	s.localByID[localID] = l
	return l, nil
}

// LocalEvent looks up an unmatched local event.
func (s *State) LocalEvent(localID string) (*LocalEvent, bool) {
	l, ok := s.localByID[localID]
	return l, ok
}

// LocalEvents returns unmatched local events in submission order.
func (s *State) LocalEvents() []*LocalEvent {
	return append([]*LocalEvent(nil), s.local...)
}

// UpdateLocalEvent records the hash a local event was submitted under and
// its new status. If the event has already arrived through sync it is
// reconciled immediately and the reconciliation is returned.
func (s *State) UpdateLocalEvent(localID string, hash protocol.Hash, status LocalStatus) (*Reconciliation, error) {
	l, ok := s.localByID[localID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLocalEvent, localID)
	}
	l.Status = status
	if hash.IsZero() {
		return nil, nil
	}
	if !l.Hash.IsZero() && l.Hash != hash {
		delete(s.localByHash, l.Hash)
	}
	l.Hash = hash
	s.localByHash[hash] = localID

	if s.v != nil {
		if e, known := s.v.events[hash]; known {
			r := s.reconcile(l, e)
			return &r, nil
		}
	}
	return nil, nil
}

// MarkLocalEventFailed keeps the event visible with status failed. The hash
// stays registered: if the node accepted the event after all, sync still
// reconciles it.
func (s *State) MarkLocalEventFailed(localID string, cause error) error {
	l, ok := s.localByID[localID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLocalEvent, localID)
	}
	l.Status = LocalFailed
	l.Err = cause
	s.log().WithError(cause).WithField("local_id", localID).Warn("Local event failed")
	return nil
}

// RemoveLocalEvent drops an unmatched local event, typically a failed one
// the user dismissed.
func (s *State) RemoveLocalEvent(localID string) bool {
	l, ok := s.localByID[localID]
	if !ok {
		return false
	}
	s.dropLocal(l)
	return true
}

func (s *State) reconcile(l *LocalEvent, e *Event) Reconciliation {
	s.dropLocal(l)
	e.LocalID = l.LocalID
	s.log().WithFields(logging.Fields{
		"local_id": l.LocalID,
		"event_id": e.HashStr,
	}).Debug("Reconciled local event")
	return Reconciliation{LocalID: l.LocalID, Event: e}
}

func (s *State) dropLocal(l *LocalEvent) {
	delete(s.localByID, l.LocalID)
	if !l.Hash.IsZero() {
		delete(s.localByHash, l.Hash)
	}
	for i, cur := range s.local {
		if cur == l {
			s.local = append(s.local[:i:i], s.local[i+1:]...)
			break
		}
	}
}
