package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

var (
	// ErrProtocolViolation marks data the client cannot locally repair: an
	// unresolvable event hash while finalizing a miniblock, or internally
	// inconsistent initialization data. Never retried.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTransientTransport is returned once the retry policy for a network or
	// storage failure is exhausted.
	ErrTransientTransport = errors.New("transient transport failure")

	// ErrRejected marks an explicit server rejection. See RejectedError.
	ErrRejected = errors.New("rejected by node")

	// ErrStaleRace marks a read whose result was dropped because the stream
	// moved while it was in flight. Never surfaced to applications.
	ErrStaleRace = errors.New("stale result discarded")

	// ErrCorruptPersistedState marks a warm start that found missing or
	// inconsistent cached data. Never surfaced to applications.
	ErrCorruptPersistedState = errors.New("corrupt or missing persisted state")
)

// ProtocolViolationf wraps ErrProtocolViolation with context.
func ProtocolViolationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// RejectedError carries the node's status code for a terminal rejection.
type RejectedError struct {
	Code    codes.Code
	Message string
	Cause   error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected by node (%s): %s", e.Code, e.Message)
}

// Unwrap exposes both the sentinel and the original cause to errors.Is/As.
func (e *RejectedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrRejected}
	}
	return []error{ErrRejected, e.Cause}
}

// IsRejected reports whether err is a node rejection.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
