package storage

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"streamsync/pkg/logging"
)

// Read retry defaults: a short fixed pause between at most three attempts.
const (
	DefaultReadAttempts = 3
	DefaultReadPause    = 50 * time.Millisecond
)

func readRetryPolicy[T any](s *Store, table string) retrypolicy.RetryPolicy[T] {
	return retrypolicy.NewBuilder[T]().
		WithMaxAttempts(s.readAttempts).
		WithDelay(s.readPause).
		HandleIf(func(_ T, err error) bool {
			return errors.Is(err, ErrTransientAbort)
		}).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[T]) {
			s.metrics.StoreReadRetry(table)
			s.logger.WithError(e.LastError()).WithFields(logging.Fields{
				"table":   table,
				"attempt": e.Attempts(),
			}).Debug("Retrying store read")
		}).
		Build()
}

// readWithRetry repeats fn while it fails with ErrTransientAbort. Any other
// error, including ErrNotFound, is returned at once.
func readWithRetry[T any](ctx context.Context, s *Store, table string, fn func() (T, error)) (T, error) {
	result, err := failsafe.With[T](readRetryPolicy[T](s, table)).WithContext(ctx).Get(fn)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
	}
	return result, err
}
