package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// PanicError is the result of a task that panicked
type PanicError struct {
	Task  string
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Task, e.Value)
}

// Go runs fn in a new goroutine and returns a channel carrying its result.
// Errors other than context cancellation are logged under name.
func Go(ctx context.Context, logger *observability.Logger, name string, fn func(context.Context) error) <-chan error {
	if logger == nil {
		logger = observability.NopLogger()
	}
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- run(ctx, logger.WithField("task", name), name, fn)
	}()
	return done
}

func run(ctx context.Context, logger *observability.Logger, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Task: name, Value: r, Stack: debug.Stack()}
			logger.WithField("stack", string(perr.Stack)).Errorf("PANIC: %v", r)
			err = perr
		}
	}()

	if err = fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("Background task failed")
	}
	return err
}
