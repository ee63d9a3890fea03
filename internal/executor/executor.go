// Package executor defines the Action Executor contract the scheduler
// places orders through.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-automation/internal/types"
	"github.com/rs/zerolog/log"
)

// Executor places one order for an action and returns its order id.
// Implementations must treat Action.IdempotencyKey as the dedupe key.
type Executor interface {
	Execute(ctx context.Context, action types.Action) (string, error)
}

// Func adapts a function to Executor
type Func func(ctx context.Context, action types.Action) (string, error)

func (f Func) Execute(ctx context.Context, action types.Action) (string, error) {
	return f(ctx, action)
}

type Kind string

const (
	KindFailure Kind = "EXECUTOR_FAILURE"
	KindTimeout Kind = "TIMEOUT"
)

// Error is returned for every failed execution
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Kind == KindTimeout {
		return fmt.Sprintf("executor timed out: %v", e.Err)
	}
	return fmt.Sprintf("executor failed: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies err, defaulting to KindFailure
func KindOf(err error) Kind {
	var execErr *Error
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindFailure
}

type outcome struct {
	orderID string
	err     error
}

// WithTimeout bounds every call to next by timeout and wraps failures
// in *Error. A zero timeout leaves calls unbounded. The call returns at
// the deadline even when next ignores its context; a placement that
// completes later is found again through the action's idempotency key.
func WithTimeout(next Executor, timeout time.Duration) Executor {
	return Func(func(ctx context.Context, action types.Action) (string, error) {
		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		done := make(chan outcome, 1)
		go func() {
			orderID, err := next.Execute(callCtx, action)
			done <- outcome{orderID: orderID, err: err}
		}()

		var res outcome
		select {
		case res = <-done:
		case <-callCtx.Done():
			select {
			case res = <-done:
			default:
				go logLate(done, action)
				res = outcome{err: callCtx.Err()}
			}
		}
		return classify(callCtx, res)
	})
}

func classify(callCtx context.Context, res outcome) (string, error) {
	err := res.err
	if err == nil && callCtx.Err() == context.DeadlineExceeded {
		err = callCtx.Err()
	}
	if err == nil {
		return res.orderID, nil
	}
	var execErr *Error
	if errors.As(err, &execErr) {
		return "", err
	}
	kind := KindFailure
	if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
		kind = KindTimeout
	}
	return "", &Error{Kind: kind, Err: err}
}

// logLate waits for a call abandoned at its deadline
func logLate(done <-chan outcome, action types.Action) {
	res := <-done
	logger := log.With().Str("component", "executor").Str("idempotency_key", action.IdempotencyKey()).Logger()
	if res.err != nil {
		logger.Debug().Err(res.err).Msg("abandoned execution failed")
		return
	}
	logger.Warn().Str("order_id", res.orderID).Msg("execution completed after its deadline")
}
