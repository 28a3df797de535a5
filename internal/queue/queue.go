package queue

import (
	"context"
	"errors"
	"time"

	"icr-worker/internal/domain"
)

var ErrClosed = errors.New("queue closed")

const DefaultLease = 10 * time.Minute

// JobQueue is a durable FIFO of page jobs with lease semantics. Pop hides the
// returned job from other consumers until it is acknowledged, released or its
// lease expires.
type JobQueue interface {
	// Push appends job. Pushing an ID that is still queued is a no-op.
	Push(ctx context.Context, job domain.Job) error
	// Pop blocks until a job is visible, ctx is done or the queue is closed.
	Pop(ctx context.Context) (domain.Job, error)
	// Ack removes a leased job permanently.
	Ack(ctx context.Context, jobID string) error
	// Release makes a leased job visible again with its payload unchanged.
	Release(ctx context.Context, jobID string) error
}

// CounterStore is a durable key to integer map. Increment and
// DecrementAndFetch take an idempotency token and apply at most once per
// (key, token) pair; a repeated call returns the current value unchanged.
type CounterStore interface {
	Get(ctx context.Context, key string) (int64, bool, error)
	Set(ctx context.Context, key string, value int64) error
	// Increment creates the key at zero when it is missing.
	Increment(ctx context.Context, key, token string) (int64, error)
	// DecrementAndFetch fails with domain.ErrCounterNotFound for a missing
	// key and domain.ErrCounterUnderflow when the value is already zero.
	DecrementAndFetch(ctx context.Context, key, token string) (int64, error)
	// Revert undoes the mutation recorded for (key, token), if any.
	Revert(ctx context.Context, key, token string) error
	Delete(ctx context.Context, keys ...string) error
}

// ReadCounters is a snapshot helper used by the ops API.
func ReadCounters(ctx context.Context, store CounterStore, submissionID string) (domain.Counters, error) {
	pending, tracked, err := store.Get(ctx, domain.PendingKey(submissionID))
	if err != nil {
		return domain.Counters{}, err
	}
	errs, _, err := store.Get(ctx, domain.ErrorKey(submissionID))
	if err != nil {
		return domain.Counters{}, err
	}
	return domain.Counters{SubmissionID: submissionID, Pending: pending, Errors: errs, Tracked: tracked}, nil
}
