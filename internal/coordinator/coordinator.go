package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"icr-worker/internal/domain"
	"icr-worker/internal/queue"
)

// ErrHalted is returned once the coordinator has compensated a failed job and
// stopped accepting work. A supervisor is expected to restart the process.
var ErrHalted = errors.New("coordinator halted")

type Recognizer interface {
	Recognize(ctx context.Context, job domain.Job) (domain.NormalResult, error)
}

type Catalog interface {
	SetStatus(ctx context.Context, submissionID string, status domain.SubmissionStatus) error
	UpsertPageResult(ctx context.Context, rec domain.PageRecord) error
	HasPageResult(ctx context.Context, submissionID string, pageIndex int) (bool, error)
}

type Options struct {
	Queue      queue.JobQueue
	Counters   queue.CounterStore
	Recognizer Recognizer
	Catalog    Catalog
	// RemoveSource deletes a processed page image. Defaults to os.Remove.
	RemoveSource func(path string) error
	Logger       *slog.Logger
	Now          func() time.Time
}

// Outcome describes what ProcessNext did with one job.
type Outcome struct {
	Job        domain.Job
	PageStatus domain.PageStatus
	Remaining  int64
	// Transition is the completion status written, empty when this job was
	// not the last page of its submission.
	Transition domain.SubmissionStatus
	// Dropped is set when the job was acknowledged without effects because
	// its submission was no longer tracked or its page result was already
	// recorded.
	Dropped bool
}

type Coordinator struct {
	queue      queue.JobQueue
	counters   queue.CounterStore
	recognizer Recognizer
	catalog    Catalog
	remove     func(path string) error
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	halted  bool
	haltErr error
}

func New(opts Options) (*Coordinator, error) {
	switch {
	case opts.Queue == nil:
		return nil, fmt.Errorf("queue is required")
	case opts.Counters == nil:
		return nil, fmt.Errorf("counter store is required")
	case opts.Recognizer == nil:
		return nil, fmt.Errorf("recognizer is required")
	case opts.Catalog == nil:
		return nil, fmt.Errorf("catalog is required")
	}
	c := &Coordinator{
		queue:      opts.Queue,
		counters:   opts.Counters,
		recognizer: opts.Recognizer,
		catalog:    opts.Catalog,
		remove:     opts.RemoveSource,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if c.remove == nil {
		c.remove = os.Remove
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Halted reports whether the coordinator stopped after a compensated failure.
func (c *Coordinator) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// HaltCause returns the failure that halted the coordinator, if any.
func (c *Coordinator) HaltCause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.haltErr
}

// Run processes jobs until ctx is cancelled or a job fails. Cancellation is
// only observed while waiting for a job; a job in flight runs to completion.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("started listening")
	for {
		_, err := c.ProcessNext(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			c.logger.Info("stopped listening")
			return nil
		}
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		return err
	}
}

// job carries the per-job state needed for compensation.
type job struct {
	domain.Job
	log            *slog.Logger
	decremented    bool
	errIncremented bool
}

// ProcessNext takes one job from the queue and drives it to acknowledgement.
// Catalog and counter store failures are compensated: the job is released
// unchanged, counter mutations made for it are reverted and the coordinator
// halts.
func (c *Coordinator) ProcessNext(ctx context.Context) (Outcome, error) {
	if c.Halted() {
		return Outcome{}, ErrHalted
	}

	next, err := c.queue.Pop(ctx)
	if err != nil {
		return Outcome{}, err
	}
	ctx = context.WithoutCancel(ctx)

	j := &job{
		Job: next,
		log: c.logger.With("job_id", next.ID, "submission_id", next.SubmissionID, "page", next.PageIndex),
	}
	j.log.Info("got new task")
	out := Outcome{Job: next}

	result, missing, err := c.recognize(ctx, j)
	if err != nil {
		if relErr := c.queue.Release(ctx, j.ID); relErr != nil {
			j.log.Error("release after recognition failure", "error", relErr)
		}
		return out, fmt.Errorf("recognize job %s: %w", j.ID, err)
	}
	if missing {
		// the source is only removed after the page result is durable, so a
		// recorded page means a previous delivery got that far
		processed, err := c.catalog.HasPageResult(ctx, j.SubmissionID, j.PageIndex)
		if err != nil {
			return out, c.compensate(ctx, j, err)
		}
		if processed {
			j.log.Warn("source image missing, page already recorded", "image_path", j.ImagePath)
			out.Dropped = true
			return out, c.ack(ctx, j)
		}
		j.log.Error("status error", "error", "source image missing", "image_path", j.ImagePath)
		result = domain.ErrorResult{Reason: "source image missing: " + j.ImagePath}
	}
	out.PageStatus = result.Status()

	remaining, dropped, err := c.updateCounters(ctx, j, result)
	if err != nil {
		return out, c.compensate(ctx, j, err)
	}
	if dropped {
		out.Dropped = true
		return out, c.finish(ctx, j)
	}
	out.Remaining = remaining

	last := remaining == 0
	if last {
		status, err := c.completionStatus(ctx, j)
		if err != nil {
			return out, c.compensate(ctx, j, err)
		}
		j.log.Debug("last page for submission")
		if err := c.catalog.SetStatus(ctx, j.SubmissionID, status); err != nil {
			return out, c.compensate(ctx, j, err)
		}
		j.log.Info("status transition", "status", status)
		out.Transition = status
	} else if err := c.catalog.SetStatus(ctx, j.SubmissionID, domain.StatusInProgress); err != nil {
		return out, c.compensate(ctx, j, err)
	}

	if err := c.catalog.UpsertPageResult(ctx, domain.NewPageRecord(j.Job, result, c.now())); err != nil {
		return out, c.compensate(ctx, j, err)
	}

	if last {
		if err := c.counters.Delete(ctx, domain.PendingKey(j.SubmissionID), domain.ErrorKey(j.SubmissionID)); err != nil {
			return out, c.compensate(ctx, j, err)
		}
	}
	return out, c.finish(ctx, j)
}

// recognize reports missing when the source image does not exist.
func (c *Coordinator) recognize(ctx context.Context, j *job) (domain.PageResult, bool, error) {
	normal, err := c.recognizer.Recognize(ctx, j.Job)
	switch {
	case err == nil:
		j.log.Info("status normal")
		return normal, false, nil
	case domain.IsRecognitionError(err):
		j.log.Error("status error", "error", err)
		return domain.ErrorResult{Reason: err.Error()}, false, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, true, nil
	default:
		return nil, false, err
	}
}

// updateCounters applies the page outcome. The error counter is bumped
// before the pending counter so whoever observes zero reads a final error
// count.
func (c *Coordinator) updateCounters(ctx context.Context, j *job, result domain.PageResult) (int64, bool, error) {
	pendingKey := domain.PendingKey(j.SubmissionID)
	errKey := domain.ErrorKey(j.SubmissionID)

	if result.Status() == domain.PageStatusError {
		if _, ok, err := c.counters.Get(ctx, pendingKey); err != nil {
			return 0, false, err
		} else if !ok {
			j.log.Warn("submission no longer tracked, dropping job")
			return 0, true, nil
		}
		if _, err := c.counters.Increment(ctx, errKey, j.ID); err != nil {
			return 0, false, err
		}
		j.errIncremented = true
	}

	remaining, err := c.counters.DecrementAndFetch(ctx, pendingKey, j.ID)
	if errors.Is(err, domain.ErrCounterNotFound) || errors.Is(err, domain.ErrCounterUnderflow) {
		j.log.Warn("submission no longer tracked, dropping job", "reason", err)
		if j.errIncremented {
			if err := c.counters.Revert(ctx, errKey, j.ID); err != nil {
				return 0, false, err
			}
			j.errIncremented = false
		}
		return 0, true, nil
	}
	if err != nil {
		return 0, false, err
	}
	j.decremented = true
	return remaining, false, nil
}

func (c *Coordinator) completionStatus(ctx context.Context, j *job) (domain.SubmissionStatus, error) {
	errs, _, err := c.counters.Get(ctx, domain.ErrorKey(j.SubmissionID))
	if err != nil {
		return "", err
	}
	return domain.CompletionStatus(errs), nil
}

// finish removes the source image and acknowledges the job.
func (c *Coordinator) finish(ctx context.Context, j *job) error {
	if err := c.remove(j.ImagePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return c.compensate(ctx, j, fmt.Errorf("remove source %s: %w", j.ImagePath, err))
	}
	return c.ack(ctx, j)
}

func (c *Coordinator) ack(ctx context.Context, j *job) error {
	if err := c.queue.Ack(ctx, j.ID); err != nil {
		// the lease will expire and the job is redelivered; every step above
		// is safe to repeat
		c.halt(err)
		return fmt.Errorf("%w: ack job %s: %w", ErrHalted, j.ID, err)
	}
	return nil
}

// compensate restores the counters touched by j, puts the job back and halts.
func (c *Coordinator) compensate(ctx context.Context, j *job, cause error) error {
	j.log.Error("recoverable (restart)", "error", cause)

	var errs []error
	if j.decremented {
		if err := c.counters.Revert(ctx, domain.PendingKey(j.SubmissionID), j.ID); err != nil {
			errs = append(errs, fmt.Errorf("revert pending counter: %w", err))
		}
	}
	if j.errIncremented {
		if err := c.counters.Revert(ctx, domain.ErrorKey(j.SubmissionID), j.ID); err != nil {
			errs = append(errs, fmt.Errorf("revert error counter: %w", err))
		}
	}
	if err := c.queue.Release(ctx, j.ID); err != nil {
		errs = append(errs, fmt.Errorf("release job: %w", err))
	}
	if len(errs) > 0 {
		j.log.Error("compensation incomplete", "error", errors.Join(errs...))
	}

	c.halt(cause)
	return fmt.Errorf("%w: job %s: %w", ErrHalted, j.ID, errors.Join(append([]error{cause}, errs...)...))
}

func (c *Coordinator) halt(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halted = true
	if c.haltErr == nil {
		c.haltErr = cause
	}
}
