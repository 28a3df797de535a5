package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/google/uuid"

	"icr-worker/internal/domain"
	"icr-worker/internal/queue"
)

var (
	ErrNoPages       = errors.New("submission has no pages")
	ErrAlreadyQueued = errors.New("submission already queued")
)

// jobNamespace derives stable job IDs so a resumed Enqueue pushes the same
// jobs again instead of new ones.
var jobNamespace = uuid.MustParse("5b0f3c52-8a47-4b8e-9a56-3f1e1c6d2a90")

type StatusWriter interface {
	SetStatus(ctx context.Context, submissionID string, status domain.SubmissionStatus) error
}

// Producer registers submissions for recognition.
type Producer struct {
	Queue    queue.JobQueue
	Counters queue.CounterStore
	Catalog  StatusWriter
	Logger   *slog.Logger
	// Stat checks that a page image exists. Defaults to os.Stat.
	Stat func(path string) (os.FileInfo, error)
}

type Submission struct {
	ID   string       `json:"submission_id"`
	Jobs []domain.Job `json:"jobs"`
}

// JobID is the ID of the job for one page of a submission.
func JobID(submissionID string, pageIndex int) string {
	return uuid.NewSHA1(jobNamespace, []byte(submissionID+"/"+strconv.Itoa(pageIndex))).String()
}

// Resume reports where queueing of submissionID stands. incomplete is set
// when an earlier Enqueue stopped part way; next is then the offset of the
// first page it did not push. A fully queued submission that is still being
// processed yields ErrAlreadyQueued.
func (p *Producer) Resume(ctx context.Context, submissionID string) (next int, incomplete bool, err error) {
	pushed, started, err := p.Counters.Get(ctx, domain.EnqueueKey(submissionID))
	if err != nil {
		return 0, false, err
	}
	if started {
		return int(pushed), true, nil
	}
	if _, tracked, err := p.Counters.Get(ctx, domain.PendingKey(submissionID)); err != nil {
		return 0, false, err
	} else if tracked {
		return 0, false, fmt.Errorf("submission %s: %w", submissionID, ErrAlreadyQueued)
	}
	return 0, false, nil
}

// Enqueue seeds both counters, marks the submission as queued and pushes one
// job per page, in that order, so no worker sees a job without its counters.
// An empty submissionID gets a generated one.
//
// When an earlier call for the same submission failed part way, Enqueue
// picks up after the last page that was pushed. Paths of pages pushed before
// are not checked again.
func (p *Producer) Enqueue(ctx context.Context, submissionID string, imagePaths []string) (Submission, error) {
	if len(imagePaths) == 0 {
		return Submission{}, ErrNoPages
	}
	if submissionID == "" {
		submissionID = uuid.NewString()
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	from, resumed, err := p.Resume(ctx, submissionID)
	if err != nil {
		return Submission{}, err
	}
	if from > len(imagePaths) {
		return Submission{}, fmt.Errorf("submission %s: %d pages already queued, got %d", submissionID, from, len(imagePaths))
	}

	stat := p.Stat
	if stat == nil {
		stat = os.Stat
	}
	for _, path := range imagePaths[from:] {
		if _, err := stat(path); err != nil {
			return Submission{}, fmt.Errorf("page image %s: %w", path, err)
		}
	}

	marker := domain.EnqueueKey(submissionID)
	if from == 0 {
		// nothing pushed yet, so no worker has touched the counters
		if err := p.Counters.Set(ctx, marker, 0); err != nil {
			return Submission{}, fmt.Errorf("start enqueue: %w", err)
		}
		if err := p.Counters.Set(ctx, domain.PendingKey(submissionID), int64(len(imagePaths))); err != nil {
			return Submission{}, fmt.Errorf("seed pending counter: %w", err)
		}
		if err := p.Counters.Set(ctx, domain.ErrorKey(submissionID), 0); err != nil {
			return Submission{}, fmt.Errorf("seed error counter: %w", err)
		}
		if err := p.Catalog.SetStatus(ctx, submissionID, domain.StatusInQueue); err != nil {
			return Submission{}, fmt.Errorf("set queued status: %w", err)
		}
	}

	sub := Submission{ID: submissionID, Jobs: make([]domain.Job, 0, len(imagePaths))}
	for i, path := range imagePaths {
		sub.Jobs = append(sub.Jobs, domain.Job{
			ID:           JobID(submissionID, i+1),
			PageIndex:    i + 1,
			SubmissionID: submissionID,
			ImagePath:    path,
		})
	}
	for i := from; i < len(sub.Jobs); i++ {
		job := sub.Jobs[i]
		if err := p.Queue.Push(ctx, job); err != nil {
			return sub, fmt.Errorf("push page %d: %w", job.PageIndex, err)
		}
		if err := p.Counters.Set(ctx, marker, int64(i+1)); err != nil {
			return sub, fmt.Errorf("record page %d queued: %w", job.PageIndex, err)
		}
	}
	if err := p.Counters.Delete(ctx, marker); err != nil {
		return sub, fmt.Errorf("finish enqueue: %w", err)
	}

	if resumed {
		logger.Info("submission queue resumed", "submission_id", submissionID, "pages", len(imagePaths), "from_page", from+1)
	} else {
		logger.Info("submission queued", "submission_id", submissionID, "pages", len(imagePaths))
	}
	return sub, nil
}
