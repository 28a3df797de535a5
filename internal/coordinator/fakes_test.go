package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"icr-worker/internal/domain"
	"icr-worker/internal/queue"
)

var errCatalogDown = errors.New("connection refused")

type statusWrite struct {
	SubmissionID string
	Status       domain.SubmissionStatus
}

type fakeCatalog struct {
	mu sync.Mutex

	statuses map[string]domain.SubmissionStatus
	pages    map[string]map[int]domain.PageRecord
	writes   []statusWrite
	calls    []statusWrite

	failUpsert    int
	failLookup    int
	failSetStatus map[domain.SubmissionStatus]int

	// observe runs on every SetStatus call before the write is applied.
	observe func(submissionID string, status domain.SubmissionStatus)
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		statuses:      make(map[string]domain.SubmissionStatus),
		pages:         make(map[string]map[int]domain.PageRecord),
		failSetStatus: make(map[domain.SubmissionStatus]int),
	}
}

func (f *fakeCatalog) SetStatus(_ context.Context, submissionID string, status domain.SubmissionStatus) error {
	if f.observe != nil {
		f.observe(submissionID, status)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSetStatus[status] > 0 {
		f.failSetStatus[status]--
		return domain.CatalogError("fake", "set status", errCatalogDown)
	}
	f.calls = append(f.calls, statusWrite{SubmissionID: submissionID, Status: status})
	current := f.statuses[submissionID]
	if current == status || current.Terminal() {
		return nil
	}
	f.statuses[submissionID] = status
	f.writes = append(f.writes, statusWrite{SubmissionID: submissionID, Status: status})
	return nil
}

func (f *fakeCatalog) UpsertPageResult(_ context.Context, rec domain.PageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsert > 0 {
		f.failUpsert--
		return domain.CatalogError("fake", "upsert page result", errCatalogDown)
	}
	if f.pages[rec.SubmissionID] == nil {
		f.pages[rec.SubmissionID] = make(map[int]domain.PageRecord)
	}
	f.pages[rec.SubmissionID][rec.PageIndex] = rec
	return nil
}

func (f *fakeCatalog) HasPageResult(_ context.Context, submissionID string, pageIndex int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLookup > 0 {
		f.failLookup--
		return false, domain.CatalogError("fake", "lookup page result", errCatalogDown)
	}
	_, ok := f.pages[submissionID][pageIndex]
	return ok, nil
}

func (f *fakeCatalog) status(submissionID string) domain.SubmissionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[submissionID]
}

func (f *fakeCatalog) pageRecords(submissionID string) map[int]domain.PageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]domain.PageRecord, len(f.pages[submissionID]))
	for k, v := range f.pages[submissionID] {
		out[k] = v
	}
	return out
}

// terminalWrites counts successful completion writes issued for a
// submission, including ones the status guard turned into no-ops.
func (f *fakeCatalog) terminalWrites(submissionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.calls {
		if w.SubmissionID == submissionID && w.Status.Terminal() {
			n++
		}
	}
	return n
}

func (f *fakeCatalog) terminalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.statuses {
		if s.Terminal() {
			n++
		}
	}
	return n
}

// stubRecognizer answers by image path; paths listed in failures produce a
// recognition error, paths in errs produce the given raw error.
type stubRecognizer struct {
	mu       sync.Mutex
	failures map[string]bool
	errs     map[string]error
	calls    []string
}

func newStubRecognizer() *stubRecognizer {
	return &stubRecognizer{failures: map[string]bool{}, errs: map[string]error{}}
}

func (s *stubRecognizer) Recognize(_ context.Context, job domain.Job) (domain.NormalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, job.ID)
	if err, ok := s.errs[job.ImagePath]; ok {
		return domain.NormalResult{}, err
	}
	if s.failures[job.ImagePath] {
		return domain.NormalResult{}, domain.NewRecognitionError("decode", errors.New("corrupt jpeg"))
	}
	return domain.NormalResult{
		Answers: map[string]string{"1": "A", "2": ""},
		ArtifactPaths: map[domain.ArtifactKind]string{
			domain.ArtifactPersonal: fmt.Sprintf("/out/%s", domain.ArtifactName(job.SubmissionID, job.PageIndex, domain.ArtifactPersonal)),
		},
	}, nil
}

type fakeFiles struct {
	mu      sync.Mutex
	removed map[string]int
	fail    map[string]error
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{removed: map[string]int{}, fail: map[string]error{}}
}

func (f *fakeFiles) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[path]; ok {
		return err
	}
	f.removed[path]++
	return nil
}

func (f *fakeFiles) wasRemoved(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed[path] > 0
}

// failingQueue wraps a MemoryQueue and fails Ack a fixed number of times.
type failingQueue struct {
	*queue.MemoryQueue
	mu       sync.Mutex
	failAcks int
}

func (q *failingQueue) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	if q.failAcks > 0 {
		q.failAcks--
		q.mu.Unlock()
		return errors.New("disk I/O error")
	}
	q.mu.Unlock()
	return q.MemoryQueue.Ack(ctx, jobID)
}

type harness struct {
	queue      *queue.MemoryQueue
	counters   *queue.MemoryCounters
	catalog    *fakeCatalog
	recognizer *stubRecognizer
	files      *fakeFiles
}

func newHarness() *harness {
	return &harness{
		queue:      queue.NewMemoryQueue(time.Minute),
		counters:   queue.NewMemoryCounters(),
		catalog:    newFakeCatalog(),
		recognizer: newStubRecognizer(),
		files:      newFakeFiles(),
	}
}

func (h *harness) coordinator() *Coordinator {
	return h.coordinatorWithQueue(h.queue)
}

func (h *harness) coordinatorWithQueue(q queue.JobQueue) *Coordinator {
	c, err := New(Options{
		Queue:        q,
		Counters:     h.counters,
		Recognizer:   h.recognizer,
		Catalog:      h.catalog,
		RemoveSource: h.files.Remove,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		panic(err)
	}
	return c
}

// seed plays the producer: counters, InQueue status and one job per page.
func (h *harness) seed(submissionID string, pages int) []domain.Job {
	ctx := context.Background()
	mustNoErr(h.counters.Set(ctx, domain.PendingKey(submissionID), int64(pages)))
	mustNoErr(h.counters.Set(ctx, domain.ErrorKey(submissionID), 0))
	mustNoErr(h.catalog.SetStatus(ctx, submissionID, domain.StatusInQueue))
	jobs := make([]domain.Job, 0, pages)
	for i := 1; i <= pages; i++ {
		job := domain.Job{
			ID:           fmt.Sprintf("%s-p%d", submissionID, i),
			PageIndex:    i,
			SubmissionID: submissionID,
			ImagePath:    fmt.Sprintf("/in/%s/%d.jpg", submissionID, i),
		}
		mustNoErr(h.queue.Push(ctx, job))
		jobs = append(jobs, job)
	}
	return jobs
}

func (h *harness) counter(key string) (int64, bool) {
	v, ok, err := h.counters.Get(context.Background(), key)
	mustNoErr(err)
	return v, ok
}

func mustNoErr(err error) {
	if err != nil {
		panic(err)
	}
}
