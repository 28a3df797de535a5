package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"icr-worker/internal/domain"
	"icr-worker/internal/queue"
)

func processN(t *testing.T, c *Coordinator, n int) []Outcome {
	t.Helper()
	outcomes := make([]Outcome, 0, n)
	for i := 0; i < n; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		out, err := c.ProcessNext(ctx)
		cancel()
		require.NoError(t, err)
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Queue: queue.NewMemoryQueue(0), Counters: queue.NewMemoryCounters()})
	require.Error(t, err)
}

func TestAllPagesNormalCompletesSubmission(t *testing.T) {
	h := newHarness()
	jobs := h.seed("S1", 3)
	c := h.coordinator()

	outcomes := processN(t, c, 3)
	require.Empty(t, outcomes[0].Transition)
	require.EqualValues(t, 2, outcomes[0].Remaining)
	require.Equal(t, domain.StatusComplete, outcomes[2].Transition)

	require.Equal(t, domain.StatusComplete, h.catalog.status("S1"))
	require.Equal(t, 1, h.catalog.terminalWrites("S1"))
	pages := h.catalog.pageRecords("S1")
	require.Len(t, pages, 3)
	for i := 1; i <= 3; i++ {
		require.Equal(t, domain.PageStatusNormal, pages[i].Status)
		require.Equal(t, "A", pages[i].TestResults["1"])
	}

	_, ok := h.counter(domain.PendingKey("S1"))
	require.False(t, ok)
	_, ok = h.counter(domain.ErrorKey("S1"))
	require.False(t, ok)

	for _, j := range jobs {
		require.True(t, h.files.wasRemoved(j.ImagePath))
	}
	require.Zero(t, h.queue.Len())
	require.False(t, c.Halted())
}

func TestErrorPagesGivePartialCompletion(t *testing.T) {
	h := newHarness()
	jobs := h.seed("S2", 4)
	h.recognizer.failures[jobs[0].ImagePath] = true
	h.recognizer.failures[jobs[2].ImagePath] = true
	c := h.coordinator()

	processN(t, c, 3)
	errs, ok := h.counter(domain.ErrorKey("S2"))
	require.True(t, ok)
	require.EqualValues(t, 2, errs)
	require.Equal(t, domain.StatusInProgress, h.catalog.status("S2"))

	out := processN(t, c, 1)[0]
	require.Equal(t, domain.StatusPartiallyComplete, out.Transition)

	pages := h.catalog.pageRecords("S2")
	require.Len(t, pages, 4)
	require.Equal(t, domain.PageStatusError, pages[1].Status)
	require.Equal(t, domain.PageStatusError, pages[3].Status)
	require.Empty(t, pages[1].TestResults)
	require.Equal(t, domain.PageStatusNormal, pages[2].Status)
	// error pages are still consumed
	require.True(t, h.files.wasRemoved(jobs[0].ImagePath))
	require.Zero(t, h.queue.Len())
}

func TestCatalogFailureOnPageWriteCompensatesAndHalts(t *testing.T) {
	h := newHarness()
	jobs := h.seed("S3", 2)
	h.catalog.failUpsert = 1
	c := h.coordinator()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.ProcessNext(ctx)
	require.ErrorIs(t, err, ErrHalted)
	require.ErrorIs(t, err, domain.ErrCatalogUnavailable)
	require.True(t, c.Halted())
	require.ErrorIs(t, c.HaltCause(), domain.ErrCatalogUnavailable)

	pending, _ := h.counter(domain.PendingKey("S3"))
	require.EqualValues(t, 2, pending)
	require.Equal(t, jobs, h.queue.Jobs())
	require.False(t, h.files.wasRemoved(jobs[0].ImagePath))

	_, err = c.ProcessNext(ctx)
	require.Equal(t, ErrHalted, err)
	require.Len(t, h.recognizer.calls, 1)
}

func TestCatalogFailureOnLastPageRestoresBothCounters(t *testing.T) {
	h := newHarness()
	jobs := h.seed("S4", 1)
	h.recognizer.failures[jobs[0].ImagePath] = true
	h.catalog.failSetStatus[domain.StatusPartiallyComplete] = 1
	c := h.coordinator()

	_, err := c.ProcessNext(context.Background())
	require.ErrorIs(t, err, ErrHalted)

	pending, _ := h.counter(domain.PendingKey("S4"))
	errs, _ := h.counter(domain.ErrorKey("S4"))
	require.EqualValues(t, 1, pending)
	require.EqualValues(t, 0, errs)
	require.Equal(t, domain.StatusInQueue, h.catalog.status("S4"))
	require.Equal(t, jobs, h.queue.Jobs())
}

func TestRestartAfterHaltFinishesSubmission(t *testing.T) {
	h := newHarness()
	h.seed("S5", 2)
	h.catalog.failUpsert = 1

	first := h.coordinator()
	_, err := first.ProcessNext(context.Background())
	require.ErrorIs(t, err, ErrHalted)

	second := h.coordinator()
	processN(t, second, 2)
	require.Equal(t, domain.StatusComplete, h.catalog.status("S5"))
	require.Len(t, h.catalog.pageRecords("S5"), 2)
	require.Zero(t, h.queue.Len())
}

func TestSourceRemovalFailureIsCompensated(t *testing.T) {
	h := newHarness()
	jobs := h.seed("S6", 1)
	h.files.fail[jobs[0].ImagePath] = errors.New("permission denied")
	c := h.coordinator()

	_, err := c.ProcessNext(context.Background())
	require.ErrorIs(t, err, ErrHalted)
	// counters were already removed with the completion, the job returns
	require.Equal(t, jobs, h.queue.Jobs())

	delete(h.files.fail, jobs[0].ImagePath)
	out := processN(t, h.coordinator(), 1)[0]
	require.True(t, out.Dropped)
	require.Equal(t, 1, h.catalog.terminalWrites("S6"))
	require.Zero(t, h.queue.Len())
}

func TestRedeliveredJobOfFinishedSubmissionIsDropped(t *testing.T) {
	h := newHarness()
	h.seed("S7", 1)
	c := h.coordinator()
	processN(t, c, 1)

	late := domain.Job{ID: "S7-p1", PageIndex: 1, SubmissionID: "S7", ImagePath: "/in/S7/1.jpg"}
	require.NoError(t, h.queue.Push(context.Background(), late))
	h.recognizer.failures[late.ImagePath] = true

	out := processN(t, c, 1)[0]
	require.True(t, out.Dropped)
	_, ok := h.counter(domain.ErrorKey("S7"))
	require.False(t, ok, "error counter must not be recreated")
	require.Equal(t, 1, h.catalog.terminalWrites("S7"))
	require.Equal(t, domain.PageStatusNormal, h.catalog.pageRecords("S7")[1].Status)
}

func TestMissingSourceOfRecordedPageIsAcknowledged(t *testing.T) {
	h := newHarness()
	jobs := h.seed("S8", 2)
	c := h.coordinator()
	processN(t, c, 1)

	// a crash between removing the source and acking redelivers page 1
	require.NoError(t, h.queue.Push(context.Background(), jobs[0]))
	h.recognizer.errs[jobs[0].ImagePath] = fmt.Errorf("read page image: %w", fs.ErrNotExist)

	outcomes := processN(t, c, 2)
	require.Equal(t, domain.StatusComplete, outcomes[0].Transition)
	require.True(t, outcomes[1].Dropped)
	require.Zero(t, h.queue.Len())
	require.Equal(t, 1, h.catalog.terminalWrites("S8"))
	require.Equal(t, domain.PageStatusNormal, h.catalog.pageRecords("S8")[1].Status)
}

func TestMissingSourceOnFirstDeliveryBecomesErrorPage(t *testing.T) {
	h := newHarness()
	jobs := h.seed("SX", 2)
	h.recognizer.errs[jobs[0].ImagePath] = fmt.Errorf("read page image: %w", fs.ErrNotExist)
	c := h.coordinator()

	outcomes := processN(t, c, 2)
	require.False(t, outcomes[0].Dropped)
	require.Equal(t, domain.PageStatusError, outcomes[0].PageStatus)
	require.Equal(t, domain.StatusPartiallyComplete, outcomes[1].Transition)

	require.Zero(t, h.queue.Len())
	require.Equal(t, domain.StatusPartiallyComplete, h.catalog.status("SX"))
	pages := h.catalog.pageRecords("SX")
	require.Len(t, pages, 2)
	require.Equal(t, domain.PageStatusError, pages[1].Status)
	_, tracked := h.counter(domain.PendingKey("SX"))
	require.False(t, tracked)
}

func TestMissingSourceLookupFailureIsCompensated(t *testing.T) {
	h := newHarness()
	jobs := h.seed("SY", 1)
	h.recognizer.errs[jobs[0].ImagePath] = fmt.Errorf("read page image: %w", fs.ErrNotExist)
	h.catalog.failLookup = 1
	c := h.coordinator()

	_, err := c.ProcessNext(context.Background())
	require.ErrorIs(t, err, ErrHalted)
	require.ErrorIs(t, err, domain.ErrCatalogUnavailable)
	require.True(t, c.Halted())
	require.Equal(t, jobs, h.queue.Jobs())
	pending, _ := h.counter(domain.PendingKey("SY"))
	require.EqualValues(t, 1, pending)
}

func TestUnclassifiedRecognizerErrorPropagates(t *testing.T) {
	h := newHarness()
	jobs := h.seed("S9", 1)
	boom := errors.New("recognizer unreachable")
	h.recognizer.errs[jobs[0].ImagePath] = boom
	c := h.coordinator()

	_, err := c.ProcessNext(context.Background())
	require.ErrorIs(t, err, boom)
	require.False(t, c.Halted())
	require.Equal(t, jobs, h.queue.Jobs())
	pending, _ := h.counter(domain.PendingKey("S9"))
	require.EqualValues(t, 1, pending)
}

func TestAckFailureHalts(t *testing.T) {
	h := newHarness()
	h.seed("S10", 2)
	q := &failingQueue{MemoryQueue: h.queue, failAcks: 1}
	c := h.coordinatorWithQueue(q)

	_, err := c.ProcessNext(context.Background())
	require.ErrorIs(t, err, ErrHalted)
	require.True(t, c.Halted())
	// the catalog side is done; the job is left to lease expiry
	require.Len(t, h.catalog.pageRecords("S10"), 1)
	pending, _ := h.counter(domain.PendingKey("S10"))
	require.EqualValues(t, 1, pending)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness()
	h.seed("S11", 2)
	c := h.coordinator()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.catalog.status("S11") == domain.StatusComplete
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRunReturnsCompensatedError(t *testing.T) {
	h := newHarness()
	h.seed("S12", 1)
	h.catalog.failUpsert = 1

	err := h.coordinator().Run(context.Background())
	require.ErrorIs(t, err, ErrHalted)
	require.ErrorIs(t, err, domain.ErrCatalogUnavailable)
}

func TestConcurrentCoordinatorsWriteOneTransitionPerSubmission(t *testing.T) {
	h := newHarness()
	const submissions, pages = 6, 5
	for s := 0; s < submissions; s++ {
		jobs := h.seed(fmt.Sprintf("C%d", s), pages)
		if s%2 == 1 {
			h.recognizer.failures[jobs[s%pages].ImagePath] = true
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < 3; i++ {
		c := h.coordinator()
		g.Go(func() error { return c.Run(gctx) })
	}
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if h.catalog.terminalCount() == submissions && h.queue.Len() == 0 {
					stop()
					return nil
				}
			}
		}
	})
	require.NoError(t, g.Wait())

	for s := 0; s < submissions; s++ {
		id := fmt.Sprintf("C%d", s)
		require.Equal(t, 1, h.catalog.terminalWrites(id), id)
		require.Len(t, h.catalog.pageRecords(id), pages)
		want := domain.StatusComplete
		if s%2 == 1 {
			want = domain.StatusPartiallyComplete
		}
		require.Equal(t, want, h.catalog.status(id))
	}
}
