package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"icr-worker/internal/domain"
)

type memoryEntry struct {
	job         domain.Job
	leasedUntil time.Time
}

// MemoryQueue is an in-process JobQueue. It is used by tests and by
// single-process setups that do not need durability.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []*memoryEntry
	lease   time.Duration
	poll    time.Duration
	now     func() time.Time
	notify  chan struct{}
	closed  bool
	done    chan struct{}
}

func NewMemoryQueue(lease time.Duration) *MemoryQueue {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &MemoryQueue{
		lease:  lease,
		poll:   50 * time.Millisecond,
		now:    time.Now,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *MemoryQueue) Push(_ context.Context, job domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for _, e := range q.entries {
		if e.job.ID == job.ID {
			return nil
		}
	}
	q.entries = append(q.entries, &memoryEntry{job: job})
	q.wake()
	return nil
}

func (q *MemoryQueue) Pop(ctx context.Context) (domain.Job, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()
	for {
		if job, ok, err := q.tryLease(); err != nil || ok {
			return job, err
		}
		select {
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		case <-q.done:
			return domain.Job{}, ErrClosed
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

func (q *MemoryQueue) tryLease() (domain.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.Job{}, false, ErrClosed
	}
	now := q.now()
	for _, e := range q.entries {
		if e.leasedUntil.After(now) {
			continue
		}
		e.leasedUntil = now.Add(q.lease)
		return e.job, true, nil
	}
	return domain.Job{}, false, nil
}

func (q *MemoryQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.job.ID == jobID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("ack job %s: %w", jobID, domain.ErrNotFound)
}

func (q *MemoryQueue) Release(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.job.ID == jobID {
			e.leasedUntil = time.Time{}
			q.wake()
			return nil
		}
	}
	return fmt.Errorf("release job %s: %w", jobID, domain.ErrNotFound)
}

// Len counts stored jobs, leased or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Jobs returns a copy of the stored payloads in queue order.
func (q *MemoryQueue) Jobs() []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Job, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.job)
	}
	return out
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type counterMark struct {
	delta int64
}

// MemoryCounters is an in-process CounterStore.
type MemoryCounters struct {
	mu     sync.Mutex
	values map[string]int64
	marks  map[string]map[string]counterMark
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{
		values: map[string]int64{},
		marks:  map[string]map[string]counterMark{},
	}
}

func (c *MemoryCounters) Get(_ context.Context, key string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *MemoryCounters) Set(_ context.Context, key string, value int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	delete(c.marks, key)
	return nil
}

func (c *MemoryCounters) Increment(_ context.Context, key, token string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.marked(key, token) {
		return c.values[key], nil
	}
	c.values[key]++
	c.mark(key, token, 1)
	return c.values[key], nil
}

func (c *MemoryCounters) DecrementAndFetch(_ context.Context, key, token string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	if !ok {
		return 0, fmt.Errorf("decrement %s: %w", key, domain.ErrCounterNotFound)
	}
	if c.marked(key, token) {
		return v, nil
	}
	if v <= 0 {
		return 0, fmt.Errorf("decrement %s: %w", key, domain.ErrCounterUnderflow)
	}
	c.values[key] = v - 1
	c.mark(key, token, -1)
	return v - 1, nil
}

func (c *MemoryCounters) Revert(_ context.Context, key, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.marks[key][token]
	if !ok {
		return nil
	}
	delete(c.marks[key], token)
	if _, exists := c.values[key]; exists {
		c.values[key] -= m.delta
	}
	return nil
}

func (c *MemoryCounters) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.values, k)
		delete(c.marks, k)
	}
	return nil
}

func (c *MemoryCounters) marked(key, token string) bool {
	_, ok := c.marks[key][token]
	return ok
}

func (c *MemoryCounters) mark(key, token string, delta int64) {
	if c.marks[key] == nil {
		c.marks[key] = map[string]counterMark{}
	}
	c.marks[key][token] = counterMark{delta: delta}
}
