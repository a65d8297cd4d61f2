package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keyfort/keyfort/internal/logging"
	"github.com/keyfort/keyfort/internal/server/keystore"
)

// DedupTTL is how long an enqueued job id blocks re-enqueueing. Long enough
// to outlive any retry schedule, short enough that a marker left behind by a
// dropped job eventually clears.
const DedupTTL = 24 * time.Hour

// Memory is the in-process Queue. Jobs live in memory, so a crashed instance
// loses its backlog; producers that track enqueued work of their own, like
// the rotation scheduler's queued mark, must treat a job unfinished after
// DedupTTL as lost and re-enqueue it. The keystore-backed dedup markers
// expire on the same schedule, so the re-enqueue is accepted exactly when
// the original job can no longer be delivered.
type Memory struct {
	store keystore.KeyStore

	mu      sync.Mutex
	pending map[string][]*pendingJob
	workers []registration
}

type pendingJob struct {
	job       *Job
	backoff   time.Duration
	notBefore time.Time
}

type registration struct {
	jobType string
	opts    WorkerOptions
	handler Handler
}

func NewMemory(store keystore.KeyStore) *Memory {
	return &Memory{
		store:   store,
		pending: map[string][]*pendingJob{},
	}
}

func (q *Memory) Enqueue(ctx context.Context, jobType string, payload []byte, opts EnqueueOptions) error {
	if opts.JobID != "" {
		fresh, err := q.store.SetItemIfNotExists(ctx, keystore.JobDeduplicationID+jobType+":"+opts.JobID, "1", DedupTTL)
		if err != nil {
			return err
		}
		if !fresh {
			logging.Debugf("job %s %s already enqueued, skipping", jobType, opts.JobID)
			return nil
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending[jobType] = append(q.pending[jobType], &pendingJob{
		job: &Job{
			ID:         opts.JobID,
			Type:       jobType,
			Payload:    payload,
			RetryLimit: opts.RetryLimit,
		},
		backoff: opts.backoff(),
	})
	return nil
}

// RegisterWorker records a handler for jobType. Workers start when Run is
// called; registrations after that are ignored.
func (q *Memory) RegisterWorker(jobType string, opts WorkerOptions, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.workers = append(q.workers, registration{jobType: jobType, opts: opts, handler: handler})
}

// Run polls for jobs until ctx is done. It blocks, so callers run it in its
// own goroutine, typically under an errgroup.
func (q *Memory) Run(ctx context.Context) error {
	q.mu.Lock()
	workers := make([]registration, len(q.workers))
	copy(workers, q.workers)
	q.mu.Unlock()

	var wg sync.WaitGroup
	for _, reg := range workers {
		for i := 0; i < reg.opts.concurrency(); i++ {
			wg.Add(1)
			go func(reg registration) {
				defer wg.Done()
				q.workerLoop(ctx, reg)
			}(reg)
		}
	}
	wg.Wait()
	return nil
}

func (q *Memory) workerLoop(ctx context.Context, reg registration) {
	ticker := time.NewTicker(reg.opts.pollInterval())
	defer ticker.Stop()

	for {
		for {
			entry := q.pop(reg.jobType)
			if entry == nil {
				break
			}
			q.process(ctx, reg, entry)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *Memory) pop(jobType string) *pendingJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	jobs := q.pending[jobType]
	for i, entry := range jobs {
		if entry.notBefore.After(now) {
			continue
		}
		q.pending[jobType] = append(jobs[:i], jobs[i+1:]...)
		return entry
	}
	return nil
}

func (q *Memory) process(ctx context.Context, reg registration, entry *pendingJob) {
	err := runWithRescue(ctx, reg.handler, entry.job)
	if err == nil {
		return
	}

	if entry.job.RetryCount >= entry.job.RetryLimit {
		logging.Errorf("job %s %s failed after %d attempts: %s",
			entry.job.Type, entry.job.ID, entry.job.RetryCount+1, err)
		return
	}

	delay := entry.backoff << entry.job.RetryCount
	entry.job.RetryCount++
	entry.notBefore = time.Now().Add(delay)

	q.mu.Lock()
	q.pending[entry.job.Type] = append(q.pending[entry.job.Type], entry)
	q.mu.Unlock()
}

func runWithRescue(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("job %s %s panic: %v", job.Type, job.ID, r)
			err = &panicError{value: r}
		}
	}()
	return handler(ctx, job)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("job handler panic: %v", e.value)
}
