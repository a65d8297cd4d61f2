// Package queue provides the job queue contract consumed by the key rotation
// scheduler: at-least-once delivery, id-based deduplication, and bounded
// retries with backoff. The in-process implementation shares its dedup
// markers through the keystore, so deduplication holds across instances that
// share a redis service.
package queue

import (
	"context"
	"time"
)

// Job is one unit of work delivered to a handler. RetryCount is zero on the
// first delivery; a handler on its final allowed attempt sees
// RetryCount == RetryLimit.
type Job struct {
	ID         string
	Type       string
	Payload    []byte
	RetryCount int
	RetryLimit int
}

// Handler processes a job. A non-nil error requeues the job after backoff
// until the retry limit is reached, after which the job is terminal.
type Handler func(ctx context.Context, job *Job) error

type EnqueueOptions struct {
	// JobID deduplicates: enqueueing a second job with the same id while the
	// first is still tracked is a silent no-op. Empty disables dedup.
	JobID string
	// RetryLimit is the number of re-deliveries after a failed attempt.
	RetryLimit int
	// Backoff is the base delay before a retry; it doubles per attempt.
	// Defaults to 5 seconds.
	Backoff time.Duration
}

type WorkerOptions struct {
	// Concurrency is the number of jobs processed in parallel. Defaults to 1.
	Concurrency int
	// PollInterval is how often an idle worker checks for jobs. Defaults to
	// one second.
	PollInterval time.Duration
}

// Queue is the transport contract. Implementations must be safe for
// concurrent use.
type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload []byte, opts EnqueueOptions) error
	RegisterWorker(jobType string, opts WorkerOptions, handler Handler)
}

func (o EnqueueOptions) backoff() time.Duration {
	if o.Backoff <= 0 {
		return 5 * time.Second
	}
	return o.Backoff
}

func (o WorkerOptions) concurrency() int {
	if o.Concurrency <= 0 {
		return 1
	}
	return o.Concurrency
}

func (o WorkerOptions) pollInterval() time.Duration {
	if o.PollInterval <= 0 {
		return time.Second
	}
	return o.PollInterval
}
