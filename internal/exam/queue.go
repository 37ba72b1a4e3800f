package exam

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Queue decouples evaluation from the HTTP request that completed the
// session: jobs run on their own goroutine with a retry policy, so a grading
// failure is observable and retryable without touching the completion call.
type Queue struct {
	evaluator *Evaluator
	jobs      chan string
	retries   int
	backoff   time.Duration
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewQueue creates an evaluation queue with the given buffer size.
func NewQueue(e *Evaluator, buffer int) *Queue {
	if buffer <= 0 {
		buffer = 16
	}
	return &Queue{
		evaluator: e,
		jobs:      make(chan string, buffer),
		retries:   1,
		backoff:   5 * time.Second,
	}
}

// Start launches the worker. Evaluation runs under context.Background
// because it must outlive the originating HTTP request.
func (q *Queue) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for sessionID := range q.jobs {
			q.run(sessionID)
		}
	}()
}

// Stop closes the queue and waits for in-flight evaluations to finish.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.jobs) })
	q.wg.Wait()
}

// Enqueue schedules a session for evaluation. When the queue is saturated
// the job is dropped with a log line; the report endpoint regenerates
// missing reports on demand, so a dropped job is recoverable.
func (q *Queue) Enqueue(sessionID string) {
	select {
	case q.jobs <- sessionID:
	default:
		slog.Error("evaluation queue full, dropping job", "session_id", sessionID)
	}
}

func (q *Queue) run(sessionID string) {
	for attempt := 0; ; attempt++ {
		_, err := q.evaluator.Evaluate(context.Background(), sessionID)
		if err == nil {
			return
		}
		if attempt >= q.retries {
			slog.Error("evaluation failed, giving up",
				"session_id", sessionID, "attempts", attempt+1, "error", err)
			return
		}
		slog.Warn("evaluation failed, retrying",
			"session_id", sessionID, "attempt", attempt+1, "error", err)
		time.Sleep(q.backoff)
	}
}
