package async

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/intakehub/docpipe/constants"
)

// Runner advances one document until it reaches a stable state. The job is
// acknowledged only when Run returns, so a crashed worker just means a
// later re-enqueue resumes from the ledger.
type Runner interface {
	Run(ctx context.Context, documentID uuid.UUID) (constants.DocState, error)
}

type DocumentQueue struct {
	runner  Runner
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	mu      sync.Mutex
	closed  bool
	sending sync.WaitGroup
}

type Option func(*DocumentQueue)

func WithWorkers(n int) Option {
	return func(q *DocumentQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}
func WithQueueSize(n int) Option {
	return func(q *DocumentQueue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}
func WithTaskTimeout(d time.Duration) Option {
	return func(q *DocumentQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func NewDocumentQueue(runner Runner, logger *slog.Logger, opts ...Option) *DocumentQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &DocumentQueue{
		runner:  runner,
		logger:  logger,
		workers: 4,
		timeout: 15 * time.Minute,
		ch:      make(chan Job, 256),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *DocumentQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("worker started", "worker_id", workerID)

				for job := range q.ch {
					ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
					state, err := q.runner.Run(ctx, job.DocumentID)
					cancel()

					if err != nil {
						q.logger.Error("document run failed",
							"worker_id", workerID, "doc_id", job.DocumentID, "error", err)
					} else {
						q.logger.Info("document run finished",
							"worker_id", workerID, "doc_id", job.DocumentID, "state", string(state))
					}
				}

				q.logger.Info("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (q *DocumentQueue) Enqueue(_ context.Context, documentID uuid.UUID, delay time.Duration) error {
	if delay > 0 {
		time.AfterFunc(delay, func() { q.push(documentID) })
		q.logger.Info("queued document with delay", "doc_id", documentID, "delay", delay)
		return nil
	}
	q.push(documentID)
	return nil
}

func (q *DocumentQueue) push(documentID uuid.UUID) {
	// The send can block under backpressure, so it must happen outside the
	// mutex: Shutdown and other enqueuers keep making progress while this
	// caller waits for a worker to drain a slot.
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Warn("cannot enqueue: queue is shutting down", "doc_id", documentID)
		return
	}
	q.sending.Add(1)
	q.mu.Unlock()
	defer q.sending.Done()

	job := Job{DocumentID: documentID, SubmittedAt: time.Now().UTC()}
	select {
	case q.ch <- job:
		q.logger.Info("queued document for processing", "doc_id", documentID)
	default:
		q.logger.Warn("queue full, applying backpressure", "doc_id", documentID)
		q.ch <- job
	}
}

func (q *DocumentQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	// No new pushes can start past this point; wait out in-flight sends
	// before closing the channel (workers are still draining, so a push
	// blocked on backpressure completes).
	q.sending.Wait()
	close(q.ch)

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
		q.logger.Info("queue drained, shutdown complete")
	}
}
