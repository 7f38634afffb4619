package replicator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Job carries one persisted artifact to the remote side.
type Job struct {
	Key     string
	Data    []byte
	Width   int
	Height  int
	Retries int
}

// Sink receives replicated artifacts.
type Sink interface {
	Replicate(ctx context.Context, job Job) error
}

// Replicator pushes locally persisted artifacts to a remote sink
// through a bounded queue of worker goroutines. Failed jobs are
// requeued up to maxRetries and then dropped with a log record.
type Replicator struct {
	sink Sink

	queue      chan Job
	workerNum  int
	maxRetries int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewReplicator(sink Sink, queueSize, workerNum, maxRetries int) *Replicator {
	if queueSize <= 0 {
		queueSize = 100
	}
	if workerNum <= 0 {
		workerNum = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Replicator{
		sink:       sink,
		queue:      make(chan Job, queueSize),
		workerNum:  workerNum,
		maxRetries: maxRetries,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (r *Replicator) Start(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	// Replication outlives the run context so queued artifacts still
	// drain on shutdown; Stop cancels in-flight work when its deadline
	// hits.
	innerCtx, innerCancel := context.WithCancel(context.WithoutCancel(ctx))
	r.ctx = innerCtx
	r.cancel = innerCancel
	r.mu.Unlock()

	r.wg.Add(r.workerNum)
	for i := 0; i < r.workerNum; i++ {
		go r.worker()
	}
}

func (r *Replicator) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		r.wg.Wait()
	}()

	// Workers keep consuming until the queue is closed and empty, so
	// everything enqueued before Stop gets a delivery attempt. The
	// caller's deadline bounds how long that drain may take.
	select {
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	case <-doneCh:
	}

	r.cancel()
	slog.Info("replicator: stopped")
	return nil
}

func (r *Replicator) Enqueue(job Job) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}

	select {
	case r.queue <- job:
		return true
	default:
		return false
	}
}

func (r *Replicator) worker() {
	defer r.wg.Done()

	for job := range r.queue {
		r.handleJob(r.ctx, job)
	}
}

func (r *Replicator) handleJob(ctx context.Context, job Job) {
	l := slog.With(
		slog.String("key", job.Key),
		slog.Int("retries", job.Retries),
	)

	if err := r.replicateOnce(ctx, job); err != nil {
		if job.Retries >= r.maxRetries {
			l.Error("replication failed, max retries exceeded",
				slog.String("error", err.Error()),
			)
			return
		}

		job.Retries++
		if r.Enqueue(job) {
			l.Warn("replication failed, job requeued",
				slog.String("error", err.Error()),
				slog.Int("next_retry", job.Retries),
			)
		} else {
			l.Error("replication failed, dropping job",
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *Replicator) replicateOnce(ctx context.Context, job Job) error {
	if len(job.Data) == 0 {
		return fmt.Errorf("empty artifact data")
	}

	if err := r.sink.Replicate(ctx, job); err != nil {
		return fmt.Errorf("replicate to remote: %w", err)
	}

	slog.Debug("replicator: artifact replicated",
		slog.String("key", job.Key),
		slog.Int("size", len(job.Data)),
	)

	return nil
}
