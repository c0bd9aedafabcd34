// Package gitqueue serializes mutating git operations per repository
//. Every merge, branch deletion, worktree add/remove, and
// push goes through here; reads like `git diff` or `git branch --merged`
// may run outside the queue. One goroutine per repository drains a FIFO
// channel of jobs, giving "at most one job running per repository at a
// time" without a global lock across unrelated repos.
package gitqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultJobTimeout is used for a Job that doesn't specify its own
// (most git ops; merges should pass a longer timeout explicitly).
const DefaultJobTimeout = 30 * time.Second

// Job is one unit of serialized work against a repository.
type Job struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	// ID correlates this job's log lines and trace span across the
	// queue/wait/execute boundary; Enqueue/EnqueueAndWait generate one
	// with uuid.NewString when left blank.
	ID string
}

type queuedJob struct {
	job      Job
	resultCh chan error
	callback func(error)
}

type repoWorker struct {
	jobs chan queuedJob
	wg   sync.WaitGroup
}

// Queue is a per-repository FIFO serializer for git mutations.
type Queue struct {
	mu     sync.Mutex
	repos  map[string]*repoWorker
	logger *slog.Logger
	tracer trace.Tracer
}

// New constructs an empty Queue.
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{repos: make(map[string]*repoWorker), logger: logger}
}

// SetTracer enables a span per job, named after the job and tagged
// with the repository path. Passing nil (the default) keeps jobs
// untraced.
func (q *Queue) SetTracer(tracer trace.Tracer) {
	q.tracer = tracer
}

func (q *Queue) workerFor(repo string) *repoWorker {
	q.mu.Lock()
	defer q.mu.Unlock()
	rw, ok := q.repos[repo]
	if !ok {
		rw = &repoWorker{jobs: make(chan queuedJob, 256)}
		q.repos[repo] = rw
		go q.run(repo, rw)
	}
	return rw
}

func (q *Queue) run(repo string, rw *repoWorker) {
	for qj := range rw.jobs {
		q.execute(repo, qj)
		rw.wg.Done()
	}
}

func (q *Queue) execute(repo string, qj queuedJob) {
	timeout := qj.job.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}

	if err := waitForIndexLock(repo); err != nil {
		q.logger.Warn("gitqueue: proceeding despite held index.lock", "repo", repo, "job", qj.job.Name, "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if q.tracer != nil {
		var span trace.Span
		ctx, span = q.tracer.Start(ctx, "gitqueue."+qj.job.Name, trace.WithAttributes(
			attribute.String("repo", repo),
			attribute.String("job_id", qj.job.ID),
		))
		defer span.End()
		defer func() {
			if err := recover(); err != nil {
				span.SetStatus(codes.Error, "panic")
				panic(err)
			}
		}()
	}

	start := time.Now()
	err := qj.job.Run(ctx)
	if q.tracer != nil && err != nil {
		trace.SpanFromContext(ctx).SetStatus(codes.Error, err.Error())
	}
	q.logger.Debug("gitqueue: job finished", "repo", repo, "job", qj.job.Name, "job_id", qj.job.ID, "duration", time.Since(start), "error", err)

	if qj.resultCh != nil {
		qj.resultCh <- err
		close(qj.resultCh)
	}
	if qj.callback != nil {
		qj.callback(err)
	}
}

// Enqueue fires and forgets; completion is reported via callback (which
// may be nil). It never blocks on job completion.
func (q *Queue) Enqueue(repo string, job Job, callback func(error)) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	rw := q.workerFor(repo)
	rw.wg.Add(1)
	rw.jobs <- queuedJob{job: job, callback: callback}
}

// EnqueueAndWait resolves when the job completes, or when ctx is
// cancelled first (the job itself keeps running to completion in the
// latter case; only the caller stops waiting).
func (q *Queue) EnqueueAndWait(ctx context.Context, repo string, job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	rw := q.workerFor(repo)
	resultCh := make(chan error, 1)
	rw.wg.Add(1)
	rw.jobs <- queuedJob{job: job, resultCh: resultCh}

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain blocks until every job enqueued so far for repo has completed.
// Jobs enqueued concurrently with Drain may or may not be waited on.
func (q *Queue) Drain(repo string) {
	q.mu.Lock()
	rw, ok := q.repos[repo]
	q.mu.Unlock()
	if !ok {
		return
	}
	rw.wg.Wait()
}
