package tasks

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

func defaultNow() time.Time { return time.Now() }

// Job is what a worker actually runs: given the task and a
// cancellation-aware context, drive the child process and report progress
// via the Reporter, which mutates the task under the queue's mutex.
type Job func(ctx context.Context, t *Task, report Reporter)

// Reporter is the narrow mutation surface a Job gets, so job bodies never
// touch queue internals directly.
type Reporter interface {
	Log(level, message string)
	Result(r Result)
	Progress(p int)
	Cancelled() bool
	Fail(err string)
}

// Queue is a single-worker FIFO queue per Kind: at most one task per kind
// is ever StatusRunning at a time (spec.md §8 invariant 6). One dispatcher
// loop (Run) reads kind signals from a shared channel and starts a kind's
// next pending task only while no task of that kind is running.
type Queue struct {
	mu    sync.Mutex
	tasks map[string]*Task // all tasks, pending+running+finished, by id

	pending map[Kind][]*Task
	running map[Kind]*Task
	cancel  map[string]context.CancelFunc

	workC chan Kind // signals a kind has new pending work

	job Job
}

func NewQueue(job Job) *Queue {
	q := &Queue{
		tasks:   make(map[string]*Task),
		pending: make(map[Kind][]*Task),
		running: make(map[Kind]*Task),
		cancel:  make(map[string]context.CancelFunc),
		workC:   make(chan Kind, 64),
		job:     job,
	}
	return q
}

// Run starts the dispatcher loop; it blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case kind := <-q.workC:
			q.maybeStart(ctx, kind)
		}
	}
}

// Enqueue adds a new pending task of the given kind and returns it.
func (q *Queue) Enqueue(kind Kind, accounts []string) *Task {
	t := newTask(kind, accounts)
	q.mu.Lock()
	q.tasks[t.ID] = t
	q.pending[kind] = append(q.pending[kind], t)
	q.mu.Unlock()

	select {
	case q.workC <- kind:
	default:
	}
	return t
}

func (q *Queue) maybeStart(ctx context.Context, kind Kind) {
	q.mu.Lock()
	if q.running[kind] != nil {
		q.mu.Unlock()
		return // invariant 6: only one running task per kind
	}
	queue := q.pending[kind]
	if len(queue) == 0 {
		q.mu.Unlock()
		return
	}
	t := queue[0]
	q.pending[kind] = queue[1:]
	q.running[kind] = t
	taskCtx, cancel := context.WithCancel(ctx)
	q.cancel[t.ID] = cancel
	now := nowFunc()
	t.StartedAt = &now
	t.Status = StatusRunning
	q.mu.Unlock()

	go q.runOne(taskCtx, kind, t, cancel)
}

func (q *Queue) runOne(ctx context.Context, kind Kind, t *Task, cancel context.CancelFunc) {
	defer cancel()
	reporter := &taskReporter{q: q, t: t}

	q.job(ctx, t, reporter)

	q.mu.Lock()
	if t.CancelRequested {
		t.Status = StatusCancelled
	} else if t.Error != "" {
		t.Status = StatusFailed
	} else {
		t.Status = StatusSuccess
	}
	now := nowFunc()
	t.FinishedAt = &now
	delete(q.running, kind)
	delete(q.cancel, t.ID)
	q.evictOldFinishedLocked()
	q.mu.Unlock()

	select {
	case q.workC <- kind:
	default:
	}
}

// evictOldFinishedLocked keeps at most the 10 newest finished tasks
// (spec.md §3/§4.10), oldest evicted by finished_at. Caller holds q.mu.
func (q *Queue) evictOldFinishedLocked() {
	var finished []*Task
	for _, t := range q.tasks {
		if t.FinishedAt != nil {
			finished = append(finished, t)
		}
	}
	if len(finished) <= retainedFinished {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].FinishedAt.Before(*finished[j].FinishedAt) })
	for _, t := range finished[:len(finished)-retainedFinished] {
		delete(q.tasks, t.ID)
	}
}

// Cancel requests cooperative cancellation of a running (or still pending)
// task.
func (q *Queue) Cancel(taskID, reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return false
	}
	t.CancelRequested = true
	t.CancelReason = reason
	if cancel, ok := q.cancel[taskID]; ok {
		cancel()
	}
	return true
}

// Get returns a snapshot copy of one task.
func (q *Queue) Get(taskID string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// AnyRunning reports whether any kind currently has a running task, used
// by the orphan sweeper to avoid racing a live subprocess (spec.md §9).
func (q *Queue) AnyRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running) > 0
}

// Current returns the currently running task for a kind, if any.
func (q *Queue) Current(kind Kind) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.running[kind]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Pending returns a snapshot of every still-pending task of the given
// kind, in FIFO order, used by admin task-listing endpoints.
func (q *Queue) Pending(kind Kind) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.pending[kind]))
	for i, t := range q.pending[kind] {
		out[i] = *t
	}
	return out
}

// PendingOrRunningAccounts returns the union of account ids referenced by
// any pending or running task of the given kind, used by C11 to dedupe
// refresh enqueues against in-flight work.
func (q *Queue) PendingOrRunningAccounts(kind Kind) map[string]bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]bool)
	for _, t := range q.pending[kind] {
		for _, a := range t.Accounts {
			out[a] = true
		}
	}
	if t, ok := q.running[kind]; ok {
		for _, a := range t.Accounts {
			out[a] = true
		}
	}
	return out
}

type taskReporter struct {
	q *Queue
	t *Task
}

func (r *taskReporter) Log(level, message string) {
	r.q.mu.Lock()
	r.t.appendLog(level, message)
	r.q.mu.Unlock()
	slog.Debug("task log", "task_id", r.t.ID, "level", level, "message", message)
}

func (r *taskReporter) Result(res Result) {
	r.q.mu.Lock()
	r.t.appendResult(res)
	r.q.mu.Unlock()
}

func (r *taskReporter) Progress(p int) {
	r.q.mu.Lock()
	r.t.Progress = p
	r.q.mu.Unlock()
}

func (r *taskReporter) Cancelled() bool {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	return r.t.CancelRequested
}

func (r *taskReporter) Fail(err string) {
	r.q.mu.Lock()
	r.t.Error = err
	r.q.mu.Unlock()
}

// nowFunc is a seam so tests could stub time if needed; kept as time.Now
// by default.
var nowFunc = defaultNow
