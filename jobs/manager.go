package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tannht/mcp-compliance-go/mcp"
)

const (
	defaultMaxJobs  = 64
	defaultJobTTL   = 5 * time.Minute
	defaultPollBase = 100 * time.Millisecond
	defaultPollMax  = 2 * time.Second
)

// CapacityPolicy decides what happens when a submission meets a full job
// table.
type CapacityPolicy int

const (
	// CapacityReject bounds the number of non-terminal jobs. At the limit,
	// Submit fails with ErrCapacityExceeded.
	CapacityReject CapacityPolicy = iota

	// CapacityEvictTerminal bounds the total number of records. At the
	// limit the oldest terminal record is evicted to free a slot; Submit
	// fails only when every record is still live.
	CapacityEvictTerminal
)

// Option customizes a Manager.
type Option func(*options)

type options struct {
	maxJobs  int
	jobTTL   time.Duration
	policy   CapacityPolicy
	pollBase time.Duration
	pollMax  time.Duration
	log      *slog.Logger
}

// WithMaxJobs bounds the job table. Values below 1 keep the default.
func WithMaxJobs(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxJobs = n
		}
	}
}

// WithJobTTL sets how long job records are retained after creation.
func WithJobTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.jobTTL = d
		}
	}
}

// WithCapacityPolicy selects the behavior at the job table limit.
func WithCapacityPolicy(p CapacityPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithPollInterval tunes the poll backoff hint: suggested delay grows
// linearly from base per completed poll and is capped at max.
func WithPollInterval(base, max time.Duration) Option {
	return func(o *options) {
		if base > 0 {
			o.pollBase = base
		}
		if max > 0 {
			o.pollMax = max
		}
	}
}

// WithLogger sets the logger for job lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// Manager owns the async job lifecycle. All mutations go through a single
// mutex so status transitions stay one-directional even under concurrent
// polls, cancels and executor callbacks. Submit and the read operations
// never suspend; Resume is the only blocking call.
type Manager struct {
	log   *slog.Logger
	store Store

	maxJobs  int
	jobTTL   time.Duration
	policy   CapacityPolicy
	pollBase time.Duration
	pollMax  time.Duration

	mu        sync.Mutex
	cancels   map[string]context.CancelCauseFunc
	waiters   map[string][]chan *mcp.Job
	pollCount map[string]int
	closed    bool

	wg sync.WaitGroup
}

// New constructs a Manager on top of a Store. The store's lifetime belongs
// to the caller.
func New(store Store, opts ...Option) *Manager {
	o := options{
		maxJobs:  defaultMaxJobs,
		jobTTL:   defaultJobTTL,
		policy:   CapacityReject,
		pollBase: defaultPollBase,
		pollMax:  defaultPollMax,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		log:       o.log,
		store:     store,
		maxJobs:   o.maxJobs,
		jobTTL:    o.jobTTL,
		policy:    o.policy,
		pollBase:  o.pollBase,
		pollMax:   o.pollMax,
		cancels:   make(map[string]context.CancelCauseFunc),
		waiters:   make(map[string][]chan *mcp.Job),
		pollCount: make(map[string]int),
	}
}

// Submit registers a job for the request and schedules its executor. It
// returns synchronously with a handle in the queued state; the executor goroutine
// flips the job to in_progress when it starts. The executor's context is
// detached from ctx: an async job outlives the request that submitted it.
func (m *Manager) Submit(ctx context.Context, req *mcp.ToolCallRequest, exec ExecutorFunc) (*mcp.JobHandle, error) {
	if req == nil {
		return nil, fmt.Errorf("submit: nil request")
	}
	if exec == nil {
		return nil, fmt.Errorf("submit: nil executor")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if err := m.ensureCapacityLocked(ctx); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	now := time.Now()
	job := &mcp.Job{
		JobID:       uuid.NewString(),
		RequestID:   req.RequestID,
		ToolID:      req.ToolID,
		Status:      mcp.JobStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
		TTLDeadline: now.Add(m.jobTTL),
	}
	if err := m.store.Put(ctx, job); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("submit: persist job: %w", err)
	}
	execCtx, cancel := context.WithCancelCause(context.Background())
	m.cancels[job.JobID] = cancel
	m.wg.Add(1)
	handle := &mcp.JobHandle{
		RequestID: req.RequestID,
		JobID:     job.JobID,
		Status:    job.Status,
		PollAfter: m.pollBase.Milliseconds(),
	}
	m.mu.Unlock()

	m.log.InfoContext(ctx, "job.submitted",
		slog.String("job_id", job.JobID),
		slog.String("tool_id", job.ToolID),
		slog.String("request_id", job.RequestID))

	args := make(json.RawMessage, len(req.Arguments))
	copy(args, req.Arguments)
	go m.run(execCtx, job.JobID, job.ToolID, args, exec)

	return handle, nil
}

// run drives one executor goroutine: queued -> in_progress, execute with
// panic containment, then commit the outcome.
func (m *Manager) run(ctx context.Context, jobID, toolID string, args json.RawMessage, exec ExecutorFunc) {
	defer m.wg.Done()
	defer m.releaseCancel(jobID)

	log := m.log.With(slog.String("job_id", jobID), slog.String("tool_id", toolID))
	if !m.markRunning(jobID) {
		// Cancelled or purged before the goroutine was scheduled.
		return
	}

	start := time.Now()
	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("executor panic: %v", r)
				log.Error("job.executor_panic",
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
			}
		}()
		result, err = exec(ctx, args, m.progressFunc(jobID))
	}()

	m.commit(jobID, result, err, start, log)
}

// markRunning flips a queued job to in_progress. It refuses jobs that were
// cancelled or purged between submission and goroutine start.
func (m *Manager) markRunning(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.store.Get(context.Background(), jobID)
	if err != nil || job.Status != mcp.JobStatusQueued {
		return false
	}
	job.Status = mcp.JobStatusInProgress
	job.UpdatedAt = time.Now()
	return m.store.Put(context.Background(), job) == nil
}

// commit settles the job unless something terminal happened while the
// executor ran; a result arriving after cancellation is discarded.
func (m *Manager) commit(jobID string, result any, execErr error, start time.Time, log *slog.Logger) {
	m.mu.Lock()
	job, err := m.store.Get(context.Background(), jobID)
	if err != nil {
		m.mu.Unlock()
		log.Warn("job.expired_before_commit")
		return
	}
	if job.Status.Terminal() {
		m.mu.Unlock()
		log.Info("job.late_result_discarded", slog.String("status", string(job.Status)))
		return
	}

	job.UpdatedAt = time.Now()
	if execErr != nil {
		job.Status = mcp.JobStatusFailed
		job.Error = execErr.Error()
	} else if raw, merr := json.Marshal(result); merr != nil {
		job.Status = mcp.JobStatusFailed
		job.Error = fmt.Sprintf("unencodable result: %v", merr)
	} else {
		job.Status = mcp.JobStatusCompleted
		job.Result = raw
	}
	if perr := m.store.Put(context.Background(), job); perr != nil {
		m.mu.Unlock()
		log.Error("job.commit_fail", slog.String("err", perr.Error()))
		return
	}
	m.settleLocked(job)
	m.mu.Unlock()

	if job.Status == mcp.JobStatusCompleted {
		log.Info("job.completed", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	} else {
		log.Error("job.failed",
			slog.String("err", job.Error),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	}
}

// progressFunc builds the callback handed to one job's executor.
func (m *Manager) progressFunc(jobID string) ProgressFunc {
	return func(percent int) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		job, err := m.store.Get(context.Background(), jobID)
		if err != nil || job.Status.Terminal() {
			return
		}
		job.Progress = percent
		job.UpdatedAt = time.Now()
		_ = m.store.Put(context.Background(), job)
	}
}

// Poll returns the job's current state without blocking. Unknown ids and
// records past their TTL deadline report ErrJobNotFound.
func (m *Manager) Poll(ctx context.Context, jobID string) (*mcp.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		delete(m.pollCount, jobID)
		return nil, err
	}
	m.pollCount[jobID]++
	return job, nil
}

// PollAfter suggests how long a caller should wait before the next poll for
// this job: linear in the number of polls so far, capped.
func (m *Manager) PollAfter(jobID string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := time.Duration(m.pollCount[jobID]+1) * m.pollBase
	if d > m.pollMax {
		d = m.pollMax
	}
	return d
}

// Resume blocks until the job settles, then returns its outcome. Terminal
// jobs return immediately. The wait is bounded by the job's remaining TTL;
// if the deadline passes first the outcome is coerced to an error result
// naming the last observed status. Context cancellation returns ctx.Err().
func (m *Manager) Resume(ctx context.Context, jobID string) (*mcp.JobResult, error) {
	m.mu.Lock()
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if job.Status.Terminal() {
		m.mu.Unlock()
		return resultFromJob(job), nil
	}
	ch := make(chan *mcp.Job, 1)
	m.waiters[jobID] = append(m.waiters[jobID], ch)
	remaining := time.Until(job.TTLDeadline)
	lastStatus := job.Status
	m.mu.Unlock()

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case settled, ok := <-ch:
		if !ok || settled == nil {
			// Settled concurrently with delivery; fall back to a poll.
			return m.resumeFallback(ctx, jobID, lastStatus)
		}
		return resultFromJob(settled), nil
	case <-timer.C:
		m.removeWaiter(jobID, ch)
		return m.resumeFallback(ctx, jobID, lastStatus)
	case <-ctx.Done():
		m.removeWaiter(jobID, ch)
		return nil, ctx.Err()
	}
}

// resumeFallback re-reads the job after a timeout or a lost rendezvous. A
// job that settled in the meantime yields its real outcome; anything else
// coerces to an error result naming the last known status.
func (m *Manager) resumeFallback(ctx context.Context, jobID string, lastStatus mcp.JobStatus) (*mcp.JobResult, error) {
	m.mu.Lock()
	job, err := m.store.Get(ctx, jobID)
	m.mu.Unlock()
	if err == nil {
		if job.Status.Terminal() {
			return resultFromJob(job), nil
		}
		lastStatus = job.Status
	}
	requestID := ""
	if job != nil {
		requestID = job.RequestID
	}
	return &mcp.JobResult{
		RequestID: requestID,
		Status:    mcp.ResultStatusError,
		Error:     fmt.Sprintf("job ttl elapsed before completion (last status %s)", lastStatus),
	}, nil
}

// ListOptions narrows a List call. A zero Status matches every job; a Limit
// of zero or less returns all matches.
type ListOptions struct {
	Limit  int
	Status mcp.JobStatus
}

// ListResult carries one page of jobs plus the total number of matches
// regardless of the limit.
type ListResult struct {
	Jobs  []*mcp.Job `json:"jobs"`
	Total int        `json:"total"`
}

// List returns jobs sorted by creation time, newest first (job id breaks
// ties), optionally filtered by status.
func (m *Manager) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	m.mu.Lock()
	jobs, err := m.store.List(ctx)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	filtered := jobs[:0]
	for _, j := range jobs {
		if opts.Status == "" || j.Status == opts.Status {
			filtered = append(filtered, j)
		}
	}
	sort.Slice(filtered, func(i, k int) bool {
		if !filtered[i].CreatedAt.Equal(filtered[k].CreatedAt) {
			return filtered[i].CreatedAt.After(filtered[k].CreatedAt)
		}
		return filtered[i].JobID < filtered[k].JobID
	})
	total := len(filtered)
	if opts.Limit > 0 && total > opts.Limit {
		filtered = filtered[:opts.Limit]
	}
	return &ListResult{Jobs: filtered, Total: total}, nil
}

// Cancel flips a live job to cancelled and fires its executor's cancellation
// cause. It returns false for jobs that are already terminal; the flip is
// visible to polls immediately, and a late executor result is discarded.
func (m *Manager) Cancel(ctx context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	if job.Status.Terminal() {
		m.mu.Unlock()
		return false, nil
	}
	job.Status = mcp.JobStatusCancelled
	job.UpdatedAt = time.Now()
	if err := m.store.Put(ctx, job); err != nil {
		m.mu.Unlock()
		return false, fmt.Errorf("cancel: persist job: %w", err)
	}
	if cancel, ok := m.cancels[jobID]; ok {
		cancel(ErrJobCancelled)
	}
	m.settleLocked(job)
	m.mu.Unlock()

	m.log.InfoContext(ctx, "job.cancelled",
		slog.String("job_id", job.JobID),
		slog.String("tool_id", job.ToolID))
	return true, nil
}

// Close rejects further submissions, cancels in-flight executors and waits
// for their goroutines, bounded by ctx.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, cancel := range m.cancels {
		cancel(ErrManagerClosed)
		delete(m.cancels, id)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureCapacityLocked enforces the configured capacity policy before a new
// job is admitted.
func (m *Manager) ensureCapacityLocked(ctx context.Context) error {
	jobs, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("capacity check: %w", err)
	}
	switch m.policy {
	case CapacityEvictTerminal:
		for len(jobs) >= m.maxJobs {
			idx := -1
			for i, j := range jobs {
				if !j.Status.Terminal() {
					continue
				}
				if idx == -1 || j.CreatedAt.Before(jobs[idx].CreatedAt) {
					idx = i
				}
			}
			if idx == -1 {
				return fmt.Errorf("%w: all %d jobs live", ErrCapacityExceeded, len(jobs))
			}
			evicted := jobs[idx]
			if err := m.store.Delete(ctx, evicted.JobID); err != nil {
				return fmt.Errorf("capacity eviction: %w", err)
			}
			delete(m.pollCount, evicted.JobID)
			jobs = append(jobs[:idx], jobs[idx+1:]...)
			m.log.InfoContext(ctx, "job.evicted",
				slog.String("job_id", evicted.JobID),
				slog.String("status", string(evicted.Status)))
		}
		return nil
	default:
		live := 0
		for _, j := range jobs {
			if !j.Status.Terminal() {
				live++
			}
		}
		if live >= m.maxJobs {
			return fmt.Errorf("%w: %d jobs live", ErrCapacityExceeded, live)
		}
		return nil
	}
}

// settleLocked wakes every Resume waiter with a snapshot of the settled job
// and drops per-job bookkeeping. Callers hold m.mu.
func (m *Manager) settleLocked(job *mcp.Job) {
	for _, ch := range m.waiters[job.JobID] {
		select {
		case ch <- job.Clone():
		default:
		}
		close(ch)
	}
	delete(m.waiters, job.JobID)
	delete(m.pollCount, job.JobID)
}

func (m *Manager) removeWaiter(jobID string, ch chan *mcp.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.waiters[jobID]
	for i, c := range list {
		if c == ch {
			m.waiters[jobID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.waiters[jobID]) == 0 {
		delete(m.waiters, jobID)
	}
}

func (m *Manager) releaseCancel(jobID string) {
	m.mu.Lock()
	cancel, ok := m.cancels[jobID]
	delete(m.cancels, jobID)
	m.mu.Unlock()
	if ok {
		cancel(nil)
	}
}

// resultFromJob renders a terminal job as the caller-facing outcome.
func resultFromJob(job *mcp.Job) *mcp.JobResult {
	res := &mcp.JobResult{RequestID: job.RequestID}
	switch job.Status {
	case mcp.JobStatusCompleted:
		res.Status = mcp.ResultStatusSuccess
		res.Result = job.Result
	case mcp.JobStatusCancelled:
		res.Status = mcp.ResultStatusError
		res.Error = "job cancelled"
	default:
		res.Status = mcp.ResultStatusError
		res.Error = job.Error
	}
	return res
}
