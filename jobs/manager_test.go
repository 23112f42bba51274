package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/tannht/mcp-compliance-go/jobs"
	"github.com/tannht/mcp-compliance-go/jobs/memory"
	"github.com/tannht/mcp-compliance-go/mcp"
)

func newManager(t *testing.T, opts ...jobs.Option) *jobs.Manager {
	t.Helper()
	store := memory.NewStore(memory.WithCleanupInterval(time.Minute))
	t.Cleanup(func() { _ = store.Close() })
	opts = append([]jobs.Option{jobs.WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	m := jobs.New(store, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func callReq(tool string) *mcp.ToolCallRequest {
	return &mcp.ToolCallRequest{RequestID: "req-" + tool, ToolID: tool, Mode: mcp.ModeAsync}
}

func succeed(v any) jobs.ExecutorFunc {
	return func(context.Context, json.RawMessage, jobs.ProgressFunc) (any, error) {
		return v, nil
	}
}

// blockUntil waits for the release channel but stays cooperative so manager
// shutdown can reclaim it.
func blockUntil(release <-chan struct{}, v any) jobs.ExecutorFunc {
	return func(ctx context.Context, _ json.RawMessage, _ jobs.ProgressFunc) (any, error) {
		select {
		case <-release:
			return v, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestSubmitReturnsQueuedHandle(t *testing.T) {
	m := newManager(t)
	release := make(chan struct{})
	defer close(release)

	h, err := m.Submit(context.Background(), callReq("sleepy"), blockUntil(release, "ok"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if h.JobID == "" {
		t.Fatalf("handle must carry a job id")
	}
	if h.RequestID != "req-sleepy" {
		t.Fatalf("handle must echo the request id, got %q", h.RequestID)
	}
	if h.Status != mcp.JobStatusQueued && h.Status != mcp.JobStatusInProgress {
		t.Fatalf("fresh handle must be queued or in_progress, got %q", h.Status)
	}
	if h.PollAfter <= 0 {
		t.Fatalf("handle must suggest a poll delay, got %d", h.PollAfter)
	}
}

func TestSubmittedJobIDsAreUnique(t *testing.T) {
	m := newManager(t)
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		h, err := m.Submit(context.Background(), callReq("quick"), succeed(i))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if seen[h.JobID] {
			t.Fatalf("duplicate job id %s", h.JobID)
		}
		seen[h.JobID] = true
	}
}

func TestPollFindsSubmittedJob(t *testing.T) {
	m := newManager(t)
	release := make(chan struct{})
	defer close(release)

	h, err := m.Submit(context.Background(), callReq("watched"), blockUntil(release, nil))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := m.Poll(context.Background(), h.JobID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if job.JobID != h.JobID || job.ToolID != "watched" || job.RequestID != "req-watched" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Status != mcp.JobStatusQueued && job.Status != mcp.JobStatusInProgress {
		t.Fatalf("live job must be queued or in_progress, got %q", job.Status)
	}
	if job.Progress != 0 {
		t.Fatalf("fresh job must report zero progress, got %d", job.Progress)
	}
	if !job.TTLDeadline.After(job.CreatedAt) {
		t.Fatalf("ttl deadline must be after creation: %+v", job)
	}
}

func TestPollUnknownJob(t *testing.T) {
	m := newManager(t)
	if _, err := m.Poll(context.Background(), "no-such-job"); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobLifecycleCompletes(t *testing.T) {
	m := newManager(t)
	exec := func(_ context.Context, _ json.RawMessage, report jobs.ProgressFunc) (any, error) {
		for _, p := range []int{0, 25, 50, 75, 100} {
			report(p)
		}
		return map[string]bool{"done": true}, nil
	}
	h, err := m.Submit(context.Background(), callReq("progressive"), exec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := m.Resume(context.Background(), h.JobID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Status != mcp.ResultStatusSuccess {
		t.Fatalf("expected success, got %+v", res)
	}
	if string(res.Result) != `{"done":true}` {
		t.Fatalf("unexpected result payload: %s", res.Result)
	}
	if res.RequestID != "req-progressive" {
		t.Fatalf("result must echo the request id, got %q", res.RequestID)
	}
	job, err := m.Poll(context.Background(), h.JobID)
	if err != nil {
		t.Fatalf("poll after completion: %v", err)
	}
	if job.Status != mcp.JobStatusCompleted || job.Progress != 100 {
		t.Fatalf("expected completed at 100%%, got status %q progress %d", job.Status, job.Progress)
	}
}

func TestProgressObservableMidFlight(t *testing.T) {
	m := newManager(t)
	reported := make(chan struct{})
	release := make(chan struct{})
	exec := func(ctx context.Context, _ json.RawMessage, report jobs.ProgressFunc) (any, error) {
		report(50)
		close(reported)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "done", nil
	}
	h, err := m.Submit(context.Background(), callReq("halfway"), exec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-reported
	job, err := m.Poll(context.Background(), h.JobID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if job.Progress != 50 || job.Status != mcp.JobStatusInProgress {
		t.Fatalf("expected in_progress at 50, got %q at %d", job.Status, job.Progress)
	}
	close(release)
}

func TestProgressClampsOutOfRange(t *testing.T) {
	m := newManager(t)
	reported := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	exec := func(ctx context.Context, _ json.RawMessage, report jobs.ProgressFunc) (any, error) {
		report(42)
		report(-10)
		report(250)
		close(reported)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}
	h, err := m.Submit(context.Background(), callReq("clamped"), exec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-reported
	job, err := m.Poll(context.Background(), h.JobID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if job.Progress != 100 {
		t.Fatalf("expected clamp to 100, got %d", job.Progress)
	}
}

func TestCapacityRejectPolicy(t *testing.T) {
	m := newManager(t, jobs.WithMaxJobs(2))
	release := make(chan struct{})

	if _, err := m.Submit(context.Background(), callReq("one"), blockUntil(release, nil)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	h2, err := m.Submit(context.Background(), callReq("two"), blockUntil(release, nil))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if _, err := m.Submit(context.Background(), callReq("three"), blockUntil(release, nil)); !errors.Is(err, jobs.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}

	close(release)
	if _, err := m.Resume(context.Background(), h2.JobID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	// Terminal jobs do not count against the live limit.
	if _, err := m.Submit(context.Background(), callReq("four"), succeed(nil)); err != nil {
		t.Fatalf("submit after drain: %v", err)
	}
}

func TestCapacityEvictTerminalPolicy(t *testing.T) {
	m := newManager(t, jobs.WithMaxJobs(2), jobs.WithCapacityPolicy(jobs.CapacityEvictTerminal))
	release := make(chan struct{})
	defer close(release)

	h1, err := m.Submit(context.Background(), callReq("done-first"), succeed("v1"))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := m.Resume(context.Background(), h1.JobID); err != nil {
		t.Fatalf("resume first: %v", err)
	}
	if _, err := m.Submit(context.Background(), callReq("live-one"), blockUntil(release, nil)); err != nil {
		t.Fatalf("second submit: %v", err)
	}

	// Table is full; the terminal record is evicted to admit this one.
	if _, err := m.Submit(context.Background(), callReq("live-two"), blockUntil(release, nil)); err != nil {
		t.Fatalf("evicting submit: %v", err)
	}
	if _, err := m.Poll(context.Background(), h1.JobID); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("evicted job must be gone, got %v", err)
	}

	// Every record is live now; nothing can be evicted.
	if _, err := m.Submit(context.Background(), callReq("overflow"), blockUntil(release, nil)); !errors.Is(err, jobs.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestCancelLiveJob(t *testing.T) {
	m := newManager(t)
	started := make(chan struct{})
	finish := make(chan struct{})
	exec := func(_ context.Context, _ json.RawMessage, _ jobs.ProgressFunc) (any, error) {
		close(started)
		// Ignores cancellation and produces a late result.
		<-finish
		return "late-value", nil
	}
	h, err := m.Submit(context.Background(), callReq("doomed"), exec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	ok, err := m.Cancel(context.Background(), h.JobID)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	job, err := m.Poll(context.Background(), h.JobID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if job.Status != mcp.JobStatusCancelled {
		t.Fatalf("cancel must flip status immediately, got %q", job.Status)
	}

	// Let the executor settle late; its result must be discarded.
	close(finish)
	time.Sleep(30 * time.Millisecond)
	job, err = m.Poll(context.Background(), h.JobID)
	if err != nil {
		t.Fatalf("poll after late result: %v", err)
	}
	if job.Status != mcp.JobStatusCancelled || job.Result != nil {
		t.Fatalf("late result must be discarded, got %+v", job)
	}

	ok, err = m.Cancel(context.Background(), h.JobID)
	if err != nil || ok {
		t.Fatalf("second cancel must report false, got ok=%v err=%v", ok, err)
	}
}

func TestCancelDeliversCause(t *testing.T) {
	m := newManager(t)
	started := make(chan struct{})
	causeCh := make(chan error, 1)
	exec := func(ctx context.Context, _ json.RawMessage, _ jobs.ProgressFunc) (any, error) {
		close(started)
		<-ctx.Done()
		causeCh <- context.Cause(ctx)
		return nil, ctx.Err()
	}
	h, err := m.Submit(context.Background(), callReq("cooperative"), exec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	if ok, err := m.Cancel(context.Background(), h.JobID); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	select {
	case cause := <-causeCh:
		if !errors.Is(cause, jobs.ErrJobCancelled) {
			t.Fatalf("expected ErrJobCancelled cause, got %v", cause)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("executor never observed cancellation")
	}
}

func TestCancelUnknownJob(t *testing.T) {
	m := newManager(t)
	if _, err := m.Cancel(context.Background(), "missing"); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestResumeTerminalReturnsImmediately(t *testing.T) {
	m := newManager(t)
	h, err := m.Submit(context.Background(), callReq("instant"), succeed(map[string]int{"n": 7}))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	first, err := m.Resume(context.Background(), h.JobID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	again, err := m.Resume(context.Background(), h.JobID)
	if err != nil {
		t.Fatalf("second resume: %v", err)
	}
	if string(first.Result) != string(again.Result) || again.Status != mcp.ResultStatusSuccess {
		t.Fatalf("terminal job must stay resumable: %+v vs %+v", first, again)
	}
}

func TestResumeBlocksUntilSettled(t *testing.T) {
	m := newManager(t)
	release := make(chan struct{})
	h, err := m.Submit(context.Background(), callReq("slow"), blockUntil(release, map[string]int{"n": 1}))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := make(chan *mcp.JobResult, 1)
	go func() {
		res, rerr := m.Resume(context.Background(), h.JobID)
		if rerr != nil {
			t.Errorf("resume: %v", rerr)
		}
		done <- res
	}()

	select {
	case <-done:
		t.Fatalf("resume returned before the job settled")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case res := <-done:
		if res == nil || res.Status != mcp.ResultStatusSuccess || string(res.Result) != `{"n":1}` {
			t.Fatalf("unexpected resumed result: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("resume never woke up")
	}
}

func TestResumeHonorsCallerContext(t *testing.T) {
	m := newManager(t)
	release := make(chan struct{})
	defer close(release)
	h, err := m.Submit(context.Background(), callReq("stuck"), blockUntil(release, nil))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := m.Resume(ctx, h.JobID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestResumeCoercesAtTTL(t *testing.T) {
	m := newManager(t, jobs.WithJobTTL(60*time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	h, err := m.Submit(context.Background(), callReq("expiring"), blockUntil(release, nil))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := m.Resume(context.Background(), h.JobID)
	if err != nil {
		t.Fatalf("resume must coerce, not fail: %v", err)
	}
	if res.Status != mcp.ResultStatusError {
		t.Fatalf("expected error status, got %+v", res)
	}
	if !strings.Contains(res.Error, "ttl") {
		t.Fatalf("coerced error must mention the ttl, got %q", res.Error)
	}
}

func TestResumeUnknownJob(t *testing.T) {
	m := newManager(t)
	if _, err := m.Resume(context.Background(), "missing"); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestExecutorErrorCaptured(t *testing.T) {
	m := newManager(t)
	exec := func(context.Context, json.RawMessage, jobs.ProgressFunc) (any, error) {
		return nil, errors.New("tool exploded")
	}
	h, err := m.Submit(context.Background(), callReq("flaky"), exec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := m.Resume(context.Background(), h.JobID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Status != mcp.ResultStatusError || !strings.Contains(res.Error, "tool exploded") {
		t.Fatalf("unexpected result: %+v", res)
	}
	job, _ := m.Poll(context.Background(), h.JobID)
	if job.Status != mcp.JobStatusFailed {
		t.Fatalf("expected failed status, got %q", job.Status)
	}
}

func TestExecutorPanicContained(t *testing.T) {
	m := newManager(t)
	exec := func(context.Context, json.RawMessage, jobs.ProgressFunc) (any, error) {
		panic("kaboom")
	}
	h, err := m.Submit(context.Background(), callReq("volatile"), exec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := m.Resume(context.Background(), h.JobID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Status != mcp.ResultStatusError || !strings.Contains(res.Error, "executor panic") || !strings.Contains(res.Error, "kaboom") {
		t.Fatalf("panic must surface as a failed result: %+v", res)
	}

	// The manager keeps serving other jobs.
	h2, err := m.Submit(context.Background(), callReq("steady"), succeed("fine"))
	if err != nil {
		t.Fatalf("submit after panic: %v", err)
	}
	if res, err := m.Resume(context.Background(), h2.JobID); err != nil || res.Status != mcp.ResultStatusSuccess {
		t.Fatalf("manager destabilized by panic: res=%+v err=%v", res, err)
	}
}

func TestListOrderingAndTotals(t *testing.T) {
	m := newManager(t)
	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		h, err := m.Submit(context.Background(), callReq(name), succeed(name))
		if err != nil {
			t.Fatalf("submit %s: %v", name, err)
		}
		if _, err := m.Resume(context.Background(), h.JobID); err != nil {
			t.Fatalf("resume %s: %v", name, err)
		}
		ids = append(ids, h.JobID)
		time.Sleep(3 * time.Millisecond)
	}

	res, err := m.List(context.Background(), jobs.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if res.Total != 3 || len(res.Jobs) != 3 {
		t.Fatalf("expected 3 jobs, got total=%d len=%d", res.Total, len(res.Jobs))
	}
	if res.Jobs[0].JobID != ids[2] || res.Jobs[2].JobID != ids[0] {
		t.Fatalf("expected newest first, got %s..%s", res.Jobs[0].JobID, res.Jobs[2].JobID)
	}

	limited, err := m.List(context.Background(), jobs.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("limited list: %v", err)
	}
	if len(limited.Jobs) != 2 || limited.Total != 3 {
		t.Fatalf("limit must not shrink the total: len=%d total=%d", len(limited.Jobs), limited.Total)
	}
}

func TestListStatusFilter(t *testing.T) {
	m := newManager(t)
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	exec := func(ctx context.Context, _ json.RawMessage, _ jobs.ProgressFunc) (any, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}

	h1, err := m.Submit(context.Background(), callReq("finished"), succeed(nil))
	if err != nil {
		t.Fatalf("submit finished: %v", err)
	}
	if _, err := m.Resume(context.Background(), h1.JobID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := m.Submit(context.Background(), callReq("running"), exec); err != nil {
		t.Fatalf("submit running: %v", err)
	}
	<-started

	completed, err := m.List(context.Background(), jobs.ListOptions{Status: mcp.JobStatusCompleted})
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if completed.Total != 1 || completed.Jobs[0].ToolID != "finished" {
		t.Fatalf("unexpected completed page: %+v", completed)
	}
	running, err := m.List(context.Background(), jobs.ListOptions{Status: mcp.JobStatusInProgress})
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if running.Total != 1 || running.Jobs[0].ToolID != "running" {
		t.Fatalf("unexpected running page: %+v", running)
	}
}

func TestPollAfterBackoff(t *testing.T) {
	m := newManager(t, jobs.WithPollInterval(10*time.Millisecond, 25*time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	h, err := m.Submit(context.Background(), callReq("pollable"), blockUntil(release, nil))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if h.PollAfter != 10 {
		t.Fatalf("handle must carry the base delay in ms, got %d", h.PollAfter)
	}

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond, 25 * time.Millisecond}
	for i, expect := range want {
		if got := m.PollAfter(h.JobID); got != expect {
			t.Fatalf("after %d polls: expected %v, got %v", i, expect, got)
		}
		if _, err := m.Poll(context.Background(), h.JobID); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}
}

func TestCloseRejectsAndReclaims(t *testing.T) {
	store := memory.NewStore(memory.WithCleanupInterval(time.Minute))
	defer store.Close()
	m := jobs.New(store, jobs.WithLogger(slog.New(slog.DiscardHandler)))

	started := make(chan struct{})
	exec := func(ctx context.Context, _ json.RawMessage, _ jobs.ProgressFunc) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h, err := m.Submit(context.Background(), callReq("long-haul"), exec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := m.Submit(context.Background(), callReq("rejected"), succeed(nil)); !errors.Is(err, jobs.ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
	job, err := m.Poll(context.Background(), h.JobID)
	if err != nil {
		t.Fatalf("poll after close: %v", err)
	}
	if !job.Status.Terminal() {
		t.Fatalf("in-flight job must settle during close, got %q", job.Status)
	}
}
