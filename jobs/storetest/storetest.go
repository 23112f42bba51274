// Package storetest provides a conformance suite for jobs.Store
// implementations. Backends run the same suite so the manager can treat
// them interchangeably.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tannht/mcp-compliance-go/jobs"
	"github.com/tannht/mcp-compliance-go/mcp"
)

// StoreFactory creates a fresh Store instance for testing.
type StoreFactory func(t *testing.T) jobs.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("PutAndGetRoundTrip", func(t *testing.T) { testPutAndGetRoundTrip(t, factory) })
	t.Run("GetUnknownReturnsNotFound", func(t *testing.T) { testGetUnknown(t, factory) })
	t.Run("PutOverwritesExisting", func(t *testing.T) { testPutOverwrites(t, factory) })
	t.Run("ExpiredJobPurgedOnGet", func(t *testing.T) { testExpiredPurged(t, factory) })
	t.Run("ListReturnsLiveJobsOnly", func(t *testing.T) { testListLiveOnly(t, factory) })
	t.Run("DeleteIsIdempotent", func(t *testing.T) { testDeleteIdempotent(t, factory) })
	t.Run("ResultPayloadSurvives", func(t *testing.T) { testResultPayload(t, factory) })
}

func newJob(ttl time.Duration) *mcp.Job {
	now := time.Now()
	return &mcp.Job{
		JobID:       uuid.NewString(),
		RequestID:   uuid.NewString(),
		ToolID:      "storetest",
		Status:      mcp.JobStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
		TTLDeadline: now.Add(ttl),
	}
}

func testPutAndGetRoundTrip(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	in := newJob(time.Minute)
	if err := s.Put(ctx, in); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, in.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.JobID != in.JobID || got.RequestID != in.RequestID || got.ToolID != in.ToolID {
		t.Fatalf("identity fields lost: %+v", got)
	}
	if got.Status != mcp.JobStatusQueued || got.Progress != 0 {
		t.Fatalf("state fields lost: %+v", got)
	}
	if !got.CreatedAt.Equal(in.CreatedAt) || !got.TTLDeadline.Equal(in.TTLDeadline) {
		t.Fatalf("timestamps lost precision: got %v/%v want %v/%v",
			got.CreatedAt, got.TTLDeadline, in.CreatedAt, in.TTLDeadline)
	}
}

func testGetUnknown(t *testing.T, factory StoreFactory) {
	s := factory(t)
	if _, err := s.Get(context.Background(), uuid.NewString()); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func testPutOverwrites(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	j := newJob(time.Minute)
	if err := s.Put(ctx, j); err != nil {
		t.Fatalf("put: %v", err)
	}
	j.Status = mcp.JobStatusInProgress
	j.Progress = 40
	j.UpdatedAt = time.Now()
	if err := s.Put(ctx, j); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := s.Get(ctx, j.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != mcp.JobStatusInProgress || got.Progress != 40 {
		t.Fatalf("overwrite lost: %+v", got)
	}
}

func testExpiredPurged(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	j := newJob(10 * time.Millisecond)
	if err := s.Put(ctx, j); err != nil {
		t.Fatalf("put: %v", err)
	}
	time.Sleep(25 * time.Millisecond)
	if _, err := s.Get(ctx, j.JobID); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound after ttl, got %v", err)
	}
	// Stays gone on repeat access.
	if _, err := s.Get(ctx, j.JobID); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound on second get, got %v", err)
	}
}

func testListLiveOnly(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	live := newJob(time.Minute)
	stale := newJob(5 * time.Millisecond)
	for _, j := range []*mcp.Job{live, stale} {
		if err := s.Put(ctx, j); err != nil {
			t.Fatalf("put %s: %v", j.JobID, err)
		}
	}
	time.Sleep(20 * time.Millisecond)

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var sawLive, sawStale bool
	for _, j := range all {
		switch j.JobID {
		case live.JobID:
			sawLive = true
		case stale.JobID:
			sawStale = true
		}
	}
	if !sawLive {
		t.Fatalf("live job missing from list")
	}
	if sawStale {
		t.Fatalf("expired job leaked into list")
	}
}

func testDeleteIdempotent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	j := newJob(time.Minute)
	if err := s.Put(ctx, j); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, j.JobID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, j.JobID); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, j.JobID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if err := s.Delete(ctx, uuid.NewString()); err != nil {
		t.Fatalf("unknown delete: %v", err)
	}
}

func testResultPayload(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	j := newJob(time.Minute)
	j.Status = mcp.JobStatusCompleted
	j.Progress = 100
	j.Result = json.RawMessage(`{"n":1}`)
	if err := s.Put(ctx, j); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, j.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Result) != `{"n":1}` {
		t.Fatalf("result payload corrupted: %s", got.Result)
	}
	if got.Status != mcp.JobStatusCompleted || got.Progress != 100 {
		t.Fatalf("terminal state corrupted: %+v", got)
	}
}
