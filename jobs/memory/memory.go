// Package memory provides an in-process jobs.Store backed by a mutex-guarded
// map. Expired records are purged lazily on access and swept by a background
// janitor. Suitable for single-process servers and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tannht/mcp-compliance-go/jobs"
	"github.com/tannht/mcp-compliance-go/mcp"
)

const defaultCleanupInterval = 5 * time.Minute

// Option customizes a Store.
type Option func(*options)

type options struct {
	cleanupInterval time.Duration
}

// WithCleanupInterval sets how often the janitor sweeps expired records.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cleanupInterval = d
		}
	}
}

// Store is an in-memory jobs.Store.
type Store struct {
	mu     sync.Mutex
	jobs   map[string]*mcp.Job
	stop   chan struct{}
	closed bool
}

var _ jobs.Store = (*Store)(nil)

// NewStore constructs the store and starts its janitor.
func NewStore(opts ...Option) *Store {
	o := options{cleanupInterval: defaultCleanupInterval}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Store{
		jobs: make(map[string]*mcp.Job),
		stop: make(chan struct{}),
	}
	go s.janitor(o.cleanupInterval)
	return s
}

// Put inserts or replaces a record. The store keeps its own copy.
func (s *Store) Put(_ context.Context, job *mcp.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = job.Clone()
	return nil
}

// Get returns a copy of the record. Expired records are deleted on the spot
// and reported as jobs.ErrJobNotFound.
func (s *Store) Get(_ context.Context, jobID string) (*mcp.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	if job.Expired(time.Now()) {
		delete(s.jobs, jobID)
		return nil, jobs.ErrJobNotFound
	}
	return job.Clone(), nil
}

// Delete removes a record. Unknown ids are a no-op.
func (s *Store) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

// List returns copies of all live records, purging expired ones.
func (s *Store) List(_ context.Context) ([]*mcp.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make([]*mcp.Job, 0, len(s.jobs))
	for id, job := range s.jobs {
		if job.Expired(now) {
			delete(s.jobs, id)
			continue
		}
		out = append(out, job.Clone())
	}
	return out, nil
}

// Close stops the janitor. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.stop)
	}
	return nil
}

func (s *Store) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, job := range s.jobs {
		if job.Expired(now) {
			delete(s.jobs, id)
		}
	}
}
