package metadata

import (
	"context"
	"sort"
	"sync"

	"pumpfeed/internal/domain"
)

// JobStore holds pending metadata jobs and the set of abandoned mints.
type JobStore interface {
	// Add queues a pending job unless the mint is already queued or exhausted.
	// Reports whether a job was added.
	Add(ctx context.Context, job domain.MetadataJob) (bool, error)

	// Pending returns up to limit jobs, oldest first.
	Pending(ctx context.Context, limit int) ([]domain.MetadataJob, error)

	// Update stores the job's attempt count.
	Update(ctx context.Context, job domain.MetadataJob) error

	// Remove deletes a resolved job.
	Remove(ctx context.Context, mint string) error

	// Exhaust deletes the job and blocks the mint from being added again.
	Exhaust(ctx context.Context, mint string) error

	// Len returns the number of pending jobs.
	Len(ctx context.Context) (int, error)
}

// MemoryJobStore is an in-process JobStore.
type MemoryJobStore struct {
	mu        sync.Mutex
	jobs      map[string]domain.MetadataJob
	exhausted map[string]struct{}
}

// NewMemoryJobStore creates an empty store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:      make(map[string]domain.MetadataJob),
		exhausted: make(map[string]struct{}),
	}
}

func (s *MemoryJobStore) Add(_ context.Context, job domain.MetadataJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exhausted[job.Mint]; ok {
		return false, nil
	}
	if _, ok := s.jobs[job.Mint]; ok {
		return false, nil
	}
	s.jobs[job.Mint] = job
	return true, nil
}

func (s *MemoryJobStore) Pending(_ context.Context, limit int) ([]domain.MetadataJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.MetadataJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt != out[j].EnqueuedAt {
			return out[i].EnqueuedAt < out[j].EnqueuedAt
		}
		return out[i].Mint < out[j].Mint
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryJobStore) Update(_ context.Context, job domain.MetadataJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.jobs[job.Mint]; ok {
		cur.Attempts = job.Attempts
		s.jobs[job.Mint] = cur
	}
	return nil
}

func (s *MemoryJobStore) Remove(_ context.Context, mint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, mint)
	return nil
}

func (s *MemoryJobStore) Exhaust(_ context.Context, mint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, mint)
	s.exhausted[mint] = struct{}{}
	return nil
}

func (s *MemoryJobStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs), nil
}
