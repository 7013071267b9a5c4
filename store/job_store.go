package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"docbackend/domain"
)

// ErrConflict aborts an Update without writing; the mutation fn returns it
// when a transition guard rejects the change.
var ErrConflict = errors.New("job store: transition rejected")

// JobStore is the durable processing ledger. Update is an atomic
// read-modify-write: every transition guard runs inside fn, so concurrent
// writers can never blind-overwrite each other. fn returning an error
// aborts without persisting anything.
//
// Get/Update are tenant-scoped: a job is only reachable with the tenant it
// was created under.
type JobStore interface {
	Create(job *domain.ProcessingJob) error
	Get(tenantID, id string) (*domain.ProcessingJob, bool, error)
	Update(tenantID, id string, fn func(j *domain.ProcessingJob) error) (*domain.ProcessingJob, bool, error)

	// ListStale returns jobs sitting in dispatched/extracting whose
	// dispatch happened before olderThan.
	ListStale(olderThan time.Time) ([]*domain.ProcessingJob, error)

	// ListCompletedRange returns a tenant's completed jobs with
	// CompletedAt in [from, to], ordered by completion time.
	ListCompletedRange(tenantID string, from, to time.Time) ([]*domain.ProcessingJob, error)
}

type InMemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.ProcessingJob
}

func NewInMemoryJobStore() *InMemoryJobStore {
	return &InMemoryJobStore{jobs: make(map[string]*domain.ProcessingJob)}
}

func memKey(tenantID, id string) string {
	return strings.TrimSpace(tenantID) + "/" + strings.TrimSpace(id)
}

func (s *InMemoryJobStore) Create(job *domain.ProcessingJob) error {
	if job == nil || strings.TrimSpace(job.ID) == "" || strings.TrimSpace(job.TenantID) == "" {
		return errors.New("job/id/tenant 为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(job.TenantID, job.ID)
	if _, exists := s.jobs[k]; exists {
		return errors.New("job already exists: " + k)
	}
	s.jobs[k] = job.Clone()
	return nil
}

func (s *InMemoryJobStore) Get(tenantID, id string) (*domain.ProcessingJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[memKey(tenantID, id)]
	if !ok || j == nil {
		return nil, false, nil
	}
	// Return a copy to avoid accidental mutation/data races outside the lock.
	return j.Clone(), true, nil
}

func (s *InMemoryJobStore) Update(tenantID, id string, fn func(j *domain.ProcessingJob) error) (*domain.ProcessingJob, bool, error) {
	if fn == nil {
		return nil, false, errors.New("update fn 为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[memKey(tenantID, id)]
	if !ok {
		return nil, false, nil
	}
	// Mutate a copy so an aborted fn leaves the stored job untouched.
	cp := j.Clone()
	if err := fn(cp); err != nil {
		return nil, true, err
	}
	s.jobs[memKey(tenantID, id)] = cp
	return cp.Clone(), true, nil
}

func (s *InMemoryJobStore) ListStale(olderThan time.Time) ([]*domain.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ProcessingJob
	for _, j := range s.jobs {
		if !j.State.InFlight() || j.DispatchedAt == nil {
			continue
		}
		if j.DispatchedAt.Before(olderThan) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].DispatchedAt.Before(*out[b].DispatchedAt)
	})
	return out, nil
}

func (s *InMemoryJobStore) ListCompletedRange(tenantID string, from, to time.Time) ([]*domain.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ProcessingJob
	for _, j := range s.jobs {
		if j.TenantID != tenantID || j.State != domain.JobStateCompleted || j.CompletedAt == nil {
			continue
		}
		if j.CompletedAt.Before(from) || j.CompletedAt.After(to) {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CompletedAt.Before(*out[b].CompletedAt)
	})
	return out, nil
}
