package jobqueue

import (
	"context"
	"errors"
	"sort"
	"sync"

	"mediaforge/internal/models"
)

var (
	// ErrTerminal is returned by a Store asked to change a job that already
	// succeeded or failed.
	ErrTerminal = errors.New("job is in a terminal state")
	// ErrNotFound is returned when no job exists for an identifier.
	ErrNotFound = errors.New("job not found")
)

// Store persists job records so the queue can recover after a restart.
type Store interface {
	// Save inserts or replaces a job. It returns ErrTerminal when the stored
	// copy is already terminal.
	Save(ctx context.Context, job models.Job) error
	Get(ctx context.Context, id string) (models.Job, error)
	// Pending lists queued and running jobs ordered by Seq.
	Pending(ctx context.Context) ([]models.Job, error)
	// NextSeq hands out the next enqueue sequence number.
	NextSeq(ctx context.Context) (int64, error)
}

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]models.Job
	seq  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]models.Job)}
}

func (s *MemoryStore) Save(_ context.Context, job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[job.ID]; ok && existing.State.Terminal() {
		return ErrTerminal
	}
	s.jobs[job.ID] = job
	if job.Seq > s.seq {
		s.seq = job.Seq
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return job, nil
}

func (s *MemoryStore) Pending(_ context.Context) ([]models.Job, error) {
	s.mu.RLock()
	pending := make([]models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if !job.State.Terminal() {
			pending = append(pending, job)
		}
	}
	s.mu.RUnlock()
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Seq < pending[j].Seq
	})
	return pending, nil
}

func (s *MemoryStore) NextSeq(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}
