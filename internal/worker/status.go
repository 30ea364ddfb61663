package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"chatimport/internal/failure"
	"chatimport/internal/importer"
	"chatimport/internal/redis"
)

type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

const (
	defaultStatusTTL = 24 * time.Hour
	jobKeyPrefix     = "chatimport:job:"
)

var ErrStatusNotFound = errors.New("job status not found")

// JobStatus is the externally visible progress of a queued import.
type JobStatus struct {
	ID         string            `json:"jobId"`
	ChatID     int64             `json:"chatId"`
	UploaderID int64             `json:"uploaderId"`
	State      JobState          `json:"state"`
	Summary    *importer.Summary `json:"summary,omitempty"`
	Error      failure.Kind      `json:"error,omitempty"`
	Details    string            `json:"details,omitempty"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// StatusStore keeps job statuses for later polling.
type StatusStore interface {
	Save(ctx context.Context, st JobStatus) error
	Load(ctx context.Context, jobID string) (JobStatus, error)
}

// MemoryStatusStore keeps statuses in process, dropping them after ttl.
type MemoryStatusStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]JobStatus
}

func NewMemoryStatusStore(ttl time.Duration) *MemoryStatusStore {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	return &MemoryStatusStore{ttl: ttl, items: make(map[string]JobStatus)}
}

func (s *MemoryStatusStore) Save(_ context.Context, st JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(time.Now())
	s.items[st.ID] = st
	return nil
}

func (s *MemoryStatusStore) Load(_ context.Context, jobID string) (JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.items[jobID]
	if !ok || time.Since(st.UpdatedAt) > s.ttl {
		return JobStatus{}, ErrStatusNotFound
	}
	return st, nil
}

func (s *MemoryStatusStore) pruneLocked(now time.Time) {
	for id, st := range s.items {
		if now.Sub(st.UpdatedAt) > s.ttl {
			delete(s.items, id)
		}
	}
}

// RedisStatusStore shares statuses between instances.
type RedisStatusStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStatusStore(client *redis.Client, ttl time.Duration) *RedisStatusStore {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	return &RedisStatusStore{client: client, ttl: ttl}
}

func (s *RedisStatusStore) Save(ctx context.Context, st JobStatus) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, jobKeyPrefix+st.ID, payload, s.ttl)
}

func (s *RedisStatusStore) Load(ctx context.Context, jobID string) (JobStatus, error) {
	raw, err := s.client.Get(ctx, jobKeyPrefix+jobID)
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return JobStatus{}, ErrStatusNotFound
		}
		return JobStatus{}, err
	}
	var st JobStatus
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return JobStatus{}, err
	}
	return st, nil
}
