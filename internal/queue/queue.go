// Package queue provides idempotent job enqueuing for work the webhook
// handler defers, such as CRM sync and cooldown-gated automations. Two
// implementations exist: an in-process queue for single-node deployments and
// a database-backed store whose unique dedupe key absorbs webhook retries.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/fieldline/leadrelay/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Job is one unit of deferred work.
type Job struct {
	ID        string
	Kind      string
	DedupeKey string // optional; defaults to the job id
	Payload   map[string]any
}

// Enqueuer accepts jobs. Enqueue is idempotent on DedupeKey: re-enqueuing an
// already-known job reports Duplicate instead of queuing twice.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) (*EnqueueResult, error)
}

// EnqueueResult reports the outcome of one enqueue attempt.
type EnqueueResult struct {
	JobID     string
	Duplicate bool
}

// Memory is an in-process Enqueuer backed by a buffered channel. Jobs do not
// survive a restart.
type Memory struct {
	mu   sync.Mutex
	seen map[string]string // dedupe key -> job id
	jobs chan Job
	log  zerolog.Logger
}

// NewMemory creates a Memory queue holding at most size pending jobs.
func NewMemory(size int, log zerolog.Logger) *Memory {
	if size <= 0 {
		size = 256
	}
	return &Memory{
		seen: make(map[string]string),
		jobs: make(chan Job, size),
		log:  log,
	}
}

// Enqueue implements Enqueuer. A full queue is an error, not a silent drop.
func (m *Memory) Enqueue(ctx context.Context, job Job) (*EnqueueResult, error) {
	if job.Kind == "" {
		return nil, fmt.Errorf("queue: job kind is required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	key := job.DedupeKey
	if key == "" {
		key = job.ID
	}

	m.mu.Lock()
	if existing, ok := m.seen[key]; ok {
		m.mu.Unlock()
		return &EnqueueResult{JobID: existing, Duplicate: true}, nil
	}
	m.seen[key] = job.ID
	m.mu.Unlock()

	select {
	case m.jobs <- job:
		return &EnqueueResult{JobID: job.ID}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		m.mu.Lock()
		delete(m.seen, key)
		m.mu.Unlock()
		return nil, fmt.Errorf("queue: full (%d pending)", cap(m.jobs))
	}
}

// Jobs exposes the pending job channel for a worker loop.
func (m *Memory) Jobs() <-chan Job { return m.jobs }

// Store is a database-backed Enqueuer. The unique index on the dedupe key is
// the admission gate: the first insert wins and every retry surfaces as a
// duplicate without a second row.
type Store struct {
	db  *gorm.DB
	log zerolog.Logger
}

// NewStore creates a Store.
func NewStore(db *gorm.DB, log zerolog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("queue: db is required")
	}
	return &Store{db: db, log: log}, nil
}

// Enqueue implements Enqueuer.
func (s *Store) Enqueue(ctx context.Context, job Job) (*EnqueueResult, error) {
	if job.Kind == "" {
		return nil, fmt.Errorf("queue: job kind is required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	// An empty dedupe key would make unrelated jobs collide on the unique
	// index, so it falls back to the job's own id.
	key := job.DedupeKey
	if key == "" {
		key = job.ID
	}
	payload := ""
	if len(job.Payload) > 0 {
		raw, err := json.Marshal(job.Payload)
		if err != nil {
			return nil, fmt.Errorf("queue: encode payload: %w", err)
		}
		payload = string(raw)
	}

	row := models.QueuedJob{
		JobID:     job.ID,
		Kind:      job.Kind,
		DedupeKey: key,
		Payload:   payload,
		Status:    "queued",
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			var existing models.QueuedJob
			if lookupErr := s.db.WithContext(ctx).
				Where("dedupe_key = ?", key).First(&existing).Error; lookupErr != nil {
				return nil, fmt.Errorf("queue: duplicate lookup: %w", lookupErr)
			}
			s.log.Debug().Str("kind", job.Kind).Str("dedupe_key", key).
				Msg("duplicate job suppressed")
			return &EnqueueResult{JobID: existing.JobID, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("queue: enqueue: %w", err)
	}
	return &EnqueueResult{JobID: job.ID}, nil
}

// Claim marks the oldest queued job of the given kind as running and returns
// it. Returns nil when nothing is queued.
func (s *Store) Claim(ctx context.Context, kind string) (*Job, error) {
	var row models.QueuedJob
	err := s.db.WithContext(ctx).
		Where("kind = ? AND status = ?", kind, "queued").
		Order("id ASC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}

	res := s.db.WithContext(ctx).Model(&models.QueuedJob{}).
		Where("id = ? AND status = ?", row.ID, "queued").
		Update("status", "running")
	if res.Error != nil {
		return nil, fmt.Errorf("queue: claim: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Another worker took it.
		return nil, nil
	}

	job := &Job{ID: row.JobID, Kind: row.Kind, DedupeKey: row.DedupeKey}
	if row.Payload != "" {
		if err := json.Unmarshal([]byte(row.Payload), &job.Payload); err != nil {
			s.log.Warn().Err(err).Str("job", row.JobID).Msg("corrupt job payload")
		}
	}
	return job, nil
}

// Complete marks a claimed job done.
func (s *Store) Complete(ctx context.Context, jobID string) error {
	res := s.db.WithContext(ctx).Model(&models.QueuedJob{}).
		Where("job_id = ? AND status = ?", jobID, "running").
		Update("status", "done")
	if res.Error != nil {
		return fmt.Errorf("queue: complete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("queue: complete: job %s is not running", jobID)
	}
	return nil
}
