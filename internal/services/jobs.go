package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harsha-chodavarapu/student-app/internal/domain"
)

type JobRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (domain.Job, error)
	TransitionJob(ctx context.Context, job *domain.Job, from domain.JobStatus) error
	FindActiveJob(ctx context.Context, documentID string, ct domain.ContentType) (domain.Job, bool, error)
	UnfinishedJobs(ctx context.Context) ([]domain.Job, error)
}

// JobTracker owns job status transitions. Every transition is written
// through immediately and only succeeds from the expected prior status.
type JobTracker struct {
	repo JobRepository
	now  func() time.Time
}

func NewJobTracker(repo JobRepository) *JobTracker {
	return &JobTracker{repo: repo, now: time.Now}
}

// Create stores job as queued. ID, UserID, DocumentID, Type and
// ChargeEntryID are taken from job; everything else is reset.
func (t *JobTracker) Create(ctx context.Context, job domain.Job) (domain.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := t.now()
	job.Status = domain.JobQueued
	job.Error = ""
	job.Warning = ""
	job.CreatedAt = now
	job.UpdatedAt = now
	job.StartedAt = nil
	job.FinishedAt = nil

	if err := t.repo.CreateJob(ctx, &job); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (t *JobTracker) Get(ctx context.Context, id string) (domain.Job, error) {
	return t.repo.GetJob(ctx, id)
}

// Active returns a queued or running job for the same document and type.
func (t *JobTracker) Active(ctx context.Context, documentID string, ct domain.ContentType) (domain.Job, bool, error) {
	return t.repo.FindActiveJob(ctx, documentID, ct)
}

// Unfinished lists queued and running jobs, oldest first.
func (t *JobTracker) Unfinished(ctx context.Context) ([]domain.Job, error) {
	return t.repo.UnfinishedJobs(ctx)
}

func (t *JobTracker) MarkRunning(ctx context.Context, job *domain.Job) error {
	return t.transition(ctx, job, domain.JobQueued, domain.JobRunning, func(j *domain.Job, now time.Time) {
		j.StartedAt = &now
	})
}

// MarkCompleted finishes a running job. A non-empty warning marks a degraded
// success such as unparsable flashcards.
func (t *JobTracker) MarkCompleted(ctx context.Context, job *domain.Job, warning string) error {
	return t.transition(ctx, job, domain.JobRunning, domain.JobCompleted, func(j *domain.Job, now time.Time) {
		j.Error = ""
		j.Warning = domain.SanitizeError(warning)
		j.FinishedAt = &now
	})
}

func (t *JobTracker) MarkFailed(ctx context.Context, job *domain.Job, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return t.transition(ctx, job, domain.JobRunning, domain.JobFailed, func(j *domain.Job, now time.Time) {
		j.Error = domain.SanitizeError(msg)
		j.FinishedAt = &now
	})
}

func (t *JobTracker) transition(ctx context.Context, job *domain.Job, from, to domain.JobStatus, mutate func(*domain.Job, time.Time)) error {
	if job.Status != from {
		return fmt.Errorf("job %s %s -> %s: %w", job.ID, job.Status, to, domain.ErrIllegalTransition)
	}

	next := *job
	now := t.now()
	next.Status = to
	next.UpdatedAt = now
	mutate(&next, now)

	if err := t.repo.TransitionJob(ctx, &next, from); err != nil {
		return err
	}
	*job = next
	return nil
}
