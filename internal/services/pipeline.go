package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/harsha-chodavarapu/student-app/internal/config"
	"github.com/harsha-chodavarapu/student-app/internal/domain"
)

type Generator interface {
	Configured() bool
	Generate(ctx context.Context, fileRef string, ct domain.ContentType) (string, error)
}

type Dispatcher interface {
	Submit(task Task) error
}

type PipelineDeps struct {
	Documents DocumentRepository
	Jobs      *JobTracker
	Ingestor  *Ingestor
	Generator Generator
	Applier   *Applier
	Ledger    *Ledger
	// Pool runs jobs in the background. When nil, Submit runs the job
	// before returning.
	Pool Dispatcher
}

// Pipeline turns a generation request into a job and drives it through
// ingestion, generation and application.
type Pipeline struct {
	deps            PipelineDeps
	cost            int
	refundOnFailure bool
	placeholder     bool
	singleFlight    bool
	taskTimeout     time.Duration
	log             *logrus.Logger

	// serialises the active-job lookup with job creation in single-flight mode
	submitMu sync.Mutex
}

func NewPipeline(cfg config.Config, deps PipelineDeps, log *logrus.Logger) *Pipeline {
	return &Pipeline{
		deps:            deps,
		cost:            cfg.GenerationCost,
		refundOnFailure: cfg.RefundOnFailure,
		placeholder:     cfg.MissingContentPolicy == config.PolicyPlaceholder,
		singleFlight:    cfg.SingleFlight,
		taskTimeout:     cfg.TaskTimeout,
		log:             log,
	}
}

// Submit validates the request, charges the user and creates a queued job.
// In async mode the job is handed to the pool and returned as queued;
// otherwise it runs to a terminal status first.
func (p *Pipeline) Submit(ctx context.Context, userID, documentID string, ct domain.ContentType) (domain.Job, error) {
	ct, err := domain.ParseContentType(string(ct))
	if err != nil {
		return domain.Job{}, err
	}
	if !p.deps.Generator.Configured() {
		return domain.Job{}, domain.ErrNotConfigured
	}
	if _, err := p.deps.Documents.GetDocument(ctx, documentID); err != nil {
		return domain.Job{}, err
	}

	entry := p.log.WithFields(logrus.Fields{"user_id": userID, "document_id": documentID, "content_type": ct})

	if p.singleFlight {
		p.submitMu.Lock()
		defer p.submitMu.Unlock()

		active, ok, err := p.deps.Jobs.Active(ctx, documentID, ct)
		if err != nil {
			return domain.Job{}, err
		}
		if ok {
			entry.WithField("job_id", active.ID).Info("reusing active job")
			return active, nil
		}
	}

	jobID := uuid.NewString()
	charge, err := p.deps.Ledger.Charge(ctx, userID, p.cost, domain.ReasonGenerationSpend, jobID)
	if err != nil {
		return domain.Job{}, err
	}

	job, err := p.deps.Jobs.Create(ctx, domain.Job{
		ID:            jobID,
		UserID:        userID,
		DocumentID:    documentID,
		Type:          ct,
		ChargeEntryID: charge.ID,
	})
	if err != nil {
		if charge.ID != "" {
			if _, rerr := p.deps.Ledger.Reverse(context.WithoutCancel(ctx), charge.ID); rerr != nil {
				entry.WithError(rerr).Error("reverse charge after job creation failure")
			}
		}
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}
	entry.WithField("job_id", job.ID).Info("job queued")

	if p.deps.Pool == nil {
		return p.Run(ctx, job), nil
	}

	if err := p.deps.Pool.Submit(&generationTask{pipeline: p, job: job}); err != nil {
		return p.abandon(ctx, job, err), err
	}
	return job, nil
}

func (p *Pipeline) Job(ctx context.Context, id string) (domain.Job, error) {
	return p.deps.Jobs.Get(ctx, id)
}

// Run executes a queued job and always leaves it completed or failed,
// unless another worker already claimed it.
func (p *Pipeline) Run(ctx context.Context, job domain.Job) (result domain.Job) {
	entry := p.log.WithFields(logrus.Fields{
		"job_id":       job.ID,
		"document_id":  job.DocumentID,
		"user_id":      job.UserID,
		"content_type": job.Type,
	})

	ctx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	defer cancel()
	// Status writes must land even after the task deadline has passed.
	persist := context.WithoutCancel(ctx)

	if err := p.deps.Jobs.MarkRunning(persist, &job); err != nil {
		if errors.Is(err, domain.ErrIllegalTransition) {
			entry.WithError(err).Warn("job already claimed")
		} else {
			entry.WithError(err).Error("mark job running, job left for startup recovery")
		}
		return job
	}

	defer func() {
		if r := recover(); r != nil {
			entry.WithField("panic", r).Error("generation panicked")
			p.fail(persist, &job, fmt.Errorf("internal error: %v", r), entry)
		}
		result = job
	}()

	warning, err := p.execute(ctx, &job, entry)
	if err != nil {
		p.fail(persist, &job, err, entry)
		return job
	}

	if err := p.deps.Jobs.MarkCompleted(persist, &job, warning); err != nil {
		entry.WithError(err).Error("mark job completed")
		return job
	}
	if warning != "" {
		entry.WithField("warning", warning).Warn("job completed with warning")
	} else {
		entry.Info("job completed")
	}
	return job
}

func (p *Pipeline) execute(ctx context.Context, job *domain.Job, entry *logrus.Entry) (string, error) {
	persist := context.WithoutCancel(ctx)

	doc, err := p.deps.Documents.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return "", err
	}

	ref, err := p.deps.Ingestor.EnsureRemoteReference(ctx, &doc)
	if err != nil {
		if !errors.Is(err, domain.ErrContentUnavailable) || !p.placeholder {
			return "", err
		}
		entry.WithError(err).Warn("source file missing, applying placeholder content")
		if _, aerr := p.deps.Applier.Apply(persist, &doc, job.Type, PlaceholderResults(job.Type, doc.Title)); aerr != nil {
			return "", aerr
		}
		return "placeholder content applied: " + err.Error(), nil
	}

	parts := job.Type.Parts()
	outputs := make([]string, len(parts))
	errs := make([]error, len(parts))

	// Sub-types run independently; one failing must not cancel the other.
	var g errgroup.Group
	for i, part := range parts {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("internal error: %v", r)
				}
			}()
			outputs[i], errs[i] = p.deps.Generator.Generate(ctx, ref, part)
			return nil
		})
	}
	_ = g.Wait()

	var (
		res      Results
		failures []error
	)
	for i, part := range parts {
		if errs[i] != nil {
			entry.WithError(errs[i]).WithField("part", part).Warn("generation step failed")
			failures = append(failures, fmt.Errorf("%s: %w", part, errs[i]))
			continue
		}
		text := outputs[i]
		switch part {
		case domain.ContentSummary:
			res.Summary = &text
		case domain.ContentFlashcards:
			res.Flashcards = &text
		}
	}

	outcome, err := p.deps.Applier.Apply(persist, &doc, job.Type, res)
	if err != nil {
		return "", err
	}

	switch {
	case len(failures) == len(parts):
		return "", errors.Join(failures...)
	case len(failures) > 0:
		return "", fmt.Errorf("partial failure, kept %v: %w", outcome.Applied, errors.Join(failures...))
	}

	if outcome.Warning != nil {
		return outcome.Warning.Error(), nil
	}
	return "", nil
}

func (p *Pipeline) fail(ctx context.Context, job *domain.Job, cause error, entry *logrus.Entry) {
	if err := p.deps.Jobs.MarkFailed(ctx, job, cause); err != nil {
		entry.WithError(err).Error("mark job failed")
	}
	entry.WithError(cause).WithField("error_kind", domain.ErrorKind(cause)).Warn("job failed")

	if p.refundOnFailure && job.ChargeEntryID != "" {
		if _, err := p.deps.Ledger.Reverse(ctx, job.ChargeEntryID); err != nil {
			entry.WithError(err).Error("refund failed job")
		}
	}
}

// abandon ends a job that could not be scheduled. It still passes through
// running so the recorded status sequence stays valid.
func (p *Pipeline) abandon(ctx context.Context, job domain.Job, cause error) domain.Job {
	persist := context.WithoutCancel(ctx)
	entry := p.log.WithFields(logrus.Fields{"job_id": job.ID, "document_id": job.DocumentID})

	if err := p.deps.Jobs.MarkRunning(persist, &job); err != nil {
		entry.WithError(err).Error("mark abandoned job running")
		return job
	}
	p.fail(persist, &job, cause, entry)
	return job
}

// ErrInterrupted marks jobs found unfinished when the process starts.
var ErrInterrupted = errors.New("job interrupted before completion")

// RecoverInterrupted fails every queued or running job. It must run before
// any worker starts, since no job can be in flight yet. Charges are refunded
// when refunds on failure are enabled. It returns the number of jobs failed.
func (p *Pipeline) RecoverInterrupted(ctx context.Context) (int, error) {
	jobs, err := p.deps.Jobs.Unfinished(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range jobs {
		entry := p.log.WithFields(logrus.Fields{"job_id": job.ID, "document_id": job.DocumentID, "status": job.Status})
		if job.Status == domain.JobQueued {
			if err := p.deps.Jobs.MarkRunning(ctx, &job); err != nil {
				entry.WithError(err).Error("mark interrupted job running")
				continue
			}
		}
		p.fail(ctx, &job, ErrInterrupted, entry)
		if job.Status == domain.JobFailed {
			recovered++
		}
	}
	return recovered, nil
}

type generationTask struct {
	pipeline *Pipeline
	job      domain.Job
}

func (t *generationTask) ID() string {
	return t.job.ID
}

func (t *generationTask) Execute(ctx context.Context) error {
	job := t.pipeline.Run(ctx, t.job)
	if job.Status == domain.JobFailed {
		return errors.New(job.Error)
	}
	return nil
}
