package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/internal/admission"
	"github.com/modelrelay/modelrelay/internal/models"
	"github.com/modelrelay/modelrelay/internal/notify"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// CreditStore is the ledger surface a generation needs: one atomic
// conditional decrement.
type CreditStore interface {
	DeductCredits(ctx context.Context, userID int64, ct models.CreditType, amount int) (int, error)
}

// TaskStore persists generation task lifecycle.
type TaskStore interface {
	Insert(ctx context.Context, t *models.GenerationTask) error
	UpdateStatus(ctx context.Context, id string, status models.TaskState, progress int, resultURL, errMsg string) error
	SetExternalTaskID(ctx context.Context, id, externalID string) error
	FindByID(ctx context.Context, id string) (*models.GenerationTask, error)
	CountForUser(ctx context.Context, userID int64) (int, error)
	ResultURLs(ctx context.Context, userID int64) ([]string, error)
	DeleteAllForUser(ctx context.Context, userID int64) error
}

// ArtifactStore owns hosted result files: mirroring inline payloads in and
// deleting owned objects when history is trimmed.
type ArtifactStore interface {
	Owns(url string) bool
	Delete(ctx context.Context, url string) error
	MirrorDataURI(ctx context.Context, dataURI string) (string, error)
}

// GenerationRequest is the caller-facing generation job.
type GenerationRequest struct {
	Model       string
	Prompt      string
	Count       int
	AspectRatio string
	Resolution  string
}

// GenerationService runs the image or video pipeline: admit, trim history,
// charge on submit, then drive the upstream task to a terminal state.
// Credits are deducted before the upstream call is attempted and failed
// generations are not refunded; this is deliberate and differs from chat.
type GenerationService struct {
	admission   *admission.Controller
	resolve     func(key string) (registry.GenerationSpec, error)
	backends    map[registry.Kind]upstream.Backend
	credits     CreditStore
	tasks       TaskStore
	artifacts   ArtifactStore
	notifier    *notify.Notifier
	log         *slog.Logger
	creditType  models.CreditType
	maxBatch    int
	ceiling     int
	maxAttempts int
	interval    time.Duration
}

type GenerationConfig struct {
	CreditType       models.CreditType
	MaxBatch         int // 1 for video
	RetentionCeiling int
	PollMaxAttempts  int
	PollInterval     time.Duration
}

func NewGenerationService(
	adm *admission.Controller,
	resolve func(key string) (registry.GenerationSpec, error),
	backends map[registry.Kind]upstream.Backend,
	credits CreditStore,
	tasks TaskStore,
	artifacts ArtifactStore,
	notifier *notify.Notifier,
	log *slog.Logger,
	cfg GenerationConfig,
) *GenerationService {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 1
	}
	if cfg.RetentionCeiling <= 0 {
		cfg.RetentionCeiling = 50
	}
	if cfg.PollMaxAttempts <= 0 {
		cfg.PollMaxAttempts = 30
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &GenerationService{
		admission:   adm,
		resolve:     resolve,
		backends:    backends,
		credits:     credits,
		tasks:       tasks,
		artifacts:   artifacts,
		notifier:    notifier,
		log:         log,
		creditType:  cfg.CreditType,
		maxBatch:    cfg.MaxBatch,
		ceiling:     cfg.RetentionCeiling,
		maxAttempts: cfg.PollMaxAttempts,
		interval:    cfg.PollInterval,
	}
}

// Generate runs the whole pipeline. Batches run sequentially; any single
// failure aborts the batch and surfaces the error for the whole request.
func (s *GenerationService) Generate(ctx context.Context, user *models.User, req GenerationRequest) ([]*models.GenerationTask, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt cannot be empty")
	}
	spec, err := s.resolve(req.Model)
	if err != nil {
		return nil, err
	}
	backend, ok := s.backends[spec.Kind]
	if !ok {
		return nil, fmt.Errorf("no backend configured for %s", spec.Kind)
	}

	count := req.Count
	if count < 1 {
		count = 1
	}
	if count > s.maxBatch {
		count = s.maxBatch
	}

	release, err := s.admission.Admit(ctx, user, spec.Tier)
	if err != nil {
		return nil, err
	}
	defer release()

	// Charge on submit, for the whole batch, before any upstream attempt.
	if _, err := s.credits.DeductCredits(ctx, user.ID, s.creditType, spec.CostCredits*count); err != nil {
		return nil, err
	}

	// Trim only once the request is paid for; a rejected request must leave
	// stored history untouched.
	if err := s.trimHistory(ctx, user.ID); err != nil {
		// Trimming is housekeeping; a failed trim must not block generation.
		s.log.Error("trim history", "user", user.ID, "err", err)
	}

	tasks := make([]*models.GenerationTask, 0, count)
	for i := 0; i < count; i++ {
		task := &models.GenerationTask{
			ID:          uuid.NewString(),
			UserID:      user.ID,
			Model:       spec.Key,
			Prompt:      req.Prompt,
			Status:      models.TaskStatePending,
			CostCredits: spec.CostCredits,
		}
		if err := s.tasks.Insert(ctx, task); err != nil {
			return nil, fmt.Errorf("insert task: %w", err)
		}
		tasks = append(tasks, task)

		if err := s.run(ctx, backend, spec, task, req); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *GenerationService) run(ctx context.Context, backend upstream.Backend, spec registry.GenerationSpec, task *models.GenerationTask, req GenerationRequest) error {
	sub, err := backend.Submit(ctx, upstream.GenerationRequest{
		Model:       spec.UpstreamID,
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
		Resolution:  req.Resolution,
	})
	if err != nil {
		s.fail(ctx, task, err.Error())
		return err
	}

	st := sub.Status
	if !st.State.Terminal() {
		task.ExternalTaskID = sub.TaskID
		if err := s.tasks.SetExternalTaskID(ctx, task.ID, sub.TaskID); err != nil {
			s.log.Error("set external task id", "task", task.ID, "err", err)
		}
		s.transition(ctx, task, models.TaskStateProcessing, st.Progress, "", "")

		st, err = upstream.AwaitTerminal(ctx, backend, sub.TaskID, s.maxAttempts, s.interval, func(probe upstream.Status) {
			if !probe.State.Terminal() && probe.Progress > task.Progress {
				s.transition(ctx, task, models.TaskStateProcessing, probe.Progress, "", "")
			}
		})
		if err != nil {
			if errors.Is(err, upstream.ErrGenerationTimeout) {
				s.notifier.GenerationTimeout(task.ID, spec.Key)
			}
			s.fail(ctx, task, err.Error())
			return err
		}
	}

	if st.State == models.TaskStateFailed {
		msg := st.Message
		if msg == "" {
			msg = "generation failed"
		}
		s.fail(ctx, task, msg)
		return &upstream.Error{Op: "generation", Err: errors.New(msg)}
	}

	url := st.ResultURL
	if strings.HasPrefix(url, "data:") && s.artifacts != nil {
		hosted, mirrorErr := s.artifacts.MirrorDataURI(ctx, url)
		if mirrorErr != nil {
			s.log.Error("mirror artifact", "task", task.ID, "err", mirrorErr)
		} else {
			url = hosted
		}
	}
	s.transition(ctx, task, models.TaskStateCompleted, 100, url, "")
	return nil
}

// trimHistory enforces the retention ceiling: at or past the ceiling, every
// stored record for the user is evicted along with any owned hosted file.
// This is a full reset, not an oldest-first trim, and it fires only here, at
// generation time.
func (s *GenerationService) trimHistory(ctx context.Context, userID int64) error {
	count, err := s.tasks.CountForUser(ctx, userID)
	if err != nil {
		return err
	}
	if count < s.ceiling {
		return nil
	}

	urls, err := s.tasks.ResultURLs(ctx, userID)
	if err != nil {
		return err
	}
	if s.artifacts != nil {
		for _, u := range urls {
			if !s.artifacts.Owns(u) {
				continue
			}
			if err := s.artifacts.Delete(ctx, u); err != nil {
				s.log.Error("delete artifact", "url", u, "err", err)
			}
		}
	}
	return s.tasks.DeleteAllForUser(ctx, userID)
}

// Status looks up a task for the polling client, scoped to its owner.
func (s *GenerationService) Status(ctx context.Context, user *models.User, taskID string) (*models.GenerationTask, error) {
	task, err := s.tasks.FindByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil || task.UserID != user.ID {
		return nil, nil
	}
	return task, nil
}

func (s *GenerationService) transition(ctx context.Context, task *models.GenerationTask, state models.TaskState, progress int, url, errMsg string) {
	task.Status = state
	task.Progress = progress
	if url != "" {
		task.ResultURL = url
	}
	if errMsg != "" {
		task.Error = errMsg
	}
	if err := s.tasks.UpdateStatus(ctx, task.ID, state, progress, task.ResultURL, task.Error); err != nil {
		s.log.Error("update task status", "task", task.ID, "err", err)
	}
}

func (s *GenerationService) fail(ctx context.Context, task *models.GenerationTask, msg string) {
	s.transition(ctx, task, models.TaskStateFailed, task.Progress, "", msg)
}
