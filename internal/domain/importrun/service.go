package importrun

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrRunNotFound = errors.New("import run not found")

type Service struct {
	runs   Repository
	logger zerolog.Logger
}

func NewService(runs Repository, logger zerolog.Logger) *Service {
	return &Service{runs: runs, logger: logger.With().Str("component", "importrun").Logger()}
}

// Begin persists a new run and moves it to processing.
func (s *Service) Begin(ctx context.Context, run *Run) error {
	if run.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	run.Start()
	if err := s.runs.Create(ctx, run); err != nil {
		return fmt.Errorf("create import run: %w", err)
	}
	s.logger.Info().
		Str("run_id", run.ID.String()).
		Str("tenant", run.TenantID).
		Str("source", run.SourceFileName).
		Int64("size", run.SourceSize).
		Msg("import run started")
	return nil
}

// Complete finalises the run with status and persists it.
func (s *Service) Complete(ctx context.Context, run *Run, status Status) error {
	run.Finish(status)

	ev := s.logger.Info()
	if run.Status == StatusFailed {
		ev = s.logger.Warn()
	}
	ev.Str("run_id", run.ID.String()).
		Str("tenant", run.TenantID).
		Str("status", string(run.Status)).
		Int("processed", run.Summary.TotalProcessed).
		Int("success", run.Summary.Success).
		Int("errors", run.Summary.Errors).
		Int("duplicates", run.Summary.Duplicates).
		Int("skipped", run.Summary.Skipped).
		Int("warnings", len(run.Warnings)).
		Dur("duration", run.Duration()).
		Msg("import run finished")

	if err := s.runs.Save(ctx, run); err != nil {
		return fmt.Errorf("save import run: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	return s.runs.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, tenantID string, limit, offset int) ([]*Run, int, error) {
	if tenantID == "" {
		return nil, 0, fmt.Errorf("tenant_id is required")
	}
	return s.runs.ListByTenant(ctx, tenantID, limit, offset)
}
