package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/grantflow-data/grantflow/platform/internal/domain"
)

// SourceDirectory resolves a source and its configuration before a run.
type SourceDirectory interface {
	GetSource(ctx context.Context, id uuid.UUID) (*domain.Source, error)
	GetConfiguration(ctx context.Context, sourceID uuid.UUID) (domain.SourceConfiguration, error)
}

// Service is the entrypoint the API and scheduler share: it resolves the
// source, then hands off to the coordinator.
type Service struct {
	coord   *Coordinator
	sources SourceDirectory
}

// NewService creates a Service.
func NewService(coord *Coordinator, sources SourceDirectory) *Service {
	return &Service{coord: coord, sources: sources}
}

// ErrSourceNotFound is returned when the requested source does not exist.
var ErrSourceNotFound = fmt.Errorf("source not found")

// ErrSourceInactive is returned when the requested source is disabled.
var ErrSourceInactive = fmt.Errorf("source is inactive")

// Run executes the pipeline for one source by id.
func (s *Service) Run(ctx context.Context, sourceID uuid.UUID, force bool) (*RunResult, error) {
	source, err := s.sources.GetSource(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("resolve source: %w", err)
	}
	if source == nil {
		return nil, ErrSourceNotFound
	}
	if !source.Active {
		return nil, ErrSourceInactive
	}

	cfg, err := s.sources.GetConfiguration(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("resolve source configuration: %w", err)
	}

	return s.coord.ProcessSource(ctx, *source, cfg, force)
}
