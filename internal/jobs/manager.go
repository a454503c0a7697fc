package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maltedev/metro-scraper/internal/config"
	"github.com/maltedev/metro-scraper/internal/models"
	"github.com/maltedev/metro-scraper/internal/navigator"
	"github.com/maltedev/metro-scraper/internal/queue"
	"github.com/maltedev/metro-scraper/internal/storage"
)

var (
	ErrInvalidTargets = errors.New("invalid targets")
	ErrNoTargets      = fmt.Errorf("%w: at least one target is required", ErrInvalidTargets)
)

// RunStore persists runs and their lifecycle transitions.
type RunStore interface {
	Create(ctx context.Context, run *models.Run) error
	Get(ctx context.Context, runID string) (*models.Run, error)
	List(ctx context.Context, status models.RunStatus, limit int) ([]*models.Run, error)
	ListPending(ctx context.Context) ([]*models.Run, error)
	MarkRunning(ctx context.Context, runID string) error
	Complete(ctx context.Context, runID string, records int, summaries json.RawMessage) error
	Fail(ctx context.Context, runID string, runErr error) error
}

type Scraper interface {
	Run(ctx context.Context, targets []models.Target, parseBrand bool) (*navigator.Result, error)
}

type Manager struct {
	runs    RunStore
	scraper Scraper
	sink    storage.Sink
	queue   queue.Queue
	logger  *slog.Logger
}

func NewManager(runs RunStore, scraper Scraper, sink storage.Sink, q queue.Queue, logger *slog.Logger) *Manager {
	return &Manager{
		runs:    runs,
		scraper: scraper,
		sink:    sink,
		queue:   q,
		logger:  logger.With("component", "job_manager"),
	}
}

// Submit records a pending run and queues it for the worker.
func (m *Manager) Submit(ctx context.Context, targets []models.Target, parseBrand bool) (*models.Run, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	if err := config.ValidateTargets(targets); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTargets, err)
	}

	run := &models.Run{
		Targets:    targets,
		ParseBrand: parseBrand,
	}
	if err := m.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	if err := m.enqueue(run); err != nil {
		if failErr := m.runs.Fail(ctx, run.ID, err); failErr != nil {
			m.logger.Error("failed to mark run as failed", "id", run.ID, "error", failErr)
		}
		return nil, err
	}

	m.logger.Info("run created", "id", run.ID, "targets", len(targets), "parse_brand", parseBrand)
	return run, nil
}

func (m *Manager) Get(ctx context.Context, runID string) (*models.Run, error) {
	return m.runs.Get(ctx, runID)
}

func (m *Manager) List(ctx context.Context, status models.RunStatus, limit int) ([]*models.Run, error) {
	return m.runs.List(ctx, status, limit)
}

// Recover queues runs left pending by a previous process.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	pending, err := m.runs.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending runs: %w", err)
	}

	queued := 0
	for _, run := range pending {
		if err := m.enqueue(run); err != nil {
			m.logger.Warn("failed to requeue run", "id", run.ID, "error", err)
			continue
		}
		queued++
	}

	if queued > 0 {
		m.logger.Info("requeued pending runs", "count", queued)
	}
	return queued, nil
}

func (m *Manager) enqueue(run *models.Run) error {
	err := m.queue.Push(&queue.Task{
		RunID:      run.ID,
		Targets:    run.Targets,
		ParseBrand: run.ParseBrand,
		CreatedAt:  run.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to queue run: %w", err)
	}
	return nil
}

func (m *Manager) markFailed(ctx context.Context, runID string, runErr error) {
	if err := m.runs.Fail(ctx, runID, runErr); err != nil {
		m.logger.Error("failed to mark run as failed", "id", runID, "error", err)
	}
}
