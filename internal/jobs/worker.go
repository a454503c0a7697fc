package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/maltedev/metro-scraper/internal/queue"
	"github.com/maltedev/metro-scraper/internal/storage"
)

// StartWorker processes queued runs one at a time until ctx ends or the
// queue is closed. A single worker keeps one browser open at a time.
func (m *Manager) StartWorker(ctx context.Context) {
	m.logger.Info("job worker started")

	for {
		task, err := m.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				m.logger.Error("failed to pop task", "error", err)
			}
			m.logger.Info("job worker stopping")
			return
		}

		m.processTask(ctx, task)
	}
}

func (m *Manager) processTask(ctx context.Context, task *queue.Task) {
	// Bookkeeping must land even when the worker is being shut down.
	bg := context.WithoutCancel(ctx)

	m.logger.Info("processing run", "id", task.RunID, "targets", len(task.Targets))

	if err := m.runs.MarkRunning(bg, task.RunID); err != nil {
		m.logger.Error("failed to update run status", "id", task.RunID, "error", err)
		return
	}

	records, summaries, err := m.processRun(ctx, task)
	if err != nil {
		m.logger.Error("run failed", "id", task.RunID, "error", err)
		m.markFailed(bg, task.RunID, err)
		return
	}

	if err := m.runs.Complete(bg, task.RunID, records, summaries); err != nil {
		m.logger.Error("failed to mark run as completed", "id", task.RunID, "error", err)
		return
	}

	m.logger.Info("run completed", "id", task.RunID, "records", records)
}

func (m *Manager) processRun(ctx context.Context, task *queue.Task) (int, json.RawMessage, error) {
	result, err := m.scraper.Run(ctx, task.Targets, task.ParseBrand)
	if err != nil {
		return 0, nil, err
	}
	if ctx.Err() != nil {
		return 0, nil, fmt.Errorf("run interrupted: %w", ctx.Err())
	}

	summaries, err := json.Marshal(result.Summaries)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode summaries: %w", err)
	}

	batch := storage.Batch{
		RunID:      task.RunID,
		ParseBrand: task.ParseBrand,
		Records:    result.Records,
	}
	if err := m.sink.Write(context.WithoutCancel(ctx), batch); err != nil {
		return 0, nil, fmt.Errorf("failed to store records: %w", err)
	}

	return len(result.Records), summaries, nil
}
