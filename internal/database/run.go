package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/metro-scraper/internal/models"
)

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrInvalidRunID = errors.New("invalid run id")
)

func parseRunID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidRunID, id)
	}
	return u, nil
}

// RunRepository persists scrape runs.
type RunRepository struct {
	db *DB
}

func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

const runColumns = `id, status, targets, parse_brand, records, summaries, error_message, created_at, started_at, finished_at`

func scanRun(row pgx.Row) (*models.Run, error) {
	var (
		r       models.Run
		id      uuid.UUID
		targets []byte
		sums    []byte
	)

	if err := row.Scan(&id, &r.Status, &targets, &r.ParseBrand, &r.Records, &sums,
		&r.Error, &r.CreatedAt, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}

	r.ID = id.String()
	if err := json.Unmarshal(targets, &r.Targets); err != nil {
		return nil, fmt.Errorf("failed to decode targets: %w", err)
	}
	if len(sums) > 0 {
		r.Summaries = json.RawMessage(sums)
	}

	return &r, nil
}

// Create inserts run as pending, assigning an ID when empty.
func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	id, err := parseRunID(run.ID)
	if err != nil {
		return err
	}

	targets, err := json.Marshal(run.Targets)
	if err != nil {
		return fmt.Errorf("failed to marshal targets: %w", err)
	}

	run.Status = models.RunPending
	run.CreatedAt = time.Now()

	query := `
		INSERT INTO scrape_runs (id, status, targets, parse_brand, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := r.db.pool.Exec(ctx, query, id, run.Status, targets, run.ParseBrand, run.CreatedAt); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

func (r *RunRepository) Get(ctx context.Context, runID string) (*models.Run, error) {
	id, err := parseRunID(runID)
	if err != nil {
		return nil, err
	}

	run, err := scanRun(r.db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM scrape_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// List returns the newest runs first, optionally filtered by status.
func (r *RunRepository) List(ctx context.Context, status models.RunStatus, limit int) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM scrape_runs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2`

	return r.query(ctx, query, string(status), limit)
}

// ListPending returns pending runs oldest first.
func (r *RunRepository) ListPending(ctx context.Context) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM scrape_runs
		WHERE status = $1
		ORDER BY created_at ASC`

	return r.query(ctx, query, models.RunPending)
}

func (r *RunRepository) query(ctx context.Context, query string, args ...any) ([]*models.Run, error) {
	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []*models.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return runs, nil
}

func (r *RunRepository) MarkRunning(ctx context.Context, runID string) error {
	return r.update(ctx, runID,
		`UPDATE scrape_runs SET status = $2, started_at = $3 WHERE id = $1`,
		models.RunRunning, time.Now())
}

func (r *RunRepository) Complete(ctx context.Context, runID string, records int, summaries json.RawMessage) error {
	return r.update(ctx, runID,
		`UPDATE scrape_runs SET status = $2, records = $3, summaries = $4, finished_at = $5 WHERE id = $1`,
		models.RunCompleted, records, []byte(summaries), time.Now())
}

func (r *RunRepository) Fail(ctx context.Context, runID string, runErr error) error {
	return r.update(ctx, runID,
		`UPDATE scrape_runs SET status = $2, error_message = $3, finished_at = $4 WHERE id = $1`,
		models.RunFailed, runErr.Error(), time.Now())
}

func (r *RunRepository) update(ctx context.Context, runID, query string, args ...any) error {
	id, err := parseRunID(runID)
	if err != nil {
		return err
	}

	result, err := r.db.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrRunNotFound
	}

	return nil
}

// CountByStatus returns run counts keyed by status.
func (r *RunRepository) CountByStatus(ctx context.Context) (map[models.RunStatus]int64, error) {
	rows, err := r.db.pool.Query(ctx, `SELECT status, COUNT(*) FROM scrape_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.RunStatus]int64)
	for rows.Next() {
		var status models.RunStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = count
	}

	return counts, rows.Err()
}
