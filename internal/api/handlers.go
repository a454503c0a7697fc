package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maltedev/metro-scraper/internal/config"
	"github.com/maltedev/metro-scraper/internal/database"
	"github.com/maltedev/metro-scraper/internal/jobs"
	"github.com/maltedev/metro-scraper/internal/models"
	"github.com/maltedev/metro-scraper/internal/queue"
)

const (
	defaultRunLimit     = 50
	maxRunLimit         = 200
	defaultProductLimit = 100
	maxProductLimit     = 1000

	pendingWarnThreshold    = 1000
	deadLetterFailThreshold = 100
)

type RunService interface {
	Submit(ctx context.Context, targets []models.Target, parseBrand bool) (*models.Run, error)
	Get(ctx context.Context, runID string) (*models.Run, error)
	List(ctx context.Context, status models.RunStatus, limit int) ([]*models.Run, error)
}

type ProductReader interface {
	ListProductsByRun(ctx context.Context, runID string, limit, offset int) ([]models.ProductRecord, error)
	CountProductsByCity(ctx context.Context) (map[string]int64, error)
}

type RunCounter interface {
	CountByStatus(ctx context.Context) (map[models.RunStatus]int64, error)
}

type OutboxCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

type Handlers struct {
	runs     RunService
	products ProductReader
	counter  RunCounter
	outbox   OutboxCounter
	logger   *slog.Logger
}

func NewHandlers(runs RunService, products ProductReader, counter RunCounter, outbox OutboxCounter, logger *slog.Logger) *Handlers {
	return &Handlers{
		runs:     runs,
		products: products,
		counter:  counter,
		outbox:   outbox,
		logger:   logger.With("component", "api"),
	}
}

// CreateRunRequest names targets explicitly, as a cities x categories
// cross product, or both.
type CreateRunRequest struct {
	Targets    []models.Target `json:"targets"`
	Cities     []string        `json:"cities"`
	Categories []string        `json:"categories"`
	ParseBrand bool            `json:"parse_brand"`
}

func (r CreateRunRequest) targets() []models.Target {
	out := append([]models.Target{}, r.Targets...)
	return append(out, config.CrossTargets(r.Cities, r.Categories)...)
}

type CreateRunResponse struct {
	RunID   string           `json:"run_id"`
	Status  models.RunStatus `json:"status"`
	Targets int              `json:"targets"`
	Message string           `json:"message"`
}

// CreateRun queues a new scrape run.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	run, err := h.runs.Submit(r.Context(), req.targets(), req.ParseBrand)
	switch {
	case errors.Is(err, jobs.ErrInvalidTargets):
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrQueueClosed):
		h.respondError(w, http.StatusServiceUnavailable, "scrape queue is not accepting runs")
		return
	case err != nil:
		h.logger.Error("failed to create run", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	h.respondJSON(w, http.StatusAccepted, CreateRunResponse{
		RunID:   run.ID,
		Status:  run.Status,
		Targets: len(run.Targets),
		Message: "Run queued",
	})
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.respondLookupError(w, err, "failed to get run")
		return
	}

	h.respondJSON(w, http.StatusOK, run)
}

// ListRuns supports ?status= and ?limit=.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	status := models.RunStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.RunPending, models.RunRunning, models.RunCompleted, models.RunFailed:
	default:
		h.respondError(w, http.StatusBadRequest, "unknown status")
		return
	}

	limit, err := intParam(r, "limit", defaultRunLimit, maxRunLimit)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := h.runs.List(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	h.respondJSON(w, http.StatusOK, runs)
}

// GetRunProducts pages through the products a run last touched.
func (h *Handlers) GetRunProducts(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultProductLimit, maxProductLimit)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intParam(r, "offset", 0, -1)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	products, err := h.products.ListProductsByRun(r.Context(), chi.URLParam(r, "runID"), limit, offset)
	if err != nil {
		h.respondLookupError(w, err, "failed to get products")
		return
	}

	h.respondJSON(w, http.StatusOK, products)
}

type Stats struct {
	ProductsByCity map[string]int64           `json:"products_by_city"`
	RunsByStatus   map[models.RunStatus]int64 `json:"runs_by_status"`
	Outbox         map[string]int64           `json:"outbox"`
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	products, err := h.products.CountProductsByCity(ctx)
	if err != nil {
		h.logger.Error("failed to get stats", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	runs, err := h.counter.CountByStatus(ctx)
	if err != nil {
		h.logger.Error("failed to get stats", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	outbox, err := h.outbox.CountByStatus(ctx)
	if err != nil {
		h.logger.Error("failed to get stats", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	h.respondJSON(w, http.StatusOK, Stats{
		ProductsByCity: products,
		RunsByStatus:   runs,
		Outbox:         outbox,
	})
}

// Health reports outbox backlog; a large dead letter pile is unhealthy.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	counts, err := h.outbox.CountByStatus(r.Context())
	if err != nil {
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "error",
			"message": "database unavailable",
		})
		return
	}

	pending := counts[database.OutboxStatusPending] + counts[database.OutboxStatusFailed]
	deadLetter := counts[database.OutboxStatusDeadLetter]

	health := map[string]any{
		"status": "ok",
		"outbox": map[string]int64{
			"pending":     pending,
			"dead_letter": deadLetter,
		},
	}

	status := http.StatusOK
	if pending > pendingWarnThreshold {
		health["status"] = "warning"
		health["message"] = "High number of pending outbox events"
	}
	if deadLetter > deadLetterFailThreshold {
		health["status"] = "error"
		health["message"] = "High number of dead letter events"
		status = http.StatusServiceUnavailable
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) respondLookupError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, database.ErrInvalidRunID):
		h.respondError(w, http.StatusBadRequest, "invalid run id")
	case errors.Is(err, database.ErrRunNotFound):
		h.respondError(w, http.StatusNotFound, "run not found")
	default:
		h.logger.Error(msg, "error", err)
		h.respondError(w, http.StatusInternalServerError, msg)
	}
}

// intParam reads a non-negative query parameter; max < 0 means unbounded.
func intParam(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	if max >= 0 && v > max {
		v = max
	}
	return v, nil
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
