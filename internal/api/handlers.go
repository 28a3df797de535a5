package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"icr-worker/internal/domain"
	"icr-worker/internal/producer"
	"icr-worker/internal/queue"
)

type CatalogReader interface {
	GetStatus(ctx context.Context, submissionID string) (domain.SubmissionRecord, error)
	ListPages(ctx context.Context, submissionID string) ([]domain.PageRecord, error)
	Ping(ctx context.Context) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, submissionID string, imagePaths []string) (producer.Submission, error)
}

// WorkerState reports whether the local coordinator has halted.
type WorkerState interface {
	Halted() bool
}

type Handler struct {
	catalog  CatalogReader
	counters queue.CounterStore
	enqueuer Enqueuer
	worker   WorkerState
	logger   *slog.Logger
}

type statusResponse struct {
	SubmissionID string                  `json:"submission_id"`
	Status       domain.SubmissionStatus `json:"status"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

type pagesResponse struct {
	SubmissionID string              `json:"submission_id"`
	Pages        []domain.PageRecord `json:"pages"`
}

type enqueueRequest struct {
	SubmissionID string   `json:"submission_id,omitempty"`
	ImagePaths   []string `json:"image_paths"`
}

func NewHandler(catalog CatalogReader, counters queue.CounterStore, enqueuer Enqueuer, worker WorkerState, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{catalog: catalog, counters: counters, enqueuer: enqueuer, worker: worker, logger: logger}
}

func (h *Handler) EnqueueSubmission(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	if len(req.ImagePaths) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "image_paths is required"})
		return
	}

	sub, err := h.enqueuer.Enqueue(ctx, req.SubmissionID, req.ImagePaths)
	if err != nil {
		h.logger.Error("enqueue submission", "submission_id", req.SubmissionID, "error", err)
		if errors.Is(err, producer.ErrAlreadyQueued) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
			return
		}
		if errors.Is(err, domain.ErrCatalogUnavailable) || errors.Is(err, domain.ErrCounterStore) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to queue submission"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"submission_id": sub.ID,
		"pages":         len(sub.Jobs),
		"status":        domain.StatusInQueue,
	})
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request, submissionID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rec, err := h.catalog.GetStatus(ctx, submissionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "submission not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to fetch status"})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{SubmissionID: submissionID, Status: rec.Status, UpdatedAt: rec.UpdatedAt})
}

func (h *Handler) GetPages(w http.ResponseWriter, r *http.Request, submissionID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	pages, err := h.catalog.ListPages(ctx, submissionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to fetch pages"})
		return
	}
	if len(pages) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no page results"})
		return
	}
	writeJSON(w, http.StatusOK, pagesResponse{SubmissionID: submissionID, Pages: pages})
}

func (h *Handler) GetCounters(w http.ResponseWriter, r *http.Request, submissionID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	counters, err := queue.ReadCounters(ctx, h.counters, submissionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to read counters"})
		return
	}
	writeJSON(w, http.StatusOK, counters)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz fails once the worker has halted so the supervisor restarts it.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.worker != nil && h.worker.Halted() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "halted"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.catalog.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
