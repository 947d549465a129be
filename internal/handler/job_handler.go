package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/transitman/internal/middleware"
	"github.com/hitoshi/transitman/internal/model"
	"github.com/hitoshi/transitman/internal/repository"
)

// JobHandler はジョブ監視・操作のHTTPハンドラー。
type JobHandler struct {
	jobRepo repository.JobRepository
}

// NewJobHandler はJobHandlerを生成する。
func NewJobHandler(jobRepo repository.JobRepository) *JobHandler {
	return &JobHandler{jobRepo: jobRepo}
}

// jobResponse はジョブ情報のAPIレスポンス。
type jobResponse struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	FeedSourceID string          `json:"feed_source_id,omitempty"`
	Status       string          `json:"status"`
	Progress     int             `json:"progress"`
	StartedAt    *time.Time      `json:"started_at"`
	EndedAt      *time.Time      `json:"ended_at"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Retryable    bool            `json:"retryable"`
	Orphaned     bool            `json:"orphaned"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ListJobs はジョブ一覧を取得する。
// status、kind、feed_source_idクエリパラメータで絞り込める。
// GET /api/jobs
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := repository.JobFilter{
		Status:       model.JobStatus(r.URL.Query().Get("status")),
		Kind:         model.JobKind(r.URL.Query().Get("kind")),
		FeedSourceID: r.URL.Query().Get("feed_source_id"),
	}

	jobs, err := h.jobRepo.List(r.Context(), filter)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, toJobResponse(job))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetJob はジョブ詳細を取得する。
// GET /api/jobs/:id
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	job, err := h.jobRepo.FindByID(r.Context(), jobID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if job == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewJobNotFoundError(jobID))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toJobResponse(job))
}

// CancelJob は実行待ちまたは実行中のジョブを中止する。
// 既に終端状態のジョブへの中止要求は409を返す。
// POST /api/jobs/:id/cancel
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	job, err := h.jobRepo.FindByID(r.Context(), jobID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if job == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewJobNotFoundError(jobID))
		return
	}

	cancelled, err := h.jobRepo.Cancel(r.Context(), jobID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if !cancelled {
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewJobNotCancellableError(jobID))
		return
	}

	updated, err := h.jobRepo.FindByID(r.Context(), jobID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toJobResponse(updated))
}

// toJobResponse はmodel.JobからAPIレスポンスに変換する。
func toJobResponse(job *model.Job) jobResponse {
	return jobResponse{
		ID:           job.ID,
		Kind:         string(job.Kind),
		FeedSourceID: job.FeedSourceID,
		Status:       string(job.Status),
		Progress:     job.Progress,
		StartedAt:    job.StartedAt,
		EndedAt:      job.EndedAt,
		ErrorMessage: job.ErrorMessage,
		Result:       json.RawMessage(job.Result),
		Retryable:    job.Retryable,
		Orphaned:     job.Orphaned,
		CreatedAt:    job.CreatedAt,
	}
}
