// Package handler はHTTP APIのハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/transitman/internal/middleware"
	"github.com/hitoshi/transitman/internal/model"
	"github.com/hitoshi/transitman/internal/poller"
	"github.com/hitoshi/transitman/internal/repository"
)

// CheckRunnerInterface はオンデマンドチェック実行のインターフェース。
type CheckRunnerInterface interface {
	CheckFeedSource(ctx context.Context, feedSourceID string, force bool) (*poller.CheckResult, error)
}

// URLValidator はフィードソース登録時のURL事前検証インターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// FeedSourceHandler はフィードソース管理のHTTPハンドラー。
type FeedSourceHandler struct {
	sourceRepo repository.FeedSourceRepository
	logRepo    repository.CheckLogRepository
	runner     CheckRunnerInterface
	validator  URLValidator
}

// NewFeedSourceHandler はFeedSourceHandlerを生成する。
func NewFeedSourceHandler(
	sourceRepo repository.FeedSourceRepository,
	logRepo repository.CheckLogRepository,
	runner CheckRunnerInterface,
	validator URLValidator,
) *FeedSourceHandler {
	return &FeedSourceHandler{
		sourceRepo: sourceRepo,
		logRepo:    logRepo,
		runner:     runner,
		validator:  validator,
	}
}

// createFeedSourceRequest はフィードソース登録リクエストのボディ。
// 認証シークレットは登録時のみ受け付け、レスポンスには一切含めない。
type createFeedSourceRequest struct {
	Name          string `json:"name"`
	URL           string `json:"url"`
	Kind          string `json:"kind"`
	Cadence       string `json:"cadence"`
	AuthType      string `json:"auth_type"`
	AuthHeaderKey string `json:"auth_header_key"`
	AuthSecret    string `json:"auth_secret"`
	AuthUser      string `json:"auth_user"`
	AutoImport    bool   `json:"auto_import"`
}

// feedSourceResponse はフィードソース情報のAPIレスポンス。
// 認証シークレットは含めない。
type feedSourceResponse struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	URL               string     `json:"url"`
	Kind              string     `json:"kind"`
	Cadence           string     `json:"cadence"`
	AuthType          string     `json:"auth_type"`
	Enabled           bool       `json:"enabled"`
	AutoImport        bool       `json:"auto_import"`
	Status            string     `json:"status"`
	LastCheckedAt     *time.Time `json:"last_checked_at"`
	LastSuccessAt     *time.Time `json:"last_success_at"`
	LastImportAt      *time.Time `json:"last_import_at"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	LastError         string     `json:"last_error,omitempty"`
}

// checkLogResponse はチェックログのAPIレスポンス。
type checkLogResponse struct {
	ID             string    `json:"id"`
	CheckedAt      time.Time `json:"checked_at"`
	Success        bool      `json:"success"`
	HTTPStatus     int       `json:"http_status"`
	ContentSize    int64     `json:"content_size"`
	ContentHash    string    `json:"content_hash,omitempty"`
	ContentChanged bool      `json:"content_changed"`
	JobTriggered   bool      `json:"job_triggered"`
	JobID          string    `json:"job_id,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// validSourceKinds は登録を受け付けるフィード種別。
var validSourceKinds = map[model.SourceKind]bool{
	model.SourceKindStatic:            true,
	model.SourceKindRealtime:          true,
	model.SourceKindVehiclePositions:  true,
	model.SourceKindTripUpdates:       true,
	model.SourceKindAlerts:            true,
	model.SourceKindTripModifications: true,
	model.SourceKindReplacementShapes: true,
	model.SourceKindReplacementStops:  true,
}

// validCadences は登録を受け付けるチェックケイデンス。
var validCadences = map[model.CheckCadence]bool{
	model.CadenceHourly: true,
	model.CadenceDaily:  true,
	model.CadenceWeekly: true,
	model.CadenceManual: true,
}

// CreateFeedSource はフィードソース登録を処理する。
// POST /api/feed-sources
func (h *FeedSourceHandler) CreateFeedSource(w http.ResponseWriter, r *http.Request) {
	var req createFeedSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, invalidRequestError("リクエストボディの解析に失敗しました。"))
		return
	}

	if req.Name == "" || req.URL == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, invalidRequestError("nameとurlは必須です。"))
		return
	}

	kind := model.SourceKind(req.Kind)
	if !validSourceKinds[kind] {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, invalidRequestError("kindが不正です。"))
		return
	}

	cadence := model.CheckCadence(req.Cadence)
	if req.Cadence == "" {
		cadence = model.CadenceDaily
	} else if !validCadences[cadence] {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, invalidRequestError("cadenceが不正です。"))
		return
	}

	authType := model.AuthType(req.AuthType)
	if req.AuthType == "" {
		authType = model.AuthTypeNone
	}

	if err := h.validator.ValidateURL(req.URL); err != nil {
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewSSRFBlockedError())
		return
	}

	now := time.Now().UTC()
	source := &model.FeedSource{
		ID:            uuid.New().String(),
		Name:          req.Name,
		URL:           req.URL,
		Kind:          kind,
		AuthType:      authType,
		AuthHeaderKey: req.AuthHeaderKey,
		AuthSecret:    req.AuthSecret,
		AuthUser:      req.AuthUser,
		Cadence:       cadence,
		Enabled:       true,
		AutoImport:    req.AutoImport,
		Status:        model.SourceStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := h.sourceRepo.Create(r.Context(), source); err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toFeedSourceResponse(source))
}

// GetFeedSource はフィードソース詳細を取得する。
// GET /api/feed-sources/:id
func (h *FeedSourceHandler) GetFeedSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "id")

	source, err := h.sourceRepo.FindByID(r.Context(), sourceID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if source == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewFeedSourceNotFoundError(sourceID))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toFeedSourceResponse(source))
}

// ListCheckLogs はフィードソースのチェックログ一覧を取得する。
// GET /api/feed-sources/:id/logs
func (h *FeedSourceHandler) ListCheckLogs(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "id")

	source, err := h.sourceRepo.FindByID(r.Context(), sourceID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if source == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewFeedSourceNotFoundError(sourceID))
		return
	}

	entries, err := h.logRepo.ListByFeedSource(r.Context(), sourceID, 50)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]checkLogResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, checkLogResponse{
			ID:             e.ID,
			CheckedAt:      e.CheckedAt,
			Success:        e.Success,
			HTTPStatus:     e.HTTPStatus,
			ContentSize:    e.ContentSize,
			ContentHash:    e.ContentHash,
			ContentChanged: e.ContentChanged,
			JobTriggered:   e.JobTriggered,
			JobID:          e.JobID,
			ErrorMessage:   e.ErrorMessage,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// CheckFeedSource はオンデマンドのフィードチェックを実行する。
// チェックは同期的に実行され、結果がそのままレスポンスとして返る。
// POST /api/feed-sources/:id/check?force=true
func (h *FeedSourceHandler) CheckFeedSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "true"

	result, err := h.runner.CheckFeedSource(r.Context(), sourceID, force)
	if err != nil {
		var checkErr *model.CheckError
		if errors.As(err, &checkErr) {
			// チェック自体は実行されたがサイクル内で失敗した場合は結果を含めて返す
			statusCode := mapCheckErrorToHTTPStatus(checkErr)
			if result != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(statusCode)
				json.NewEncoder(w).Encode(result)
				return
			}
			middleware.WriteErrorResponse(w, statusCode, checkErr)
			return
		}
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// --- ヘルパー関数 ---

// toFeedSourceResponse はmodel.FeedSourceからAPIレスポンスに変換する。
func toFeedSourceResponse(source *model.FeedSource) feedSourceResponse {
	return feedSourceResponse{
		ID:                source.ID,
		Name:              source.Name,
		URL:               source.URL,
		Kind:              string(source.Kind),
		Cadence:           string(source.Cadence),
		AuthType:          string(source.AuthType),
		Enabled:           source.Enabled,
		AutoImport:        source.AutoImport,
		Status:            string(source.Status),
		LastCheckedAt:     source.LastCheckedAt,
		LastSuccessAt:     source.LastSuccessAt,
		LastImportAt:      source.LastImportAt,
		ConsecutiveErrors: source.ConsecutiveErrors,
		LastError:         source.LastError,
	}
}

// invalidRequestError はリクエスト不正の統一エラーを生成する。
func invalidRequestError(message string) *model.CheckError {
	return &model.CheckError{
		Code:     "INVALID_REQUEST",
		Message:  message,
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var checkErr *model.CheckError
	if errors.As(err, &checkErr) {
		middleware.WriteErrorResponse(w, mapCheckErrorToHTTPStatus(checkErr), checkErr)
		return
	}

	// CheckError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapCheckErrorToHTTPStatus はCheckErrorコードからHTTPステータスコードにマッピングする。
func mapCheckErrorToHTTPStatus(checkErr *model.CheckError) int {
	switch checkErr.Code {
	case model.ErrCodeFeedSourceNotFound, model.ErrCodeJobNotFound:
		return http.StatusNotFound
	case model.ErrCodeFeedSourceDisabled:
		return http.StatusConflict
	case model.ErrCodeCheckInProgress:
		return http.StatusConflict
	case model.ErrCodeJobNotCancellable:
		return http.StatusConflict
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeFetchFailed:
		return http.StatusBadGateway
	case model.ErrCodeDecodeFailed:
		return http.StatusUnprocessableEntity
	case "INVALID_REQUEST":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
