package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/transitman/internal/middleware"
	"github.com/hitoshi/transitman/internal/model"
	"github.com/hitoshi/transitman/internal/poller"
	"github.com/hitoshi/transitman/internal/repository"
)

// mockSourceRepo はFeedSourceRepositoryのモック実装。
type mockSourceRepo struct {
	sources map[string]*model.FeedSource
	findErr error
	created []*model.FeedSource
}

func (m *mockSourceRepo) FindByID(ctx context.Context, id string) (*model.FeedSource, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.sources[id], nil
}

func (m *mockSourceRepo) Create(ctx context.Context, source *model.FeedSource) error {
	m.created = append(m.created, source)
	return nil
}

func (m *mockSourceRepo) ListDueForCheck(ctx context.Context, now time.Time) ([]*model.FeedSource, error) {
	return nil, nil
}

func (m *mockSourceRepo) UpdateCheckState(ctx context.Context, source *model.FeedSource) error {
	return nil
}

// mockLogRepo はCheckLogRepositoryのモック実装。
type mockLogRepo struct {
	entries []*model.FeedCheckLog
	listErr error
}

func (m *mockLogRepo) Create(ctx context.Context, entry *model.FeedCheckLog) error {
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockLogRepo) ListByFeedSource(ctx context.Context, feedSourceID string, limit int) ([]*model.FeedCheckLog, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.entries, nil
}

// mockJobRepo はJobRepositoryのモック実装。
type mockJobRepo struct {
	jobs        map[string]*model.Job
	listResult  []*model.Job
	listErr     error
	lastFilter  repository.JobFilter
	cancelOK    bool
	cancelErr   error
	cancelCalls int
}

func (m *mockJobRepo) Create(ctx context.Context, job *model.Job) error { return nil }

func (m *mockJobRepo) FindByID(ctx context.Context, id string) (*model.Job, error) {
	return m.jobs[id], nil
}

func (m *mockJobRepo) List(ctx context.Context, filter repository.JobFilter) ([]*model.Job, error) {
	m.lastFilter = filter
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.listResult, nil
}

func (m *mockJobRepo) ClaimPending(ctx context.Context, limit int) ([]*model.Job, error) {
	return nil, nil
}

func (m *mockJobRepo) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	return nil
}

func (m *mockJobRepo) Complete(ctx context.Context, jobID string, result []byte) error { return nil }

func (m *mockJobRepo) Fail(ctx context.Context, jobID string, errorMessage string, retryable bool) error {
	return nil
}

func (m *mockJobRepo) Cancel(ctx context.Context, jobID string) (bool, error) {
	m.cancelCalls++
	if m.cancelErr != nil {
		return false, m.cancelErr
	}
	if m.cancelOK {
		if job, ok := m.jobs[jobID]; ok {
			job.Status = model.JobStatusCancelled
		}
	}
	return m.cancelOK, nil
}

func (m *mockJobRepo) ListRunningStartedBefore(ctx context.Context, cutoff time.Time) ([]*model.Job, error) {
	return nil, nil
}

func (m *mockJobRepo) MarkOrphaned(ctx context.Context, jobID string, message string, result []byte) error {
	return nil
}

// mockRunner はCheckRunnerInterfaceのモック実装。
type mockRunner struct {
	result    *poller.CheckResult
	err       error
	lastID    string
	lastForce bool
}

func (m *mockRunner) CheckFeedSource(ctx context.Context, feedSourceID string, force bool) (*poller.CheckResult, error) {
	m.lastID = feedSourceID
	m.lastForce = force
	return m.result, m.err
}

// mockValidator はURLValidatorのモック実装。
type mockValidator struct {
	err error
}

func (m *mockValidator) ValidateURL(rawURL string) error { return m.err }

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error { return m.err }

// routerFixture はルーターとモック一式をまとめたテストフィクスチャ。
type routerFixture struct {
	handler    http.Handler
	sourceRepo *mockSourceRepo
	logRepo    *mockLogRepo
	jobRepo    *mockJobRepo
	runner     *mockRunner
	validator  *mockValidator
	health     *mockHealthChecker
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	f := &routerFixture{
		sourceRepo: &mockSourceRepo{sources: map[string]*model.FeedSource{}},
		logRepo:    &mockLogRepo{},
		jobRepo:    &mockJobRepo{jobs: map[string]*model.Job{}},
		runner:     &mockRunner{},
		validator:  &mockValidator{},
		health:     &mockHealthChecker{},
	}

	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(limiter.Stop)

	f.handler = NewRouter(&RouterDeps{
		RateLimiter:     limiter,
		Logger:          slog.New(slog.NewJSONHandler(io.Discard, nil)),
		FeedSourceRepo:  f.sourceRepo,
		CheckLogRepo:    f.logRepo,
		CheckRunner:     f.runner,
		URLValidator:    f.validator,
		JobRepo:         f.jobRepo,
		HealthChecker:   f.health,
		MetricsGatherer: prometheus.NewRegistry(),
	})
	return f
}

func (f *routerFixture) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.1:12345"
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスがJSONではない: %v\nraw: %s", err, rec.Body.String())
	}
	return body
}

func activeSource(id string) *model.FeedSource {
	now := time.Now().UTC()
	return &model.FeedSource{
		ID:        id,
		Name:      "テストフィード",
		URL:       "https://gtfs.example.com/vehicle-positions.pb",
		Kind:      model.SourceKindVehiclePositions,
		AuthType:  model.AuthTypeNone,
		Cadence:   model.CadenceHourly,
		Enabled:   true,
		Status:    model.SourceStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateFeedSource_Success(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodPost, "/api/feed-sources", `{
		"name": "都営バス車両位置",
		"url": "https://gtfs.example.com/vehicle-positions.pb",
		"kind": "vehicle_positions",
		"cadence": "hourly",
		"auth_type": "bearer",
		"auth_secret": "token-123"
	}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("ステータス = %d, want 201\nbody: %s", rec.Code, rec.Body.String())
	}

	body := decodeJSON(t, rec)
	if body["name"] != "都営バス車両位置" {
		t.Errorf("name = %v", body["name"])
	}
	if body["kind"] != "vehicle_positions" {
		t.Errorf("kind = %v", body["kind"])
	}
	if body["status"] != "pending" {
		t.Errorf("登録直後のstatus = %v, want pending", body["status"])
	}
	if body["enabled"] != true {
		t.Errorf("enabled = %v, want true", body["enabled"])
	}
	if body["id"] == "" || body["id"] == nil {
		t.Error("idが採番されるべき")
	}

	// 認証シークレットはレスポンスに含めない
	if strings.Contains(rec.Body.String(), "token-123") {
		t.Error("レスポンスに認証シークレットが含まれている")
	}

	if len(f.sourceRepo.created) != 1 {
		t.Fatalf("作成されたソース数 = %d, want 1", len(f.sourceRepo.created))
	}
	if f.sourceRepo.created[0].AuthSecret != "token-123" {
		t.Error("シークレットは永続化層には渡されるべき")
	}
}

func TestCreateFeedSource_DefaultCadence(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodPost, "/api/feed-sources", `{
		"name": "アラート",
		"url": "https://gtfs.example.com/alerts.pb",
		"kind": "alerts"
	}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("ステータス = %d, want 201", rec.Code)
	}
	body := decodeJSON(t, rec)
	if body["cadence"] != "daily" {
		t.Errorf("デフォルトのcadence = %v, want daily", body["cadence"])
	}
	if body["auth_type"] != "none" {
		t.Errorf("デフォルトのauth_type = %v, want none", body["auth_type"])
	}
}

func TestCreateFeedSource_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"ボディが不正なJSON", `{invalid`},
		{"nameなし", `{"url": "https://gtfs.example.com/f.pb", "kind": "alerts"}`},
		{"urlなし", `{"name": "x", "kind": "alerts"}`},
		{"kindが不正", `{"name": "x", "url": "https://gtfs.example.com/f.pb", "kind": "bogus"}`},
		{"cadenceが不正", `{"name": "x", "url": "https://gtfs.example.com/f.pb", "kind": "alerts", "cadence": "minutely"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t)
			rec := f.do(t, http.MethodPost, "/api/feed-sources", tt.body)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("ステータス = %d, want 400", rec.Code)
			}
			body := decodeJSON(t, rec)
			if body["code"] != "INVALID_REQUEST" {
				t.Errorf("code = %v, want INVALID_REQUEST", body["code"])
			}
			if len(f.sourceRepo.created) != 0 {
				t.Error("バリデーション失敗でソースが作成された")
			}
		})
	}
}

func TestCreateFeedSource_SSRFBlocked(t *testing.T) {
	f := newRouterFixture(t)
	f.validator.err = errors.New("プライベートIPへのアクセス")

	rec := f.do(t, http.MethodPost, "/api/feed-sources", `{
		"name": "内部URL",
		"url": "http://10.0.0.1/feed.pb",
		"kind": "alerts"
	}`)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("ステータス = %d, want 403", rec.Code)
	}
	body := decodeJSON(t, rec)
	if body["code"] != model.ErrCodeSSRFBlocked {
		t.Errorf("code = %v, want SSRF_BLOCKED", body["code"])
	}
	if len(f.sourceRepo.created) != 0 {
		t.Error("SSRFブロック時にソースが作成された")
	}
}

func TestGetFeedSource_Success(t *testing.T) {
	f := newRouterFixture(t)
	f.sourceRepo.sources["src-1"] = activeSource("src-1")

	rec := f.do(t, http.MethodGet, "/api/feed-sources/src-1", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("ステータス = %d, want 200", rec.Code)
	}
	body := decodeJSON(t, rec)
	if body["id"] != "src-1" {
		t.Errorf("id = %v, want src-1", body["id"])
	}
	if body["status"] != "active" {
		t.Errorf("status = %v, want active", body["status"])
	}
}

func TestGetFeedSource_NotFound(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodGet, "/api/feed-sources/missing", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("ステータス = %d, want 404", rec.Code)
	}
	body := decodeJSON(t, rec)
	if body["code"] != model.ErrCodeFeedSourceNotFound {
		t.Errorf("code = %v, want FEED_SOURCE_NOT_FOUND", body["code"])
	}
}

func TestListCheckLogs_Success(t *testing.T) {
	f := newRouterFixture(t)
	f.sourceRepo.sources["src-1"] = activeSource("src-1")
	f.logRepo.entries = []*model.FeedCheckLog{
		{
			ID:             "log-1",
			FeedSourceID:   "src-1",
			CheckedAt:      time.Now().UTC(),
			Success:        true,
			HTTPStatus:     200,
			ContentSize:    2048,
			ContentChanged: true,
		},
		{
			ID:           "log-2",
			FeedSourceID: "src-1",
			CheckedAt:    time.Now().UTC(),
			Success:      false,
			HTTPStatus:   502,
			ErrorMessage: "fetch failed",
		},
	}

	rec := f.do(t, http.MethodGet, "/api/feed-sources/src-1/logs", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("ステータス = %d, want 200", rec.Code)
	}
	var logs []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &logs); err != nil {
		t.Fatalf("レスポンスがJSON配列ではない: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("ログ件数 = %d, want 2", len(logs))
	}
	if logs[0]["id"] != "log-1" || logs[0]["success"] != true {
		t.Errorf("logs[0] = %v", logs[0])
	}
	if logs[1]["error_message"] != "fetch failed" {
		t.Errorf("logs[1].error_message = %v", logs[1]["error_message"])
	}
}

func TestListCheckLogs_SourceNotFound(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodGet, "/api/feed-sources/missing/logs", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("ステータス = %d, want 404", rec.Code)
	}
}

func TestCheckFeedSource_Success(t *testing.T) {
	f := newRouterFixture(t)
	f.runner.result = &poller.CheckResult{
		FeedSourceID:   "src-1",
		Success:        true,
		HTTPStatus:     200,
		ContentChanged: true,
		EntityCount:    8,
	}

	rec := f.do(t, http.MethodPost, "/api/feed-sources/src-1/check", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("ステータス = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}
	if f.runner.lastID != "src-1" {
		t.Errorf("チェック対象 = %q, want src-1", f.runner.lastID)
	}
	if f.runner.lastForce {
		t.Error("forceパラメータなしではforce=falseであるべき")
	}

	body := decodeJSON(t, rec)
	if body["success"] != true {
		t.Errorf("success = %v, want true", body["success"])
	}
	if body["entity_count"] != float64(8) {
		t.Errorf("entity_count = %v, want 8", body["entity_count"])
	}
}

func TestCheckFeedSource_ForceParameter(t *testing.T) {
	f := newRouterFixture(t)
	f.runner.result = &poller.CheckResult{FeedSourceID: "src-1", Success: true}

	rec := f.do(t, http.MethodPost, "/api/feed-sources/src-1/check?force=true", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("ステータス = %d, want 200", rec.Code)
	}
	if !f.runner.lastForce {
		t.Error("force=trueパラメータが伝播されるべき")
	}
}

func TestCheckFeedSource_ErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        *model.CheckError
		wantStatus int
	}{
		{"ソース未検出", model.NewFeedSourceNotFoundError("src-1"), http.StatusNotFound},
		{"ソース無効化", model.NewFeedSourceDisabledError("src-1"), http.StatusConflict},
		{"チェック実行中", model.NewCheckInProgressError("src-1"), http.StatusConflict},
		{"SSRFブロック", model.NewSSRFBlockedError(), http.StatusForbidden},
		{"フェッチ失敗", model.NewFetchFailedError("timeout"), http.StatusBadGateway},
		{"デコード失敗", model.NewDecodeFailedError("bad payload"), http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t)
			f.runner.err = tt.err

			rec := f.do(t, http.MethodPost, "/api/feed-sources/src-1/check", "")

			if rec.Code != tt.wantStatus {
				t.Fatalf("ステータス = %d, want %d", rec.Code, tt.wantStatus)
			}
			body := decodeJSON(t, rec)
			if body["code"] != tt.err.Code {
				t.Errorf("code = %v, want %v", body["code"], tt.err.Code)
			}
		})
	}
}

func TestCheckFeedSource_FailedCheckReturnsResult(t *testing.T) {
	// チェックサイクル内で失敗した場合は部分的な結果を含めて返す
	f := newRouterFixture(t)
	f.runner.result = &poller.CheckResult{
		FeedSourceID: "src-1",
		Success:      false,
		HTTPStatus:   502,
		Error:        "フィードの取得に失敗しました",
	}
	f.runner.err = model.NewFetchFailedError("HTTPステータス 502")

	rec := f.do(t, http.MethodPost, "/api/feed-sources/src-1/check", "")

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("ステータス = %d, want 502", rec.Code)
	}
	body := decodeJSON(t, rec)
	if body["feed_source_id"] != "src-1" {
		t.Errorf("部分的な結果が返されるべき: %v", body)
	}
	if body["http_status"] != float64(502) {
		t.Errorf("http_status = %v, want 502", body["http_status"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("ステータス = %d, want 200", rec.Code)
	}
	body := decodeJSON(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestHealthEndpoint_DBUnreachable(t *testing.T) {
	f := newRouterFixture(t)
	f.health.err = errors.New("connection refused")

	rec := f.do(t, http.MethodGet, "/health", "")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ステータス = %d, want 503", rec.Code)
	}
	body := decodeJSON(t, rec)
	if body["status"] != "unhealthy" {
		t.Errorf("status = %v, want unhealthy", body["status"])
	}
}
