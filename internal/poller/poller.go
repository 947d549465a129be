package poller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/transitman/internal/model"
	"github.com/hitoshi/transitman/internal/realtime"
	"github.com/hitoshi/transitman/internal/repository"
	"github.com/hitoshi/transitman/internal/wire"
)

// FeedStorer はデコード済みフィードの保存処理のインターフェース。
type FeedStorer interface {
	Store(ctx context.Context, source *model.FeedSource, decoded *model.DecodedFeed) (realtime.StoreResult, error)
}

// MetricsRecorder はポーラーが記録するメトリクスのインターフェース。
type MetricsRecorder interface {
	RecordCheckSuccess(feedSourceID string)
	RecordCheckFailure(feedSourceID string, reason string)
	RecordDecodeFailure(feedSourceID string)
	RecordHTTPStatus(statusCode int)
	RecordCheckLatency(duration time.Duration)
	RecordEntitiesStored(kind string, count int)
}

// CheckResult は1回のチェックサイクルの結果を表す。
// ジョブの結果ペイロードとしてそのままJSONで記録される。
type CheckResult struct {
	FeedSourceID   string               `json:"feed_source_id"`
	Success        bool                 `json:"success"`
	HTTPStatus     int                  `json:"http_status"`
	ContentChanged bool                 `json:"content_changed"`
	ContentHash    string               `json:"content_hash,omitempty"`
	EntityCount    int                  `json:"entity_count"`
	Stored         realtime.StoreResult `json:"stored"`
	JobTriggered   bool                 `json:"job_triggered"`
	JobID          string               `json:"job_id,omitempty"`
	Error          string               `json:"error,omitempty"`
}

// Poller はフィードソースのチェックサイクル全体を実行する。
// 1サイクルは SSRF検証 → 条件付きフェッチ → 変化検出 → デコード →
// 保存 → 健全性状態とチェックログの更新、で構成される。
// 健全性状態とチェックログは成功・失敗を問わず毎回更新され、
// 「フィードは生きているか」にチェックログだけで答えられる状態を保つ。
type Poller struct {
	sourceRepo repository.FeedSourceRepository
	logRepo    repository.CheckLogRepository
	jobRepo    repository.JobRepository
	detector   *ChangeDetector
	store      FeedStorer
	guard      *CheckGuard
	metrics    MetricsRecorder
	logger     *slog.Logger
}

// NewPoller はPollerの新しいインスタンスを生成する。
func NewPoller(
	sourceRepo repository.FeedSourceRepository,
	logRepo repository.CheckLogRepository,
	jobRepo repository.JobRepository,
	detector *ChangeDetector,
	store FeedStorer,
	guard *CheckGuard,
	metrics MetricsRecorder,
	logger *slog.Logger,
) *Poller {
	return &Poller{
		sourceRepo: sourceRepo,
		logRepo:    logRepo,
		jobRepo:    jobRepo,
		detector:   detector,
		store:      store,
		guard:      guard,
		metrics:    metrics,
		logger:     logger,
	}
}

// CheckFeedSource は指定フィードソースの1チェックサイクルを実行する。
// forceがtrueの場合は条件付きヘッダーとハッシュ比較を無視して全文を取り込む。
// 同一フィードソースのチェックが既に実行中の場合はCHECK_IN_PROGRESSエラーを
// 返し、新たなチェックは開始しない。
func (p *Poller) CheckFeedSource(ctx context.Context, feedSourceID string, force bool) (*CheckResult, error) {
	source, err := p.sourceRepo.FindByID(ctx, feedSourceID)
	if err != nil {
		return nil, model.NewStoreFailedError(err.Error())
	}
	if source == nil {
		return nil, model.NewFeedSourceNotFoundError(feedSourceID)
	}
	if !source.Enabled {
		return nil, model.NewFeedSourceDisabledError(feedSourceID)
	}

	if !p.guard.TryAcquire(source.ID) {
		return nil, model.NewCheckInProgressError(source.ID)
	}
	defer p.guard.Release(source.ID)

	return p.runCheck(ctx, source, force)
}

// runCheck は排他取得済みのフィードソースに対してチェックサイクルを実行する。
func (p *Poller) runCheck(ctx context.Context, source *model.FeedSource, force bool) (*CheckResult, error) {
	now := time.Now().UTC()
	result := &CheckResult{FeedSourceID: source.ID}

	// SSRF検証: 登録後にDNSやURLが書き換わった場合もチェック時点で防ぐ
	if err := p.ssrfGuard().ValidateURL(source.URL); err != nil {
		checkErr := model.NewSSRFBlockedError()
		p.logger.Error("フィードURLのSSRF検証に失敗しました",
			slog.String("feed_source_id", source.ID),
			slog.String("url", source.URL),
			slog.String("error", err.Error()),
		)
		p.recordFailure(ctx, source, result, now, checkErr)
		return result, checkErr
	}

	// 初回チェック（取り込み成功の実績なし）は常に全文取得
	forceFull := force || source.LastImportAt == nil
	outcome, err := p.detector.Fetch(ctx, source.URL, fetchConditions{
		ETag:            source.ETag,
		LastModified:    source.LastModified,
		LastContentHash: source.LastContentHash,
		ForceFull:       forceFull,
	}, func(req *http.Request) {
		applyAuth(req, source)
	})
	if outcome != nil {
		result.HTTPStatus = outcome.HTTPStatus
		p.metrics.RecordHTTPStatus(outcome.HTTPStatus)
		p.metrics.RecordCheckLatency(outcome.Duration)
	}
	if err != nil {
		checkErr := model.NewFetchFailedError(err.Error())
		p.logger.Error("フィードのフェッチに失敗しました",
			slog.String("feed_source_id", source.ID),
			slog.String("url", source.URL),
			slog.Int("http_status", result.HTTPStatus),
			slog.String("error", err.Error()),
		)
		p.recordFailure(ctx, source, result, now, checkErr)
		return result, checkErr
	}

	// 304またはハッシュ一致: 変化なし
	if outcome.NotModified || !outcome.Changed {
		result.Success = true
		result.ContentChanged = false
		result.ContentHash = outcome.ContentHash
		p.logger.Info("フィードは未変更です",
			slog.String("feed_source_id", source.ID),
			slog.Int("http_status", outcome.HTTPStatus),
			slog.Bool("not_modified", outcome.NotModified),
			slog.Float64("duration_ms", float64(outcome.Duration.Milliseconds())),
		)
		p.recordSuccess(ctx, source, result, now, outcome, 0)
		return result, nil
	}

	result.ContentChanged = true
	result.ContentHash = outcome.ContentHash

	// 静的フィードは中身をデコードせず、変化の記録と後続ジョブの投入のみ行う
	if source.Kind == model.SourceKindStatic {
		p.maybeEnqueueImport(ctx, source, result, now, forceFull)
		result.Success = true
		p.recordSuccess(ctx, source, result, now, outcome, 0)
		return result, nil
	}

	decoded, err := wire.Decode(source.Kind, outcome.Body)
	if err != nil {
		checkErr := model.NewDecodeFailedError(err.Error())
		p.metrics.RecordDecodeFailure(source.ID)
		p.logger.Error("フィードのデコードに失敗しました",
			slog.String("feed_source_id", source.ID),
			slog.String("kind", string(source.Kind)),
			slog.Int("content_size", len(outcome.Body)),
			slog.String("error", err.Error()),
		)
		p.recordFailure(ctx, source, result, now, checkErr)
		return result, checkErr
	}
	result.EntityCount = decoded.EntityCount()

	stored, err := p.store.Store(ctx, source, decoded)
	result.Stored = stored
	if err != nil {
		checkErr := model.NewStoreFailedError(err.Error())
		p.logger.Error("デコード結果の保存に失敗しました",
			slog.String("feed_source_id", source.ID),
			slog.String("error", err.Error()),
		)
		p.recordFailure(ctx, source, result, now, checkErr)
		return result, checkErr
	}

	p.metrics.RecordEntitiesStored(string(source.Kind), stored.Total())
	result.Success = true

	p.logger.Info("フィードチェックが完了しました",
		slog.String("feed_source_id", source.ID),
		slog.String("kind", string(source.Kind)),
		slog.Int("http_status", outcome.HTTPStatus),
		slog.Int("entity_count", result.EntityCount),
		slog.Int("entities_stored", stored.Total()),
		slog.Float64("duration_ms", float64(outcome.Duration.Milliseconds())),
	)
	p.recordSuccess(ctx, source, result, now, outcome, stored.Total())
	return result, nil
}

// maybeEnqueueImport は静的フィードの内容変化時にインポートジョブを投入する。
// auto_importのゲートは定期チェックにのみ適用される。強制チェックと初回
// チェック（forceFull）はauto_importが無効でもジョブを投入する。
func (p *Poller) maybeEnqueueImport(ctx context.Context, source *model.FeedSource, result *CheckResult, now time.Time, forceFull bool) {
	if !forceFull && !source.AutoImport {
		return
	}

	job := &model.Job{
		ID:           uuid.New().String(),
		Kind:         model.JobKindStaticImport,
		FeedSourceID: source.ID,
		Status:       model.JobStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.jobRepo.Create(ctx, job); err != nil {
		// ジョブ投入の失敗でチェック自体を失敗にはしない。次回の変化検出で再投入される。
		p.logger.Error("インポートジョブの投入に失敗しました",
			slog.String("feed_source_id", source.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	result.JobTriggered = true
	result.JobID = job.ID
	p.logger.Info("インポートジョブを投入しました",
		slog.String("feed_source_id", source.ID),
		slog.String("job_id", job.ID),
	)
}

// recordSuccess は成功したチェックの健全性状態とチェックログを記録する。
func (p *Poller) recordSuccess(ctx context.Context, source *model.FeedSource, result *CheckResult, now time.Time, outcome *FetchOutcome, storedCount int) {
	source.Status = model.SourceStatusActive
	source.LastCheckedAt = &now
	source.LastSuccessAt = &now
	source.ConsecutiveErrors = 0
	source.LastError = ""

	// 検証子はサーバーが返した場合のみ更新する
	if outcome.ETag != "" {
		source.ETag = outcome.ETag
	}
	if outcome.LastModified != "" {
		source.LastModified = outcome.LastModified
	}
	if outcome.ContentHash != "" {
		source.LastContentHash = outcome.ContentHash
	}
	if result.ContentChanged && source.Kind != model.SourceKindStatic {
		source.LastImportAt = &now
	}

	if err := p.sourceRepo.UpdateCheckState(ctx, source); err != nil {
		p.logger.Error("フィードソース状態の更新に失敗しました",
			slog.String("feed_source_id", source.ID),
			slog.String("error", err.Error()),
		)
	}

	p.metrics.RecordCheckSuccess(source.ID)
	p.writeCheckLog(ctx, source, result, now, len(outcome.Body), "")
}

// recordFailure は失敗したチェックの健全性状態とチェックログを記録する。
// 失敗してもlast_checked_atは更新され、チェックが行われた事実が残る。
func (p *Poller) recordFailure(ctx context.Context, source *model.FeedSource, result *CheckResult, now time.Time, checkErr *model.CheckError) {
	source.Status = model.SourceStatusError
	source.LastCheckedAt = &now
	source.ConsecutiveErrors++
	source.LastError = checkErr.Message
	result.Error = checkErr.Message

	if err := p.sourceRepo.UpdateCheckState(ctx, source); err != nil {
		p.logger.Error("フィードソース状態の更新に失敗しました",
			slog.String("feed_source_id", source.ID),
			slog.String("error", err.Error()),
		)
	}

	p.metrics.RecordCheckFailure(source.ID, checkErr.Code)
	p.writeCheckLog(ctx, source, result, now, 0, checkErr.Message)
}

// writeCheckLog はチェック試行の追記専用ログを書き込む。
func (p *Poller) writeCheckLog(ctx context.Context, source *model.FeedSource, result *CheckResult, now time.Time, contentSize int, errorMessage string) {
	entry := &model.FeedCheckLog{
		ID:             uuid.New().String(),
		FeedSourceID:   source.ID,
		CheckedAt:      now,
		Success:        result.Success,
		HTTPStatus:     result.HTTPStatus,
		ContentSize:    int64(contentSize),
		ContentHash:    result.ContentHash,
		ContentChanged: result.ContentChanged,
		JobTriggered:   result.JobTriggered,
		JobID:          result.JobID,
		ErrorMessage:   errorMessage,
	}
	if err := p.logRepo.Create(ctx, entry); err != nil {
		p.logger.Error("チェックログの書き込みに失敗しました",
			slog.String("feed_source_id", source.ID),
			slog.String("error", err.Error()),
		)
	}
}

// ssrfGuard はdetectorが保持するSSRF検証器を返す。
func (p *Poller) ssrfGuard() SSRFValidator {
	return p.detector.ssrfGuard
}
