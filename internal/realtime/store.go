// Package realtime はデコード済みリアルタイムエンティティの保存機能を提供する。
package realtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/transitman/internal/model"
	"github.com/hitoshi/transitman/internal/repository"
	"github.com/hitoshi/transitman/internal/security"
)

// StoreService はデコード済みフィードをエンティティ種別ごとの保存戦略で
// 永続化する。車両位置・運行予測・トリップ変更はUPSERT、アラートは
// フィードソース単位の全件入れ替え。同一フィードの再取り込みは冪等で、
// 重複行を生まない。
type StoreService struct {
	realtimeRepo repository.RealtimeRepository
	sanitizer    security.ContentSanitizerService
}

// NewStoreService はStoreServiceの新しいインスタンスを生成する。
func NewStoreService(
	realtimeRepo repository.RealtimeRepository,
	sanitizer security.ContentSanitizerService,
) *StoreService {
	return &StoreService{
		realtimeRepo: realtimeRepo,
		sanitizer:    sanitizer,
	}
}

// StoreResult は1回の保存処理の結果を表す。
type StoreResult struct {
	VehiclePositions  int `json:"vehicle_positions"`
	TripUpdates       int `json:"trip_updates"`
	ServiceAlerts     int `json:"service_alerts"`
	TripModifications int `json:"trip_modifications"`
}

// Total は保存されたエンティティの総数を返す。
func (r StoreResult) Total() int {
	return r.VehiclePositions + r.TripUpdates + r.ServiceAlerts + r.TripModifications
}

// Store はデコード済みフィードを保存する。
// フィードに複数種別のエンティティが混在する場合（kind=realtimeの
// 統合フィード）はそれぞれの戦略で保存する。
func (s *StoreService) Store(ctx context.Context, source *model.FeedSource, decoded *model.DecodedFeed) (StoreResult, error) {
	var result StoreResult

	if len(decoded.VehiclePositions) > 0 {
		n, err := s.realtimeRepo.UpsertVehiclePositions(ctx, source.ID, decoded.VehiclePositions)
		result.VehiclePositions = n
		if err != nil {
			return result, fmt.Errorf("車両位置の保存に失敗: %w", err)
		}
	}

	if len(decoded.TripUpdates) > 0 {
		n, err := s.realtimeRepo.UpsertTripUpdates(ctx, source.ID, decoded.TripUpdates)
		result.TripUpdates = n
		if err != nil {
			return result, fmt.Errorf("運行予測の保存に失敗: %w", err)
		}
	}

	// アラートは種別がアラート系のフィードに限り全件入れ替える。
	// 統合フィードでアラートが0件の場合も既存アラートをすべて失効させる
	// ため、ReplaceAlertsは空スライスでも実行する。
	if s.shouldReplaceAlerts(source.Kind, decoded) {
		alerts := s.sanitizeAlerts(decoded.Alerts)
		n, err := s.realtimeRepo.ReplaceAlerts(ctx, source.ID, alerts)
		result.ServiceAlerts = n
		if err != nil {
			return result, fmt.Errorf("アラートの保存に失敗: %w", err)
		}
	}

	if len(decoded.TripModifications) > 0 {
		n, err := s.realtimeRepo.UpsertTripModifications(ctx, source.ID, decoded.TripModifications)
		result.TripModifications = n
		if err != nil {
			return result, fmt.Errorf("トリップ変更の保存に失敗: %w", err)
		}
	}

	slog.Info("リアルタイムエンティティ保存完了",
		"feed_source_id", source.ID,
		"vehicle_positions", result.VehiclePositions,
		"trip_updates", result.TripUpdates,
		"service_alerts", result.ServiceAlerts,
		"trip_modifications", result.TripModifications,
	)

	return result, nil
}

// shouldReplaceAlerts はアラートの全件入れ替えを行うべきか判定する。
// アラート専用フィードと統合フィードは常に入れ替え対象。
// 他種別のフィードはアラートを運ばないため対象外。
func (s *StoreService) shouldReplaceAlerts(kind model.SourceKind, decoded *model.DecodedFeed) bool {
	switch kind {
	case model.SourceKindAlerts, model.SourceKindRealtime:
		return true
	default:
		return len(decoded.Alerts) > 0
	}
}

// sanitizeAlerts はアラートの人間可読テキストをサニタイズする。
// 外部オペレーターのフィード本文をそのままUIへ流さないための防壁。
func (s *StoreService) sanitizeAlerts(alerts []model.ServiceAlert) []model.ServiceAlert {
	out := make([]model.ServiceAlert, len(alerts))
	for i, a := range alerts {
		a.HeaderText = s.sanitizer.Sanitize(a.HeaderText)
		a.Description = s.sanitizer.Sanitize(a.Description)
		out[i] = a
	}
	return out
}
