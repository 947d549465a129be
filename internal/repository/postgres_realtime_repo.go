package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/transitman/internal/model"
)

// PostgresRealtimeRepo はPostgreSQLを使用したリアルタイムエンティティ
// リポジトリ。車両位置・運行予測・トリップ変更は (feed_source_id, entity_id)
// のUNIQUE制約に対するON CONFLICT DO UPDATEで冪等にUPSERTされ、
// アラートはトランザクション内の全件入れ替えで保存される。
type PostgresRealtimeRepo struct {
	db *sql.DB
}

// NewPostgresRealtimeRepo はPostgresRealtimeRepoを生成する。
func NewPostgresRealtimeRepo(db *sql.DB) *PostgresRealtimeRepo {
	return &PostgresRealtimeRepo{db: db}
}

// UpsertVehiclePositions は車両位置を冪等にUPSERTする。
// 同一キーの再観測では全スカラーフィールドを上書きする（last-write-wins）。
func (r *PostgresRealtimeRepo) UpsertVehiclePositions(ctx context.Context, feedSourceID string, positions []model.VehiclePosition) (int, error) {
	written := 0
	for _, vp := range positions {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO vehicle_positions (feed_source_id, entity_id, trip_id, route_id,
			    vehicle_id, vehicle_label, latitude, longitude, bearing, speed,
			    stop_id, observed_at, raw_payload, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
			 ON CONFLICT (feed_source_id, entity_id) DO UPDATE SET
			    trip_id = EXCLUDED.trip_id,
			    route_id = EXCLUDED.route_id,
			    vehicle_id = EXCLUDED.vehicle_id,
			    vehicle_label = EXCLUDED.vehicle_label,
			    latitude = EXCLUDED.latitude,
			    longitude = EXCLUDED.longitude,
			    bearing = EXCLUDED.bearing,
			    speed = EXCLUDED.speed,
			    stop_id = EXCLUDED.stop_id,
			    observed_at = EXCLUDED.observed_at,
			    raw_payload = EXCLUDED.raw_payload,
			    updated_at = now()`,
			feedSourceID, vp.EntityID, nullString(vp.TripID), nullString(vp.RouteID),
			nullString(vp.VehicleID), nullString(vp.VehicleLabel),
			vp.Latitude, vp.Longitude, vp.Bearing, vp.Speed,
			nullString(vp.StopID), nullTime(vp.Timestamp), vp.RawPayload,
		)
		if err != nil {
			return written, fmt.Errorf("車両位置のUPSERTに失敗しました: %w", err)
		}
		written++
	}
	return written, nil
}

// UpsertTripUpdates は運行予測を冪等にUPSERTする。
func (r *PostgresRealtimeRepo) UpsertTripUpdates(ctx context.Context, feedSourceID string, updates []model.TripUpdate) (int, error) {
	written := 0
	for _, tu := range updates {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO trip_updates (feed_source_id, entity_id, trip_id, route_id,
			    start_date, schedule_relationship, delay_seconds,
			    stop_time_update_count, feed_timestamp, raw_payload, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
			 ON CONFLICT (feed_source_id, entity_id) DO UPDATE SET
			    trip_id = EXCLUDED.trip_id,
			    route_id = EXCLUDED.route_id,
			    start_date = EXCLUDED.start_date,
			    schedule_relationship = EXCLUDED.schedule_relationship,
			    delay_seconds = EXCLUDED.delay_seconds,
			    stop_time_update_count = EXCLUDED.stop_time_update_count,
			    feed_timestamp = EXCLUDED.feed_timestamp,
			    raw_payload = EXCLUDED.raw_payload,
			    updated_at = now()`,
			feedSourceID, tu.EntityID, nullString(tu.TripID), nullString(tu.RouteID),
			nullString(tu.StartDate), tu.ScheduleRelationship, tu.DelaySeconds,
			tu.StopTimeUpdateCount, nullTime(tu.Timestamp), tu.RawPayload,
		)
		if err != nil {
			return written, fmt.Errorf("運行予測のUPSERTに失敗しました: %w", err)
		}
		written++
	}
	return written, nil
}

// UpsertTripModifications はトリップ変更を冪等にUPSERTする。
// 入れ子構造（選択トリップ・変更区間）はJSONとして保存する。
func (r *PostgresRealtimeRepo) UpsertTripModifications(ctx context.Context, feedSourceID string, mods []model.TripModification) (int, error) {
	written := 0
	for _, tm := range mods {
		selectedTrips, err := json.Marshal(tm.SelectedTrips)
		if err != nil {
			return written, fmt.Errorf("選択トリップのエンコードに失敗しました: %w", err)
		}
		modifications, err := json.Marshal(tm.Modifications)
		if err != nil {
			return written, fmt.Errorf("変更区間のエンコードに失敗しました: %w", err)
		}

		_, err = r.db.ExecContext(ctx,
			`INSERT INTO trip_modifications (feed_source_id, entity_id,
			    selected_trips, start_times, service_dates, modifications,
			    raw_payload, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			 ON CONFLICT (feed_source_id, entity_id) DO UPDATE SET
			    selected_trips = EXCLUDED.selected_trips,
			    start_times = EXCLUDED.start_times,
			    service_dates = EXCLUDED.service_dates,
			    modifications = EXCLUDED.modifications,
			    raw_payload = EXCLUDED.raw_payload,
			    updated_at = now()`,
			feedSourceID, tm.EntityID,
			selectedTrips, pq.Array(tm.StartTimes), pq.Array(tm.ServiceDates), modifications,
			tm.RawPayload,
		)
		if err != nil {
			return written, fmt.Errorf("トリップ変更のUPSERTに失敗しました: %w", err)
		}
		written++
	}
	return written, nil
}

// ReplaceAlerts は指定フィードソースのアラート集合を全件入れ替える。
// アラートはプロトコル上の失効通知を持たないため、マージではなく
// DELETE + INSERTを単一トランザクションで実行する。
func (r *PostgresRealtimeRepo) ReplaceAlerts(ctx context.Context, feedSourceID string, alerts []model.ServiceAlert) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("アラート入れ替えトランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM service_alerts WHERE feed_source_id = $1`, feedSourceID,
	); err != nil {
		return 0, fmt.Errorf("既存アラートの削除に失敗しました: %w", err)
	}

	written := 0
	for _, a := range alerts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO service_alerts (feed_source_id, entity_id, cause, effect,
			    header_text, description, url, active_from, active_until,
			    route_ids, stop_ids, trip_ids, raw_payload, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())`,
			feedSourceID, a.EntityID, nullString(a.Cause), nullString(a.Effect),
			nullString(a.HeaderText), nullString(a.Description), nullString(a.URL),
			nullTime(a.ActiveFrom), nullTime(a.ActiveUntil),
			pq.Array(a.RouteIDs), pq.Array(a.StopIDs), pq.Array(a.TripIDs),
			a.RawPayload,
		)
		if err != nil {
			return 0, fmt.Errorf("アラートの挿入に失敗しました: %w", err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("アラート入れ替えのコミットに失敗しました: %w", err)
	}
	return written, nil
}

// compile-time interface check
var _ RealtimeRepository = (*PostgresRealtimeRepo)(nil)
