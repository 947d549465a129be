package wire

import (
	"fmt"
	"time"

	"github.com/hitoshi/transitman/internal/model"
)

// トリップ変更拡張のフィールド番号。
// FeedMessage/FeedEntityは標準GTFS-RTのレイアウトに従い、
// TripModifications以下は実験的拡張のレイアウトに従う。
const (
	fieldFeedEntity = 2 // FeedMessage.entity

	fieldEntityID          = 1  // FeedEntity.id
	fieldEntityTripMods    = 8  // FeedEntity.trip_modifications（提案版）
	fieldEntityTripModsAlt = 12 // FeedEntity.trip_modifications（旧ドラフト配置）

	fieldTripModsSelectedTrips = 1 // TripModifications.selected_trips
	fieldTripModsStartTimes    = 2 // TripModifications.start_times
	fieldTripModsServiceDates  = 3 // TripModifications.service_dates
	fieldTripModsModifications = 4 // TripModifications.modifications

	fieldSelectedTripIDs = 1 // SelectedTrips.trips
	fieldSelectedShapeID = 2 // SelectedTrips.shape_id

	fieldModStartSelector   = 1 // Modification.start_stop_selector
	fieldModEndSelector     = 2 // Modification.end_stop_selector
	fieldModPropagatedDelay = 3 // Modification.propagated_modification_delay
	fieldModReplacementStop = 4 // Modification.replacement_stops
	fieldModServiceAlertID  = 5 // Modification.service_alert_id
	fieldModLastModified    = 6 // Modification.last_modified_time

	fieldSelectorStopSequence = 1 // StopSelector.stop_sequence
	fieldSelectorStopID       = 2 // StopSelector.stop_id

	fieldReplacementTravelTime = 1 // ReplacementStop.travel_time_to_stop
	fieldReplacementStopID     = 2 // ReplacementStop.stop_id
)

// decodeStopSelector はStopSelectorサブメッセージをデコードする。
// stop_sequenceとstop_idはどちらもオプショナル。
func decodeStopSelector(buf []byte) (*model.StopSelector, error) {
	msg, err := ParseMessage(buf)
	if err != nil {
		return nil, fmt.Errorf("stop_selector: %w", err)
	}
	sel := &model.StopSelector{
		StopID: msg.String(fieldSelectorStopID),
	}
	if seq, ok := msg.Uint(fieldSelectorStopSequence); ok {
		v := uint32(seq)
		sel.StopSequence = &v
	}
	return sel, nil
}

// decodeReplacementStop はReplacementStopサブメッセージをデコードする。
func decodeReplacementStop(buf []byte) (model.ReplacementStop, error) {
	msg, err := ParseMessage(buf)
	if err != nil {
		return model.ReplacementStop{}, fmt.Errorf("replacement_stop: %w", err)
	}
	rs := model.ReplacementStop{
		StopID: msg.String(fieldReplacementStopID),
	}
	if tt, ok := msg.Uint(fieldReplacementTravelTime); ok {
		v := int32(int64(tt))
		rs.TravelTimeSeconds = &v
	}
	return rs, nil
}

// decodeModification はModificationサブメッセージをデコードする。
func decodeModification(buf []byte) (model.Modification, error) {
	msg, err := ParseMessage(buf)
	if err != nil {
		return model.Modification{}, fmt.Errorf("modification: %w", err)
	}

	mod := model.Modification{
		ServiceAlertID: msg.String(fieldModServiceAlertID),
	}

	if raw := msg.ByteFields(fieldModStartSelector); len(raw) > 0 {
		sel, err := decodeStopSelector(raw[0])
		if err != nil {
			return model.Modification{}, err
		}
		mod.StartStopSelector = sel
	}
	if raw := msg.ByteFields(fieldModEndSelector); len(raw) > 0 {
		sel, err := decodeStopSelector(raw[0])
		if err != nil {
			return model.Modification{}, err
		}
		mod.EndStopSelector = sel
	}
	if delay, ok := msg.Uint(fieldModPropagatedDelay); ok {
		mod.PropagatedDelaySeconds = int32(int64(delay))
	}
	for _, raw := range msg.ByteFields(fieldModReplacementStop) {
		rs, err := decodeReplacementStop(raw)
		if err != nil {
			return model.Modification{}, err
		}
		mod.ReplacementStops = append(mod.ReplacementStops, rs)
	}
	if ts, ok := msg.Uint(fieldModLastModified); ok {
		t := time.Unix(int64(ts), 0).UTC()
		mod.LastModifiedTime = &t
	}

	return mod, nil
}

// decodeSelectedTrips はSelectedTripsサブメッセージをデコードする。
func decodeSelectedTrips(buf []byte) (model.SelectedTrips, error) {
	msg, err := ParseMessage(buf)
	if err != nil {
		return model.SelectedTrips{}, fmt.Errorf("selected_trips: %w", err)
	}
	return model.SelectedTrips{
		TripIDs: msg.Strings(fieldSelectedTripIDs),
		ShapeID: msg.String(fieldSelectedShapeID),
	}, nil
}

// decodeTripModifications はTripModificationsメッセージをデコードする。
func decodeTripModifications(buf []byte) (model.TripModification, error) {
	msg, err := ParseMessage(buf)
	if err != nil {
		return model.TripModification{}, fmt.Errorf("trip_modifications: %w", err)
	}

	tm := model.TripModification{
		StartTimes:   msg.Strings(fieldTripModsStartTimes),
		ServiceDates: msg.Strings(fieldTripModsServiceDates),
	}
	for _, raw := range msg.ByteFields(fieldTripModsSelectedTrips) {
		st, err := decodeSelectedTrips(raw)
		if err != nil {
			return model.TripModification{}, err
		}
		tm.SelectedTrips = append(tm.SelectedTrips, st)
	}
	for _, raw := range msg.ByteFields(fieldTripModsModifications) {
		mod, err := decodeModification(raw)
		if err != nil {
			return model.TripModification{}, err
		}
		tm.Modifications = append(tm.Modifications, mod)
	}

	return tm, nil
}

// decodeTripModEntity はFeedEntityからトリップ変更をデコードする。
// TripModificationsはフィールド8（提案版）または12（旧ドラフト）に現れる。
// どちらにも存在しないエンティティ（他種別のエンティティ）はnilを返す。
func decodeTripModEntity(buf []byte) (*model.TripModification, error) {
	msg, err := ParseMessage(buf)
	if err != nil {
		return nil, fmt.Errorf("feed_entity: %w", err)
	}

	raw := msg.ByteFields(fieldEntityTripMods)
	if len(raw) == 0 {
		raw = msg.ByteFields(fieldEntityTripModsAlt)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	tm, err := decodeTripModifications(raw[0])
	if err != nil {
		return nil, err
	}
	tm.EntityID = msg.String(fieldEntityID)
	// 診断用にエンティティフラグメント全体を保持する
	tm.RawPayload = append([]byte(nil), buf...)
	return &tm, nil
}

// DecodeTripModificationsFeed はフィードペイロード全体からトリップ変更
// エンティティを抽出する。不正なバッファはエラーとなり、部分的な結果は
// 返さない。
func DecodeTripModificationsFeed(buf []byte) ([]model.TripModification, error) {
	msg, err := ParseMessage(buf)
	if err != nil {
		return nil, fmt.Errorf("feed_message: %w", err)
	}

	var mods []model.TripModification
	for _, raw := range msg.ByteFields(fieldFeedEntity) {
		tm, err := decodeTripModEntity(raw)
		if err != nil {
			return nil, err
		}
		if tm != nil {
			mods = append(mods, *tm)
		}
	}
	return mods, nil
}
