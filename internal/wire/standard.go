package wire

import (
	"fmt"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/hitoshi/transitman/internal/model"
)

// Decode はフィードソースの種類に応じてペイロードをデコードする。
// 標準エンティティは公開されているGTFS-RTスキーマのバインディングで、
// トリップ変更拡張は手書きデコーダーでデコードする。
// 不正なペイロードはエラーとなり、部分的にデコードされた結果は返さない。
func Decode(kind model.SourceKind, payload []byte) (*model.DecodedFeed, error) {
	if kind == model.SourceKindTripModifications {
		mods, err := DecodeTripModificationsFeed(payload)
		if err != nil {
			return nil, err
		}
		return &model.DecodedFeed{TripModifications: mods}, nil
	}
	return decodeStandardFeed(payload)
}

// decodeStandardFeed は標準GTFS-RTのFeedMessageをデコードし、
// 各エンティティをモデルレコードに変換する。
func decodeStandardFeed(payload []byte) (*model.DecodedFeed, error) {
	var fm gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(payload, &fm); err != nil {
		return nil, fmt.Errorf("feed_messageのデコードに失敗: %w", err)
	}

	decoded := &model.DecodedFeed{}
	for _, e := range fm.Entity {
		if e == nil || e.Id == nil {
			continue
		}
		// 診断用にエンティティフラグメントを再エンコードして保持する
		raw, err := proto.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("エンティティフラグメントの保存に失敗: %w", err)
		}

		switch {
		case e.Vehicle != nil:
			decoded.VehiclePositions = append(decoded.VehiclePositions, convertVehicle(*e.Id, e.Vehicle, raw))
		case e.TripUpdate != nil:
			decoded.TripUpdates = append(decoded.TripUpdates, convertTripUpdate(*e.Id, e.TripUpdate, raw))
		case e.Alert != nil:
			decoded.Alerts = append(decoded.Alerts, convertAlert(*e.Id, e.Alert, raw))
		}
	}

	return decoded, nil
}

// convertVehicle は車両位置エンティティをモデルに変換する。
func convertVehicle(entityID string, v *gtfsrtpb.VehiclePosition, raw []byte) model.VehiclePosition {
	vp := model.VehiclePosition{
		EntityID:   entityID,
		RawPayload: raw,
	}
	if v.Trip != nil {
		if v.Trip.TripId != nil {
			vp.TripID = *v.Trip.TripId
		}
		if v.Trip.RouteId != nil {
			vp.RouteID = *v.Trip.RouteId
		}
	}
	if v.Vehicle != nil {
		if v.Vehicle.Id != nil {
			vp.VehicleID = *v.Vehicle.Id
		}
		if v.Vehicle.Label != nil {
			vp.VehicleLabel = *v.Vehicle.Label
		}
	}
	if v.Position != nil {
		if v.Position.Latitude != nil {
			vp.Latitude = float64(*v.Position.Latitude)
		}
		if v.Position.Longitude != nil {
			vp.Longitude = float64(*v.Position.Longitude)
		}
		if v.Position.Bearing != nil {
			vp.Bearing = float64(*v.Position.Bearing)
		}
		if v.Position.Speed != nil {
			vp.Speed = float64(*v.Position.Speed)
		}
	}
	if v.StopId != nil {
		vp.StopID = *v.StopId
	}
	if v.Timestamp != nil {
		t := time.Unix(int64(*v.Timestamp), 0).UTC()
		vp.Timestamp = &t
	}
	return vp
}

// convertTripUpdate は運行予測エンティティをモデルに変換する。
func convertTripUpdate(entityID string, tu *gtfsrtpb.TripUpdate, raw []byte) model.TripUpdate {
	rec := model.TripUpdate{
		EntityID:            entityID,
		StopTimeUpdateCount: len(tu.StopTimeUpdate),
		RawPayload:          raw,
	}
	if tu.Trip != nil {
		if tu.Trip.TripId != nil {
			rec.TripID = *tu.Trip.TripId
		}
		if tu.Trip.RouteId != nil {
			rec.RouteID = *tu.Trip.RouteId
		}
		if tu.Trip.StartDate != nil {
			rec.StartDate = *tu.Trip.StartDate
		}
		if tu.Trip.ScheduleRelationship != nil {
			rec.ScheduleRelationship = int32(*tu.Trip.ScheduleRelationship)
		}
	}
	if tu.Delay != nil {
		rec.DelaySeconds = *tu.Delay
	}
	if tu.Timestamp != nil {
		t := time.Unix(int64(*tu.Timestamp), 0).UTC()
		rec.Timestamp = &t
	}
	return rec
}

// convertAlert はアラートエンティティをモデルに変換する。
// ActivePeriodが複数ある場合は最初のウィンドウを採用する。
func convertAlert(entityID string, a *gtfsrtpb.Alert, raw []byte) model.ServiceAlert {
	alert := model.ServiceAlert{
		EntityID:    entityID,
		HeaderText:  translatedText(a.HeaderText),
		Description: translatedText(a.DescriptionText),
		URL:         translatedText(a.Url),
		RawPayload:  raw,
	}
	if a.Cause != nil {
		alert.Cause = a.Cause.String()
	}
	if a.Effect != nil {
		alert.Effect = a.Effect.String()
	}
	if len(a.ActivePeriod) > 0 && a.ActivePeriod[0] != nil {
		ap := a.ActivePeriod[0]
		if ap.Start != nil {
			t := time.Unix(int64(*ap.Start), 0).UTC()
			alert.ActiveFrom = &t
		}
		if ap.End != nil {
			t := time.Unix(int64(*ap.End), 0).UTC()
			alert.ActiveUntil = &t
		}
	}
	for _, ie := range a.InformedEntity {
		if ie == nil {
			continue
		}
		if ie.RouteId != nil {
			alert.RouteIDs = append(alert.RouteIDs, *ie.RouteId)
		}
		if ie.StopId != nil {
			alert.StopIDs = append(alert.StopIDs, *ie.StopId)
		}
		if ie.Trip != nil && ie.Trip.TripId != nil {
			alert.TripIDs = append(alert.TripIDs, *ie.Trip.TripId)
		}
	}
	return alert
}

// translatedText はTranslatedStringから最初の翻訳テキストを取り出す。
func translatedText(ts *gtfsrtpb.TranslatedString) string {
	if ts == nil {
		return ""
	}
	for _, tr := range ts.Translation {
		if tr != nil && tr.Text != nil {
			return *tr.Text
		}
	}
	return ""
}
