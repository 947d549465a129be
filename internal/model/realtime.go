package model

import "time"

// VehiclePosition は1台の車両の最新位置スナップショットを表す。
// (FeedSourceID, EntityID) ごとに最大1行で、再観測のたびに上書きされる。
type VehiclePosition struct {
	FeedSourceID string
	EntityID     string
	TripID       string
	RouteID      string
	VehicleID    string
	VehicleLabel string
	Latitude     float64
	Longitude    float64
	Bearing      float64
	Speed        float64
	StopID       string
	Timestamp    *time.Time
	// RawPayload は診断用に保持する元のエンティティフラグメント。
	RawPayload []byte
	UpdatedAt  time.Time
}

// TripUpdate は1トリップの最新運行予測スナップショットを表す。
type TripUpdate struct {
	FeedSourceID string
	EntityID     string
	TripID       string
	RouteID      string
	StartDate    string // YYYYMMDD
	// ScheduleRelationship はGTFS-RTのTripDescriptor.ScheduleRelationship値。
	ScheduleRelationship int32
	DelaySeconds         int32
	StopTimeUpdateCount  int
	Timestamp            *time.Time
	RawPayload           []byte
	UpdatedAt            time.Time
}

// ServiceAlert は運行情報アラートの最新スナップショットを表す。
// アラートには失効の明示的な通知がないため、フィードソース単位で
// フェッチサイクルごとに全件入れ替えで保存される。
type ServiceAlert struct {
	FeedSourceID string
	EntityID     string
	Cause        string
	Effect       string
	HeaderText   string
	Description  string
	URL          string
	ActiveFrom   *time.Time
	ActiveUntil  *time.Time
	RouteIDs     []string
	StopIDs      []string
	TripIDs      []string
	RawPayload   []byte
	UpdatedAt    time.Time
}

// StopSelector はトリップ変更の対象停留所を停留所順序またはIDで指定する。
// どちらか一方のみが設定される場合がある。
type StopSelector struct {
	StopSequence *uint32
	StopID       string
}

// ReplacementStop は迂回運行時の代替停留所と所要時間を表す。
type ReplacementStop struct {
	TravelTimeSeconds *int32
	StopID            string
}

// Modification は1区間のトリップ変更（迂回）を表す。
type Modification struct {
	StartStopSelector       *StopSelector
	EndStopSelector         *StopSelector
	PropagatedDelaySeconds  int32
	ReplacementStops        []ReplacementStop
	ServiceAlertID          string
	LastModifiedTime        *time.Time
}

// SelectedTrips は変更対象のトリップ集合と代替経路形状を表す。
type SelectedTrips struct {
	TripIDs []string
	ShapeID string
}

// TripModification は実験的なトリップ変更拡張の最新スナップショットを表す。
type TripModification struct {
	FeedSourceID  string
	EntityID      string
	SelectedTrips []SelectedTrips
	StartTimes    []string
	ServiceDates  []string // YYYYMMDD
	Modifications []Modification
	RawPayload    []byte
	UpdatedAt     time.Time
}

// DecodedFeed はフィードペイロードのデコード結果をエンティティ種別ごとにまとめたもの。
// フィードソースの種類により一部のスライスのみが埋まる。
type DecodedFeed struct {
	VehiclePositions  []VehiclePosition
	TripUpdates       []TripUpdate
	Alerts            []ServiceAlert
	TripModifications []TripModification
}

// EntityCount はデコードされたエンティティの総数を返す。
func (d *DecodedFeed) EntityCount() int {
	return len(d.VehiclePositions) + len(d.TripUpdates) + len(d.Alerts) + len(d.TripModifications)
}
