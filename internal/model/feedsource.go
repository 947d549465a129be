// Package model はドメインモデルを定義する。
package model

import "time"

// SourceKind はフィードソースが配信するデータの種類を表す。
type SourceKind string

const (
	// SourceKindStatic は静的スケジュール（GTFS static）フィード。
	SourceKindStatic SourceKind = "static"
	// SourceKindRealtime は全エンティティ混在のGTFS-RTフィード。
	SourceKindRealtime SourceKind = "realtime"
	// SourceKindVehiclePositions は車両位置フィード。
	SourceKindVehiclePositions SourceKind = "vehicle_positions"
	// SourceKindTripUpdates は運行予測（遅延）フィード。
	SourceKindTripUpdates SourceKind = "trip_updates"
	// SourceKindAlerts は運行情報アラートフィード。
	SourceKindAlerts SourceKind = "alerts"
	// SourceKindTripModifications は実験的なトリップ変更拡張フィード。
	SourceKindTripModifications SourceKind = "trip_modifications"
	// SourceKindReplacementShapes は代替経路形状フィード。
	SourceKindReplacementShapes SourceKind = "replacement_shapes"
	// SourceKindReplacementStops は代替停留所フィード。
	SourceKindReplacementStops SourceKind = "replacement_stops"
)

// SourceStatus はフィードソースの健全性状態を表す。
// 直近のチェック結果のみから導出され、履歴は consecutive_errors 以外に持たない。
type SourceStatus string

const (
	// SourceStatusPending は一度もチェックされていない状態。
	SourceStatusPending SourceStatus = "pending"
	// SourceStatusActive は直近のチェックが成功した状態。
	SourceStatusActive SourceStatus = "active"
	// SourceStatusError は直近のチェックが失敗した状態。
	SourceStatusError SourceStatus = "error"
	// SourceStatusPaused はオペレーターにより停止された状態。
	SourceStatusPaused SourceStatus = "paused"
)

// AuthType はフィードソースへの認証方式を表す。
type AuthType string

const (
	// AuthTypeNone は認証なし。
	AuthTypeNone AuthType = "none"
	// AuthTypeAPIKey はカスタムヘッダーによるAPIキー認証。
	AuthTypeAPIKey AuthType = "api_key"
	// AuthTypeBearer はAuthorization: Bearerトークン認証。
	AuthTypeBearer AuthType = "bearer"
	// AuthTypeBasic はBASIC認証。
	AuthTypeBasic AuthType = "basic"
)

// CheckCadence はフィードソースの定期チェック頻度を表す。
type CheckCadence string

const (
	// CadenceHourly は毎時チェック。
	CadenceHourly CheckCadence = "hourly"
	// CadenceDaily は日次チェック。
	CadenceDaily CheckCadence = "daily"
	// CadenceWeekly は週次チェック。
	CadenceWeekly CheckCadence = "weekly"
	// CadenceManual は手動トリガーのみ（スケジューラ対象外）。
	CadenceManual CheckCadence = "manual"
)

// Interval はケイデンスに対応するチェック間隔を返す。
// CadenceManualは自動チェックされないため0を返す。
func (c CheckCadence) Interval() time.Duration {
	switch c {
	case CadenceHourly:
		return time.Hour
	case CadenceDaily:
		return 24 * time.Hour
	case CadenceWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// FeedSource は外部オペレーターが公開する1つのフィードの設定とポーリング状態を表す。
// 健全性状態（Status以下のミュータブルなフィールド）は成功・失敗を問わず
// チェック試行のたびに更新される。
type FeedSource struct {
	ID   string
	Name string
	URL  string
	Kind SourceKind

	// 認証記述子。AuthType以外のフィールドは方式に応じて使用される。
	AuthType      AuthType
	AuthHeaderKey string // api_key方式のヘッダー名（例: "X-Api-Key"）
	AuthSecret    string // APIキー / Bearerトークン / BASICパスワード
	AuthUser      string // BASIC認証のユーザー名

	Cadence    CheckCadence
	Enabled    bool
	AutoImport bool // 内容変化時に後続インポートジョブを自動投入するか

	// 健全性状態
	Status            SourceStatus
	LastCheckedAt     *time.Time
	LastSuccessAt     *time.Time
	LastImportAt      *time.Time
	ETag              string
	LastModified      string
	LastContentHash   string
	ConsecutiveErrors int
	LastError         string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DueForCheck は指定時刻においてこのソースが定期チェックの対象かを返す。
// 無効化・停止中・手動ケイデンスのソースは対象外。
func (f *FeedSource) DueForCheck(now time.Time) bool {
	if !f.Enabled || f.Status == SourceStatusPaused {
		return false
	}
	interval := f.Cadence.Interval()
	if interval == 0 {
		return false
	}
	if f.LastCheckedAt == nil {
		return true
	}
	return !f.LastCheckedAt.Add(interval).After(now)
}
