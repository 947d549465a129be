package model

import "time"

// FeedCheckLog は1回のチェック試行の追記専用レコードを表す。
// チェックごとに1件作成され、以後変更されない。
type FeedCheckLog struct {
	ID           string
	FeedSourceID string
	CheckedAt    time.Time
	Success      bool
	HTTPStatus   int
	ContentSize  int64
	ContentHash  string
	// ContentChanged はボディハッシュが前回と異なったかを示す。
	ContentChanged bool
	// JobTriggered は後続インポートジョブを投入したかを示す。
	JobTriggered bool
	JobID        string
	ErrorMessage string
}
