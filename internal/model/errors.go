package model

import "fmt"

// CheckError は統一エラーフォーマットを表す。
// オペレーターに表示する原因カテゴリと対処方法を含む。
type CheckError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: fetch, decode, store, job, validation, system
	Action   string // オペレーター向け対処方法
	// retryable は同一入力での再実行が意味を持つかを示す。
	retryable bool
}

// Error はerrorインターフェースを実装する。
func (e *CheckError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Retryable は再投入可能なエラーかを返す。
// ネットワーク・ストア起因の失敗はretryable、不正ペイロードはオペレーター
// 介入なしには再実行しても結果が変わらないため非retryable。
func (e *CheckError) Retryable() bool {
	return e.retryable
}

// 定義済みエラーコード
const (
	ErrCodeFetchFailed        = "FETCH_FAILED"
	ErrCodeDecodeFailed       = "DECODE_FAILED"
	ErrCodeStoreFailed        = "STORE_FAILED"
	ErrCodeCheckInProgress    = "CHECK_IN_PROGRESS"
	ErrCodeFeedSourceNotFound = "FEED_SOURCE_NOT_FOUND"
	ErrCodeFeedSourceDisabled = "FEED_SOURCE_DISABLED"
	ErrCodeJobNotFound        = "JOB_NOT_FOUND"
	ErrCodeJobNotCancellable  = "JOB_NOT_CANCELLABLE"
	ErrCodeSSRFBlocked        = "SSRF_BLOCKED"
)

// NewFetchFailedError はフェッチ失敗エラーを生成する。
// ネットワーク障害・タイムアウト・200/304以外のHTTPステータスが該当する。
func NewFetchFailedError(reason string) *CheckError {
	return &CheckError{
		Code:      ErrCodeFetchFailed,
		Message:   fmt.Sprintf("フィードの取得に失敗しました: %s", reason),
		Category:  "fetch",
		Action:    "フィードURLと認証設定を確認し、次回の定期チェックを待つか手動で再チェックしてください。",
		retryable: true,
	}
}

// NewDecodeFailedError はデコード失敗エラーを生成する。
// フェッチ失敗と区別して記録し、「フィード到達不能」と「フィードが不正データを
// 配信している」をオペレーターが見分けられるようにする。
func NewDecodeFailedError(reason string) *CheckError {
	return &CheckError{
		Code:     ErrCodeDecodeFailed,
		Message:  fmt.Sprintf("フィードペイロードのデコードに失敗しました: %s", reason),
		Category: "decode",
		Action:   "フィードが正しいGTFS-RTバイナリを配信しているか確認してください。",
	}
}

// NewStoreFailedError は永続化失敗エラーを生成する。
func NewStoreFailedError(reason string) *CheckError {
	return &CheckError{
		Code:      ErrCodeStoreFailed,
		Message:   fmt.Sprintf("デコード結果の保存に失敗しました: %s", reason),
		Category:  "store",
		Action:    "データベースの状態を確認してください。再実行可能です。",
		retryable: true,
	}
}

// NewCheckInProgressError は同一フィードソースのチェックが既に実行中の場合の
// エラーを生成する。競合するチェックは実行されず、このエラーが返る。
func NewCheckInProgressError(feedSourceID string) *CheckError {
	return &CheckError{
		Code:     ErrCodeCheckInProgress,
		Message:  fmt.Sprintf("フィードソースのチェックが既に実行中です: %s", feedSourceID),
		Category: "job",
		Action:   "実行中のチェックの完了を待ってから再実行してください。",
	}
}

// NewFeedSourceNotFoundError はフィードソース未検出エラーを生成する。
func NewFeedSourceNotFoundError(feedSourceID string) *CheckError {
	return &CheckError{
		Code:     ErrCodeFeedSourceNotFound,
		Message:  fmt.Sprintf("指定されたフィードソースが見つかりません: %s", feedSourceID),
		Category: "validation",
		Action:   "フィードソースIDを確認してください。",
	}
}

// NewFeedSourceDisabledError は無効化されたフィードソースへのチェック要求の
// エラーを生成する。
func NewFeedSourceDisabledError(feedSourceID string) *CheckError {
	return &CheckError{
		Code:     ErrCodeFeedSourceDisabled,
		Message:  fmt.Sprintf("フィードソースは無効化されています: %s", feedSourceID),
		Category: "validation",
		Action:   "フィードソースを有効化してから再実行してください。",
	}
}

// NewJobNotFoundError はジョブ未検出エラーを生成する。
func NewJobNotFoundError(jobID string) *CheckError {
	return &CheckError{
		Code:     ErrCodeJobNotFound,
		Message:  fmt.Sprintf("指定されたジョブが見つかりません: %s", jobID),
		Category: "job",
		Action:   "ジョブIDを確認してください。",
	}
}

// NewJobNotCancellableError は終端状態のジョブへの中止要求のエラーを生成する。
func NewJobNotCancellableError(jobID string) *CheckError {
	return &CheckError{
		Code:     ErrCodeJobNotCancellable,
		Message:  fmt.Sprintf("ジョブは既に終了しているため中止できません: %s", jobID),
		Category: "job",
		Action:   "実行中または実行待ちのジョブのみ中止できます。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *CheckError {
	return &CheckError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているフィードURLを設定してください。プライベートIPへのアクセスは許可されていません。",
	}
}
