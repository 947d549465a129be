// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService はアラートの人間可読テキスト
// （header_text, description）をサニタイズする。オペレーターによっては
// descriptionにHTML断片を埋め込むフィードがあり、そのままUIへ流すと
// XSSのリスクになる。bluemondayライブラリを使用した許可リストベースの
// ポリシーで、最小限の整形タグのみを通過させる。
package security

import (
	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はテキストコンテンツのサニタイズ機能のインターフェースを定義する。
// アラートの保存前に使用される。
type ContentSanitizerService interface {
	// Sanitize はコンテンツをサニタイズして安全なテキストを返す。
	// 許可タグ（p, br, a, strong, em）のみを通過させ、
	// script, iframe, styleタグおよびon*イベント属性を除去する。
	// aタグにはtarget="_blank"とrel="noopener noreferrer"が自動付与される。
	// プレーンテキストの入力はそのまま通過する。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// 初期化時にbluemondayのカスタムポリシーを構築する。
// ポリシーの内容:
//   - 許可タグ: p, br, a, strong, em
//   - 禁止タグ: script, iframe, style および全てのon*イベント属性
//   - aタグ: target="_blank" と rel="noopener noreferrer" を自動付与
//
// アラートのテキストは通常プレーンテキストであり、その場合は入力が
// そのまま返る。
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	// script, iframe, style等は許可リストに含めないことで自動的に除去される
	// on*イベント属性はbluemondayのデフォルトで許可されない
	p.AllowElements("p", "br", "strong", "em")

	// aタグ: href属性のみ許可し、相対URLは不許可
	p.AllowAttrs("href").OnElements("a")
	p.AllowStandardURLs()
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &contentSanitizer{
		policy: p,
	}
}

// Sanitize はコンテンツをサニタイズして安全なテキストを返す。
func (s *contentSanitizer) Sanitize(raw string) string {
	return s.policy.Sanitize(raw)
}
