package poller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// FetchOutcome は1回の条件付きフェッチの結果を表す。
type FetchOutcome struct {
	HTTPStatus   int
	NotModified  bool // 304により本文が返らなかった
	Changed      bool // 本文が前回取り込みから変化した
	Body         []byte
	ContentHash  string // 本文のSHA-256（hex）
	ETag         string
	LastModified string
	Duration     time.Duration
}

// ChangeDetector は条件付きGETとコンテンツハッシュ比較による変化検出を行う。
// サーバーがETag/Last-Modifiedを正しく扱う場合は304で帯域を節約し、
// 条件付きGETを無視して毎回200を返すサーバーに対してはSHA-256ハッシュの
// 比較で変化なしを検出する。
type ChangeDetector struct {
	ssrfGuard   SSRFValidator
	timeout     time.Duration
	maxBodySize int64
}

// NewChangeDetector はChangeDetectorの新しいインスタンスを生成する。
func NewChangeDetector(ssrfGuard SSRFValidator, timeout time.Duration, maxBodySize int64) *ChangeDetector {
	return &ChangeDetector{
		ssrfGuard:   ssrfGuard,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// fetchConditions は条件付きGETに使用する前回チェックの状態。
type fetchConditions struct {
	ETag            string
	LastModified    string
	LastContentHash string
	// ForceFull がtrueの場合は条件付きヘッダーを送らず全文を取得する。
	// 初回チェック（一度も取り込みに成功していない）と手動の強制チェックが該当する。
	ForceFull bool
}

// Fetch はフィードURLを条件付きGETでフェッチし、変化検出の結果を返す。
// HTTPステータスが200/304以外の場合はOutcomeとともにエラーを返す。
func (d *ChangeDetector) Fetch(ctx context.Context, url string, cond fetchConditions, apply func(*http.Request)) (*FetchOutcome, error) {
	start := time.Now()

	client := d.ssrfGuard.NewSafeClient(d.timeout, d.maxBodySize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}

	req.Header.Set("User-Agent", "Transitman/1.0 GTFS-RT Poller")
	req.Header.Set("Accept", "application/x-protobuf, application/octet-stream, */*")
	if apply != nil {
		apply(req)
	}

	// 条件付きGET: 強制全文取得でない場合のみ前回の検証子を送る
	if !cond.ForceFull {
		if cond.ETag != "" {
			req.Header.Set("If-None-Match", cond.ETag)
		}
		if cond.LastModified != "" {
			req.Header.Set("If-Modified-Since", cond.LastModified)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	outcome := &FetchOutcome{
		HTTPStatus: resp.StatusCode,
		Duration:   time.Since(start),
	}

	switch resp.StatusCode {
	case http.StatusNotModified:
		outcome.NotModified = true
		// 304でもサーバーが検証子を返した場合はキャッシュを更新する
		outcome.ETag = resp.Header.Get("ETag")
		outcome.LastModified = resp.Header.Get("Last-Modified")
		return outcome, nil

	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBodySize))
		if err != nil {
			return outcome, fmt.Errorf("レスポンス読み取り失敗: %w", err)
		}
		outcome.Body = body

		sum := sha256.Sum256(body)
		outcome.ContentHash = hex.EncodeToString(sum[:])
		outcome.ETag = resp.Header.Get("ETag")
		outcome.LastModified = resp.Header.Get("Last-Modified")

		// 200でも本文のハッシュが前回と同一なら変化なし。
		// 強制全文取得の場合はハッシュ一致でも取り込みを行う。
		outcome.Changed = cond.ForceFull ||
			cond.LastContentHash == "" ||
			outcome.ContentHash != cond.LastContentHash
		outcome.Duration = time.Since(start)
		return outcome, nil

	default:
		return outcome, fmt.Errorf("HTTPステータス %d", resp.StatusCode)
	}
}
