package poller

import (
	"net/http"

	"github.com/hitoshi/transitman/internal/model"
)

// defaultAPIKeyHeader はapi_key方式でヘッダー名が未設定の場合に使用される。
const defaultAPIKeyHeader = "X-Api-Key"

// applyAuth はフィードソースの認証記述子に応じてリクエストヘッダーを設定する。
// シークレットはリクエストにのみ載り、ログやチェックログには一切出力されない。
func applyAuth(req *http.Request, source *model.FeedSource) {
	switch source.AuthType {
	case model.AuthTypeAPIKey:
		header := source.AuthHeaderKey
		if header == "" {
			header = defaultAPIKeyHeader
		}
		req.Header.Set(header, source.AuthSecret)
	case model.AuthTypeBearer:
		req.Header.Set("Authorization", "Bearer "+source.AuthSecret)
	case model.AuthTypeBasic:
		req.SetBasicAuth(source.AuthUser, source.AuthSecret)
	}
}
