package chat

import "github.com/hitoshi/raspberry/internal/model"

// 画面に表示する固定文言。
const (
	MessageLogInFirst    = "Please log in first."
	MessageQuotaExceeded = "You’ve used all 5 free prompts. Stay tuned for Raspberry AI's full release!"
	MessageServerError   = "Server error"
	MessageTransport     = "Error contacting server. Check console."
)

// Result は補完サービス呼び出しの結果。Kindで分岐し、文言はMessageで決まる。
type Result struct {
	Kind      model.ErrorKind
	Status    int    // HTTPステータス（応答がなかった場合は0）
	Answer    string // Kind == KindNone のときの回答
	Detail    string // Kind == KindServer のときのサーバーのdetail
	HasDetail bool   // detailがレスポンスに含まれていたか
	Err       error  // ログ用の元エラー
}

// Message は結果を画面に表示する文言にする。
func Message(r Result) string {
	switch r.Kind {
	case model.KindNone:
		return r.Answer
	case model.KindQuotaExceeded:
		return MessageQuotaExceeded
	case model.KindServer:
		if r.HasDetail {
			return r.Detail
		}
		return MessageServerError
	case model.KindNotAuthenticated:
		return MessageLogInFirst
	default:
		return MessageTransport
	}
}
