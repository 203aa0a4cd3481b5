package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/raspberry/internal/auth"
	"github.com/hitoshi/raspberry/internal/inflight"
	"github.com/hitoshi/raspberry/internal/model"
)

var (
	// ErrEmptyPrompt はプロンプトが空（空白のみを含む）であることを表す。
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrUnknownProvider はモデルが選択肢にないことを表す。
	ErrUnknownProvider = errors.New("unknown chat provider")
	// ErrBusy は同じ送信元のリクエストが処理中であることを表す。
	ErrBusy = errors.New("chat request already in flight")
)

// TokenIssuer はバックエンド呼び出し用のIDトークンを払い出す。auth.Serviceが実装する。
type TokenIssuer interface {
	IssueAccessToken(ctx context.Context, sessionID string) (string, error)
}

// Completer は補完サービスを呼び出す。Clientが実装する。
type Completer interface {
	Complete(ctx context.Context, token string, req Request) Result
}

// MetricsRecorder はチャットのメトリクスを記録する。
type MetricsRecorder interface {
	RecordChatOutcome(kind model.ErrorKind, duration time.Duration)
}

// Question は画面から送信された質問。
type Question struct {
	Provider model.ChatProvider
	Prompt   string
}

// Flow はチャットの送信処理を行う。
// 同じ送信元（key）のリクエストは同時に1つだけ受け付け、2つ目は待たせずに断る。
type Flow struct {
	tokens  TokenIssuer
	client  Completer
	board   *Board
	guard   *inflight.Guard
	metrics MetricsRecorder
	now     func() time.Time
}

// NewFlow はFlowを生成する。
func NewFlow(tokens TokenIssuer, client Completer, board *Board, guard *inflight.Guard) *Flow {
	if board == nil {
		board = NewBoard()
	}
	if guard == nil {
		guard = inflight.New()
	}
	return &Flow{
		tokens: tokens,
		client: client,
		board:  board,
		guard:  guard,
		now:    time.Now,
	}
}

// SetMetrics はメトリクスの記録先を設定する。
func (f *Flow) SetMetrics(m MetricsRecorder) {
	f.metrics = m
}

// Pending はkeyのリクエストが処理中かどうかを返す。
func (f *Flow) Pending(key string) bool {
	return f.guard.Pending(key)
}

// Latest はセッションの直近のやり取りを返す。
func (f *Flow) Latest(sessionID string) (model.Exchange, bool) {
	return f.board.Latest(sessionID)
}

// Ask はプロンプトを補完サービスへ送り、結果のやり取りを返す。
// 入力不備と処理中はerrorを返し、状態は変えない。
// 未ログインならモデルの検証より先にログインを促す回答を返す。
// それ以外の失敗はやり取りのOutcomeと回答文言で表す。
func (f *Flow) Ask(ctx context.Context, key string, session *model.Session, q Question) (*model.Exchange, error) {
	if strings.TrimSpace(q.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if session == nil {
		f.record(model.KindNotAuthenticated, 0)
		return f.exchange(q, Result{Kind: model.KindNotAuthenticated}, f.now()), nil
	}
	if !q.Provider.Valid() {
		return nil, ErrUnknownProvider
	}
	if !f.guard.TryAcquire(key) {
		return nil, ErrBusy
	}
	defer f.guard.Release(key)

	start := f.now()
	result := f.complete(ctx, session, q)
	f.record(result.Kind, f.now().Sub(start))

	exchange := f.exchange(q, result, start)
	// 認証切れの回答は終了したセッションに残さない
	if result.Kind != model.KindNotAuthenticated {
		f.board.Put(session.ID, *exchange)
	}
	return exchange, nil
}

func (f *Flow) exchange(q Question, result Result, at time.Time) *model.Exchange {
	return &model.Exchange{
		ID:        uuid.New().String(),
		Provider:  q.Provider,
		Prompt:    q.Prompt,
		Answer:    Message(result),
		Outcome:   result.Kind,
		CreatedAt: at,
	}
}

// complete はトークンを取得して補完サービスを呼び出す。
func (f *Flow) complete(ctx context.Context, session *model.Session, q Question) Result {
	token, err := f.tokens.IssueAccessToken(ctx, session.ID)
	if err != nil {
		if errors.Is(err, auth.ErrNotAuthenticated) {
			return Result{Kind: model.KindNotAuthenticated, Err: err}
		}
		slog.Error("failed to issue access token",
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()),
		)
		return Result{Kind: model.KindTransport, Err: err}
	}

	return f.client.Complete(ctx, token, Request{Provider: q.Provider, Prompt: q.Prompt})
}

func (f *Flow) record(kind model.ErrorKind, d time.Duration) {
	if f.metrics != nil {
		f.metrics.RecordChatOutcome(kind, d)
	}
}
