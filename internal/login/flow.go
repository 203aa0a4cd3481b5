package login

import (
	"context"
	"log/slog"

	"github.com/hitoshi/raspberry/internal/inflight"
	"github.com/hitoshi/raspberry/internal/model"
)

// Authenticator はログイン画面が使う認証操作。auth.Serviceが実装する。
type Authenticator interface {
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	SignUpWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	SignInWithFederatedProvider(ctx context.Context, code string) (*model.Session, error)
}

// Result は送信結果。成功時はSession、失敗時はMessageが入る。
type Result struct {
	Session *model.Session
	Message string
}

// Flow はログイン画面の送信処理を行う。
// 同じブラウザからの送信は同時に1つだけ受け付ける。
type Flow struct {
	auth  Authenticator
	guard *inflight.Guard
}

// NewFlow はFlowを生成する。
func NewFlow(a Authenticator, guard *inflight.Guard) *Flow {
	if guard == nil {
		guard = inflight.New()
	}
	return &Flow{auth: a, guard: guard}
}

// Pending はkeyのブラウザからの送信が処理中かどうかを返す。
func (f *Flow) Pending(key string) bool {
	return f.guard.Pending(key)
}

// Submit はメール/パスワードでのサインインまたはサインアップを行う。
// 入力が揃っていない場合はIdPに問い合わせずにメッセージを返す。
func (f *Flow) Submit(ctx context.Context, key string, action Action, form Form) (Result, error) {
	if action != ActionSignIn && action != ActionSignUp {
		return Result{}, ErrUnknownAction
	}
	if !f.guard.TryAcquire(key) {
		return Result{}, ErrBusy
	}
	defer f.guard.Release(key)

	if !form.Ready() {
		return Result{Message: MessageMissingFields}, nil
	}

	var (
		session *model.Session
		err     error
	)
	if action == ActionSignUp {
		session, err = f.auth.SignUpWithPassword(ctx, form.Email, form.Password)
	} else {
		session, err = f.auth.SignInWithPassword(ctx, form.Email, form.Password)
	}
	if err != nil {
		slog.Info("login attempt failed",
			slog.String("action", string(action)),
			slog.String("error", err.Error()),
		)
		return Result{Message: FailureMessage(action, err)}, nil
	}

	return Result{Session: session}, nil
}

// CompleteFederated はGoogleからのコールバックでサインインを完了する。
func (f *Flow) CompleteFederated(ctx context.Context, key, code string) (Result, error) {
	if !f.guard.TryAcquire(key) {
		return Result{}, ErrBusy
	}
	defer f.guard.Release(key)

	session, err := f.auth.SignInWithFederatedProvider(ctx, code)
	if err != nil {
		slog.Info("google login failed", slog.String("error", err.Error()))
		return Result{Message: FailureMessage(ActionGoogle, err)}, nil
	}
	return Result{Session: session}, nil
}
