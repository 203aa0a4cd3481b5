// Package auth はログインセッションの発行・復元・破棄と、IDトークンの払い出しを提供する。
// セッションを書き換えるのはServiceだけで、他のコンポーネントはState/Subscribeで読む。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/raspberry/internal/identity"
	"github.com/hitoshi/raspberry/internal/model"
	"github.com/hitoshi/raspberry/internal/repository"
)

// 認証試行の方式（メトリクスのラベル）。
const (
	MethodPasswordSignIn = "password_signin"
	MethodPasswordSignUp = "password_signup"
	MethodGoogle         = "google"
)

// IdentityProvider は外部IdPの操作を表す。identity.Clientが実装する。
type IdentityProvider interface {
	SignUp(ctx context.Context, email, password string) (*identity.Credential, error)
	SignInWithPassword(ctx context.Context, email, password string) (*identity.Credential, error)
	SignInWithIdp(ctx context.Context, cred identity.IdpCredential, requestURI string) (*identity.Credential, error)
	Refresh(ctx context.Context, refreshToken string) (*identity.Credential, error)
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをIdPに渡せるトークンに交換する。
	ExchangeCode(ctx context.Context, code string) (*identity.IdpCredential, error)
}

// MetricsRecorder は認証まわりのメトリクスを記録する。
type MetricsRecorder interface {
	RecordAuthAttempt(method string, success bool)
	RecordTokenRefresh(result string)
}

// 共有されるストア参照・トークン更新の上限時間。
// 最初の呼び出し元のキャンセルには従わない。
const (
	resolveTimeout = 5 * time.Second
	refreshTimeout = 10 * time.Second
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge    int           // セッション有効期間（秒）
	TokenRefreshSkew time.Duration // 残り有効期間がこれ以下ならIDトークンを更新する
	RequestURI       string        // signInWithIdpに渡すリダイレクト先URI
}

// Service はIdentity Session Providerの実装。
type Service struct {
	idp         IdentityProvider
	oauth       OAuthProvider
	sessionRepo repository.SessionRepository
	notifier    *Notifier
	metrics     MetricsRecorder
	config      ServiceConfig

	resolveGroup singleflight.Group
	refreshGroup singleflight.Group

	// live はこのプロセスが有効と認識しているセッション。
	// 終了イベントを1回だけ配信するために使う。
	liveMu sync.Mutex
	live   map[string]liveSession

	now func() time.Time
}

type liveSession struct {
	userID    string
	expiresAt time.Time
}

// NewService はServiceを生成する。notifierがnilの場合は新しく作る。
func NewService(
	idp IdentityProvider,
	oauth OAuthProvider,
	sessionRepo repository.SessionRepository,
	notifier *Notifier,
	config ServiceConfig,
) *Service {
	if notifier == nil {
		notifier = NewNotifier()
	}
	return &Service{
		idp:         idp,
		oauth:       oauth,
		sessionRepo: sessionRepo,
		notifier:    notifier,
		config:      config,
		live:        make(map[string]liveSession),
		now:         time.Now,
	}
}

// SetMetrics はメトリクスの記録先を設定する。
func (s *Service) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// Subscribe はセッション状態の変化を購読する。戻り値は購読解除関数。
func (s *Service) Subscribe(l Listener) func() {
	return s.notifier.Subscribe(l)
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// CurrentSession はセッションIDに対応するセッションを返す。
// 存在しない・期限切れの場合は(nil, nil)。同じIDの同時解決は1回のストア参照にまとめる。
// 有効だったセッションが見つからなくなった場合はExpiredを配信する。
func (s *Service) CurrentSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, nil
	}

	ch := s.resolveGroup.DoChan(sessionID, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		return s.sessionRepo.FindByID(lookupCtx, sessionID)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, fmt.Errorf("failed to find session: %w", res.Err)
	}

	session, _ := res.Val.(*model.Session)
	if session == nil {
		if entry, ok := s.forget(sessionID); ok {
			s.publishExpired(sessionID, entry.userID)
		}
		return nil, nil
	}
	s.track(session)

	// 呼び出し元ごとにコピーを返す
	cp := *session
	return &cp, nil
}

// SweepExpired は有効期間を過ぎたセッションについてExpiredを配信し、配信件数を返す。
// ストアからの削除はクリーンアップワーカーが行う。
func (s *Service) SweepExpired() int {
	now := s.now()

	s.liveMu.Lock()
	expired := make(map[string]liveSession)
	for id, entry := range s.live {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			expired[id] = entry
			delete(s.live, id)
		}
	}
	s.liveMu.Unlock()

	for id, entry := range expired {
		s.publishExpired(id, entry.userID)
	}
	return len(expired)
}

// StartExpirySweep はintervalごとにSweepExpiredを実行する。
// ctxがキャンセルされるまでブロックする。
func (s *Service) StartExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.SweepExpired(); n > 0 {
				slog.Info("expired sessions swept", slog.Int("count", n))
			}
		}
	}
}

// State はセッションの解決結果を返す。
// 解決に失敗した場合はLoadingのままにし、ログイン済み・未ログインのどちらとも判断させない。
func (s *Service) State(ctx context.Context, sessionID string) model.SessionState {
	if sessionID == "" {
		return model.SessionState{}
	}

	session, err := s.CurrentSession(ctx, sessionID)
	if err != nil {
		slog.Warn("session resolution failed",
			slog.String("error", err.Error()),
		)
		return model.SessionState{Loading: true}
	}
	return model.SessionState{Session: session}
}

// SignInWithPassword はメール/パスワードでサインインし、セッションを発行する。
func (s *Service) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	cred, err := s.idp.SignInWithPassword(ctx, email, password)
	if err != nil {
		s.recordAttempt(MethodPasswordSignIn, false)
		return nil, classifyPasswordError(err)
	}
	return s.startSession(ctx, cred, model.SignInProviderPassword, MethodPasswordSignIn)
}

// SignUpWithPassword はメール/パスワードでアカウントを作成し、そのままセッションを発行する。
func (s *Service) SignUpWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	cred, err := s.idp.SignUp(ctx, email, password)
	if err != nil {
		s.recordAttempt(MethodPasswordSignUp, false)
		return nil, classifyPasswordError(err)
	}
	return s.startSession(ctx, cred, model.SignInProviderPassword, MethodPasswordSignUp)
}

// SignInWithFederatedProvider はGoogleの認可コードでサインインし、セッションを発行する。
// 失敗はすべてErrFederatedSignInFailedとして返す。
func (s *Service) SignInWithFederatedProvider(ctx context.Context, code string) (*model.Session, error) {
	idpCred, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		s.recordAttempt(MethodGoogle, false)
		return nil, federatedError(err)
	}

	cred, err := s.idp.SignInWithIdp(ctx, *idpCred, s.config.RequestURI)
	if err != nil {
		s.recordAttempt(MethodGoogle, false)
		return nil, federatedError(err)
	}

	provider := cred.ProviderID
	if provider == "" {
		provider = model.SignInProviderGoogle
	}
	return s.startSession(ctx, cred, provider, MethodGoogle)
}

// SignOut はセッションを破棄する。
// 失敗しない操作で、ストアからの削除に失敗してもログに残すだけでSignedOutを配信する。
func (s *Service) SignOut(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}

	entry, known := s.forget(sessionID)
	userID := entry.userID
	if !known {
		if session, err := s.sessionRepo.FindByID(ctx, sessionID); err == nil && session != nil {
			userID = session.UserID
		}
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		slog.Error("failed to delete session on sign-out",
			slog.String("error", err.Error()),
		)
	}

	s.notifier.Publish(Event{Type: EventSignedOut, SessionID: sessionID, UserID: userID, At: s.now()})
	slog.Info("user signed out", slog.String("user_id", userID))
}

// IssueAccessToken はバックエンド呼び出し用のIDトークンを返す。
// 有効期限がTokenRefreshSkew以内に迫っている場合は更新してから返す。
// 同じセッションの更新は同時に1つしか走らない。
func (s *Service) IssueAccessToken(ctx context.Context, sessionID string) (string, error) {
	session, err := s.CurrentSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "", ErrNotAuthenticated
	}

	if !session.TokenExpiresWithin(s.now(), s.config.TokenRefreshSkew) {
		return session.IDToken, nil
	}

	ch := s.refreshGroup.DoChan(sessionID, func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return s.refreshSession(refreshCtx, session)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// refreshSession はリフレッシュトークンでIDトークンを再発行し、ストアに反映する。
// IdPがリフレッシュを拒否した場合はセッションを破棄しExpiredを配信する。
func (s *Service) refreshSession(ctx context.Context, session *model.Session) (string, error) {
	if session.RefreshToken == "" {
		s.expire(ctx, session)
		return "", ErrNotAuthenticated
	}

	cred, err := s.idp.Refresh(ctx, session.RefreshToken)
	if err != nil {
		if isSessionRevoked(err) {
			s.recordRefresh("revoked")
			s.expire(ctx, session)
			return "", ErrNotAuthenticated
		}
		s.recordRefresh("failure")
		return "", fmt.Errorf("failed to refresh id token: %w", err)
	}

	refreshToken := cred.RefreshToken
	if refreshToken == "" {
		refreshToken = session.RefreshToken
	}
	now := s.now()
	tokenExpiresAt := tokenExpiry(cred.IDToken, now, cred.ExpiresIn)

	if err := s.sessionRepo.UpdateTokens(ctx, session.ID, cred.IDToken, refreshToken, tokenExpiresAt); err != nil {
		s.recordRefresh("failure")
		return "", fmt.Errorf("failed to save refreshed token: %w", err)
	}

	s.recordRefresh("success")
	s.notifier.Publish(Event{Type: EventTokenRefreshed, SessionID: session.ID, UserID: session.UserID, At: now})
	return cred.IDToken, nil
}

// expire は無効になったセッションを破棄する。
func (s *Service) expire(ctx context.Context, session *model.Session) {
	if err := s.sessionRepo.DeleteByID(ctx, session.ID); err != nil {
		slog.Error("failed to delete expired session",
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()),
		)
	}
	if _, ok := s.forget(session.ID); ok {
		s.publishExpired(session.ID, session.UserID)
	}
}

func (s *Service) publishExpired(sessionID, userID string) {
	s.notifier.Publish(Event{Type: EventExpired, SessionID: sessionID, UserID: userID, At: s.now()})
	slog.Info("session expired", slog.String("user_id", userID))
}

// track はセッションを有効として記録する。
func (s *Service) track(session *model.Session) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	s.live[session.ID] = liveSession{userID: session.UserID, expiresAt: session.ExpiresAt}
}

// forget は記録を取り除き、取り除いた場合はtrueを返す。
func (s *Service) forget(sessionID string) (liveSession, bool) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	entry, ok := s.live[sessionID]
	if ok {
		delete(s.live, sessionID)
	}
	return entry, ok
}

// trackedCount は記録中のセッション数を返す。
func (s *Service) trackedCount() int {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	return len(s.live)
}

// startSession はIdPの認証情報からセッションを作成し、SignedInを配信する。
func (s *Service) startSession(ctx context.Context, cred *identity.Credential, provider, method string) (*model.Session, error) {
	session, err := s.createSession(ctx, cred, provider)
	if err != nil {
		s.recordAttempt(method, false)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.recordAttempt(method, true)
	s.track(session)
	s.notifier.Publish(Event{Type: EventSignedIn, SessionID: session.ID, UserID: session.UserID, At: session.CreatedAt})
	slog.Info("user signed in",
		slog.String("user_id", session.UserID),
		slog.String("provider", provider),
	)
	return session, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, cred *identity.Credential, provider string) (*model.Session, error) {
	if cred == nil || cred.IDToken == "" {
		return nil, errors.New("identity provider returned no id token")
	}

	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:             sessionID,
		UserID:         cred.UserID,
		Email:          cred.Email,
		Provider:       provider,
		IDToken:        cred.IDToken,
		RefreshToken:   cred.RefreshToken,
		TokenExpiresAt: tokenExpiry(cred.IDToken, now, cred.ExpiresIn),
		ExpiresAt:      now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

func (s *Service) recordAttempt(method string, success bool) {
	if s.metrics != nil {
		s.metrics.RecordAuthAttempt(method, success)
	}
}

func (s *Service) recordRefresh(result string) {
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(result)
	}
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// compile-time interface check
var _ IdentityProvider = (*identity.Client)(nil)
