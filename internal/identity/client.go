// Package identity はFirebase Authentication（Identity Toolkit / Secure Token）の
// REST APIクライアントを提供する。
// メール/パスワードでのサインアップ・サインイン、外部IdPのクレデンシャルによる
// サインイン、リフレッシュトークンによるIDトークンの再発行を扱う。
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultIdentityToolkitURL = "https://identitytoolkit.googleapis.com/v1"
	defaultSecureTokenURL     = "https://securetoken.googleapis.com/v1/token"

	// maxResponseSize はIdPレスポンスとして読み取る最大バイト数。
	maxResponseSize = 1 << 20
)

// Config はクライアントの設定。
type Config struct {
	APIKey string

	// テスト用にオーバーライド可能なURL
	IdentityToolkitURL string
	SecureTokenURL     string
}

// Credential はIdPから払い出された認証情報を表す。
type Credential struct {
	UserID       string
	Email        string
	IDToken      string
	RefreshToken string
	ExpiresIn    time.Duration
	ProviderID   string
}

// IdpCredential は外部IdP（Google等）で取得したトークンを表す。
// IDTokenとAccessTokenのどちらか一方があればよい。
type IdpCredential struct {
	ProviderID  string
	IDToken     string
	AccessToken string
}

// Client はFirebase Authentication REST APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	config     Config
}

// NewClient はClientを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, config Config) *Client {
	if config.IdentityToolkitURL == "" {
		config.IdentityToolkitURL = defaultIdentityToolkitURL
	}
	if config.SecureTokenURL == "" {
		config.SecureTokenURL = defaultSecureTokenURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		config:     config,
	}
}

// passwordRequest はaccounts:signUp / accounts:signInWithPasswordのリクエストボディ。
type passwordRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

// idpRequest はaccounts:signInWithIdpのリクエストボディ。
type idpRequest struct {
	PostBody            string `json:"postBody"`
	RequestURI          string `json:"requestUri"`
	ReturnIdpCredential bool   `json:"returnIdpCredential"`
	ReturnSecureToken   bool   `json:"returnSecureToken"`
}

// accountResponse はaccounts:*系エンドポイントの成功レスポンス。
type accountResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	ProviderID   string `json:"providerId"`
}

// tokenResponse はSecure Tokenエンドポイントの成功レスポンス。
type tokenResponse struct {
	ExpiresIn    string `json:"expires_in"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	UserID       string `json:"user_id"`
}

// SignUp はメールアドレスとパスワードで新規アカウントを作成する。
func (c *Client) SignUp(ctx context.Context, email, password string) (*Credential, error) {
	var resp accountResponse
	err := c.postJSON(ctx, c.accountsURL("signUp"), passwordRequest{
		Email:             email,
		Password:          password,
		ReturnSecureToken: true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.credential("password")
}

// SignInWithPassword はメールアドレスとパスワードでサインインする。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Credential, error) {
	var resp accountResponse
	err := c.postJSON(ctx, c.accountsURL("signInWithPassword"), passwordRequest{
		Email:             email,
		Password:          password,
		ReturnSecureToken: true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.credential("password")
}

// SignInWithIdp は外部IdPのトークンでサインインする。
// アカウントが存在しない場合はIdP側で自動作成される。
func (c *Client) SignInWithIdp(ctx context.Context, cred IdpCredential, requestURI string) (*Credential, error) {
	postBody := url.Values{"providerId": {cred.ProviderID}}
	if cred.IDToken != "" {
		postBody.Set("id_token", cred.IDToken)
	}
	if cred.AccessToken != "" {
		postBody.Set("access_token", cred.AccessToken)
	}

	var resp accountResponse
	err := c.postJSON(ctx, c.accountsURL("signInWithIdp"), idpRequest{
		PostBody:            postBody.Encode(),
		RequestURI:          requestURI,
		ReturnIdpCredential: true,
		ReturnSecureToken:   true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.credential(cred.ProviderID)
}

// Refresh はリフレッシュトークンで新しいIDトークンを取得する。
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Credential, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.SecureTokenURL+"?key="+url.QueryEscape(c.config.APIKey),
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp tokenResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	if resp.IDToken == "" {
		return nil, fmt.Errorf("empty id token in refresh response")
	}

	return &Credential{
		UserID:       resp.UserID,
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    parseExpiresIn(resp.ExpiresIn),
	}, nil
}

// accountsURL はaccounts:<method>エンドポイントのURLを返す。
func (c *Client) accountsURL(method string) string {
	return c.config.IdentityToolkitURL + "/accounts:" + method + "?key=" + url.QueryEscape(c.config.APIKey)
}

// postJSON はJSONボディでPOSTし、成功レスポンスをoutにデコードする。
func (c *Client) postJSON(ctx context.Context, endpoint string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

// do はリクエストを実行し、エラーレスポンスを*Errorに変換する。
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("identity provider request failed",
			slog.String("path", req.URL.Path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("identity provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read identity provider response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		idErr := parseError(resp.StatusCode, body)
		c.logger.Warn("identity provider rejected request",
			slog.String("path", req.URL.Path),
			slog.Int("http_status", resp.StatusCode),
			slog.String("code", idErr.Code),
		)
		return idErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse identity provider response: %w", err)
	}
	return nil
}

// credential はレスポンスをCredentialに変換する。
func (r *accountResponse) credential(fallbackProvider string) (*Credential, error) {
	if r.IDToken == "" || r.LocalID == "" {
		return nil, fmt.Errorf("incomplete identity provider response")
	}
	provider := r.ProviderID
	if provider == "" {
		provider = fallbackProvider
	}
	return &Credential{
		UserID:       r.LocalID,
		Email:        r.Email,
		IDToken:      r.IDToken,
		RefreshToken: r.RefreshToken,
		ExpiresIn:    parseExpiresIn(r.ExpiresIn),
		ProviderID:   provider,
	}, nil
}

// parseExpiresIn は秒数の文字列を期間に変換する。解釈できない場合は1時間とみなす。
func parseExpiresIn(v string) time.Duration {
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		return time.Hour
	}
	return time.Duration(sec) * time.Second
}
