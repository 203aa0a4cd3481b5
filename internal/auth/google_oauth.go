package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/raspberry/internal/identity"
	"github.com/hitoshi/raspberry/internal/model"
)

const (
	defaultGoogleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL = "https://oauth2.googleapis.com/token"
)

// GoogleOAuthConfig はGoogle OAuthプロバイダーの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// HTTPClient はトークンエンドポイントの呼び出しに使う。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string
}

// GoogleOAuthProvider はGoogle OAuth 2.0の認可コードフローを提供する。
// 取得したid_tokenはIdPのsignInWithIdpにそのまま渡す。
type GoogleOAuthProvider struct {
	config GoogleOAuthConfig
}

// NewGoogleOAuthProvider はGoogleOAuthProviderを生成する。
func NewGoogleOAuthProvider(config GoogleOAuthConfig) *GoogleOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	return &GoogleOAuthProvider{config: config}
}

// GetLoginURL はGoogle OAuthの認証URLを生成する。
// スコープにはopenid, email, profileを含む。
func (p *GoogleOAuthProvider) GetLoginURL(state string) string {
	params := url.Values{
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.RedirectURL},
		"response_type": {"code"},
		"scope":         {"openid email profile"},
		"state":         {state},
		"prompt":        {"select_account"},
	}
	return p.config.AuthURL + "?" + params.Encode()
}

// googleTokenResponse はGoogleのトークンエンドポイントのレスポンス。
type googleTokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// googleTokenError はGoogleのトークンエンドポイントのエラーレスポンス。
type googleTokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ExchangeCode は認可コードをトークンに交換する。
// エラーメッセージはGoogleのerror_descriptionをそのまま含む。
func (p *GoogleOAuthProvider) ExchangeCode(ctx context.Context, code string) (*identity.IdpCredential, error) {
	data := url.Values{
		"code":          {code},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"redirect_uri":  {p.config.RedirectURL},
		"grant_type":    {"authorization_code"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var tokenErr googleTokenError
		if json.Unmarshal(body, &tokenErr) == nil && tokenErr.ErrorDescription != "" {
			return nil, fmt.Errorf("%s", tokenErr.ErrorDescription)
		}
		return nil, fmt.Errorf("token exchange failed with status %d", resp.StatusCode)
	}

	var tokenResp googleTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.IDToken == "" && tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty token in response")
	}

	return &identity.IdpCredential{
		ProviderID:  model.SignInProviderGoogle,
		IDToken:     tokenResp.IDToken,
		AccessToken: tokenResp.AccessToken,
	}, nil
}

// compile-time interface check
var _ OAuthProvider = (*GoogleOAuthProvider)(nil)
