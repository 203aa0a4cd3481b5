// Package chat はプロンプトをバックエンドの補完サービスへ送り、結果を画面向けに整える。
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/raspberry/internal/model"
)

const (
	// chatPath は補完サービスのエンドポイントのパス。
	chatPath = "/chat"
	// maxResponseSize は補完サービスのレスポンスとして読み取る最大バイト数。
	maxResponseSize = 4 << 20
)

// Request は補完サービスへ送るリクエストボディ。
type Request struct {
	Provider model.ChatProvider `json:"provider"`
	Prompt   string             `json:"prompt"`
}

// response は補完サービスのレスポンスボディ。
// answer/detailは文字列以外が来ることもあるのでRawMessageで受ける。
type response struct {
	Answer json.RawMessage `json:"answer"`
	Detail json.RawMessage `json:"detail"`
}

// Client は補完サービスのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
}

// NewClient はClientの新しいインスタンスを生成する。apiBaseは絶対URL。
func NewClient(httpClient *http.Client, logger *slog.Logger, apiBase string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   strings.TrimRight(apiBase, "/") + chatPath,
	}
}

// Complete はプロンプトを送信し、結果を分類して返す。
// 失敗もResultとして返し、errorは返さない。
func (c *Client) Complete(ctx context.Context, token string, req Request) Result {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{Kind: model.KindTransport, Err: fmt.Errorf("failed to encode chat request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Kind: model.KindTransport, Err: fmt.Errorf("failed to create chat request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("補完サービスの呼び出しに失敗しました",
			slog.String("error", err.Error()),
			slog.String("provider", string(req.Provider)),
		)
		return Result{Kind: model.KindTransport, Err: err}
	}
	defer resp.Body.Close()

	// 利用上限に達した場合、ボディは読まない
	if resp.StatusCode == http.StatusTooManyRequests {
		c.logger.Info("補完サービスの利用上限に達しました",
			slog.String("provider", string(req.Provider)),
		)
		return Result{Kind: model.KindQuotaExceeded, Status: resp.StatusCode}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.logger.Error("レスポンスボディの読み取りに失敗しました",
			slog.String("error", err.Error()),
		)
		return Result{Kind: model.KindTransport, Status: resp.StatusCode, Err: err}
	}

	var decoded response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		c.logger.Error("補完サービスのレスポンスのパースに失敗しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("error", err.Error()),
		)
		return Result{Kind: model.KindTransport, Status: resp.StatusCode, Err: fmt.Errorf("failed to parse chat response: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		answer, _ := displayValue(decoded.Answer)
		return Result{Kind: model.KindNone, Status: resp.StatusCode, Answer: answer}
	}

	c.logger.Warn("補完サービスがエラーステータスを返しました",
		slog.Int("http_status", resp.StatusCode),
		slog.String("provider", string(req.Provider)),
	)
	detail, ok := displayValue(decoded.Detail)
	return Result{Kind: model.KindServer, Status: resp.StatusCode, Detail: detail, HasDetail: ok}
}

// displayValue はJSON値を表示用の文字列にする。
// 文字列はそのまま、それ以外はJSON表記を返す。null・欠落の場合はfalse。
func displayValue(v json.RawMessage) (string, bool) {
	if len(v) == 0 || string(v) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, true
	}
	return string(v), true
}
