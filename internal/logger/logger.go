package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// level はSetupで生成したロガー全体で共有するログレベル。
// 設定の読み込み前にロガーを使えるよう、後からSetLevelで変更する。
var level = new(slog.LevelVar)

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// writerが指定された場合はそのwriterに出力する。
func Setup(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// writerが指定された場合はそのwriterに出力する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	logger := Setup(w)
	slog.SetDefault(logger)
}

// SetLevel はログレベルを変更する。debug, info, warn, errorを受け付ける。
// 空文字列はinfoとして扱う。
func SetLevel(name string) error {
	if strings.TrimSpace(name) == "" {
		level.Set(slog.LevelInfo)
		return nil
	}

	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	level.Set(l)
	return nil
}

// Level は現在のログレベルを返す。
func Level() slog.Level {
	return level.Level()
}
