package handler

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/hitoshi/raspberry/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// LoginPage はログイン画面の表示内容。
type LoginPage struct {
	Title     string
	CSRFToken string
	Email     string
	Message   string
	Pending   bool
}

// ProviderOption はモデル選択肢の1項目。
type ProviderOption struct {
	Value    model.ChatProvider
	Label    string
	Selected bool
}

// AppPage はランディング兼チャット画面の表示内容。
type AppPage struct {
	Title     string
	CSRFToken string
	SignedIn  bool
	Prompt    string
	Providers []ProviderOption
	ShowHint  bool
	Pending   bool
	Answer    string
}

// providerOptions は選択中のモデルに印を付けた選択肢を返す。
func providerOptions(selected model.ChatProvider) []ProviderOption {
	if !selected.Valid() {
		selected = model.DefaultChatProvider
	}
	opts := make([]ProviderOption, 0, len(model.ChatProviders))
	for _, p := range model.ChatProviders {
		opts = append(opts, ProviderOption{Value: p, Label: p.Label(), Selected: p == selected})
	}
	return opts
}

// renderLogin はログイン画面を描画する。
func renderLogin(w http.ResponseWriter, status int, page LoginPage) {
	if page.Title == "" {
		page.Title = "Raspberry - Log In"
	}
	render(w, status, "login", page)
}

// renderApp はランディング兼チャット画面を描画する。
func renderApp(w http.ResponseWriter, status int, page AppPage) {
	if page.Title == "" {
		page.Title = "Raspberry AI"
	}
	render(w, status, "app", page)
}

// render はテンプレートをバッファに描画してから書き出す。描画に失敗した場合は500だけを返す。
func render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := pageTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("failed to render page",
			slog.String("template", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	buf.WriteTo(w)
}
