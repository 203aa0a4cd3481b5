package model

import "time"

// ChatProvider はチャットで選択できるモデル提供元を表す。閉じた列挙型。
type ChatProvider string

const (
	ChatProviderOpenAI ChatProvider = "openai"
	ChatProviderGemini ChatProvider = "gemini"
	ChatProviderClaude ChatProvider = "claude"
)

// DefaultChatProvider はフォーム初期表示時に選択されているモデル。
const DefaultChatProvider = ChatProviderOpenAI

// ChatProviders は選択肢の表示順。
var ChatProviders = []ChatProvider{ChatProviderOpenAI, ChatProviderGemini, ChatProviderClaude}

// Valid は列挙値に含まれるかを返す。
func (p ChatProvider) Valid() bool {
	switch p {
	case ChatProviderOpenAI, ChatProviderGemini, ChatProviderClaude:
		return true
	default:
		return false
	}
}

// Label は画面表示用の名称を返す。
func (p ChatProvider) Label() string {
	switch p {
	case ChatProviderOpenAI:
		return "OpenAI"
	case ChatProviderGemini:
		return "Gemini"
	case ChatProviderClaude:
		return "Claude"
	default:
		return string(p)
	}
}

// Exchange は1回のプロンプト送信とその結果を表す。永続化しない。
type Exchange struct {
	ID        string
	Provider  ChatProvider
	Prompt    string
	Answer    string
	Outcome   ErrorKind
	CreatedAt time.Time
}
