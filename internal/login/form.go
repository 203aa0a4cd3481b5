// Package login はログイン画面の入力検証・送信・結果表示を提供する。
package login

import (
	"errors"

	"github.com/hitoshi/raspberry/internal/auth"
	"github.com/hitoshi/raspberry/internal/identity"
)

// Action はログイン画面での操作。
type Action string

const (
	ActionSignIn Action = "signin"
	ActionSignUp Action = "signup"
	ActionGoogle Action = "google"
)

// ParseAction はフォームの値をActionに変換する。
func ParseAction(v string) (Action, bool) {
	switch a := Action(v); a {
	case ActionSignIn, ActionSignUp, ActionGoogle:
		return a, true
	default:
		return "", false
	}
}

// 画面に表示するメッセージ。
const (
	MessageMissingFields = "Please enter an email and password first."
	MessageEmailInUse    = "That email is already registered."
	MessageNoAccount     = "No account with that email."
)

var failurePrefixes = map[Action]string{
	ActionSignIn: "Login failed: ",
	ActionSignUp: "Signup failed: ",
	ActionGoogle: "Google login failed: ",
}

// Form はログインフォームの入力値。保存はしない。
type Form struct {
	Email    string
	Password string
}

// Ready は両方の欄が入力済みかどうかを返す。空白のみの値も入力ありとみなす。
func (f Form) Ready() bool {
	return f.Email != "" && f.Password != ""
}

// FriendlyMessage はIdPのエラーを画面向けの文言にする。
// 対応表にないコードは元のメッセージをそのまま使う。
func FriendlyMessage(err error) string {
	switch auth.CodeOf(err) {
	case identity.CodeEmailAlreadyInUse:
		return MessageEmailInUse
	case identity.CodeUserNotFound:
		return MessageNoAccount
	}
	return err.Error()
}

// FailureMessage は操作ごとの接頭辞を付けた失敗メッセージを返す。
// Googleログインの失敗は文言を置き換えず、元のメッセージを使う。
func FailureMessage(action Action, err error) string {
	if action == ActionGoogle {
		return failurePrefixes[action] + err.Error()
	}
	return failurePrefixes[action] + FriendlyMessage(err)
}

var (
	// ErrBusy は同じブラウザからの送信が処理中であることを表す。
	ErrBusy = errors.New("login submission already in progress")
	// ErrUnknownAction は未知の操作が指定されたことを表す。
	ErrUnknownAction = errors.New("unknown login action")
)
