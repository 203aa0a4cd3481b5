package login

import (
	"errors"
	"testing"

	"github.com/hitoshi/raspberry/internal/auth"
	"github.com/hitoshi/raspberry/internal/identity"
)

func TestForm_Ready(t *testing.T) {
	tests := []struct {
		name string
		form Form
		want bool
	}{
		{"both filled", Form{Email: "a@b.c", Password: "pw"}, true},
		{"email missing", Form{Password: "pw"}, false},
		{"password missing", Form{Email: "a@b.c"}, false},
		{"both missing", Form{}, false},
		{"whitespace counts as input", Form{Email: " ", Password: " "}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.form.Ready(); got != tt.want {
				t.Errorf("Ready() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseAction(t *testing.T) {
	for _, v := range []string{"signin", "signup", "google"} {
		if a, ok := ParseAction(v); !ok || string(a) != v {
			t.Errorf("ParseAction(%q) = %q, %v", v, a, ok)
		}
	}
	if _, ok := ParseAction("delete"); ok {
		t.Error("unknown action should be rejected")
	}
}

func TestFailureMessage(t *testing.T) {
	identityErr := func(code string) error {
		return &auth.Error{Kind: auth.ErrIdentityRejected, Code: code, Message: "Firebase: Error (" + code + ")."}
	}

	tests := []struct {
		name   string
		action Action
		err    error
		want   string
	}{
		{
			name:   "email already in use",
			action: ActionSignUp,
			err:    identityErr(identity.CodeEmailAlreadyInUse),
			want:   "Signup failed: That email is already registered.",
		},
		{
			name:   "user not found",
			action: ActionSignIn,
			err:    identityErr(identity.CodeUserNotFound),
			want:   "Login failed: No account with that email.",
		},
		{
			name:   "other code keeps raw message",
			action: ActionSignIn,
			err:    identityErr(identity.CodeWrongPassword),
			want:   "Login failed: Firebase: Error (auth/wrong-password).",
		},
		{
			name:   "google failure",
			action: ActionGoogle,
			err:    errors.New("Code was already redeemed."),
			want:   "Google login failed: Code was already redeemed.",
		},
		{
			name:   "google failure keeps raw message for mapped codes",
			action: ActionGoogle,
			err:    identityErr(identity.CodeUserNotFound),
			want:   "Google login failed: Firebase: Error (auth/user-not-found).",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FailureMessage(tt.action, tt.err); got != tt.want {
				t.Errorf("FailureMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}
