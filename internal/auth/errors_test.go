package auth

import (
	"errors"
	"testing"

	"github.com/hitoshi/raspberry/internal/identity"
)

func TestIsSessionRevoked(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"token expired", &identity.Error{Code: identity.CodeUserTokenExpired}, true},
		{"user disabled", &identity.Error{Code: identity.CodeUserDisabled}, true},
		{"invalid refresh token", &identity.Error{Code: identity.CodeInvalidRefreshToken}, true},
		{"user not found", &identity.Error{Code: identity.CodeUserNotFound}, true},
		{"too many requests", &identity.Error{Code: identity.CodeTooManyRequests}, false},
		{"network", errors.New("dial tcp: timeout"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSessionRevoked(tt.err); got != tt.want {
				t.Errorf("isSessionRevoked() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFederatedError_DefaultCode(t *testing.T) {
	err := federatedError(errors.New("popup closed"))

	if !errors.Is(err, ErrFederatedSignInFailed) {
		t.Fatal("should match ErrFederatedSignInFailed")
	}
	if CodeOf(err) != "auth/federated-sign-in-failed" {
		t.Errorf("CodeOf() = %q", CodeOf(err))
	}
	if err.Error() != "popup closed" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestError_UnwrapsToIdentityError(t *testing.T) {
	idErr := &identity.Error{Code: identity.CodeWrongPassword, Message: "Firebase: Error (auth/wrong-password)."}
	err := classifyPasswordError(idErr)

	var target *identity.Error
	if !errors.As(err, &target) {
		t.Fatal("should unwrap to *identity.Error")
	}
	if errors.Is(err, ErrAccountNotFound) {
		t.Error("should not match an unrelated kind")
	}
}
