package chat

import (
	"testing"

	"github.com/hitoshi/raspberry/internal/model"
)

func TestMessage(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		want   string
	}{
		{"answer", Result{Kind: model.KindNone, Answer: "hello"}, "hello"},
		{"empty answer", Result{Kind: model.KindNone}, ""},
		{"quota", Result{Kind: model.KindQuotaExceeded}, "You’ve used all 5 free prompts. Stay tuned for Raspberry AI's full release!"},
		{"server detail", Result{Kind: model.KindServer, Detail: "bad", HasDetail: true}, "bad"},
		{"server no detail", Result{Kind: model.KindServer}, "Server error"},
		{"not authenticated", Result{Kind: model.KindNotAuthenticated}, "Please log in first."},
		{"transport", Result{Kind: model.KindTransport}, "Error contacting server. Check console."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Message(tt.result); got != tt.want {
				t.Errorf("Message() = %q, want %q", got, tt.want)
			}
		})
	}
}
