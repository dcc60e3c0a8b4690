package policy

import (
	"context"
	"log/slog"
	"os"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestReadOnly_AlwaysRejects(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		wantID    string
	}{
		{"bare event", `{"id":"abc","pubkey":"p","kind":1,"created_at":1,"tags":[],"content":"hi","sig":"s"}`, "abc"},
		{"plugin request", `{"type":"new","event":{"id":"def","kind":30023},"receivedAt":1,"sourceType":"IP4"}`, "def"},
		{"no id", `{"kind":1}`, ""},
		{"invalid json", `{"id":`, ""},
		{"not an object", `["EVENT"]`, ""},
		{"empty", ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ReadOnly{}.Decide(context.Background(), []byte(tt.candidate))

			if d.Action != ActionReject || d.Accepted() {
				t.Fatalf("action = %q, want reject", d.Action)
			}
			if d.Msg != ReadOnlyMessage {
				t.Errorf("msg = %q", d.Msg)
			}
			if d.ID != tt.wantID {
				t.Errorf("id = %q, want %q", d.ID, tt.wantID)
			}
		})
	}
}
