package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveIndexPrecedence(t *testing.T) {
	tests := []struct {
		name      string
		workspace string
		thread    string
		project   string
		want      string
	}{
		{"all present", "ws-idx", "th-idx", "pr-idx", "ws-idx"},
		{"workspace and thread", "ws-idx", "th-idx", "", "ws-idx"},
		{"workspace and project", "ws-idx", "", "pr-idx", "ws-idx"},
		{"workspace only", "ws-idx", "", "", "ws-idx"},
		{"thread and project", "", "th-idx", "pr-idx", "th-idx"},
		{"thread only", "", "th-idx", "", "th-idx"},
		{"project only", "", "", "pr-idx", "pr-idx"},
		{"none", "", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveIndex(Context{
				WorkspaceIndexID: tt.workspace,
				ThreadIndexID:    tt.thread,
				ProjectIndexID:   tt.project,
				Query:            "anything",
			})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveIndexIgnoresWhitespace(t *testing.T) {
	got := ResolveIndex(Context{
		WorkspaceIndexID: "   ",
		ThreadIndexID:    "  th-idx  ",
	})
	assert.Equal(t, "th-idx", got)
}
