package telegram

import (
	"testing"

	"github.com/dethon/relay/internal/streaming"
)

func TestParseAgentPrefix(t *testing.T) {
	tests := []struct {
		in        string
		wantAgent string
		wantText  string
	}{
		{"hello world", "default", "hello world"},
		{"@research find papers", "research", "find papers"},
		{"@research", "research", ""},
		{"@ broken", "default", "@ broken"},
	}

	for _, tt := range tests {
		agent, text := parseAgentPrefix(tt.in, "default")
		if agent != tt.wantAgent || text != tt.wantText {
			t.Errorf("parseAgentPrefix(%q) = (%q, %q), want (%q, %q)",
				tt.in, agent, text, tt.wantAgent, tt.wantText)
		}
	}
}

func TestParseApprovalCallback(t *testing.T) {
	id, result, err := parseApprovalCallback("approval:a1b2c3d4:approve")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "a1b2c3d4" || result != streaming.Approved {
		t.Errorf("got (%q, %q)", id, result)
	}

	id, result, err = parseApprovalCallback("approval:a1b2c3d4:reject")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "a1b2c3d4" || result != streaming.Rejected {
		t.Errorf("got (%q, %q)", id, result)
	}

	for _, bad := range []string{"", "approval:x", "other:x:approve", "approval::approve", "approval:x:maybe"} {
		if _, _, err := parseApprovalCallback(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
