package notify

import (
	"log/slog"
	"testing"

	"github.com/dethon/relay/internal/logger"
	"github.com/dethon/relay/internal/streaming"
)

type recordedCall struct {
	method    string
	groupSlug string
	broadcast bool
}

type recordingSender struct {
	calls []recordedCall
}

func (r *recordingSender) SendAll(method string, payload interface{}) {
	r.calls = append(r.calls, recordedCall{method: method, broadcast: true})
}

func (r *recordingSender) SendToGroup(groupSlug, method string, payload interface{}) {
	r.calls = append(r.calls, recordedCall{method: method, groupSlug: groupSlug})
}

func newTestNotifier() (*Notifier, *recordingSender) {
	n := NewNotifier(logger.New(logger.Config{Level: slog.LevelError}))
	s := &recordingSender{}
	n.Register(s)
	return n, s
}

func TestBroadcastWhenNoGroup(t *testing.T) {
	n, s := newTestNotifier()

	n.StreamChanged("t1", true, "")

	if len(s.calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(s.calls))
	}
	if !s.calls[0].broadcast || s.calls[0].method != MethodStreamChanged {
		t.Errorf("unexpected call: %+v", s.calls[0])
	}
}

func TestGroupScopedNeverBroadcasts(t *testing.T) {
	n, s := newTestNotifier()

	n.TopicChanged("created", "t1", "a1", "team-a")

	if len(s.calls) != 1 {
		t.Fatalf("got %d calls, want 1 (must not fan out twice)", len(s.calls))
	}
	call := s.calls[0]
	if call.broadcast {
		t.Error("group-scoped notification must not use SendAll")
	}
	if call.groupSlug != "team-a" || call.method != MethodTopicChanged {
		t.Errorf("unexpected call: %+v", call)
	}
}

func TestAllRegisteredSendersReceive(t *testing.T) {
	n, first := newTestNotifier()
	second := &recordingSender{}
	n.Register(second)

	n.ApprovalResolved("t1", "abcd1234", streaming.Approved, "")

	if len(first.calls) != 1 || len(second.calls) != 1 {
		t.Errorf("calls: first=%d second=%d, want 1 each", len(first.calls), len(second.calls))
	}
}
