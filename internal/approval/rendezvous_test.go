package approval

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dethon/relay/internal/logger"
	"github.com/dethon/relay/internal/notify"
	"github.com/dethon/relay/internal/streaming"
)

type countingSender struct {
	mu       sync.Mutex
	resolved int
	messages int
}

func (c *countingSender) SendAll(method string, payload interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch method {
	case notify.MethodApprovalResolved:
		c.resolved++
	case notify.MethodNewMessage:
		c.messages++
	}
}

func (c *countingSender) SendToGroup(groupSlug, method string, payload interface{}) {
	c.SendAll(method, payload)
}

func newTestRendezvous(timeout time.Duration) (*Rendezvous, *streaming.Broker, *countingSender) {
	log := logger.New(logger.Config{Level: slog.LevelError})
	broker := streaming.NewBroker(streaming.DefaultOptions(), log)
	sender := &countingSender{}
	notifier := notify.NewNotifier(log)
	notifier.Register(sender)
	return NewRendezvous(broker, notifier, nil, timeout, log), broker, sender
}

// waitPending polls until the topic has a pending approval, returning its id.
func waitPending(t *testing.T, r *Rendezvous, topicID string) string {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if req := r.GetPendingForTopic(topicID); req != nil {
			return req.ApprovalID
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no pending approval appeared")
	return ""
}

func execRequest() []streaming.ToolCall {
	return []streaming.ToolCall{{
		Name:      "exec",
		Arguments: map[string]interface{}{"cmd": "ls"},
	}}
}

func TestApproveFlow(t *testing.T) {
	r, broker, sender := newTestRendezvous(time.Minute)
	broker.CreateStream("t1", "hi", "alice")

	resultCh := make(chan streaming.ApprovalResult, 1)
	go func() {
		resultCh <- r.RequestApproval(context.Background(), "t1", execRequest())
	}()

	id := waitPending(t, r, "t1")
	if len(id) != 8 {
		t.Errorf("approval id %q, want 8 hex chars", id)
	}

	// The prompt frame is visible in the stream buffer.
	snap := broker.GetStreamState("t1")
	if snap == nil || len(snap.BufferedMessages) != 1 || snap.BufferedMessages[0].ApprovalRequest == nil {
		t.Error("expected an ApprovalRequest frame in the stream")
	}

	if !r.Respond(id, streaming.Approved) {
		t.Fatal("Respond on pending id should return true")
	}

	select {
	case result := <-resultCh:
		if result != streaming.Approved {
			t.Errorf("result %q, want approved", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}

	sender.mu.Lock()
	resolved := sender.resolved
	sender.mu.Unlock()
	if resolved != 1 {
		t.Errorf("ApprovalResolved fired %d times, want 1", resolved)
	}
}

func TestRespondUnknownID(t *testing.T) {
	r, _, _ := newTestRendezvous(time.Minute)

	if r.Respond("deadbeef", streaming.Approved) {
		t.Error("Respond on unknown id should return false")
	}
}

func TestIdempotentResolution(t *testing.T) {
	r, _, _ := newTestRendezvous(time.Minute)

	// Register a pending entry with no waiter attached, so both responses
	// land before anything removes it.
	p := &pendingApproval{
		id:      "cafe1234",
		topicID: "t1",
		request: streaming.ApprovalRequest{ApprovalID: "cafe1234", ToolName: "exec"},
		result:  make(chan streaming.ApprovalResult, 1),
	}
	r.mu.Lock()
	r.pending[p.id] = p
	r.byTopic["t1"] = map[string]*pendingApproval{p.id: p}
	r.mu.Unlock()

	// Two responders race: the first result sticks, both calls succeed.
	if !r.Respond(p.id, streaming.Approved) {
		t.Error("first Respond should return true")
	}
	if !r.Respond(p.id, streaming.Rejected) {
		t.Error("second Respond should be an idempotent true")
	}

	select {
	case result := <-p.result:
		if result != streaming.Approved {
			t.Errorf("slot resolved with %q, want first result approved", result)
		}
	default:
		t.Fatal("result slot was never filled")
	}

	select {
	case extra := <-p.result:
		t.Errorf("slot filled twice, second value %q", extra)
	default:
	}
}

func TestTimeoutRejects(t *testing.T) {
	r, broker, sender := newTestRendezvous(100 * time.Millisecond)
	broker.CreateStream("t1", "hi", "alice")

	result := r.RequestApproval(context.Background(), "t1", execRequest())
	if result != streaming.Rejected {
		t.Errorf("result %q, want rejected after timeout", result)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.messages == 0 {
		t.Error("expected a user-visible timeout message")
	}
	if sender.resolved != 1 {
		t.Errorf("ApprovalResolved fired %d times, want 1", sender.resolved)
	}
}

func TestContextCancelRejects(t *testing.T) {
	r, broker, _ := newTestRendezvous(time.Minute)
	broker.CreateStream("t1", "hi", "alice")

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan streaming.ApprovalResult, 1)
	go func() {
		resultCh <- r.RequestApproval(ctx, "t1", execRequest())
	}()

	waitPending(t, r, "t1")
	cancel()

	select {
	case result := <-resultCh:
		if result != streaming.Rejected {
			t.Errorf("result %q, want rejected on cancel", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestCancelForTopic(t *testing.T) {
	r, broker, _ := newTestRendezvous(time.Minute)
	broker.CreateStream("t1", "hi", "alice")

	resultCh := make(chan streaming.ApprovalResult, 1)
	go func() {
		resultCh <- r.RequestApproval(context.Background(), "t1", execRequest())
	}()

	waitPending(t, r, "t1")
	r.CancelForTopic("t1")

	select {
	case result := <-resultCh:
		if result != streaming.Rejected {
			t.Errorf("result %q, want rejected on session end", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}

	if r.PendingCount() != 0 {
		t.Errorf("pending count %d after cancel, want 0", r.PendingCount())
	}
}

func TestEntryRemovedAfterResolution(t *testing.T) {
	r, broker, _ := newTestRendezvous(time.Minute)
	broker.CreateStream("t1", "hi", "alice")

	resultCh := make(chan streaming.ApprovalResult, 1)
	go func() {
		resultCh <- r.RequestApproval(context.Background(), "t1", execRequest())
	}()

	id := waitPending(t, r, "t1")
	if !r.IsApprovalPending(id) {
		t.Error("approval should be pending before response")
	}

	r.Respond(id, streaming.Approved)
	<-resultCh

	if r.IsApprovalPending(id) {
		t.Error("approval should be removed after the waiter exits")
	}
	if r.Respond(id, streaming.Approved) {
		t.Error("Respond after removal should return false")
	}
}

func TestNotifyAutoApproved(t *testing.T) {
	r, broker, _ := newTestRendezvous(time.Minute)
	broker.CreateStream("t1", "hi", "alice")

	result := r.NotifyAutoApproved(context.Background(), "t1", execRequest())
	if result != streaming.AutoApproved {
		t.Errorf("result %q, want auto_approved", result)
	}

	if r.PendingCount() != 0 {
		t.Error("auto-approval must not create a pending entry")
	}

	snap := broker.GetStreamState("t1")
	if snap == nil || len(snap.BufferedMessages) != 1 || len(snap.BufferedMessages[0].ToolCalls) != 1 {
		t.Error("expected an informational tool-calls frame")
	}
}
