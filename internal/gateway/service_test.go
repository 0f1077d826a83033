package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dethon/relay/internal/agent"
	"github.com/dethon/relay/internal/approval"
	"github.com/dethon/relay/internal/config"
	apperrors "github.com/dethon/relay/internal/errors"
	"github.com/dethon/relay/internal/history"
	"github.com/dethon/relay/internal/ingress"
	"github.com/dethon/relay/internal/logger"
	"github.com/dethon/relay/internal/notify"
	"github.com/dethon/relay/internal/session"
	"github.com/dethon/relay/internal/streaming"
)

type fakeModel struct {
	events []agent.ModelEvent
	block  bool
}

func (m *fakeModel) Stream(ctx context.Context, req agent.TurnRequest) (<-chan agent.ModelEvent, error) {
	ch := make(chan agent.ModelEvent)
	go func() {
		defer close(ch)
		if m.block {
			<-ctx.Done()
			ch <- agent.ModelEvent{Err: ctx.Err()}
			return
		}
		for _, ev := range m.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

type testGateway struct {
	svc      *Service
	store    *history.MemoryStore
	notifier *notify.Notifier
	cleanup  func()
}

func newTestGateway(t *testing.T, model agent.Model) *testGateway {
	t.Helper()

	log := logger.New(logger.Config{Level: slog.LevelError})
	broker := streaming.NewBroker(streaming.Options{GracePeriod: 50 * time.Millisecond}, log)
	notifier := notify.NewNotifier(log)
	store := history.NewMemoryStore()
	queue := ingress.NewQueue(log)

	agents := agent.NewRegistry([]config.AgentConfig{{
		ID:          "helper",
		Name:        "Helper",
		Model:       "test-model",
		AutoApprove: []string{"read_file"},
	}})
	sessions := session.NewRegistry(agents.Validate, log)

	var svc *Service
	groupFn := func(topicID string) string { return svc.GroupSlug(topicID) }

	approvals := approval.NewRendezvous(broker, notifier, groupFn, 500*time.Millisecond, log)
	svc = New(sessions, agents, broker, approvals, queue, notifier, store, nil, log)

	worker := agent.NewWorker(queue, broker, approvals, agents, model, store, notifier, groupFn, log)
	ctx, cancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(workerDone)
	}()

	return &testGateway{
		svc:      svc,
		store:    store,
		notifier: notifier,
		cleanup: func() {
			cancel()
			queue.Close()
			select {
			case <-workerDone:
			case <-time.After(2 * time.Second):
				t.Error("worker did not stop")
			}
		},
	}
}

func drain(t *testing.T, ch <-chan streaming.StreamMessage) []streaming.StreamMessage {
	t.Helper()

	var got []streaming.StreamMessage
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, msg)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for stream to close")
		}
	}
}

func TestSendMessageEndToEnd(t *testing.T) {
	g := newTestGateway(t, &fakeModel{events: []agent.ModelEvent{
		{Content: "Hello "},
		{Content: "world"},
	}})
	defer g.cleanup()

	if err := g.svc.StartSession("topic-1", "helper", 7, 0, ""); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	ch, isNew, err := g.svc.SendMessage(context.Background(), "topic-1", "hi", "alice", "")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if !isNew {
		t.Error("expected a fresh stream")
	}

	frames := drain(t, ch)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if !frames[1].IsComplete || frames[1].Content != "world" {
		t.Errorf("unexpected terminal frame: %+v", frames[1])
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs, err := g.svc.GetHistory(context.Background(), "topic-1")
		if err != nil {
			t.Fatalf("GetHistory failed: %v", err)
		}
		if len(msgs) == 2 {
			if msgs[1].Content != "Hello world" {
				t.Errorf("unexpected assistant content %q", msgs[1].Content)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("history never persisted, have %d messages", len(msgs))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendMessageWithoutSession(t *testing.T) {
	g := newTestGateway(t, &fakeModel{})
	defer g.cleanup()

	_, _, err := g.svc.SendMessage(context.Background(), "nope", "hi", "alice", "")
	if !errors.Is(err, apperrors.ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
}

func TestStartSessionUnknownAgent(t *testing.T) {
	g := newTestGateway(t, &fakeModel{})
	defer g.cleanup()

	err := g.svc.StartSession("topic-1", "missing", 7, 0, "")
	if !errors.Is(err, apperrors.ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestResumeStreamFiltersWatermark(t *testing.T) {
	g := newTestGateway(t, &fakeModel{block: true})
	defer g.cleanup()

	if err := g.svc.StartSession("topic-1", "helper", 7, 0, ""); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, _, err := g.svc.SendMessage(context.Background(), "topic-1", "hi", "alice", ""); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	// Simulate frames the first connection already saw.
	for i := 0; i < 4; i++ {
		g.svc.broker.WriteMessage(context.Background(), "topic-1", streaming.StreamMessage{Content: "x"})
	}

	res := g.svc.ResumeStream(context.Background(), "topic-1", 2)
	if res == nil {
		t.Fatal("expected resume state")
	}
	if !res.IsProcessing {
		t.Error("expected a live stream")
	}
	if res.LastSequence != 4 {
		t.Errorf("expected last sequence 4, got %d", res.LastSequence)
	}
	if len(res.Buffered) != 2 {
		t.Fatalf("expected 2 frames above watermark, got %d", len(res.Buffered))
	}
	if res.Buffered[0].SequenceNumber != 3 || res.Buffered[1].SequenceNumber != 4 {
		t.Errorf("unexpected buffered sequences %d,%d",
			res.Buffered[0].SequenceNumber, res.Buffered[1].SequenceNumber)
	}
	if res.Live == nil {
		t.Error("expected a live tail subscription")
	}

	g.svc.CancelTopic(context.Background(), "topic-1", "alice")
}

func TestResumeStreamAbsent(t *testing.T) {
	g := newTestGateway(t, &fakeModel{})
	defer g.cleanup()

	if res := g.svc.ResumeStream(context.Background(), "ghost", 0); res != nil {
		t.Errorf("expected nil resume state, got %+v", res)
	}
}

func TestCancelTopicStopsStream(t *testing.T) {
	g := newTestGateway(t, &fakeModel{block: true})
	defer g.cleanup()

	if err := g.svc.StartSession("topic-1", "helper", 7, 0, ""); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	ch, _, err := g.svc.SendMessage(context.Background(), "topic-1", "hi", "alice", "")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if !g.svc.CancelTopic(context.Background(), "topic-1", "alice") {
		t.Fatal("expected cancel to find the stream")
	}
	if g.svc.IsProcessing("topic-1") {
		t.Error("stream should be gone after cancel")
	}

	// The subscriber's channel must close promptly.
	drain(t, ch)

	if g.svc.CancelTopic(context.Background(), "topic-1", "alice") {
		t.Error("second cancel should find nothing")
	}
}

func TestEndSessionTearsEverythingDown(t *testing.T) {
	g := newTestGateway(t, &fakeModel{block: true})
	defer g.cleanup()

	if err := g.svc.StartSession("topic-1", "helper", 7, 0, ""); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, _, err := g.svc.SendMessage(context.Background(), "topic-1", "hi", "alice", ""); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	sess, ok := g.svc.EndSession("topic-1")
	if !ok {
		t.Fatal("expected the session to exist")
	}
	if sess.AgentID != "helper" || sess.ChatID != 7 {
		t.Errorf("unexpected session returned: %+v", sess)
	}

	if _, ok := g.svc.GetSession("topic-1"); ok {
		t.Error("session should be removed")
	}
	if g.svc.GetStreamState("topic-1") != nil {
		t.Error("stream state should be removed")
	}
	if _, ok := g.svc.EndSession("topic-1"); ok {
		t.Error("second EndSession should find nothing")
	}
}

func TestRespondApprovalUnknown(t *testing.T) {
	g := newTestGateway(t, &fakeModel{})
	defer g.cleanup()

	err := g.svc.RespondApproval("deadbeef", streaming.Approved)
	if !errors.Is(err, apperrors.ErrUnknownApproval) {
		t.Errorf("expected ErrUnknownApproval, got %v", err)
	}
}

func TestApprovalRoundTripThroughGateway(t *testing.T) {
	g := newTestGateway(t, &fakeModel{events: []agent.ModelEvent{
		{ToolCalls: []streaming.ToolCall{{Name: "delete_file"}}},
		{Content: "done"},
	}})
	defer g.cleanup()

	if err := g.svc.StartSession("topic-1", "helper", 7, 0, ""); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	ch, _, err := g.svc.SendMessage(context.Background(), "topic-1", "run it", "alice", "")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if req := g.svc.GetPendingApproval("topic-1"); req != nil {
				if err := g.svc.RespondApproval(req.ApprovalID, streaming.Approved); err != nil {
					t.Errorf("RespondApproval failed: %v", err)
				}
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	frames := drain(t, ch)

	var sawRequest bool
	for _, f := range frames {
		if f.ApprovalRequest != nil {
			sawRequest = true
		}
	}
	if !sawRequest {
		t.Error("expected an approval request frame")
	}
	last := frames[len(frames)-1]
	if last.Content != "done" || !last.IsComplete {
		t.Errorf("expected the turn to finish after approval, got %+v", last)
	}
	if g.svc.GetPendingApproval("topic-1") != nil {
		t.Error("approval should be cleared after resolution")
	}
}

func TestDeleteTopicRemovesHistory(t *testing.T) {
	g := newTestGateway(t, &fakeModel{events: []agent.ModelEvent{{Content: "reply"}}})
	defer g.cleanup()

	if err := g.svc.StartSession("topic-1", "helper", 7, 0, ""); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	ch, _, err := g.svc.SendMessage(context.Background(), "topic-1", "hi", "alice", "")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	drain(t, ch)

	if err := g.svc.SaveTopic(context.Background(), history.Topic{
		TopicID: "topic-1", AgentID: "helper", ChatID: 7, Name: "greetings",
	}); err != nil {
		t.Fatalf("SaveTopic failed: %v", err)
	}

	topics, err := g.svc.GetAllTopics(context.Background(), "helper", "")
	if err != nil || len(topics) != 1 {
		t.Fatalf("expected 1 topic, got %d (err %v)", len(topics), err)
	}

	if err := g.svc.DeleteTopic(context.Background(), "helper", 7, 0, "topic-1"); err != nil {
		t.Fatalf("DeleteTopic failed: %v", err)
	}

	topics, _ = g.svc.GetAllTopics(context.Background(), "helper", "")
	if len(topics) != 0 {
		t.Errorf("expected no topics after delete, got %d", len(topics))
	}
	msgs, _ := g.store.GetMessages(context.Background(), history.Key("helper", 7, 0))
	if len(msgs) != 0 {
		t.Errorf("expected history removed, got %d messages", len(msgs))
	}
}

type recordingSender struct {
	mu      sync.Mutex
	all     []string
	grouped []string
}

func (r *recordingSender) SendAll(method string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, method)
}

func (r *recordingSender) SendToGroup(groupSlug, method string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grouped = append(r.grouped, groupSlug+"/"+method)
}

func (r *recordingSender) snapshot() (all, grouped []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.all...), append([]string(nil), r.grouped...)
}

func TestGroupScopedNotifications(t *testing.T) {
	g := newTestGateway(t, &fakeModel{events: []agent.ModelEvent{{Content: "reply"}}})
	defer g.cleanup()

	rec := &recordingSender{}
	g.notifier.Register(rec)

	if err := g.svc.StartSession("topic-1", "helper", 7, 0, "team-a"); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	ch, _, err := g.svc.SendMessage(context.Background(), "topic-1", "hi", "alice", "")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	drain(t, ch)

	// Wait for the post-stream notifications to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, grouped := rec.snapshot()
		if len(grouped) >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected group notifications, got %v", grouped)
		}
		time.Sleep(5 * time.Millisecond)
	}

	all, grouped := rec.snapshot()
	for _, m := range all {
		t.Errorf("group-scoped topic must never broadcast, saw SendAll(%s)", m)
	}
	for _, gm := range grouped {
		if gm[:7] != "team-a/" {
			t.Errorf("notification sent to wrong group: %s", gm)
		}
	}
}

func TestJanitorEndsIdleSessions(t *testing.T) {
	g := newTestGateway(t, &fakeModel{})
	defer g.cleanup()

	log := logger.New(logger.Config{Level: slog.LevelError})
	j := NewJanitor(g.svc, time.Nanosecond, log)

	if err := g.svc.StartSession("topic-1", "helper", 7, 0, ""); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	j.sweep()

	if _, ok := g.svc.GetSession("topic-1"); ok {
		t.Error("idle session should be ended by the sweep")
	}
}
