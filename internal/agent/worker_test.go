package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/dethon/relay/internal/approval"
	"github.com/dethon/relay/internal/config"
	"github.com/dethon/relay/internal/history"
	"github.com/dethon/relay/internal/ingress"
	"github.com/dethon/relay/internal/logger"
	"github.com/dethon/relay/internal/notify"
	"github.com/dethon/relay/internal/streaming"
)

// scriptedModel replays a fixed event sequence. With block set it waits for
// ctx instead, simulating a long-running turn.
type scriptedModel struct {
	events   []ModelEvent
	startErr error
	block    bool
}

func (m *scriptedModel) Stream(ctx context.Context, req TurnRequest) (<-chan ModelEvent, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	ch := make(chan ModelEvent)
	go func() {
		defer close(ch)
		if m.block {
			<-ctx.Done()
			ch <- ModelEvent{Err: ctx.Err()}
			return
		}
		for _, ev := range m.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				ch <- ModelEvent{Err: ctx.Err()}
				return
			}
		}
	}()
	return ch, nil
}

func newTestWorker(t *testing.T, model Model) (*Worker, *streaming.Broker, *approval.Rendezvous, *history.MemoryStore) {
	t.Helper()

	log := logger.New(logger.Config{Level: slog.LevelError})
	broker := streaming.NewBroker(streaming.Options{GracePeriod: 50 * time.Millisecond}, log)
	notifier := notify.NewNotifier(log)
	approvals := approval.NewRendezvous(broker, notifier, nil, 500*time.Millisecond, log)
	registry := NewRegistry([]config.AgentConfig{{
		ID:          "helper",
		Name:        "Helper",
		Model:       "test-model",
		AutoApprove: []string{"read_file"},
	}})
	store := history.NewMemoryStore()
	queue := ingress.NewQueue(log)

	w := NewWorker(queue, broker, approvals, registry, model, store, notifier, nil, log)
	return w, broker, approvals, store
}

func collectFrames(t *testing.T, ch <-chan streaming.StreamMessage) []streaming.StreamMessage {
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

func TestTurnStreamsAndPersists(t *testing.T) {
	model := &scriptedModel{events: []ModelEvent{
		{Content: "Hello "},
		{Content: "world"},
	}}
	w, broker, _, store := newTestWorker(t, model)

	broker.CreateStream("topic-1", "hi", "alice")
	ch, ok := broker.Subscribe(context.Background(), "topic-1")
	if !ok {
		t.Fatal("expected subscription")
	}

	done := make(chan []streaming.StreamMessage, 1)
	go func() { done <- collectFrames(t, ch) }()

	w.runTurn(context.Background(), ingress.Prompt{
		TopicID:   "topic-1",
		AgentID:   "helper",
		ChatID:    7,
		Text:      "hi",
		Sender:    "alice",
		MessageID: 1,
	})

	frames := <-done
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Content != "Hello " || frames[0].IsComplete {
		t.Errorf("unexpected first frame: %+v", frames[0])
	}
	if frames[1].Content != "world" || !frames[1].IsComplete {
		t.Errorf("expected terminal frame carrying the last delta, got %+v", frames[1])
	}
	if frames[0].SequenceNumber != 1 || frames[1].SequenceNumber != 2 {
		t.Errorf("expected sequences 1,2, got %d,%d",
			frames[0].SequenceNumber, frames[1].SequenceNumber)
	}

	msgs, err := store.GetMessages(context.Background(), history.Key("helper", 7, 0))
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 history messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hi" {
		t.Errorf("unexpected user message: %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "Hello world" {
		t.Errorf("unexpected assistant message: %+v", msgs[1])
	}
}

func TestModelErrorBecomesTerminalFrame(t *testing.T) {
	model := &scriptedModel{events: []ModelEvent{
		{Content: "part"},
		{Err: errors.New("boom")},
	}}
	w, broker, _, store := newTestWorker(t, model)

	broker.CreateStream("topic-1", "hi", "alice")
	ch, _ := broker.Subscribe(context.Background(), "topic-1")

	done := make(chan []streaming.StreamMessage, 1)
	go func() { done <- collectFrames(t, ch) }()

	w.runTurn(context.Background(), ingress.Prompt{
		TopicID: "topic-1", AgentID: "helper", ChatID: 7, Text: "hi", Sender: "alice", MessageID: 1,
	})

	frames := <-done
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	last := frames[len(frames)-1]
	if last.Error != "boom" || !last.IsComplete {
		t.Errorf("expected terminal error frame, got %+v", last)
	}

	msgs, _ := store.GetMessages(context.Background(), history.Key("helper", 7, 0))
	if len(msgs) != 0 {
		t.Errorf("failed turn should not be persisted, got %d messages", len(msgs))
	}
}

func TestUnknownAgentRejected(t *testing.T) {
	w, broker, _, _ := newTestWorker(t, &scriptedModel{})

	broker.CreateStream("topic-1", "hi", "alice")
	ch, _ := broker.Subscribe(context.Background(), "topic-1")

	done := make(chan []streaming.StreamMessage, 1)
	go func() { done <- collectFrames(t, ch) }()

	w.runTurn(context.Background(), ingress.Prompt{
		TopicID: "topic-1", AgentID: "nope", Text: "hi", Sender: "alice", MessageID: 1,
	})

	frames := <-done
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if !strings.Contains(frames[0].Error, "unknown agent") || !frames[0].IsComplete {
		t.Errorf("expected terminal unknown-agent frame, got %+v", frames[0])
	}
}

func TestAutoApprovedToolCallSkipsRendezvous(t *testing.T) {
	model := &scriptedModel{events: []ModelEvent{
		{ToolCalls: []streaming.ToolCall{{Name: "read_file"}}},
		{Content: "done"},
	}}
	w, broker, approvals, _ := newTestWorker(t, model)

	broker.CreateStream("topic-1", "hi", "alice")
	ch, _ := broker.Subscribe(context.Background(), "topic-1")

	done := make(chan []streaming.StreamMessage, 1)
	go func() { done <- collectFrames(t, ch) }()

	w.runTurn(context.Background(), ingress.Prompt{
		TopicID: "topic-1", AgentID: "helper", Text: "hi", Sender: "alice", MessageID: 1,
	})

	frames := <-done
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if len(frames[0].ToolCalls) != 1 || frames[0].ApprovalRequest != nil {
		t.Errorf("expected informational tool-call frame, got %+v", frames[0])
	}
	if frames[1].Content != "done" || !frames[1].IsComplete {
		t.Errorf("unexpected terminal frame: %+v", frames[1])
	}
	if approvals.PendingCount() != 0 {
		t.Errorf("auto-approved tool must not create a pending approval")
	}
}

func TestRejectedToolCallSurfacesNotice(t *testing.T) {
	model := &scriptedModel{events: []ModelEvent{
		{ToolCalls: []streaming.ToolCall{{Name: "delete_file"}}},
		{Content: "ok"},
	}}
	w, broker, approvals, _ := newTestWorker(t, model)

	broker.CreateStream("topic-1", "hi", "alice")
	ch, _ := broker.Subscribe(context.Background(), "topic-1")

	done := make(chan []streaming.StreamMessage, 1)
	go func() { done <- collectFrames(t, ch) }()

	// Respond as the user once the request shows up.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if req := approvals.GetPendingForTopic("topic-1"); req != nil {
				approvals.Respond(req.ApprovalID, streaming.Rejected)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	w.runTurn(context.Background(), ingress.Prompt{
		TopicID: "topic-1", AgentID: "helper", Text: "hi", Sender: "alice", MessageID: 1,
	})

	frames := <-done

	var sawRequest, sawNotice bool
	for _, f := range frames {
		if f.ApprovalRequest != nil && f.ApprovalRequest.ToolName == "delete_file" {
			sawRequest = true
		}
		if strings.Contains(f.UserMessage, "not approved") {
			sawNotice = true
		}
	}
	if !sawRequest {
		t.Error("expected an approval request frame")
	}
	if !sawNotice {
		t.Error("expected a rejection notice frame")
	}
	last := frames[len(frames)-1]
	if last.Content != "ok" || !last.IsComplete {
		t.Errorf("turn should continue after rejection, got %+v", last)
	}
}

func TestCancelStreamUnblocksTurn(t *testing.T) {
	w, broker, _, _ := newTestWorker(t, &scriptedModel{block: true})

	broker.CreateStream("topic-1", "hi", "alice")

	done := make(chan struct{})
	go func() {
		w.runTurn(context.Background(), ingress.Prompt{
			TopicID: "topic-1", AgentID: "helper", Text: "hi", Sender: "alice", MessageID: 1,
		})
		close(done)
	}()

	// Let the turn reach the model before pulling the plug.
	time.Sleep(50 * time.Millisecond)
	broker.CancelStream("topic-1")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not unblock after cancel")
	}
}

func TestRunConsumesQueue(t *testing.T) {
	model := &scriptedModel{events: []ModelEvent{{Content: "reply"}}}
	w, broker, _, store := newTestWorker(t, model)

	broker.CreateStream("topic-1", "hi", "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finished := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(finished)
	}()

	w.queue.Enqueue(ingress.Prompt{
		TopicID: "topic-1", AgentID: "helper", ChatID: 7, Text: "hi", Sender: "alice",
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs, _ := store.GetMessages(context.Background(), history.Key("helper", 7, 0))
		if len(msgs) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("turn never persisted, have %d messages", len(msgs))
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after ctx cancel")
	}
}
