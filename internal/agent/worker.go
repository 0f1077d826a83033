package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/dethon/relay/internal/approval"
	"github.com/dethon/relay/internal/history"
	"github.com/dethon/relay/internal/ingress"
	"github.com/dethon/relay/internal/logger"
	"github.com/dethon/relay/internal/notify"
	"github.com/dethon/relay/internal/streaming"
)

// Worker is the single consumer of the prompt ingress. Each prompt becomes
// one agent turn running in its own goroutine; the turn streams frames into
// the topic's broker stream and persists the exchange when done.
type Worker struct {
	queue     *ingress.Queue
	broker    *streaming.Broker
	approvals *approval.Rendezvous
	registry  *Registry
	model     Model
	store     history.Store
	notifier  *notify.Notifier
	groupSlug func(topicID string) string
	logger    *logger.Logger

	wg sync.WaitGroup
}

// NewWorker wires the agent dispatch loop. groupSlug may be nil.
func NewWorker(
	queue *ingress.Queue,
	broker *streaming.Broker,
	approvals *approval.Rendezvous,
	registry *Registry,
	model Model,
	store history.Store,
	notifier *notify.Notifier,
	groupSlug func(topicID string) string,
	log *logger.Logger,
) *Worker {
	if groupSlug == nil {
		groupSlug = func(string) string { return "" }
	}
	return &Worker{
		queue:     queue,
		broker:    broker,
		approvals: approvals,
		registry:  registry,
		model:     model,
		store:     store,
		notifier:  notifier,
		groupSlug: groupSlug,
		logger:    log.WithComponent("agent-worker"),
	}
}

// Run consumes prompts until ctx is cancelled or the queue closes.
// Blocks; callers run it in a goroutine. In-flight turns are awaited.
func (w *Worker) Run(ctx context.Context) {
	for prompt := range w.queue.ReadPrompts(ctx) {
		w.wg.Add(1)
		go func(p ingress.Prompt) {
			defer w.wg.Done()
			w.runTurn(ctx, p)
		}(prompt)
	}
	w.wg.Wait()
}

// emit routes every frame through the pending-writes protocol: increment
// before the write, decrement after, complete when the gate opens.
func (w *Worker) emit(ctx context.Context, topicID string, msg streaming.StreamMessage) {
	if !w.broker.TryIncrementPending(topicID) {
		return
	}
	w.broker.WriteMessage(ctx, topicID, msg)
	if w.broker.DecrementPendingAndCheckComplete(topicID) {
		w.broker.CompleteStream(topicID)
	}
}

func (w *Worker) runTurn(ctx context.Context, p ingress.Prompt) {
	log := w.logger.With(
		slog.String("topic_id", p.TopicID),
		slog.String("agent_id", p.AgentID),
		slog.Int64("message_id", p.MessageID))

	group := w.groupSlug(p.TopicID)

	turnCtx, cancel := w.linkTopicContext(ctx, p.TopicID)
	defer cancel()

	desc, ok := w.registry.Get(p.AgentID)
	if !ok {
		log.Warn("prompt for unknown agent")
		w.emit(turnCtx, p.TopicID, streaming.StreamMessage{
			Error:      "unknown agent: " + p.AgentID,
			IsComplete: true,
		})
		return
	}

	w.notifier.UserMessage(p.TopicID, p.Sender, p.Text, group)
	w.notifier.StreamChanged(p.TopicID, true, group)

	key := history.Key(p.AgentID, p.ChatID, p.ThreadID)

	// History read failures degrade to an empty context.
	past, err := w.store.GetMessages(turnCtx, key)
	if err != nil {
		log.Warn("history read failed, continuing without context",
			slog.String("error", err.Error()))
		past = nil
	}

	events, err := w.model.Stream(turnCtx, TurnRequest{
		Model:        desc.Model,
		SystemPrompt: desc.SystemPrompt(),
		History:      past,
		Prompt:       p.Text,
	})
	if err != nil {
		log.Error("model call failed", slog.String("error", err.Error()))
		w.emit(turnCtx, p.TopicID, streaming.StreamMessage{
			Error:      err.Error(),
			IsComplete: true,
		})
		w.notifier.StreamChanged(p.TopicID, false, group)
		return
	}

	var content strings.Builder
	var index int64

	// One event of lookahead so the last delta can carry IsComplete.
	var held *streaming.StreamMessage
	flush := func(final bool) {
		if held == nil {
			if !final {
				return
			}
			held = &streaming.StreamMessage{}
		}
		held.IsComplete = final
		w.emit(turnCtx, p.TopicID, *held)
		held = nil
	}

	failed := false
	for ev := range events {
		if ev.Err != nil {
			flush(false)
			if errors.Is(ev.Err, context.Canceled) {
				// Graceful end: the broker already tore the stream down,
				// a frame here is a silent no-op.
				w.emit(turnCtx, p.TopicID, streaming.StreamMessage{
					Error:      "cancelled",
					IsComplete: true,
				})
			} else {
				log.Error("turn failed", slog.String("error", ev.Err.Error()))
				w.emit(turnCtx, p.TopicID, streaming.StreamMessage{
					Error:      ev.Err.Error(),
					IsComplete: true,
				})
			}
			failed = true
			break
		}

		if len(ev.ToolCalls) > 0 {
			flush(false)
			w.handleToolCalls(turnCtx, p.TopicID, desc, ev.ToolCalls, group)
			continue
		}

		flush(false)
		index++
		held = &streaming.StreamMessage{
			Content:      ev.Content,
			Reasoning:    ev.Reasoning,
			MessageIndex: index,
		}
		content.WriteString(ev.Content)
	}

	if !failed {
		flush(true)
	}

	w.notifier.StreamChanged(p.TopicID, false, group)

	if !failed {
		w.persistTurn(ctx, p, key, content.String(), group, log)
	}
}

// handleToolCalls splits the batch into auto-approved and ask-first calls
// and blocks on the rendezvous for the latter.
func (w *Worker) handleToolCalls(ctx context.Context, topicID string, desc Descriptor, calls []streaming.ToolCall, group string) {
	var auto, ask []streaming.ToolCall
	for _, call := range calls {
		if desc.IsAutoApproved(call.Name) {
			auto = append(auto, call)
		} else {
			ask = append(ask, call)
		}
	}

	if len(auto) > 0 {
		w.approvals.NotifyAutoApproved(ctx, topicID, auto)
	}

	if len(ask) > 0 {
		result := w.approvals.RequestApproval(ctx, topicID, ask)
		if result == streaming.Rejected {
			w.emit(ctx, topicID, streaming.StreamMessage{
				UserMessage: "Tool call was not approved: " + ask[0].Name,
			})
		} else {
			w.notifier.ToolCalls(topicID, ask, group)
		}
	}
}

// persistTurn appends the user/assistant exchange. Write failures are
// surfaced to the user, unlike read failures.
func (w *Worker) persistTurn(ctx context.Context, p ingress.Prompt, key, assistantContent, group string, log *slog.Logger) {
	msgs := []history.Message{
		{MessageID: p.MessageID, Role: "user", Content: p.Text, SenderID: p.Sender},
	}
	if assistantContent != "" {
		msgs = append(msgs, history.Message{
			MessageID: p.MessageID + 1,
			Role:      "assistant",
			Content:   assistantContent,
			SenderID:  p.AgentID,
		})
		w.notifier.NewMessage(p.TopicID, "assistant", assistantContent, group)
	}

	if err := w.store.AddMessages(ctx, key, msgs); err != nil {
		log.Error("history write failed", slog.String("error", err.Error()))
		w.notifier.NewMessage(p.TopicID, "system",
			"Failed to save conversation history: "+err.Error(), group)
	}
}

// linkTopicContext returns a context cancelled when either the worker's
// root context or the topic's cancel token fires.
func (w *Worker) linkTopicContext(ctx context.Context, topicID string) (context.Context, context.CancelFunc) {
	topicCtx, ok := w.broker.Context(topicID)
	if !ok {
		return context.WithCancel(ctx)
	}

	linked, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-topicCtx.Done():
			cancel()
		case <-linked.Done():
		}
	}()
	return linked, cancel
}
