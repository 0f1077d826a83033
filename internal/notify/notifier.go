package notify

import (
	"log/slog"
	"sync"

	"github.com/dethon/relay/internal/logger"
	"github.com/dethon/relay/internal/streaming"
)

// Outbound notification method names, shared by every transport.
const (
	MethodTopicChanged     = "OnTopicChanged"
	MethodStreamChanged    = "OnStreamChanged"
	MethodNewMessage       = "OnNewMessage"
	MethodApprovalResolved = "OnApprovalResolved"
	MethodToolCalls        = "OnToolCalls"
	MethodUserMessage      = "OnUserMessage"
)

// Sender is the primitive fan-out surface a transport provides.
type Sender interface {
	// SendAll broadcasts to every connected client of the transport.
	SendAll(method string, payload interface{})
	// SendToGroup broadcasts only to clients in the named group.
	SendToGroup(groupSlug, method string, payload interface{})
}

// TopicChangedEvent announces topic lifecycle changes (created, saved, deleted).
type TopicChangedEvent struct {
	Kind      string `json:"kind"`
	TopicID   string `json:"topic_id"`
	AgentID   string `json:"agent_id,omitempty"`
	GroupSlug string `json:"group_slug,omitempty"`
}

// StreamChangedEvent announces processing-state transitions for a topic.
type StreamChangedEvent struct {
	TopicID      string `json:"topic_id"`
	IsProcessing bool   `json:"is_processing"`
	GroupSlug    string `json:"group_slug,omitempty"`
}

// NewMessageEvent announces a completed assistant message.
type NewMessageEvent struct {
	TopicID   string `json:"topic_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	GroupSlug string `json:"group_slug,omitempty"`
}

// ApprovalResolvedEvent announces the outcome of a tool approval.
type ApprovalResolvedEvent struct {
	TopicID    string                   `json:"topic_id"`
	ApprovalID string                   `json:"approval_id"`
	Result     streaming.ApprovalResult `json:"result"`
	GroupSlug  string                   `json:"group_slug,omitempty"`
}

// ToolCallsEvent announces tool invocations an agent is performing.
type ToolCallsEvent struct {
	TopicID   string               `json:"topic_id"`
	ToolCalls []streaming.ToolCall `json:"tool_calls"`
	GroupSlug string               `json:"group_slug,omitempty"`
}

// UserMessageEvent echoes a user's prompt to other observers of the topic.
type UserMessageEvent struct {
	TopicID   string `json:"topic_id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	GroupSlug string `json:"group_slug,omitempty"`
}

// Notifier wraps transport senders as typed helpers, one per notification
// kind. A notification carrying a GroupSlug goes through SendToGroup and is
// never also broadcast; no notification fans out twice.
type Notifier struct {
	mu      sync.RWMutex
	senders []Sender
	logger  *logger.Logger
}

// NewNotifier creates a notifier with no attached transports.
func NewNotifier(log *logger.Logger) *Notifier {
	return &Notifier{
		logger: log.WithComponent("notifier"),
	}
}

// Register attaches a transport's sender. Every registered transport
// receives every notification.
func (n *Notifier) Register(s Sender) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.senders = append(n.senders, s)
}

func (n *Notifier) dispatch(groupSlug, method string, payload interface{}) {
	n.mu.RLock()
	senders := make([]Sender, len(n.senders))
	copy(senders, n.senders)
	n.mu.RUnlock()

	for _, s := range senders {
		if groupSlug != "" {
			s.SendToGroup(groupSlug, method, payload)
		} else {
			s.SendAll(method, payload)
		}
	}

	n.logger.Debug("notification dispatched",
		slog.String("method", method),
		slog.String("group_slug", groupSlug))
}

// TopicChanged announces a topic lifecycle change.
func (n *Notifier) TopicChanged(kind, topicID, agentID, groupSlug string) {
	n.dispatch(groupSlug, MethodTopicChanged, TopicChangedEvent{
		Kind:      kind,
		TopicID:   topicID,
		AgentID:   agentID,
		GroupSlug: groupSlug,
	})
}

// StreamChanged announces a processing-state transition.
func (n *Notifier) StreamChanged(topicID string, isProcessing bool, groupSlug string) {
	n.dispatch(groupSlug, MethodStreamChanged, StreamChangedEvent{
		TopicID:      topicID,
		IsProcessing: isProcessing,
		GroupSlug:    groupSlug,
	})
}

// NewMessage announces a completed message on a topic.
func (n *Notifier) NewMessage(topicID, role, content, groupSlug string) {
	n.dispatch(groupSlug, MethodNewMessage, NewMessageEvent{
		TopicID:   topicID,
		Role:      role,
		Content:   content,
		GroupSlug: groupSlug,
	})
}

// ApprovalResolved announces the outcome of a tool approval.
func (n *Notifier) ApprovalResolved(topicID, approvalID string, result streaming.ApprovalResult, groupSlug string) {
	n.dispatch(groupSlug, MethodApprovalResolved, ApprovalResolvedEvent{
		TopicID:    topicID,
		ApprovalID: approvalID,
		Result:     result,
		GroupSlug:  groupSlug,
	})
}

// ToolCalls announces tool invocations on a topic.
func (n *Notifier) ToolCalls(topicID string, calls []streaming.ToolCall, groupSlug string) {
	n.dispatch(groupSlug, MethodToolCalls, ToolCallsEvent{
		TopicID:   topicID,
		ToolCalls: calls,
		GroupSlug: groupSlug,
	})
}

// UserMessage echoes a user's prompt to topic observers.
func (n *Notifier) UserMessage(topicID, sender, text, groupSlug string) {
	n.dispatch(groupSlug, MethodUserMessage, UserMessageEvent{
		TopicID:   topicID,
		Sender:    sender,
		Text:      text,
		GroupSlug: groupSlug,
	})
}
