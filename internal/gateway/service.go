package gateway

import (
	"context"
	"log/slog"

	"github.com/dethon/relay/internal/agent"
	"github.com/dethon/relay/internal/approval"
	apperrors "github.com/dethon/relay/internal/errors"
	"github.com/dethon/relay/internal/history"
	"github.com/dethon/relay/internal/ingress"
	"github.com/dethon/relay/internal/logger"
	"github.com/dethon/relay/internal/notify"
	"github.com/dethon/relay/internal/session"
	"github.com/dethon/relay/internal/streaming"
)

// Service is the gateway core every transport talks to. It composes the
// session registry, prompt ingress, stream broker, approval rendezvous,
// notification fan-out and history store behind one transport-agnostic API.
type Service struct {
	sessions  *session.Registry
	agents    *agent.Registry
	broker    *streaming.Broker
	approvals *approval.Rendezvous
	queue     *ingress.Queue
	notifier  *notify.Notifier
	store     history.Store

	// distributed is nil when the gateway runs single-instance.
	distributed *streaming.DistributedCancelService

	logger *logger.Logger
}

// New composes the gateway core. distributed may be nil.
func New(
	sessions *session.Registry,
	agents *agent.Registry,
	broker *streaming.Broker,
	approvals *approval.Rendezvous,
	queue *ingress.Queue,
	notifier *notify.Notifier,
	store history.Store,
	distributed *streaming.DistributedCancelService,
	log *logger.Logger,
) *Service {
	return &Service{
		sessions:    sessions,
		agents:      agents,
		broker:      broker,
		approvals:   approvals,
		queue:       queue,
		notifier:    notifier,
		store:       store,
		distributed: distributed,
		logger:      log.WithComponent("gateway"),
	}
}

// GroupSlug resolves the notification scope of a topic. Empty means the
// topic has no session or the session is unscoped, so events broadcast.
func (s *Service) GroupSlug(topicID string) string {
	sess, ok := s.sessions.TryGetSession(topicID)
	if !ok {
		return ""
	}
	return sess.GroupSlug
}

// GetAgents lists the configured agents.
func (s *Service) GetAgents() []agent.Descriptor {
	return s.agents.List()
}

// StartSession binds a topic to an agent/chat/thread triple.
func (s *Service) StartSession(topicID, agentID string, chatID, threadID int64, groupSlug string) error {
	if !s.sessions.StartSession(topicID, agentID, chatID, threadID, groupSlug) {
		return apperrors.ErrUnknownAgent
	}
	s.notifier.TopicChanged("created", topicID, agentID, groupSlug)
	return nil
}

// GetSession returns the session bound to a topic.
func (s *Service) GetSession(topicID string) (session.Session, bool) {
	return s.sessions.TryGetSession(topicID)
}

// TopicIDByChatID resolves the chat → topic reverse index. Used by the
// Telegram transport, where the chat id arrives first.
func (s *Service) TopicIDByChatID(chatID int64) (string, bool) {
	return s.sessions.TopicIDByChatID(chatID)
}

// SendMessage enqueues a prompt on the topic's session and returns the live
// frame sequence for the caller to render. isNew=false means a stream was
// already in flight and the prompt queued behind it on the shared handle.
//
// The subscription is bound to ctx; the caller's disconnect releases it
// without affecting the stream or other subscribers.
func (s *Service) SendMessage(ctx context.Context, topicID, text, sender, correlationID string) (<-chan streaming.StreamMessage, bool, error) {
	sess, ok := s.sessions.TryGetSession(topicID)
	if !ok {
		return nil, false, apperrors.ErrUnknownSession
	}

	_, isNew := s.broker.CreateStream(topicID, text, sender)

	ch, ok := s.broker.Subscribe(ctx, topicID)
	if !ok {
		return nil, false, apperrors.ErrUnknownSession
	}

	s.queue.Enqueue(ingress.Prompt{
		TopicID:       topicID,
		AgentID:       sess.AgentID,
		ChatID:        sess.ChatID,
		ThreadID:      sess.ThreadID,
		Text:          text,
		Sender:        sender,
		CorrelationID: correlationID,
	})
	s.sessions.Touch(topicID)

	s.logger.Info("prompt accepted",
		slog.String("topic_id", topicID),
		slog.String("sender", sender),
		slog.Bool("new_stream", isNew))

	return ch, isNew, nil
}

// EnqueueMessage is the fire-and-forget variant of SendMessage: the prompt
// is accepted and streamed into the topic's broker stream, but no
// subscription is created for the caller.
func (s *Service) EnqueueMessage(topicID, text, sender, correlationID string) error {
	sess, ok := s.sessions.TryGetSession(topicID)
	if !ok {
		return apperrors.ErrUnknownSession
	}

	s.broker.CreateStream(topicID, text, sender)
	s.queue.Enqueue(ingress.Prompt{
		TopicID:       topicID,
		AgentID:       sess.AgentID,
		ChatID:        sess.ChatID,
		ThreadID:      sess.ThreadID,
		Text:          text,
		Sender:        sender,
		CorrelationID: correlationID,
	})
	s.sessions.Touch(topicID)
	return nil
}

// ResumeResult is everything a reconnecting client needs to continue a
// stream without duplicates or holes.
type ResumeResult struct {
	// Buffered holds the retained frames above the client's watermark.
	// If the watermark is below the oldest retained sequence the client
	// has a hole it can detect by comparing against Buffered[0].
	Buffered []streaming.StreamMessage
	// Live is the tail subscription, nil when the stream already completed.
	// Frames at or below LastSequence must be discarded by the client; the
	// broker does not deduplicate across the buffer/live seam.
	Live <-chan streaming.StreamMessage
	// PendingApproval is the oldest unresolved approval on the topic, so
	// the client can rebuild the decision UI.
	PendingApproval *streaming.ApprovalRequest
	IsProcessing    bool
	LastSequence    int64
}

// ResumeStream reattaches a client to a topic's stream after a disconnect.
// Returns nil when no stream state exists, live or in grace.
func (s *Service) ResumeStream(ctx context.Context, topicID string, afterSequence int64) *ResumeResult {
	snap := s.broker.GetStreamState(topicID)
	if snap == nil {
		return nil
	}

	res := &ResumeResult{
		PendingApproval: s.approvals.GetPendingForTopic(topicID),
		IsProcessing:    snap.IsProcessing,
		LastSequence:    snap.LastSequence,
	}

	for _, msg := range snap.BufferedMessages {
		if msg.SequenceNumber > afterSequence {
			res.Buffered = append(res.Buffered, msg)
		}
	}

	if snap.IsProcessing {
		if ch, ok := s.broker.Subscribe(ctx, topicID); ok {
			res.Live = ch
		}
	}

	s.sessions.Touch(topicID)
	return res
}

// CancelTopic stops the topic's in-flight stream. When the stream is not
// local and a distributed cancel service is configured, the request is
// relayed so the owning instance can act on it. Reports whether a stream
// was found anywhere.
func (s *Service) CancelTopic(ctx context.Context, topicID, userID string) bool {
	if s.broker.GetStreamState(topicID) != nil {
		s.approvals.CancelForTopic(topicID)
		s.broker.CancelStream(topicID)
		s.notifier.StreamChanged(topicID, false, s.GroupSlug(topicID))
		return true
	}

	if s.distributed != nil {
		resp, err := s.distributed.RequestCancel(ctx, topicID, userID)
		if err != nil {
			s.logger.Warn("distributed cancel failed",
				slog.String("topic_id", topicID),
				slog.String("error", err.Error()))
			return false
		}
		return resp.Found
	}

	return false
}

// EndSession tears the topic down: the session binding, any in-flight
// stream, and every pending approval. Returns the removed session.
func (s *Service) EndSession(topicID string) (session.Session, bool) {
	sess, ok := s.sessions.EndSession(topicID)
	if !ok {
		return session.Session{}, false
	}

	s.approvals.CancelForTopic(topicID)
	s.broker.CancelStream(topicID)
	s.notifier.TopicChanged("ended", topicID, sess.AgentID, sess.GroupSlug)

	return sess, true
}

// GetHistory returns the topic's persisted conversation, user and assistant
// turns only. Read failures degrade to an empty history.
func (s *Service) GetHistory(ctx context.Context, topicID string) ([]history.Message, error) {
	sess, ok := s.sessions.TryGetSession(topicID)
	if !ok {
		return nil, apperrors.ErrUnknownSession
	}
	return s.GetHistoryFor(ctx, sess.AgentID, sess.ChatID, sess.ThreadID)
}

// GetHistoryFor reads history by session triple instead of topic id, for
// transports that address conversations directly. Same role filter and
// degrade-to-empty semantics as GetHistory.
func (s *Service) GetHistoryFor(ctx context.Context, agentID string, chatID, threadID int64) ([]history.Message, error) {
	msgs, err := s.store.GetMessages(ctx, history.Key(agentID, chatID, threadID))
	if err != nil {
		s.logger.Warn("history read failed",
			slog.String("agent_id", agentID),
			slog.Int64("chat_id", chatID),
			slog.String("error", err.Error()))
		return nil, nil
	}

	out := make([]history.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "user" || m.Role == "assistant" {
			out = append(out, m)
		}
	}
	return out, nil
}

// SaveTopic persists topic metadata for transport sidebars.
func (s *Service) SaveTopic(ctx context.Context, topic history.Topic) error {
	if err := s.store.SaveTopic(ctx, topic); err != nil {
		return err
	}
	s.notifier.TopicChanged("saved", topic.TopicID, topic.AgentID, topic.GroupSlug)
	return nil
}

// DeleteTopic removes the topic's persisted history and metadata, ending
// the live session first if one exists.
func (s *Service) DeleteTopic(ctx context.Context, agentID string, chatID, threadID int64, topicID string) error {
	group := s.GroupSlug(topicID)
	s.EndSession(topicID)

	if err := s.store.Delete(ctx, history.Key(agentID, chatID, threadID)); err != nil {
		return err
	}
	if err := s.store.DeleteTopic(ctx, agentID, chatID, topicID); err != nil {
		return err
	}

	s.notifier.TopicChanged("deleted", topicID, agentID, group)
	return nil
}

// GetAllTopics lists persisted topics for an agent, optionally scoped to a
// group.
func (s *Service) GetAllTopics(ctx context.Context, agentID, groupSlug string) ([]history.Topic, error) {
	return s.store.GetAllTopics(ctx, agentID, groupSlug)
}

// IsProcessing reports whether the topic has a live stream.
func (s *Service) IsProcessing(topicID string) bool {
	return s.broker.IsProcessing(topicID)
}

// GetStreamState returns the topic's stream snapshot, or nil.
func (s *Service) GetStreamState(topicID string) *streaming.Snapshot {
	return s.broker.GetStreamState(topicID)
}

// RespondApproval resolves a pending tool approval.
func (s *Service) RespondApproval(approvalID string, result streaming.ApprovalResult) error {
	if !s.approvals.Respond(approvalID, result) {
		return apperrors.ErrUnknownApproval
	}
	return nil
}

// IsApprovalPending reports whether an approval id is still undecided.
func (s *Service) IsApprovalPending(approvalID string) bool {
	return s.approvals.IsApprovalPending(approvalID)
}

// GetPendingApproval returns the oldest unresolved approval on a topic.
func (s *Service) GetPendingApproval(topicID string) *streaming.ApprovalRequest {
	return s.approvals.GetPendingForTopic(topicID)
}

// ActiveSessionCount returns the number of live sessions.
func (s *Service) ActiveSessionCount() int {
	return s.sessions.Count()
}

// Shutdown cancels every stream and closes the ingress.
func (s *Service) Shutdown() {
	s.queue.Close()
	s.broker.Shutdown()
}
