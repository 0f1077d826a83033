package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dethon/relay/internal/logger"
)

// Session binds a transport-facing topic to an agent/chat/thread triple.
// Immutable once created; keyed by TopicID.
type Session struct {
	TopicID   string
	AgentID   string
	ChatID    int64
	ThreadID  int64
	GroupSlug string
	CreatedAt time.Time
}

type entry struct {
	session      Session
	lastActivity time.Time
}

// Registry maps topic → session and chat → topic. Both indexes are updated
// under one lock so they can never disagree.
type Registry struct {
	mu           sync.RWMutex
	byTopic      map[string]*entry
	topicByChat  map[int64]string
	validateFunc func(agentID string) bool
	logger       *logger.Logger
}

// NewRegistry creates a session registry. validate reports whether an agent id
// exists in the configured registry; StartSession fails only when it returns false.
func NewRegistry(validate func(agentID string) bool, log *logger.Logger) *Registry {
	return &Registry{
		byTopic:      make(map[string]*entry),
		topicByChat:  make(map[int64]string),
		validateFunc: validate,
		logger:       log.WithComponent("session-registry"),
	}
}

// StartSession inserts (topicID → session) and (chatID → topicID).
// Returns false only if the agent id is unknown. Re-inserting an identical
// triple is a no-op returning true.
func (r *Registry) StartSession(topicID, agentID string, chatID, threadID int64, groupSlug string) bool {
	if r.validateFunc != nil && !r.validateFunc(agentID) {
		r.logger.Warn("rejected session for unknown agent",
			slog.String("topic_id", topicID),
			slog.String("agent_id", agentID))
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byTopic[topicID]; ok {
		s := existing.session
		if s.AgentID == agentID && s.ChatID == chatID && s.ThreadID == threadID {
			existing.lastActivity = time.Now()
			return true
		}
		// Same topic rebound to a different triple: replace both indexes.
		delete(r.topicByChat, s.ChatID)
	}

	// A chat id maps to at most one topic. If another topic already holds
	// this chat, evict that session from both indexes so neither index
	// carries a dangling entry.
	if other, ok := r.topicByChat[chatID]; ok && other != topicID {
		delete(r.byTopic, other)
		r.logger.Warn("evicted session with duplicate chat id",
			slog.String("evicted_topic_id", other),
			slog.String("topic_id", topicID),
			slog.Int64("chat_id", chatID))
	}

	r.byTopic[topicID] = &entry{
		session: Session{
			TopicID:   topicID,
			AgentID:   agentID,
			ChatID:    chatID,
			ThreadID:  threadID,
			GroupSlug: groupSlug,
			CreatedAt: time.Now(),
		},
		lastActivity: time.Now(),
	}
	r.topicByChat[chatID] = topicID

	r.logger.Info("session started",
		slog.String("topic_id", topicID),
		slog.String("agent_id", agentID),
		slog.Int64("chat_id", chatID),
		slog.Int64("thread_id", threadID))

	return true
}

// TryGetSession returns the session for a topic, if any.
func (r *Registry) TryGetSession(topicID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byTopic[topicID]
	if !ok {
		return Session{}, false
	}
	return e.session, true
}

// TopicIDByChatID resolves the reverse index.
func (r *Registry) TopicIDByChatID(chatID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topicID, ok := r.topicByChat[chatID]
	return topicID, ok
}

// EndSession removes both indexes and returns the removed session.
// Stream and approval teardown is composed by the caller.
func (r *Registry) EndSession(topicID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byTopic[topicID]
	if !ok {
		return Session{}, false
	}

	delete(r.byTopic, topicID)
	delete(r.topicByChat, e.session.ChatID)

	r.logger.Info("session ended", slog.String("topic_id", topicID))
	return e.session, true
}

// Touch records activity on a topic. Used by the idle sweep.
func (r *Registry) Touch(topicID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byTopic[topicID]; ok {
		e.lastActivity = time.Now()
	}
}

// IdleTopics returns the topic ids whose last activity is older than maxIdle.
func (r *Registry) IdleTopics(maxIdle time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().Add(-maxIdle)
	var idle []string
	for topicID, e := range r.byTopic {
		if e.lastActivity.Before(cutoff) {
			idle = append(idle, topicID)
		}
	}
	return idle
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTopic)
}
