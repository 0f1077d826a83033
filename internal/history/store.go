package history

import (
	"context"
	"fmt"
	"time"
)

// Message is one persisted chat message.
type Message struct {
	MessageID int64     `json:"message_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	SenderID  string    `json:"sender_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Topic is persisted topic metadata, listed in transport sidebars.
type Topic struct {
	TopicID   string    `json:"topic_id"`
	AgentID   string    `json:"agent_id"`
	ChatID    int64     `json:"chat_id"`
	ThreadID  int64     `json:"thread_id"`
	Name      string    `json:"name"`
	GroupSlug string    `json:"group_slug,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persistence contract the gateway consumes.
// Keys are built with Key; implementations treat them as opaque.
type Store interface {
	GetMessages(ctx context.Context, key string) ([]Message, error)
	AddMessages(ctx context.Context, key string, messages []Message) error
	Delete(ctx context.Context, key string) error

	GetAllTopics(ctx context.Context, agentID, groupSlug string) ([]Topic, error)
	SaveTopic(ctx context.Context, topic Topic) error
	DeleteTopic(ctx context.Context, agentID string, chatID int64, topicID string) error
}

// Key builds the deterministic history key for a session triple.
func Key(agentID string, chatID, threadID int64) string {
	return fmt.Sprintf("agent-key:%s:%d:%d", agentID, chatID, threadID)
}
