package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by the one-shot CLI and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]Message
	topics   map[string]Topic // keyed by agentID:chatID:topicID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]Message),
		topics:   make(map[string]Topic),
	}
}

func topicKey(agentID string, chatID int64, topicID string) string {
	return Key(agentID, chatID, 0) + ":" + topicID
}

func (s *MemoryStore) GetMessages(ctx context.Context, key string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.messages[key]
	out := make([]Message, len(stored))
	copy(out, stored)
	return out, nil
}

func (s *MemoryStore) AddMessages(ctx context.Context, key string, messages []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range messages {
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now()
		}
		s.messages[key] = append(s.messages[key], m)
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.messages, key)
	return nil
}

func (s *MemoryStore) GetAllTopics(ctx context.Context, agentID, groupSlug string) ([]Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var topics []Topic
	for _, t := range s.topics {
		if t.AgentID != agentID {
			continue
		}
		if groupSlug != "" && t.GroupSlug != groupSlug {
			continue
		}
		topics = append(topics, t)
	}
	sort.Slice(topics, func(i, j int) bool {
		return topics[i].UpdatedAt.After(topics[j].UpdatedAt)
	})
	return topics, nil
}

func (s *MemoryStore) SaveTopic(ctx context.Context, topic Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	topic.UpdatedAt = time.Now()
	s.topics[topicKey(topic.AgentID, topic.ChatID, topic.TopicID)] = topic
	return nil
}

func (s *MemoryStore) DeleteTopic(ctx context.Context, agentID string, chatID int64, topicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.topics, topicKey(agentID, chatID, topicID))
	return nil
}
