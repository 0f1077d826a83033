package session

import (
	"log/slog"
	"testing"
	"time"

	"github.com/dethon/relay/internal/logger"
)

func newTestRegistry() *Registry {
	validate := func(agentID string) bool { return agentID != "missing" }
	return NewRegistry(validate, logger.New(logger.Config{Level: slog.LevelError}))
}

func TestStartSessionAndLookup(t *testing.T) {
	r := newTestRegistry()

	if ok := r.StartSession("t1", "a1", 100, 0, ""); !ok {
		t.Fatal("expected StartSession to succeed")
	}

	s, ok := r.TryGetSession("t1")
	if !ok {
		t.Fatal("expected session for t1")
	}
	if s.AgentID != "a1" || s.ChatID != 100 || s.ThreadID != 0 {
		t.Errorf("unexpected session: %+v", s)
	}

	topicID, ok := r.TopicIDByChatID(100)
	if !ok || topicID != "t1" {
		t.Errorf("reverse index: got (%q, %v), want (t1, true)", topicID, ok)
	}
}

func TestStartSessionUnknownAgent(t *testing.T) {
	r := newTestRegistry()

	if ok := r.StartSession("t1", "missing", 100, 0, ""); ok {
		t.Fatal("expected StartSession to fail for unknown agent")
	}
	if _, ok := r.TryGetSession("t1"); ok {
		t.Error("no session should exist after failed start")
	}
	if _, ok := r.TopicIDByChatID(100); ok {
		t.Error("reverse index should be empty after failed start")
	}
}

func TestStartSessionIdempotent(t *testing.T) {
	r := newTestRegistry()

	r.StartSession("t1", "a1", 100, 7, "")
	if ok := r.StartSession("t1", "a1", 100, 7, ""); !ok {
		t.Fatal("re-inserting identical triple should succeed")
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 session, got %d", r.Count())
	}
}

func TestStartSessionRebindReplacesReverseIndex(t *testing.T) {
	r := newTestRegistry()

	r.StartSession("t1", "a1", 100, 0, "")
	r.StartSession("t1", "a2", 200, 0, "")

	if _, ok := r.TopicIDByChatID(100); ok {
		t.Error("stale reverse entry for old chat id")
	}
	topicID, ok := r.TopicIDByChatID(200)
	if !ok || topicID != "t1" {
		t.Errorf("reverse index: got (%q, %v), want (t1, true)", topicID, ok)
	}
}

func TestDuplicateChatIDEvictsPreviousTopic(t *testing.T) {
	r := newTestRegistry()

	r.StartSession("t1", "a1", 100, 0, "")
	if ok := r.StartSession("t2", "a1", 100, 0, ""); !ok {
		t.Fatal("expected StartSession to succeed")
	}

	// The chat can belong to only one topic; the first session is evicted
	// from both indexes.
	if _, ok := r.TryGetSession("t1"); ok {
		t.Error("evicted session should be gone from the forward index")
	}
	topicID, ok := r.TopicIDByChatID(100)
	if !ok || topicID != "t2" {
		t.Errorf("reverse index: got (%q, %v), want (t2, true)", topicID, ok)
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 session, got %d", r.Count())
	}

	// Ending the surviving topic clears the chat mapping entirely.
	if _, ok := r.EndSession("t2"); !ok {
		t.Fatal("expected EndSession to succeed")
	}
	if _, ok := r.TopicIDByChatID(100); ok {
		t.Error("reverse index entry should be gone")
	}
}

func TestEndSessionRemovesBothIndexes(t *testing.T) {
	r := newTestRegistry()

	r.StartSession("t1", "a1", 100, 0, "")
	removed, ok := r.EndSession("t1")
	if !ok || removed.ChatID != 100 {
		t.Fatalf("EndSession: got (%+v, %v)", removed, ok)
	}

	if _, ok := r.TryGetSession("t1"); ok {
		t.Error("session should be gone")
	}
	if _, ok := r.TopicIDByChatID(100); ok {
		t.Error("reverse index entry should be gone")
	}

	if _, ok := r.EndSession("t1"); ok {
		t.Error("ending a missing session should report false")
	}
}

func TestIdleTopics(t *testing.T) {
	r := newTestRegistry()

	r.StartSession("t1", "a1", 100, 0, "")
	r.StartSession("t2", "a1", 200, 0, "")

	// Backdate t1 by touching nothing and aging the entry directly.
	r.mu.Lock()
	r.byTopic["t1"].lastActivity = time.Now().Add(-2 * time.Hour)
	r.mu.Unlock()

	idle := r.IdleTopics(time.Hour)
	if len(idle) != 1 || idle[0] != "t1" {
		t.Errorf("idle topics: got %v, want [t1]", idle)
	}

	r.Touch("t1")
	if idle := r.IdleTopics(time.Hour); len(idle) != 0 {
		t.Errorf("after touch, idle topics: got %v, want none", idle)
	}
}
