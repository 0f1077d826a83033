package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dethon/relay/internal/config"
	"github.com/dethon/relay/internal/logger"
	_ "github.com/lib/pq"
)

// PostgresStore persists history in Postgres.
type PostgresStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// InitDatabase opens the connection pool, verifies it and runs migrations.
func InitDatabase(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.AppConfig.DBMaxOpenConns)
	db.SetMaxIdleConns(config.AppConfig.DBMaxIdleConns)
	db.SetConnMaxIdleTime(time.Duration(config.AppConfig.DBConnMaxIdleTime) * time.Minute)
	db.SetConnMaxLifetime(time.Duration(config.AppConfig.DBConnMaxLifetime) * time.Minute)

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Run migrations
	if err := RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// NewPostgresStore wraps an initialized connection pool.
func NewPostgresStore(db *sql.DB, log *logger.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: log.WithComponent("history-pg"),
	}
}

func (s *PostgresStore) GetMessages(ctx context.Context, key string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, role, content, sender_id, created_at
		 FROM history_messages
		 WHERE history_key = $1
		 ORDER BY message_id ASC`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.Role, &m.Content, &m.SenderID, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) AddMessages(ctx context.Context, key string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO history_messages (history_key, message_id, role, content, sender_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range messages {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, key, m.MessageID, m.Role, m.Content, m.SenderID, ts); err != nil {
			return fmt.Errorf("failed to insert message %d: %w", m.MessageID, err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM history_messages WHERE history_key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAllTopics(ctx context.Context, agentID, groupSlug string) ([]Topic, error) {
	query := `SELECT topic_id, agent_id, chat_id, thread_id, name, group_slug, updated_at
	          FROM topics WHERE agent_id = $1`
	args := []interface{}{agentID}
	if groupSlug != "" {
		query += ` AND group_slug = $2`
		args = append(args, groupSlug)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query topics: %w", err)
	}
	defer rows.Close()

	var topics []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.TopicID, &t.AgentID, &t.ChatID, &t.ThreadID, &t.Name, &t.GroupSlug, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

func (s *PostgresStore) SaveTopic(ctx context.Context, topic Topic) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO topics (topic_id, agent_id, chat_id, thread_id, name, group_slug, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (agent_id, chat_id, topic_id)
		 DO UPDATE SET name = EXCLUDED.name, group_slug = EXCLUDED.group_slug, updated_at = NOW()`,
		topic.TopicID, topic.AgentID, topic.ChatID, topic.ThreadID, topic.Name, topic.GroupSlug)
	if err != nil {
		return fmt.Errorf("failed to save topic: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTopic(ctx context.Context, agentID string, chatID int64, topicID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM topics WHERE agent_id = $1 AND chat_id = $2 AND topic_id = $3`,
		agentID, chatID, topicID); err != nil {
		return fmt.Errorf("failed to delete topic: %w", err)
	}
	return nil
}
