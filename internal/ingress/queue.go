package ingress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dethon/relay/internal/logger"
)

// Prompt is one user message on its way to an agent worker.
// Created at enqueue time; consumed exactly once.
type Prompt struct {
	TopicID       string
	AgentID       string
	ChatID        int64
	ThreadID      int64
	Text          string
	Sender        string
	CorrelationID string
	MessageID     int64
	EnqueuedAt    time.Time
}

// Queue is the process-wide prompt ingress: an unbounded FIFO with many
// writers and a single consumer. Enqueue never blocks; the consumer suspends
// while the queue is drained.
type Queue struct {
	mu     sync.Mutex
	items  []Prompt
	signal chan struct{}
	done   chan struct{}
	closed bool

	nextID atomic.Int64

	logger *logger.Logger
}

// NewQueue creates an empty prompt queue.
func NewQueue(log *logger.Logger) *Queue {
	return &Queue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: log.WithComponent("prompt-ingress"),
	}
}

// Enqueue appends a prompt and assigns its per-process MessageID.
// Never blocks. Returns the assigned id; returns -1 if the queue is closed.
func (q *Queue) Enqueue(p Prompt) int64 {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return -1
	}

	p.MessageID = q.nextID.Add(1)
	p.EnqueuedAt = time.Now()
	q.items = append(q.items, p)
	q.mu.Unlock()

	// Wake the consumer if it is waiting. The channel has capacity 1 so a
	// pending wakeup is never lost and a second one is unnecessary.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return p.MessageID
}

// ReadPrompts returns the consumer side of the queue. Prompts arrive in FIFO
// order across all writers. The returned channel closes when ctx is cancelled
// or the queue is closed; pending prompts are drained first on Close.
//
// Intended for a single consumer (the agent dispatch loop).
func (q *Queue) ReadPrompts(ctx context.Context) <-chan Prompt {
	out := make(chan Prompt)

	go func() {
		defer close(out)

		for {
			q.mu.Lock()
			var next Prompt
			have := false
			if len(q.items) > 0 {
				next = q.items[0]
				q.items = q.items[1:]
				have = true
			}
			closed := q.closed
			q.mu.Unlock()

			if have {
				select {
				case out <- next:
					continue
				case <-ctx.Done():
					return
				}
			}

			if closed {
				return
			}

			select {
			case <-q.signal:
			case <-q.done:
				// Loop once more to drain anything enqueued before Close.
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Close stops the queue. The consumer drains remaining prompts, then its
// channel closes. Enqueue after Close is a no-op.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.done)
	q.logger.Info("prompt ingress closed")
}

// Len returns the number of queued prompts.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
