package streaming

import (
	"context"
	"sync"
	"time"
)

// Subscriber is a single consumer's view of one topic stream.
//
// Each subscriber has:
//   - Unique ID for tracking and debugging
//   - Buffered channel for receiving frames (non-blocking sends)
//   - Context for cancellation when the client disconnects
//
// The channel is bounded: a subscriber that cannot keep up misses
// intermediate frames but never back-pressures the writer or its siblings.
type Subscriber struct {
	// ID uniquely identifies this subscriber (typically a UUID).
	ID string

	// Ch is the channel the subscriber reads frames from.
	Ch chan StreamMessage

	// JoinedAt is when this subscriber joined the stream.
	JoinedAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewSubscriber creates a subscriber whose lifetime is the link of the
// caller's context and the topic's context: whichever is cancelled first
// ends the subscription.
func NewSubscriber(ctx context.Context, id string, bufferSize int) *Subscriber {
	if bufferSize < 1 {
		bufferSize = DefaultSubscriberBuffer
	}

	subCtx, cancel := context.WithCancel(ctx)

	return &Subscriber{
		ID:       id,
		Ch:       make(chan StreamMessage, bufferSize),
		JoinedAt: time.Now(),
		ctx:      subCtx,
		cancel:   cancel,
	}
}

// Context returns the subscriber's context.
func (s *Subscriber) Context() context.Context {
	return s.ctx
}

// Cancel cancels the subscriber's context. Safe to call multiple times.
func (s *Subscriber) Cancel() {
	s.cancel()
}

// Close closes the subscriber's channel exactly once.
// Always call Cancel() before Close() so in-flight sends observe ctx first.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.Ch)
	})
}

// Send attempts to deliver a frame with a short timeout.
// Returns false if the subscriber is slow or disconnected; the frame is
// dropped for this subscriber only.
func (s *Subscriber) Send(msg StreamMessage, timeout time.Duration) bool {
	select {
	case s.Ch <- msg:
		return true
	case <-time.After(timeout):
		return false
	case <-s.ctx.Done():
		return false
	}
}

// SendFinal delivers a terminal frame with a bounded fallback spin. Unlike
// intermediate frames, the IsComplete frame must reach even a lagging
// subscriber, so transient queue contention is retried.
func (s *Subscriber) SendFinal(msg StreamMessage) bool {
	for i := 0; i < finalSendRetries; i++ {
		select {
		case s.Ch <- msg:
			return true
		case <-s.ctx.Done():
			return false
		default:
		}
		time.Sleep(subscriberSendTimeout / 10)
	}
	return false
}

// IsDisconnected reports whether the subscriber's context has been cancelled.
func (s *Subscriber) IsDisconnected() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}
