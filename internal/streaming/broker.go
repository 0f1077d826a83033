package streaming

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dethon/relay/internal/logger"
	"github.com/google/uuid"
)

// Broker owns every in-progress response stream, keyed by topic.
//
// For each topic it maintains a replay buffer for resumption, a fan-out to
// concurrent live subscribers, a pending-writes counter that defers
// completion until the agent has drained all emissions, and a cancellation
// token propagated to subscribers and the agent's own work.
//
// Lifecycle per topic: Absent → Active → Completing → Absent. CreateStream
// promotes Absent→Active; a terminal frame with zero pending writes promotes
// Active→Completing (subscriber queues close, consumers see end-of-stream);
// expiry of the grace window, CancelStream, or EndSession returns to Absent.
type Broker struct {
	opts Options

	mu      sync.RWMutex
	streams map[string]*Stream

	logger *logger.Logger
}

// Stream is the per-topic state. Owned exclusively by the Broker; callers
// interact with it through Broker methods and subscriber channels.
type Stream struct {
	topicID    string
	promptText string
	sender     string
	startedAt  time.Time

	// Topic cancellation token. Cancelling it ends every subscriber
	// sequence and, via linking, the agent's model call and any pending
	// approval for the topic.
	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	buffer            []StreamMessage
	seqCounter        int64
	lastIndex         int64
	pendingWrites     int
	completeSignalled bool
	completing        bool

	subsMu      sync.RWMutex
	subscribers map[string]*Subscriber

	graceTimer *time.Timer
}

// NewBroker creates a stream broker with the given options.
func NewBroker(opts Options, log *logger.Logger) *Broker {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}

	return &Broker{
		opts:    opts,
		streams: make(map[string]*Stream),
		logger:  log.WithComponent("stream-broker"),
	}
}

// CreateStream returns the stream for a topic, creating it if absent.
// isNew=false means a stream was already in flight: subsequent prompts on
// the same topic share the existing handle and the agent queues internally.
func (b *Broker) CreateStream(topicID, promptText, sender string) (*Stream, bool) {
	// Fast path under read lock.
	b.mu.RLock()
	if st, ok := b.streams[topicID]; ok {
		b.mu.RUnlock()
		return st, false
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	// Double-check: another goroutine may have created it.
	if st, ok := b.streams[topicID]; ok {
		return st, false
	}

	ctx, cancel := context.WithCancel(context.Background())
	st := &Stream{
		topicID:     topicID,
		promptText:  promptText,
		sender:      sender,
		startedAt:   time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		buffer:      make([]StreamMessage, 0, b.opts.BufferSize),
		subscribers: make(map[string]*Subscriber),
	}
	b.streams[topicID] = st

	activeStreams.Inc()
	b.logger.Info("stream created",
		slog.String("topic_id", topicID),
		slog.String("sender", sender))

	return st, true
}

func (b *Broker) get(topicID string) *Stream {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.streams[topicID]
}

// Context returns the topic's cancellation token. The agent passes it into
// its model call so CancelStream reaches in-flight work.
func (b *Broker) Context(topicID string) (context.Context, bool) {
	st := b.get(topicID)
	if st == nil {
		return nil, false
	}
	return st.ctx, true
}

// Subscribe attaches a bounded queue to the topic's subscriber set and
// returns the sequence of frames emitted from now onward. The channel closes
// when the stream completes, is cancelled, or ctx fires; the queue is removed
// on every exit path. Returns (nil, false) if no stream exists.
//
// Callers are expected to have consumed the replay buffer via GetStreamState
// first; the broker does not deduplicate across the seam.
func (b *Broker) Subscribe(ctx context.Context, topicID string) (<-chan StreamMessage, bool) {
	st := b.get(topicID)
	if st == nil {
		return nil, false
	}

	st.mu.Lock()
	completing := st.completing
	st.mu.Unlock()

	if completing {
		// Already past the live phase: an ended sequence, zero frames.
		ch := make(chan StreamMessage)
		close(ch)
		return ch, true
	}

	sub := NewSubscriber(ctx, uuid.New().String(), b.opts.SubscriberBuffer)

	st.subsMu.Lock()
	st.subscribers[sub.ID] = sub
	st.subsMu.Unlock()
	subscriberCount.Inc()

	// Re-check after insertion: a completion between the first check and the
	// insert has already closed the subscriber set, so this queue would
	// otherwise stay open until the grace timer fires.
	st.mu.Lock()
	completing = st.completing
	st.mu.Unlock()
	if completing {
		st.removeSubscriber(sub.ID)
		return sub.Ch, true
	}

	// Link the subscriber to both the caller's and the topic's lifetime,
	// and reap the queue when either ends.
	go func() {
		select {
		case <-sub.Context().Done():
		case <-st.ctx.Done():
		}
		st.removeSubscriber(sub.ID)
	}()

	b.logger.Debug("subscriber joined",
		slog.String("topic_id", topicID),
		slog.String("subscriber_id", sub.ID))

	return sub.Ch, true
}

// GetStreamState returns an atomic snapshot of the topic's stream, or nil if
// no state exists. LastSequence reflects the highest sequence ever assigned,
// not the oldest retained frame, so clients can detect gaps they missed.
func (b *Broker) GetStreamState(topicID string) *Snapshot {
	st := b.get(topicID)
	if st == nil {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	buffered := make([]StreamMessage, len(st.buffer))
	copy(buffered, st.buffer)

	return &Snapshot{
		IsProcessing:     !st.completing,
		BufferedMessages: buffered,
		LastIndex:        st.lastIndex,
		LastSequence:     st.seqCounter,
	}
}

// IsProcessing reports whether the topic has a live stream.
func (b *Broker) IsProcessing(topicID string) bool {
	snap := b.GetStreamState(topicID)
	return snap != nil && snap.IsProcessing
}

// WriteMessage assigns the frame's sequence number, appends it to the replay
// buffer and fans it out to every subscriber. Returns false when the frame
// was dropped: no stream, cancelled, or already completed. Writes after
// cancel or completion are silent no-ops, never errors.
func (b *Broker) WriteMessage(ctx context.Context, topicID string, msg StreamMessage) bool {
	st := b.get(topicID)
	if st == nil {
		return false
	}

	select {
	case <-st.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	default:
	}

	st.mu.Lock()
	if st.completing {
		st.mu.Unlock()
		return false
	}

	st.seqCounter++
	msg.SequenceNumber = st.seqCounter
	if msg.MessageIndex > st.lastIndex {
		st.lastIndex = msg.MessageIndex
	}

	st.buffer = append(st.buffer, msg)
	if len(st.buffer) > b.opts.BufferSize {
		st.buffer = st.buffer[1:]
	}

	complete := false
	if msg.IsComplete {
		st.completeSignalled = true
		if st.pendingWrites == 0 {
			st.completing = true
			complete = true
		}
	}
	st.mu.Unlock()

	messagesWritten.Inc()
	st.fanOut(msg, b.logger)

	if complete {
		b.finishStream(st)
	}

	return true
}

// TryIncrementPending registers an in-flight async emission. The agent calls
// it before each emission; completion is gated until the counter drains.
// Returns false if the stream is absent or already completing.
func (b *Broker) TryIncrementPending(topicID string) bool {
	st := b.get(topicID)
	if st == nil {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.completing {
		return false
	}
	st.pendingWrites++
	return true
}

// DecrementPendingAndCheckComplete drops the pending counter and reports
// whether the stream is now ready to complete: counter at zero AND a terminal
// frame already written. The caller then calls CompleteStream.
func (b *Broker) DecrementPendingAndCheckComplete(topicID string) bool {
	st := b.get(topicID)
	if st == nil {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.pendingWrites > 0 {
		st.pendingWrites--
	}
	return st.pendingWrites == 0 && st.completeSignalled && !st.completing
}

// CompleteStream marks the stream as done, closes every subscriber queue and
// schedules state removal after the grace window so a client subscribing
// milliseconds after completion can still fetch the final buffer.
// Idempotent.
func (b *Broker) CompleteStream(topicID string) {
	st := b.get(topicID)
	if st == nil {
		return
	}

	st.mu.Lock()
	if st.completing {
		st.mu.Unlock()
		return
	}
	st.completing = true
	st.mu.Unlock()

	b.finishStream(st)
}

func (b *Broker) finishStream(st *Stream) {
	st.closeAllSubscribers()

	st.mu.Lock()
	st.graceTimer = time.AfterFunc(b.opts.GracePeriod, func() {
		b.remove(st.topicID, st)
	})
	frames := st.seqCounter
	st.mu.Unlock()

	streamsCompleted.Inc()
	b.logger.Info("stream completed",
		slog.String("topic_id", st.topicID),
		slog.Int64("frames", frames),
		slog.Duration("duration", time.Since(st.startedAt)))
}

// CancelStream fires the topic's cancel token, closes all subscriber queues
// and removes state immediately. In-flight writes observe the cancellation
// and return without writing.
func (b *Broker) CancelStream(topicID string) {
	st := b.get(topicID)
	if st == nil {
		return
	}

	st.mu.Lock()
	st.completing = true
	if st.graceTimer != nil {
		st.graceTimer.Stop()
	}
	st.mu.Unlock()

	st.cancel()
	st.closeAllSubscribers()
	b.remove(topicID, st)

	streamsCancelled.Inc()
	b.logger.Info("stream cancelled", slog.String("topic_id", topicID))
}

// remove drops the topic's state if st is still the registered stream.
func (b *Broker) remove(topicID string, st *Stream) {
	b.mu.Lock()
	if current, ok := b.streams[topicID]; ok && current == st {
		delete(b.streams, topicID)
		activeStreams.Dec()
	}
	b.mu.Unlock()

	st.cancel()
}

// ActiveTopics returns the topics with stream state, live or in grace.
func (b *Broker) ActiveTopics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.streams))
	for topicID := range b.streams {
		topics = append(topics, topicID)
	}
	return topics
}

// Shutdown cancels every stream. Used on process exit.
func (b *Broker) Shutdown() {
	for _, topicID := range b.ActiveTopics() {
		b.CancelStream(topicID)
	}
}

// fanOut delivers a frame to a consistent snapshot of the subscriber set.
// The lock is held only while copying the set; sends happen outside it.
// A full subscriber queue drops the frame for that subscriber only, except
// the terminal frame which is retried with a bounded spin.
func (st *Stream) fanOut(msg StreamMessage, log *logger.Logger) {
	st.subsMu.RLock()
	subs := make([]*Subscriber, 0, len(st.subscribers))
	for _, sub := range st.subscribers {
		subs = append(subs, sub)
	}
	st.subsMu.RUnlock()

	for _, sub := range subs {
		if sub.IsDisconnected() {
			continue
		}

		var sent bool
		if msg.IsComplete {
			sent = sub.SendFinal(msg)
		} else {
			sent = sub.Send(msg, subscriberSendTimeout)
		}

		if !sent {
			droppedFrames.Inc()
			log.Warn("subscriber lagging, dropped frame",
				slog.String("topic_id", st.topicID),
				slog.String("subscriber_id", sub.ID),
				slog.Int64("sequence", msg.SequenceNumber))
		}
	}
}

func (st *Stream) closeAllSubscribers() {
	st.subsMu.Lock()
	defer st.subsMu.Unlock()

	for id, sub := range st.subscribers {
		sub.Cancel()
		sub.Close()
		delete(st.subscribers, id)
		subscriberCount.Dec()
	}
}

func (st *Stream) removeSubscriber(id string) {
	st.subsMu.Lock()
	defer st.subsMu.Unlock()

	if sub, ok := st.subscribers[id]; ok {
		sub.Cancel()
		sub.Close()
		delete(st.subscribers, id)
		subscriberCount.Dec()
	}
}
