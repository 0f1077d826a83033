package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/dethon/relay/internal/logger"
	"github.com/dethon/relay/internal/notify"
	"github.com/dethon/relay/internal/streaming"
)

// DefaultTimeout is how long an approval waits for a user decision before
// resolving to Rejected.
const DefaultTimeout = 2 * time.Minute

// pendingApproval correlates an agent-side waiter with a transport-side
// responder. The result slot is single-shot: the first setter wins, later
// setters are no-ops.
type pendingApproval struct {
	id        string
	topicID   string
	request   streaming.ApprovalRequest
	result    chan streaming.ApprovalResult
	once      sync.Once
	createdAt time.Time
}

func (p *pendingApproval) resolve(result streaming.ApprovalResult) {
	p.once.Do(func() {
		p.result <- result
	})
}

// Rendezvous suspends agents pending tool approval and unblocks them when a
// decision arrives from any transport, the timeout fires, or the topic ends.
type Rendezvous struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
	byTopic map[string]map[string]*pendingApproval

	broker   *streaming.Broker
	notifier *notify.Notifier
	// groupSlug resolves a topic's notification scope; empty means broadcast.
	groupSlug func(topicID string) string
	timeout   time.Duration
	logger    *logger.Logger
}

// NewRendezvous creates the approval rendezvous. groupSlug may be nil.
func NewRendezvous(broker *streaming.Broker, notifier *notify.Notifier, groupSlug func(topicID string) string, timeout time.Duration, log *logger.Logger) *Rendezvous {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if groupSlug == nil {
		groupSlug = func(string) string { return "" }
	}

	return &Rendezvous{
		pending:   make(map[string]*pendingApproval),
		byTopic:   make(map[string]map[string]*pendingApproval),
		broker:    broker,
		notifier:  notifier,
		groupSlug: groupSlug,
		timeout:   timeout,
		logger:    log.WithComponent("approval-rendezvous"),
	}
}

// newApprovalID returns 8 random hex characters.
func newApprovalID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// RequestApproval suspends until the user decides, ctx fires, or the timeout
// elapses. An ApprovalRequest frame is written into the topic's stream so the
// UI sees the prompt. The pending entry is removed on every exit path.
//
// ctx should be the link of the agent's work context and the topic's cancel
// token, so CancelStream and EndSession both unblock the waiter.
func (r *Rendezvous) RequestApproval(ctx context.Context, topicID string, requests []streaming.ToolCall) streaming.ApprovalResult {
	if len(requests) == 0 {
		return streaming.Approved
	}

	req := streaming.ApprovalRequest{
		ApprovalID: newApprovalID(),
		ToolName:   requests[0].Name,
		Arguments:  requests[0].Arguments,
	}

	p := &pendingApproval{
		id:        req.ApprovalID,
		topicID:   topicID,
		request:   req,
		result:    make(chan streaming.ApprovalResult, 1),
		createdAt: time.Now(),
	}

	r.mu.Lock()
	r.pending[p.id] = p
	if r.byTopic[topicID] == nil {
		r.byTopic[topicID] = make(map[string]*pendingApproval)
	}
	r.byTopic[topicID][p.id] = p
	r.mu.Unlock()
	pendingApprovals.Inc()

	defer r.remove(p)

	// Show the prompt in the stream. A cancelled or absent stream drops the
	// frame silently; the rendezvous still works through notifications.
	r.broker.WriteMessage(ctx, topicID, streaming.StreamMessage{
		ToolCalls:       requests,
		ApprovalRequest: &req,
	})

	r.logger.Info("approval requested",
		slog.String("approval_id", p.id),
		slog.String("topic_id", topicID),
		slog.String("tool", req.ToolName))

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case result := <-p.result:
		return result

	case <-ctx.Done():
		p.resolve(streaming.Rejected)
		return streaming.Rejected

	case <-timer.C:
		p.resolve(streaming.Rejected)
		r.logger.Warn("approval timed out",
			slog.String("approval_id", p.id),
			slog.String("topic_id", topicID))
		// User-visible timeout notice.
		r.notifier.NewMessage(topicID, "system",
			"Tool approval timed out and was rejected: "+req.ToolName,
			r.groupSlug(topicID))
		r.notifier.ApprovalResolved(topicID, p.id, streaming.Rejected, r.groupSlug(topicID))
		return streaming.Rejected
	}
}

// Respond fills the result slot if the approval is still pending. Returns
// false only when the id is unknown or already removed. Concurrent responders
// race exactly once: the first wins, later calls are idempotent no-ops
// returning true.
func (r *Rendezvous) Respond(approvalID string, result streaming.ApprovalResult) bool {
	r.mu.Lock()
	p, ok := r.pending[approvalID]
	r.mu.Unlock()

	if !ok {
		return false
	}

	p.resolve(result)
	r.notifier.ApprovalResolved(p.topicID, approvalID, result, r.groupSlug(p.topicID))

	r.logger.Info("approval resolved",
		slog.String("approval_id", approvalID),
		slog.String("topic_id", p.topicID),
		slog.String("result", string(result)))

	return true
}

// IsApprovalPending reports whether the id is still awaiting a decision.
func (r *Rendezvous) IsApprovalPending(approvalID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[approvalID]
	return ok
}

// GetPendingForTopic returns one pending request for the topic, if any.
// Used by reconnecting clients to reconstruct the approval UI.
func (r *Rendezvous) GetPendingForTopic(topicID string) *streaming.ApprovalRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	var oldest *pendingApproval
	for _, p := range r.byTopic[topicID] {
		if oldest == nil || p.createdAt.Before(oldest.createdAt) {
			oldest = p
		}
	}
	if oldest == nil {
		return nil
	}
	req := oldest.request
	return &req
}

// CancelForTopic resolves every pending approval for the topic with
// Rejected. Called on EndSession and CancelStream.
func (r *Rendezvous) CancelForTopic(topicID string) {
	r.mu.Lock()
	var cancelled []*pendingApproval
	for _, p := range r.byTopic[topicID] {
		cancelled = append(cancelled, p)
	}
	r.mu.Unlock()

	for _, p := range cancelled {
		p.resolve(streaming.Rejected)
	}

	if len(cancelled) > 0 {
		r.logger.Info("cancelled pending approvals",
			slog.String("topic_id", topicID),
			slog.Int("count", len(cancelled)))
	}
}

// NotifyAutoApproved writes an informational frame for tools approved
// without asking. No pending entry is created; the result is immediate.
func (r *Rendezvous) NotifyAutoApproved(ctx context.Context, topicID string, requests []streaming.ToolCall) streaming.ApprovalResult {
	r.broker.WriteMessage(ctx, topicID, streaming.StreamMessage{
		ToolCalls: requests,
	})
	r.notifier.ToolCalls(topicID, requests, r.groupSlug(topicID))
	return streaming.AutoApproved
}

func (r *Rendezvous) remove(p *pendingApproval) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[p.id]; !ok {
		return
	}
	delete(r.pending, p.id)
	if m := r.byTopic[p.topicID]; m != nil {
		delete(m, p.id)
		if len(m) == 0 {
			delete(r.byTopic, p.topicID)
		}
	}
	pendingApprovals.Dec()
}

// PendingCount returns the number of approvals awaiting a decision.
func (r *Rendezvous) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
