package streaming

import "time"

const (
	// DefaultBufferSize is the replay buffer capacity per topic.
	// On overflow the oldest frame is evicted.
	DefaultBufferSize = 100

	// DefaultGracePeriod is how long completed stream state stays queryable
	// so a client subscribing just after completion can still fetch the buffer.
	DefaultGracePeriod = 5 * time.Second

	// DefaultSubscriberBuffer is the per-subscriber channel capacity.
	DefaultSubscriberBuffer = 64

	// subscriberSendTimeout is how long to wait when sending to a slow subscriber.
	// After this timeout, the frame is dropped for that subscriber.
	subscriberSendTimeout = 100 * time.Millisecond

	// finalSendRetries bounds the fallback spin used to deliver the terminal
	// frame to a subscriber whose queue is transiently full.
	finalSendRetries = 50
)

// ApprovalResult is the outcome of a tool approval request.
type ApprovalResult string

const (
	Approved     ApprovalResult = "approved"
	Rejected     ApprovalResult = "rejected"
	AutoApproved ApprovalResult = "auto_approved"
)

// ToolCall describes one tool invocation an agent wants to perform.
type ToolCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ApprovalRequest asks the user to allow a tool call.
// ApprovalID is 8 random hex characters.
type ApprovalRequest struct {
	ApprovalID string                 `json:"approval_id"`
	ToolName   string                 `json:"tool_name"`
	Arguments  map[string]interface{} `json:"arguments"`
}

// StreamMessage is one frame of an agent response stream.
//
// Exactly which payload fields are set depends on the frame kind: plain
// content, model reasoning, tool-call announcements, an approval prompt, an
// echo of the user's own message, or an error. SequenceNumber is assigned by
// the broker at write time and is strictly increasing per topic; clients use
// it to deduplicate across disconnect/resume.
type StreamMessage struct {
	Content         string           `json:"content,omitempty"`
	Reasoning       string           `json:"reasoning,omitempty"`
	ToolCalls       []ToolCall       `json:"tool_calls,omitempty"`
	ApprovalRequest *ApprovalRequest `json:"approval_request,omitempty"`
	UserMessage     string           `json:"user_message,omitempty"`
	Error           string           `json:"error,omitempty"`
	MessageIndex    int64            `json:"message_index"`
	SequenceNumber  int64            `json:"sequence_number"`
	IsComplete      bool             `json:"is_complete"`
}

// Snapshot is an atomic view of a topic's stream state, used by the
// resumption protocol: a reconnecting client renders every buffered frame
// with SequenceNumber above the last it saw, then subscribes for the live
// tail and discards anything at or below that watermark.
type Snapshot struct {
	IsProcessing     bool            `json:"is_processing"`
	BufferedMessages []StreamMessage `json:"buffered_messages"`
	LastIndex        int64           `json:"last_index"`
	LastSequence     int64           `json:"last_sequence"`
}

// Options configures a Broker.
type Options struct {
	BufferSize       int
	GracePeriod      time.Duration
	SubscriberBuffer int
}

// DefaultOptions returns the standard broker configuration.
func DefaultOptions() Options {
	return Options{
		BufferSize:       DefaultBufferSize,
		GracePeriod:      DefaultGracePeriod,
		SubscriberBuffer: DefaultSubscriberBuffer,
	}
}
