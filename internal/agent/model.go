package agent

import (
	"context"

	"github.com/dethon/relay/internal/history"
	"github.com/dethon/relay/internal/streaming"
)

// TurnRequest describes one agent turn: prior history plus the new prompt.
type TurnRequest struct {
	Model        string
	SystemPrompt string
	History      []history.Message
	Prompt       string
}

// ModelEvent is one streamed delta from the model.
// Err, when set, terminates the turn; the channel closes afterwards.
type ModelEvent struct {
	Content   string
	Reasoning string
	ToolCalls []streaming.ToolCall
	Err       error
}

// Model streams one completion turn. Implementations must respect ctx and
// close the returned channel when the turn ends.
type Model interface {
	Stream(ctx context.Context, req TurnRequest) (<-chan ModelEvent, error)
}
