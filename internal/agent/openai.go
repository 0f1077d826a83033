package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dethon/relay/internal/logger"
	"github.com/dethon/relay/internal/streaming"
)

const (
	// maxSSELineSize bounds a single SSE line read from the provider.
	maxSSELineSize = 1024 * 1024

	// turnTimeout is the maximum duration of one model turn.
	turnTimeout = 10 * time.Minute
)

// OpenAIClient streams completions from an OpenAI-compatible endpoint.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewOpenAIClient creates a streaming model client.
func NewOpenAIClient(baseURL, apiKey string, log *logger.Logger) *OpenAIClient {
	return &OpenAIClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: turnTimeout},
		logger:     log.WithComponent("openai-client"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// toolCallDelta accumulates streamed tool-call fragments by index.
type toolCallDelta struct {
	name      string
	arguments strings.Builder
}

// Stream implements Model. It emits one ModelEvent per streamed delta and
// closes the channel when the provider sends [DONE] or the turn fails.
func (c *OpenAIClient) Stream(ctx context.Context, req TurnRequest) (<-chan ModelEvent, error) {
	messages := make([]chatMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("model request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("model returned status %d: %s", resp.StatusCode, string(data))
	}

	events := make(chan ModelEvent)
	go c.readStream(ctx, resp.Body, events)
	return events, nil
}

// readStream reads SSE lines from the provider and emits deltas.
func (c *OpenAIClient) readStream(ctx context.Context, body io.ReadCloser, events chan<- ModelEvent) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineSize)

	toolCalls := make(map[int]*toolCallDelta)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			events <- ModelEvent{Err: ctx.Err()}
			return
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					Reasoning string `json:"reasoning"`
					ToolCalls []struct {
						Index    int `json:"index"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("skipping unparseable chunk", slog.String("error", err.Error()))
			continue
		}

		if chunk.Error != nil {
			events <- ModelEvent{Err: fmt.Errorf("model error: %s", chunk.Error.Message)}
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		for _, tc := range choice.Delta.ToolCalls {
			d := toolCalls[tc.Index]
			if d == nil {
				d = &toolCallDelta{}
				toolCalls[tc.Index] = d
			}
			if tc.Function.Name != "" {
				d.name = tc.Function.Name
			}
			d.arguments.WriteString(tc.Function.Arguments)
		}

		if choice.Delta.Content != "" || choice.Delta.Reasoning != "" {
			select {
			case events <- ModelEvent{Content: choice.Delta.Content, Reasoning: choice.Delta.Reasoning}:
			case <-ctx.Done():
				events <- ModelEvent{Err: ctx.Err()}
				return
			}
		}

		if choice.FinishReason == "tool_calls" && len(toolCalls) > 0 {
			calls := assembleToolCalls(toolCalls)
			toolCalls = make(map[int]*toolCallDelta)
			select {
			case events <- ModelEvent{ToolCalls: calls}:
			case <-ctx.Done():
				events <- ModelEvent{Err: ctx.Err()}
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		events <- ModelEvent{Err: fmt.Errorf("stream read failed: %w", err)}
	}
}

// assembleToolCalls turns accumulated fragments into complete tool calls,
// ordered by stream index.
func assembleToolCalls(deltas map[int]*toolCallDelta) []streaming.ToolCall {
	calls := make([]streaming.ToolCall, 0, len(deltas))
	for i := 0; i < len(deltas); i++ {
		d, ok := deltas[i]
		if !ok {
			continue
		}
		args := make(map[string]interface{})
		if raw := d.arguments.String(); raw != "" {
			// Malformed arguments surface as an empty map, not a failure.
			_ = json.Unmarshal([]byte(raw), &args)
		}
		calls = append(calls, streaming.ToolCall{Name: d.name, Arguments: args})
	}
	return calls
}
