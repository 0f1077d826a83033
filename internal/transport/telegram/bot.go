package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/dethon/relay/internal/gateway"
	"github.com/dethon/relay/internal/logger"
	"github.com/dethon/relay/internal/streaming"
)

const (
	// editInterval rate-limits progressive message edits. Telegram starts
	// returning 429 well below one edit per second per chat.
	editInterval = time.Second

	longPollTimeout = 60

	// stallTimeout detects a dead long-poll connection: the library blocks
	// instead of closing the channel, so silence past 2x the poll timeout
	// means reconnect.
	stallTimeout = 150 * time.Second
)

// Bot bridges Telegram chats to the gateway. Each chat maps to one topic;
// responses are streamed by progressively editing a placeholder message, and
// tool approvals surface as inline Approve/Reject keyboards.
type Bot struct {
	token        string
	defaultAgent string
	svc          *gateway.Service
	bot          *tgbotapi.BotAPI
	logger       *logger.Logger

	streamMu sync.Mutex
	streams  map[string]*streamState
}

// streamState tracks the progressively edited message for one topic.
type streamState struct {
	chatID    int64
	messageID int
	text      strings.Builder
	lastEdit  time.Time
}

// New creates the Telegram transport. defaultAgent is used when a message
// carries no @agent prefix.
func New(token, defaultAgent string, svc *gateway.Service, log *logger.Logger) *Bot {
	return &Bot{
		token:        token,
		defaultAgent: defaultAgent,
		svc:          svc,
		logger:       log.WithComponent("telegram-bot"),
		streams:      make(map[string]*streamState),
	}
}

// Start connects and long-polls until ctx is cancelled, reconnecting with
// exponential backoff on poll failures.
func (b *Bot) Start(ctx context.Context) error {
	var err error
	b.bot, err = tgbotapi.NewBotAPI(b.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	b.logger.Info("telegram bot started", slog.String("user", b.bot.Self.UserName))

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = longPollTimeout
		updates := b.bot.GetUpdatesChan(u)

		pollErr := b.pollUpdates(ctx, updates)
		b.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}

		b.logger.Warn("telegram poll disconnected, reconnecting",
			slog.String("error", pollErr.Error()),
			slog.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (b *Bot) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
				continue
			}
			if update.CallbackQuery != nil {
				b.handleCallbackQuery(update.CallbackQuery)
				continue
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v", stallTimeout)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	switch {
	case strings.HasPrefix(text, "/cancel"):
		b.handleCancel(ctx, msg.Chat.ID)
		return
	case strings.HasPrefix(text, "/end"):
		b.handleEnd(msg.Chat.ID)
		return
	case strings.HasPrefix(text, "/agents"):
		b.handleAgents(msg.Chat.ID)
		return
	}

	agentID, prompt := parseAgentPrefix(text, b.defaultAgent)
	if prompt == "" {
		return
	}

	topicID, ok := b.svc.TopicIDByChatID(msg.Chat.ID)
	if !ok {
		topicID = fmt.Sprintf("telegram-%d", msg.Chat.ID)
		if err := b.svc.StartSession(topicID, agentID, msg.Chat.ID, 0, ""); err != nil {
			b.reply(msg.Chat.ID, "Unknown agent: "+agentID)
			return
		}
	}

	sender := msg.From.UserName
	if sender == "" {
		sender = fmt.Sprintf("telegram-user-%d", msg.From.ID)
	}

	ch, _, err := b.svc.SendMessage(ctx, topicID, prompt, sender, "")
	if err != nil {
		b.reply(msg.Chat.ID, "Error: "+err.Error())
		return
	}

	go b.consumeStream(topicID, msg.Chat.ID, ch)
}

// consumeStream renders broker frames into the chat: content accumulates in
// one progressively edited message, approvals get their own keyboard message,
// errors get their own line.
func (b *Bot) consumeStream(topicID string, chatID int64, ch <-chan streaming.StreamMessage) {
	for msg := range ch {
		switch {
		case msg.ApprovalRequest != nil:
			b.sendApprovalKeyboard(chatID, msg.ApprovalRequest)

		case msg.Error != "":
			b.reply(chatID, "Error: "+msg.Error)

		case msg.Content != "":
			b.appendContent(topicID, chatID, msg.Content, msg.IsComplete)
		}

		if msg.IsComplete {
			break
		}
	}
	b.finishStream(topicID, chatID)
}

func (b *Bot) appendContent(topicID string, chatID int64, chunk string, final bool) {
	b.streamMu.Lock()
	state, ok := b.streams[topicID]
	if !ok {
		state = &streamState{chatID: chatID}

		sent, err := b.bot.Send(tgbotapi.NewMessage(chatID, chunk))
		if err != nil {
			b.logger.Warn("failed to send stream placeholder",
				slog.String("topic_id", topicID),
				slog.String("error", err.Error()))
			b.streamMu.Unlock()
			return
		}
		state.messageID = sent.MessageID
		state.text.WriteString(chunk)
		state.lastEdit = time.Now()
		b.streams[topicID] = state
		b.streamMu.Unlock()
		return
	}

	state.text.WriteString(chunk)
	if !final && time.Since(state.lastEdit) < editInterval {
		b.streamMu.Unlock()
		return
	}
	text := state.text.String()
	msgID := state.messageID
	state.lastEdit = time.Now()
	b.streamMu.Unlock()

	b.editMessage(chatID, msgID, text)
}

// finishStream flushes whatever the rate limiter held back.
func (b *Bot) finishStream(topicID string, chatID int64) {
	b.streamMu.Lock()
	state, ok := b.streams[topicID]
	if ok {
		delete(b.streams, topicID)
	}
	b.streamMu.Unlock()

	if !ok || state.messageID == 0 {
		return
	}
	b.editMessage(chatID, state.messageID, state.text.String())
}

func (b *Bot) sendApprovalKeyboard(chatID int64, req *streaming.ApprovalRequest) {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve",
				fmt.Sprintf("approval:%s:approve", req.ApprovalID)),
			tgbotapi.NewInlineKeyboardButtonData("Reject",
				fmt.Sprintf("approval:%s:reject", req.ApprovalID)),
		),
	)

	msg := tgbotapi.NewMessage(chatID,
		fmt.Sprintf("Approval required for tool: %s", req.ToolName))
	msg.ReplyMarkup = keyboard

	if _, err := b.bot.Send(msg); err != nil {
		b.logger.Error("failed to send approval keyboard",
			slog.String("approval_id", req.ApprovalID),
			slog.String("error", err.Error()))
	}
}

func (b *Bot) handleCallbackQuery(query *tgbotapi.CallbackQuery) {
	approvalID, result, err := parseApprovalCallback(query.Data)
	if err != nil {
		return
	}

	ack := tgbotapi.NewCallback(query.ID, "Recorded")
	if _, err := b.bot.Request(ack); err != nil {
		b.logger.Warn("failed to ack callback", slog.String("error", err.Error()))
	}

	outcome := "approved"
	if result == streaming.Rejected {
		outcome = "rejected"
	}
	if err := b.svc.RespondApproval(approvalID, result); err != nil {
		outcome = "already resolved or expired"
	}

	if query.Message != nil {
		edit := tgbotapi.NewEditMessageText(query.Message.Chat.ID, query.Message.MessageID,
			fmt.Sprintf("%s (%s)", query.Message.Text, outcome))
		if _, err := b.bot.Send(edit); err != nil {
			b.logger.Warn("failed to edit approval message", slog.String("error", err.Error()))
		}
	}
}

func (b *Bot) handleCancel(ctx context.Context, chatID int64) {
	topicID, ok := b.svc.TopicIDByChatID(chatID)
	if !ok {
		b.reply(chatID, "No active session.")
		return
	}
	if b.svc.CancelTopic(ctx, topicID, fmt.Sprintf("telegram-%d", chatID)) {
		b.reply(chatID, "Stopped.")
	} else {
		b.reply(chatID, "Nothing in progress.")
	}
}

func (b *Bot) handleEnd(chatID int64) {
	topicID, ok := b.svc.TopicIDByChatID(chatID)
	if !ok {
		b.reply(chatID, "No active session.")
		return
	}
	b.svc.EndSession(topicID)
	b.reply(chatID, "Session ended.")
}

func (b *Bot) handleAgents(chatID int64) {
	var sb strings.Builder
	sb.WriteString("Available agents:\n")
	for _, d := range b.svc.GetAgents() {
		fmt.Fprintf(&sb, "@%s - %s\n", d.ID, d.Name)
	}
	b.reply(chatID, sb.String())
}

func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Error("failed to send reply", slog.String("error", err.Error()))
	}
}

func (b *Bot) editMessage(chatID int64, messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := b.bot.Send(edit); err != nil {
		b.logger.Warn("failed to edit message", slog.String("error", err.Error()))
	}
}

// parseAgentPrefix splits an optional leading "@agent " off the prompt.
func parseAgentPrefix(text, defaultAgent string) (agentID, prompt string) {
	if !strings.HasPrefix(text, "@") {
		return defaultAgent, text
	}

	parts := strings.SplitN(text, " ", 2)
	agentID = strings.TrimPrefix(parts[0], "@")
	if len(parts) > 1 {
		prompt = strings.TrimSpace(parts[1])
	}
	if agentID == "" {
		return defaultAgent, text
	}
	return agentID, prompt
}

// parseApprovalCallback parses inline-keyboard callback data of the form
// "approval:<id>:<approve|reject>".
func parseApprovalCallback(data string) (approvalID string, result streaming.ApprovalResult, err error) {
	parts := strings.Split(strings.TrimSpace(data), ":")
	if len(parts) != 3 || parts[0] != "approval" || parts[1] == "" {
		return "", "", fmt.Errorf("not an approval callback")
	}

	switch parts[2] {
	case "approve":
		return parts[1], streaming.Approved, nil
	case "reject":
		return parts[1], streaming.Rejected, nil
	default:
		return "", "", fmt.Errorf("unknown action %q", parts[2])
	}
}
