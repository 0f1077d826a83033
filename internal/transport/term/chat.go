package term

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dethon/relay/internal/gateway"
	"github.com/dethon/relay/internal/streaming"
)

type chatRole string

const (
	chatRoleUser      chatRole = "user"
	chatRoleAssistant chatRole = "assistant"
	chatRoleSystem    chatRole = "system"
)

type chatEntry struct {
	role chatRole
	text string
}

type frameMsg struct {
	msg streaming.StreamMessage
	ok  bool
}

type ctxDoneMsg struct{}

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	approvalStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
)

// chatModel is the interactive chat UI over an in-process gateway.
type chatModel struct {
	ctx     context.Context
	svc     *gateway.Service
	topicID string
	agentID string

	width  int
	height int

	history  []chatEntry
	thinking bool
	spin     spinner.Model

	// Live subscription for the in-flight turn.
	frames <-chan streaming.StreamMessage

	// Streaming assistant text accumulates into the last history entry.
	streamingEntry bool

	pendingApproval *streaming.ApprovalRequest

	input  []rune
	cursor int
}

func newChatModel(ctx context.Context, svc *gateway.Service, topicID, agentID string) chatModel {
	m := chatModel{
		ctx:     ctx,
		svc:     svc,
		topicID: topicID,
		agentID: agentID,
		spin:    spinner.New(spinner.WithSpinner(spinner.Line)),
	}
	m.history = append(m.history, chatEntry{
		role: chatRoleSystem,
		text: fmt.Sprintf("Chatting with @%s. Ctrl+C to quit, Ctrl+X to cancel a response.", agentID),
	})
	return m
}

// Run starts the chat TUI and blocks until it exits.
func Run(ctx context.Context, svc *gateway.Service, topicID, agentID string) error {
	p := tea.NewProgram(newChatModel(ctx, svc, topicID, agentID), tea.WithAltScreen())
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m chatModel) Init() tea.Cmd {
	return waitCtxDone(m.ctx)
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

func waitForFrame(ch <-chan streaming.StreamMessage) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		return frameMsg{msg: msg, ok: ok}
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ctxDoneMsg:
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case frameMsg:
		return m.handleFrame(msg)

	case spinner.TickMsg:
		if !m.thinking {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m chatModel) handleFrame(fm frameMsg) (tea.Model, tea.Cmd) {
	if !fm.ok {
		// End of stream.
		m.thinking = false
		m.frames = nil
		m.streamingEntry = false
		return m, nil
	}

	frame := fm.msg
	switch {
	case frame.ApprovalRequest != nil:
		m.pendingApproval = frame.ApprovalRequest

	case frame.Error != "":
		m.history = append(m.history, chatEntry{role: chatRoleSystem, text: "Error: " + frame.Error})
		m.streamingEntry = false

	case frame.Content != "" || frame.Reasoning != "":
		if !m.streamingEntry {
			m.history = append(m.history, chatEntry{role: chatRoleAssistant})
			m.streamingEntry = true
		}
		m.history[len(m.history)-1].text += frame.Content

	case len(frame.ToolCalls) > 0 && frame.ApprovalRequest == nil:
		names := make([]string, len(frame.ToolCalls))
		for i, tc := range frame.ToolCalls {
			names[i] = tc.Name
		}
		m.history = append(m.history, chatEntry{
			role: chatRoleSystem,
			text: "Running tools: " + strings.Join(names, ", "),
		})
	}

	if frame.IsComplete {
		m.thinking = false
		m.streamingEntry = false
	}

	return m, waitForFrame(m.frames)
}

func (m chatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// A pending approval takes over y/n until decided.
	if m.pendingApproval != nil {
		switch msg.String() {
		case "y", "Y":
			m.svc.RespondApproval(m.pendingApproval.ApprovalID, streaming.Approved)
			m.history = append(m.history, chatEntry{role: chatRoleSystem,
				text: "Approved: " + m.pendingApproval.ToolName})
			m.pendingApproval = nil
			return m, nil
		case "n", "N":
			m.svc.RespondApproval(m.pendingApproval.ApprovalID, streaming.Rejected)
			m.history = append(m.history, chatEntry{role: chatRoleSystem,
				text: "Rejected: " + m.pendingApproval.ToolName})
			m.pendingApproval = nil
			return m, nil
		case "ctrl+c", "ctrl+d":
			return m, tea.Quit
		}
		return m, nil
	}

	switch msg.String() {
	case "ctrl+c", "ctrl+d":
		return m, tea.Quit

	case "ctrl+x":
		if m.thinking {
			m.svc.CancelTopic(m.ctx, m.topicID, "terminal")
		}
		return m, nil

	case "enter":
		if m.thinking {
			return m, nil
		}
		line := strings.TrimSpace(string(m.input))
		m.input = nil
		m.cursor = 0
		if line == "" {
			return m, nil
		}

		m.history = append(m.history, chatEntry{role: chatRoleUser, text: line})

		ch, _, err := m.svc.SendMessage(m.ctx, m.topicID, line, "terminal", "")
		if err != nil {
			m.history = append(m.history, chatEntry{role: chatRoleSystem, text: "Error: " + err.Error()})
			return m, nil
		}
		m.frames = ch
		m.thinking = true
		return m, tea.Batch(waitForFrame(m.frames), m.spin.Tick)

	case "backspace":
		m.input, m.cursor = deleteRuneLeft(m.input, m.cursor)
		return m, nil
	case "left":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "right":
		if m.cursor < len(m.input) {
			m.cursor++
		}
		return m, nil
	case "home", "ctrl+a":
		m.cursor = 0
		return m, nil
	case "end", "ctrl+e":
		m.cursor = len(m.input)
		return m, nil
	case "ctrl+u":
		m.input = nil
		m.cursor = 0
		return m, nil
	case " ":
		m.input, m.cursor = insertRunes(m.input, m.cursor, []rune{' '})
		return m, nil
	}

	if msg.Type == tea.KeyRunes && len(msg.Runes) > 0 {
		filtered := make([]rune, 0, len(msg.Runes))
		for _, r := range msg.Runes {
			if r >= 0x20 {
				filtered = append(filtered, r)
			}
		}
		if len(filtered) > 0 {
			m.input, m.cursor = insertRunes(m.input, m.cursor, filtered)
		}
	}
	return m, nil
}

func (m chatModel) View() string {
	var b strings.Builder

	hLines := m.renderHistoryLines()
	available := m.height - 5
	if available < 3 {
		available = 3
	}
	if len(hLines) > available {
		hLines = hLines[len(hLines)-available:]
	}
	for _, l := range hLines {
		b.WriteString(l)
		b.WriteString("\n")
	}

	b.WriteString("\n")

	if m.pendingApproval != nil {
		b.WriteString(approvalStyle.Render(
			fmt.Sprintf("Approve tool %q? [y/n]", m.pendingApproval.ToolName)))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(fmt.Sprintf("@%s> %s\n", m.agentID, renderCursor(string(m.input), m.cursor)))

	if m.thinking {
		b.WriteString(fmt.Sprintf("%s thinking... (Ctrl+X to cancel)\n", m.spin.View()))
	} else {
		b.WriteString("\n")
	}

	return b.String()
}

func (m chatModel) renderHistoryLines() []string {
	lines := make([]string, 0, len(m.history)*2)
	for _, e := range m.history {
		var prefix string
		switch e.role {
		case chatRoleUser:
			prefix = userStyle.Render("You: ")
		case chatRoleAssistant:
			prefix = assistantStyle.Render("@" + m.agentID + ": ")
		case chatRoleSystem:
			prefix = systemStyle.Render("* ")
		}
		for _, line := range strings.Split(e.text, "\n") {
			lines = append(lines, prefix+line)
		}
	}
	return lines
}

func renderCursor(s string, cursor int) string {
	runes := []rune(s)
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(runes) {
		cursor = len(runes)
	}
	return string(runes[:cursor]) + "_" + string(runes[cursor:])
}

func insertRunes(in []rune, cursor int, r []rune) ([]rune, int) {
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(in) {
		cursor = len(in)
	}
	out := make([]rune, 0, len(in)+len(r))
	out = append(out, in[:cursor]...)
	out = append(out, r...)
	out = append(out, in[cursor:]...)
	return out, cursor + len(r)
}

func deleteRuneLeft(in []rune, cursor int) ([]rune, int) {
	if cursor <= 0 || len(in) == 0 {
		return in, 0
	}
	if cursor > len(in) {
		cursor = len(in)
	}
	out := append([]rune(nil), in[:cursor-1]...)
	out = append(out, in[cursor:]...)
	return out, cursor - 1
}
