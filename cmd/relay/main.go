package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dethon/relay/internal/agent"
	"github.com/dethon/relay/internal/approval"
	"github.com/dethon/relay/internal/config"
	"github.com/dethon/relay/internal/gateway"
	"github.com/dethon/relay/internal/history"
	"github.com/dethon/relay/internal/ingress"
	"github.com/dethon/relay/internal/logger"
	"github.com/dethon/relay/internal/notify"
	"github.com/dethon/relay/internal/session"
	"github.com/dethon/relay/internal/streaming"
	"github.com/dethon/relay/internal/transport/term"
)

var (
	flagAgent         string
	flagShowReasoning bool
)

var rootCmd = &cobra.Command{
	Use:   "relay [prompt]",
	Short: "Send a prompt to an agent and stream the response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOneShot(cmd.Context(), args[0])
	},
	SilenceUsage: true,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAgent, "agent", "", "agent id (defaults to the first configured agent)")
	rootCmd.Flags().BoolVar(&flagShowReasoning, "show-reasoning", false, "print model reasoning deltas to stderr")
	rootCmd.AddCommand(chatCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cliGateway is the in-process stack behind both CLI modes. History lives in
// memory for the lifetime of the invocation.
type cliGateway struct {
	svc     *gateway.Service
	agentID string
	close   func()
}

func buildGateway(ctx context.Context) (*cliGateway, error) {
	config.LoadConfig()
	cfg := config.AppConfig

	// Keep agent output clean; only surface real problems.
	log := logger.New(logger.Config{Level: slog.LevelWarn, Format: "text"})

	agentID := flagAgent
	if agentID == "" {
		agentID = cfg.Agents[0].ID
	}
	if _, ok := cfg.AgentByID(agentID); !ok {
		return nil, fmt.Errorf("unknown agent %q", agentID)
	}

	broker := streaming.NewBroker(streaming.Options{
		BufferSize:       cfg.StreamBufferSize,
		GracePeriod:      cfg.StreamGrace(),
		SubscriberBuffer: cfg.SubscriberBufferSize,
	}, log)
	notifier := notify.NewNotifier(log)
	store := history.NewMemoryStore()
	queue := ingress.NewQueue(log)

	agents := agent.NewRegistry(cfg.Agents)
	sessions := session.NewRegistry(agents.Validate, log)

	var svc *gateway.Service
	groupFn := func(topicID string) string { return svc.GroupSlug(topicID) }

	approvals := approval.NewRendezvous(broker, notifier, groupFn, cfg.ApprovalTimeout(), log)
	svc = gateway.New(sessions, agents, broker, approvals, queue, notifier, store, nil, log)

	model := agent.NewOpenAIClient(cfg.ModelBaseURL, cfg.ModelAPIKey, log)
	worker := agent.NewWorker(queue, broker, approvals, agents, model, store, notifier, groupFn, log)

	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go func() {
		worker.Run(workerCtx)
		close(workerDone)
	}()

	return &cliGateway{
		svc:     svc,
		agentID: agentID,
		close: func() {
			svc.Shutdown()
			stopWorker()
			<-workerDone
		},
	}, nil
}

func runOneShot(ctx context.Context, prompt string) error {
	g, err := buildGateway(ctx)
	if err != nil {
		return err
	}
	defer g.close()

	topicID := "cli-" + uuid.NewString()
	if err := g.svc.StartSession(topicID, g.agentID, 0, 0, ""); err != nil {
		return err
	}

	ch, _, err := g.svc.SendMessage(ctx, topicID, prompt, "cli", "")
	if err != nil {
		return err
	}

	stdin := bufio.NewReader(os.Stdin)
	for msg := range ch {
		switch {
		case msg.ApprovalRequest != nil:
			promptApproval(g.svc, stdin, msg.ApprovalRequest)

		case msg.Error != "":
			fmt.Fprintln(os.Stderr, "error:", msg.Error)
			return fmt.Errorf("turn failed: %s", msg.Error)
		}

		if flagShowReasoning && msg.Reasoning != "" {
			fmt.Fprint(os.Stderr, msg.Reasoning)
		}
		if msg.Content != "" {
			fmt.Print(msg.Content)
		}
		if msg.IsComplete {
			break
		}
	}
	fmt.Println()
	return nil
}

func promptApproval(svc *gateway.Service, stdin *bufio.Reader, req *streaming.ApprovalRequest) {
	fmt.Fprintf(os.Stderr, "\nApprove tool %q? [y/N]: ", req.ToolName)
	line, err := stdin.ReadString('\n')
	result := streaming.Rejected
	if err == nil && strings.EqualFold(strings.TrimSpace(line), "y") {
		result = streaming.Approved
	}
	if err := svc.RespondApproval(req.ApprovalID, result); err != nil {
		fmt.Fprintln(os.Stderr, "approval expired:", err)
	}
}

func runChat(ctx context.Context) error {
	g, err := buildGateway(ctx)
	if err != nil {
		return err
	}
	defer g.close()

	topicID := "cli-" + uuid.NewString()
	if err := g.svc.StartSession(topicID, g.agentID, 0, 0, ""); err != nil {
		return err
	}

	return term.Run(ctx, g.svc, topicID, g.agentID)
}
