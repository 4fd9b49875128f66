package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/view"
	"github.com/dyluth/warren/pkg/bus"
	"github.com/dyluth/warren/pkg/coord"
	"github.com/dyluth/warren/pkg/protocol"
)

var (
	inboxAgent    string
	inboxTo       string
	inboxType     string
	inboxSubject  string
	inboxPriority string
	inboxPayload  string
	inboxTTL      time.Duration
	inboxReplyTo  string
	inboxCount    int
	inboxWait     time.Duration
	inboxOutput   string
)

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Send and receive messages on a networked bus",
	Long: `Work with agent inboxes stored in Redis.

These commands need 'backend: networked' in warren.yml: a memory backend
lives only as long as the process that created it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var inboxSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message as an agent",
	Long: `Send one message. Use --to '*' to reach every other agent.

Examples:
  warren inbox send --as pm --to dev --type task_request --subject "Build export" \
    --payload '{"task_id": "build"}'
  warren inbox send --as pm --to '*' --type state_sync --priority high`,
	RunE: runInboxSend,
}

var inboxReceiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Take messages from an agent's inbox",
	Long: `Receive up to --count messages, highest priority first. Received
messages are removed from the inbox.

Output Formats:
  default - Table with ID, priority, type, sender, age and subject
  jsonl   - One message per line`,
	RunE: runInboxReceive,
}

var inboxLenCmd = &cobra.Command{
	Use:   "len",
	Short: "Show how many messages are waiting",
	Long:  "Show pending message counts for one agent (--as) or every configured agent.",
	RunE:  runInboxLen,
}

func init() {
	inboxCmd.PersistentFlags().StringVar(&inboxAgent, "as", "", "Agent to act as")

	inboxSendCmd.Flags().StringVar(&inboxTo, "to", "", "Recipient agent, or '*' for everyone")
	inboxSendCmd.Flags().StringVar(&inboxType, "type", "", "Message type (e.g. task_request)")
	inboxSendCmd.Flags().StringVar(&inboxSubject, "subject", "", "Subject line")
	inboxSendCmd.Flags().StringVar(&inboxPriority, "priority", string(protocol.PriorityNormal), "low, normal, high or urgent")
	inboxSendCmd.Flags().StringVar(&inboxPayload, "payload", "", "JSON object payload")
	inboxSendCmd.Flags().DurationVar(&inboxTTL, "ttl", 0, "Time to live (default from warren.yml)")
	inboxSendCmd.Flags().StringVar(&inboxReplyTo, "reply-to", "", "ID of the message this one answers")

	inboxReceiveCmd.Flags().IntVarP(&inboxCount, "count", "n", 1, "Maximum number of messages to receive")
	inboxReceiveCmd.Flags().DurationVar(&inboxWait, "wait", 0, "How long to wait for the first message")
	inboxReceiveCmd.Flags().StringVarP(&inboxOutput, "output", "o", "default", "Output format: default or jsonl")

	inboxCmd.AddCommand(inboxSendCmd, inboxReceiveCmd, inboxLenCmd)
	rootCmd.AddCommand(inboxCmd)
}

// openNetworked opens a core and rejects the memory backend.
func openNetworked(ctx context.Context, p *printer.Printer) (*coord.Core, error) {
	cfg, err := loadConfig(p)
	if err != nil {
		return nil, err
	}
	if cfg.Backend != config.BackendNetworked {
		return nil, p.ErrorWithContext(
			"inbox commands need the networked backend",
			"Messages on the memory backend disappear when the process exits.",
			map[string]string{"Config": configPath, "Backend": cfg.Backend},
			[]string{"Set in warren.yml:\n  backend: networked\n  redis:\n    url: redis://localhost:6379/0"},
		)
	}
	return openCore(ctx, p)
}

func actingClient(p *printer.Printer, core *coord.Core) (*coord.Client, error) {
	if inboxAgent == "" {
		return nil, p.Error("no agent given", "Inbox commands act as one agent.", []string{"Pass --as <agent>"})
	}
	c, err := core.Client(inboxAgent)
	if err != nil {
		return nil, p.Error(
			fmt.Sprintf("unknown agent '%s'", inboxAgent),
			fmt.Sprintf("%s is not declared in %s.", inboxAgent, configPath),
			[]string{"List agents:\n  warren validate"},
		)
	}
	return c, nil
}

func runInboxSend(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	p := newPrinter(cmd)

	var payload protocol.Payload
	if inboxPayload != "" {
		if err := json.Unmarshal([]byte(inboxPayload), &payload); err != nil {
			return p.Error("invalid --payload", fmt.Sprintf("Payload must be a JSON object: %v", err), nil)
		}
	}

	core, err := openNetworked(ctx, p)
	if err != nil {
		return err
	}
	defer core.Close()

	c, err := actingClient(p, core)
	if err != nil {
		return err
	}

	id, err := c.Send(ctx, &protocol.Message{
		To:       inboxTo,
		Type:     protocol.MessageType(inboxType),
		Subject:  inboxSubject,
		Priority: protocol.Priority(inboxPriority),
		Payload:  payload,
		TTL:      inboxTTL,
		ReplyTo:  inboxReplyTo,
	})
	if err != nil {
		return p.Error("message rejected", err.Error(), nil)
	}

	p.Success("Sent %s to %s\n", inboxType, inboxTo)
	p.Info("  ID: %s\n", id)
	return nil
}

func runInboxReceive(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	p := newPrinter(cmd)

	if inboxOutput != "default" && inboxOutput != "jsonl" {
		return p.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", inboxOutput),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	core, err := openNetworked(ctx, p)
	if err != nil {
		return err
	}
	defer core.Close()

	c, err := actingClient(p, core)
	if err != nil {
		return err
	}

	var msgs []*protocol.Message
	wait := inboxWait
	for len(msgs) < inboxCount {
		msg, err := c.Receive(ctx, wait)
		if bus.IsEmpty(err) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to receive: %w", err)
		}
		msgs = append(msgs, msg)
		// Only the first receive waits; the rest drain what is already queued.
		wait = 0
	}

	if inboxOutput == "jsonl" {
		return view.FormatJSONL(p.Out(), msgs)
	}
	view.FormatMessages(p.Out(), msgs, inboxAgent, core.Now())
	return nil
}

func runInboxLen(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	p := newPrinter(cmd)

	core, err := openNetworked(ctx, p)
	if err != nil {
		return err
	}
	defer core.Close()

	agents := core.Config.AgentNames()
	if inboxAgent != "" {
		if _, err := actingClient(p, core); err != nil {
			return err
		}
		agents = []string{inboxAgent}
	}

	for _, name := range agents {
		n, err := core.Bus.Pending(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to count messages for %s: %w", name, err)
		}
		p.Info("%-16s %d\n", name, n)
	}
	return nil
}
