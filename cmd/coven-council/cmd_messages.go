// ABOUTME: Message commands: send, receive, history, inbox, thread, summary, conversations
// ABOUTME: Thin consumers of the protocol and conversation services

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-council/internal/conversation"
	"github.com/2389/coven-council/internal/message"
)

// parseFields turns key=value and key:=json pairs into a field map.
// key=value always yields a string; key:=json decodes the JSON value.
func parseFields(pairs []string) (map[string]any, error) {
	fields := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		if key, raw, ok := strings.Cut(pair, ":="); ok && !strings.Contains(key, "=") {
			var v any
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				return nil, fmt.Errorf("field %s: invalid JSON value: %w", key, err)
			}
			fields[strings.TrimSpace(key)] = v
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("field %q: expected key=value or key:=json", pair)
		}
		fields[strings.TrimSpace(key)] = value
	}
	return fields, nil
}

// messageFlags are shared by every command that builds a message.
type messageFlags struct {
	msgType      string
	from         string
	to           string
	conversation string
	replyTo      string
	task         string
	fields       []string
	text         string
}

func (f *messageFlags) register(cmd *cobra.Command, defaultType string) {
	cmd.Flags().StringVarP(&f.msgType, "type", "t", defaultType, "speech act (REQUEST, INFORM, ALERT, ...)")
	cmd.Flags().StringVar(&f.from, "from", "", "sender agent id")
	cmd.Flags().StringVar(&f.replyTo, "reply-to", "", "id of the message this replies to")
	cmd.Flags().StringVar(&f.task, "task", "", "task id")
	cmd.Flags().StringArrayVarP(&f.fields, "field", "f", nil, "payload field key=value or key:=json (repeatable)")
	cmd.Flags().StringVar(&f.text, "text", "", "shorthand for the type's main text field (e.g. information)")
}

// mainField names the field --text fills for each type.
var mainField = map[message.Type]string{
	message.TypeRequest:        "action",
	message.TypeInform:         "information",
	message.TypePropose:        "proposal",
	message.TypeQuery:          "question",
	message.TypeAlert:          "details",
	message.TypeBugReport:      "description",
	message.TypeTaskAssignment: "description",
	message.TypeTaskUpdate:     "status",
	message.TypeReviewRequest:  "artifact",
	message.TypeReviewFeedback: "comments",
	message.TypeReject:         "reason",
}

func (f *messageFlags) build(recipient string, extra ...message.Option) (*message.Message, error) {
	t, err := message.ParseType(f.msgType)
	if err != nil {
		return nil, err
	}
	fields, err := parseFields(f.fields)
	if err != nil {
		return nil, err
	}
	if f.text != "" {
		key, ok := mainField[t]
		if !ok {
			return nil, fmt.Errorf("--text is not supported for %s; use --field", t)
		}
		fields[key] = f.text
	}

	var opts []message.Option
	if f.conversation != "" {
		opts = append(opts, message.WithConversation(f.conversation))
	}
	if f.replyTo != "" {
		opts = append(opts, message.WithReplyTo(f.replyTo))
	}
	if f.task != "" {
		opts = append(opts, message.WithTask(f.task))
	}
	opts = append(opts, extra...)

	return message.Build(t, f.from, recipient, fields, opts...)
}

func newSendCmd(c *cli) *cobra.Command {
	var f messageFlags
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a speech act into a conversation",
		Example: `  coven-council send -t REQUEST --from planner --to coder -f action=build -f priority=high
  coven-council send -t INFORM --from coder --to planner --conversation $CONV --reply-to $ID --text "done"
  coven-council send -t TASK_UPDATE --from coder --to planner -f task_id=t1 -f status=running -f progress:=40`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := f.build(f.to)
			if err != nil {
				return err
			}
			return c.withApp(func(a *app) error {
				conv, err := a.conversations.Route(cmd.Context(), msg)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				color.New(color.FgGreen).Fprint(out, "✓ ")
				fmt.Fprintf(out, "sent %s %s\n", msg.Type, msg.ID)
				fmt.Fprintf(out, "  conversation: %s\n", conv.ID())
				return nil
			})
		},
	}
	f.register(cmd, "INFORM")
	cmd.Flags().StringVar(&f.to, "to", "", "recipient agent id")
	cmd.Flags().StringVar(&f.conversation, "conversation", "", "conversation id (new conversation when empty)")
	return cmd
}

func newReceiveCmd(c *cli) *cobra.Command {
	var watch []string

	cmd := &cobra.Command{
		Use:   "receive [file]",
		Short: "Ingest wire-format messages (one JSON object per line) from a file or stdin",
		Long: `Ingest wire-format messages (one JSON object per line) from a file or stdin.

Each accepted message is routed through its conversation, so it shows up in
history, thread, and summary afterwards. With --watch, events delivered to
the named agents are printed as they arrive.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				file, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer file.Close()
				in = file
			}

			return c.withApp(func(a *app) error {
				out := cmd.OutOrStdout()

				ctx, cancel := context.WithCancel(cmd.Context())
				defer cancel()
				inboxes := make(map[string]<-chan *conversation.Event, len(watch))
				for _, agent := range watch {
					ch, _ := a.broadcaster.Subscribe(ctx, agent)
					inboxes[agent] = ch
				}

				dec := json.NewDecoder(in)
				var accepted, failed int
				for {
					var raw json.RawMessage
					if err := dec.Decode(&raw); err == io.EOF {
						break
					} else if err != nil {
						return fmt.Errorf("reading input: %w", err)
					}

					msg, err := a.protocol.Receive(ctx, raw)
					if err != nil {
						failed++
						color.New(color.FgYellow).Fprintf(out, "✗ %v\n", err)
						continue
					}
					accepted++
					fmt.Fprintf(out, "✓ %s %s\n", msg.Type, msg.ID)
					for _, agent := range watch {
						drainInbox(out, agent, inboxes[agent])
					}
				}
				fmt.Fprintf(out, "%d accepted, %d rejected\n", accepted, failed)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&watch, "watch", nil, "print events delivered to these agents")
	return cmd
}

// drainInbox prints every event already queued for agent without blocking.
func drainInbox(out io.Writer, agent string, ch <-chan *conversation.Event) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Message == nil {
				fmt.Fprintf(out, "  → %s: %s\n", agent, ev.Kind)
				continue
			}
			fmt.Fprintf(out, "  → %s: %s %s from %s\n", agent, ev.Message.Type, ev.Message.ID, ev.Message.SenderID)
		default:
			return
		}
	}
}

func printMessages(out io.Writer, msgs []*message.Message, asJSON bool) error {
	for _, m := range msgs {
		if asJSON {
			data, err := message.Encode(m)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			continue
		}
		printMessage(out, m, "")
	}
	return nil
}

func printMessage(out io.Writer, m *message.Message, indent string) {
	gray := color.New(color.FgHiBlack)
	fmt.Fprint(out, indent)
	if m.SequenceNumber > 0 {
		color.New(color.FgCyan).Fprintf(out, "#%-3d ", m.SequenceNumber)
	}
	gray.Fprintf(out, "%s ", m.CreatedAt.Format("2006-01-02 15:04:05"))
	color.New(color.Bold).Fprintf(out, "%s", m.Type)
	fmt.Fprintf(out, " %s -> %s ", m.SenderID, m.RecipientID)
	fmt.Fprintln(out, contentLine(m))
	gray.Fprintf(out, "%s  id=%s", indent, m.ID)
	if m.InReplyTo != "" {
		gray.Fprintf(out, " reply_to=%s", m.InReplyTo)
	}
	fmt.Fprintln(out)
}

func contentLine(m *message.Message) string {
	if !m.Content.IsStructured() {
		return m.Content.Text
	}
	keys := make([]string, 0, len(m.Content.Fields))
	for k := range m.Content.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m.Content.Fields[k]))
	}
	return strings.Join(parts, " ")
}

func newHistoryCmd(c *cli) *cobra.Command {
	var limit, offset int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <conversation>",
		Short: "Show a conversation's messages, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				msgs, err := a.protocol.GetConversationMessages(cmd.Context(), args[0], limit, offset)
				if err != nil {
					return err
				}
				return printMessages(cmd.OutOrStdout(), msgs, asJSON)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "page size (max 500)")
	cmd.Flags().IntVar(&offset, "offset", 0, "messages to skip")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print wire-format JSON lines")
	return cmd
}

func newInboxCmd(c *cli) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inbox <agent>",
		Short: "Show messages sent or received by an agent, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				msgs, err := a.protocol.GetAgentMessages(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				return printMessages(cmd.OutOrStdout(), msgs, asJSON)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum messages (max 500)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print wire-format JSON lines")
	return cmd
}

func newThreadCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "thread <conversation> <message>",
		Short: "Show a message and its direct replies",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				conv, err := a.conversations.Open(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				thread, err := conv.GetThread(cmd.Context(), args[1])
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if thread.Message == nil {
					fmt.Fprintf(out, "Message %s is not part of conversation %s.\n", args[1], args[0])
					return nil
				}
				printMessage(out, thread.Message, "")
				for _, r := range thread.Replies {
					printMessage(out, r, "    ")
				}
				return nil
			})
		},
	}
}

func newSummaryCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "summary <conversation>",
		Short: "Summarize a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				conv, err := a.conversations.Open(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				sum, err := conv.GetSummary(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				bold := color.New(color.Bold)
				bold.Fprintf(out, "Conversation %s\n", sum.ConversationID)
				if sum.Topic != "" {
					fmt.Fprintf(out, "  topic:        %s\n", sum.Topic)
				}
				fmt.Fprintf(out, "  messages:     %d\n", sum.MessageCount)
				fmt.Fprintf(out, "  participants: %d (%s)\n", sum.ParticipantCount, strings.Join(sum.Participants, ", "))
				fmt.Fprintf(out, "  age:          %s\n", sum.Duration.Round(1e9))
				fmt.Fprintf(out, "  last active:  %s\n", sum.LastActivity.Format("2006-01-02 15:04:05"))

				types := make([]string, 0, len(sum.TypeCounts))
				for t := range sum.TypeCounts {
					types = append(types, string(t))
				}
				sort.Strings(types)
				fmt.Fprintf(out, "  types (last %d):\n", sum.SampleSize)
				for _, t := range types {
					fmt.Fprintf(out, "    %-16s %d\n", t, sum.TypeCounts[message.Type(t)])
				}
				return nil
			})
		},
	}
}

func newConversationsCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List conversations by most recent activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				convs, err := a.conversations.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(convs) == 0 {
					fmt.Fprintln(out, "No conversations.")
					return nil
				}
				for _, conv := range convs {
					fmt.Fprintf(out, "%s  %s  %-24s %s\n",
						conv.ID,
						conv.LastActivity.Format("2006-01-02 15:04"),
						dash(conv.Topic),
						strings.Join(conv.Participants, ","))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum conversations (max 500)")
	return cmd
}
