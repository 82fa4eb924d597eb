// ABOUTME: Entry point for the coven-council CLI
// ABOUTME: Wires config, store, protocol, conversations, and meetings behind a cobra command tree

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/coven-council/internal/config"
	"github.com/2389/coven-council/internal/conversation"
	"github.com/2389/coven-council/internal/meeting"
	"github.com/2389/coven-council/internal/message"
	"github.com/2389/coven-council/internal/protocol"
	"github.com/2389/coven-council/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        ___ ___  _   _ _ __   ___(_) |
 / __/ _ \ \ / / _ \ '_ \ _____/ __/ _ \| | | | '_ \ / __| | |
| (_| (_) \ V /  __/ | | |_____| (_| (_) | |_| | | | | (__| | |
 \___\___/ \_/ \___|_| |_|      \___\___/ \__,_|_| |_|\___|_|_|
`

// app holds the wired components for one CLI invocation.
type app struct {
	configPath    string
	cfg           *config.Config
	logger        *slog.Logger
	store         store.Store
	protocol      *protocol.Protocol
	broadcaster   *conversation.Broadcaster
	conversations *conversation.Service
	meetings      *meeting.Service
}

// openApp loads configuration and builds every component on top of the store.
func openApp(configPath string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging, logOut)
	slog.SetDefault(logger)

	st, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	proto := protocol.New(st, protocol.Options{
		ValidateRecipients: cfg.Protocol.ValidateRecipients,
		SendTimeout:        cfg.Protocol.SendTimeout,
		HandlerTimeout:     cfg.Protocol.HandlerTimeout,
		DedupeTTL:          cfg.Protocol.DedupeTTL,
		DedupeSize:         cfg.Protocol.DedupeSize,
	}, logger)
	for _, a := range cfg.Agents {
		if err := proto.RegisterAgent(protocol.Agent{ID: a.ID, Type: a.Type, Name: a.Name}); err != nil {
			proto.Close()
			st.Close()
			return nil, fmt.Errorf("registering agent %s: %w", a.ID, err)
		}
	}

	broadcaster := conversation.NewBroadcaster(logger)
	convs := conversation.NewService(st, proto, broadcaster, conversation.Options{
		ContextWindow: cfg.Conversation.ContextWindow,
		SummarySample: cfg.Conversation.SummarySample,
	}, logger)
	// Inbound wire messages go through the conversation engine so history,
	// threads, and subscribers stay in step with locally sent messages.
	proto.SetRouter(convs)
	if err := registerAuditHandlers(proto, logger); err != nil {
		proto.Close()
		st.Close()
		return nil, err
	}

	meetings := meeting.NewService(st, proto, broadcaster, meeting.Options{
		BroadcastConcurrency: cfg.Meeting.BroadcastConcurrency,
		SendTimeout:          cfg.Protocol.SendTimeout,
	}, logger)

	return &app{
		configPath:    configPath,
		cfg:           cfg,
		logger:        logger,
		store:         st,
		protocol:      proto,
		broadcaster:   broadcaster,
		conversations: convs,
		meetings:      meetings,
	}, nil
}

// registerAuditHandlers logs every delivered message at debug level.
func registerAuditHandlers(proto *protocol.Protocol, logger *slog.Logger) error {
	audit := logger.With("component", "audit")
	for _, t := range message.Types() {
		err := proto.RegisterHandler(t, func(_ context.Context, msg *message.Message) error {
			audit.Debug("message delivered",
				"type", msg.Type,
				"message_id", msg.ID,
				"conversation_id", msg.ConversationID,
				"sender_id", msg.SenderID,
				"recipient_id", msg.RecipientID,
			)
			return nil
		})
		if err != nil {
			return fmt.Errorf("registering audit handler for %s: %w", t, err)
		}
	}
	return nil
}

func (a *app) Close() {
	a.broadcaster.Close()
	a.protocol.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
}

// cli carries state shared by all commands.
type cli struct {
	configFlag string
	stdout     io.Writer
	stderr     io.Writer
}

// withApp opens the app for the duration of fn.
func (c *cli) withApp(fn func(a *app) error) error {
	a, err := openApp(config.ResolvePath(c.configFlag), c.stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "coven-council",
		Short: "Agent-to-agent messaging, conversations, and meetings",
		Long: `coven-council records typed speech-act messages between agents,
threads them into conversations, and runs sequenced meetings.

Configuration is read from --config, $COVEN_COUNCIL_CONFIG, or
$XDG_CONFIG_HOME/coven/council.yaml.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&c.configFlag, "config", "", "config file (YAML or .toml)")

	root.AddCommand(
		newInitCmd(c),
		newAgentsCmd(c),
		newSendCmd(c),
		newReceiveCmd(c),
		newHistoryCmd(c),
		newInboxCmd(c),
		newThreadCmd(c),
		newSummaryCmd(c),
		newConversationsCmd(c),
		newMeetingCmd(c),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
