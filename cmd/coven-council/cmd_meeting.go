// ABOUTME: meeting command group: schedule, start, say, end, show, list, minutes
// ABOUTME: Drives the meeting sequencer and renders minutes as Markdown or HTML

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-council/internal/meeting"
	"github.com/2389/coven-council/internal/store"
)

func newMeetingCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meeting",
		Short: "Schedule and run sequenced meetings",
	}
	cmd.AddCommand(
		newMeetingScheduleCmd(c),
		newMeetingStartCmd(c),
		newMeetingSayCmd(c),
		newMeetingEndCmd(c),
		newMeetingShowCmd(c),
		newMeetingListCmd(c),
		newMeetingMinutesCmd(c),
	)
	return cmd
}

func newMeetingScheduleCmd(c *cli) *cobra.Command {
	var req meeting.ScheduleRequest
	var at string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a meeting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at (want RFC3339): %w", err)
				}
				req.ScheduledAt = t
			}
			return c.withApp(func(a *app) error {
				m, err := a.meetings.Schedule(cmd.Context(), req)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				color.New(color.FgGreen).Fprint(out, "✓ ")
				fmt.Fprintf(out, "scheduled %s\n", m.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Type, "type", "standup", "meeting type (standup, review, planning, ...)")
	cmd.Flags().StringVar(&req.Title, "title", "", "meeting title")
	cmd.Flags().StringSliceVar(&req.Participants, "participant", nil, "participant agent id (repeatable or comma separated)")
	cmd.Flags().StringVar(&at, "at", "", "scheduled time, RFC3339 (default now)")
	_ = cmd.MarkFlagRequired("participant")
	return cmd
}

func newMeetingStartCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "start <meeting>",
		Short: "Start a scheduled meeting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				m, err := a.meetings.Start(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "meeting %s is %s\n", m.ID, m.State)
				return nil
			})
		},
	}
}

func newMeetingSayCmd(c *cli) *cobra.Command {
	var f messageFlags
	cmd := &cobra.Command{
		Use:   "say <meeting>",
		Short: "Post a message to an active meeting",
		Example: `  coven-council meeting say $MEETING --from coder --text "tests are green"
  coven-council meeting say $MEETING --from planner -t PROPOSE --text "ship friday"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meetingID := args[0]
			to := f.to
			if to == "" {
				to = meetingID
			}
			msg, err := f.build(to)
			if err != nil {
				return err
			}
			return c.withApp(func(a *app) error {
				seq, err := a.meetings.Send(cmd.Context(), meetingID, msg)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "#%d %s %s\n", seq, msg.Type, msg.ID)
				return nil
			})
		},
	}
	f.register(cmd, "INFORM")
	cmd.Flags().StringVar(&f.to, "to", "", "addressed participant (default the whole meeting)")
	return cmd
}

// parseActionItem reads "description@assignee" with an optional "#2006-01-02" due date.
func parseActionItem(s string) (store.ActionItem, error) {
	var item store.ActionItem
	if rest, due, ok := strings.Cut(s, "#"); ok {
		t, err := time.Parse(time.DateOnly, strings.TrimSpace(due))
		if err != nil {
			return item, fmt.Errorf("action %q: invalid due date: %w", s, err)
		}
		item.Due = &t
		s = rest
	}
	desc, assignee, _ := strings.Cut(s, "@")
	item.Description = strings.TrimSpace(desc)
	item.Assignee = strings.TrimSpace(assignee)
	if item.Description == "" {
		return item, fmt.Errorf("action %q: empty description", s)
	}
	return item, nil
}

func newMeetingEndCmd(c *cli) *cobra.Command {
	var outcome meeting.Outcome
	var actions []string
	cmd := &cobra.Command{
		Use:   "end <meeting>",
		Short: "End an active meeting and record its outcome",
		Example: `  coven-council meeting end $MEETING --summary "sprint planned" \
      --decision "adopt sqlite" --action "write migration@coder#2026-11-01"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, raw := range actions {
				item, err := parseActionItem(raw)
				if err != nil {
					return err
				}
				outcome.ActionItems = append(outcome.ActionItems, item)
			}
			return c.withApp(func(a *app) error {
				m, err := a.meetings.End(cmd.Context(), args[0], outcome)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "meeting %s is %s after %d messages\n", m.ID, m.State, m.LastSequence)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outcome.Summary, "summary", "", "meeting summary")
	cmd.Flags().StringArrayVar(&outcome.Decisions, "decision", nil, "decision taken (repeatable)")
	cmd.Flags().StringArrayVar(&actions, "action", nil, `action item "description@assignee#YYYY-MM-DD" (repeatable)`)
	return cmd
}

func printMeeting(out io.Writer, m *store.Meeting) {
	stateColor := map[store.MeetingState]color.Attribute{
		store.MeetingScheduled: color.FgYellow,
		store.MeetingActive:    color.FgGreen,
		store.MeetingEnded:     color.FgHiBlack,
	}[m.State]

	fmt.Fprintf(out, "%s  ", m.ID)
	color.New(stateColor).Fprintf(out, "%-9s ", m.State)
	fmt.Fprintf(out, "%-10s %s  [%s]\n", m.Type, dash(m.Title), strings.Join(m.Participants, ","))
}

func newMeetingShowCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <meeting>",
		Short: "Show a meeting and its sequenced messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				m, err := a.meetings.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				msgs, err := a.meetings.Messages(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !asJSON {
					printMeeting(out, m)
				}
				return printMessages(out, msgs, asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print messages as wire-format JSON lines")
	return cmd
}

func newMeetingListCmd(c *cli) *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List meetings, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.MeetingState(strings.ToLower(state))
			switch filter {
			case "", store.MeetingScheduled, store.MeetingActive, store.MeetingEnded:
			default:
				return fmt.Errorf("unknown state %q", state)
			}
			return c.withApp(func(a *app) error {
				meetings, err := a.meetings.List(cmd.Context(), filter, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(meetings) == 0 {
					fmt.Fprintln(out, "No meetings.")
					return nil
				}
				for _, m := range meetings {
					printMeeting(out, m)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state (scheduled, active, ended)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum meetings (max 500)")
	return cmd
}

func newMeetingMinutesCmd(c *cli) *cobra.Command {
	var asHTML bool
	cmd := &cobra.Command{
		Use:   "minutes <meeting>",
		Short: "Render meeting minutes as Markdown (or HTML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				mins, err := a.meetings.Minutes(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !asHTML {
					fmt.Fprint(out, mins.Markdown())
					return nil
				}
				html, err := mins.HTML()
				if err != nil {
					return err
				}
				fmt.Fprint(out, html)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asHTML, "html", false, "render HTML instead of Markdown")
	return cmd
}

