// ABOUTME: Renders meeting minutes (outcome plus sequenced transcript) as Markdown and HTML
// ABOUTME: HTML goes through goldmark with raw HTML disabled, so agent content is escaped

package minutes

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/coven-council/internal/message"
	"github.com/2389/coven-council/internal/store"
)

const timeLayout = "2006-01-02 15:04 MST"

// Minutes is a meeting with its messages in sequence order.
type Minutes struct {
	Meeting  *store.Meeting
	Messages []*message.Message
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

// Markdown renders the minutes as a Markdown document.
func (m *Minutes) Markdown() string {
	mt := m.Meeting
	var b strings.Builder

	title := mt.Title
	if title == "" {
		title = mt.ID
	}
	fmt.Fprintf(&b, "# %s\n\n", escape(title))

	fmt.Fprintf(&b, "- **Meeting:** `%s`\n", mt.ID)
	if mt.Type != "" {
		fmt.Fprintf(&b, "- **Type:** %s\n", escape(mt.Type))
	}
	fmt.Fprintf(&b, "- **State:** %s\n", mt.State)
	fmt.Fprintf(&b, "- **Scheduled:** %s\n", mt.ScheduledAt.Format(timeLayout))
	if mt.StartedAt != nil {
		fmt.Fprintf(&b, "- **Started:** %s\n", mt.StartedAt.Format(timeLayout))
	}
	if mt.EndedAt != nil {
		fmt.Fprintf(&b, "- **Ended:** %s\n", mt.EndedAt.Format(timeLayout))
		if mt.StartedAt != nil {
			fmt.Fprintf(&b, "- **Duration:** %s\n", mt.EndedAt.Sub(*mt.StartedAt).Round(time.Second))
		}
	}
	if len(mt.Participants) > 0 {
		fmt.Fprintf(&b, "- **Participants:** %s\n", escape(strings.Join(mt.Participants, ", ")))
	}

	if mt.Summary != "" {
		fmt.Fprintf(&b, "\n## Summary\n\n%s\n", escape(mt.Summary))
	}

	if len(mt.Decisions) > 0 {
		b.WriteString("\n## Decisions\n\n")
		for i, d := range mt.Decisions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, escape(d))
		}
	}

	if len(mt.ActionItems) > 0 {
		b.WriteString("\n## Action Items\n\n")
		b.WriteString("| Item | Assignee | Due |\n|---|---|---|\n")
		for _, item := range mt.ActionItems {
			due := ""
			if item.Due != nil {
				due = item.Due.Format("2006-01-02")
			}
			fmt.Fprintf(&b, "| %s | %s | %s |\n", cell(item.Description), cell(item.Assignee), due)
		}
	}

	b.WriteString("\n## Transcript\n\n")
	if len(m.Messages) == 0 {
		b.WriteString("_No messages._\n")
	}
	for _, msg := range m.Messages {
		fmt.Fprintf(&b, "%d. **%s** `%s` %s\n",
			msg.SequenceNumber, escape(msg.SenderID), msg.Type, escape(describe(msg)))
	}

	return b.String()
}

// HTML renders the minutes as an HTML fragment.
func (m *Minutes) HTML() (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(m.Markdown()), &buf); err != nil {
		return "", fmt.Errorf("rendering minutes: %w", err)
	}
	return buf.String(), nil
}

// describe flattens message content into one line.
func describe(msg *message.Message) string {
	if !msg.Content.IsStructured() {
		return oneLine(msg.Content.Text)
	}
	keys := make([]string, 0, len(msg.Content.Fields))
	for k := range msg.Content.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, msg.Content.Fields[k]))
	}
	return oneLine(strings.Join(parts, "; "))
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var mdEscaper = strings.NewReplacer(
	`\`, `\\`, "*", `\*`, "_", `\_`, "`", "\\`", "[", `\[`, "]", `\]`, "<", "&lt;", ">", "&gt;", "#", `\#`,
)

// escape neutralizes Markdown syntax in agent-supplied text.
func escape(s string) string {
	return mdEscaper.Replace(s)
}

func cell(s string) string {
	return strings.ReplaceAll(escape(oneLine(s)), "|", `\|`)
}
