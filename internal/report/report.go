// Package report renders stored group chats as markdown.
package report

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"

	"dmharvest/internal/types"
)

// maxHandles caps the participant handles listed per row.
const maxHandles = 5

// Markdown renders groups as a heading plus one table row per group.
func Markdown(username string, groups []types.GroupChat) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Group chats for @%s\n\n", username)
	if len(groups) == 0 {
		b.WriteString("_No group chats stored._\n")
		return b.String()
	}

	trusted := 0
	for _, g := range groups {
		if g.Trusted {
			trusted++
		}
	}
	fmt.Fprintf(&b, "%d groups, %d trusted.\n\n", len(groups), trusted)

	b.WriteString("| Conversation | Name | Trusted | Members | Participants |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, g := range groups {
		fmt.Fprintf(&b, "| %s | %s | %s | %d | %s |\n",
			escape(g.ConversationID),
			escape(g.Name),
			yesNo(g.Trusted),
			memberCount(g.Conversation),
			escape(handles(g.Participants)),
		)
	}
	return b.String()
}

// Render styles md for a terminal of the given width.
func Render(md string, width int) (string, error) {
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("create renderer: %w", err)
	}
	out, err := r.Render(md)
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return out, nil
}

func memberCount(c types.Conversation) int {
	if c.ParticipantCount > 0 {
		return c.ParticipantCount
	}
	return len(c.Participants)
}

// handles lists enriched participants as @screen_name, then the rest as a count.
func handles(ps []types.Participant) string {
	var names []string
	unknown := 0
	for _, p := range ps {
		if p.UserData == nil || p.UserData.ScreenName == "" {
			unknown++
			continue
		}
		names = append(names, "@"+p.UserData.ScreenName)
	}

	more := 0
	if len(names) > maxHandles {
		more = len(names) - maxHandles
		names = names[:maxHandles]
	}
	out := strings.Join(names, ", ")
	if rest := more + unknown; rest > 0 {
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("+%d more", rest)
	}
	if out == "" {
		return "-"
	}
	return out
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func escape(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
